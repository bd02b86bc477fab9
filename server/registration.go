package server

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/giantswarm/pod-oauth/storage"
)

// Token endpoint authentication methods (RFC 7591 Section 2)
const (
	TokenEndpointAuthMethodBasic = "client_secret_basic"
	TokenEndpointAuthMethodPost  = "client_secret_post"
	TokenEndpointAuthMethodNone  = "none"
)

// RegistrationRequest is the client metadata of a dynamic registration
// request (RFC 7591 Section 2).
type RegistrationRequest struct {
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

// RegistrationResponse is the client information response (RFC 7591
// Section 3.2.1). The secret is only ever returned here.
type RegistrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	ClientSecretExpiresAt   *int64   `json:"client_secret_expires_at,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	Scope                   string   `json:"scope,omitempty"`
}

var errRegistrationDisabled = protocolError(ErrorCodeAccessDenied, "client registration is disabled", http.StatusForbidden)

// RegisterClient registers a client from its metadata (RFC 7591). Clients
// using token_endpoint_auth_method none are public; every other client
// gets a generated secret that does not expire.
//
// Errors are always *ProtocolError.
func (s *Server) RegisterClient(ctx context.Context, req *RegistrationRequest, clientIP string) (*RegistrationResponse, error) {
	ctx, span := s.tracer.Start(ctx, "server.register")
	defer span.End()

	resp, err := s.registerClient(ctx, req, clientIP)
	if err != nil {
		pe := s.fail(err, "register", "")
		if !pe.Internal() {
			s.logger.Warn("Client registration rejected",
				"error", pe.Code,
				"description", pe.Description,
				"client_ip", clientIP)
		}
		return nil, pe
	}
	return resp, nil
}

func (s *Server) registerClient(ctx context.Context, req *RegistrationRequest, clientIP string) (*RegistrationResponse, error) {
	if s.config.DisableRegistration {
		return nil, errRegistrationDisabled
	}

	method := req.TokenEndpointAuthMethod
	switch method {
	case "":
		method = TokenEndpointAuthMethodBasic
	case TokenEndpointAuthMethodBasic, TokenEndpointAuthMethodPost, TokenEndpointAuthMethodNone:
	default:
		return nil, invalidClientMetadata(fmt.Sprintf("unsupported token_endpoint_auth_method %q", method))
	}

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{storage.GrantTypeAuthorizationCode, storage.GrantTypeRefreshToken}
	}
	responseTypes, err := registeredResponseTypes(req.ResponseTypes, grantTypes)
	if err != nil {
		return nil, err
	}

	scopes := strings.Fields(req.Scope)
	for _, id := range scopes {
		sc, err := s.repos.Scopes().Find(ctx, id)
		if err != nil || sc.Revoked {
			return nil, protocolError(ErrorCodeInvalidScope, fmt.Sprintf("unknown scope %q", id), http.StatusBadRequest)
		}
	}

	var secret string
	if method != TokenEndpointAuthMethodNone {
		secret = rand.Text()
	}

	client, err := s.newClient(ClientRegistration{
		ID:           storage.NewID(),
		Name:         req.ClientName,
		Secret:       secret,
		RedirectURIs: req.RedirectURIs,
		GrantTypes:   grantTypes,
		Scopes:       scopes,
	})
	if err != nil {
		return nil, err
	}
	if _, err := s.repos.Clients().Create(ctx, client); err != nil {
		return nil, fmt.Errorf("failed to store client: %w", err)
	}

	clientType := ClientTypePublic
	if client.Confidential() {
		clientType = ClientTypeConfidential
	}
	s.auditor.ClientRegistered(ctx, client.ID, clientType)
	s.logger.Info("Registered client",
		"client_id", client.ID,
		"client_type", clientType,
		"client_ip", clientIP,
		"redirect_uris", len(client.RedirectURIs))

	resp := &RegistrationResponse{
		ClientID:                client.ID,
		ClientSecret:            secret,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		ClientName:              client.Name,
		RedirectURIs:            client.RedirectURIs,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           responseTypes,
		TokenEndpointAuthMethod: method,
		Scope:                   strings.Join(client.Scopes, " "),
	}
	if secret != "" {
		var never int64
		resp.ClientSecretExpiresAt = &never
	}
	return resp, nil
}

// registeredResponseTypes checks response types against the grant types
// they need (RFC 7591 Section 2.1) and derives them when none were sent.
func registeredResponseTypes(responseTypes, grantTypes []string) ([]string, error) {
	needs := map[string]string{
		"code":  storage.GrantTypeAuthorizationCode,
		"token": storage.GrantTypeImplicit,
	}

	if len(responseTypes) == 0 {
		responseTypes = []string{}
		for _, rt := range []string{"code", "token"} {
			if slices.Contains(grantTypes, needs[rt]) {
				responseTypes = append(responseTypes, rt)
			}
		}
		return responseTypes, nil
	}

	for _, rt := range responseTypes {
		gt, ok := needs[rt]
		if !ok {
			return nil, invalidClientMetadata(fmt.Sprintf("unsupported response type %q", rt))
		}
		if !slices.Contains(grantTypes, gt) {
			return nil, invalidClientMetadata(fmt.Sprintf("response type %q requires the %s grant", rt, gt))
		}
	}
	return slices.Clone(responseTypes), nil
}
