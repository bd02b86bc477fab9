package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"github.com/giantswarm/pod-oauth/grant"
	"github.com/giantswarm/pod-oauth/storage"
)

// ClientRegistration is a statically configured client.
type ClientRegistration struct {
	ID           string
	Name         string
	Secret       string // empty for public clients
	RedirectURIs []string
	GrantTypes   []string
	Scopes       []string
}

// Client types reported in audit events
const (
	ClientTypeConfidential = "confidential"
	ClientTypePublic       = "public"
)

// SeedClients registers clients from configuration. Secrets are stored as
// bcrypt hashes. A client id that is already registered is left untouched.
func (s *Server) SeedClients(ctx context.Context, registrations []ClientRegistration) error {
	for _, reg := range registrations {
		client, err := s.newClient(reg)
		if err != nil {
			return fmt.Errorf("client %q: %w", reg.ID, err)
		}

		_, err = s.repos.Clients().Create(ctx, client)
		if errors.Is(err, storage.ErrDuplicate) {
			s.logger.Info("Client already registered, keeping stored registration", "client_id", reg.ID)
			continue
		}
		if err != nil {
			return fmt.Errorf("client %q: %w", reg.ID, err)
		}

		clientType := ClientTypePublic
		if client.Confidential() {
			clientType = ClientTypeConfidential
		}
		s.auditor.ClientRegistered(ctx, client.ID, clientType)
		s.logger.Info("Registered client",
			"client_id", client.ID,
			"client_type", clientType,
			"redirect_uris", len(client.RedirectURIs))
	}
	return nil
}

// newClient validates a registration and builds the client record. Errors
// are *ProtocolError in the RFC 7591 vocabulary.
func (s *Server) newClient(reg ClientRegistration) (*storage.Client, error) {
	if reg.ID == "" {
		return nil, invalidClientMetadata("client id is required")
	}
	for _, uri := range reg.RedirectURIs {
		if err := ValidateRedirectURI(uri); err != nil {
			return nil, protocolError(ErrorCodeInvalidRedirectURI, err.Error(), http.StatusBadRequest)
		}
	}
	for _, gt := range reg.GrantTypes {
		if gt == storage.GrantTypeImplicit {
			continue
		}
		if _, err := grant.ParseType(gt); err != nil {
			return nil, invalidClientMetadata(fmt.Sprintf("unsupported grant type %q", gt))
		}
	}
	if reg.Secret == "" && slices.Contains(reg.GrantTypes, storage.GrantTypeClientCredentials) {
		return nil, invalidClientMetadata("public clients may not use client_credentials")
	}

	client := &storage.Client{
		ID:           reg.ID,
		Name:         reg.Name,
		RedirectURIs: slices.Clone(reg.RedirectURIs),
		GrantTypes:   slices.Clone(reg.GrantTypes),
		Scopes:       slices.Clone(reg.Scopes),
		CreatedAt:    s.now(),
	}

	// Grants that end in a redirect need somewhere to redirect to.
	if len(client.RedirectURIs) == 0 &&
		(client.AllowsGrant(storage.GrantTypeAuthorizationCode) || client.AllowsGrant(storage.GrantTypeImplicit)) {
		return nil, protocolError(ErrorCodeInvalidRedirectURI,
			"redirect_uris is required for the authorization_code and implicit grants", http.StatusBadRequest)
	}

	if reg.Secret != "" {
		hash, err := storage.HashSecret(reg.Secret)
		if err != nil {
			return nil, fmt.Errorf("failed to hash client secret: %w", err)
		}
		client.SecretHash = hash
	}
	return client, nil
}

func invalidClientMetadata(description string) *ProtocolError {
	return protocolError(ErrorCodeInvalidClientMetadata, description, http.StatusBadRequest)
}

// SeedScopes registers scope identifiers that are not registered yet.
func (s *Server) SeedScopes(ctx context.Context, identifiers []string) error {
	for _, id := range identifiers {
		_, err := s.repos.Scopes().Create(ctx, &storage.Scope{Identifier: id})
		if err != nil && !errors.Is(err, storage.ErrDuplicate) {
			return fmt.Errorf("scope %q: %w", id, err)
		}
	}
	return nil
}
