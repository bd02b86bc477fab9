package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/giantswarm/pod-oauth/discovery"
	"github.com/giantswarm/pod-oauth/grant"
)

// Discovery assembles the discovery metadata from the issuer, the key
// material, the registered scopes and the configured overrides, in that
// order of precedence from lowest to highest.
func (s *Server) Discovery(ctx context.Context) (*discovery.Metadata, error) {
	overrides := discovery.Endpoints(s.config.Issuer)
	overrides[discovery.KeyIDTokenSigningAlgs] = []string{s.keys.Algorithm().String()}
	overrides[discovery.KeyCodeChallengeMethods] = grant.ChallengeMethods(s.config.AllowPKCEPlain)
	if s.config.DisableRegistration {
		delete(overrides, discovery.KeyRegistrationEndpoint)
	}

	scopes, err := s.repos.Scopes().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list scopes: %w", err)
	}
	if len(scopes) > 0 {
		ids := make([]string, 0, len(scopes))
		for _, sc := range scopes {
			ids = append(ids, sc.Identifier)
		}
		overrides[discovery.KeyScopesSupported] = ids
	}

	for k, v := range s.config.Discovery {
		overrides[k] = v
	}
	return discovery.New(overrides, s.config.DiscoveryStrict), nil
}

// RespondToDiscoveryRequest returns the encoded discovery document. It
// fails with a *config.ConfigurationError when required keys are unset
// rather than publishing an incomplete document.
func (s *Server) RespondToDiscoveryRequest(ctx context.Context) ([]byte, error) {
	md, err := s.Discovery(ctx)
	if err != nil {
		return nil, err
	}
	doc, err := md.Document()
	if err != nil {
		s.logger.Error("Discovery metadata is incomplete",
			"error", err,
			"strict", md.Strict())
		return nil, err
	}
	return json.Marshal(doc)
}

// JWKS returns the public key set document.
func (s *Server) JWKS() ([]byte, error) {
	return s.keys.JWKSDocument()
}
