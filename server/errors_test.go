package server

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/giantswarm/pod-oauth/config"
	"github.com/giantswarm/pod-oauth/dpop"
	"github.com/giantswarm/pod-oauth/grant"
	"github.com/giantswarm/pod-oauth/replay"
	"github.com/giantswarm/pod-oauth/storage"
)

func TestTranslate(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
		wantDesc string
		status   int
	}{
		{
			name:     "protocol error passes through",
			err:      ErrInvalidClient(),
			wantCode: ErrorCodeInvalidClient,
			wantDesc: "client authentication failed",
			status:   http.StatusUnauthorized,
		},
		{
			name:     "grant error keeps description",
			err:      grant.Errorf(grant.ErrInvalidGrant, "invalid authorization code"),
			wantCode: ErrorCodeInvalidGrant,
			wantDesc: "invalid authorization code",
			status:   http.StatusBadRequest,
		},
		{
			name:     "wrapped grant sentinel",
			err:      fmt.Errorf("exchange: %w", grant.ErrInvalidScope),
			wantCode: ErrorCodeInvalidScope,
			status:   http.StatusBadRequest,
		},
		{
			name:     "access denied",
			err:      grant.Errorf(grant.ErrAccessDenied, "no authenticated user"),
			wantCode: ErrorCodeAccessDenied,
			wantDesc: "no authenticated user",
			status:   http.StatusForbidden,
		},
		{
			name:     "proof rejection",
			err:      dpop.ErrKeyMismatch,
			wantCode: ErrorCodeInvalidDPoPProof,
			status:   http.StatusBadRequest,
		},
		{
			name:     "replayed proof",
			err:      &replay.ReplayDetectedError{JTI: "j1"},
			wantCode: ErrorCodeInvalidDPoPProof,
			wantDesc: "DPoP proof has already been used",
			status:   http.StatusUnauthorized,
		},
		{
			name:     "storage failure",
			err:      storage.Wrap("find", storage.KindClient, errors.New("connection refused")),
			wantCode: ErrorCodeServerError,
			wantDesc: "internal server error",
			status:   http.StatusInternalServerError,
		},
		{
			name:     "configuration failure",
			err:      config.NewConfigurationError("discovery metadata is missing required keys", "issuer"),
			wantCode: ErrorCodeServerError,
			wantDesc: "internal server error",
			status:   http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pe := Translate(tt.err)
			if pe.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", pe.Code, tt.wantCode)
			}
			if tt.wantDesc != "" && pe.Description != tt.wantDesc {
				t.Errorf("Description = %q, want %q", pe.Description, tt.wantDesc)
			}
			if pe.Status != tt.status {
				t.Errorf("Status = %d, want %d", pe.Status, tt.status)
			}
		})
	}
}

func TestTranslate_Nil(t *testing.T) {
	if pe := Translate(nil); pe != nil {
		t.Errorf("Translate(nil) = %v, want nil", pe)
	}
}

func TestTranslate_HidesInternalDetail(t *testing.T) {
	pe := Translate(fmt.Errorf("dial tcp 10.0.0.7:6379: connection refused"))
	if !pe.Internal() {
		t.Fatal("Internal() = false")
	}
	if pe.Error() != "server_error: internal server error" {
		t.Errorf("Error() = %q", pe.Error())
	}
}

func TestIsConfigurationError(t *testing.T) {
	if !isConfigurationError(fmt.Errorf("startup: %w", config.NewConfigurationError("bad"))) {
		t.Error("wrapped ConfigurationError not recognised")
	}
	if isConfigurationError(errors.New("other")) {
		t.Error("plain error recognised as configuration error")
	}
}
