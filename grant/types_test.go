package grant

import (
	"errors"
	"testing"
)

func TestParseType(t *testing.T) {
	tests := []struct {
		in      string
		want    Type
		wantErr error
	}{
		{in: "authorization_code", want: TypeAuthorizationCode},
		{in: "client_credentials", want: TypeClientCredentials},
		{in: "refresh_token", want: TypeRefreshToken},
		{in: "", wantErr: ErrInvalidRequest},
		{in: "implicit", wantErr: ErrUnsupportedGrantType},
		{in: "password", wantErr: ErrUnsupportedGrantType},
		{in: "urn:ietf:params:oauth:grant-type:device_code", wantErr: ErrUnsupportedGrantType},
		{in: "Authorization_Code", wantErr: ErrUnsupportedGrantType},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseType(tt.in)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ParseType(%q) error = %v, want %v", tt.in, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseType(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseType(%q) = %v, want %v", tt.in, got, tt.want)
			}
			if got.String() != tt.in {
				t.Errorf("String() = %q, want %q", got.String(), tt.in)
			}
		})
	}
}

func TestParseResponseType(t *testing.T) {
	tests := []struct {
		in           string
		want         ResponseType
		wantGrant    Type
		wantFragment bool
		wantErr      error
	}{
		{in: "code", want: ResponseTypeCode, wantGrant: TypeAuthorizationCode},
		{in: "token", want: ResponseTypeToken, wantGrant: TypeImplicit, wantFragment: true},
		{in: "", wantErr: ErrInvalidRequest},
		{in: "id_token", wantErr: ErrUnsupportedResponseType},
		{in: "code token", wantErr: ErrUnsupportedResponseType},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseResponseType(tt.in)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ParseResponseType(%q) error = %v, want %v", tt.in, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseResponseType(%q) error = %v", tt.in, err)
			}
			if got != tt.want || got.Grant() != tt.wantGrant || got.Fragment() != tt.wantFragment {
				t.Errorf("ParseResponseType(%q) = (%v, %v, %v)", tt.in, got, got.Grant(), got.Fragment())
			}
		})
	}
}

func TestError(t *testing.T) {
	err := Errorf(ErrInvalidGrant, "code %s expired", "x")

	if !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("errors.Is(%v, ErrInvalidGrant) = false", err)
	}
	if got := err.Error(); got != "invalid_grant: code x expired" {
		t.Errorf("Error() = %q", got)
	}
	if got := Description(err); got != "code x expired" {
		t.Errorf("Description() = %q", got)
	}
	if got := Description(ErrInvalidScope); got != "" {
		t.Errorf("Description(sentinel) = %q, want empty", got)
	}
}
