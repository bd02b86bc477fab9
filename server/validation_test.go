package server

import (
	"testing"
)

func TestValidateRedirectURI(t *testing.T) {
	tests := []struct {
		name    string
		uri     string
		wantErr bool
	}{
		{name: "https", uri: "https://app.example/cb"},
		{name: "http loopback", uri: "http://127.0.0.1:3000/cb"},
		{name: "http localhost", uri: "http://localhost/cb"},
		{name: "http ipv6 loopback", uri: "http://[::1]:8080/cb"},
		{name: "custom scheme", uri: "com.example.app:/oauth/cb"},
		{name: "http remote", uri: "http://app.example/cb", wantErr: true},
		{name: "fragment", uri: "https://app.example/cb#x", wantErr: true},
		{name: "relative", uri: "/cb", wantErr: true},
		{name: "https without host", uri: "https:///cb", wantErr: true},
		{name: "javascript", uri: "javascript:alert(1)", wantErr: true},
		{name: "data", uri: "data:text/html,hi", wantErr: true},
		{name: "file", uri: "file:///etc/passwd", wantErr: true},
		{name: "cloud metadata", uri: "https://169.254.169.254/cb", wantErr: true},
		{name: "unspecified", uri: "https://0.0.0.0/cb", wantErr: true},
		{name: "https private address", uri: "https://10.0.0.5/cb"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRedirectURI(tt.uri)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRedirectURI(%q) error = %v, wantErr %v", tt.uri, err, tt.wantErr)
			}
		})
	}
}

func TestIsLocalhostHostname(t *testing.T) {
	tests := []struct {
		hostname string
		want     bool
	}{
		{"localhost", true},
		{"127.0.0.1", true},
		{"127.1.2.3", true},
		{"::1", true},
		{"[::1]", true},
		{"0.0.0.0", true},
		{"auth.example", false},
		{"10.0.0.1", false},
		{"localhost.evil.example", false},
	}

	for _, tt := range tests {
		t.Run(tt.hostname, func(t *testing.T) {
			if got := isLocalhostHostname(tt.hostname); got != tt.want {
				t.Errorf("isLocalhostHostname(%q) = %v, want %v", tt.hostname, got, tt.want)
			}
		})
	}
}
