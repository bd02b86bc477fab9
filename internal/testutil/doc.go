// Package testutil provides fixtures shared by the pod-oauth tests: a
// controllable clock, generated key material, a memory-backed repository
// factory with seeded clients, PKCE pairs and a small HTTP request builder.
package testutil
