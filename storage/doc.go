// Package storage defines the protocol entities and the repository contracts
// used to persist them.
//
// Every token kind embeds Token, which carries the client reference, the
// subject, scopes, family and lifetime. Expiry is never enforced by eviction:
// callers compare ExpiresAt against their own clock at read time.
//
// Repositories are obtained from a Factory, which wraps an already connected
// Backend and builds at most one repository per Kind. Implementations are
// provided in subpackages:
//   - storage/memory: in-process maps for development, tests and single instances
//   - storage/sqlite: embedded SQL database with goose migrations
//   - storage/valkey: Valkey for multi-instance deployments
//   - storage/redis: Redis replay log for deployments that keep entities elsewhere
//
// Backends must make single-use transitions atomic: consuming an
// authorization code, rotating a refresh token and inserting a replay record
// each succeed for exactly one of several concurrent callers.
package storage
