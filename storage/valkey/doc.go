// Package valkey is the Valkey storage backend.
//
// Valkey is wire compatible with Redis, so any Redis 6.2+ server works as
// well. Each entity is a hash holding the JSON encoded entity plus the
// mutable state that atomic operations flip:
//
//	{prefix}{kind}:{id}                 -> HASH data, revoked, used, exp
//	{prefix}family:{kind}:{familyID}    -> SET of ids
//	{prefix}scope-index                 -> SET of scope identifiers
//	{prefix}replay_record:{jti}         -> resource URI (TTL = proof window)
//
// Token hashes expire with the token, so no maintenance pass is needed.
//
// # Atomic Operations
//
// Create, revoke, code consumption, refresh token rotation and family
// revocation run as Lua scripts. Only one of several concurrent callers can
// consume a code or rotate a refresh token. The replay log relies on
// SET NX.
//
// Family revocation touches keys that are not passed in KEYS, so the
// backend targets a standalone server or a single shard.
//
// # Configuration
//
//	store, err := valkey.New(ctx, valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "pod-oauth:",
//	})
//
// With TLS:
//
//	store, err := valkey.New(ctx, valkey.Config{
//	    Address:  "valkey.example.com:6379",
//	    Password: os.Getenv("VALKEY_PASSWORD"),
//	    TLS:      &tls.Config{MinVersion: tls.VersionTLS12},
//	})
package valkey
