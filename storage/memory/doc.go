// Package memory is the in-process storage backend.
//
// All entity kinds live in maps behind a single sync.RWMutex, so the
// atomic operations (authorization code consumption, refresh token
// rotation, replay log insertion) are trivially serialized. Nothing is
// persisted; expired rows stay until PruneExpired removes them.
//
// The backend suits development, tests and single-instance deployments:
//
//	store := memory.New(memory.WithLogger(logger))
//	factory, err := storage.NewFactory(store)
package memory
