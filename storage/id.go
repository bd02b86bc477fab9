package storage

import "github.com/segmentio/ksuid"

// NewID returns a new sortable, globally unique entity id.
func NewID() string {
	return ksuid.New().String()
}
