package keys

import "fmt"

// KeyMaterialError reports a signing or encryption key that cannot be used.
// It is returned from New and is fatal at startup.
type KeyMaterialError struct {
	Op  string
	Err error
}

// Error implements the error interface
func (e *KeyMaterialError) Error() string {
	return fmt.Sprintf("key material: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause
func (e *KeyMaterialError) Unwrap() error {
	return e.Err
}

func keyError(op string, err error) *KeyMaterialError {
	return &KeyMaterialError{Op: op, Err: err}
}
