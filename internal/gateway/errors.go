package gateway

import "fmt"

// AuthError reports a rejected login or an expired session token.
type AuthError struct {
	Status  int
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("engine authentication failed (status %d)", e.Status)
	}
	return fmt.Sprintf("engine authentication failed (status %d): %s", e.Status, e.Message)
}

// UnavailableError wraps transport failures and engine-side errors.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("workflow engine unavailable (%s): %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }
