package realtime

import "fmt"

// TransportError describes a failed connection attempt or a dropped
// session. It is logged and converted into a connected=false signal; it
// never reaches callers of Connect.
type TransportError struct {
	Op       string // "dial", "handshake", "read"
	Endpoint string
	Attempt  int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("realtime %s %s (attempt %d): %v", e.Op, e.Endpoint, e.Attempt, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
