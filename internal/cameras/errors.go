package cameras

import (
	"errors"
	"fmt"
)

var (
	ErrSwitchSuperseded = errors.New("camera switch superseded by a newer request")
	ErrUnknownCamera    = errors.New("unknown camera")
	ErrControllerClosed = errors.New("camera controller closed")
)

// SwitchError reports a camera switch that was aborted. The previous
// selection stays in place.
type SwitchError struct {
	From        int
	To          int
	Step        string
	ErrorCode   string
	SafeMessage string
	Err         error
}

func (e *SwitchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Step, e.ErrorCode, e.SafeMessage, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Step, e.ErrorCode, e.SafeMessage)
}

func (e *SwitchError) Unwrap() error {
	return e.Err
}

func newStartError(from, to int, err error) *SwitchError {
	return &SwitchError{
		From:        from,
		To:          to,
		Step:        "start_stream",
		ErrorCode:   "STREAM_START_FAILED",
		SafeMessage: fmt.Sprintf("could not start camera %d", to),
		Err:         err,
	}
}
