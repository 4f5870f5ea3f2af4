package alerts

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// ID is the backend-assigned alert identity. The backend sends either a
// JSON string or a JSON number; both are kept as their decimal/string form.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("alert id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// Alert is one detection reported by the backend. Immutable once accepted.
type Alert struct {
	ID        ID       `json:"id"`
	Timestamp string   `json:"timestamp"`
	CameraID  int      `json:"camera_id"`
	Type      string   `json:"type"`
	Message   string   `json:"message"`
	Severity  Severity `json:"severity"`
	ImageURL  string   `json:"image_url,omitempty"`

	// ReceivedAt is stamped locally when the buffer accepts the alert.
	ReceivedAt time.Time `json:"received_at"`
}

// Envelope is the payload of the "alert" channel event.
type Envelope struct {
	Type  string          `json:"type"`
	Alert json.RawMessage `json:"alert"`
}

var (
	ErrNotAlert       = errors.New("envelope type is not alert")
	ErrMissingID      = errors.New("alert has no id")
	ErrBadSeverity    = errors.New("alert severity is not high/medium/low")
	ErrMissingPayload = errors.New("alert envelope has no alert")
)

// cameraRef accepts camera_id as a number or a numeric string.
type cameraRef int

func (c *cameraRef) UnmarshalJSON(b []byte) error {
	var id ID
	if err := id.UnmarshalJSON(b); err != nil {
		return err
	}
	if id == "" {
		*c = 0
		return nil
	}
	n, err := strconv.Atoi(string(id))
	if err != nil {
		return fmt.Errorf("camera_id: %w", err)
	}
	*c = cameraRef(n)
	return nil
}

// DecodeEnvelope parses an "alert" event payload. Envelopes whose type is
// not "alert" return ErrNotAlert and must be ignored, not treated as
// malformed.
func DecodeEnvelope(payload []byte) (Alert, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Alert{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type != "alert" {
		return Alert{}, ErrNotAlert
	}
	if len(env.Alert) == 0 || bytes.Equal(bytes.TrimSpace(env.Alert), []byte("null")) {
		return Alert{}, ErrMissingPayload
	}

	var raw struct {
		ID        ID        `json:"id"`
		Timestamp string    `json:"timestamp"`
		CameraID  cameraRef `json:"camera_id"`
		Type      string    `json:"type"`
		Message   string    `json:"message"`
		Severity  Severity  `json:"severity"`
		ImageURL  string    `json:"image_url"`
	}
	if err := json.Unmarshal(env.Alert, &raw); err != nil {
		return Alert{}, fmt.Errorf("decode alert: %w", err)
	}

	a := Alert{
		ID:        raw.ID,
		Timestamp: raw.Timestamp,
		CameraID:  int(raw.CameraID),
		Type:      raw.Type,
		Message:   raw.Message,
		Severity:  raw.Severity,
		ImageURL:  raw.ImageURL,
	}
	if a.Severity == "" {
		a.Severity = SeverityLow
	}
	if err := a.Validate(); err != nil {
		return Alert{}, err
	}
	return a, nil
}

func (a Alert) Validate() error {
	if a.ID == "" {
		return ErrMissingID
	}
	if !a.Severity.Valid() {
		return fmt.Errorf("%w: %q", ErrBadSeverity, a.Severity)
	}
	return nil
}
