package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Engine.IO v4 packet types, sent as the first byte of each text frame.
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'
	eioUpgrade = '5'
	eioNoop    = '6'
)

// PacketType is a Socket.IO v5 packet type carried inside an Engine.IO message.
type PacketType int

const (
	PacketConnect PacketType = iota
	PacketDisconnect
	PacketEvent
	PacketAck
	PacketConnectError
	PacketBinaryEvent
	PacketBinaryAck
)

var ErrMalformedPacket = errors.New("malformed packet")

// Handshake is the payload of the Engine.IO open packet. Intervals are in
// milliseconds.
type Handshake struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload,omitempty"`
}

// Packet is a decoded Socket.IO packet.
type Packet struct {
	Type      PacketType
	Namespace string
	AckID     int
	HasAck    bool
	Data      json.RawMessage
}

func decodeHandshake(frame string) (Handshake, error) {
	var h Handshake
	if len(frame) < 2 || frame[0] != eioOpen {
		return h, fmt.Errorf("%w: expected open packet, got %q", ErrMalformedPacket, truncate(frame))
	}
	if err := json.Unmarshal([]byte(frame[1:]), &h); err != nil {
		return h, fmt.Errorf("%w: open payload: %v", ErrMalformedPacket, err)
	}
	if h.SID == "" {
		return h, fmt.Errorf("%w: open packet without sid", ErrMalformedPacket)
	}
	return h, nil
}

// DecodePacket parses the Socket.IO part of an Engine.IO message, i.e.
// everything after the leading '4'.
func DecodePacket(s string) (Packet, error) {
	var p Packet
	if s == "" {
		return p, fmt.Errorf("%w: empty", ErrMalformedPacket)
	}
	t := int(s[0] - '0')
	if t < int(PacketConnect) || t > int(PacketBinaryAck) {
		return p, fmt.Errorf("%w: unknown type %q", ErrMalformedPacket, s[0])
	}
	p.Type = PacketType(t)
	if p.Type == PacketBinaryEvent || p.Type == PacketBinaryAck {
		return p, fmt.Errorf("%w: binary packets are not supported", ErrMalformedPacket)
	}
	rest := s[1:]

	p.Namespace = "/"
	if strings.HasPrefix(rest, "/") {
		i := strings.IndexByte(rest, ',')
		if i < 0 {
			p.Namespace = rest
			rest = ""
		} else {
			p.Namespace = rest[:i]
			rest = rest[i+1:]
		}
	}

	digits := 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		digits++
	}
	if digits > 0 {
		id, err := strconv.Atoi(rest[:digits])
		if err != nil {
			return p, fmt.Errorf("%w: ack id: %v", ErrMalformedPacket, err)
		}
		p.AckID = id
		p.HasAck = true
		rest = rest[digits:]
	}

	if rest != "" {
		if !json.Valid([]byte(rest)) {
			return p, fmt.Errorf("%w: invalid json data", ErrMalformedPacket)
		}
		p.Data = json.RawMessage(rest)
	}
	return p, nil
}

// Encode renders p without the Engine.IO prefix.
func (p Packet) Encode() string {
	var b strings.Builder
	b.WriteByte(byte('0' + p.Type))
	if p.Namespace != "" && p.Namespace != "/" {
		b.WriteString(p.Namespace)
		b.WriteByte(',')
	}
	if p.HasAck {
		b.WriteString(strconv.Itoa(p.AckID))
	}
	if len(p.Data) > 0 {
		b.Write(p.Data)
	}
	return b.String()
}

// Event splits an EVENT packet into its name and first argument. A
// missing argument yields a JSON null payload.
func (p Packet) Event() (string, json.RawMessage, error) {
	if p.Type != PacketEvent {
		return "", nil, fmt.Errorf("%w: not an event", ErrMalformedPacket)
	}
	var args []json.RawMessage
	if err := json.Unmarshal(p.Data, &args); err != nil || len(args) == 0 {
		return "", nil, fmt.Errorf("%w: event data must be a non-empty array", ErrMalformedPacket)
	}
	var kind string
	if err := json.Unmarshal(args[0], &kind); err != nil || kind == "" {
		return "", nil, fmt.Errorf("%w: event name must be a string", ErrMalformedPacket)
	}
	if len(args) < 2 {
		return kind, json.RawMessage("null"), nil
	}
	return kind, args[1], nil
}

// NewEvent builds an EVENT packet for kind with a single argument.
func NewEvent(namespace, kind string, payload any) (Packet, error) {
	data, err := json.Marshal([]any{kind, payload})
	if err != nil {
		return Packet{}, err
	}
	return Packet{Type: PacketEvent, Namespace: namespace, Data: data}, nil
}

func truncate(s string) string {
	const limit = 64
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
