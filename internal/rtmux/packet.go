package rtmux

import (
	"encoding/json"
	"fmt"
)

// PacketType distinguishes a request frame from a response frame.
type PacketType string

const (
	TypeRequest  PacketType = "request"
	TypeResponse PacketType = "response"
)

// Status is meaningful only on response packets; requests are always StatusOk.
type Status string

const (
	StatusOk    Status = "Ok"
	StatusError Status = "Error"
)

// Packet is the single on-wire envelope exchanged by two Endpoints.
//
// Type is included on every packet this implementation emits, but Decode
// tolerates it being absent: callers falling back to legacy peers disambiguate
// request vs. response by comparing the session token's embedded endpoint name
// instead (see EndpointName).
type Packet struct {
	Type    PacketType      `json:"type,omitempty"`
	Status  Status          `json:"status"`
	Event   string          `json:"event"`
	Session string          `json:"session"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Encode serializes a packet to its wire form.
func Encode(pkt *Packet) ([]byte, error) {
	return json.Marshal(pkt)
}

// Decode parses a packet from its wire form, rejecting frames missing the
// fields required by every variant of this protocol (session, status).
func Decode(raw []byte) (*Packet, error) {
	var pkt Packet
	if err := json.Unmarshal(raw, &pkt); err != nil {
		return nil, fmt.Errorf("rtmux: decode packet: %w", err)
	}
	if pkt.Session == "" {
		return nil, fmt.Errorf("rtmux: decode packet: missing session")
	}
	if pkt.Status == "" {
		return nil, fmt.Errorf("rtmux: decode packet: missing status")
	}
	return &pkt, nil
}

// encodeRequestData packages positional and keyword arguments into the
// two-element tuple shape requests carry on the wire: [args, kwargs].
func encodeRequestData(args []any, kwargs map[string]any) (json.RawMessage, error) {
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	raw, err := json.Marshal([2]any{args, kwargs})
	if err != nil {
		return nil, fmt.Errorf("rtmux: encode request data: %w", err)
	}
	return raw, nil
}

// decodeRequestData unpacks the [args, kwargs] tuple out of a request packet's data.
func decodeRequestData(raw json.RawMessage) ([]any, map[string]any, error) {
	var tuple [2]json.RawMessage
	if err := json.Unmarshal(raw, &tuple); err != nil {
		return nil, nil, fmt.Errorf("rtmux: decode request data: %w", err)
	}
	var args []any
	if len(tuple[0]) > 0 {
		if err := json.Unmarshal(tuple[0], &args); err != nil {
			return nil, nil, fmt.Errorf("rtmux: decode request args: %w", err)
		}
	}
	kwargs := map[string]any{}
	if len(tuple[1]) > 0 {
		if err := json.Unmarshal(tuple[1], &kwargs); err != nil {
			return nil, nil, fmt.Errorf("rtmux: decode request kwargs: %w", err)
		}
	}
	return args, kwargs, nil
}

// encodeValue marshals an arbitrary handler result/error message into Data.
func encodeValue(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		raw, _ = json.Marshal(fmt.Sprintf("%v", v))
	}
	return raw
}
