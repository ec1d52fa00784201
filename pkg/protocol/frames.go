package protocol

import "encoding/json"

// ProtocolVersion is bumped on breaking envelope changes.
const ProtocolVersion = 2

// Envelope is the wire format for every server→client WebSocket message:
// {"type": "...", ...payload fields flattened}.
type Envelope struct {
	Type    string
	Payload map[string]any
}

// MarshalJSON flattens the payload fields next to "type".
func (e Envelope) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Payload)+1)
	for k, v := range e.Payload {
		out[k] = v
	}
	out["type"] = e.Type
	return json.Marshal(out)
}

// UnmarshalJSON splits "type" back out of the flattened object.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if t, ok := raw["type"].(string); ok {
		e.Type = t
	}
	delete(raw, "type")
	e.Payload = raw
	return nil
}

// NewEvent builds an envelope from a type and payload map.
func NewEvent(eventType string, payload map[string]any) *Envelope {
	return &Envelope{Type: eventType, Payload: payload}
}

// ClientFrame is a client→server control message on the WebSocket.
// Action is "subscribe" or "unsubscribe"; Topic is one of the Topic*
// constants, optionally "session:{id}".
type ClientFrame struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
}
