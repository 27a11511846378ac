package realtime

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the JSON frame exchanged on the connection.
type Envelope struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

func newEnvelope(kind string, payload any) (Envelope, error) {
	env := Envelope{Event: kind, Timestamp: time.Now().UnixMilli()}
	if payload == nil {
		return env, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		env.Data = raw
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	env.Data = data
	return env, nil
}
