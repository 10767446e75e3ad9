package progress

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind names an event variant on the wire.
type Kind string

const (
	KindOutputChunk         Kind = "output_chunk"
	KindSetupProgress       Kind = "setup_progress"
	KindSetupCompleted      Kind = "setup_completed"
	KindGenerationProgress  Kind = "generation_progress"
	KindGenerationCompleted Kind = "generation_completed"
)

// Event is one typed notification, always tagged with the instance it concerns.
type Event interface {
	EventKind() Kind
	Instance() string
}

// OutputChunk carries a delta of remote script output.
type OutputChunk struct {
	InstanceID  string    `json:"instanceId"`
	ExecutionID string    `json:"executionId"`
	Data        string    `json:"data"`
	At          time.Time `json:"at"`
}

// SetupProgress reports a "[step N/M] message" marker printed by the setup script.
type SetupProgress struct {
	InstanceID  string    `json:"instanceId"`
	ExecutionID string    `json:"executionId"`
	Step        int       `json:"step"`
	TotalSteps  int       `json:"totalSteps"`
	Message     string    `json:"message"`
	At          time.Time `json:"at"`
}

// SetupCompleted is published once per setup attempt with the resulting setup status.
type SetupCompleted struct {
	InstanceID      string    `json:"instanceId"`
	ExecutionID     string    `json:"executionId"`
	SetupStatus     string    `json:"setupStatus"`
	ExecutionStatus string    `json:"executionStatus"`
	Simulated       bool      `json:"simulated"`
	Message         string    `json:"message,omitempty"`
	At              time.Time `json:"at"`
}

// GenerationProgress is published on every status change and poll attempt.
type GenerationProgress struct {
	InstanceID   string    `json:"instanceId"`
	GenerationID string    `json:"generationId"`
	Status       string    `json:"status"`
	Attempt      int       `json:"attempt"`
	MaxAttempts  int       `json:"maxAttempts"`
	Message      string    `json:"message,omitempty"`
	At           time.Time `json:"at"`
}

// GenerationCompleted is published once when a generation reaches a terminal status.
type GenerationCompleted struct {
	InstanceID   string    `json:"instanceId"`
	GenerationID string    `json:"generationId"`
	Status       string    `json:"status"`
	ImageURLs    []string  `json:"imageUrls,omitempty"`
	Error        string    `json:"error,omitempty"`
	Simulated    bool      `json:"simulated"`
	At           time.Time `json:"at"`
}

func (e OutputChunk) EventKind() Kind         { return KindOutputChunk }
func (e SetupProgress) EventKind() Kind       { return KindSetupProgress }
func (e SetupCompleted) EventKind() Kind      { return KindSetupCompleted }
func (e GenerationProgress) EventKind() Kind  { return KindGenerationProgress }
func (e GenerationCompleted) EventKind() Kind { return KindGenerationCompleted }

func (e OutputChunk) Instance() string         { return e.InstanceID }
func (e SetupProgress) Instance() string       { return e.InstanceID }
func (e SetupCompleted) Instance() string      { return e.InstanceID }
func (e GenerationProgress) Instance() string  { return e.InstanceID }
func (e GenerationCompleted) Instance() string { return e.InstanceID }

// envelope is the JSON framing shared by the WebSocket, SSE and relay paths.
type envelope struct {
	Type       Kind            `json:"type"`
	InstanceID string          `json:"instanceId"`
	Origin     string          `json:"origin,omitempty"`
	Data       json.RawMessage `json:"data"`
}

// Marshal encodes an event inside its typed envelope.
func Marshal(ev Event) ([]byte, error) {
	return marshalWithOrigin(ev, "")
}

func marshalWithOrigin(ev Event, origin string) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: ev.EventKind(), InstanceID: ev.Instance(), Origin: origin, Data: data})
}

// Unmarshal decodes an enveloped event back into its concrete type.
func Unmarshal(payload []byte) (Event, error) {
	ev, _, err := unmarshalWithOrigin(payload)
	return ev, err
}

func unmarshalWithOrigin(payload []byte) (Event, string, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, "", fmt.Errorf("decode progress envelope: %w", err)
	}
	var (
		ev  Event
		err error
	)
	switch env.Type {
	case KindOutputChunk:
		var v OutputChunk
		err = json.Unmarshal(env.Data, &v)
		ev = v
	case KindSetupProgress:
		var v SetupProgress
		err = json.Unmarshal(env.Data, &v)
		ev = v
	case KindSetupCompleted:
		var v SetupCompleted
		err = json.Unmarshal(env.Data, &v)
		ev = v
	case KindGenerationProgress:
		var v GenerationProgress
		err = json.Unmarshal(env.Data, &v)
		ev = v
	case KindGenerationCompleted:
		var v GenerationCompleted
		err = json.Unmarshal(env.Data, &v)
		ev = v
	default:
		return nil, "", fmt.Errorf("unknown progress event type %q", env.Type)
	}
	if err != nil {
		return nil, "", fmt.Errorf("decode %s event: %w", env.Type, err)
	}
	return ev, env.Origin, nil
}
