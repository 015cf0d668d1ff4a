package host

import (
	"encoding/json"
	"fmt"

	"github.com/chazu/cadscript/pkg/cache"
	"github.com/chazu/cadscript/pkg/gui"
	"github.com/chazu/cadscript/pkg/tessellate"
)

// Command is an inbound message. The set of commands is closed: only the
// types in this file implement it.
type Command interface {
	CommandKind() string
	command()
}

// Event is an outbound message.
type Event interface {
	EventKind() string
	event()
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

// Evaluate runs a script with GUIState as the prior control values.
type Evaluate struct {
	Script   string    `json:"scriptText"`
	GUIState gui.State `json:"guiState"`
}

// CombineAndRender consumes the scene list and extracts one mesh from it.
type CombineAndRender struct {
	MaxDeviation float64 `json:"maxDeviation"`
}

// UpdateControl sets one GUI value and re-evaluates the last script.
type UpdateControl struct {
	Key   string    `json:"key"`
	Value gui.Value `json:"value"`
}

// ImportFile reads an interchange file into the external shape registry.
// Format may be empty when Name carries an extension.
type ImportFile struct {
	Name   string `json:"name"`
	Format string `json:"format,omitempty"`
	Data   []byte `json:"data"`
}

// ClearExternal empties the external shape registry.
type ClearExternal struct{}

// Export serializes the current scene.
type Export struct {
	Format       string  `json:"format"`
	MaxDeviation float64 `json:"maxDeviation"`
}

// SaveState produces a state token for the last script and GUI state and
// stores it under Name when Name is set.
type SaveState struct {
	Name string `json:"name,omitempty"`
}

// RestoreState decodes Token, or the token stored under Name, and
// evaluates the restored script.
type RestoreState struct {
	Token string `json:"token,omitempty"`
	Name  string `json:"name,omitempty"`
}

func (Evaluate) CommandKind() string         { return "Evaluate" }
func (CombineAndRender) CommandKind() string { return "CombineAndRender" }
func (UpdateControl) CommandKind() string    { return "UpdateControl" }
func (ImportFile) CommandKind() string       { return "ImportFile" }
func (ClearExternal) CommandKind() string    { return "ClearExternal" }
func (Export) CommandKind() string           { return "Export" }
func (SaveState) CommandKind() string        { return "SaveState" }
func (RestoreState) CommandKind() string     { return "RestoreState" }

func (Evaluate) command()         {}
func (CombineAndRender) command() {}
func (UpdateControl) command()    {}
func (ImportFile) command()       {}
func (ClearExternal) command()    {}
func (Export) command()           {}
func (SaveState) command()        {}
func (RestoreState) command()     {}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// Ready is sent once, after preloading finished.
type Ready struct {
	Kernel string `json:"kernel"`
}

// Progress reports one operation or phase.
type Progress struct {
	OpNumber int    `json:"opNumber"`
	OpType   string `json:"opType"`
}

// Log carries one line printed by a script or a dropped-command notice.
type Log struct {
	Text string `json:"text"`
}

// Error reports a fault. Line and Operation are zero when unknown.
type Error struct {
	Message   string `json:"message"`
	Line      int    `json:"line,omitempty"`
	Operation string `json:"operation,omitempty"`
}

// EvaluationComplete reports a successful evaluation.
type EvaluationComplete struct {
	GUIState   gui.State     `json:"guiState"`
	Controls   []gui.Control `json:"controls"`
	ShapeCount int           `json:"shapeCount"`
	Cache      cache.Stats   `json:"cache"`
}

// MeshReady carries the extracted mesh.
type MeshReady struct {
	Faces []tessellate.Face `json:"faces"`
	Edges []tessellate.Edge `json:"edges"`
	Atlas tessellate.Atlas  `json:"atlas"`
}

// Imported reports a shape added to the external registry.
type Imported struct {
	Name string `json:"name"`
}

// Exported carries serialized interchange data.
type Exported struct {
	Format string `json:"format"`
	Data   []byte `json:"data"`
}

// StateToken carries an encoded state token.
type StateToken struct {
	Token string `json:"token"`
	Name  string `json:"name,omitempty"`
}

// StateRestored reports the script and state decoded from a token.
type StateRestored struct {
	Script   string    `json:"scriptText"`
	GUIState gui.State `json:"guiState"`
}

func (Ready) EventKind() string              { return "ready" }
func (Progress) EventKind() string           { return "progress" }
func (Log) EventKind() string                { return "log" }
func (Error) EventKind() string              { return "error" }
func (EvaluationComplete) EventKind() string { return "evaluationComplete" }
func (MeshReady) EventKind() string          { return "meshReady" }
func (Imported) EventKind() string           { return "imported" }
func (Exported) EventKind() string           { return "exported" }
func (StateToken) EventKind() string         { return "stateToken" }
func (StateRestored) EventKind() string      { return "stateRestored" }

func (Ready) event()              {}
func (Progress) event()           {}
func (Log) event()                {}
func (Error) event()              {}
func (EvaluationComplete) event() {}
func (MeshReady) event()          {}
func (Imported) event()           {}
func (Exported) event()           {}
func (StateToken) event()         {}
func (StateRestored) event()      {}

// ---------------------------------------------------------------------------
// JSON envelope
// ---------------------------------------------------------------------------

// Envelope is the wire form of every message.
type Envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func seal(kind string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", kind, err)
	}
	return json.Marshal(Envelope{Kind: kind, Payload: raw})
}

// MarshalCommand writes c as an envelope.
func MarshalCommand(c Command) ([]byte, error) {
	return seal(c.CommandKind(), c)
}

// MarshalEvent writes e as an envelope.
func MarshalEvent(e Event) ([]byte, error) {
	return seal(e.EventKind(), e)
}

// ParseCommand reads an envelope. An unknown kind is a *ProtocolError.
func ParseCommand(data []byte) (Command, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ProtocolError{Reason: "malformed envelope", Err: err}
	}
	return CommandFromPayload(env.Kind, env.Payload)
}

// CommandFromPayload builds the command named kind from its JSON payload.
func CommandFromPayload(kind string, payload json.RawMessage) (Command, error) {
	var c Command
	switch kind {
	case "Evaluate":
		c = &Evaluate{}
	case "CombineAndRender":
		c = &CombineAndRender{}
	case "UpdateControl":
		c = &UpdateControl{}
	case "ImportFile":
		c = &ImportFile{}
	case "ClearExternal":
		c = &ClearExternal{}
	case "Export":
		c = &Export{}
	case "SaveState":
		c = &SaveState{}
	case "RestoreState":
		c = &RestoreState{}
	default:
		return nil, &ProtocolError{Kind: kind, Reason: "unknown command"}
	}
	if len(payload) > 0 && string(payload) != "null" {
		if err := json.Unmarshal(payload, c); err != nil {
			return nil, &ProtocolError{Kind: kind, Reason: "invalid payload", Err: err}
		}
	}
	return deref(c), nil
}

// deref returns commands by value so type switches see one form.
func deref(c Command) Command {
	switch v := c.(type) {
	case *Evaluate:
		return *v
	case *CombineAndRender:
		return *v
	case *UpdateControl:
		return *v
	case *ImportFile:
		return *v
	case *ClearExternal:
		return *v
	case *Export:
		return *v
	case *SaveState:
		return *v
	case *RestoreState:
		return *v
	}
	return c
}

// ParseEvent reads an event envelope.
func ParseEvent(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse event: %w", err)
	}
	var e Event
	switch env.Kind {
	case "ready":
		e = &Ready{}
	case "progress":
		e = &Progress{}
	case "log":
		e = &Log{}
	case "error":
		e = &Error{}
	case "evaluationComplete":
		e = &EvaluationComplete{}
	case "meshReady":
		e = &MeshReady{}
	case "imported":
		e = &Imported{}
	case "exported":
		e = &Exported{}
	case "stateToken":
		e = &StateToken{}
	case "stateRestored":
		e = &StateRestored{}
	default:
		return nil, fmt.Errorf("parse event: unknown kind %q", env.Kind)
	}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, e); err != nil {
			return nil, fmt.Errorf("parse event %s: %w", env.Kind, err)
		}
	}
	return e, nil
}
