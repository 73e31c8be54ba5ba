package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kinds carried in the frame "type" field.
const (
	KindStatus = "status"
	KindLog    = "log"
)

// ErrUnknownKind is returned by Decode for frames whose type is not a known event kind.
var ErrUnknownKind = errors.New("unknown event kind")

// Event is a decoded push frame. It is implemented only by StatusEvent and LogEvent.
type Event interface {
	ProjectID() int64
	Kind() string
	isEvent()
}

// StatusEvent tells observers that a project's deployment state changed. Status and Port are
// hints only; the authoritative state comes from the following snapshot.
type StatusEvent struct {
	Project int64
	Status  string
	Port    int
}

// ProjectID returns the project the event belongs to.
func (e StatusEvent) ProjectID() int64 { return e.Project }

// Kind returns KindStatus.
func (StatusEvent) Kind() string { return KindStatus }

func (StatusEvent) isEvent() {}

// LogEvent carries one build log fragment.
type LogEvent struct {
	Project int64
	Text    string
}

// ProjectID returns the project the event belongs to.
func (e LogEvent) ProjectID() int64 { return e.Project }

// Kind returns KindLog.
func (LogEvent) Kind() string { return KindLog }

func (LogEvent) isEvent() {}

type frame struct {
	Type      string `json:"type"`
	ProjectID *int64 `json:"project_id"`
	Log       string `json:"log,omitempty"`
	Status    string `json:"status,omitempty"`
	Port      int    `json:"port,omitempty"`
}

// Decode parses a raw push frame.
func Decode(data []byte) (Event, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode push frame: %w", err)
	}
	if f.ProjectID == nil {
		return nil, errors.New("decode push frame: missing project_id")
	}
	switch f.Type {
	case KindStatus:
		return StatusEvent{Project: *f.ProjectID, Status: f.Status, Port: f.Port}, nil
	case KindLog:
		return LogEvent{Project: *f.ProjectID, Text: f.Log}, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownKind, f.Type)
	}
}

// Encode renders ev in the backend's frame format.
func Encode(ev Event) ([]byte, error) {
	id := ev.ProjectID()
	f := frame{Type: ev.Kind(), ProjectID: &id}
	switch e := ev.(type) {
	case StatusEvent:
		f.Status = e.Status
		f.Port = e.Port
	case LogEvent:
		f.Log = e.Text
	}
	return json.Marshal(f)
}
