package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Agent identifies a source system.
type Agent string

const (
	AgentClaude Agent = "claude"
	AgentPi     Agent = "pi"
	AgentDroid  Agent = "droid"
	AgentCodex  Agent = "codex"
)

// KnownAgents lists every agent name the store accepts, in display order.
// Each one has a source adapter.
var KnownAgents = []Agent{AgentClaude, AgentPi, AgentDroid, AgentCodex}

// ParseAgent validates an agent name.
func ParseAgent(s string) (Agent, error) {
	for _, a := range KnownAgents {
		if string(a) == s {
			return a, nil
		}
	}
	return "", fmt.Errorf("unknown agent %q", s)
}

// Session is one conversation thread from one agent.
type Session struct {
	ID         string    `json:"id"`
	Agent      Agent     `json:"agent"`
	SourceRef  string    `json:"source_ref"` // source-native session key
	Title      string    `json:"title,omitempty"`
	SourcePath string    `json:"source_path,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Message is a single normalized turn of a session.
type Message struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	TS         time.Time `json:"ts"`
	PayloadRef string    `json:"payload_ref,omitempty"` // provenance id of the native record
}

// Event is an auxiliary structured occurrence, e.g. a tool invocation.
type Event struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	MessageID string          `json:"message_id,omitempty"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	TS        time.Time       `json:"ts"`
}

// Artifact is a file referenced during a session.
type Artifact struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Path      string          `json:"path"`
	Checksum  string          `json:"checksum,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// Entity types recorded in provenance rows.
const (
	EntitySession  = "session"
	EntityMessage  = "message"
	EntityEvent    = "event"
	EntityArtifact = "artifact"
	EntityNote     = "note"
)

// Provenance maps a canonical entity back to its source location.
type Provenance struct {
	ID         string `json:"id"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Agent      Agent  `json:"agent"`
	SourcePath string `json:"source_path"`
	SourceID   string `json:"source_id"`
	Offset     int64  `json:"offset"`
	Note       string `json:"note,omitempty"`
}

// Batch is the unit of canonical writes.
type Batch struct {
	Sessions   []Session    `json:"sessions"`
	Messages   []Message    `json:"messages"`
	Events     []Event      `json:"events"`
	Artifacts  []Artifact   `json:"artifacts"`
	Provenance []Provenance `json:"provenance"`
}

// Merge appends other's entities to b.
func (b *Batch) Merge(other Batch) {
	b.Sessions = append(b.Sessions, other.Sessions...)
	b.Messages = append(b.Messages, other.Messages...)
	b.Events = append(b.Events, other.Events...)
	b.Artifacts = append(b.Artifacts, other.Artifacts...)
	b.Provenance = append(b.Provenance, other.Provenance...)
}

// Len returns the total number of entities in the batch.
func (b *Batch) Len() int {
	return len(b.Sessions) + len(b.Messages) + len(b.Events) + len(b.Artifacts) + len(b.Provenance)
}

// NativeRecord is a source record as yielded by a scan, before normalization.
type NativeRecord struct {
	SourceID   string          `json:"source_id"`
	SourcePath string          `json:"source_path"`
	Offset     int64           `json:"offset"`
	TS         time.Time       `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

// Key returns the record's cursor position.
func (r NativeRecord) Key() Cursor {
	return Cursor{TS: r.TS, ID: r.SourceID}
}
