package source

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/rekal-dev/remi/cmd/remi/cli/identity"
	"github.com/rekal-dev/remi/cmd/remi/cli/model"
)

// errMalformed is wrapped by normalizers for records they cannot interpret.
var errMalformed = errors.New("malformed record")

// ToolCall is a tool invocation extracted from assistant content.
type ToolCall struct {
	Tool      string `json:"tool"`
	Path      string `json:"path,omitempty"`
	CmdPrefix string `json:"cmd_prefix,omitempty"`
}

// builder accumulates the canonical rows derived from one native record.
type builder struct {
	agent     model.Agent
	rec       model.NativeRecord
	sessionID string
	batch     model.Batch
}

// newBuilder starts a batch holding the record's session. title may be
// empty, in which case the stored title is left unchanged.
func newBuilder(agent model.Agent, rec model.NativeRecord, sessionKey, title string) *builder {
	b := &builder{
		agent:     agent,
		rec:       rec,
		sessionID: identity.SessionID(string(agent), sessionKey),
	}
	b.batch.Sessions = append(b.batch.Sessions, model.Session{
		ID:         b.sessionID,
		Agent:      agent,
		SourceRef:  sessionKey,
		Title:      title,
		SourcePath: rec.SourcePath,
		CreatedAt:  rec.TS,
		UpdatedAt:  rec.TS,
	})
	b.provenance(model.EntitySession, b.sessionID, "")
	return b
}

func (b *builder) provenance(entityType, entityID, note string) string {
	id := identity.ProvenanceID(entityType, entityID)
	b.batch.Provenance = append(b.batch.Provenance, model.Provenance{
		ID:         id,
		EntityType: entityType,
		EntityID:   entityID,
		Agent:      b.agent,
		SourcePath: b.rec.SourcePath,
		SourceID:   b.rec.SourceID,
		Offset:     b.rec.Offset,
		Note:       note,
	})
	return id
}

// message adds the record's message and returns its id.
func (b *builder) message(role, content string) string {
	id := identity.MessageID(b.sessionID, b.rec.SourceID, b.rec.TS)
	ref := b.provenance(model.EntityMessage, id, "")
	b.batch.Messages = append(b.batch.Messages, model.Message{
		ID:         id,
		SessionID:  b.sessionID,
		Role:       role,
		Content:    content,
		TS:         b.rec.TS,
		PayloadRef: ref,
	})
	return id
}

// toolCall adds a tool_use event and, when the call names a file, an
// artifact for that file.
func (b *builder) toolCall(messageID string, seq int, tc ToolCall) {
	payload, _ := json.Marshal(tc)
	key := b.rec.SourceID + "#" + strconv.Itoa(seq)
	eid := identity.EventID(b.sessionID, key, "tool_use", b.rec.TS)
	b.provenance(model.EntityEvent, eid, "")
	b.batch.Events = append(b.batch.Events, model.Event{
		ID:        eid,
		SessionID: b.sessionID,
		MessageID: messageID,
		Kind:      "tool_use",
		Payload:   payload,
		TS:        b.rec.TS,
	})
	if tc.Path == "" {
		return
	}
	aid := identity.ArtifactID(b.sessionID, tc.Path)
	b.provenance(model.EntityArtifact, aid, "")
	meta, _ := json.Marshal(map[string]string{"tool": tc.Tool})
	b.batch.Artifacts = append(b.batch.Artifacts, model.Artifact{
		ID:        aid,
		SessionID: b.sessionID,
		Path:      tc.Path,
		Metadata:  meta,
	})
}

func (b *builder) result() model.Batch {
	if len(b.batch.Messages) == 0 && len(b.batch.Events) == 0 {
		return model.Batch{}
	}
	return b.batch
}

// normalizeMessageRecord maps the generic JSONL layout shared by pi and
// droid: records of type "message" with a {role, content} message object.
// Other record types carry nothing canonical.
func normalizeMessageRecord(agent model.Agent, rec model.NativeRecord) (model.Batch, error) {
	var raw struct {
		Type         string `json:"type"`
		SessionID    string `json:"sessionId"`
		Session      string `json:"session"`
		SessionTitle string `json:"sessionTitle"`
		Message      *struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(rec.Payload, &raw); err != nil {
		return model.Batch{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if raw.Type != "message" {
		return model.Batch{}, nil
	}
	if raw.Message == nil {
		return model.Batch{}, fmt.Errorf("%w: message record without message", errMalformed)
	}
	content := extractText(raw.Message.Content, true)
	if content == "" {
		return model.Batch{}, nil
	}
	role := raw.Message.Role
	if role == "" {
		role = "user"
	}

	key := firstNonEmpty(raw.SessionID, raw.Session, sessionSeed(rec.SourcePath), rec.SourceID)
	b := newBuilder(agent, rec, key, raw.SessionTitle)
	b.message(role, content)
	return b.result(), nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
