package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rekal-dev/remi/cmd/remi/cli/model"
)

const codexTitleLen = 80

// codexSource reads Codex rollout files. A rollout opens with a
// session_meta line naming the thread; messages are response_item lines and
// carry no id of their own, so their native id is "<thread>:<index>".
type codexSource struct {
	roots []string
}

// codexRecord is the payload of a scanned Codex message. Thread metadata is
// copied onto every record so each one normalizes on its own.
type codexRecord struct {
	Role     string          `json:"role"`
	Content  json.RawMessage `json:"content"`
	ThreadID string          `json:"thread_id"`
	Title    string          `json:"title,omitempty"`
	CWD      string          `json:"cwd,omitempty"`
}

type codexLine struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

type codexPayload struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	CWD     string          `json:"cwd"`
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

func (s *codexSource) Agent() model.Agent { return model.AgentCodex }

func (s *codexSource) Discover(ctx context.Context) ([]string, error) {
	return discover(ctx, s.roots)
}

func (s *codexSource) CursorFor(rec model.NativeRecord) model.Cursor { return rec.Key() }

func (s *codexSource) ArchiveCapability() Capability { return CapabilityFallback }

func (s *codexSource) Scan(ctx context.Context, path string, cur model.Cursor) ([]model.NativeRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ReadError{Path: path, Err: err}
	}
	defer f.Close() //nolint:errcheck

	info, err := f.Stat()
	if err != nil {
		return nil, &ReadError{Path: path, Err: err}
	}
	mtime := info.ModTime().UTC()
	// Rollouts are append-only: a file untouched since the cursor holds
	// nothing new.
	if !cur.IsZero() && mtime.Before(cur.TS) {
		return nil, nil
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var (
		out      []model.NativeRecord
		threadID string
		cwd      string
		title    string
		index    int
		offset   int64
		lastTS   time.Time
	)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw := scanner.Bytes()
		lineOffset := offset
		offset += int64(len(raw)) + 1

		line := bytes.TrimSpace(raw)
		if len(line) == 0 {
			continue
		}
		var cl codexLine
		if err := json.Unmarshal(line, &cl); err != nil {
			continue
		}
		var p codexPayload
		if len(cl.Payload) > 0 {
			if err := json.Unmarshal(cl.Payload, &p); err != nil {
				continue
			}
		}
		ts := fallbackTS(parseTimestamp(cl.Timestamp), &lastTS)

		switch cl.Type {
		case "session_meta":
			if p.ID != "" {
				threadID = p.ID
			}
			if p.CWD != "" {
				cwd = p.CWD
			}
			continue
		case "response_item":
		default:
			continue
		}
		if p.Type != "message" || p.Role == "developer" || p.Role == "system" {
			continue
		}
		text := extractText(p.Content, false)
		if text == "" {
			continue
		}
		role := p.Role
		if role == "" {
			role = "user"
		}
		if role == "user" && title == "" {
			title = truncateRunes(text, codexTitleLen)
		}

		thread := firstNonEmpty(threadID, sessionSeed(path))
		id := fmt.Sprintf("%s:%d", thread, index)
		index++
		if !cur.Admits(ts, id) {
			continue
		}

		payload, err := json.Marshal(codexRecord{
			Role:     role,
			Content:  p.Content,
			ThreadID: thread,
			Title:    title,
			CWD:      cwd,
		})
		if err != nil {
			return nil, fmt.Errorf("encode codex record: %w", err)
		}
		out = append(out, model.NativeRecord{
			SourceID:   id,
			SourcePath: path,
			Offset:     lineOffset,
			TS:         ts,
			Payload:    payload,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, &ReadError{Path: path, Err: err}
	}
	return out, nil
}

func (s *codexSource) Normalize(rec model.NativeRecord) (model.Batch, error) {
	var r codexRecord
	if err := json.Unmarshal(rec.Payload, &r); err != nil {
		return model.Batch{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if r.ThreadID == "" {
		return model.Batch{}, fmt.Errorf("%w: codex record without thread", errMalformed)
	}
	text := extractText(r.Content, false)
	if text == "" {
		return model.Batch{}, nil
	}
	b := newBuilder(model.AgentCodex, rec, r.ThreadID, r.Title)
	b.message(r.Role, text)
	return b.result(), nil
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
