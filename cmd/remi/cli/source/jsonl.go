package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rekal-dev/remi/cmd/remi/cli/identity"
	"github.com/rekal-dev/remi/cmd/remi/cli/model"
)

// maxLineSize bounds a single JSONL line. Tool results can be huge.
const maxLineSize = 10 * 1024 * 1024

// epoch is the timestamp of an undated record with no dated line before it.
var epoch = time.Unix(0, 0).UTC()

// fallbackTS returns ts, or for an undated record the timestamp of the last
// dated line before it in the same file, or epoch. The result depends only on
// file content, so appending to a file never changes an earlier record's
// identity.
func fallbackTS(ts time.Time, last *time.Time) time.Time {
	if !ts.IsZero() {
		*last = ts
		return ts
	}
	if !last.IsZero() {
		return *last
	}
	return epoch
}

// lineHeader holds the fields every JSONL format is probed for.
type lineHeader struct {
	ID        json.RawMessage `json:"id"`
	UUID      string          `json:"uuid"`
	Timestamp json.RawMessage `json:"timestamp"`
	Message   json.RawMessage `json:"message"`
}

// ScanJSONL reads path and returns the records cur admits, in file order.
//
// A record's native id is its "id" or "uuid" field, or a hash of its path
// and bytes. Its timestamp is "timestamp" (RFC 3339 or epoch millis), then
// "message.timestamp", then the last timestamp seen earlier in the file, then
// the Unix epoch. Lines that are not
// valid JSON are still returned so normalization can record them as dropped.
func ScanJSONL(ctx context.Context, path string, cur model.Cursor) ([]model.NativeRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ReadError{Path: path, Err: err}
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var (
		out    []model.NativeRecord
		offset int64
		last   time.Time
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
		line = bytes.Clone(line)

		id, ts := probeLine(path, line)
		ts = fallbackTS(ts, &last)
		if !cur.Admits(ts, id) {
			continue
		}
		out = append(out, model.NativeRecord{
			SourceID:   id,
			SourcePath: path,
			Offset:     lineOffset,
			TS:         ts,
			Payload:    line,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, &ReadError{Path: path, Err: err}
	}
	return out, nil
}

func probeLine(path string, line []byte) (string, time.Time) {
	var h lineHeader
	if err := json.Unmarshal(line, &h); err != nil {
		return identity.RecordID(path, line), time.Time{}
	}

	id := jsonString(h.ID)
	if id == "" {
		id = h.UUID
	}
	if id == "" {
		id = identity.RecordID(path, line)
	}

	ts := parseTimestampValue(h.Timestamp)
	if ts.IsZero() && len(h.Message) > 0 && h.Message[0] == '{' {
		var m struct {
			Timestamp json.RawMessage `json:"timestamp"`
		}
		if json.Unmarshal(h.Message, &m) == nil {
			ts = parseTimestampValue(m.Timestamp)
		}
	}
	return id, ts
}

// jsonString returns a JSON string or number as text, or "".
func jsonString(v json.RawMessage) string {
	if len(v) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		return n.String()
	}
	return ""
}

// parseTimestampValue accepts an RFC 3339 string or integer epoch
// milliseconds.
func parseTimestampValue(v json.RawMessage) time.Time {
	if len(v) == 0 {
		return time.Time{}
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return parseTimestamp(s)
	}
	var ms int64
	if err := json.Unmarshal(v, &ms); err == nil && ms > 0 {
		return time.UnixMilli(ms).UTC()
	}
	return time.Time{}
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339, s)
		if err != nil {
			if ms, err := strconv.ParseInt(s, 10, 64); err == nil && ms > 0 {
				return time.UnixMilli(ms).UTC()
			}
			return time.Time{}
		}
	}
	return t.UTC()
}

// contentBlock is one element of an array-valued message content.
type contentBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text"`
	Thinking string          `json:"thinking"`
	Name     string          `json:"name"`
	Input    json.RawMessage `json:"input"`
}

// extractText pulls text from a content field that is either a plain string
// or an array of blocks. withThinking also keeps reasoning blocks.
func extractText(content json.RawMessage, withThinking bool) string {
	if len(content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "tool_result" {
			continue
		}
		if strings.TrimSpace(b.Text) != "" {
			parts = append(parts, b.Text)
		}
		if withThinking && strings.TrimSpace(b.Thinking) != "" {
			parts = append(parts, b.Thinking)
		}
	}
	return strings.Join(parts, "\n")
}
