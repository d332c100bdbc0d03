package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rekal-dev/remi/cmd/remi/cli/db"
	"github.com/rekal-dev/remi/cmd/remi/cli/identity"
	"github.com/rekal-dev/remi/cmd/remi/cli/model"
	"github.com/rekal-dev/remi/cmd/remi/cli/source"
)

var base = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func at(min int) time.Time { return base.Add(time.Duration(min) * time.Minute) }

type fakeRec struct {
	id      string
	ts      time.Time
	text    string
	badNorm bool // Normalize rejects it
	badFK   bool // normalizes to a message the store refuses
}

type fakePayload struct {
	Text    string `json:"text"`
	BadNorm bool   `json:"bad_norm,omitempty"`
	BadFK   bool   `json:"bad_fk,omitempty"`
}

// fakeSource serves records from memory. Files must not be mutated while a
// sync is running.
type fakeSource struct {
	agent       model.Agent
	files       map[string][]fakeRec
	unreadable  map[string]bool
	discoverErr error
}

func newFake(agent model.Agent) *fakeSource {
	return &fakeSource{agent: agent, files: map[string][]fakeRec{}, unreadable: map[string]bool{}}
}

func (f *fakeSource) Agent() model.Agent { return f.agent }

func (f *fakeSource) Discover(ctx context.Context) ([]string, error) {
	if f.discoverErr != nil {
		return nil, f.discoverErr
	}
	var out []string
	for p := range f.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func (f *fakeSource) Scan(ctx context.Context, path string, cur model.Cursor) ([]model.NativeRecord, error) {
	if f.unreadable[path] {
		return nil, &source.ReadError{Path: path, Err: errors.New("permission denied")}
	}
	var out []model.NativeRecord
	for i, r := range f.files[path] {
		if !cur.Admits(r.ts, r.id) {
			continue
		}
		raw, err := json.Marshal(fakePayload{Text: r.text, BadNorm: r.badNorm, BadFK: r.badFK})
		if err != nil {
			return nil, err
		}
		out = append(out, model.NativeRecord{SourceID: r.id, SourcePath: path, Offset: int64(i), TS: r.ts, Payload: raw})
	}
	return out, nil
}

func (f *fakeSource) Normalize(rec model.NativeRecord) (model.Batch, error) {
	var p fakePayload
	if err := json.Unmarshal(rec.Payload, &p); err != nil {
		return model.Batch{}, err
	}
	if p.BadNorm {
		return model.Batch{}, errors.New("unsupported record")
	}
	sid := identity.SessionID(string(f.agent), rec.SourcePath)
	msgSession := sid
	if p.BadFK {
		msgSession = "no-such-session"
	}
	return model.Batch{
		Sessions: []model.Session{{ID: sid, Agent: f.agent, SourceRef: rec.SourcePath, CreatedAt: rec.TS, UpdatedAt: rec.TS}},
		Messages: []model.Message{{
			ID: identity.MessageID(sid, rec.SourceID, rec.TS), SessionID: msgSession, Role: "user", Content: p.Text, TS: rec.TS,
		}},
	}, nil
}

func (f *fakeSource) CursorFor(rec model.NativeRecord) model.Cursor { return rec.Key() }

func (f *fakeSource) ArchiveCapability() source.Capability { return source.CapabilityFallback }

func openStore(t *testing.T) *sql.DB {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), db.FileName))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	require.NoError(t, db.InitSchema(d))
	return d
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func messageCount(t *testing.T, d *sql.DB) int {
	t.Helper()
	counts, err := db.CountRows(context.Background(), d)
	require.NoError(t, err)
	return counts["messages"]
}

func TestSync_IngestsAndAdvances(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := openStore(t)
	src := newFake(model.AgentPi)
	src.files["a.jsonl"] = []fakeRec{{id: "a1", ts: at(1), text: "hello"}, {id: "a2", ts: at(3), text: "world"}}
	src.files["b.jsonl"] = []fakeRec{{id: "b1", ts: at(2), text: "other"}}

	res, err := New(d, Options{Logger: quiet()}).Sync(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Files)
	assert.Equal(t, 3, res.Records)
	assert.Equal(t, 3, res.Committed)
	assert.Equal(t, 3, res.Messages)
	assert.True(t, res.Advanced)
	assert.Equal(t, model.Cursor{TS: at(3), ID: "a2"}, res.Cursor)

	cur, err := db.GetCheckpoint(ctx, d, model.AgentPi)
	require.NoError(t, err)
	assert.Equal(t, res.Cursor, cur)
	assert.Equal(t, 3, messageCount(t, d))
}

func TestSync_IdempotentAfterCheckpointReset(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := openStore(t)
	src := newFake(model.AgentClaude)
	src.files["s.jsonl"] = []fakeRec{{id: "1", ts: at(1), text: "x"}, {id: "2", ts: at(2), text: "y"}}
	e := New(d, Options{Logger: quiet()})

	first, err := e.Sync(ctx, src)
	require.NoError(t, err)
	before, err := db.CountRows(ctx, d)
	require.NoError(t, err)

	require.NoError(t, db.ResetCheckpoint(ctx, d, model.AgentClaude))
	second, err := e.Sync(ctx, src)
	require.NoError(t, err)
	after, err := db.CountRows(ctx, d)
	require.NoError(t, err)

	assert.Equal(t, before, after)
	assert.Equal(t, first.Cursor, second.Cursor)
	missing, orphaned, err := db.FTSDrift(ctx, d)
	require.NoError(t, err)
	assert.Zero(t, missing)
	assert.Zero(t, orphaned)
}

func TestSync_UndatedRecordsSurviveAppend(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := openStore(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "s.jsonl")
	m1 := `{"type":"message","sessionId":"s1","id":"m1","message":{"role":"user","content":"hello world"}}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(m1), 0o644))

	src, err := source.New(model.AgentPi, []string{dir})
	require.NoError(t, err)
	e := New(d, Options{Logger: quiet()})
	_, err = e.Sync(ctx, src)
	require.NoError(t, err)
	require.Equal(t, 1, messageCount(t, d))

	m2 := `{"type":"message","sessionId":"s1","id":"m2","timestamp":"2025-06-01T10:00:00Z","message":{"role":"assistant","content":"second"}}` + "\n"
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(m2)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, later, later))

	_, err = e.Sync(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, 2, messageCount(t, d))

	require.NoError(t, db.ResetCheckpoint(ctx, d, model.AgentPi))
	_, err = e.Sync(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, 2, messageCount(t, d))
}

func TestSync_NoNewRecordsLeavesCursor(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := openStore(t)
	src := newFake(model.AgentDroid)
	src.files["s.jsonl"] = []fakeRec{{id: "1", ts: at(5), text: "x"}}
	e := New(d, Options{Logger: quiet()})

	first, err := e.Sync(ctx, src)
	require.NoError(t, err)
	second, err := e.Sync(ctx, src)
	require.NoError(t, err)

	assert.Zero(t, second.Records)
	assert.False(t, second.Advanced)
	assert.Equal(t, first.Cursor, second.Cursor)
}

func TestSync_SameTimestampDistinctIDs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := openStore(t)
	src := newFake(model.AgentPi)
	src.files["one.jsonl"] = []fakeRec{{id: "a", ts: at(1), text: "first"}}
	e := New(d, Options{Logger: quiet()})

	_, err := e.Sync(ctx, src)
	require.NoError(t, err)

	// A record with the same timestamp but a later id arrives afterwards.
	src.files["two.jsonl"] = []fakeRec{{id: "b", ts: at(1), text: "second"}}
	res, err := e.Sync(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Committed)
	assert.Equal(t, model.Cursor{TS: at(1), ID: "b"}, res.Cursor)
	assert.Equal(t, 2, messageCount(t, d))
}

func TestSync_CommitFailureStopsBeforeFirstUncommitted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := openStore(t)
	src := newFake(model.AgentCodex)
	src.files["a"] = []fakeRec{{id: "a1", ts: at(1), text: "a1"}, {id: "a2", ts: at(4), text: "a2"}}
	src.files["b"] = []fakeRec{{id: "b1", ts: at(2), text: "b1", badFK: true}, {id: "b2", ts: at(5), text: "b2"}}
	src.files["c"] = []fakeRec{{id: "c1", ts: at(3), text: "c1"}, {id: "c2", ts: at(6), text: "c2"}}
	e := New(d, Options{Logger: quiet()})

	res, err := e.Sync(ctx, src)
	require.Error(t, err)
	var werr *db.StoreWriteError
	assert.ErrorAs(t, err, &werr)

	// Only file a was stored; b1 is the earliest uncommitted record, so the
	// cursor may not pass it even though a2 is committed.
	assert.Equal(t, 2, res.Committed)
	assert.Equal(t, model.Cursor{TS: at(1), ID: "a1"}, res.Cursor)
	cur, err := db.GetCheckpoint(ctx, d, model.AgentCodex)
	require.NoError(t, err)
	assert.Equal(t, model.Cursor{TS: at(1), ID: "a1"}, cur)
	assert.Equal(t, 2, messageCount(t, d))

	src.files["b"][0].badFK = false
	res, err = e.Sync(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, model.Cursor{TS: at(6), ID: "c2"}, res.Cursor)
	assert.Equal(t, 6, messageCount(t, d))
}

func TestSync_UnreadableFileSkipped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := openStore(t)
	src := newFake(model.AgentPi)
	src.files["good"] = []fakeRec{{id: "1", ts: at(1), text: "ok"}}
	src.files["bad"] = []fakeRec{{id: "2", ts: at(2), text: "hidden"}}
	src.unreadable["bad"] = true

	res, err := New(d, Options{Logger: quiet()}).Sync(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, 1, res.SkippedFiles)
	assert.Equal(t, 1, res.Committed)
	assert.Equal(t, 1, messageCount(t, d))
}

func TestSync_MalformedRecordLeavesNote(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := openStore(t)
	src := newFake(model.AgentPi)
	src.files["s"] = []fakeRec{
		{id: "1", ts: at(1), text: "ok"},
		{id: "2", ts: at(2), badNorm: true},
		{id: "3", ts: at(3), text: "ok again"},
	}

	res, err := New(d, Options{Logger: quiet()}).Sync(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DroppedRecords)
	assert.Equal(t, model.Cursor{TS: at(3), ID: "3"}, res.Cursor)
	assert.Equal(t, 2, messageCount(t, d))

	var note string
	err = d.QueryRowContext(ctx,
		"SELECT note FROM provenance WHERE entity_type = ? AND source_id = ?", model.EntityNote, "2").Scan(&note)
	require.NoError(t, err)
	assert.Contains(t, note, "unsupported record")
}

func TestSync_ProgressPhases(t *testing.T) {
	t.Parallel()
	d := openStore(t)
	src := newFake(model.AgentPi)
	src.files["s"] = []fakeRec{{id: "1", ts: at(1), text: "x"}}

	var phases []Phase
	var lines []string
	e := New(d, Options{Logger: quiet(), OnProgress: func(p Progress) {
		phases = append(phases, p.Phase)
		lines = append(lines, p.String())
	}})
	_, err := e.Sync(context.Background(), src)
	require.NoError(t, err)

	assert.Equal(t, []Phase{PhaseDiscovering, PhaseScanning, PhaseNormalizing, PhaseSaving, PhaseDone}, phases)
	assert.Equal(t, "pi: scanning 1 files...", lines[1])
	assert.Equal(t, "pi: done, 1 records", lines[4])
}

func TestSync_Cancelled(t *testing.T) {
	t.Parallel()
	d := openStore(t)
	src := newFake(model.AgentPi)
	src.files["s"] = []fakeRec{{id: "1", ts: at(1), text: "x"}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(d, Options{Logger: quiet()}).Sync(ctx, src)
	require.ErrorIs(t, err, context.Canceled)

	cur, err := db.GetCheckpoint(context.Background(), d, model.AgentPi)
	require.NoError(t, err)
	assert.True(t, cur.IsZero())
}

func TestSyncAll_IsolatesFailures(t *testing.T) {
	t.Parallel()
	d := openStore(t)
	broken := newFake(model.AgentClaude)
	broken.discoverErr = errors.New("boom")
	ok := newFake(model.AgentPi)
	ok.files["s"] = []fakeRec{{id: "1", ts: at(1), text: "x"}}

	results := New(d, Options{Logger: quiet()}).SyncAll(context.Background(), []source.Source{broken, ok})
	require.Len(t, results, 2)
	assert.Error(t, results[model.AgentClaude].Err)
	assert.NoError(t, results[model.AgentPi].Err)
	assert.Equal(t, 1, results[model.AgentPi].Committed)
}

type lengthEmbedder struct{}

func (lengthEmbedder) Model() string { return "length" }

func (lengthEmbedder) Embed(text string) []float64 { return []float64{float64(len(text)), 1} }

func TestSync_EmbedsCommittedMessages(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := openStore(t)
	src := newFake(model.AgentPi)
	src.files["s"] = []fakeRec{{id: "1", ts: at(1), text: "x"}, {id: "2", ts: at(2), text: "yy"}}

	_, err := New(d, Options{Logger: quiet(), Embedder: lengthEmbedder{}}).Sync(ctx, src)
	require.NoError(t, err)
	vecs, err := db.LoadEmbeddings(ctx, d, "length")
	require.NoError(t, err)
	assert.Len(t, vecs, 2)
}

func TestAdvanceTo(t *testing.T) {
	t.Parallel()
	k := func(min int, id string) model.Cursor { return model.Cursor{TS: at(min), ID: id} }
	groups := []*fileGroup{
		{keys: []model.Cursor{k(1, "a"), k(4, "a")}},
		{keys: []model.Cursor{k(2, "b"), k(5, "b")}},
		{keys: []model.Cursor{k(3, "c")}},
	}

	tests := []struct {
		committed int
		want      model.Cursor
	}{
		{0, model.Cursor{}},
		{1, k(1, "a")},
		{2, k(2, "b")},
		{3, k(5, "b")},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, advanceTo(groups, tt.committed), "committed=%d", tt.committed)
	}
}
