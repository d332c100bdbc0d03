package archive

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rekal-dev/remi/cmd/remi/cli/db"
	"github.com/rekal-dev/remi/cmd/remi/cli/identity"
	"github.com/rekal-dev/remi/cmd/remi/cli/model"
	"github.com/rekal-dev/remi/cmd/remi/cli/source"
)

var now = time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)

func daysAgo(n int) time.Time { return now.Add(-time.Duration(n) * 24 * time.Hour) }

type fixture struct {
	d      *sql.DB
	e      *Engine
	dir    string
	srcDir string
}

func newFixture(t *testing.T, srcs ...source.Source) *fixture {
	t.Helper()
	root := t.TempDir()
	d, err := db.Open(filepath.Join(root, db.FileName))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	require.NoError(t, db.InitSchema(d))

	f := &fixture{d: d, dir: filepath.Join(root, "archive"), srcDir: filepath.Join(root, "src")}
	require.NoError(t, os.MkdirAll(f.srcDir, 0o755))
	f.e = New(d, Options{Dir: f.dir, Sources: srcs})
	return f
}

// addSession stores a one-message session whose native file exists on disk.
func (f *fixture) addSession(t *testing.T, agent model.Agent, key string, updated time.Time) string {
	t.Helper()
	path := filepath.Join(f.srcDir, key+".jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"id":"`+key+`"}`+"\n"), 0o644))

	sid := identity.SessionID(string(agent), key)
	mid := identity.MessageID(sid, key, updated)
	b := &model.Batch{
		Sessions: []model.Session{{ID: sid, Agent: agent, SourceRef: key, Title: key, SourcePath: path, CreatedAt: updated, UpdatedAt: updated}},
		Messages: []model.Message{{ID: mid, SessionID: sid, Role: "user", Content: "content of " + key, TS: updated}},
		Provenance: []model.Provenance{{
			ID: identity.ProvenanceID(model.EntityMessage, mid), EntityType: model.EntityMessage, EntityID: mid,
			Agent: agent, SourcePath: path, SourceID: key,
		}},
	}
	require.NoError(t, db.SaveBatch(context.Background(), f.d, b))
	return sid
}

func (f *fixture) counts(t *testing.T) map[string]int {
	t.Helper()
	c, err := db.CountRows(context.Background(), f.d)
	require.NoError(t, err)
	return c
}

func TestSelect_KeepLatest(t *testing.T) {
	t.Parallel()
	var cands []db.CandidateRow
	for i := 0; i < 5; i++ {
		cands = append(cands, db.CandidateRow{SessionID: fmt.Sprintf("pi-%d", i), Agent: model.AgentPi, UpdatedAt: daysAgo(40 + i)})
	}
	cands = append(cands,
		db.CandidateRow{SessionID: "claude-new", Agent: model.AgentClaude, UpdatedAt: daysAgo(1)},
		db.CandidateRow{SessionID: "claude-old", Agent: model.AgentClaude, UpdatedAt: daysAgo(90)},
	)

	items := Select(cands, Policy{OlderThan: 30 * 24 * time.Hour, KeepLatest: 2, Now: now})

	var ids []string
	for _, it := range items {
		ids = append(ids, it.SessionID)
	}
	// claude: the old session is only kept because of keep-latest.
	assert.Equal(t, []string{"pi-2", "pi-3", "pi-4"}, ids)

	items = Select(cands, Policy{OlderThan: 30 * 24 * time.Hour, KeepLatest: 1, Now: now})
	assert.Len(t, items, 5)
	assert.Equal(t, "claude-old", items[0].SessionID)
}

func TestSelect_CutoffIsExclusive(t *testing.T) {
	t.Parallel()
	cands := []db.CandidateRow{{SessionID: "a", Agent: model.AgentPi, UpdatedAt: daysAgo(30)}}
	assert.Empty(t, Select(cands, Policy{OlderThan: 30 * 24 * time.Hour, Now: now}))
}

func TestPlan_PersistsSnapshot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.addSession(t, model.AgentPi, fmt.Sprintf("s%d", i), daysAgo(60+i))
	}

	plan, err := f.e.Plan(ctx, Policy{OlderThan: 30 * 24 * time.Hour, KeepLatest: 2, Now: now})
	require.NoError(t, err)
	assert.Len(t, plan.Items, 3)
	_, err = ulid.ParseStrict(plan.RunID)
	assert.NoError(t, err)

	run, err := db.GetArchiveRun(ctx, f.d, plan.RunID)
	require.NoError(t, err)
	assert.Equal(t, string(StatePlanned), run.State)
	assert.Equal(t, 2, run.KeepLatest)

	items, err := db.ArchiveItems(ctx, f.d, plan.RunID)
	require.NoError(t, err)
	assert.Len(t, items, 3)

	// A second plan is independent of the first.
	again, err := f.e.Plan(ctx, Policy{OlderThan: 30 * 24 * time.Hour, KeepLatest: 2, Now: now.Add(time.Second)})
	require.NoError(t, err)
	assert.NotEqual(t, plan.RunID, again.RunID)
	assert.Len(t, again.Items, 3)
}

func TestRun_DryRunWritesNothing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.addSession(t, model.AgentPi, fmt.Sprintf("s%d", i), daysAgo(60))
	}
	plan, err := f.e.Plan(ctx, Policy{OlderThan: 24 * time.Hour, Now: now})
	require.NoError(t, err)
	before := f.counts(t)

	// DryRun wins over Execute.
	rep, err := f.e.Run(ctx, plan.RunID, RunOptions{DryRun: true, Execute: true, DeleteSource: true})
	require.NoError(t, err)
	assert.True(t, rep.DryRun)
	assert.Equal(t, 3, rep.Sessions)

	kinds := map[ActionKind]int{}
	for _, a := range rep.Actions {
		kinds[a.Kind]++
	}
	assert.Equal(t, 3, kinds[ActionBundle])
	assert.Equal(t, 3, kinds[ActionCopy])
	assert.Equal(t, 3, kinds[ActionDelete])

	assert.Equal(t, before, f.counts(t))
	_, err = os.Stat(f.dir)
	assert.True(t, os.IsNotExist(err), "archive dir created by dry-run")
	run, err := db.GetArchiveRun(ctx, f.d, plan.RunID)
	require.NoError(t, err)
	assert.Equal(t, string(StatePlanned), run.State)

	// Without Execute a run is a dry-run too.
	rep, err = f.e.Run(ctx, plan.RunID, RunOptions{})
	require.NoError(t, err)
	assert.True(t, rep.DryRun)
}

func TestRun_ExecuteVerifiesThenDeletes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	old := f.addSession(t, model.AgentPi, "old", daysAgo(90))
	keep := f.addSession(t, model.AgentPi, "keep", daysAgo(1))

	plan, err := f.e.Plan(ctx, Policy{OlderThan: 30 * 24 * time.Hour, Now: now})
	require.NoError(t, err)
	require.Len(t, plan.Items, 1)

	rep, err := f.e.Run(ctx, plan.RunID, RunOptions{Execute: true, DeleteSource: true})
	require.NoError(t, err)
	assert.Equal(t, StateExecuted, rep.State)
	assert.Equal(t, 1, rep.Deleted)

	m, err := Verify(rep.BundlePath)
	require.NoError(t, err)
	assert.Equal(t, []string{old}, m.SessionIDs)
	require.Len(t, m.Files, 1)
	assert.FileExists(t, filepath.Join(f.e.RunDir(plan.RunID), m.Files[0].Path))

	_, err = db.GetSession(ctx, f.d, old)
	assert.ErrorIs(t, err, db.ErrNotFound)
	_, err = db.GetSession(ctx, f.d, keep)
	assert.NoError(t, err)

	run, err := db.GetArchiveRun(ctx, f.d, plan.RunID)
	require.NoError(t, err)
	assert.Equal(t, string(StateExecuted), run.State)
	assert.Equal(t, rep.BundlePath, run.BundlePath)
	items, err := db.ArchiveItems(ctx, f.d, plan.RunID)
	require.NoError(t, err)
	assert.Equal(t, DispositionDeleted, items[0].Disposition)

	_, err = f.e.Run(ctx, plan.RunID, RunOptions{Execute: true})
	assert.Error(t, err, "executed run must not execute again")
}

func TestRun_CorruptedBundleNeverDeletes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	sid := f.addSession(t, model.AgentPi, "old", daysAgo(90))
	f.e.afterWrite = func(dir string) {
		path := filepath.Join(dir, BundleName)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		data[len(data)-1] ^= 0xff
		require.NoError(t, os.WriteFile(path, data, 0o644))
	}

	plan, err := f.e.Plan(ctx, Policy{OlderThan: 24 * time.Hour, Now: now})
	require.NoError(t, err)
	before := f.counts(t)

	rep, err := f.e.Run(ctx, plan.RunID, RunOptions{Execute: true, DeleteSource: true})
	require.Error(t, err)
	var ve *VerificationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, StateFailed, rep.State)
	assert.Zero(t, rep.Deleted)

	_, err = db.GetSession(ctx, f.d, sid)
	assert.NoError(t, err)
	assert.Equal(t, before, f.counts(t))

	run, err := db.GetArchiveRun(ctx, f.d, plan.RunID)
	require.NoError(t, err)
	assert.Equal(t, string(StateFailed), run.State)
	assert.NotEmpty(t, run.Error)

	// A failed run can be retried once the fault is gone.
	f.e.afterWrite = nil
	rep, err = f.e.Run(ctx, plan.RunID, RunOptions{Execute: true})
	require.NoError(t, err)
	assert.Equal(t, StateExecuted, rep.State)
}

func TestDeleteSessions_RequiresVerified(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sid := f.addSession(t, model.AgentPi, "s", daysAgo(90))

	err := f.e.deleteSessions(context.Background(), Verified{})
	require.Error(t, err)
	_, err = db.GetSession(context.Background(), f.d, sid)
	assert.NoError(t, err)
}

func TestRestore_Idempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.addSession(t, model.AgentCodex, fmt.Sprintf("s%d", i), daysAgo(90))
	}
	original := f.counts(t)

	plan, err := f.e.Plan(ctx, Policy{OlderThan: 24 * time.Hour, Now: now})
	require.NoError(t, err)
	rep, err := f.e.Run(ctx, plan.RunID, RunOptions{Execute: true, DeleteSource: true})
	require.NoError(t, err)
	assert.Zero(t, f.counts(t)["sessions"])

	res, err := f.e.Restore(ctx, rep.BundlePath)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Sessions)
	assert.Equal(t, plan.RunID, res.RunID)
	assert.Equal(t, original["sessions"], f.counts(t)["sessions"])
	assert.Equal(t, original["messages"], f.counts(t)["messages"])
	assert.Equal(t, original["provenance"], f.counts(t)["provenance"])
	afterFirst := f.counts(t)

	_, err = f.e.Restore(ctx, rep.BundlePath)
	require.NoError(t, err)
	assert.Equal(t, afterFirst, f.counts(t))

	missing, orphaned, err := db.FTSDrift(ctx, f.d)
	require.NoError(t, err)
	assert.Zero(t, missing+orphaned)

	run, err := db.GetArchiveRun(ctx, f.d, plan.RunID)
	require.NoError(t, err)
	assert.Equal(t, string(StateRestored), run.State)
}

func TestRestore_RejectsTamperedRawCopy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.addSession(t, model.AgentPi, "s", daysAgo(90))
	plan, err := f.e.Plan(ctx, Policy{OlderThan: 24 * time.Hour, Now: now})
	require.NoError(t, err)
	rep, err := f.e.Run(ctx, plan.RunID, RunOptions{Execute: true})
	require.NoError(t, err)

	m, err := Verify(rep.BundlePath)
	require.NoError(t, err)
	raw := filepath.Join(f.e.RunDir(plan.RunID), m.Files[0].Path)
	require.NoError(t, os.WriteFile(raw, []byte("tampered"), 0o644))

	_, err = Verify(rep.BundlePath)
	assert.True(t, IsVerificationError(err))
	_, err = f.e.Restore(ctx, rep.BundlePath)
	assert.True(t, IsVerificationError(err))
}

func TestVerify_RejectsPathsOutsideRunDir(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.addSession(t, model.AgentPi, "s", daysAgo(90))
	plan, err := f.e.Plan(ctx, Policy{OlderThan: 24 * time.Hour, Now: now})
	require.NoError(t, err)
	rep, err := f.e.Run(ctx, plan.RunID, RunOptions{Execute: true})
	require.NoError(t, err)

	runDir := f.e.RunDir(plan.RunID)
	outside := filepath.Join(filepath.Dir(filepath.Dir(runDir)), "outside.txt")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o644))
	rel, err := filepath.Rel(runDir, outside)
	require.NoError(t, err)

	manifestPath := filepath.Join(runDir, ManifestName)
	for _, path := range []string{rel, outside} {
		m, err := readManifest(manifestPath)
		require.NoError(t, err)
		m.Files[0].Path = path
		m.Files[0].SHA256 = hashBytes([]byte("secret"))
		require.NoError(t, writeManifest(manifestPath, m))

		_, err = Verify(rep.BundlePath)
		assert.True(t, IsVerificationError(err), "path %s", path)
		assert.ErrorContains(t, err, "run directory", "path %s", path)
	}
}

func TestVerify_MissingManifest(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	_, err := Verify(filepath.Join(dir, BundleName))
	assert.True(t, IsVerificationError(err))
}

func TestRun_SessionGoneBeforeExecute(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	gone := f.addSession(t, model.AgentPi, "gone", daysAgo(90))
	f.addSession(t, model.AgentPi, "here", daysAgo(90))
	plan, err := f.e.Plan(ctx, Policy{OlderThan: 24 * time.Hour, Now: now})
	require.NoError(t, err)
	require.NoError(t, db.DeleteSessions(ctx, f.d, []string{gone}))

	rep, err := f.e.Run(ctx, plan.RunID, RunOptions{Execute: true})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Sessions)
	assert.Contains(t, rep.Actions, Action{Kind: ActionMissing, SessionID: gone, Agent: model.AgentPi})
}

// nativeSource exports its sessions itself.
type nativeSource struct{ agent model.Agent }

func (n nativeSource) Agent() model.Agent { return n.agent }
func (n nativeSource) Discover(context.Context) ([]string, error) { return nil, nil }
func (n nativeSource) Scan(context.Context, string, model.Cursor) ([]model.NativeRecord, error) {
	return nil, nil
}
func (n nativeSource) Normalize(model.NativeRecord) (model.Batch, error) { return model.Batch{}, nil }
func (n nativeSource) CursorFor(rec model.NativeRecord) model.Cursor { return rec.Key() }
func (n nativeSource) ArchiveCapability() source.Capability { return source.CapabilityNative }

func (n nativeSource) ExecuteArchive(_ context.Context, ids []string, dir string) (source.Descriptor, error) {
	data := []byte(fmt.Sprint(ids))
	path := filepath.Join(dir, "export.txt")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return source.Descriptor{}, err
	}
	sum := sha256.Sum256(data)
	return source.Descriptor{Path: path, Checksum: hex.EncodeToString(sum[:])}, nil
}

func TestRun_NativeArchiver(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, nativeSource{agent: model.AgentDroid})
	f.addSession(t, model.AgentDroid, "d", daysAgo(90))

	plan, err := f.e.Plan(ctx, Policy{OlderThan: 24 * time.Hour, Now: now})
	require.NoError(t, err)
	rep, err := f.e.Run(ctx, plan.RunID, RunOptions{Execute: true})
	require.NoError(t, err)

	m, err := Verify(rep.BundlePath)
	require.NoError(t, err)
	assert.Empty(t, m.Files, "native sources are not copied raw")
	require.Len(t, m.Native, 1)
	assert.Equal(t, model.AgentDroid, m.Native[0].Agent)
}

func TestState_CanTransition(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StatePlanned, StateExecuted, true},
		{StatePlanned, StateDryRun, true},
		{StateDryRun, StateExecuted, true},
		{StateFailed, StateExecuted, true},
		{StateExecuted, StateExecuted, false},
		{StateExecuted, StateRestored, true},
		{StateRestored, StateRestored, true},
		{StatePlanned, StateRestored, false},
		{StateRestored, StateExecuted, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestVerificationError(t *testing.T) {
	t.Parallel()
	inner := errors.New("boom")
	err := error(&VerificationError{Path: "/x", Err: inner})
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "verify /x: want a, got b", (&VerificationError{Path: "/x", Want: "a", Got: "b"}).Error())
}
