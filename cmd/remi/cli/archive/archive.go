// Package archive moves old sessions out of the store into verified bundles
// and back.
//
// A run is planned first: the selection is persisted as an immutable
// snapshot under a ULID. Running it either reports what would happen
// (dry-run) or writes <dir>/<run>/bundle.remi and manifest.json, re-reads
// both, and only with the resulting Verified token may the sessions be
// deleted from the store.
package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rekal-dev/remi/cmd/remi/cli/db"
	"github.com/rekal-dev/remi/cmd/remi/cli/identity"
	"github.com/rekal-dev/remi/cmd/remi/cli/model"
	"github.com/rekal-dev/remi/cmd/remi/cli/source"
	"github.com/rekal-dev/remi/cmd/remi/cli/versioncheck"
)

// Options configures an Engine.
type Options struct {
	// Dir holds one directory per executed run.
	Dir    string
	Logger *slog.Logger
	// Sources decide how each agent's raw data is preserved. Agents without
	// a source get raw file copies.
	Sources []source.Source
}

// Engine plans, runs and restores archive runs against one store.
type Engine struct {
	db      *sql.DB
	dir     string
	log     *slog.Logger
	sources map[model.Agent]source.Source

	// afterWrite runs between writing a run directory and verifying it.
	afterWrite func(dir string)
}

// New returns an Engine over d.
func New(d *sql.DB, opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	srcs := make(map[model.Agent]source.Source, len(opts.Sources))
	for _, s := range opts.Sources {
		srcs[s.Agent()] = s
	}
	return &Engine{db: d, dir: opts.Dir, log: log, sources: srcs}
}

// Policy selects sessions for archival.
type Policy struct {
	OlderThan  time.Duration
	KeepLatest int // most recent sessions per agent always kept
	Now        time.Time
}

// Item is one session selected by a plan.
type Item struct {
	SessionID  string      `json:"session_id"`
	Agent      model.Agent `json:"agent"`
	UpdatedAt  time.Time   `json:"updated_at"`
	SourcePath string      `json:"source_path,omitempty"`
}

// Plan is a persisted selection.
type Plan struct {
	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`
	Cutoff    time.Time `json:"cutoff"`
	Policy    Policy    `json:"-"`
	Items     []Item    `json:"items"`
}

// Select applies p to candidates. Within each agent, sessions are ordered
// newest first; the first KeepLatest are kept and the rest are selected when
// last updated before the cutoff.
func Select(cands []db.CandidateRow, p Policy) []Item {
	cutoff := p.Now.Add(-p.OlderThan)
	byAgent := make(map[model.Agent][]db.CandidateRow)
	var agents []model.Agent
	for _, c := range cands {
		if _, ok := byAgent[c.Agent]; !ok {
			agents = append(agents, c.Agent)
		}
		byAgent[c.Agent] = append(byAgent[c.Agent], c)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i] < agents[j] })

	var out []Item
	for _, a := range agents {
		group := byAgent[a]
		sort.SliceStable(group, func(i, j int) bool {
			if !group[i].UpdatedAt.Equal(group[j].UpdatedAt) {
				return group[i].UpdatedAt.After(group[j].UpdatedAt)
			}
			return group[i].SessionID < group[j].SessionID
		})
		for i, c := range group {
			if i < p.KeepLatest || !c.UpdatedAt.Before(cutoff) {
				continue
			}
			out = append(out, Item{SessionID: c.SessionID, Agent: c.Agent, UpdatedAt: c.UpdatedAt, SourcePath: c.SourcePath})
		}
	}
	return out
}

// Plan selects sessions under p and persists the selection as a new run.
func (e *Engine) Plan(ctx context.Context, p Policy) (*Plan, error) {
	if p.OlderThan < 0 || p.KeepLatest < 0 {
		return nil, fmt.Errorf("plan archive: negative policy")
	}
	if p.Now.IsZero() {
		p.Now = time.Now().UTC()
	}
	cands, err := db.ArchiveCandidates(ctx, e.db)
	if err != nil {
		return nil, fmt.Errorf("plan archive: %w", err)
	}

	plan := &Plan{
		RunID:     ulid.MustNew(ulid.Timestamp(p.Now), ulid.DefaultEntropy()).String(),
		CreatedAt: p.Now,
		Cutoff:    p.Now.Add(-p.OlderThan),
		Policy:    p,
		Items:     Select(cands, p),
	}

	run := db.ArchiveRunRow{
		ID:         plan.RunID,
		CreatedAt:  plan.CreatedAt,
		OlderThan:  p.OlderThan,
		KeepLatest: p.KeepLatest,
		Cutoff:     plan.Cutoff,
		State:      string(StatePlanned),
	}
	items := make([]db.ArchiveItemRow, len(plan.Items))
	for i, it := range plan.Items {
		items[i] = db.ArchiveItemRow{
			ID:          identity.ArchiveItemID(plan.RunID, it.SessionID),
			RunID:       plan.RunID,
			SessionID:   it.SessionID,
			Agent:       it.Agent,
			UpdatedAt:   it.UpdatedAt,
			SourcePath:  it.SourcePath,
			Disposition: DispositionPlanned,
		}
	}
	if err := db.InsertArchiveRun(ctx, e.db, run, items); err != nil {
		return nil, fmt.Errorf("plan archive: %w", err)
	}
	e.log.Info("archive planned", "run", plan.RunID, "sessions", len(plan.Items), "cutoff", plan.Cutoff)
	return plan, nil
}

// RunOptions controls Run. A run is a dry-run unless Execute is set and
// DryRun is not.
type RunOptions struct {
	DryRun       bool
	Execute      bool
	DeleteSource bool
}

// ActionKind names a step of a run.
type ActionKind string

const (
	ActionBundle  ActionKind = "bundle"  // session written to the bundle
	ActionCopy    ActionKind = "copy"    // raw source file copied
	ActionNative  ActionKind = "native"  // source exported its own archive
	ActionDelete  ActionKind = "delete"  // session removed from the store
	ActionMissing ActionKind = "missing" // planned session no longer stored
)

// Action is one step a run took or, in a dry-run, would take.
type Action struct {
	Kind      ActionKind  `json:"kind"`
	SessionID string      `json:"session_id,omitempty"`
	Agent     model.Agent `json:"agent,omitempty"`
	Path      string      `json:"path,omitempty"`
}

// Report describes a run.
type Report struct {
	RunID        string   `json:"run_id"`
	State        State    `json:"state"`
	DryRun       bool     `json:"dry_run"`
	Actions      []Action `json:"actions"`
	BundlePath   string   `json:"bundle_path,omitempty"`
	ManifestPath string   `json:"manifest_path,omitempty"`
	Sessions     int      `json:"sessions"`
	Deleted      int      `json:"deleted"`
}

// RunDir returns the directory of run id.
func (e *Engine) RunDir(id string) string {
	return filepath.Join(e.dir, id)
}

// Run carries out a planned run. A dry-run reads only and writes nothing.
// An execution that fails verification marks the run failed and deletes
// nothing.
func (e *Engine) Run(ctx context.Context, runID string, opts RunOptions) (*Report, error) {
	run, err := db.GetArchiveRun(ctx, e.db, runID)
	if err != nil {
		return nil, err
	}
	items, err := db.ArchiveItems(ctx, e.db, runID)
	if err != nil {
		return nil, err
	}
	state := State(run.State)

	if opts.DryRun || !opts.Execute {
		if !state.CanTransition(StateDryRun) {
			return nil, fmt.Errorf("run %s is %s and cannot be rerun", runID, state)
		}
		return e.dryRun(ctx, run, items, opts)
	}
	if !state.CanTransition(StateExecuted) {
		return nil, fmt.Errorf("run %s is %s and cannot be executed", runID, state)
	}

	rep, err := e.execute(ctx, run, items, opts)
	if err != nil && rep.State != StateExecuted {
		rep.State = StateFailed
		if uerr := db.UpdateArchiveRun(ctx, e.db, runID, string(StateFailed), "", "", err.Error()); uerr != nil {
			e.log.Error("recording failed run", "run", runID, "err", uerr)
		}
		e.log.Error("archive run failed", "run", runID, "err", err)
	}
	return rep, err
}

func (e *Engine) dryRun(ctx context.Context, run *db.ArchiveRunRow, items []db.ArchiveItemRow, opts RunOptions) (*Report, error) {
	rep := &Report{RunID: run.ID, State: StateDryRun, DryRun: true}
	dir := e.RunDir(run.ID)
	for _, it := range items {
		b, err := db.SessionBatch(ctx, e.db, it.SessionID)
		if errors.Is(err, db.ErrNotFound) {
			rep.Actions = append(rep.Actions, Action{Kind: ActionMissing, SessionID: it.SessionID, Agent: it.Agent})
			continue
		}
		if err != nil {
			return nil, err
		}
		rep.Sessions++
		rep.Actions = append(rep.Actions, Action{Kind: ActionBundle, SessionID: it.SessionID, Agent: it.Agent, Path: filepath.Join(dir, BundleName)})
		if e.capability(it.Agent) == source.CapabilityFallback {
			for _, p := range rawSources(b) {
				rep.Actions = append(rep.Actions, Action{Kind: ActionCopy, SessionID: it.SessionID, Agent: it.Agent, Path: p})
			}
		}
	}
	for _, a := range e.nativeAgents(items) {
		rep.Actions = append(rep.Actions, Action{Kind: ActionNative, Agent: a, Path: filepath.Join(dir, NativeDir, string(a))})
	}
	if opts.DeleteSource {
		for _, a := range rep.Actions {
			if a.Kind == ActionBundle {
				rep.Actions = append(rep.Actions, Action{Kind: ActionDelete, SessionID: a.SessionID, Agent: a.Agent})
			}
		}
	}
	return rep, nil
}

func (e *Engine) execute(ctx context.Context, run *db.ArchiveRunRow, items []db.ArchiveItemRow, opts RunOptions) (*Report, error) {
	rep := &Report{RunID: run.ID, State: State(run.State)}
	dir := e.RunDir(run.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return rep, fmt.Errorf("create run dir: %w", err)
	}

	bundle := &Bundle{RunID: run.ID, CreatedAt: time.Now().UTC()}
	manifest := &Manifest{
		FormatVersion: versioncheck.BundleVersion,
		RunID:         run.ID,
		CreatedAt:     bundle.CreatedAt,
	}
	copied := make(map[string]bool)

	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		b, err := db.SessionBatch(ctx, e.db, it.SessionID)
		if errors.Is(err, db.ErrNotFound) {
			rep.Actions = append(rep.Actions, Action{Kind: ActionMissing, SessionID: it.SessionID, Agent: it.Agent})
			continue
		}
		if err != nil {
			return rep, err
		}
		bundle.Batch.Merge(*b)
		manifest.SessionIDs = append(manifest.SessionIDs, it.SessionID)
		rep.Actions = append(rep.Actions, Action{Kind: ActionBundle, SessionID: it.SessionID, Agent: it.Agent})

		if e.capability(it.Agent) != source.CapabilityFallback {
			continue
		}
		for _, src := range rawSources(b) {
			if copied[src] {
				continue
			}
			copied[src] = true
			entry, err := e.copyRaw(dir, src)
			if errors.Is(err, os.ErrNotExist) {
				e.log.Warn("raw source gone, bundle only", "path", src)
				continue
			}
			if err != nil {
				return rep, err
			}
			manifest.Files = append(manifest.Files, entry)
			rep.Actions = append(rep.Actions, Action{Kind: ActionCopy, SessionID: it.SessionID, Agent: it.Agent, Path: src})
		}
	}
	rep.Sessions = len(manifest.SessionIDs)

	for _, a := range e.nativeAgents(items) {
		entry, err := e.exportNative(ctx, a, dir, manifest.SessionIDs)
		if err != nil {
			return rep, err
		}
		manifest.Native = append(manifest.Native, entry)
		rep.Actions = append(rep.Actions, Action{Kind: ActionNative, Agent: a, Path: filepath.Join(dir, entry.Path)})
	}

	data, err := marshalBundle(bundle)
	if err != nil {
		return rep, err
	}
	bundlePath := filepath.Join(dir, BundleName)
	if err := writeFileAtomic(bundlePath, data); err != nil {
		return rep, fmt.Errorf("write bundle: %w", err)
	}
	manifest.Bundle = FileEntry{Path: BundleName, SHA256: hashBytes(data), Size: int64(len(data))}
	manifestPath := filepath.Join(dir, ManifestName)
	if err := writeManifest(manifestPath, manifest); err != nil {
		return rep, fmt.Errorf("write manifest: %w", err)
	}
	rep.BundlePath, rep.ManifestPath = bundlePath, manifestPath

	if e.afterWrite != nil {
		e.afterWrite(dir)
	}
	verified, _, _, err := verifyDir(dir)
	if err != nil {
		return rep, err
	}

	if err := db.UpdateArchiveRun(ctx, e.db, run.ID, string(StateExecuted), bundlePath, manifestPath, ""); err != nil {
		return rep, err
	}
	rep.State = StateExecuted
	if err := db.SetItemDispositions(ctx, e.db, run.ID, DispositionArchived); err != nil {
		return rep, err
	}
	e.log.Info("archive written", "run", run.ID, "sessions", rep.Sessions, "bundle", bundlePath)

	if !opts.DeleteSource {
		return rep, nil
	}
	if err := ctx.Err(); err != nil {
		return rep, err
	}
	if err := e.deleteSessions(ctx, verified); err != nil {
		return rep, err
	}
	for _, id := range verified.SessionIDs() {
		rep.Actions = append(rep.Actions, Action{Kind: ActionDelete, SessionID: id})
	}
	rep.Deleted = len(verified.sessionIDs)
	return rep, nil
}

// deleteSessions removes a verified run's sessions from the store in one
// transaction.
func (e *Engine) deleteSessions(ctx context.Context, v Verified) error {
	if !v.valid() {
		return fmt.Errorf("delete sessions: archive not verified")
	}
	if err := db.DeleteSessions(ctx, e.db, v.sessionIDs); err != nil {
		return fmt.Errorf("delete sessions: %w", err)
	}
	if err := db.SetItemDispositions(ctx, e.db, v.runID, DispositionDeleted); err != nil {
		return err
	}
	e.log.Info("archived sessions deleted", "run", v.runID, "sessions", len(v.sessionIDs))
	return nil
}

func (e *Engine) capability(agent model.Agent) source.Capability {
	if s, ok := e.sources[agent]; ok {
		return s.ArchiveCapability()
	}
	return source.CapabilityFallback
}

// nativeAgents returns the agents of items whose source exports its own
// archives, in name order.
func (e *Engine) nativeAgents(items []db.ArchiveItemRow) []model.Agent {
	seen := make(map[model.Agent]bool)
	var out []model.Agent
	for _, it := range items {
		if seen[it.Agent] || e.capability(it.Agent) != source.CapabilityNative {
			continue
		}
		seen[it.Agent] = true
		out = append(out, it.Agent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (e *Engine) copyRaw(dir, src string) (FileEntry, error) {
	rawDir := filepath.Join(dir, RawDir)
	if err := os.MkdirAll(rawDir, 0o755); err != nil {
		return FileEntry{}, fmt.Errorf("create raw dir: %w", err)
	}
	rel := filepath.Join(RawDir, rawName(src))
	sum, size, err := copyFileAtomic(src, filepath.Join(dir, rel))
	if err != nil {
		return FileEntry{}, err
	}
	return FileEntry{Path: rel, Source: src, SHA256: sum, Size: size}, nil
}

func (e *Engine) exportNative(ctx context.Context, agent model.Agent, dir string, sessionIDs []string) (NativeEntry, error) {
	na, ok := e.sources[agent].(source.NativeArchiver)
	if !ok {
		return NativeEntry{}, fmt.Errorf("source %s declares native archiving but cannot export", agent)
	}
	out := filepath.Join(dir, NativeDir, string(agent))
	if err := os.MkdirAll(out, 0o755); err != nil {
		return NativeEntry{}, fmt.Errorf("create native dir: %w", err)
	}
	desc, err := na.ExecuteArchive(ctx, sessionIDs, out)
	if err != nil {
		return NativeEntry{}, fmt.Errorf("native archive %s: %w", agent, err)
	}
	rel, err := filepath.Rel(dir, desc.Path)
	if err != nil {
		return NativeEntry{}, fmt.Errorf("native archive %s: %w", agent, err)
	}
	return NativeEntry{Agent: agent, Path: rel, SHA256: desc.Checksum}, nil
}

// rawSources returns the distinct source files a session was read from.
func rawSources(b *model.Batch) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, s := range b.Sessions {
		add(s.SourcePath)
	}
	for _, p := range b.Provenance {
		add(p.SourcePath)
	}
	sort.Strings(out)
	return out
}

// RestoreReport describes a restore.
type RestoreReport struct {
	RunID    string `json:"run_id"`
	Sessions int    `json:"sessions"`
	Messages int    `json:"messages"`
}

// Restore verifies the archive at bundlePath and writes its rows back to the
// store. Restoring the same bundle twice leaves the store unchanged.
func (e *Engine) Restore(ctx context.Context, bundlePath string) (*RestoreReport, error) {
	_, m, b, err := verifyDir(filepath.Dir(bundlePath))
	if err != nil {
		return nil, err
	}
	if err := db.SaveBatch(ctx, e.db, &b.Batch); err != nil {
		return nil, fmt.Errorf("restore %s: %w", m.RunID, err)
	}

	run, err := db.GetArchiveRun(ctx, e.db, m.RunID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		e.log.Debug("restoring bundle from another store", "run", m.RunID)
	case err != nil:
		return nil, err
	case State(run.State).CanTransition(StateRestored):
		if err := db.UpdateArchiveRun(ctx, e.db, run.ID, string(StateRestored), run.BundlePath, run.ManifestPath, ""); err != nil {
			return nil, err
		}
		if err := db.SetItemDispositions(ctx, e.db, run.ID, DispositionRestored); err != nil {
			return nil, err
		}
	default:
		e.log.Warn("run state not updated on restore", "run", run.ID, "state", run.State)
	}

	e.log.Info("archive restored", "run", m.RunID, "sessions", len(b.Batch.Sessions))
	return &RestoreReport{RunID: m.RunID, Sessions: len(b.Batch.Sessions), Messages: len(b.Batch.Messages)}, nil
}
