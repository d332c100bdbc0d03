// Package ingest pulls new records from sources into the canonical store.
//
// A sync runs discover, scan, normalize and commit. Records from all files
// are merged in (timestamp, native id) order, committed one source file per
// transaction, and the agent's checkpoint is moved only over records that are
// durably stored with nothing uncommitted before them.
package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/rekal-dev/remi/cmd/remi/cli/db"
	"github.com/rekal-dev/remi/cmd/remi/cli/identity"
	"github.com/rekal-dev/remi/cmd/remi/cli/model"
	"github.com/rekal-dev/remi/cmd/remi/cli/search"
	"github.com/rekal-dev/remi/cmd/remi/cli/source"
)

// NormalizationError reports a native record that could not be mapped to the
// canonical model. The record is dropped and a provenance note is stored.
type NormalizationError struct {
	SourceID string
	Path     string
	Err      error
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalize %s in %s: %v", e.SourceID, e.Path, e.Err)
}

func (e *NormalizationError) Unwrap() error { return e.Err }

// Options configures an Engine.
type Options struct {
	// Workers bounds concurrent file scans. Zero means GOMAXPROCS.
	Workers int
	Logger  *slog.Logger
	// OnProgress, if set, is called from the syncing goroutine at each phase.
	OnProgress func(Progress)
	// Embedder, if set, embeds newly committed messages.
	Embedder search.Embedder
}

// Engine syncs sources into one store. It is not safe for concurrent Syncs
// of the same agent.
type Engine struct {
	db   *sql.DB
	opts Options
	log  *slog.Logger
}

// New returns an Engine writing to d.
func New(d *sql.DB, opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Engine{db: d, opts: opts, log: log}
}

// Result summarizes one agent's sync.
type Result struct {
	Agent          model.Agent
	Files          int
	SkippedFiles   int
	Records        int
	DroppedRecords int
	Committed      int // records whose file batch was stored
	Messages       int
	Cursor         model.Cursor
	Advanced       bool
	Err            error
}

// fileGroup is one source file's share of a sync, committed as one
// transaction.
type fileGroup struct {
	path    string
	batch   model.Batch
	keys    []model.Cursor
	records int
}

// Sync ingests everything src has beyond its checkpoint. Unreadable files and
// malformed records are counted and skipped. A store write failure stops the
// sync; the checkpoint still advances over what was committed before it.
func (e *Engine) Sync(ctx context.Context, src source.Source) (Result, error) {
	agent := src.Agent()
	res := Result{Agent: agent}
	log := e.log.With("agent", agent)

	cur, err := db.GetCheckpoint(ctx, e.db, agent)
	if err != nil {
		return res, fmt.Errorf("read checkpoint: %w", err)
	}
	res.Cursor = cur

	e.progress(Progress{Agent: agent, Phase: PhaseDiscovering})
	files, err := src.Discover(ctx)
	if err != nil {
		return res, fmt.Errorf("discover %s sources: %w", agent, err)
	}
	res.Files = len(files)
	log.Debug("discovered sources", "files", len(files), "cursor", cur.String())

	e.progress(Progress{Agent: agent, Phase: PhaseScanning, FileCount: len(files)})
	records, skipped, err := e.scan(ctx, src, files, cur, log)
	if err != nil {
		return res, err
	}
	res.SkippedFiles = skipped
	res.Records = len(records)

	e.progress(Progress{Agent: agent, Phase: PhaseNormalizing, RecordCount: len(records)})
	groups, dropped := e.normalize(src, records, log)
	res.DroppedRecords = dropped

	var messages int
	for _, g := range groups {
		messages += len(g.batch.Messages)
	}
	e.progress(Progress{Agent: agent, Phase: PhaseSaving, MessageCount: messages})

	committed, commitErr := e.commit(ctx, groups, log)
	var stored []model.Message
	for _, g := range groups[:committed] {
		res.Committed += g.records
		res.Messages += len(g.batch.Messages)
		stored = append(stored, g.batch.Messages...)
	}

	next := advanceTo(groups, committed)
	if !next.IsZero() {
		ok, err := db.AdvanceCheckpoint(ctx, e.db, agent, next)
		if err != nil {
			return res, errors.Join(commitErr, fmt.Errorf("advance checkpoint: %w", err))
		}
		if ok {
			res.Cursor = next
			res.Advanced = true
		}
	}

	if commitErr != nil {
		log.Error("sync stopped", "committed_files", committed, "err", commitErr)
		return res, commitErr
	}

	e.embed(ctx, stored, log)
	e.progress(Progress{Agent: agent, Phase: PhaseDone, TotalRecords: res.Committed})
	log.Info("sync complete", "records", res.Committed, "messages", res.Messages,
		"skipped_files", res.SkippedFiles, "dropped", res.DroppedRecords)
	return res, nil
}

// SyncAll syncs every source. One agent's failure is recorded in its Result
// and does not stop the others.
func (e *Engine) SyncAll(ctx context.Context, srcs []source.Source) map[model.Agent]Result {
	out := make(map[model.Agent]Result, len(srcs))
	for _, src := range srcs {
		res, err := e.Sync(ctx, src)
		if err != nil {
			res.Err = err
		}
		out[src.Agent()] = res
		if ctx.Err() != nil {
			break
		}
	}
	return out
}

// scan reads all files on a bounded pool. Per-file read failures are logged
// and counted; only cancellation aborts.
func (e *Engine) scan(ctx context.Context, src source.Source, files []string, cur model.Cursor, log *slog.Logger) ([]model.NativeRecord, int, error) {
	perFile := make([][]model.NativeRecord, len(files))
	failed := make([]bool, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for i, path := range files {
		g.Go(func() error {
			recs, err := src.Scan(gctx, path, cur)
			if err != nil {
				var re *source.ReadError
				if errors.As(err, &re) {
					log.Warn("skipping unreadable source", "path", path, "err", re.Err)
					failed[i] = true
					return nil
				}
				return fmt.Errorf("scan %s: %w", path, err)
			}
			perFile[i] = recs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	var all []model.NativeRecord
	skipped := 0
	for i := range files {
		if failed[i] {
			skipped++
		}
		all = append(all, perFile[i]...)
	}
	model.SortRecords(all)
	return all, skipped, nil
}

// normalize maps records in merged order and groups them by source file.
// Groups are ordered by their earliest record.
func (e *Engine) normalize(src source.Source, records []model.NativeRecord, log *slog.Logger) ([]*fileGroup, int) {
	var groups []*fileGroup
	byPath := make(map[string]*fileGroup)
	dropped := 0

	for _, rec := range records {
		g := byPath[rec.SourcePath]
		if g == nil {
			g = &fileGroup{path: rec.SourcePath}
			byPath[rec.SourcePath] = g
			groups = append(groups, g)
		}
		g.records++
		g.keys = append(g.keys, src.CursorFor(rec))

		b, err := src.Normalize(rec)
		if err != nil {
			nerr := &NormalizationError{SourceID: rec.SourceID, Path: rec.SourcePath, Err: err}
			log.Debug("dropping record", "err", nerr)
			dropped++
			g.batch.Provenance = append(g.batch.Provenance, noteFor(src.Agent(), rec, nerr))
			continue
		}
		g.batch.Merge(b)
	}
	return groups, dropped
}

// noteFor records a dropped record so it can be traced back to its source.
func noteFor(agent model.Agent, rec model.NativeRecord, err error) model.Provenance {
	return model.Provenance{
		ID:         identity.ProvenanceID(model.EntityNote, rec.SourcePath+"\x00"+rec.SourceID),
		EntityType: model.EntityNote,
		EntityID:   rec.SourceID,
		Agent:      agent,
		SourcePath: rec.SourcePath,
		SourceID:   rec.SourceID,
		Offset:     rec.Offset,
		Note:       err.Error(),
	}
}

// commit stores groups in order and returns how many succeeded.
func (e *Engine) commit(ctx context.Context, groups []*fileGroup, log *slog.Logger) (int, error) {
	for i, g := range groups {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if g.batch.Len() == 0 {
			continue
		}
		if err := db.SaveBatch(ctx, e.db, &g.batch); err != nil {
			return i, fmt.Errorf("commit %s: %w", g.path, err)
		}
		log.Debug("committed file", "path", g.path, "records", g.records, "messages", len(g.batch.Messages))
	}
	return len(groups), nil
}

// advanceTo returns the checkpoint after committing groups[:committed]: the
// largest committed key that sorts before every uncommitted key. Records at
// or past the first uncommitted one are rescanned next time.
func advanceTo(groups []*fileGroup, committed int) model.Cursor {
	var limit model.Cursor
	hasLimit := false
	for _, g := range groups[committed:] {
		for _, k := range g.keys {
			if !hasLimit || k.Less(limit) {
				limit = k
				hasLimit = true
			}
		}
	}

	var best model.Cursor
	for _, g := range groups[:committed] {
		for _, k := range g.keys {
			if hasLimit && !k.Less(limit) {
				continue
			}
			if best.IsZero() || best.Less(k) {
				best = k
			}
		}
	}
	return best
}

// embed stores vectors for newly committed messages. Failures are logged;
// the derived index can be rebuilt later.
func (e *Engine) embed(ctx context.Context, msgs []model.Message, log *slog.Logger) {
	if e.opts.Embedder == nil || len(msgs) == 0 {
		return
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	vecs := make([]db.Vector, 0, len(msgs))
	for _, m := range msgs {
		v := e.opts.Embedder.Embed(m.Content)
		if len(v) == 0 {
			continue
		}
		vecs = append(vecs, db.Vector{MessageID: m.ID, SessionID: m.SessionID, Values: v})
	}
	if err := db.StoreEmbeddings(ctx, e.db, e.opts.Embedder.Model(), vecs); err != nil {
		log.Warn("storing embeddings failed", "err", err)
	}
}

func (e *Engine) progress(p Progress) {
	if e.opts.OnProgress != nil {
		e.opts.OnProgress(p)
	}
}
