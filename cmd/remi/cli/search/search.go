// Package search ranks sessions for a free-text query by fusing lexical
// relevance, recency and, optionally, semantic similarity.
package search

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rekal-dev/remi/cmd/remi/cli/db"
	"github.com/rekal-dev/remi/cmd/remi/cli/lsa"
	"github.com/rekal-dev/remi/cmd/remi/cli/model"
)

// DefaultK is the reciprocal rank fusion constant.
const DefaultK = 60

// DefaultLimit is the number of results returned when a query sets none.
const DefaultLimit = 20

// candidatePool bounds how many message hits per signal are considered.
const candidatePool = 500

// Embedder maps text to a vector. Vectors from the same Model are
// comparable by cosine similarity.
type Embedder interface {
	Embed(text string) []float64
	Model() string
}

// Weights scales each signal's contribution to the fused score.
type Weights struct {
	Lexical  float64 `yaml:"lexical" json:"lexical"`
	Recency  float64 `yaml:"recency" json:"recency"`
	Semantic float64 `yaml:"semantic" json:"semantic"`
}

// DefaultWeights favours relevance and uses recency to separate near-ties.
func DefaultWeights() Weights {
	return Weights{Lexical: 1.0, Recency: 0.3, Semantic: 0.5}
}

// Mode reports which lexical strategy produced the candidates.
type Mode string

const (
	ModeLexical   Mode = "lexical"
	ModeSubstring Mode = "substring"
)

// Query is a search request.
type Query struct {
	Text   string
	Filter db.Filter
	Limit  int
}

// Result is one ranked session.
type Result struct {
	SessionID    string      `json:"session_id"`
	Agent        model.Agent `json:"agent"`
	Title        string      `json:"title"`
	SourceRef    string      `json:"source_ref"`
	LastActivity time.Time   `json:"last_activity"`
	MessageID    string      `json:"message_id,omitempty"`
	Role         string      `json:"role,omitempty"`
	TS           time.Time   `json:"ts"`
	Snippet      string      `json:"snippet"`
	Score        float64     `json:"score"`
	LexicalRank  int         `json:"lexical_rank,omitempty"`
	RecencyRank  int         `json:"recency_rank,omitempty"`
	SemanticRank int         `json:"semantic_rank,omitempty"`
}

// Response is the outcome of a search.
type Response struct {
	Query   string   `json:"query"`
	Mode    Mode     `json:"mode"`
	Results []Result `json:"results"`
}

// Options configures an Engine.
type Options struct {
	K        int
	Weights  Weights
	Embedder Embedder
	Logger   *slog.Logger
}

// Engine answers queries against a store. The semantic vector set is loaded
// once, on first use, and reused by later queries.
type Engine struct {
	db   *sql.DB
	opts Options
	log  *slog.Logger

	vecOnce sync.Once
	vectors []db.Vector
	vecErr  error
}

// New returns an Engine reading from d. A zero K uses DefaultK.
func New(d *sql.DB, opts Options) *Engine {
	if opts.K <= 0 {
		opts.K = DefaultK
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Engine{db: d, opts: opts, log: log}
}

// candidate collects a session's best evidence across signals.
type candidate struct {
	sessionID    string
	hit          *db.MessageHit
	semanticMsg  string
	activity     time.Time
	lexicalRank  int
	recencyRank  int
	semanticRank int
	score        float64
}

// Search ranks sessions for q. Lexical candidates come from the full-text
// index; when it has no hit the raw text is matched as a substring instead.
// Candidates are fused with reciprocal rank fusion and ties broken by recency
// then session id, so equal inputs always produce equal output.
func (e *Engine) Search(ctx context.Context, q Query) (*Response, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	resp := &Response{Query: q.Text, Mode: ModeLexical}
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return resp, nil
	}

	hits, err := db.SearchLexical(ctx, e.db, Sanitize(text), q.Filter, candidatePool)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		resp.Mode = ModeSubstring
		hits, err = db.SearchSubstring(ctx, e.db, text, q.Filter, candidatePool)
		if err != nil {
			return nil, err
		}
	}

	byID := make(map[string]*candidate)
	var order []*candidate
	get := func(id string) *candidate {
		c := byID[id]
		if c == nil {
			c = &candidate{sessionID: id}
			byID[id] = c
			order = append(order, c)
		}
		return c
	}

	// Hits arrive best first, so the first hit of a session is its best and
	// first appearance order is the lexical ranking.
	rank := 0
	for i := range hits {
		c := get(hits[i].SessionID)
		if c.hit == nil {
			rank++
			c.hit = &hits[i]
			c.lexicalRank = rank
		}
	}

	var semantic []semanticHit
	if e.semanticEnabled() {
		if semantic, err = e.semanticHits(ctx, text); err != nil {
			e.log.Warn("semantic signal unavailable", "err", err)
		}
	}
	if len(order) == 0 && len(semantic) == 0 {
		return resp, nil
	}

	ids := make([]string, 0, len(order)+len(semantic))
	for _, c := range order {
		ids = append(ids, c.sessionID)
	}
	for _, s := range semantic {
		if byID[s.sessionID] == nil {
			ids = append(ids, s.sessionID)
		}
	}
	// Sessions without activity were rejected by the filter.
	activity, err := db.SessionActivity(ctx, e.db, q.Filter, ids)
	if err != nil {
		return nil, err
	}

	// Semantic ranks are assigned among sessions that pass the filter only.
	rank = 0
	for _, s := range semantic {
		if rank == candidatePool {
			break
		}
		if _, ok := activity[s.sessionID]; !ok {
			continue
		}
		rank++
		c := get(s.sessionID)
		c.semanticMsg = s.messageID
		c.semanticRank = rank
	}

	kept := order[:0]
	for _, c := range order {
		if ts, ok := activity[c.sessionID]; ok {
			c.activity = ts
			kept = append(kept, c)
		}
	}
	order = kept
	if len(order) == 0 {
		return resp, nil
	}

	byRecency := append([]*candidate(nil), order...)
	sort.SliceStable(byRecency, func(i, j int) bool { return newer(byRecency[i], byRecency[j]) })
	for i, c := range byRecency {
		c.recencyRank = i + 1
	}

	w := e.opts.Weights
	k := float64(e.opts.K)
	for _, c := range order {
		c.score = rrf(w.Lexical, k, c.lexicalRank) + rrf(w.Recency, k, c.recencyRank)
		if e.semanticEnabled() {
			c.score += rrf(w.Semantic, k, c.semanticRank)
		}
	}
	sort.SliceStable(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if a.score != b.score {
			return a.score > b.score
		}
		return newer(a, b)
	})
	if len(order) > limit {
		order = order[:limit]
	}

	results, err := e.materialize(ctx, order, text)
	if err != nil {
		return nil, err
	}
	resp.Results = results
	return resp, nil
}

func (e *Engine) semanticEnabled() bool {
	return e.opts.Embedder != nil && e.opts.Weights.Semantic > 0
}

type semanticHit struct {
	sessionID, messageID string
	sim                  float64
}

// semanticHits orders sessions by the best cosine similarity of any of their
// messages to the query, best first. Sessions with no positive similarity are
// left out.
func (e *Engine) semanticHits(ctx context.Context, text string) ([]semanticHit, error) {
	vecs, err := e.loadVectors(ctx)
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, nil
	}
	qv := e.opts.Embedder.Embed(text)

	best := make(map[string]semanticHit)
	for _, v := range vecs {
		sim := lsa.CosineSimilarity(qv, v.Values)
		if sim <= 0 {
			continue
		}
		if cur, ok := best[v.SessionID]; !ok || sim > cur.sim {
			best[v.SessionID] = semanticHit{v.SessionID, v.MessageID, sim}
		}
	}
	ranked := make([]semanticHit, 0, len(best))
	for _, s := range best {
		ranked = append(ranked, s)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].sim != ranked[j].sim {
			return ranked[i].sim > ranked[j].sim
		}
		return ranked[i].sessionID < ranked[j].sessionID
	})
	return ranked, nil
}

func (e *Engine) loadVectors(ctx context.Context) ([]db.Vector, error) {
	e.vecOnce.Do(func() {
		e.vectors, e.vecErr = db.LoadEmbeddings(ctx, e.db, e.opts.Embedder.Model())
		if e.vecErr == nil {
			e.log.Debug("loaded embeddings", "model", e.opts.Embedder.Model(), "count", len(e.vectors))
		}
	})
	return e.vectors, e.vecErr
}

// materialize attaches session fields and snippets to ranked candidates.
func (e *Engine) materialize(ctx context.Context, ranked []*candidate, text string) ([]Result, error) {
	ids := make([]string, len(ranked))
	var semanticOnly []string
	for i, c := range ranked {
		ids[i] = c.sessionID
		if c.hit == nil && c.semanticMsg != "" {
			semanticOnly = append(semanticOnly, c.semanticMsg)
		}
	}
	sessions, err := db.SessionsByID(ctx, e.db, ids)
	if err != nil {
		return nil, err
	}
	msgs, err := db.MessagesByID(ctx, e.db, semanticOnly)
	if err != nil {
		return nil, err
	}

	out := make([]Result, 0, len(ranked))
	for _, c := range ranked {
		s := sessions[c.sessionID]
		r := Result{
			SessionID:    c.sessionID,
			Agent:        s.Agent,
			Title:        s.Title,
			SourceRef:    s.SourceRef,
			LastActivity: c.activity,
			Score:        math.Round(c.score*1e6) / 1e6,
			LexicalRank:  c.lexicalRank,
			RecencyRank:  c.recencyRank,
			SemanticRank: c.semanticRank,
		}
		switch {
		case c.hit != nil:
			r.MessageID, r.Role, r.TS = c.hit.MessageID, c.hit.Role, c.hit.TS
			r.Snippet = ExtractSnippet(c.hit.Content, text)
		case c.semanticMsg != "":
			if m, ok := msgs[c.semanticMsg]; ok {
				r.MessageID, r.Role, r.TS = m.ID, m.Role, m.TS
				r.Snippet = ExtractSnippet(m.Content, text)
			}
		}
		out = append(out, r)
	}
	return out, nil
}

// rrf is one signal's reciprocal rank fusion term. Rank 0 means the signal
// did not rank the candidate.
func rrf(weight, k float64, rank int) float64 {
	if rank == 0 || weight == 0 {
		return 0
	}
	return weight / (k + float64(rank))
}

func newer(a, b *candidate) bool {
	if !a.activity.Equal(b.activity) {
		return a.activity.After(b.activity)
	}
	return a.sessionID < b.sessionID
}

// String renders a compact description of the weights for logs.
func (w Weights) String() string {
	return fmt.Sprintf("lexical=%.2f recency=%.2f semantic=%.2f", w.Lexical, w.Recency, w.Semantic)
}
