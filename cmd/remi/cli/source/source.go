// Package source reads the native transcript files of coding assistants and
// maps their records onto the canonical model.
package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rekal-dev/remi/cmd/remi/cli/model"
)

// Capability tells the archive engine how a source's raw data can be
// preserved.
type Capability int

const (
	// CapabilityFallback sources are archived by copying their raw files.
	CapabilityFallback Capability = iota
	// CapabilityNative sources implement NativeArchiver.
	CapabilityNative
)

func (c Capability) String() string {
	if c == CapabilityNative {
		return "native"
	}
	return "fallback"
}

// Source is one agent's transcript reader.
//
// Scan returns only records the cursor admits. Normalize returns an empty
// batch for records that carry nothing canonical (tool results, snapshots)
// and an error for records it cannot interpret.
type Source interface {
	Agent() model.Agent
	Discover(ctx context.Context) ([]string, error)
	Scan(ctx context.Context, path string, cur model.Cursor) ([]model.NativeRecord, error)
	Normalize(rec model.NativeRecord) (model.Batch, error)
	CursorFor(rec model.NativeRecord) model.Cursor
	ArchiveCapability() Capability
}

// Descriptor describes an archive produced by a NativeArchiver. Path is a
// file inside the directory given to ExecuteArchive and Checksum its hex
// SHA-256.
type Descriptor struct {
	Path     string `json:"path"`
	Checksum string `json:"checksum"`
}

// NativeArchiver is implemented by sources that can export their own
// sessions into dir.
type NativeArchiver interface {
	ExecuteArchive(ctx context.Context, sessionIDs []string, dir string) (Descriptor, error)
}

// ReadError reports a source file that could not be read. The file is
// skipped; other files proceed.
type ReadError struct {
	Path string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read source %s: %v", e.Path, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// Supported lists the agents that have an adapter.
var Supported = []model.Agent{model.AgentClaude, model.AgentPi, model.AgentDroid, model.AgentCodex}

// DefaultRoots returns the directories searched for agent's transcripts.
func DefaultRoots(agent model.Agent, home string) []string {
	switch agent {
	case model.AgentClaude:
		return []string{
			filepath.Join(home, ".claude", "transcripts"),
			filepath.Join(home, ".claude", "projects"),
			filepath.Join(home, ".local", "share", "claude-code"),
		}
	case model.AgentPi:
		return []string{
			filepath.Join(home, ".pi", "agent", "sessions"),
			filepath.Join(home, ".pi", "sessions"),
		}
	case model.AgentDroid:
		return []string{filepath.Join(home, ".factory", "sessions")}
	case model.AgentCodex:
		return []string{filepath.Join(home, ".codex", "sessions")}
	}
	return nil
}

// New returns the adapter for agent. Empty roots select DefaultRoots under
// the user's home directory.
func New(agent model.Agent, roots []string) (Source, error) {
	if len(roots) == 0 {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		roots = DefaultRoots(agent, home)
	}
	switch agent {
	case model.AgentClaude:
		return &jsonlSource{agent: agent, roots: roots, normalize: normalizeClaude}, nil
	case model.AgentPi, model.AgentDroid:
		return &jsonlSource{agent: agent, roots: roots, normalize: normalizeMessageRecord}, nil
	case model.AgentCodex:
		return &codexSource{roots: roots}, nil
	}
	return nil, fmt.Errorf("no adapter for agent %q", agent)
}

// jsonlSource reads line-delimited JSON transcripts where each line is one
// record with an optional "id"/"uuid" and "timestamp".
type jsonlSource struct {
	agent     model.Agent
	roots     []string
	normalize func(agent model.Agent, rec model.NativeRecord) (model.Batch, error)
}

func (s *jsonlSource) Agent() model.Agent { return s.agent }

func (s *jsonlSource) Discover(ctx context.Context) ([]string, error) {
	return discover(ctx, s.roots)
}

func (s *jsonlSource) Scan(ctx context.Context, path string, cur model.Cursor) ([]model.NativeRecord, error) {
	return ScanJSONL(ctx, path, cur)
}

func (s *jsonlSource) Normalize(rec model.NativeRecord) (model.Batch, error) {
	return s.normalize(s.agent, rec)
}

func (s *jsonlSource) CursorFor(rec model.NativeRecord) model.Cursor { return rec.Key() }

func (s *jsonlSource) ArchiveCapability() Capability { return CapabilityFallback }

func discover(ctx context.Context, roots []string) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	for _, root := range roots {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		files, err := FindFiles(root, ".jsonl")
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	return out, nil
}
