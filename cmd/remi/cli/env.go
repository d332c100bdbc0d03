package cli

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rekal-dev/remi/cmd/remi/cli/config"
	"github.com/rekal-dev/remi/cmd/remi/cli/db"
	"github.com/rekal-dev/remi/cmd/remi/cli/lsa"
	"github.com/rekal-dev/remi/cmd/remi/cli/model"
	"github.com/rekal-dev/remi/cmd/remi/cli/search"
	"github.com/rekal-dev/remi/cmd/remi/cli/source"
)

// env is what a command needs beyond its own flags: the resolved
// configuration and a logger.
type env struct {
	cfg     *config.Config
	cfgPath string
	log     *slog.Logger
}

// loadEnv resolves configuration from the root's persistent flags, the
// environment and the config file, in that order of precedence.
func loadEnv(cmd *cobra.Command) (*env, error) {
	flags := cmd.Root().PersistentFlags()
	cfgPath, _ := flags.GetString("config")
	if cfgPath == "" {
		cfgPath = config.DefaultPath()
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if d, _ := flags.GetString("data-dir"); d != "" {
		cfg.DataDir = d
	}
	level := cfg.LogLevel
	if flags.Changed("log-level") {
		level, _ = flags.GetString("log-level")
	}
	log, err := newLogger(cmd.ErrOrStderr(), level)
	if err != nil {
		return nil, usageErrorf(err)
	}
	slog.SetDefault(log)
	return &env{cfg: cfg, cfgPath: cfgPath, log: log}, nil
}

func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q (debug|info|warn|error)", level)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

func (e *env) storePath() string { return db.Path(e.cfg.DataDir) }

func (e *env) modelPath() string { return filepath.Join(e.cfg.DataDir, lsa.FileName) }

// EnsureInitDone returns an error if remi has not been initialized in
// dataDir.
func EnsureInitDone(dataDir string) error {
	if _, err := os.Stat(db.Path(dataDir)); os.IsNotExist(err) {
		return fmt.Errorf("remi is not initialized in %s. Run 'remi init' first", dataDir)
	}
	return nil
}

// openStore opens the initialized store, migrating an older schema.
func (e *env) openStore() (*sql.DB, error) {
	if err := EnsureInitDone(e.cfg.DataDir); err != nil {
		return nil, err
	}
	d, err := db.Open(e.storePath())
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(d); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// sources returns the adapters for agent, or for every supported agent when
// agent is empty.
func (e *env) sources(agent string) ([]source.Source, error) {
	agents := source.Supported
	if agent != "" {
		a, err := model.ParseAgent(agent)
		if err != nil {
			return nil, usageErrorf(err)
		}
		agents = []model.Agent{a}
	}
	out := make([]source.Source, 0, len(agents))
	for _, a := range agents {
		s, err := source.New(a, e.cfg.SourcePaths(a))
		if err != nil {
			return nil, usageErrorf(err)
		}
		out = append(out, s)
	}
	return out, nil
}

// embedder returns the saved LSA model, or nil when semantic search is off or
// no model has been built.
func (e *env) embedder() (search.Embedder, error) {
	if !e.cfg.Semantic.Enabled {
		return nil, nil
	}
	m, err := lsa.Load(e.modelPath())
	if err != nil {
		return nil, fmt.Errorf("load embedding model: %w", err)
	}
	if m == nil {
		return nil, nil
	}
	return m, nil
}

func (e *env) searchEngine(d *sql.DB) (*search.Engine, error) {
	emb, err := e.embedder()
	if err != nil {
		return nil, err
	}
	return search.New(d, search.Options{
		K:        e.cfg.Search.K,
		Weights:  e.cfg.Weights(),
		Embedder: emb,
		Logger:   e.log,
	}), nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
