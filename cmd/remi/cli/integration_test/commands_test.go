//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rekal-dev/remi/cmd/remi/cli"
)

// TestEnv provides an isolated data directory, config file and pi
// transcript directory. HOME points into the temp dir so no real transcripts
// are discovered.
type TestEnv struct {
	T          *testing.T
	Root       string
	DataDir    string
	ConfigPath string
	PiDir      string
}

// NewTestEnv creates the directories and a config that reads pi transcripts
// from PiDir only.
func NewTestEnv(t *testing.T) *TestEnv {
	t.Helper()
	dir := t.TempDir()
	// Resolve symlinks (macOS /var -> /private/var).
	dir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		t.Fatal(err)
	}
	env := &TestEnv{
		T:          t,
		Root:       dir,
		DataDir:    filepath.Join(dir, "data"),
		ConfigPath: filepath.Join(dir, "config", "config.yaml"),
		PiDir:      filepath.Join(dir, "pi"),
	}
	for _, d := range []string{filepath.Join(dir, "home"), filepath.Dir(env.ConfigPath), env.PiDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	t.Setenv("HOME", filepath.Join(dir, "home"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "home", ".local", "share"))
	t.Setenv("REMI_CONFIG", "")
	t.Setenv("REMI_DATA_DIR", "")
	t.Setenv("REMI_WORKERS", "")

	cfg := fmt.Sprintf("data_dir: %s\nsources:\n  pi:\n    paths: [%s]\n", env.DataDir, env.PiDir)
	if err := os.WriteFile(env.ConfigPath, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return env
}

// RunCLI executes remi with the given args against the test config.
// Returns stdout, stderr, and error.
func (env *TestEnv) RunCLI(args ...string) (stdout, stderr string, err error) {
	env.T.Helper()
	rootCmd := cli.NewRootCmd()
	rootCmd.SetArgs(append([]string{"--config", env.ConfigPath}, args...))

	outBuf := &bytes.Buffer{}
	errBuf := &bytes.Buffer{}
	rootCmd.SetOut(outBuf)
	rootCmd.SetErr(errBuf)

	execErr := rootCmd.ExecuteContext(context.Background())
	return outBuf.String(), errBuf.String(), execErr
}

// MustRun runs remi and fails the test on error.
func (env *TestEnv) MustRun(args ...string) (stdout, stderr string) {
	env.T.Helper()
	stdout, stderr, err := env.RunCLI(args...)
	if err != nil {
		env.T.Fatalf("remi %s: %v\nstderr: %s", strings.Join(args, " "), err, stderr)
	}
	return stdout, stderr
}

// Init runs `remi init` and fails if it errors.
func (env *TestEnv) Init() {
	env.T.Helper()
	env.MustRun("init")
}

// WriteTranscript writes a pi JSONL transcript under PiDir.
func (env *TestEnv) WriteTranscript(name string, lines ...string) string {
	env.T.Helper()
	path := filepath.Join(env.PiDir, name)
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		env.T.Fatal(err)
	}
	return path
}

// FileExists checks whether a file exists under the data dir.
func (env *TestEnv) FileExists(relPath string) bool {
	_, err := os.Stat(filepath.Join(env.DataDir, relPath))
	return err == nil
}

func piMessage(session, title, id, ts, role, content string) string {
	rec := map[string]any{
		"type":         "message",
		"sessionId":    session,
		"sessionTitle": title,
		"id":           id,
		"timestamp":    ts,
		"message":      map[string]any{"role": role, "content": content},
	}
	data, _ := json.Marshal(rec)
	return string(data)
}

// --- Init command tests ---

func TestInit_CreatesStore(t *testing.T) {
	env := NewTestEnv(t)
	stdout, _, err := env.RunCLI("init")
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if !strings.Contains(stdout, "remi initialized in") {
		t.Errorf("expected success message, got: %q", stdout)
	}
	if !env.FileExists("remi.db") {
		t.Error("remi.db should exist after init")
	}
	if !env.FileExists("archive") {
		t.Error("archive/ should exist after init")
	}
}

func TestInit_Reinit(t *testing.T) {
	env := NewTestEnv(t)
	env.Init()

	stdout, _, err := env.RunCLI("init")
	if err != nil {
		t.Fatalf("reinit: %v", err)
	}
	if !strings.Contains(stdout, "already initialized") {
		t.Errorf("reinit should say already initialized, got: %q", stdout)
	}
}

func TestInit_WritesMissingConfig(t *testing.T) {
	env := NewTestEnv(t)
	cfgPath := filepath.Join(env.Root, "fresh", "config.yaml")
	_, stderr := env.MustRun("--config", cfgPath, "--data-dir", filepath.Join(env.Root, "other"), "init")
	if _, err := os.Stat(cfgPath); err != nil {
		t.Fatalf("config should be written: %v", err)
	}
	if !strings.Contains(stderr, "wrote "+cfgPath) {
		t.Errorf("expected config message, got: %q", stderr)
	}
}

// --- Clean command tests ---

func TestClean_RequiresYes(t *testing.T) {
	env := NewTestEnv(t)
	env.Init()

	_, _, err := env.RunCLI("clean")
	if cli.ExitCode(err) != cli.ExitUsage {
		t.Fatalf("clean without --yes should be a usage error, got %v", err)
	}
	if !env.FileExists("remi.db") {
		t.Error("store should survive clean without --yes")
	}
}

func TestClean_RemovesStore(t *testing.T) {
	env := NewTestEnv(t)
	env.Init()

	stdout, _ := env.MustRun("clean", "--yes")
	if !strings.Contains(stdout, "remi cleaned.") {
		t.Errorf("expected clean message, got: %q", stdout)
	}
	if env.FileExists("remi.db") {
		t.Error("remi.db should not exist after clean")
	}
}

// --- Preconditions ---

func TestCommands_RequireInit(t *testing.T) {
	for _, args := range [][]string{
		{"sync"},
		{"search", "foo"},
		{"sessions", "list"},
		{"query", "SELECT 1"},
		{"doctor"},
		{"index", "status"},
		{"checkpoint", "list"},
		{"archive", "list"},
	} {
		t.Run(strings.Join(args, "_"), func(t *testing.T) {
			env := NewTestEnv(t)
			_, stderr, err := env.RunCLI(args...)
			if err == nil {
				t.Fatal("expected error without init")
			}
			if !strings.Contains(stderr, "remi is not initialized") {
				t.Errorf("expected init error, got: %q", stderr)
			}
		})
	}
}

func TestCommands_UsageErrors(t *testing.T) {
	env := NewTestEnv(t)
	env.Init()
	for _, args := range [][]string{
		{"search", "x", "--format", "xml"},
		{"search", "x", "--agent", "vim"},
		{"sessions", "show"},
		{"sessions", "list", "--since", "someday"},
		{"archive", "run"},
		{"archive", "plan", "--older-than", "soon"},
		{"checkpoint", "reset", "vim"},
		{"sync", "--bogus"},
	} {
		_, _, err := env.RunCLI(args...)
		if cli.ExitCode(err) != cli.ExitUsage {
			t.Errorf("remi %s: want usage error, got %v", strings.Join(args, " "), err)
		}
	}
}

// --- Query command tests ---

func TestQuery_RequiresArg(t *testing.T) {
	env := NewTestEnv(t)
	env.Init()
	_, _, err := env.RunCLI("query")
	if err == nil {
		t.Error("query without args should fail")
	}
}

func TestQuery_ExecutesSQL(t *testing.T) {
	env := NewTestEnv(t)
	env.Init()
	stdout, _ := env.MustRun("query", "SELECT count(*) AS n FROM sessions")
	if !strings.Contains(stdout, `"n":0`) {
		t.Errorf("expected count row, got: %q", stdout)
	}
}

func TestQuery_RejectsWrites(t *testing.T) {
	env := NewTestEnv(t)
	env.Init()
	_, _, err := env.RunCLI("query", "DELETE FROM sessions")
	if err == nil || !strings.Contains(err.Error(), "only SELECT") {
		t.Errorf("expected SELECT-only error, got %v", err)
	}
}

// --- Doctor ---

func TestDoctor_CleanStore(t *testing.T) {
	env := NewTestEnv(t)
	env.Init()
	stdout, _ := env.MustRun("doctor")
	if !strings.Contains(stdout, "tables:  ok") || !strings.Contains(stdout, "index:   ok") {
		t.Errorf("expected healthy report, got: %q", stdout)
	}
}

// --- Search ---

func TestSearch_NoArgsShowsHelp(t *testing.T) {
	env := NewTestEnv(t)
	env.Init()
	stdout, _ := env.MustRun("search")
	if !strings.Contains(stdout, "reciprocal rank fusion") {
		t.Errorf("expected help text, got: %q", stdout)
	}
}

func TestSearch_EmptyStoreProducesJSON(t *testing.T) {
	env := NewTestEnv(t)
	env.Init()
	stdout, _ := env.MustRun("search", "anything")
	var out struct {
		Total   int               `json:"total"`
		Results []json.RawMessage `json:"results"`
	}
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, stdout)
	}
	if out.Total != 0 || out.Results == nil {
		t.Errorf("expected empty results array, got %+v", out)
	}
}

func TestVersion(t *testing.T) {
	env := NewTestEnv(t)
	stdout, _ := env.MustRun("version")
	if !strings.HasPrefix(stdout, "remi ") {
		t.Errorf("unexpected version output: %q", stdout)
	}
}
