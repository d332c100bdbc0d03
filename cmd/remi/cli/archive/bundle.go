package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rekal-dev/remi/cmd/remi/cli/codec"
	"github.com/rekal-dev/remi/cmd/remi/cli/model"
	"github.com/rekal-dev/remi/cmd/remi/cli/versioncheck"
)

// Names inside a run directory.
const (
	BundleName   = "bundle.remi"
	ManifestName = "manifest.json"
	RawDir       = "raw"
	NativeDir    = "native"
)

// Bundle is the archived content of a run: every canonical row of its
// sessions.
type Bundle struct {
	RunID     string      `json:"run_id"`
	CreatedAt time.Time   `json:"created_at"`
	Batch     model.Batch `json:"batch"`
}

// FileEntry is a file in the run directory with its expected checksum.
type FileEntry struct {
	Path   string `json:"path"` // relative to the run directory
	Source string `json:"source,omitempty"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// NativeEntry is an archive produced by a source's own exporter.
type NativeEntry struct {
	Agent  model.Agent `json:"agent"`
	Path   string      `json:"path"`
	SHA256 string      `json:"sha256"`
}

// Manifest describes a run directory. It is written after the bundle and
// read back before anything is deleted or restored.
type Manifest struct {
	FormatVersion string        `json:"format_version"`
	RunID         string        `json:"run_id"`
	CreatedAt     time.Time     `json:"created_at"`
	SessionIDs    []string      `json:"session_ids"`
	Bundle        FileEntry     `json:"bundle"`
	Files         []FileEntry   `json:"files,omitempty"`
	Native        []NativeEntry `json:"native,omitempty"`
}

// VerificationError reports an archive that does not match its manifest.
type VerificationError struct {
	Path string
	Want string
	Got  string
	Err  error
}

func (e *VerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("verify %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("verify %s: want %s, got %s", e.Path, e.Want, e.Got)
}

func (e *VerificationError) Unwrap() error { return e.Err }

// Verified proves that a run directory was re-read and matched its
// manifest. Only verification constructs one; destructive steps take it as
// an argument.
type Verified struct {
	runID      string
	sessionIDs []string
}

// RunID returns the verified run.
func (v Verified) RunID() string { return v.runID }

// SessionIDs returns the sessions held by the verified bundle.
func (v Verified) SessionIDs() []string { return append([]string(nil), v.sessionIDs...) }

func (v Verified) valid() bool { return v.runID != "" }

func marshalBundle(b *Bundle) ([]byte, error) {
	return codec.MarshalJSON(codec.FrameBundle, versioncheck.BundleVersion, b)
}

func writeManifest(path string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return writeFileAtomic(path, append(data, '\n'))
}

func readManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &VerificationError{Path: path, Err: err}
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &VerificationError{Path: path, Err: fmt.Errorf("decode manifest: %w", err)}
	}
	if err := versioncheck.Compatible(m.FormatVersion, versioncheck.BundleVersion); err != nil {
		return nil, &VerificationError{Path: path, Err: err}
	}
	return &m, nil
}

// verifyDir re-reads a run directory and checks every file against the
// manifest, then decodes the bundle and checks it holds exactly the
// manifest's sessions.
func verifyDir(dir string) (Verified, *Manifest, *Bundle, error) {
	m, err := readManifest(filepath.Join(dir, ManifestName))
	if err != nil {
		return Verified{}, nil, nil, err
	}

	bundlePath, err := within(dir, m.Bundle.Path)
	if err != nil {
		return Verified{}, m, nil, err
	}
	data, err := os.ReadFile(bundlePath)
	if err != nil {
		return Verified{}, m, nil, &VerificationError{Path: bundlePath, Err: err}
	}
	if got := hashBytes(data); got != m.Bundle.SHA256 {
		return Verified{}, m, nil, &VerificationError{Path: bundlePath, Want: m.Bundle.SHA256, Got: got}
	}

	var b Bundle
	h, err := codec.UnmarshalJSON(data, codec.FrameBundle, &b)
	if err != nil {
		return Verified{}, m, nil, &VerificationError{Path: bundlePath, Err: err}
	}
	if err := versioncheck.Compatible(h.Version, versioncheck.BundleVersion); err != nil {
		return Verified{}, m, nil, &VerificationError{Path: bundlePath, Err: err}
	}
	if b.RunID != m.RunID {
		return Verified{}, m, nil, &VerificationError{Path: bundlePath, Want: "run " + m.RunID, Got: "run " + b.RunID}
	}
	if want, got := sortedIDs(m.SessionIDs), bundleSessionIDs(&b); !equalIDs(want, got) {
		return Verified{}, m, nil, &VerificationError{
			Path: bundlePath,
			Want: fmt.Sprintf("%d sessions", len(want)),
			Got:  fmt.Sprintf("%d sessions", len(got)),
		}
	}

	for _, f := range m.Files {
		path, err := within(dir, f.Path)
		if err != nil {
			return Verified{}, m, nil, err
		}
		if err := verifyFile(path, f.SHA256); err != nil {
			return Verified{}, m, nil, err
		}
	}
	for _, n := range m.Native {
		path, err := within(dir, n.Path)
		if err != nil {
			return Verified{}, m, nil, err
		}
		if err := verifyFile(path, n.SHA256); err != nil {
			return Verified{}, m, nil, err
		}
	}
	return Verified{runID: m.RunID, sessionIDs: sortedIDs(m.SessionIDs)}, m, &b, nil
}

// within joins a manifest path to the run directory, rejecting absolute
// paths and paths that leave it.
func within(dir, rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", &VerificationError{Path: rel, Err: errors.New("manifest path must be relative to the run directory")}
	}
	path := filepath.Join(dir, rel)
	r, err := filepath.Rel(dir, path)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", &VerificationError{Path: rel, Err: errors.New("manifest path escapes the run directory")}
	}
	return path, nil
}

func verifyFile(path, want string) error {
	got, _, err := hashFile(path)
	if err != nil {
		return &VerificationError{Path: path, Err: err}
	}
	if got != want {
		return &VerificationError{Path: path, Want: want, Got: got}
	}
	return nil
}

// Verify checks the archive whose bundle is at bundlePath against the
// manifest next to it.
func Verify(bundlePath string) (*Manifest, error) {
	_, m, _, err := verifyDir(filepath.Dir(bundlePath))
	return m, err
}

// IsVerificationError reports whether err is or wraps a VerificationError.
func IsVerificationError(err error) bool {
	var ve *VerificationError
	return errors.As(err, &ve)
}

func bundleSessionIDs(b *Bundle) []string {
	ids := make([]string, 0, len(b.Batch.Sessions))
	for _, s := range b.Batch.Sessions {
		ids = append(ids, s.ID)
	}
	sort.Strings(ids)
	return ids
}

func sortedIDs(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
