// Package versioncheck compares the format versions stamped into the store
// schema and archive bundles against the versions this binary understands.
package versioncheck

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// Versions written by this binary.
const (
	SchemaVersion = "v1.2.0"
	BundleVersion = "v1.0.0"
)

// ErrIncompatible is returned when data was written in a format this binary
// cannot read.
var ErrIncompatible = errors.New("incompatible format version")

// Canonical returns v with a "v" prefix, or "" if it is not valid semver.
func Canonical(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return ""
	}
	return semver.Canonical(v)
}

// Compatible reports whether data stamped with version found can be read by
// a binary that writes version supported. Majors must match, and data from a
// newer minor is rejected because it may carry columns or fields this binary
// would silently drop on rewrite.
func Compatible(found, supported string) error {
	f, s := Canonical(found), Canonical(supported)
	if f == "" {
		return fmt.Errorf("%w: invalid version %q", ErrIncompatible, found)
	}
	if s == "" {
		return fmt.Errorf("%w: invalid supported version %q", ErrIncompatible, supported)
	}
	if semver.Major(f) != semver.Major(s) {
		return fmt.Errorf("%w: found %s, supported %s", ErrIncompatible, f, semver.Major(s))
	}
	if semver.Compare(semver.MajorMinor(f), semver.MajorMinor(s)) > 0 {
		return fmt.Errorf("%w: found %s is newer than %s", ErrIncompatible, f, s)
	}
	return nil
}

// IsOutdated reports whether current sorts before latest.
func IsOutdated(current, latest string) bool {
	c, l := Canonical(current), Canonical(latest)
	if c == "" || l == "" {
		return false
	}
	return semver.Compare(c, l) < 0
}
