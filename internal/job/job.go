// Package job defines the unit of work: one package at one exact version.
package job

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/blang/semver"

	"github.com/mattjoyce/sweep/internal/log"
)

// Separator joins a package name and version in requests, keys and crate lists.
const Separator = "=="

var (
	ErrEmptyName   = errors.New("package name is empty")
	ErrInvalidName = errors.New("package name contains whitespace or separator")
)

// Job identifies one (package, version) pair. Immutable once enqueued.
type Job struct {
	Name    string
	Version semver.Version
}

// New validates name and parses version.
func New(name, version string) (Job, error) {
	if err := ValidateName(name); err != nil {
		return Job{}, err
	}
	v, err := ParseVersion(version)
	if err != nil {
		return Job{}, fmt.Errorf("package %q: %w", name, err)
	}
	return Job{Name: name, Version: v}, nil
}

// MustNew is New for tests and literals; it panics on error.
func MustNew(name, version string) Job {
	j, err := New(name, version)
	if err != nil {
		panic(err)
	}
	return j
}

// ParseVersion parses a semantic version, tolerating a leading "v" and
// missing minor/patch components.
func ParseVersion(s string) (semver.Version, error) {
	v, err := semver.ParseTolerant(strings.TrimSpace(s))
	if err != nil {
		return semver.Version{}, fmt.Errorf("invalid version %q: %w", s, err)
	}
	return v, nil
}

// ValidateName rejects names that would break the line protocol or the
// artifact layout.
func ValidateName(name string) error {
	if name == "" {
		return ErrEmptyName
	}
	if strings.Contains(name, Separator) || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	for _, r := range name {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	return nil
}

// Key returns the unique "name==version" identity of the job.
func (j Job) Key() string {
	return j.Name + Separator + j.Version.String()
}

func (j Job) String() string {
	return j.Name + " " + j.Version.String()
}

// Compare orders jobs by name, then by semantic version.
func (j Job) Compare(o Job) int {
	if c := strings.Compare(j.Name, o.Name); c != 0 {
		return c
	}
	return j.Version.Compare(o.Version)
}

// Token is one entry of a crate list: a name with an optional pinned version.
type Token struct {
	Name    string
	Version *semver.Version
}

// ParseToken parses "name" or "name==version".
func ParseToken(s string) (Token, error) {
	name, version, pinned := strings.Cut(strings.TrimSpace(s), Separator)
	if err := ValidateName(name); err != nil {
		return Token{}, err
	}
	if !pinned {
		return Token{Name: name}, nil
	}
	v, err := ParseVersion(version)
	if err != nil {
		return Token{}, fmt.Errorf("package %q: %w", name, err)
	}
	return Token{Name: name, Version: &v}, nil
}

// ParseList splits a whitespace-separated crate list into tokens. Malformed
// entries are logged and skipped.
func ParseList(s string) []Token {
	fields := strings.Fields(s)
	tokens := make([]Token, 0, len(fields))
	for i, f := range fields {
		tok, err := ParseToken(f)
		if err != nil {
			log.WithComponent("job").Debug("malformed crate list entry, skipping", "entry", i+1, "token", f, "error", err)
			continue
		}
		tokens = append(tokens, tok)
	}
	return tokens
}
