// Package artifact persists the captured output of each job under
// <dir>/<package-name>/<version>. The existence of that file is what makes a
// run resumable.
package artifact

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/sweep/internal/job"
)

// Artifact describes one persisted job output.
type Artifact struct {
	Path   string
	Bytes  int
	Digest string
}

// Store is a filesystem-backed artifact tree rooted at Dir.
type Store struct {
	dir string
}

// NewStore returns a store rooted at dir. The directory is created on demand.
func NewStore(dir string) (*Store, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, fmt.Errorf("artifact directory is empty")
	}
	return &Store{dir: filepath.Clean(trimmed)}, nil
}

// Dir returns the root of the artifact tree.
func (s *Store) Dir() string { return s.dir }

// Init creates the root directory.
func (s *Store) Init() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create artifact directory: %w", err)
	}
	return nil
}

// Path returns where j's artifact lives.
func (s *Store) Path(j job.Job) (string, error) {
	if err := job.ValidateName(j.Name); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, j.Name, j.Version.String()), nil
}

// Exists reports whether j already has an artifact.
func (s *Store) Exists(j job.Job) bool {
	p, err := s.Path(j)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// Write stores output as j's artifact, replacing any previous one. The file
// is written to a temporary sibling and renamed so readers never observe a
// partial artifact.
func (s *Store) Write(ctx context.Context, j job.Job, output string) (Artifact, error) {
	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}
	p, err := s.Path(j)
	if err != nil {
		return Artifact{}, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return Artifact{}, fmt.Errorf("create artifact directory for %s: %w", j.Name, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), "."+filepath.Base(p)+".*")
	if err != nil {
		return Artifact{}, fmt.Errorf("create temp artifact: %w", err)
	}
	if _, err := tmp.WriteString(output); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return Artifact{}, fmt.Errorf("write artifact %s: %w", p, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return Artifact{}, fmt.Errorf("close artifact %s: %w", p, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		_ = os.Remove(tmp.Name())
		return Artifact{}, fmt.Errorf("chmod artifact %s: %w", p, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		_ = os.Remove(tmp.Name())
		return Artifact{}, fmt.Errorf("rename artifact %s: %w", p, err)
	}

	return Artifact{Path: p, Bytes: len(output), Digest: Digest(output)}, nil
}

// Read returns j's artifact content.
func (s *Store) Read(j job.Job) (string, error) {
	p, err := s.Path(j)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return "", fmt.Errorf("read artifact: %w", err)
	}
	return string(data), nil
}

// Count walks the tree and returns the number of artifacts on disk.
func (s *Store) Count(ctx context.Context) (int, error) {
	n := 0
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) && path == s.dir {
				return fs.SkipAll
			}
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.Type().IsRegular() && strings.Count(filepath.ToSlash(mustRel(s.dir, path)), "/") == 1 && !strings.HasPrefix(d.Name(), ".") {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count artifacts: %w", err)
	}
	return n, nil
}

// Digest returns the hex BLAKE3 digest of output.
func Digest(output string) string {
	sum := blake3.Sum256([]byte(output))
	return hex.EncodeToString(sum[:])
}

func mustRel(base, path string) string {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return path
	}
	return rel
}
