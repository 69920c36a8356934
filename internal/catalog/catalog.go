// Package catalog turns the crates.io database dump into the ordered list of
// jobs a run should process.
package catalog

import (
	"archive/tar"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path"
	"slices"
	"strconv"

	"github.com/blang/semver"
	"github.com/klauspost/pgzip"

	"github.com/mattjoyce/sweep/internal/job"
	"github.com/mattjoyce/sweep/internal/log"
)

// ErrIncompleteDump is returned when the archive lacks one of the required tables.
var ErrIncompleteDump = errors.New("database dump is missing required tables")

const (
	cratesTable    = "crates.csv"
	versionsTable  = "versions.csv"
	downloadsTable = "recent_crate_downloads.csv"
)

// Crate is one package with the version a run would test by default.
type Crate struct {
	Name            string
	Version         semver.Version
	RecentDownloads int64
}

// Job returns the crate as a job.
func (c Crate) Job() job.Job {
	return job.Job{Name: c.Name, Version: c.Version}
}

// Catalog is a list of crates ranked by recent downloads, most popular first.
type Catalog struct {
	crates []Crate
	rank   map[string]int
}

// New ranks crates and returns a catalog over them.
func New(crates []Crate) *Catalog {
	ranked := slices.Clone(crates)
	slices.SortStableFunc(ranked, func(a, b Crate) int {
		switch {
		case a.RecentDownloads > b.RecentDownloads:
			return -1
		case a.RecentDownloads < b.RecentDownloads:
			return 1
		default:
			return 0
		}
	})
	rank := make(map[string]int, len(ranked))
	for i, c := range ranked {
		if _, ok := rank[c.Name]; !ok {
			rank[c.Name] = i
		}
	}
	return &Catalog{crates: ranked, rank: rank}
}

// Len returns the number of crates.
func (c *Catalog) Len() int { return len(c.crates) }

// Crates returns a copy of all crates in rank order.
func (c *Catalog) Crates() []Crate { return slices.Clone(c.crates) }

// Top returns the n most downloaded crates, or all of them when n exceeds the
// catalog. n <= 0 selects nothing.
func (c *Catalog) Top(n int) []Crate {
	if n <= 0 {
		return nil
	}
	if n >= len(c.crates) {
		return c.Crates()
	}
	return slices.Clone(c.crates[:n])
}

// Lookup finds a crate by name.
func (c *Catalog) Lookup(name string) (Crate, bool) {
	i, ok := c.rank[name]
	if !ok {
		return Crate{}, false
	}
	return c.crates[i], true
}

// Resolve maps crate-list tokens onto catalog entries. Unknown names are
// dropped. A pinned version overrides the catalog version. The result is
// sorted by recent downloads, most popular first.
func (c *Catalog) Resolve(tokens []job.Token) []Crate {
	out := make([]Crate, 0, len(tokens))
	for _, tok := range tokens {
		cr, ok := c.Lookup(tok.Name)
		if !ok {
			log.WithComponent("catalog").Debug("crate not in catalog, skipping", "crate", tok.Name)
			continue
		}
		if tok.Version != nil {
			cr.Version = *tok.Version
		}
		out = append(out, cr)
	}
	slices.SortStableFunc(out, func(a, b Crate) int {
		switch {
		case a.RecentDownloads > b.RecentDownloads:
			return -1
		case a.RecentDownloads < b.RecentDownloads:
			return 1
		default:
			return 0
		}
	})
	return out
}

// Less orders jobs by catalog rank, most popular first. Names missing from
// the catalog sort last.
func (c *Catalog) Less(a, b job.Job) bool {
	return c.position(a.Name) < c.position(b.Name)
}

func (c *Catalog) position(name string) int {
	if i, ok := c.rank[name]; ok {
		return i
	}
	return len(c.crates)
}

// Jobs converts crates to jobs, preserving order.
func Jobs(crates []Crate) []job.Job {
	out := make([]job.Job, len(crates))
	for i, c := range crates {
		out[i] = c.Job()
	}
	return out
}

// Parse reads a gzipped tarball in the crates.io db-dump layout. For each
// crate the highest non-yanked version is chosen, preferring stable
// releases over pre-releases.
func Parse(r io.Reader) (*Catalog, error) {
	gz, err := pgzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	var (
		names     map[string]string
		versions  map[string][]semver.Version
		downloads map[string]int64
	)

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		switch path.Base(hdr.Name) {
		case cratesTable:
			if names, err = readCrates(tr); err != nil {
				return nil, err
			}
		case versionsTable:
			if versions, err = readVersions(tr); err != nil {
				return nil, err
			}
		case downloadsTable:
			if downloads, err = readDownloads(tr); err != nil {
				return nil, err
			}
		}
	}

	if names == nil || versions == nil {
		return nil, ErrIncompleteDump
	}

	crates := make([]Crate, 0, len(names))
	for id, name := range names {
		v, ok := pickVersion(versions[id])
		if !ok {
			continue
		}
		if err := job.ValidateName(name); err != nil {
			continue
		}
		crates = append(crates, Crate{Name: name, Version: v, RecentDownloads: downloads[id]})
	}
	// Equal download counts fall back to name order so the catalog is deterministic.
	slices.SortFunc(crates, func(a, b Crate) int {
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})
	return New(crates), nil
}

func pickVersion(vs []semver.Version) (semver.Version, bool) {
	var best, bestPre *semver.Version
	for i := range vs {
		v := &vs[i]
		if len(v.Pre) == 0 {
			if best == nil || v.GT(*best) {
				best = v
			}
		} else if bestPre == nil || v.GT(*bestPre) {
			bestPre = v
		}
	}
	switch {
	case best != nil:
		return *best, true
	case bestPre != nil:
		return *bestPre, true
	default:
		return semver.Version{}, false
	}
}

type table struct {
	r   *csv.Reader
	col map[string]int
}

func openTable(r io.Reader, name string, required ...string) (*table, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("%s: read header: %w", name, err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[h] = i
	}
	for _, req := range required {
		if _, ok := col[req]; !ok {
			return nil, fmt.Errorf("%s: missing column %q", name, req)
		}
	}
	return &table{r: cr, col: col}, nil
}

func (t *table) each(fn func(get func(string) string) error) error {
	for {
		rec, err := t.r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		get := func(c string) string {
			i := t.col[c]
			if i >= len(rec) {
				return ""
			}
			return rec[i]
		}
		if err := fn(get); err != nil {
			return err
		}
	}
}

func readCrates(r io.Reader) (map[string]string, error) {
	t, err := openTable(r, cratesTable, "id", "name")
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	err = t.each(func(get func(string) string) error {
		out[get("id")] = get("name")
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cratesTable, err)
	}
	return out, nil
}

func readVersions(r io.Reader) (map[string][]semver.Version, error) {
	t, err := openTable(r, versionsTable, "crate_id", "num")
	if err != nil {
		return nil, err
	}
	_, hasYanked := t.col["yanked"]
	out := make(map[string][]semver.Version)
	err = t.each(func(get func(string) string) error {
		if hasYanked && get("yanked") == "t" {
			return nil
		}
		v, err := semver.Parse(get("num"))
		if err != nil {
			return nil
		}
		id := get("crate_id")
		out[id] = append(out[id], v)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", versionsTable, err)
	}
	return out, nil
}

func readDownloads(r io.Reader) (map[string]int64, error) {
	t, err := openTable(r, downloadsTable, "crate_id", "downloads")
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64)
	err = t.each(func(get func(string) string) error {
		n, err := strconv.ParseInt(get("downloads"), 10, 64)
		if err != nil {
			return nil
		}
		out[get("crate_id")] = n
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", downloadsTable, err)
	}
	return out, nil
}
