package catalog

import (
	"archive/tar"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/sweep/internal/job"
)

const (
	testCrates = "id,name,description\n1,serde,x\n2,libc,y\n3,tiny,z\n4,gone,w\n"
	testVersions = "id,crate_id,num,yanked\n" +
		"10,1,1.0.0,f\n11,1,1.0.200,f\n12,1,2.0.0-alpha.1,f\n" +
		"20,2,0.2.150,f\n21,2,0.2.151,t\n" +
		"30,3,0.1.0-rc.1,f\n" +
		"40,4,1.0.0,t\n"
	testDownloads = "crate_id,downloads\n1,300\n2,200\n3,1\n4,999\n"
)

func makeDump(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := pgzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, body := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     "2024-01-01-020017/data/" + name,
			Mode:     0o644,
			Size:     int64(len(body)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func fullDump(t *testing.T) []byte {
	return makeDump(t, map[string]string{
		"crates.csv":                 testCrates,
		"versions.csv":               testVersions,
		"recent_crate_downloads.csv": testDownloads,
	})
}

func TestParse(t *testing.T) {
	c, err := Parse(bytes.NewReader(fullDump(t)))
	require.NoError(t, err)

	// "gone" has only yanked versions.
	require.Equal(t, 3, c.Len())

	var got []string
	for _, cr := range c.Crates() {
		got = append(got, cr.Job().Key())
	}
	assert.Equal(t, []string{"serde==1.0.200", "libc==0.2.150", "tiny==0.1.0-rc.1"}, got)

	serde, ok := c.Lookup("serde")
	require.True(t, ok)
	assert.Equal(t, int64(300), serde.RecentDownloads)
}

func TestParseIncompleteDump(t *testing.T) {
	_, err := Parse(bytes.NewReader(makeDump(t, map[string]string{"crates.csv": testCrates})))
	assert.ErrorIs(t, err, ErrIncompleteDump)
}

func TestParseMissingColumn(t *testing.T) {
	dump := makeDump(t, map[string]string{
		"crates.csv":   "id,title\n1,serde\n",
		"versions.csv": testVersions,
	})
	_, err := Parse(bytes.NewReader(dump))
	assert.ErrorContains(t, err, `missing column "name"`)
}

func TestTop(t *testing.T) {
	c, err := Parse(bytes.NewReader(fullDump(t)))
	require.NoError(t, err)

	top := c.Top(2)
	require.Len(t, top, 2)
	assert.Equal(t, "serde", top[0].Name)
	assert.Equal(t, "libc", top[1].Name)

	assert.Empty(t, c.Top(0))
	assert.Empty(t, c.Top(-1))
	assert.Len(t, c.Top(50), 3)
}

func TestResolve(t *testing.T) {
	c, err := Parse(bytes.NewReader(fullDump(t)))
	require.NoError(t, err)

	tokens := job.ParseList("tiny libc==0.2.1\nunknown serde")

	got := Jobs(c.Resolve(tokens))
	require.Len(t, got, 3)
	assert.Equal(t, "serde==1.0.200", got[0].Key())
	assert.Equal(t, "libc==0.2.1", got[1].Key(), "pinned version wins")
	assert.Equal(t, "tiny==0.1.0-rc.1", got[2].Key())
}

func TestLessRanksByPopularity(t *testing.T) {
	c := New([]Crate{
		{Name: "a", Version: job.MustNew("a", "1.0.0").Version, RecentDownloads: 1},
		{Name: "b", Version: job.MustNew("b", "1.0.0").Version, RecentDownloads: 10},
	})
	a := job.MustNew("a", "1.0.0")
	b := job.MustNew("b", "1.0.0")
	unknown := job.MustNew("zzz", "1.0.0")

	assert.True(t, c.Less(b, a))
	assert.False(t, c.Less(a, b))
	assert.True(t, c.Less(a, unknown))
}

func TestFetcherDownloadsAndCaches(t *testing.T) {
	dump := fullDump(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write(dump)
	}))
	defer srv.Close()

	f := &Fetcher{URL: srv.URL, CacheDir: t.TempDir(), MaxAge: time.Hour, Client: srv.Client()}

	c, err := f.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, c.Len())

	_, err = f.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load(), "second load should hit the cache")

	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(f.CachePath(), old, old))
	_, err = f.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load(), "stale cache should be refreshed")
}

func TestFetcherRetriesServerErrors(t *testing.T) {
	dump := fullDump(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write(dump)
	}))
	defer srv.Close()

	f := &Fetcher{
		URL:      srv.URL,
		CacheDir: t.TempDir(),
		Client:   NewHTTPClient(RetryConfig{MaxRetries: 5, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}),
	}
	c, err := f.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, c.Len())
	assert.Equal(t, int32(3), hits.Load())
}

func TestFetcherFailsOnBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := &Fetcher{URL: srv.URL, CacheDir: t.TempDir(), Client: srv.Client()}
	_, err := f.Fetch(context.Background())
	assert.ErrorContains(t, err, "unexpected status")
}
