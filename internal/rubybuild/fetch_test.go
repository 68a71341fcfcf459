package rubybuild

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nativeFetcher wires a Fetcher to the built-in http client so tests can
// download from httptest servers without any client binary involved.
func nativeFetcher(t *testing.T, cfg *Config) *Fetcher {
	t.Helper()
	cfg.HTTPClient = "native"
	return NewFetcher(cfg, NewExecutor(context.Background(), io.Discard), io.Discard)
}

func TestSplitChecksumFragment(t *testing.T) {
	url, sum := splitChecksumFragment("https://example.org/a.tar.gz#deadbeef")
	assert.Equal(t, "https://example.org/a.tar.gz", url)
	assert.Equal(t, "deadbeef", sum)

	url, sum = splitChecksumFragment("https://example.org/a.tar.gz")
	assert.Equal(t, "https://example.org/a.tar.gz", url)
	assert.Empty(t, sum)
}

func TestUseMirror(t *testing.T) {
	cfg := testConfig(t)
	cfg.MirrorURL = "https://mirror.example.org"
	f := NewFetcher(cfg, nil, io.Discard)

	assert.True(t, f.useMirror("https://origin.example.org/a.tar.gz", "deadbeef"))
	assert.False(t, f.useMirror("https://origin.example.org/a.tar.gz", ""))
	assert.False(t, f.useMirror("https://mirror.example.org/deadbeef", "deadbeef"))

	cfg.SkipMirror = true
	assert.False(t, f.useMirror("https://origin.example.org/a.tar.gz", "deadbeef"))

	cfg.SkipMirror = false
	cfg.MirrorURL = ""
	assert.False(t, f.useMirror("https://origin.example.org/a.tar.gz", "deadbeef"))
}

func TestEnsureTarballReusesBuildDirCopy(t *testing.T) {
	cfg := testConfig(t)
	f := NewFetcher(cfg, nil, io.Discard)

	buildDir := t.TempDir()
	localPath := writeFile(t, buildDir, "hello-1.0.tar.gz", "tarball bytes")

	// With a verified copy already present no transport is consulted; a
	// nil executor would panic if the code tried to download.
	err := f.ensureTarball("https://example.invalid/hello-1.0.tar.gz",
		localPath, "hello-1.0.tar.gz", sha256Hex("tarball bytes"))
	require.NoError(t, err)
	assert.FileExists(t, localPath)
}

func TestEnsureTarballLinksFromCache(t *testing.T) {
	cacheDir := t.TempDir()
	cfg := testConfig(t)
	cfg.CachePath = cacheDir
	f := NewFetcher(cfg, nil, io.Discard)

	writeFile(t, cacheDir, "hello-1.0.tar.gz", "tarball bytes")

	buildDir := t.TempDir()
	localPath := filepath.Join(buildDir, "hello-1.0.tar.gz")
	err := f.ensureTarball("https://example.invalid/hello-1.0.tar.gz",
		localPath, "hello-1.0.tar.gz", sha256Hex("tarball bytes"))
	require.NoError(t, err)

	got, err := os.ReadFile(localPath)
	require.NoError(t, err)
	assert.Equal(t, "tarball bytes", string(got))
}

func TestFetchTarballFromBuildDir(t *testing.T) {
	cfg := testConfig(t)
	e := NewExecutor(context.Background(), io.Discard)
	f := NewFetcher(cfg, e, io.Discard)

	buildDir := t.TempDir()
	archive := filepath.Join(buildDir, "hello-1.0.tar.gz")
	writeTarGz(t, archive, []tarEntry{
		{name: "hello-1.0.20231201/", dir: true},
		{name: "hello-1.0.20231201/README", content: "hi\n"},
	})
	data, err := os.ReadFile(archive)
	require.NoError(t, err)

	desc := SourceDescriptor{
		Kind: SourceTarball,
		URL:  "https://example.invalid/hello-1.0.tar.gz#" + sha256Hex(string(data)),
	}
	srcDir, err := f.Fetch(desc, buildDir, "hello-1.0")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(buildDir, "hello-1.0"), srcDir)
	assert.FileExists(t, filepath.Join(srcDir, "README"))
	// The archive is removed once extracted unless the tree is kept.
	_, statErr := os.Stat(archive)
	assert.True(t, os.IsNotExist(statErr))
}

func TestFetchTarballSecondPackageSkipsFirstTree(t *testing.T) {
	cfg := testConfig(t)
	cfg.KeepBuildPath = true
	e := NewExecutor(context.Background(), io.Discard)
	f := NewFetcher(cfg, e, io.Discard)
	buildDir := t.TempDir()

	fetchOne := func(pkg, topDir string) string {
		archive := filepath.Join(buildDir, pkg+".tar.gz")
		writeTarGz(t, archive, []tarEntry{
			{name: topDir + "/", dir: true},
			{name: topDir + "/README", content: pkg + "\n"},
		})
		data, err := os.ReadFile(archive)
		require.NoError(t, err)
		desc := SourceDescriptor{
			Kind: SourceTarball,
			URL:  "https://example.invalid/" + pkg + ".tar.gz#" + sha256Hex(string(data)),
		}
		srcDir, err := f.Fetch(desc, buildDir, pkg)
		require.NoError(t, err)
		return srcDir
	}

	first := fetchOne("openssl-3.1.4", "openssl-3.1.4.build")
	second := fetchOne("ruby-3.2.2", "ruby-3.2.2.build")

	assert.Equal(t, filepath.Join(buildDir, "openssl-3.1.4"), first)
	assert.Equal(t, filepath.Join(buildDir, "ruby-3.2.2"), second)

	got, err := os.ReadFile(filepath.Join(first, "README"))
	require.NoError(t, err)
	assert.Equal(t, "openssl-3.1.4\n", string(got))
}

func TestFetchTarballUnsupportedSuffix(t *testing.T) {
	cfg := testConfig(t)
	f := NewFetcher(cfg, nil, io.Discard)

	_, err := f.Fetch(SourceDescriptor{
		Kind: SourceTarball,
		URL:  "https://example.invalid/hello-1.0.zip",
	}, t.TempDir(), "hello-1.0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archive format")
}

func TestDownloadChecksumMismatchKeepsArtifact(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "tarball bytes")
	}))
	defer origin.Close()

	f := nativeFetcher(t, testConfig(t))
	buildDir := t.TempDir()
	dest := filepath.Join(buildDir, "hello-1.0.tar.gz")

	err := f.download(origin.URL+"/hello-1.0.tar.gz", dest, sha256Hex("something else"))
	require.Error(t, err)

	var mismatch *ChecksumMismatchError
	require.ErrorAs(t, err, &mismatch)

	// The failed download stays put so a retained scratch tree holds the
	// bytes that did not verify.
	got, readErr := os.ReadFile(dest)
	require.NoError(t, readErr)
	assert.Equal(t, "tarball bytes", string(got))
}

func TestDownloadVerifiesFreshDownload(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "tarball bytes")
	}))
	defer origin.Close()

	f := nativeFetcher(t, testConfig(t))
	dest := filepath.Join(t.TempDir(), "hello-1.0.tar.gz")

	require.NoError(t, f.download(origin.URL+"/hello-1.0.tar.gz", dest, sha256Hex("tarball bytes")))
	assert.FileExists(t, dest)
}

func TestDownloadMirrorFallsBackToOrigin(t *testing.T) {
	var mirrorHits atomic.Int32
	mirror := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mirrorHits.Add(1)
		http.NotFound(w, r)
	}))
	defer mirror.Close()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "tarball bytes")
	}))
	defer origin.Close()

	cfg := testConfig(t)
	cfg.MirrorURL = mirror.URL
	f := nativeFetcher(t, cfg)
	dest := filepath.Join(t.TempDir(), "hello-1.0.tar.gz")

	checksum := sha256Hex("tarball bytes")
	require.NoError(t, f.download(origin.URL+"/hello-1.0.tar.gz", dest, checksum))

	assert.Positive(t, mirrorHits.Load())
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "tarball bytes", string(got))
}

func TestDownloadFromMirror(t *testing.T) {
	checksum := sha256Hex("tarball bytes")
	mirror := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/"+checksum {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, "tarball bytes")
	}))
	defer mirror.Close()

	var originHits atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		originHits.Add(1)
		http.Error(w, "origin must not be consulted", http.StatusInternalServerError)
	}))
	defer origin.Close()

	cfg := testConfig(t)
	cfg.MirrorURL = mirror.URL
	f := nativeFetcher(t, cfg)
	dest := filepath.Join(t.TempDir(), "hello-1.0.tar.gz")

	require.NoError(t, f.download(origin.URL+"/hello-1.0.tar.gz", dest, checksum))
	assert.Zero(t, originHits.Load())
}

func TestFetchGitMissingClient(t *testing.T) {
	t.Setenv("PATH", t.TempDir())

	cfg := testConfig(t)
	f := NewFetcher(cfg, NewExecutor(context.Background(), io.Discard), io.Discard)

	_, err := f.Fetch(SourceDescriptor{
		Kind: SourceGit,
		URL:  "https://github.com/ruby/ruby.git",
		Ref:  "master",
	}, t.TempDir(), "ruby-dev")
	require.Error(t, err)

	var missing *VcsClientMissingError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{"git"}, missing.Clients)
}

func TestFetchSvnMissingClient(t *testing.T) {
	t.Setenv("PATH", t.TempDir())

	cfg := testConfig(t)
	f := NewFetcher(cfg, NewExecutor(context.Background(), io.Discard), io.Discard)

	_, err := f.Fetch(SourceDescriptor{
		Kind:     SourceSvn,
		URL:      "https://svn.example.org/repo/trunk",
		Revision: "1234",
	}, t.TempDir(), "legacy-1.8")
	require.Error(t, err)

	var missing *VcsClientMissingError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{"svn", "svnlite"}, missing.Clients)
}
