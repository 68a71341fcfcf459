package rubybuild

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedCacheTarball writes a tarball straight into the cache directory and
// returns its checksum, so Install can run without any network access.
func seedCacheTarball(t *testing.T, cacheDir, filename, topDir string) string {
	t.Helper()
	path := filepath.Join(cacheDir, filename)
	writeTarGz(t, path, []tarEntry{
		{name: topDir + "/", dir: true},
		{name: topDir + "/bin/", dir: true},
		{name: topDir + "/bin/hello", content: "#!/bin/sh\necho hi\n"},
	})
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return sha256Hex(string(data))
}

func installTestConfig(t *testing.T) *Config {
	t.Helper()
	cfg := testConfig(t)
	cfg.CachePath = t.TempDir()
	cfg.BuildPath = t.TempDir()
	cfg.MakeProgram = "make"
	return cfg
}

func TestInstallCopyFiles(t *testing.T) {
	cfg := installTestConfig(t)
	checksum := seedCacheTarball(t, cfg.CachePath, "hello-1.0.tar.gz", "hello-1.0")

	def := &Definition{
		Name: "hello-1.0",
		Entries: []DefinitionEntry{{
			Package: "hello-1.0",
			Source: SourceDescriptor{
				Kind: SourceTarball,
				URL:  "https://example.invalid/hello-1.0.tar.gz#" + checksum,
			},
			Steps: []string{"copy_files"},
		}},
	}

	prefix := t.TempDir()
	res, err := Install(context.Background(), cfg, def, prefix)
	require.NoError(t, err)

	assert.Equal(t, prefix, res.Prefix)
	assert.FileExists(t, filepath.Join(prefix, "bin", "hello"))

	// Success removes the scratch tree and the log.
	entries, err := os.ReadDir(cfg.BuildPath)
	require.NoError(t, err)
	assert.Empty(t, entries)
	_, statErr := os.Stat(res.LogPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestInstallKeepBuildPath(t *testing.T) {
	cfg := installTestConfig(t)
	cfg.KeepBuildPath = true
	checksum := seedCacheTarball(t, cfg.CachePath, "hello-1.0.tar.gz", "hello-1.0")

	def := &Definition{
		Name: "hello-1.0",
		Entries: []DefinitionEntry{{
			Package: "hello-1.0",
			Source: SourceDescriptor{
				Kind: SourceTarball,
				URL:  "https://example.invalid/hello-1.0.tar.gz#" + checksum,
			},
			Steps: []string{"copy_files"},
		}},
	}

	res, err := Install(context.Background(), cfg, def, t.TempDir())
	require.NoError(t, err)
	assert.DirExists(t, res.BuildDir)
	assert.DirExists(t, filepath.Join(res.BuildDir, "hello-1.0"))
	t.Cleanup(func() { os.Remove(res.LogPath) })
}

func TestInstallMultiEntry(t *testing.T) {
	cfg := installTestConfig(t)
	sumA := seedCacheTarball(t, cfg.CachePath, "liba-1.0.tar.gz", "liba-1.0")
	sumB := seedCacheTarball(t, cfg.CachePath, "hello-1.0.tar.gz", "hello-1.0")

	def := &Definition{
		Name: "hello-1.0",
		Entries: []DefinitionEntry{
			{
				Package: "liba-1.0",
				Source: SourceDescriptor{
					Kind: SourceTarball,
					URL:  "https://example.invalid/liba-1.0.tar.gz#" + sumA,
				},
				Steps: []string{"copy_files"},
			},
			{
				Package: "hello-1.0",
				Source: SourceDescriptor{
					Kind: SourceTarball,
					URL:  "https://example.invalid/hello-1.0.tar.gz#" + sumB,
				},
				Steps: []string{"copy_files", "eol_warning"},
			},
		},
	}

	prefix := t.TempDir()
	_, err := Install(context.Background(), cfg, def, prefix)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(prefix, "bin", "hello"))
}

func TestInstallSkipsDisabledEntries(t *testing.T) {
	cfg := installTestConfig(t)
	checksum := seedCacheTarball(t, cfg.CachePath, "hello-1.0.tar.gz", "hello-1.0")

	def := &Definition{
		Name: "hello-1.0",
		Entries: []DefinitionEntry{
			{
				Package:   "never-1.0",
				Source:    SourceDescriptor{Kind: SourceTarball, URL: "https://example.invalid/never-1.0.tar.gz"},
				Steps:     []string{"copy_files"},
				Predicate: "needs_quantum_computer",
			},
			{
				Package: "hello-1.0",
				Source: SourceDescriptor{
					Kind: SourceTarball,
					URL:  "https://example.invalid/hello-1.0.tar.gz#" + checksum,
				},
				Steps: []string{"copy_files"},
			},
		},
	}

	prefix := t.TempDir()
	_, err := Install(context.Background(), cfg, def, prefix)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(prefix, "bin", "hello"))
}

func TestInstallUnknownStepFailsBeforeFetch(t *testing.T) {
	cfg := installTestConfig(t)

	def := &Definition{
		Name: "hello-1.0",
		Entries: []DefinitionEntry{{
			Package: "hello-1.0",
			Source:  SourceDescriptor{Kind: SourceTarball, URL: "https://example.invalid/hello-1.0.tar.gz"},
			Steps:   []string{"frobnicate"},
		}},
	}

	_, err := Install(context.Background(), cfg, def, t.TempDir())
	require.Error(t, err)

	var unknown *UnknownBuildStepError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "frobnicate", unknown.Step)

	// Nothing was fetched, so the empty scratch directory is removed even
	// on failure.
	entries, readErr := os.ReadDir(cfg.BuildPath)
	require.NoError(t, readErr)
	assert.Empty(t, entries)
}

func TestInstallChecksumMismatchRetainsScratch(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "not the expected tarball")
	}))
	defer origin.Close()

	cfg := installTestConfig(t)
	cfg.CachePath = ""
	cfg.HTTPClient = "native"

	def := &Definition{
		Name: "hello-1.0",
		Entries: []DefinitionEntry{{
			Package: "hello-1.0",
			Source: SourceDescriptor{
				Kind: SourceTarball,
				URL:  origin.URL + "/hello-1.0.tar.gz#" + sha256Hex("the expected tarball"),
			},
			Steps: []string{"copy_files"},
		}},
	}

	_, err := Install(context.Background(), cfg, def, t.TempDir())
	require.Error(t, err)

	var mismatch *ChecksumMismatchError
	require.ErrorAs(t, err, &mismatch)

	// The scratch directory survives, with the mismatched download inside
	// it for inspection.
	entries, readErr := os.ReadDir(cfg.BuildPath)
	require.NoError(t, readErr)
	require.Len(t, entries, 1)
	scratch := filepath.Join(cfg.BuildPath, entries[0].Name())
	assert.FileExists(t, filepath.Join(scratch, "hello-1.0.tar.gz"))
}

func TestTailLines(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "build.log", "one\ntwo\nthree\nfour\n")

	assert.Equal(t, []string{"three", "four"}, tailLines(path, 2))
	assert.Equal(t, []string{"one", "two", "three", "four"}, tailLines(path, 10))
	assert.Nil(t, tailLines(filepath.Join(dir, "absent.log"), 2))
}

func TestTailLogStopTwice(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "build.log", "line\n")

	stop := tailLog(path)
	stop()
	stop() // must not panic or block
}

func TestDirHasEntries(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, dirHasEntries(dir))
	writeFile(t, dir, "a", "x")
	assert.True(t, dirHasEntries(dir))
	assert.False(t, dirHasEntries(filepath.Join(dir, "missing")))
}
