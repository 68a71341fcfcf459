package rubybuild

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
)

// SourceKind selects the acquisition method for a package.
type SourceKind int

const (
	SourceTarball SourceKind = iota
	SourceGit
	SourceSvn
)

// SourceDescriptor identifies exactly one way to obtain a package's source.
type SourceDescriptor struct {
	Kind     SourceKind
	URL      string
	Checksum string // tarballs; empty skips verification
	Ref      string // git branch, tag or commit
	Revision string // svn revision
}

// splitChecksumFragment splits a "url#checksum" form into its parts.
func splitChecksumFragment(rawURL string) (string, string) {
	if idx := strings.Index(rawURL, "#"); idx != -1 {
		return rawURL[:idx], rawURL[idx+1:]
	}
	return rawURL, ""
}

// Fetcher retrieves package sources into the scratch build directory using
// the cache, the mirror and the selected transport backend.
type Fetcher struct {
	cfg     *Config
	cache   *Cache
	exec    *Executor
	log     io.Writer
	claimed map[string]bool // source tree names fetched earlier this run
}

func NewFetcher(cfg *Config, e *Executor, log io.Writer) *Fetcher {
	return &Fetcher{
		cfg:     cfg,
		cache:   NewCache(cfg.CachePath),
		exec:    e,
		log:     log,
		claimed: make(map[string]bool),
	}
}

// Fetch acquires the descriptor's source into buildDir and returns the path
// of the package's source tree.
func (f *Fetcher) Fetch(desc SourceDescriptor, buildDir, pkgName string) (string, error) {
	var (
		srcDir string
		err    error
	)
	switch desc.Kind {
	case SourceGit:
		srcDir, err = f.fetchGit(desc, buildDir, pkgName)
	case SourceSvn:
		srcDir, err = f.fetchSvn(desc, buildDir, pkgName)
	default:
		srcDir, err = f.fetchTarball(desc, buildDir, pkgName)
	}
	if err != nil {
		return "", err
	}
	f.claimed[pkgName] = true
	return srcDir, nil
}

func (f *Fetcher) fetchTarball(desc SourceDescriptor, buildDir, pkgName string) (string, error) {
	rawURL, checksum := splitChecksumFragment(desc.URL)
	if desc.Checksum != "" {
		checksum = desc.Checksum
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid source URL %q: %w", rawURL, err)
	}
	filename := path.Base(u.Path)
	format, ok := archiveFormatFor(filename)
	if !ok {
		return "", fmt.Errorf("cannot determine archive format of %s", filename)
	}
	debugf("Tarball %s: format %s, checksum %q\n", filename, format, checksum)

	localPath := filepath.Join(buildDir, filename)
	if err := f.ensureTarball(rawURL, localPath, filename, checksum); err != nil {
		return "", err
	}

	colArrow.Print("-> ")
	colSuccess.Printf("Installing %s from %s\n", pkgName, filename)
	if err := extractArchive(f.exec, localPath, buildDir); err != nil {
		return "", fmt.Errorf("failed to extract %s: %w", filename, err)
	}
	srcDir, err := adoptExtractedDir(buildDir, pkgName, f.claimed)
	if err != nil {
		return "", err
	}
	if !f.cfg.KeepBuildPath {
		os.Remove(localPath)
	}
	return srcDir, nil
}

// ensureTarball leaves a verified copy (or cache symlink) of the archive at
// localPath, downloading only when neither the build directory nor the
// cache already holds usable bytes.
func (f *Fetcher) ensureTarball(rawURL, localPath, filename, checksum string) error {
	// A same-named, verified file already sitting in the build directory is
	// reused without touching the cache or the network.
	if _, err := os.Stat(localPath); err == nil {
		if err := VerifyChecksum(localPath, checksum); err == nil {
			debugf("Reusing %s from build directory\n", localPath)
			return nil
		}
		os.Remove(localPath)
	}

	fetch := func() error {
		if ok, err := f.cache.LinkTarball(filepath.Dir(localPath), filename, checksum); err != nil {
			return err
		} else if ok {
			return nil
		}
		if err := f.download(rawURL, localPath, checksum); err != nil {
			return err
		}
		return f.cache.StoreTarball(filepath.Dir(localPath), filename)
	}

	if f.cache.Enabled() {
		if err := os.MkdirAll(f.cache.Dir, 0o755); err != nil {
			return fmt.Errorf("failed to create cache directory %s: %w", f.cache.Dir, err)
		}
		return f.cache.withDownloadLock(filepath.Join(f.cache.Dir, filename), fetch)
	}
	return fetch()
}

// download tries the mirror first when one applies, falling back to the
// origin URL. Each side is attempted at most once.
func (f *Fetcher) download(rawURL, dest, checksum string) error {
	transport, err := f.cfg.Transport(f.exec)
	if err != nil {
		return err
	}

	colArrow.Print("-> ")
	colSuccess.Printf("Downloading %s\n", filepath.Base(dest))

	if f.useMirror(rawURL, checksum) {
		if err := f.downloadFromMirror(transport, dest, checksum); err == nil {
			return nil
		} else {
			debugf("Mirror failed for %s, falling back to origin: %v\n", rawURL, err)
		}
	}

	if err := transport.Get(rawURL, dest); err != nil {
		return err
	}
	// A mismatched download stays in the build directory so the retained
	// scratch tree holds the bytes that failed verification.
	return VerifyChecksum(dest, checksum)
}

// useMirror reports whether the mirror should be tried for this origin.
// The mirror keys artifacts by checksum, so checksum-less sources always go
// to the origin, as do URLs that already point at the mirror.
func (f *Fetcher) useMirror(rawURL, checksum string) bool {
	if f.cfg.MirrorURL == "" || f.cfg.SkipMirror || checksum == "" {
		return false
	}
	return !strings.HasPrefix(rawURL, f.cfg.MirrorURL)
}

func (f *Fetcher) downloadFromMirror(transport Transport, dest, checksum string) error {
	if isS3URL(f.cfg.MirrorURL) {
		mirror, err := newS3Mirror(f.exec.Context, f.cfg, f.cfg.MirrorURL)
		if err != nil {
			return err
		}
		if err := mirror.Head(checksum); err != nil {
			return err
		}
		if err := mirror.Get(checksum, dest); err != nil {
			return err
		}
	} else {
		mirrorURL := f.cfg.MirrorURL + "/" + checksum
		if err := transport.Head(mirrorURL); err != nil {
			return err
		}
		if err := transport.Get(mirrorURL, dest); err != nil {
			return err
		}
	}
	// A mismatch here falls back to the origin, whose download replaces
	// these bytes through the same temp-name rename.
	if err := VerifyChecksum(dest, checksum); err != nil {
		return err
	}
	debugf("Fetched %s from mirror\n", filepath.Base(dest))
	return nil
}

func (f *Fetcher) fetchGit(desc SourceDescriptor, buildDir, pkgName string) (string, error) {
	if _, err := exec.LookPath("git"); err != nil {
		return "", &VcsClientMissingError{Clients: []string{"git"}}
	}

	remote := desc.URL
	if f.cache.Enabled() {
		mirror, err := f.updateGitMirror(desc)
		if err != nil {
			// The bare mirror is an optimization; a stale or unreachable
			// cache never blocks the clone from the original remote.
			debugf("Git mirror update failed, cloning from origin: %v\n", err)
		} else {
			remote = mirror
		}
	}

	dest := filepath.Join(buildDir, pkgName)
	colArrow.Print("-> ")
	colSuccess.Printf("Cloning %s at %s\n", desc.URL, desc.Ref)

	if _, err := os.Stat(filepath.Join(dest, ".git")); err == nil {
		// Existing working copy: fetch the ref shallowly and hard-reset the
		// local branch to it.
		if err := f.exec.Run(exec.Command("git", "-C", dest, "fetch", "--depth", "1", "origin", desc.Ref)); err != nil {
			return "", fmt.Errorf("git fetch failed: %w", err)
		}
		if err := f.exec.Run(exec.Command("git", "-C", dest, "reset", "--hard", "FETCH_HEAD")); err != nil {
			return "", fmt.Errorf("git reset failed: %w", err)
		}
		return dest, nil
	}

	cmd := exec.Command("git", "clone", "--depth", "1", "--branch", desc.Ref, remote, dest)
	if err := f.exec.Run(cmd); err != nil {
		return "", fmt.Errorf("git clone failed: %w", err)
	}
	return dest, nil
}

// updateGitMirror keeps a bare mirror repository in the cache directory,
// cloning it on first use and fetching updates afterwards. Returns the
// mirror path to clone from.
func (f *Fetcher) updateGitMirror(desc SourceDescriptor) (string, error) {
	mirror := f.cache.GitMirrorPath(desc.URL)
	if err := os.MkdirAll(f.cache.Dir, 0o755); err != nil {
		return "", err
	}
	err := f.cache.withDownloadLock(mirror, func() error {
		if _, err := os.Stat(mirror); err == nil {
			return f.exec.Run(exec.Command("git", "-C", mirror, "remote", "update", "--prune"))
		}
		return f.exec.Run(exec.Command("git", "clone", "--mirror", desc.URL, mirror))
	})
	if err != nil {
		return "", err
	}
	return mirror, nil
}

func (f *Fetcher) fetchSvn(desc SourceDescriptor, buildDir, pkgName string) (string, error) {
	var client string
	for _, candidate := range []string{"svn", "svnlite"} {
		if _, err := exec.LookPath(candidate); err == nil {
			client = candidate
			break
		}
	}
	if client == "" {
		return "", &VcsClientMissingError{Clients: []string{"svn", "svnlite"}}
	}

	dest := filepath.Join(buildDir, pkgName)
	colArrow.Print("-> ")
	colSuccess.Printf("Checking out %s at r%s\n", desc.URL, desc.Revision)

	args := []string{"checkout", "-q"}
	if desc.Revision != "" {
		args = append(args, "-r", desc.Revision)
	}
	args = append(args, desc.URL, dest)
	if err := f.exec.Run(exec.Command(client, args...)); err != nil {
		return "", fmt.Errorf("svn checkout failed: %w", err)
	}
	return dest, nil
}
