package rubybuild

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Cache maps source descriptors to reusable artifacts under a persistent
// directory shared across runs. Entries are never mutated in place, only
// replaced whole; separate invocations racing on first population are
// serialized with file locks.
type Cache struct {
	Dir string // empty disables caching
}

func NewCache(dir string) *Cache {
	return &Cache{Dir: dir}
}

func (c *Cache) Enabled() bool { return c.Dir != "" }

// withDownloadLock holds an exclusive flock on base+".lock" while fn runs.
// Concurrent invocations targeting the same cache key block here instead of
// interleaving partial writes.
func (c *Cache) withDownloadLock(base string, fn func() error) error {
	lockPath := base + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to acquire download lock: %w", err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	// The lock file stays behind: every waiter, current or future, must
	// flock the same inode.
	return fn()
}

// LinkTarball checks the cache for a verified copy of filename and, when
// found, symlinks it into buildDir. A cached file that fails verification
// is rejected and removed, forcing a fresh download. Returns whether the
// build directory now holds a usable link.
func (c *Cache) LinkTarball(buildDir, filename, checksum string) (bool, error) {
	if !c.Enabled() {
		return false, nil
	}
	cachePath := filepath.Join(c.Dir, filename)
	if _, err := os.Stat(cachePath); os.IsNotExist(err) {
		return false, nil
	}
	if err := VerifyChecksum(cachePath, checksum); err != nil {
		debugf("Rejecting cached %s: %v\n", cachePath, err)
		os.Remove(cachePath)
		return false, nil
	}
	if err := atomicSymlink(cachePath, filepath.Join(buildDir, filename)); err != nil {
		return false, err
	}
	debugf("Reusing cached %s\n", cachePath)
	return true, nil
}

// StoreTarball moves a freshly downloaded file from the build directory
// into the cache and leaves a symlink behind, so the build directory never
// holds a second copy. Idempotent: a build-dir entry that already links
// into the cache is left alone.
func (c *Cache) StoreTarball(buildDir, filename string) error {
	if !c.Enabled() {
		return nil
	}
	localPath := filepath.Join(buildDir, filename)
	cachePath := filepath.Join(c.Dir, filename)

	if fi, err := os.Lstat(localPath); err == nil && fi.Mode()&os.ModeSymlink != 0 {
		if target, err := os.Readlink(localPath); err == nil && target == cachePath {
			return nil
		}
	}

	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory %s: %w", c.Dir, err)
	}
	if err := moveFile(localPath, cachePath); err != nil {
		return fmt.Errorf("failed to store %s in cache: %w", filename, err)
	}
	return atomicSymlink(cachePath, localPath)
}

// GitMirrorPath returns the bare mirror repository path for a remote URL.
// The sanitized name keeps the path readable; the digest suffix keeps two
// remotes with the same tail from colliding.
func (c *Cache) GitMirrorPath(url string) string {
	if !c.Enabled() {
		return ""
	}
	return filepath.Join(c.Dir, fmt.Sprintf("%s-%s.git", sanitizeURL(url), hashString(url)))
}

// sanitizeURL flattens a remote URL into a filesystem-safe cache key.
func sanitizeURL(url string) string {
	s := url
	for _, prefix := range []string{"https://", "http://", "git://", "ssh://"} {
		s = strings.TrimPrefix(s, prefix)
	}
	s = strings.TrimSuffix(s, ".git")
	replacer := strings.NewReplacer("/", "_", ":", "_", "@", "_")
	return replacer.Replace(s)
}

// atomicSymlink replaces dst with a symlink to src using a temp name plus
// rename, so a concurrent reader never sees a missing or half-made link.
func atomicSymlink(src, dst string) error {
	tmp := fmt.Sprintf("%s.tmp.%d", dst, time.Now().UnixNano())
	if err := os.Symlink(src, tmp); err != nil {
		return fmt.Errorf("failed to create temp symlink: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to symlink %s -> %s: %w", dst, src, err)
	}
	return nil
}

// moveFile renames src to dst, falling back to copy+remove when the cache
// lives on a different filesystem.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Remove(src)
}
