package rubybuild

import (
	"errors"
	"fmt"
)

var (
	// ErrNoTransportAvailable is returned when no downloader backend can be
	// selected, either because none of the known client binaries are
	// installed or because a pinned backend is missing.
	ErrNoTransportAvailable = errors.New("no http transport available: install aria2c, curl or wget")

	// ErrExtractedDirectoryNotFound is returned when an archive unpacks to
	// no top-level directory at all.
	ErrExtractedDirectoryNotFound = errors.New("no directory found in extracted archive")
)

// ChecksumMismatchError reports a digest that did not match the expected
// value from the source descriptor.
type ChecksumMismatchError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", e.Path, e.Expected, e.Actual)
}

// UnsupportedChecksumFormatError reports an expected checksum whose length
// matches no known digest algorithm.
type UnsupportedChecksumFormatError struct {
	Checksum string
}

func (e *UnsupportedChecksumFormatError) Error() string {
	return fmt.Sprintf("unsupported checksum format (%d hex chars): %s", len(e.Checksum), e.Checksum)
}

// DownloadError wraps a failure to retrieve a URL after all fallbacks were
// exhausted.
type DownloadError struct {
	URL string
	Err error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("failed to download %s: %v", e.URL, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// VcsClientMissingError is fatal and never retried: without the client
// binary there is no fallback for a VCS checkout.
type VcsClientMissingError struct {
	Clients []string
}

func (e *VcsClientMissingError) Error() string {
	if len(e.Clients) == 1 {
		return fmt.Sprintf("%s is not installed; cannot fetch source", e.Clients[0])
	}
	return fmt.Sprintf("none of %v are installed; cannot fetch source", e.Clients)
}

// UnknownBuildStepError is raised at plan construction time, before any
// subprocess for the plan is spawned.
type UnknownBuildStepError struct {
	Step string
}

func (e *UnknownBuildStepError) Error() string {
	return fmt.Sprintf("unknown build step %q", e.Step)
}

// Build phases, used to classify step failures.
const (
	PhaseConfigure = "configure"
	PhaseCompile   = "compile"
	PhaseInstall   = "install"
	PhaseVerify    = "verify"
)

// BuildStepError reports a failed build step. Step failures are always
// fatal; the remaining plan is abandoned.
type BuildStepError struct {
	Step  string
	Phase string
	Err   error
}

func (e *BuildStepError) Error() string {
	return fmt.Sprintf("build step %s failed during %s: %v", e.Step, e.Phase, e.Err)
}

func (e *BuildStepError) Unwrap() error { return e.Err }

// PatchApplyFailedError reports a unified diff that did not apply.
type PatchApplyFailedError struct {
	Err error
}

func (e *PatchApplyFailedError) Error() string {
	return fmt.Sprintf("failed to apply patch: %v", e.Err)
}

func (e *PatchApplyFailedError) Unwrap() error { return e.Err }
