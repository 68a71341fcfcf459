package rubybuild

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// Version identification, overridden at build time.
var (
	Version   = "dev"
	BuildDate = "unknown"
)

// InstallResult reports where a successful install landed.
type InstallResult struct {
	Prefix   string
	BuildDir string
	LogPath  string
}

// Install drives one full run: create the scratch build directory, fetch
// each definition entry, run its build plan, then clean up. On failure the
// scratch directory is retained (unless empty) together with the log so the
// user can inspect what happened.
func Install(ctx context.Context, cfg *Config, def *Definition, prefix string) (res *InstallResult, err error) {
	stamp := fmt.Sprintf("%d.%d", time.Now().Unix(), os.Getpid())
	scratch := filepath.Join(cfg.BuildPath, "ruby-build."+stamp)
	logPath := filepath.Join(os.TempDir(), "ruby-build."+stamp+".log")

	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create build directory %s: %w", scratch, err)
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file %s: %w", logPath, err)
	}
	defer logFile.Close()

	// The tail exists purely for interactive progress display and is torn
	// down no matter how the run ends.
	stopTail := func() {}
	if cfg.Verbose {
		stopTail = tailLog(logPath)
	}
	defer stopTail()

	defer func() {
		if err != nil {
			stopTail()
			reportFailure(err, scratch, logPath)
			// Only an empty scratch directory is removed on failure; a
			// populated one is diagnostic material.
			os.Remove(scratch)
			return
		}
		if cfg.KeepBuildPath {
			colArrow.Print("-> ")
			colSuccess.Printf("Build tree kept at %s\n", scratch)
			return
		}
		os.RemoveAll(scratch)
		os.Remove(logPath)
	}()

	e := NewExecutor(ctx, logFile)
	fetcher := NewFetcher(cfg, e, logFile)

	patched := false
	for _, entry := range def.Entries {
		if !entry.Enabled(cfg) {
			debugf("Skipping %s: predicate %q not satisfied\n", entry.Package, entry.Predicate)
			continue
		}

		// Resolve the plan up front so an unknown step name fails before
		// any subprocess for this entry is spawned.
		plan, perr := ResolvePlan(entry.Steps)
		if perr != nil {
			return nil, perr
		}

		srcDir, ferr := fetcher.Fetch(entry.Source, scratch, entry.Package)
		if ferr != nil {
			return nil, ferr
		}

		b := &BuildContext{
			Cfg:         cfg,
			Exec:        e,
			Log:         logFile,
			PackageName: entry.Package,
			SourceDir:   srcDir,
			Prefix:      prefix,
		}

		if cfg.ApplyPatch && !patched {
			if perr := ApplyPatch(b, os.Stdin); perr != nil {
				return nil, perr
			}
			patched = true
		}

		if berr := plan.Run(b); berr != nil {
			return nil, berr
		}
	}

	colArrow.Print("-> ")
	colSuccess.Printf("Installed %s to %s\n", def.Name, prefix)
	return &InstallResult{Prefix: prefix, BuildDir: scratch, LogPath: logPath}, nil
}

// reportFailure prints the diagnostic banner: what failed, on what
// platform, and where the retained working tree and log live.
func reportFailure(err error, scratch, logPath string) {
	fmt.Fprintln(os.Stderr)
	colError.Println("BUILD FAILED")
	fmt.Fprintf(os.Stderr, "ruby-build %s (%s/%s)\n\n", Version, runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(os.Stderr, "%v\n", err)

	if dirHasEntries(scratch) {
		fmt.Fprintf(os.Stderr, "\nInspect or clean up the working tree at %s\n", scratch)
	}
	if lines := tailLines(logPath, 15); len(lines) > 0 {
		fmt.Fprintf(os.Stderr, "\nLast %d log lines from %s:\n", len(lines), logPath)
		for _, line := range lines {
			fmt.Fprintln(os.Stderr, line)
		}
	}
}

func dirHasEntries(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}

// tailLines returns up to n trailing lines of the file at path.
func tailLines(path string, n int) []string {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return nil
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

// tailLog streams new log content to stdout until the returned stop
// function runs. Stopping twice is safe.
func tailLog(path string) func() {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		var offset int64
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			offset = copyLogFrom(path, offset)
			select {
			case <-done:
				copyLogFrom(path, offset)
				return
			case <-ticker.C:
			}
		}
	}()

	var stopped bool
	return func() {
		if stopped {
			return
		}
		stopped = true
		close(done)
		<-finished
	}
}

func copyLogFrom(path string, offset int64) int64 {
	f, err := os.Open(path)
	if err != nil {
		return offset
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset
	}
	n, _ := io.Copy(os.Stdout, f)
	return offset + n
}
