package rubybuild

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// stepStandardBuild configures and compiles the source tree. The configure
// program, install prefix, extra flags and parallel job count all resolve
// through per-package overrides before falling back to defaults.
func stepStandardBuild(b *BuildContext) error {
	configure := b.Cfg.ConfigureProgram(b.PackageName)

	args := []string{"--prefix=" + b.Prefix}
	args = append(args, b.Cfg.Options.For(b.PackageName, "configure")...)

	colArrow.Print("-> ")
	colSuccess.Printf("Configuring %s\n", b.PackageName)
	cmd := exec.Command(configure, args...)
	cmd.Dir = b.SourceDir
	if err := b.Exec.Run(cmd); err != nil {
		return &BuildStepError{Step: "standard_build", Phase: PhaseConfigure, Err: err}
	}

	makeArgs := b.Cfg.Options.For(b.PackageName, "make")
	if !hasJobsFlag(makeArgs) {
		makeArgs = append(makeArgs, "-j"+strconv.Itoa(runtime.NumCPU()))
	}

	colArrow.Print("-> ")
	colSuccess.Printf("Compiling %s\n", b.PackageName)
	cmd = exec.Command(b.Cfg.MakeProgram, makeArgs...)
	cmd.Dir = b.SourceDir
	if err := b.Exec.Run(cmd); err != nil {
		return &BuildStepError{Step: "standard_build", Phase: PhaseCompile, Err: err}
	}
	return nil
}

func hasJobsFlag(args []string) bool {
	for _, a := range args {
		if a == "-j" || strings.HasPrefix(a, "-j") || strings.HasPrefix(a, "--jobs") {
			return true
		}
	}
	return false
}

// stepStandardInstall runs the make install target with the accumulated
// install options.
func stepStandardInstall(b *BuildContext) error {
	args := append([]string{"install"}, b.Cfg.Options.For(b.PackageName, "install")...)

	colArrow.Print("-> ")
	colSuccess.Printf("Installing %s into %s\n", b.PackageName, b.Prefix)
	cmd := exec.Command(b.Cfg.MakeProgram, args...)
	cmd.Dir = b.SourceDir
	if err := b.Exec.Run(cmd); err != nil {
		return &BuildStepError{Step: "standard_install", Phase: PhaseInstall, Err: err}
	}
	return nil
}

// stepAutoconf regenerates the configure script for trees shipped without
// one.
func stepAutoconf(b *BuildContext) error {
	cmd := exec.Command("autoconf")
	cmd.Dir = b.SourceDir
	if err := b.Exec.Run(cmd); err != nil {
		return &BuildStepError{Step: "autoconf", Phase: PhaseConfigure, Err: err}
	}
	return nil
}

// stepCopyFiles installs a prebuilt tree by copying it into the prefix, no
// toolchain involved.
func stepCopyFiles(b *BuildContext) error {
	colArrow.Print("-> ")
	colSuccess.Printf("Copying %s into %s\n", b.PackageName, b.Prefix)
	if err := copyTree(b.SourceDir, b.Prefix); err != nil {
		return &BuildStepError{Step: "copy_files", Phase: PhaseInstall, Err: err}
	}
	return nil
}

// stepVerifyOpenSSL checks that the installed interpreter can actually load
// its compiled openssl extension. Catching this here beats a runtime
// failure on the first https request.
func stepVerifyOpenSSL(b *BuildContext) error {
	ruby := filepath.Join(b.Prefix, "bin", "ruby")
	if _, err := os.Stat(ruby); err != nil {
		return &BuildStepError{Step: "verify_openssl", Phase: PhaseVerify,
			Err: fmt.Errorf("no interpreter at %s", ruby)}
	}
	cmd := exec.Command(ruby, "-e", "require 'openssl'")
	cmd.Dir = b.SourceDir
	if err := b.Exec.Run(cmd); err != nil {
		return &BuildStepError{Step: "verify_openssl", Phase: PhaseVerify,
			Err: fmt.Errorf("openssl extension failed to load: %w", err)}
	}
	return nil
}

// stepEOLWarning warns that the version being installed no longer receives
// upstream fixes. Never fails the build.
func stepEOLWarning(b *BuildContext) error {
	colArrow.Print("-> ")
	colWarn.Printf("%s has reached its end of life and is no longer supported upstream.\n", b.PackageName)
	if b.Log != nil {
		fmt.Fprintf(b.Log, "warning: %s is past its end of life\n", b.PackageName)
	}
	return nil
}

// ApplyPatch applies a unified diff to the source tree before the first
// build step. The strip level is auto-detected: diffs whose paths carry the
// conventional a/ prefix get -p1, everything else -p0.
func ApplyPatch(b *BuildContext, diff io.Reader) error {
	if _, err := exec.LookPath("patch"); err != nil {
		return &PatchApplyFailedError{Err: fmt.Errorf("patch is not installed")}
	}

	data, err := io.ReadAll(diff)
	if err != nil {
		return &PatchApplyFailedError{Err: err}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	strip := detectPatchStrip(bytes.NewReader(data))
	colArrow.Print("-> ")
	colSuccess.Printf("Applying patch with -p%d\n", strip)

	cmd := exec.Command("patch", "-p"+strconv.Itoa(strip), "--force")
	cmd.Dir = b.SourceDir
	cmd.Stdin = bytes.NewReader(data)
	if err := b.Exec.Run(cmd); err != nil {
		return &PatchApplyFailedError{Err: err}
	}
	return nil
}

// detectPatchStrip returns 1 when the diff's paths begin with the a/ b/
// prefixes git produces, 0 otherwise.
func detectPatchStrip(diff io.Reader) int {
	scanner := bufio.NewScanner(diff)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "--- a/") || strings.HasPrefix(line, "+++ b/") ||
			strings.HasPrefix(line, "diff --git a/") {
			return 1
		}
	}
	return 0
}

// copyTree recursively copies src into dst, preserving modes and following
// the tree's internal symlinks as links.
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			os.Remove(target)
			return os.Symlink(link, target)
		default:
			in, err := os.Open(p)
			if err != nil {
				return err
			}
			defer in.Close()
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, in); err != nil {
				out.Close()
				return err
			}
			return out.Close()
		}
	})
}
