package rubybuild

import "strings"

// PackageOptionSet accumulates extra arguments for build commands, keyed by
// a package-name prefix and a command family ("configure", "make",
// "install"). Entries are append-only for the duration of a run and are
// merged into step invocations in registration order.
type PackageOptionSet struct {
	entries []packageOption
}

type packageOption struct {
	pkgPrefix string // empty matches every package
	command   string
	arg       string
}

func NewPackageOptionSet() *PackageOptionSet {
	return &PackageOptionSet{}
}

// Register appends one extra argument for packages whose name starts with
// pkgPrefix, applied to the given command family.
func (s *PackageOptionSet) Register(pkgPrefix, command, arg string) {
	if arg == "" {
		return
	}
	s.entries = append(s.entries, packageOption{pkgPrefix: pkgPrefix, command: command, arg: arg})
}

// For returns the accumulated arguments for a package and command family,
// in registration order.
func (s *PackageOptionSet) For(pkgName, command string) []string {
	var args []string
	for _, e := range s.entries {
		if e.command != command {
			continue
		}
		if e.pkgPrefix != "" && !strings.HasPrefix(pkgName, e.pkgPrefix) {
			continue
		}
		args = append(args, e.arg)
	}
	return args
}
