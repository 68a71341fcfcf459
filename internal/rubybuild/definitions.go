package rubybuild

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// DefinitionEntry is one acquisition-and-build call from a definition file.
type DefinitionEntry struct {
	Package   string
	Source    SourceDescriptor
	Steps     []string // empty means the default plan
	Predicate string   // optional --if gate
}

// Definition is a parsed build-plan file: the ordered package installs that
// make up one installable version.
type Definition struct {
	Name    string
	Entries []DefinitionEntry
}

// predicates gate definition entries via the trailing "--if <name>" token.
// An unknown predicate disables the entry rather than failing the parse, so
// definitions written for newer tool versions stay loadable.
var predicates = map[string]func(*Config) bool{
	"on_linux":  func(*Config) bool { return runtime.GOOS == "linux" },
	"on_darwin": func(*Config) bool { return runtime.GOOS == "darwin" },
	"have_autoconf": func(*Config) bool {
		_, err := exec.LookPath("autoconf")
		return err == nil
	},
	"have_patch": func(*Config) bool {
		_, err := exec.LookPath("patch")
		return err == nil
	},
}

// Enabled reports whether the entry's predicate (if any) holds.
func (e DefinitionEntry) Enabled(cfg *Config) bool {
	if e.Predicate == "" {
		return true
	}
	pred, ok := predicates[e.Predicate]
	if !ok {
		debugf("Unknown predicate %q, skipping %s\n", e.Predicate, e.Package)
		return false
	}
	return pred(cfg)
}

// ParseDefinition reads a definition file: one call per line in a
// shell-like quoted syntax, # comments, blank lines ignored.
//
//	install_package "openssl-3.1.4" "https://.../openssl-3.1.4.tar.gz#<sha256>" standard_build standard_install
//	install_git "ruby-dev" "https://github.com/ruby/ruby.git" "master" autoconf standard --if have_autoconf
//	install_svn "legacy" "https://svn.example.org/repo/trunk" "1234"
func ParseDefinition(name string, r io.Reader) (*Definition, error) {
	def := &Definition{Name: name}

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		tokens, err := splitTokens(line)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", name, lineNo, err)
		}
		if len(tokens) == 0 {
			continue
		}

		entry, err := parseCall(tokens)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", name, lineNo, err)
		}
		def.Entries = append(def.Entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(def.Entries) == 0 {
		return nil, fmt.Errorf("definition %s contains no install calls", name)
	}
	return def, nil
}

func parseCall(tokens []string) (DefinitionEntry, error) {
	var entry DefinitionEntry

	directive := tokens[0]
	args := tokens[1:]

	// Split off the optional trailing "--if <predicate>".
	for i, a := range args {
		if a == "--if" {
			if i != len(args)-2 {
				return entry, fmt.Errorf("--if takes exactly one predicate")
			}
			entry.Predicate = args[len(args)-1]
			args = args[:i]
			break
		}
	}

	switch directive {
	case "install_package":
		if len(args) < 2 {
			return entry, fmt.Errorf("install_package needs a package name and a url")
		}
		url, checksum := splitChecksumFragment(args[1])
		entry.Package = args[0]
		entry.Source = SourceDescriptor{Kind: SourceTarball, URL: url, Checksum: checksum}
		entry.Steps = args[2:]
	case "install_git":
		if len(args) < 3 {
			return entry, fmt.Errorf("install_git needs a package name, a url and a ref")
		}
		entry.Package = args[0]
		entry.Source = SourceDescriptor{Kind: SourceGit, URL: args[1], Ref: args[2]}
		entry.Steps = args[3:]
	case "install_svn":
		if len(args) < 3 {
			return entry, fmt.Errorf("install_svn needs a package name, a url and a revision")
		}
		entry.Package = args[0]
		entry.Source = SourceDescriptor{Kind: SourceSvn, URL: args[1], Revision: args[2]}
		entry.Steps = args[3:]
	default:
		return entry, fmt.Errorf("unknown directive %q", directive)
	}

	if entry.Package == "" {
		return entry, fmt.Errorf("%s: empty package name", directive)
	}
	return entry, nil
}

// splitTokens splits a definition line into fields, honoring double and
// single quotes.
func splitTokens(line string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	inToken := false
	var quote rune

	for _, r := range line {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote = r
			inToken = true
		case r == ' ' || r == '\t':
			if inToken {
				tokens = append(tokens, cur.String())
				cur.Reset()
				inToken = false
			}
		default:
			cur.WriteRune(r)
			inToken = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote")
	}
	if inToken {
		tokens = append(tokens, cur.String())
	}
	return tokens, nil
}

// FindDefinition resolves a definition name to a file path. A name with a
// path separator is used as-is; otherwise the definition directories are
// searched in order.
func FindDefinition(cfg *Config, name string) (string, error) {
	if strings.ContainsRune(name, os.PathSeparator) {
		if _, err := os.Stat(name); err == nil {
			return name, nil
		}
		return "", fmt.Errorf("definition file %s not found", name)
	}
	for _, dir := range cfg.definitionDirs() {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("definition not found: %s", name)
}

// LoadDefinition finds and parses a definition by name.
func LoadDefinition(cfg *Config, name string) (*Definition, error) {
	path, err := FindDefinition(cfg, name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseDefinition(filepath.Base(path), f)
}

// ListDefinitions returns the sorted names of every known definition.
func ListDefinitions(cfg *Config) []string {
	seen := make(map[string]bool)
	for _, dir := range cfg.definitionDirs() {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				seen[entry.Name()] = true
			}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
