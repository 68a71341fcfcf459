package rubybuild

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// ConfigFile is the optional system-wide configuration file. Environment
// variables always win over values read from it.
var ConfigFile = "/etc/ruby-build.conf"

// Config carries every tunable for one run. It is built once at startup and
// passed by reference into the fetcher and the build dispatcher; nothing in
// this package reads configuration from ambient globals.
type Config struct {
	Values map[string]string

	CachePath       string // persistent artifact cache, empty disables caching
	BuildPath       string // parent for scratch build directories
	DefinitionsPath string // extra directory searched for definitions
	MirrorURL       string // http(s):// or s3:// base, empty disables the mirror
	SkipMirror      bool
	HTTPClient      string // pinned downloader backend name, empty = probe
	MakeProgram     string
	IPv4Only        bool
	IPv6Only        bool
	ApplyPatch      bool
	KeepBuildPath   bool
	Verbose         bool

	Options *PackageOptionSet

	transport Transport // selected lazily, cached for the run
}

// LoadConfig reads the optional config file, merges environment overrides
// and applies defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{
		Values:  make(map[string]string),
		Options: NewPackageOptionSet(),
	}

	file, err := os.Open(path)
	if err == nil {
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			val := strings.TrimSpace(parts[1])
			val = strings.Trim(val, `"'`)
			cfg.Values[key] = val
		}
		if err := scanner.Err(); err != nil {
			return cfg, err
		}
	}

	mergeEnvOverrides(cfg)
	initConfig(cfg)
	return cfg, nil
}

// mergeEnvOverrides copies RUBY_BUILD_* variables, per-package
// *_CONFIGURE overrides and the handful of classic build knobs into
// cfg.Values, overriding file values.
func mergeEnvOverrides(cfg *Config) {
	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		if strings.HasPrefix(parts[0], "RUBY_BUILD_") || strings.HasSuffix(parts[0], "_CONFIGURE") {
			cfg.Values[parts[0]] = parts[1]
		}
	}

	// Classic knobs honored for compatibility with existing build scripts.
	for _, key := range []string{
		"MAKE", "MAKE_OPTS", "MAKEOPTS", "MAKE_INSTALL_OPTS",
		"CONFIGURE_OPTS", "RUBY_CONFIGURE_OPTS",
		"RUBY_MAKE_OPTS", "RUBY_MAKE_INSTALL_OPTS",
		"ARIA2C_OPTS", "CURL_OPTS", "WGET_OPTS",
		"TMPDIR",
	} {
		if v, ok := os.LookupEnv(key); ok {
			cfg.Values[key] = v
		}
	}
}

func initConfig(cfg *Config) {
	cfg.CachePath = cfg.Values["RUBY_BUILD_CACHE_PATH"]

	cfg.BuildPath = cfg.Values["RUBY_BUILD_BUILD_PATH"]
	if cfg.BuildPath == "" {
		tmp := cfg.Values["TMPDIR"]
		if tmp == "" {
			tmp = os.TempDir()
		}
		cfg.BuildPath = tmp
	}

	cfg.DefinitionsPath = cfg.Values["RUBY_BUILD_DEFINITIONS"]

	if mirror := cfg.Values["RUBY_BUILD_MIRROR_URL"]; mirror != "" {
		cfg.MirrorURL = strings.TrimRight(mirror, "/")
		debugf("=> Using mirror: %s\n", cfg.MirrorURL)
	}
	if cfg.Values["RUBY_BUILD_SKIP_MIRROR"] == "1" {
		cfg.SkipMirror = true
	}

	cfg.HTTPClient = cfg.Values["RUBY_BUILD_HTTP_CLIENT"]

	cfg.MakeProgram = cfg.Values["MAKE"]
	if cfg.MakeProgram == "" {
		cfg.MakeProgram = "make"
	}

	if cfg.Values["RUBY_BUILD_DEBUG"] == "1" {
		Debug = true
	}

	// Seed the option set from the well-known environment knobs. Explicit
	// RegisterOption calls made later accumulate after these.
	seedOptionsFromEnv(cfg)
}

func seedOptionsFromEnv(cfg *Config) {
	register := func(pkg, command, raw string) {
		for _, arg := range strings.Fields(raw) {
			cfg.Options.Register(pkg, command, arg)
		}
	}
	register("", "configure", cfg.Values["CONFIGURE_OPTS"])
	register("ruby", "configure", cfg.Values["RUBY_CONFIGURE_OPTS"])
	register("", "make", cfg.Values["MAKE_OPTS"])
	register("", "make", cfg.Values["MAKEOPTS"])
	register("ruby", "make", cfg.Values["RUBY_MAKE_OPTS"])
	register("", "install", cfg.Values["MAKE_INSTALL_OPTS"])
	register("ruby", "install", cfg.Values["RUBY_MAKE_INSTALL_OPTS"])
}

// ConfigureProgram returns the configure command for a package. The
// override is keyed by the package family, the name up to the first dash:
// RUBY_CONFIGURE for ruby-3.2.2, OPENSSL_CONFIGURE for openssl-3.1.4.
func (c *Config) ConfigureProgram(pkgName string) string {
	family, _, _ := strings.Cut(pkgName, "-")
	if v := c.Values[strings.ToUpper(family)+"_CONFIGURE"]; v != "" {
		return v
	}
	return "./configure"
}

// downloaderOpts returns the pass-through option string for the named
// backend. The contents are opaque to the transport layer.
func (c *Config) downloaderOpts(backend string) []string {
	var raw string
	switch backend {
	case "aria2c":
		raw = c.Values["ARIA2C_OPTS"]
	case "curl":
		raw = c.Values["CURL_OPTS"]
	case "wget":
		raw = c.Values["WGET_OPTS"]
	}
	return strings.Fields(raw)
}

// definitionDirs returns the ordered list of directories searched for
// definition files.
func (c *Config) definitionDirs() []string {
	var dirs []string
	if c.DefinitionsPath != "" {
		for _, d := range filepath.SplitList(c.DefinitionsPath) {
			if d != "" {
				dirs = append(dirs, d)
			}
		}
	}
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Join(filepath.Dir(exe), "..", "share", "ruby-build"))
	}
	dirs = append(dirs, "/usr/local/share/ruby-build", "/usr/share/ruby-build")
	return dirs
}
