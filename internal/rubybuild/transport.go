package rubybuild

import (
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// Transport retrieves remote files. Head probes reachability without
// downloading; Get writes atomically to a destination path, or streams to
// stdout when dest is empty.
type Transport interface {
	Name() string
	Head(url string) error
	Get(url, dest string) error
}

// downloadBackend describes one downloader client binary. Pass-through
// option strings from the configuration are spliced in verbatim; they are
// opaque to this layer.
type downloadBackend struct {
	name     string
	headArgs func(url string) []string
	getArgs  func(url, dest string) []string
	ipFlags  func(v4, v6 bool) []string
}

// Probe priority: the parallel downloader first, then the full-featured
// client, then the minimal one.
var downloadBackends = []downloadBackend{
	{
		name: "aria2c",
		headArgs: func(url string) []string {
			return []string{"--dry-run=true", "--no-conf=true", "-q", url}
		},
		getArgs: func(url, dest string) []string {
			if dest == "" {
				return []string{"--no-conf=true", "-o", "/dev/stdout", url}
			}
			return []string{
				"--no-conf=true", "--allow-overwrite=true",
				"-d", filepath.Dir(dest), "-o", filepath.Base(dest), url,
			}
		},
		ipFlags: func(v4, v6 bool) []string { return nil },
	},
	{
		name: "curl",
		headArgs: func(url string) []string {
			return []string{"-qsILf", url}
		},
		getArgs: func(url, dest string) []string {
			if dest == "" {
				return []string{"-qsSLf", url}
			}
			return []string{"-qsSLf", "-o", dest, url}
		},
		ipFlags: func(v4, v6 bool) []string {
			if v4 {
				return []string{"-4"}
			}
			if v6 {
				return []string{"-6"}
			}
			return nil
		},
	},
	{
		name: "wget",
		headArgs: func(url string) []string {
			return []string{"-q", "--spider", url}
		},
		getArgs: func(url, dest string) []string {
			if dest == "" {
				dest = "-"
			}
			return []string{"-nv", "-O", dest, url}
		},
		ipFlags: func(v4, v6 bool) []string {
			if v4 {
				return []string{"-4"}
			}
			if v6 {
				return []string{"-6"}
			}
			return nil
		},
	},
}

// Transport selects the downloader backend for this run. Selection is lazy
// and cached on the Config: the probe runs at most once per invocation.
func (c *Config) Transport(e *Executor) (Transport, error) {
	if c.transport != nil {
		return c.transport, nil
	}
	t, err := selectTransport(c, e)
	if err != nil {
		return nil, err
	}
	c.transport = t
	debugf("Selected http transport: %s\n", t.Name())
	return t, nil
}

func selectTransport(cfg *Config, e *Executor) (Transport, error) {
	if cfg.HTTPClient != "" {
		if cfg.HTTPClient == "native" {
			return &nativeTransport{cfg: cfg}, nil
		}
		for _, b := range downloadBackends {
			if b.name != cfg.HTTPClient {
				continue
			}
			if _, err := exec.LookPath(b.name); err != nil {
				return nil, fmt.Errorf("%w (pinned to %s)", ErrNoTransportAvailable, b.name)
			}
			return &binaryTransport{backend: b, cfg: cfg, exec: e}, nil
		}
		return nil, fmt.Errorf("%w (unknown client %q)", ErrNoTransportAvailable, cfg.HTTPClient)
	}

	for _, b := range downloadBackends {
		if _, err := exec.LookPath(b.name); err == nil {
			return &binaryTransport{backend: b, cfg: cfg, exec: e}, nil
		}
	}
	// Last resort: the built-in client needs no external binary.
	return &nativeTransport{cfg: cfg}, nil
}

// binaryTransport shells out to one of the downloader clients.
type binaryTransport struct {
	backend downloadBackend
	cfg     *Config
	exec    *Executor
}

func (t *binaryTransport) Name() string { return t.backend.name }

func (t *binaryTransport) command(args []string) *exec.Cmd {
	full := append([]string{}, t.cfg.downloaderOpts(t.backend.name)...)
	full = append(full, t.backend.ipFlags(t.cfg.IPv4Only, t.cfg.IPv6Only)...)
	full = append(full, args...)
	return exec.Command(t.backend.name, full...)
}

func (t *binaryTransport) Head(url string) error {
	cmd := t.command(t.backend.headArgs(url))
	if err := t.exec.Run(cmd); err != nil {
		return &DownloadError{URL: url, Err: err}
	}
	return nil
}

func (t *binaryTransport) Get(url, dest string) error {
	if dest == "" {
		cmd := t.command(t.backend.getArgs(url, ""))
		cmd.Stdout = os.Stdout
		if err := t.exec.Run(cmd); err != nil {
			return &DownloadError{URL: url, Err: err}
		}
		return nil
	}

	// Download under a temporary name so a failure never leaves a partial
	// file under the final one.
	part := dest + ".part"
	cmd := t.command(t.backend.getArgs(url, part))
	if err := t.exec.Run(cmd); err != nil {
		os.Remove(part)
		return &DownloadError{URL: url, Err: err}
	}
	if err := os.Rename(part, dest); err != nil {
		os.Remove(part)
		return &DownloadError{URL: url, Err: err}
	}
	return nil
}

// nativeTransport is the built-in Go client, used when no downloader binary
// is installed or when pinned via RUBY_BUILD_HTTP_CLIENT=native.
type nativeTransport struct {
	cfg *Config
}

func (t *nativeTransport) Name() string { return "native" }

func newHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	// Slow mirrors stall during the handshake more often than mid-stream.
	transport.TLSHandshakeTimeout = 30 * time.Second
	return &http.Client{
		Transport: transport,
		Timeout:   300 * time.Second,
	}
}

func (t *nativeTransport) Head(url string) error {
	resp, err := newHTTPClient().Head(url)
	if err != nil {
		return &DownloadError{URL: url, Err: err}
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return &DownloadError{URL: url, Err: fmt.Errorf("status %s", resp.Status)}
	}
	return nil
}

func (t *nativeTransport) Get(url, dest string) error {
	resp, err := newHTTPClient().Get(url)
	if err != nil {
		return &DownloadError{URL: url, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &DownloadError{URL: url, Err: fmt.Errorf("status %s", resp.Status)}
	}

	if dest == "" {
		if _, err := io.Copy(os.Stdout, resp.Body); err != nil {
			return &DownloadError{URL: url, Err: err}
		}
		return nil
	}

	part := dest + ".part"
	out, err := os.Create(part)
	if err != nil {
		return &DownloadError{URL: url, Err: err}
	}

	var w io.Writer = out
	if term.IsTerminal(int(os.Stderr.Fd())) {
		bar := progressbar.DefaultBytes(resp.ContentLength, filepath.Base(dest))
		w = io.MultiWriter(out, bar)
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		out.Close()
		os.Remove(part)
		return &DownloadError{URL: url, Err: err}
	}
	if err := out.Close(); err != nil {
		os.Remove(part)
		return &DownloadError{URL: url, Err: err}
	}
	if err := os.Rename(part, dest); err != nil {
		os.Remove(part)
		return &DownloadError{URL: url, Err: err}
	}
	return nil
}

// isS3URL reports whether a mirror base points at an S3-compatible bucket
// rather than a plain http server.
func isS3URL(url string) bool {
	return strings.HasPrefix(url, "s3://")
}
