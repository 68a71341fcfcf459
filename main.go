package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/skylerwshaw/ruby-build/internal/rubybuild"
)

const (
	exitFailure = 1
	exitUsage   = 2
)

func usage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, "Usage: ruby-build [options] <definition> <prefix>\n")
	fmt.Fprintf(os.Stderr, "       ruby-build --definitions\n\nOptions:\n")
	fs.PrintDefaults()
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("ruby-build", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		verbose     bool
		keep        bool
		patch       bool
		ipv4        bool
		ipv6        bool
		listDefs    bool
		interactive bool
		showVersion bool
		debug       bool
	)
	fs.BoolVar(&verbose, "verbose", false, "stream the build log to stdout while building")
	fs.BoolVar(&verbose, "v", false, "shorthand for --verbose")
	fs.BoolVar(&keep, "keep", false, "keep the scratch build directory after the build")
	fs.BoolVar(&keep, "k", false, "shorthand for --keep")
	fs.BoolVar(&patch, "patch", false, "apply a patch from stdin before building")
	fs.BoolVar(&patch, "p", false, "shorthand for --patch")
	fs.BoolVar(&ipv4, "4", false, "resolve download hosts over IPv4 only")
	fs.BoolVar(&ipv6, "6", false, "resolve download hosts over IPv6 only")
	fs.BoolVar(&listDefs, "definitions", false, "list all known definitions and exit")
	fs.BoolVar(&interactive, "interactive", false, "pick the definition from an interactive list")
	fs.BoolVar(&interactive, "i", false, "shorthand for --interactive")
	fs.BoolVar(&showVersion, "version", false, "print the version and exit")
	fs.BoolVar(&debug, "debug", false, "print debug output")
	fs.Usage = func() { usage(fs) }

	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	rubybuild.Debug = debug

	if showVersion {
		fmt.Printf("ruby-build %s (%s/%s)\n", rubybuild.Version, runtime.GOOS, runtime.GOARCH)
		return 0
	}

	cfg, err := rubybuild.LoadConfig(rubybuild.ConfigFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ruby-build: %v\n", err)
		return exitFailure
	}
	cfg.Verbose = cfg.Verbose || verbose
	cfg.KeepBuildPath = cfg.KeepBuildPath || keep
	cfg.ApplyPatch = patch
	cfg.IPv4Only = ipv4
	cfg.IPv6Only = ipv6

	if listDefs {
		for _, name := range rubybuild.ListDefinitions(cfg) {
			fmt.Println(name)
		}
		return 0
	}

	rest := fs.Args()
	var defName string
	switch {
	case interactive && len(rest) <= 1:
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			fmt.Fprintln(os.Stderr, "ruby-build: --interactive requires a terminal")
			return exitUsage
		}
		defName, err = rubybuild.RunDefinitionPicker(rubybuild.ListDefinitions(cfg))
		if err != nil {
			fmt.Fprintf(os.Stderr, "ruby-build: %v\n", err)
			return exitUsage
		}
		rest = append([]string{defName}, rest...)
	case len(rest) >= 1:
		defName = rest[0]
	default:
		usage(fs)
		return exitUsage
	}
	if len(rest) < 2 {
		usage(fs)
		return exitUsage
	}
	prefix := rest[1]

	def, err := rubybuild.LoadDefinition(cfg, defName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ruby-build: %v\n", err)
		return exitUsage
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigs:
			fmt.Fprintf(os.Stderr, "\nreceived %v, cancelling build\n", sig)
			cancel()
			select {
			case <-sigs:
				fmt.Fprintln(os.Stderr, "second interrupt, exiting now")
				os.Exit(130)
			case <-time.After(10 * time.Second):
				os.Exit(130)
			}
		case <-ctx.Done():
		}
	}()

	if _, err := rubybuild.Install(ctx, cfg, def, prefix); err != nil {
		if errors.Is(err, context.Canceled) {
			return 130
		}
		return exitFailure
	}
	return 0
}
