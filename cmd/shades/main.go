// Command shades is the database's standalone CLI: "create" initializes a
// database's backing files from a configuration and exits; "run" opens an
// existing database, runs recovery, and commits once before exiting. Exit
// code 0 means a clean run; any other code means a fatal error, reported
// with a diagnostic on stderr.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/shades-db/shades"
	"github.com/shades-db/shades/engine"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var code int
	switch os.Args[1] {
	case "create":
		code = runCreate(os.Args[2:])
	case "run":
		code = runRun(os.Args[2:])
	case "-h", "-help", "--help", "help":
		usage()
		code = 0
	default:
		fmt.Fprintf(os.Stderr, "shades: unknown subcommand %q\n", os.Args[1])
		usage()
		code = 2
	}
	os.Exit(code)
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: shades <create|run> [-config path]")
}

func loadConfig(fs *flag.FlagSet, args []string) (engine.Config, error) {
	configPath := fs.String("config", "", "path to a shades configuration file (key = value lines)")
	if err := fs.Parse(args); err != nil {
		return engine.Config{}, err
	}
	if *configPath == "" {
		return engine.DefaultConfig(), nil
	}
	return engine.OpenConfig(*configPath)
}

func runCreate(args []string) int {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return fail("create", err)
	}

	e, err := engine.Create(cfg)
	if err != nil {
		return fail("create", err)
	}
	if err := e.Close(); err != nil {
		return fail("create", err)
	}
	fmt.Printf("shades: created %v\n", cfg.DiskFilenames)
	return 0
}

func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return fail("run", err)
	}

	e, err := engine.Open(cfg)
	if err != nil {
		return fail("run", err)
	}
	defer e.Close()

	if err := e.Commit(); err != nil {
		return fail("run", err)
	}
	stats := e.Stats()
	fmt.Printf("shades: committed (youngest generation %d, %d/%d pages free)\n",
		stats.YoungestGeneration, stats.FreePages, stats.NumPages)
	return 0
}

// fail prints a diagnostic, naming the FatalError Kind when the error is
// one, so every fatal condition gets a nonzero exit code with an
// actionable message.
func fail(op string, err error) int {
	var fe *shades.FatalError
	if errors.As(err, &fe) {
		fmt.Fprintf(os.Stderr, "shades: %s: %v\n", op, fe)
		return 1
	}
	fmt.Fprintf(os.Stderr, "shades: %s: %v\n", op, err)
	return 1
}
