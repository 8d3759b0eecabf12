// Package engine ties every lower layer (cells, nursery, pagestore, gen,
// diskio, recovery, oid, remset, asyncio) together into the top-level
// database the mutator actually drives: Config parses the configuration
// surface, Engine exposes Create/Open/Close/Allocate/Commit, and Scheduler
// drives periodic auto-commit and auto-vacuum.
package engine

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/shades-db/shades"
)

// Config holds every recognized option. Parsed either via OpenConfig (a
// config file) or built directly with DefaultConfig plus field assignment.
type Config struct {
	DiskFilenames       []string
	DiskFilesizes       []int64 // bytes, one per DiskFilenames entry
	DiskSkipNBytes      int64
	DiskFilePermissions os.FileMode
	DiskFileGroup       string

	DBSize              int64 // total bytes of the main-memory page region
	FirstGenerationSize int64 // bytes of the nursery
	MaxGenerationSize   int   // pages per generation (root-block capacity bound)

	RelativeMatureGenerationSize   float64
	StartGCLimit                   int
	MaxGCLimit                     int
	MaxGCEffort                    int
	AllowAdditionalGenerationality bool
	GenerationShrinkageMargin      float64

	RemSetsPerMalloc int

	// DebugChecks enables the memory-debug features (nursery red-zone
	// headers and chain validation). These change per-allocation sizes,
	// so they stay separate from the observability flags below.
	DebugChecks bool

	BeVerbose                bool
	MustShowGroups           bool
	RootSearchIsVerbose      bool
	RootTimestampIsDisplayed bool
	FileLoadIsDisplayed      bool
	FileUsageIsDisplayed     bool
	PthreadIOIsVerbose       bool
}

// DefaultConfig returns the configuration a freshly created single-file
// database uses when no config file overrides it, sized for test/demo
// scale rather than a production deployment.
func DefaultConfig() Config {
	return Config{
		DiskFilenames:  []string{"shades.0"},
		DiskFilesizes:  []int64{16 * 1024 * 1024},
		DiskSkipNBytes: 0,

		DiskFilePermissions: 0o600,

		DBSize:              4 * 1024 * 1024,
		FirstGenerationSize: 256 * 1024,
		MaxGenerationSize:   64,

		RelativeMatureGenerationSize:   0.5,
		StartGCLimit:                   64,
		MaxGCLimit:                     16,
		MaxGCEffort:                    4096,
		AllowAdditionalGenerationality: true,
		GenerationShrinkageMargin:      0.2,

		RemSetsPerMalloc: 64,
	}
}

// OpenConfig parses a config file of "key = value" lines, one option per
// line, '#' starting a comment. Lists (disk_filename, disk_filesize) are
// comma-separated. A missing disk_filesize entry, or an explicit 0,
// inherits the previous file's size.
func OpenConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	f, err := os.Open(path)
	if err != nil {
		return Config{}, shades.NewFatalError(shades.KindFileIO, "open config "+path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return Config{}, shades.NewFatalError(shades.KindConfig, "parse config",
				fmt.Errorf("%s:%d: expected key = value, got %q", path, lineNo, line))
		}
		key = strings.TrimSpace(strings.ToLower(key))
		value = strings.TrimSpace(value)
		if err := cfg.set(key, value); err != nil {
			return Config{}, shades.NewFatalError(shades.KindConfig, "parse config",
				fmt.Errorf("%s:%d: %w", path, lineNo, err))
		}
	}
	if err := scanner.Err(); err != nil {
		return Config{}, shades.NewFatalError(shades.KindFileIO, "read config "+path, err)
	}
	return cfg, nil
}

func (cfg *Config) set(key, value string) error {
	switch key {
	case "disk_filename":
		cfg.DiskFilenames = splitList(value)
	case "disk_filesize":
		sizes, err := parseSizeList(splitList(value), cfg.DiskFilesizes)
		if err != nil {
			return err
		}
		cfg.DiskFilesizes = sizes
	case "disk_skip_nbytes":
		n, err := parseSize(value)
		if err != nil {
			return fmt.Errorf("disk_skip_nbytes: %w", err)
		}
		cfg.DiskSkipNBytes = n
	case "disk_file_permissions":
		perm, err := strconv.ParseUint(value, 8, 32)
		if err != nil {
			return fmt.Errorf("disk_file_permissions: %w", err)
		}
		cfg.DiskFilePermissions = os.FileMode(perm)
	case "disk_file_group":
		cfg.DiskFileGroup = value
	case "db_size":
		n, err := parseSize(value)
		if err != nil {
			return fmt.Errorf("db_size: %w", err)
		}
		cfg.DBSize = n
	case "first_generation_size":
		n, err := parseSize(value)
		if err != nil {
			return fmt.Errorf("first_generation_size: %w", err)
		}
		cfg.FirstGenerationSize = n
	case "max_generation_size":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("max_generation_size: %w", err)
		}
		cfg.MaxGenerationSize = n
	case "relative_mature_generation_size":
		n, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("relative_mature_generation_size: %w", err)
		}
		cfg.RelativeMatureGenerationSize = n
	case "start_gc_limit":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("start_gc_limit: %w", err)
		}
		cfg.StartGCLimit = n
	case "max_gc_limit":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("max_gc_limit: %w", err)
		}
		cfg.MaxGCLimit = n
	case "max_gc_effort":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("max_gc_effort: %w", err)
		}
		cfg.MaxGCEffort = n
	case "allow_additional_generationality":
		cfg.AllowAdditionalGenerationality = parseBool(value)
	case "generation_shrinkage_margin":
		n, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("generation_shrinkage_margin: %w", err)
		}
		cfg.GenerationShrinkageMargin = n
	case "rem_sets_per_malloc":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("rem_sets_per_malloc: %w", err)
		}
		cfg.RemSetsPerMalloc = n
	case "debug_checks":
		cfg.DebugChecks = parseBool(value)
	case "be_verbose":
		cfg.BeVerbose = parseBool(value)
	case "must_show_groups":
		cfg.MustShowGroups = parseBool(value)
	case "root_search_is_verbose":
		cfg.RootSearchIsVerbose = parseBool(value)
	case "root_timestamp_is_displayed":
		cfg.RootTimestampIsDisplayed = parseBool(value)
	case "file_load_is_displayed":
		cfg.FileLoadIsDisplayed = parseBool(value)
	case "file_usage_is_displayed":
		cfg.FileUsageIsDisplayed = parseBool(value)
	case "pthread_io_is_verbose":
		cfg.PthreadIOIsVerbose = parseBool(value)
	default:
		return fmt.Errorf("unrecognized option %q", key)
	}
	return nil
}

func splitList(value string) []string {
	var out []string
	for _, s := range strings.Split(value, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// parseSize reads a byte size. Bare k/M/G suffixes are binary multipliers
// (1M = 1048576); anything else (plain byte counts, spellings like "64KiB"
// or "1.5 MB") goes through humanize.ParseBytes.
func parseSize(value string) (int64, error) {
	v := strings.TrimSpace(value)
	if n := len(v); n > 1 {
		var mult int64
		switch v[n-1] {
		case 'k', 'K':
			mult = 1 << 10
		case 'M':
			mult = 1 << 20
		case 'G':
			mult = 1 << 30
		}
		if mult != 0 {
			if num, err := strconv.ParseInt(strings.TrimSpace(v[:n-1]), 10, 64); err == nil {
				return num * mult, nil
			}
		}
	}
	n, err := humanize.ParseBytes(v)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}

// parseSizeList parses each entry with parseSize, with "0" or an empty
// entry inheriting the previous entry's size; a leading one takes
// previous[0], the first size in force before this list.
func parseSizeList(entries []string, previous []int64) ([]int64, error) {
	out := make([]int64, 0, len(entries))
	var last int64
	for i, s := range entries {
		if s == "" || s == "0" {
			if i == 0 && len(previous) > 0 {
				last = previous[0]
			}
			out = append(out, last)
			continue
		}
		n, err := parseSize(s)
		if err != nil {
			return nil, fmt.Errorf("disk_filesize entry %d: %w", i, err)
		}
		last = n
		out = append(out, last)
	}
	return out, nil
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// padFilesizes extends a short DiskFilesizes list to DiskFilenames' length
// by repeating the last size, so a file with no disk_filesize entry uses
// the previous file's.
func (cfg *Config) padFilesizes() {
	if len(cfg.DiskFilesizes) == 0 || len(cfg.DiskFilesizes) >= len(cfg.DiskFilenames) {
		return
	}
	last := cfg.DiskFilesizes[len(cfg.DiskFilesizes)-1]
	for len(cfg.DiskFilesizes) < len(cfg.DiskFilenames) {
		cfg.DiskFilesizes = append(cfg.DiskFilesizes, last)
	}
}

// NumPages returns how many WordsPerPage-sized pages DBSize describes, for
// sizing pagestore.NewPageManager.
func (cfg Config) NumPages() int {
	const wordsPerPage = 1024
	const bytesPerWord = 4
	n := int(cfg.DBSize / (wordsPerPage * bytesPerWord))
	if n < 2 {
		n = 2
	}
	return n
}

// NurseryWords returns how many words FirstGenerationSize describes, for
// sizing nursery.New.
func (cfg Config) NurseryWords() int {
	const bytesPerWord = 4
	n := int(cfg.FirstGenerationSize / bytesPerWord)
	if n < 64 {
		n = 64
	}
	return n
}

// PagesPerFile converts each DiskFilesizes entry into a page count, for
// sizing diskio.NewPageTable.
func (cfg Config) PagesPerFile() []int {
	const wordsPerPage = 1024
	const bytesPerPage = wordsPerPage * 4
	out := make([]int, len(cfg.DiskFilesizes))
	for i, sz := range cfg.DiskFilesizes {
		out[i] = int(sz / bytesPerPage)
	}
	return out
}
