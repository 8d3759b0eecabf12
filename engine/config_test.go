package engine

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "shades.conf")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestOpenConfigParsesOptions(t *testing.T) {
	path := writeConfigFile(t, `
# a comment line, and a blank line above
disk_filename = a.0, a.1
disk_filesize = 1M, 2M
db_size = 8M
first_generation_size = 64k
max_generation_size = 32
start_gc_limit = 10
max_gc_limit = 20
max_gc_effort = 1000
allow_additional_generationality = false
generation_shrinkage_margin = 0.3
be_verbose = yes
`)

	cfg, err := OpenConfig(path)
	if err != nil {
		t.Fatalf("OpenConfig: %v", err)
	}

	if got, want := cfg.DiskFilenames, []string{"a.0", "a.1"}; len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("DiskFilenames = %v, want %v", got, want)
	}
	if got, want := cfg.DiskFilesizes, []int64{1024 * 1024, 2 * 1024 * 1024}; len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("DiskFilesizes = %v, want %v", got, want)
	}
	if cfg.DBSize != 8*1024*1024 {
		t.Fatalf("DBSize = %d, want %d", cfg.DBSize, 8*1024*1024)
	}
	if cfg.FirstGenerationSize != 64*1024 {
		t.Fatalf("FirstGenerationSize = %d, want %d", cfg.FirstGenerationSize, 64*1024)
	}
	if cfg.MaxGenerationSize != 32 {
		t.Fatalf("MaxGenerationSize = %d, want 32", cfg.MaxGenerationSize)
	}
	if cfg.AllowAdditionalGenerationality {
		t.Fatal("AllowAdditionalGenerationality should be false")
	}
	if !cfg.BeVerbose {
		t.Fatal("BeVerbose should be true")
	}
}

// TestOpenConfigDiskFilesizeInheritsPrevious checks the rule that
// a missing or explicit-0 disk_filesize entry inherits the size of the
// previous file in the list.
func TestOpenConfigDiskFilesizeInheritsPrevious(t *testing.T) {
	path := writeConfigFile(t, `
disk_filename = a.0, a.1, a.2
disk_filesize = 4M, 0, 4M
`)
	cfg, err := OpenConfig(path)
	if err != nil {
		t.Fatalf("OpenConfig: %v", err)
	}
	want := []int64{4 * 1024 * 1024, 4 * 1024 * 1024, 4 * 1024 * 1024}
	if len(cfg.DiskFilesizes) != 3 {
		t.Fatalf("DiskFilesizes = %v, want len 3", cfg.DiskFilesizes)
	}
	for i, w := range want {
		if cfg.DiskFilesizes[i] != w {
			t.Fatalf("DiskFilesizes[%d] = %d, want %d", i, cfg.DiskFilesizes[i], w)
		}
	}
}

func TestOpenConfigRejectsUnrecognizedOption(t *testing.T) {
	path := writeConfigFile(t, "not_a_real_option = 1\n")
	if _, err := OpenConfig(path); err == nil {
		t.Fatal("expected an error for an unrecognized option")
	}
}

func TestOpenConfigRejectsMalformedLine(t *testing.T) {
	path := writeConfigFile(t, "this line has no equals sign\n")
	if _, err := OpenConfig(path); err == nil {
		t.Fatal("expected an error for a line with no '='")
	}
}

func TestOpenConfigMissingFile(t *testing.T) {
	if _, err := OpenConfig(filepath.Join(t.TempDir(), "does-not-exist.conf")); err == nil {
		t.Fatal("expected an error opening a nonexistent config file")
	}
}

func TestConfigSizingHelpers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DBSize = 4 * 1024 * 1024
	cfg.FirstGenerationSize = 256 * 1024
	cfg.DiskFilesizes = []int64{1024 * 1024}

	if got, want := cfg.NumPages(), (4*1024*1024)/(1024*4); got != want {
		t.Fatalf("NumPages() = %d, want %d", got, want)
	}
	if got, want := cfg.NurseryWords(), (256*1024)/4; got != want {
		t.Fatalf("NurseryWords() = %d, want %d", got, want)
	}
	pages := cfg.PagesPerFile()
	if len(pages) != 1 || pages[0] != (1024*1024)/(1024*4) {
		t.Fatalf("PagesPerFile() = %v", pages)
	}
}
