package dotenv

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFile_MissingFileIsNoop(t *testing.T) {
	t.Parallel()
	if err := LoadFile(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("LoadFile missing file error: %v", err)
	}
	if err := LoadFile(""); err != nil {
		t.Fatalf("LoadFile empty path error: %v", err)
	}
}

func TestLoadFile_DirectoryIsError(t *testing.T) {
	t.Parallel()
	if err := LoadFile(t.TempDir()); err == nil {
		t.Fatalf("expected error for directory path")
	}
}

func TestLoadFile_LoadsValuesAndPreservesExisting(t *testing.T) {
	tempDir := t.TempDir()
	envPath := filepath.Join(tempDir, ".env")
	content := "" +
		"# comment\n" +
		"RELAY_TEST_FROM_FILE=loaded\n" +
		"RELAY_TEST_QUOTED=\"hello world\"\n" +
		"export RELAY_TEST_EXPORTED=ok\n" +
		"RELAY_TEST_EXISTING=from_file\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	t.Setenv("RELAY_TEST_EXISTING", "already_set")
	for _, key := range []string{"RELAY_TEST_FROM_FILE", "RELAY_TEST_QUOTED", "RELAY_TEST_EXPORTED"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	if err := LoadFile(envPath); err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}

	if got := os.Getenv("RELAY_TEST_FROM_FILE"); got != "loaded" {
		t.Fatalf("RELAY_TEST_FROM_FILE=%q, want %q", got, "loaded")
	}
	if got := os.Getenv("RELAY_TEST_QUOTED"); got != "hello world" {
		t.Fatalf("RELAY_TEST_QUOTED=%q, want %q", got, "hello world")
	}
	if got := os.Getenv("RELAY_TEST_EXPORTED"); got != "ok" {
		t.Fatalf("RELAY_TEST_EXPORTED=%q, want %q", got, "ok")
	}
	if got := os.Getenv("RELAY_TEST_EXISTING"); got != "already_set" {
		t.Fatalf("RELAY_TEST_EXISTING=%q, want existing value preserved", got)
	}
}
