package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLogger_JSONFormat(t *testing.T) {
	logger, closer := NewLogger("info", "json", "")
	defer closer.Close()
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNewLogger_TextFormat(t *testing.T) {
	logger, closer := NewLogger("debug", "text", "")
	defer closer.Close()
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNewLogger_DefaultFormat(t *testing.T) {
	// Formato desconhecido deve cair no default (JSON)
	logger, closer := NewLogger("info", "unknown", "")
	defer closer.Close()
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNewLogger_AllLevels(t *testing.T) {
	levels := []string{"debug", "info", "warn", "warning", "error", "unknown"}
	for _, level := range levels {
		logger, closer := NewLogger(level, "json", "")
		if logger == nil {
			t.Errorf("expected non-nil logger for level %q", level)
		}
		closer.Close()
	}
}

func TestNewLogger_FileTee(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.log")
	logger, closer := NewLogger("info", "json", path)

	logger.Info("written to both", "agent", "web-01")
	closer.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "written to both") {
		t.Errorf("log file missing record: %s", data)
	}
}

func TestNewLogger_BadFileFallsBack(t *testing.T) {
	// Diretório inexistente: loga aviso no stderr e segue só com stdout.
	logger, closer := NewLogger("info", "text", filepath.Join(t.TempDir(), "missing", "x.log"))
	defer closer.Close()
	if logger == nil {
		t.Fatal("expected non-nil logger even when file cannot be opened")
	}
	logger.Info("still works")
}
