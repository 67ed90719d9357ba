package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

func TestWriter_WithDirOnly(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{File: FileConfig{Dir: dir}}
	w := cfg.Writer("prefork")
	if w == nil {
		t.Fatalf("expected writer when Dir is set")
	}
	_, _ = w.Write([]byte("hello\n"))
	_ = w.Close()
	if _, err := os.Stat(filepath.Join(dir, "prefork.log")); err != nil {
		t.Fatalf("log not created: %v", err)
	}
}

func TestWriter_Defaults(t *testing.T) {
	if (Config{}).Writer("n") != nil {
		t.Fatalf("expected nil writer without file config")
	}
	w := Config{File: FileConfig{Path: filepath.Join(t.TempDir(), "x.log")}}.Writer("n")
	l, ok := w.(*lj.Logger)
	if !ok {
		t.Fatalf("writer is not lumberjack.Logger")
	}
	if l.MaxSize != 10 || l.MaxBackups != 3 || l.MaxAge != 7 {
		t.Fatalf("unexpected defaults: size=%d backups=%d age=%d", l.MaxSize, l.MaxBackups, l.MaxAge)
	}
	_ = w.Close()
}

func TestWriter_Overrides(t *testing.T) {
	cfg := Config{File: FileConfig{Path: filepath.Join(t.TempDir(), "y.log"), MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}}
	l := cfg.Writer("n").(*lj.Logger)
	if l.MaxSize != 1 || l.MaxBackups != 9 || l.MaxAge != 11 || !l.Compress {
		t.Fatalf("unexpected overrides: size=%d backups=%d age=%d compress=%t", l.MaxSize, l.MaxBackups, l.MaxAge, l.Compress)
	}
	_ = l.Close()
}

func TestNew_JSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "json.log")
	log, closer, err := Config{Level: "debug", Format: "json", File: FileConfig{Path: path}}.New("x")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Debug("spawned", "pid", 42)
	_ = closer.Close()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(b), &rec); err != nil {
		t.Fatalf("not json: %q", b)
	}
	if rec["msg"] != "spawned" || rec["pid"].(float64) != 42 {
		t.Fatalf("unexpected record: %v", rec)
	}
}

func TestNew_Errors(t *testing.T) {
	if _, _, err := (Config{Level: "loud"}).New("x"); err == nil {
		t.Fatalf("expected level error")
	}
	if _, _, err := (Config{Format: "xml"}).New("x"); err == nil {
		t.Fatalf("expected format error")
	}
}

func TestColorTextHandler(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewColorTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false)).With("pid", 7)
	log.Warn("idle set empty")
	out := buf.String()
	if !strings.Contains(out, "WARN") || !strings.Contains(out, "idle set empty") || !strings.Contains(out, "pid=7") {
		t.Fatalf("unexpected output: %q", out)
	}
	if strings.Contains(out, "time=") {
		t.Fatalf("time should be dropped: %q", out)
	}
}
