package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInit_FileSinkReceivesEvents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "odis.log")
	Init(Options{Level: "debug", File: path, Service: "signer"})
	t.Cleanup(func() { Init(Options{}) })

	InfoJ("domain_sign", map[string]any{"result": "ok", "counter": 3})
	_ = Sync()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	line := string(b)
	for _, want := range []string{`"event":"domain_sign"`, `"result":"ok"`, `"service":"signer"`, `"counter":3`} {
		if !strings.Contains(line, want) {
			t.Fatalf("missing %s in %s", want, line)
		}
	}
}

func TestSetLevel_FiltersBelowThreshold(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "odis.log")
	Init(Options{Level: "error", File: path})
	t.Cleanup(func() { Init(Options{}) })

	InfoJ("dropped", nil)
	ErrorJ("kept", map[string]any{"err": "x"})
	_ = Sync()

	b, _ := os.ReadFile(path)
	if strings.Contains(string(b), "dropped") {
		t.Fatalf("info line should be filtered: %s", b)
	}
	if !strings.Contains(string(b), "kept") {
		t.Fatalf("error line missing: %s", b)
	}
}
