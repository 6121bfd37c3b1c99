package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevelsAndPrefix(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	if err := Setup("info", "logfmt"); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	Debugf("hidden %d", 1)
	Logf("[tracker] appeared %s", "spotify")
	Flush()

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line written at info level: %q", out)
	}
	if !strings.Contains(out, "[instance="+GetInstanceID()+"]") || !strings.Contains(out, "appeared spotify") {
		t.Fatalf("unexpected output: %q", out)
	}

	if err := SetLevel("debug"); err != nil {
		t.Fatalf("SetLevel: %v", err)
	}
	if !IsDebug() {
		t.Fatalf("IsDebug should be true after SetLevel(debug)")
	}
	Debugf("visible %d", 2)
	Flush()
	if !strings.Contains(buf.String(), "visible 2") {
		t.Fatalf("debug line missing: %q", buf.String())
	}
}

func TestSetupRejectsBadInput(t *testing.T) {
	if err := Setup("loud", "text"); err == nil {
		t.Fatalf("expected error for bad level")
	}
	if err := Setup("info", "xml"); err == nil {
		t.Fatalf("expected error for bad format")
	}
}

func TestLinesKeepTheirLevel(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	if err := Setup("debug", "logfmt"); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer Setup("info", "text")

	Debugf("d")
	Logf("i")
	Warnf("w")
	Errorf("e")
	Flush()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	want := []string{"level=debug", "level=info", "level=warn", "level=error"}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines, want %d: %q", len(lines), len(want), buf.String())
	}
	for i, w := range want {
		if !strings.Contains(lines[i], w) {
			t.Errorf("line %d = %q, want %s", i, lines[i], w)
		}
	}
}
