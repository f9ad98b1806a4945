package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{"warning", WARN},
		{"Error", ERROR},
		{"", INFO},
		{"verbose", INFO},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	lg := NewWithWriter("WARN", &buf)

	lg.Debug("hidden debug")
	lg.Info("hidden info")
	lg.Warn("shown warn")
	lg.Error("shown error")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("lines below WARN leaked: %s", out)
	}
	if !strings.Contains(out, "[WARN] ") || !strings.Contains(out, "[ERROR] ") {
		t.Errorf("expected WARN and ERROR lines, got: %s", out)
	}
}

func TestNamedPrefixAndWriter(t *testing.T) {
	var buf bytes.Buffer
	lg := NewWithWriter("DEBUG", &buf).Named("coordinator").Named("server")

	lg.Info("Worker registered: worker_id=%d", 3)
	if !strings.Contains(buf.String(), "[coordinator.server] Worker registered: worker_id=3") {
		t.Errorf("missing component prefix: %s", buf.String())
	}

	buf.Reset()
	w := lg.Writer(ERROR)
	if _, err := w.Write([]byte("memberlist: suspect worker-2\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "[ERROR] ") || strings.Count(out, "\n") != 1 {
		t.Errorf("writer should emit one ERROR line, got %q", out)
	}
}
