package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerPrint(t *testing.T) {
	old := Default()
	t.Cleanup(func() { SetDefault(old) })

	var buf bytes.Buffer
	SetOutput(&buf)
	Printf("Test Printf %d", 123)
	Println("Test Println")

	out := buf.String()
	assert.Contains(t, out, "Test Printf 123")
	assert.Contains(t, out, "Test Println")
	assert.Contains(t, out, "app=dtt")
}

func TestNewLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New("warn", "json", &buf)
	l.Info("dropped")
	l.Warn("kept", "file", "a.dts")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "kept", rec["msg"])
	assert.Equal(t, "a.dts", rec["file"])
	assert.Equal(t, "WARN", rec["level"])
}

func TestDiscard(t *testing.T) {
	l := Discard()
	assert.False(t, l.Enabled(context.Background(), slog.LevelError))
}

func TestLoggerFatal(t *testing.T) {
	if os.Getenv("TEST_LOGGER_FATAL") == "1" {
		Fatal("Test Fatal")
		return
	}
	cmd := exec.Command(os.Args[0], "-test.run=TestLoggerFatal")
	cmd.Env = append(os.Environ(), "TEST_LOGGER_FATAL=1")
	err := cmd.Run()
	if e, ok := err.(*exec.ExitError); ok && !e.Success() {
		return
	}
	t.Fatalf("process ran with err %v, want exit status 1", err)
}

func TestLoggerFatalf(t *testing.T) {
	if os.Getenv("TEST_LOGGER_FATALF") == "1" {
		Fatalf("Test Fatalf %d", 456)
		return
	}
	cmd := exec.Command(os.Args[0], "-test.run=TestLoggerFatalf")
	cmd.Env = append(os.Environ(), "TEST_LOGGER_FATALF=1")
	out, err := cmd.CombinedOutput()
	if e, ok := err.(*exec.ExitError); ok && !e.Success() {
		assert.Contains(t, string(out), "Test Fatalf 456")
		return
	}
	t.Fatalf("process ran with err %v, want exit status 1", err)
}
