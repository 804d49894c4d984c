package core

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func getLogEntries(buf *bytes.Buffer) []string {
	var entries []string
	for _, entry := range strings.Split(buf.String(), "\n") {
		if strings.TrimSpace(entry) != "" {
			entries = append(entries, entry)
		}
	}
	return entries
}

// captureLogs routes package-level logging into a buffer for the duration of the test
func captureLogs(t *testing.T) *bytes.Buffer {
	buf := new(bytes.Buffer)
	previous := Logger()
	SetLogger(NewJSONLogger(zapcore.AddSync(buf)))
	t.Cleanup(func() {
		SetLogger(previous)
		SetLoggingLevel("info")
	})
	return buf
}

func TestLoggingLevels(t *testing.T) {
	ExitOnFatalLog = false // important
	defer func() { ExitOnFatalLog = true }()
	cases := []struct {
		level    string
		expected int
	}{
		{level: "debug", expected: 5},
		{level: "5", expected: 5},
		{level: "info", expected: 4},
		{level: "warn", expected: 3},
		{level: "error", expected: 2},
		{level: "fatal", expected: 1},
		{level: "none", expected: 0},
		{level: "0", expected: 0},
	}
	for _, c := range cases {
		buf := captureLogs(t)
		if err := SetLoggingLevel(c.level); err != nil {
			t.Fatalf("error: %v", err)
		}
		Debugf("%s", "message")
		Infof("%s", "message")
		Warnf("%s", "message")
		Errorf("%s", "message")
		Fatalf("%s", "message")
		assert.Len(t, getLogEntries(buf), c.expected, c.level)
	}
}

func TestJSONLogEntry(t *testing.T) {
	buf := captureLogs(t)
	SetLoggingLevel("info")
	Warnf("acquisition %d skipped", 3)
	entries := getLogEntries(buf)
	if assert.Len(t, entries, 1) {
		assert.Contains(t, entries[0], `"level":"warn"`)
		assert.Contains(t, entries[0], `"msg":"acquisition 3 skipped"`)
	}
}

func TestInvalidLoggingLevel(t *testing.T) {
	defer SetLoggingLevel("info")
	assert.Error(t, SetLoggingLevel("verbose"))
	assert.NoError(t, SetLoggingLevel("none"))
	assert.Equal(t, "none", LoggingLevel())
	assert.NoError(t, SetLoggingLevel("WARN"))
	assert.Equal(t, "warn", LoggingLevel())
}
