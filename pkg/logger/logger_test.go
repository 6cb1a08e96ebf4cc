package logger

import (
	"bytes"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferedLogger(level LogLevel) (*SimpleLogger, *bytes.Buffer) {
	var buf bytes.Buffer
	l := New(level)
	l.writer = log.New(&buf, "", 0)
	return l, &buf
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DebugLevel, ParseLevel("debug"))
	assert.Equal(t, WarnLevel, ParseLevel("WARN"))
	assert.Equal(t, WarnLevel, ParseLevel("Warning"))
	assert.Equal(t, ErrorLevel, ParseLevel("ERROR"))
	assert.Equal(t, InfoLevel, ParseLevel("info"))
	assert.Equal(t, InfoLevel, ParseLevel("nonsense"))
	assert.Equal(t, InfoLevel, ParseLevel(""))
}

func TestLevelFiltering(t *testing.T) {
	l, buf := newBufferedLogger(WarnLevel)

	l.Debug("ignored", nil)
	l.Info("ignored", nil)
	l.Warn("kept", nil)
	l.Error("kept too", nil)

	out := buf.String()
	assert.NotContains(t, out, "ignored")
	assert.Contains(t, out, "[WARN] kept")
	assert.Contains(t, out, "[ERROR] kept too")
}

func TestSetLevel(t *testing.T) {
	l, buf := newBufferedLogger(ErrorLevel)

	l.Info("before", nil)
	l.SetLevel(DebugLevel)
	l.Debug("after", nil)

	assert.NotContains(t, buf.String(), "before")
	assert.Contains(t, buf.String(), "[DEBUG] after")
}

func TestFieldsAreSortedDeterministically(t *testing.T) {
	l, buf := newBufferedLogger(InfoLevel)

	l.Info("msg", map[string]interface{}{
		"zulu":  1,
		"alpha": 2,
		"mike":  3,
	})

	line := buf.String()
	require.Contains(t, line, "[INFO] msg alpha=2 mike=3 zulu=1")
}

func TestWithComponentTagsEveryLine(t *testing.T) {
	l, buf := newBufferedLogger(InfoLevel)
	tagged := l.WithComponent("event_bus")

	tagged.Info("started", map[string]interface{}{"queue": 64})

	assert.Contains(t, buf.String(), "component=event_bus")
	assert.Contains(t, buf.String(), "queue=64")

	// The parent logger stays untagged.
	buf.Reset()
	l.Info("plain", nil)
	assert.NotContains(t, buf.String(), "component=")
}

func TestFieldOverridesBase(t *testing.T) {
	l, buf := newBufferedLogger(InfoLevel)
	tagged := l.WithComponent("outer")

	tagged.Info("msg", map[string]interface{}{"component": "inner"})

	assert.Contains(t, buf.String(), "component=inner")
	assert.NotContains(t, buf.String(), "component=outer")
}
