package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	originalOutput := logger.Out
	originalLevel := logger.GetLevel()
	logger.SetOutput(&buf)
	t.Cleanup(func() {
		logger.SetOutput(originalOutput)
		logger.SetLevel(originalLevel)
	})
	return &buf
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   DebugLevel,
		"INFO":    InfoLevel,
		"":        InfoLevel,
		"warning": WarnLevel,
		"error":   ErrorLevel,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		assert.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestSetLevel(t *testing.T) {
	buf := captureOutput(t)

	SetLevel(InfoLevel)
	assert.False(t, DebugEnabled())

	// Debug should not be logged
	Debugf("Debug message")
	assert.Empty(t, buf.String())

	buf.Reset()
	Infof("Info message")
	assert.Contains(t, buf.String(), "Info message")

	SetLevel(DebugLevel)
	assert.True(t, DebugEnabled())
}

func TestForConn(t *testing.T) {
	buf := captureOutput(t)
	SetLevel(DebugLevel)

	ForConn("10.0.0.1:80-10.0.0.2:5000").WithField("state", "ESTABLISHED").Debug("state change")

	out := buf.String()
	assert.Contains(t, out, "state change")
	assert.Contains(t, out, "conn=\"10.0.0.1:80-10.0.0.2:5000\"")
	assert.Contains(t, out, "state=ESTABLISHED")
}

func TestFileLogging(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "test.log")

	require.NoError(t, EnableFileLogging(path, 10, 3, 7))
	defer logger.SetOutput(os.Stdout)

	Infof("File log test message")

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "File log test message")
}

func TestConfigure(t *testing.T) {
	buf := captureOutput(t)
	defer SetFormat("text")

	require.NoError(t, Configure(Options{Level: "warn", Format: "json"}))
	Infof("hidden")
	Warnf("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "\"msg\":\"shown\"")

	assert.Error(t, Configure(Options{Level: "loud"}))
	assert.Error(t, Configure(Options{Format: "xml"}))
}

func TestSetFormat(t *testing.T) {
	buf := captureOutput(t)
	defer SetFormat("text")

	require.NoError(t, SetFormat("json"))
	Infof("JSON formatted message")

	logOutput := buf.String()
	assert.Contains(t, logOutput, "\"level\":\"info\"")
	assert.Contains(t, logOutput, "\"msg\":\"JSON formatted message\"")

	assert.Error(t, SetFormat("xml"))
}

func TestSetOutput(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)

	Warnf("Custom output message")
	assert.Contains(t, buf.String(), "Custom output message")
}
