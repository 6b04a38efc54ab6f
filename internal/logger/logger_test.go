package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(4, &buf)

	l.Info("dropped")
	l.Warn("kept", "kid", "k1")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "kept")
	assert.Contains(t, out, "kid=k1")
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(0, &buf).With("component", "keys")

	l.Info("rotated")

	assert.Contains(t, buf.String(), "component=keys")
}
