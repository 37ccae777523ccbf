package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Options{Level: "debug", NoColors: true, Output: &buf})
	require.NoError(t, err)

	log.WithFields(Fields{"component": "tracker", "state": "scanning"}).Debug("State changed")
	out := buf.String()
	assert.Contains(t, out, "State changed")
	assert.Contains(t, out, "component:tracker")
	assert.Contains(t, out, "state:scanning")
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New(Options{Level: "chatty"})
	assert.Error(t, err)
}

func TestNewWritesFile(t *testing.T) {
	var buf bytes.Buffer
	file := filepath.Join(t.TempDir(), "tracker.log")
	log, err := New(Options{File: file, NoColors: true, Output: &buf})
	require.NoError(t, err)

	log.Info("Training complete")
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Training complete")
}
