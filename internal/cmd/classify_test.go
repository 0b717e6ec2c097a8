package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/testshift/pkg/classify"
	"github.com/3leaps/testshift/pkg/manifest"
	"github.com/3leaps/testshift/pkg/output"
)

func TestStreamSink(t *testing.T) {
	var buf bytes.Buffer
	sink := newStreamSink(&buf)

	require.NoError(t, sink.Write(output.NewErrorRecord(manifest.Change{PRNumber: 7}, classify.StageOverlay, "compile error")))
	require.NoError(t, sink.Write(output.NewErrorRecord(manifest.Change{ID: "widgets-8"}, classify.StageHead, "timeout")))

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)

	var rec output.ResultRecord
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &rec))
	assert.Equal(t, "widgets-8", rec.Key())
	assert.Equal(t, "timeout", rec.Errors[classify.StageHead])
}

type failingSink struct{}

func (failingSink) Write(*output.ResultRecord) error { return errors.New("disk full") }

func TestTallySink(t *testing.T) {
	var buf bytes.Buffer
	tally := &tallySink{next: newStreamSink(&buf)}

	require.NoError(t, tally.Write(output.NewErrorRecord(manifest.Change{PRNumber: 1}, classify.StageEnvironment, "clone failed")))
	require.NoError(t, tally.Write(output.NewErrorRecord(manifest.Change{PRNumber: 2}, classify.StageEnvironment, "clone failed")))
	assert.Equal(t, 2, tally.summary.Changes)
	assert.Equal(t, 2, tally.summary.Errored)
	assert.Equal(t, 2, tally.summary.ErrorsByStage[classify.StageEnvironment])

	failing := &tallySink{next: failingSink{}}
	assert.Error(t, failing.Write(output.NewErrorRecord(manifest.Change{PRNumber: 3}, classify.StageHead, "x")))
	assert.Zero(t, failing.summary.Changes, "records that were not written are not counted")
}
