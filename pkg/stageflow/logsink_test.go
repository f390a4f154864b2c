package stageflow_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-speechflow/pkg/stageflow"
)

func TestLogSink_PublishesEntrySchema(t *testing.T) {
	ch := newFakeChannel()
	sink := stageflow.NewLogSink("log_queue", zerolog.Nop())
	sink.Bind(ch)

	sink.Emit(stageflow.LevelInfo, "successfully published result")

	bodies := ch.publishedBodies("log_queue")
	require.Len(t, bodies, 1)

	var raw map[string]string
	require.NoError(t, json.Unmarshal(bodies[0], &raw))
	assert.Equal(t, map[string]string{
		"level":   "INFO",
		"message": "successfully published result",
	}, raw, "the wire schema is exactly level and message")
}

func TestLogSink_UnboundFallsBackToConsole(t *testing.T) {
	var console bytes.Buffer
	sink := stageflow.NewLogSink("log_queue", zerolog.New(&console))

	sink.Emit(stageflow.LevelError, "broker connection failed")

	assert.Contains(t, console.String(), "broker connection failed")
	assert.Contains(t, console.String(), `"level":"error"`)
}

func TestLogSink_PublishFailureFallsBackToConsole(t *testing.T) {
	ch := newFakeChannel()
	ch.publishErr["log_queue"] = errors.New("channel closed")
	var console bytes.Buffer
	sink := stageflow.NewLogSink("log_queue", zerolog.New(&console))
	sink.Bind(ch)

	sink.Emit(stageflow.LevelWarning, "malformed payload")

	assert.Empty(t, ch.publishedBodies("log_queue"))
	assert.Contains(t, console.String(), "malformed payload")
	assert.Contains(t, console.String(), `"level":"warn"`)
}

func TestLogSink_StageCategoryKeptOnConsole(t *testing.T) {
	var console bytes.Buffer
	sink := stageflow.NewLogSink("log_queue", zerolog.New(&console))

	sink.Emit("TRANSLATION_ERROR", "api call failed: http:503")

	assert.Contains(t, console.String(), `"category":"TRANSLATION_ERROR"`)
	assert.Contains(t, console.String(), "http:503")
}

func TestLogSink_BindNilDetaches(t *testing.T) {
	ch := newFakeChannel()
	var console bytes.Buffer
	sink := stageflow.NewLogSink("log_queue", zerolog.New(&console))
	sink.Bind(ch)
	sink.Bind(nil)

	sink.Emit(stageflow.LevelInfo, "reconnecting")

	assert.Empty(t, ch.publishedBodies("log_queue"))
	assert.Contains(t, console.String(), "reconnecting")
}
