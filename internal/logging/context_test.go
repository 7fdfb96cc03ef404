package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextIDs(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RunID(ctx))
	assert.Empty(t, StepID(ctx))

	ctx = WithIDs(ctx, "run-1", "step-1")
	assert.Equal(t, "run-1", RunID(ctx))
	assert.Equal(t, "step-1", StepID(ctx))
}

func TestCorrelationHandler_InjectsIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithIDs(context.Background(), "run-1", "approve")
	logger.InfoContext(ctx, "step started")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "run-1", record["run_id"])
	assert.Equal(t, "approve", record["step_id"])
	assert.Equal(t, "step started", record["msg"])
}

func TestCorrelationHandler_NoIDsNoAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "plain message")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.NotContains(t, record, "run_id")
	assert.NotContains(t, record, "step_id")
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	ctx := WithRunID(context.Background(), "run-1")
	LogWith(ctx, logger).Info("hello")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "run-1", record["run_id"])
	assert.NotContains(t, record, "step_id")
}
