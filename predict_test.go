package sql2nl_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/KaLuLas/SQL2NL-demo"
)

// stubMaterializer returns a fixed path and error without touching the disk.
type stubMaterializer struct {
	path string
	err  error
}

func (s *stubMaterializer) Materialize(dbID, goldText, sourceQuery, identifier string) (string, error) {
	return s.path, s.err
}

func newTestService(t *testing.T, files sql2nl.Materializer, load bool) *sql2nl.Service {
	t.Helper()
	reg := sql2nl.NewRegistry(testRegistryConfig(t), zap.NewNop())
	if load {
		for _, tag := range sql2nl.SupportedArchitectures() {
			writeStubCheckpoint(t, reg, tag, tag)
		}
		require.NoError(t, reg.LoadAll())
	}
	return sql2nl.NewService(reg, reg.Datasets(), files, nil, zap.NewNop())
}

func TestPredictUnsupportedModel(t *testing.T) {
	svc := newTestService(t, &stubMaterializer{}, false)

	result := svc.Predict("LSTM2", "concert_singer", "", "SELECT name FROM singer", "req-1")

	assert.False(t, result.Success)
	assert.Equal(t, "LSTM2", result.ModelName)
	assert.Equal(t, "SELECT name FROM singer", result.Original)
	assert.False(t, result.HasScore)
	assert.Empty(t, result.Result)
	assert.Zero(t, result.Score)
	assert.Contains(t, result.FailedReason, "LSTM2")
	assert.Contains(t, result.FailedReason,
		"[BiLSTM Relative-Transformer Transformer TreeLSTM]")
}

func TestPredictBeforeLoadAll(t *testing.T) {
	svc := newTestService(t, &stubMaterializer{}, false)
	assert.False(t, svc.Ready())

	result := svc.Predict(sql2nl.ArchBiLSTM, "concert_singer", "gold text", "SELECT name FROM singer", "req-2")

	assert.False(t, result.Success)
	assert.True(t, result.HasScore, "gold text marks the result scoreable even on failure")
	assert.Zero(t, result.Score)
	assert.Contains(t, result.FailedReason, "checkpoint for model BiLSTM is not loaded yet")
}

func TestPredictEmptyMaterializedPath(t *testing.T) {
	svc := newTestService(t, &stubMaterializer{path: ""}, true)
	assert.True(t, svc.Ready())

	result := svc.Predict(sql2nl.ArchTreeLSTM, "concert_singer", "", "SELECT name FROM singer", "req-3")

	assert.False(t, result.Success)
	assert.Equal(t, sql2nl.ArchTreeLSTM, result.ModelName)
	assert.Contains(t, result.FailedReason, "TreeLSTM")
	assert.Contains(t, result.FailedReason, "dataset build failed")
}

func TestPredictMalformedRecordPath(t *testing.T) {
	svc := newTestService(t, &stubMaterializer{path: "/nonexistent/input.json"}, true)

	result := svc.Predict(sql2nl.ArchBiLSTM, "concert_singer", "", "SELECT name FROM singer", "req-4")

	assert.False(t, result.Success)
	assert.Contains(t, result.FailedReason, "build dataset for BiLSTM")
}

func TestEvaluationResultJSON(t *testing.T) {
	result := sql2nl.EvaluationResult{
		ModelName:    "BiLSTM",
		Original:     "SELECT name FROM singer",
		HasScore:     true,
		Result:       "what are the names of all singers",
		Score:        0.42,
		Success:      true,
		FailedReason: "",
	}

	content, err := json.Marshal(result)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"modelName": "BiLSTM",
		"original": "SELECT name FROM singer",
		"hasScore": true,
		"result": "what are the names of all singers",
		"score": 0.42,
		"success": true,
		"failedReason": ""
	}`, string(content))
}
