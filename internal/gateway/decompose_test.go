package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgecoder/mesh/internal/config"
	"github.com/edgecoder/mesh/internal/core"
	"github.com/edgecoder/mesh/internal/provider"
)

func genReturning(text string, err error) provider.GeneratorFunc {
	return func(ctx context.Context, prompt string) (string, error) {
		return text, err
	}
}

func TestDecomposeParsesModelSteps(t *testing.T) {
	raw := "Here is the plan:\n```json\n" +
		`[{"input":"write the parser","kind":"single_step","timeoutMs":10000},` +
		`{"input":"add the edge cases","kind":"micro_loop","timeoutMs":999999}]` +
		"\n```"

	subtasks := Decompose(context.Background(), genReturning(raw, nil),
		core.Task{TaskID: "t1", Prompt: "build a csv parser", Language: core.LangPython})

	require.Len(t, subtasks, 2)
	assert.Equal(t, "write the parser", subtasks[0].Input)
	assert.Equal(t, core.KindSingleStep, subtasks[0].Kind)
	assert.Equal(t, 10000, subtasks[0].TimeoutMs)
	assert.Equal(t, core.KindMicroLoop, subtasks[1].Kind)
	assert.Equal(t, core.MaxSubtaskTimeoutMs, subtasks[1].TimeoutMs, "timeouts are clamped")
	for _, st := range subtasks {
		assert.Equal(t, "t1", st.TaskID)
		assert.Equal(t, core.LangPython, st.Language)
		assert.NotEmpty(t, st.SubtaskID)
	}
}

func TestDecomposeCapsAtTen(t *testing.T) {
	var steps []map[string]any
	for i := 0; i < 15; i++ {
		steps = append(steps, map[string]any{"input": "step", "kind": "single_step", "timeoutMs": 5000})
	}
	raw, _ := json.Marshal(steps)

	subtasks := Decompose(context.Background(), genReturning(string(raw), nil),
		core.Task{TaskID: "t2", Prompt: "big task", Language: core.LangJavaScript})
	assert.Len(t, subtasks, maxSubtasks)
}

func TestDecomposeFallsBackOnGarbage(t *testing.T) {
	for _, raw := range []string{"I cannot split this task.", `{"not":"an array"}`, ""} {
		subtasks := Decompose(context.Background(), genReturning(raw, nil),
			core.Task{TaskID: "t3", Prompt: "sort a list", Language: core.LangPython})
		require.Len(t, subtasks, 1)
		assert.Equal(t, core.KindSingleStep, subtasks[0].Kind)
		assert.Equal(t, "sort a list", subtasks[0].Input)
	}
}

func TestDecomposeFallsBackOnModelError(t *testing.T) {
	subtasks := Decompose(context.Background(), genReturning("", errors.New("model down")),
		core.Task{TaskID: "t4", Prompt: "sort a list", Language: core.LangPython})
	require.Len(t, subtasks, 1)
	assert.Equal(t, "sort a list", subtasks[0].Input)
}

func TestEscalateEndpointWrapsSeniorPrompt(t *testing.T) {
	var seenPrompt string
	gen := provider.GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
		seenPrompt = prompt
		return "```python\nprint('fixed')\n```", nil
	})
	srv := httptest.NewServer(NewServer(config.InferenceConfig{Provider: provider.ProviderOllamaLocal}, gen, nil, nil, nil, nil).Router())
	defer srv.Close()

	body, _ := json.Marshal(core.EscalationRequest{
		TaskID: "t5", Language: core.LangPython,
		Prompt: "print a greeting", Code: "prnt('hi')", ErrorOutput: "NameError",
	})
	resp, err := http.Post(srv.URL+"/escalate", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result core.EscalationResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, "completed", result.Status)
	assert.Equal(t, "print('fixed')", result.ImprovedCode)
	assert.Contains(t, seenPrompt, "senior python engineer")
	assert.Contains(t, seenPrompt, "NameError")
}

func TestAuthTokenEnforced(t *testing.T) {
	gen := genReturning("[]", nil)
	srv := httptest.NewServer(NewServer(config.InferenceConfig{AuthToken: "sekrit"}, gen, nil, nil, nil, nil).Router())
	defer srv.Close()

	body, _ := json.Marshal(core.Task{Prompt: "x", Language: core.LangPython})
	resp, err := http.Post(srv.URL+"/decompose", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/decompose", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer sekrit")
	req.Header.Set("Content-Type", "application/json")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
