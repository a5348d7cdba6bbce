package ideprovider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgecoder/mesh/internal/provider"
)

func testServer(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	gen := provider.GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
		return reply, nil
	})
	catalog := provider.NewCatalog(provider.StaticLister{Models: []provider.ModelInfo{
		{Name: "qwen2.5-coder:1.5b", ParamB: 1.5, Installed: true},
	}}, provider.ProviderOllamaLocal, "qwen2.5-coder:1.5b", 1.5, nil)
	srv := httptest.NewServer(NewServer(gen, catalog).Router())
	t.Cleanup(srv.Close)
	return srv
}

func TestModelsEndpoint(t *testing.T) {
	srv := testServer(t, "")
	resp, err := http.Get(srv.URL + "/v1/models")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Object string `json:"object"`
		Data   []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "list", body.Object)
	require.Len(t, body.Data, 1)
	assert.Equal(t, "qwen2.5-coder:1.5b", body.Data[0].ID)
}

func TestChatCompletionNonStream(t *testing.T) {
	srv := testServer(t, "def add(a, b):\n    return a + b")

	body, _ := json.Marshal(chatRequest{
		Messages: []chatMessage{{Role: "user", Content: "write an add function"}},
	})
	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out chatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "chat.completion", out.Object)
	assert.Equal(t, "qwen2.5-coder:1.5b", out.Model)
	require.Len(t, out.Choices, 1)
	require.NotNil(t, out.Choices[0].Message)
	assert.Contains(t, out.Choices[0].Message.Content, "return a + b")
	require.NotNil(t, out.Choices[0].FinishReason)
	assert.Equal(t, "stop", *out.Choices[0].FinishReason)
}

func TestChatCompletionStreamEndsWithSentinel(t *testing.T) {
	long := strings.Repeat("print('chunked output')\n", 20)
	srv := testServer(t, long)

	body, _ := json.Marshal(chatRequest{
		Stream:   true,
		Messages: []chatMessage{{Role: "user", Content: "generate"}},
	})
	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			events = append(events, strings.TrimPrefix(line, "data: "))
		}
	}
	require.NoError(t, scanner.Err())
	require.GreaterOrEqual(t, len(events), 3, "role chunk, content chunks, finish chunk, sentinel")
	assert.Equal(t, "[DONE]", events[len(events)-1])

	// Reassembling the deltas yields the full completion.
	var rebuilt strings.Builder
	for _, ev := range events[:len(events)-1] {
		var chunk chatResponse
		require.NoError(t, json.Unmarshal([]byte(ev), &chunk))
		assert.Equal(t, "chat.completion.chunk", chunk.Object)
		if chunk.Choices[0].Delta != nil {
			rebuilt.WriteString(chunk.Choices[0].Delta.Content)
		}
	}
	assert.Equal(t, long, rebuilt.String())
}

func TestChatValidation(t *testing.T) {
	srv := testServer(t, "")
	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", strings.NewReader(`{"messages":[]}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
