package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WithoutKeyIsDisabled(t *testing.T) {
	a := New(Config{})
	_, err := a.Suggest(context.Background(), "a", "b")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestBuildPrompt(t *testing.T) {
	p := BuildPrompt("x = 1", "x = 2")
	assert.Contains(t, p, "Version A")
	assert.Contains(t, p, "x = 1")
	assert.Contains(t, p, "Version B")
	assert.Contains(t, p, "x = 2")
}

func fakeCompletionServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openai.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		require.Len(t, req.Messages, 2)

		resp := openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{
				{Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestOpenAIAnalyzer_Suggest(t *testing.T) {
	srv := fakeCompletionServer(t, "merge them like this")
	defer srv.Close()

	a := New(Config{APIKey: "sk-test", Model: "test-model", BaseURL: srv.URL + "/v1"})
	got, err := a.Suggest(context.Background(), "x = 1", "x = 2")
	require.NoError(t, err)
	assert.Equal(t, "merge them like this", got)
}

func TestOpenAIAnalyzer_EmptyCompletion(t *testing.T) {
	srv := fakeCompletionServer(t, "   ")
	defer srv.Close()

	a := New(Config{APIKey: "sk-test", Model: "test-model", BaseURL: srv.URL + "/v1"})
	_, err := a.Suggest(context.Background(), "x = 1", "x = 2")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestOpenAIAnalyzer_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"boom"}}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := New(Config{APIKey: "sk-test", Model: "test-model", BaseURL: srv.URL + "/v1"})
	_, err := a.Suggest(context.Background(), "x = 1", "x = 2")
	assert.Error(t, err)
}
