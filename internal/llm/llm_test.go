package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scriptloop/internal/config"
	"scriptloop/internal/conversation"
)

func testMessages() []conversation.Message {
	return []conversation.Message{
		conversation.NewMessage(conversation.RoleSystem, "", "be brief"),
		conversation.NewMessage(conversation.RoleUser, "", "write code"),
		conversation.NewMessage(conversation.RoleSurrogate, "", "```go\npackage main\n```"),
	}
}

func newTestOpenAI(url string) *OpenAIClient {
	cfg := DefaultOpenAIConfig("sk-test")
	cfg.BaseURL = url
	cfg.RetryBase = time.Millisecond
	return NewOpenAIClientWithConfig(cfg)
}

func TestOpenAIClient_Complete(t *testing.T) {
	var got openAIRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  done  "}}]}`))
	}))
	defer ts.Close()

	text, err := newTestOpenAI(ts.URL).Complete(context.Background(), "gpt-test", testMessages())
	require.NoError(t, err)

	assert.Equal(t, "done", text)
	assert.Equal(t, "gpt-test", got.Model)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, "assistant", got.Messages[2].Role)
}

func TestOpenAIClient_RetriesRateLimit(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer ts.Close()

	text, err := newTestOpenAI(ts.URL).Complete(context.Background(), "m", testMessages())
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestOpenAIClient_ClientErrorIsNotRetried(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "context too long", http.StatusBadRequest)
	}))
	defer ts.Close()

	_, err := newTestOpenAI(ts.URL).Complete(context.Background(), "m", testMessages())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestOpenAIClient_NoKey(t *testing.T) {
	_, err := NewOpenAIClient("").Complete(context.Background(), "m", testMessages())
	assert.ErrorIs(t, err, ErrNoAPIKey)
}

func TestGeminiContents(t *testing.T) {
	system, contents := geminiContents(testMessages())
	require.NotNil(t, system)
	require.Len(t, contents, 2)
	assert.Equal(t, "user", string(contents[0].Role))
	assert.Equal(t, "model", string(contents[1].Role))
	assert.Equal(t, "be brief", system.Parts[0].Text)
}

func TestRouter(t *testing.T) {
	var used []string
	fake := func(name string) Client {
		return ClientFunc(func(_ context.Context, model string, _ []conversation.Message) (string, error) {
			used = append(used, name+":"+model)
			return "", nil
		})
	}
	r := &Router{OpenAI: fake("openai"), Gemini: fake("gemini")}

	_, err := r.Complete(context.Background(), "gpt-4o", nil)
	require.NoError(t, err)
	_, err = r.Complete(context.Background(), "gemini-2.5-pro", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"openai:gpt-4o", "gemini:gemini-2.5-pro"}, used)

	_, err = (&Router{}).Complete(context.Background(), "gpt-4o", nil)
	assert.Error(t, err)
}

func TestTiered(t *testing.T) {
	tiers := Tiered{Models: []string{"small", "large"}}
	assert.Equal(t, 2, tiers.Len())
	assert.Equal(t, "small", tiers.Model(-1))
	assert.Equal(t, "large", tiers.Model(1))
	assert.Equal(t, "large", tiers.Model(7))
	assert.Equal(t, "", Tiered{}.Model(0))
}

func TestNewFromConfig(t *testing.T) {
	c, err := NewFromConfig(context.Background(), config.LLMConfig{Provider: config.ProviderOpenAI, OpenAIKey: "k"}, "5s")
	require.NoError(t, err)
	oa, ok := c.(*OpenAIClient)
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, oa.cfg.Timeout)

	_, err = NewFromConfig(context.Background(), config.LLMConfig{Provider: config.ProviderGemini}, "")
	assert.True(t, errors.Is(err, ErrNoAPIKey))

	_, err = NewFromConfig(context.Background(), config.LLMConfig{Provider: "other"}, "")
	assert.Error(t, err)
}
