package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aibench/internal/config"
)

func testPrompt() Prompt {
	return Prompt{
		System: "answer in json",
		User:   "fill the template\n" + `{"template":{"question":"q","answer_type":"single_choice","options":[{"id":7,"text":"a"},{"id":9,"text":"b"}]}}`,
		JSON:   true,
	}
}

func decodeBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	raw, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	return body
}

func TestOpenAI_Send(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		body := decodeBody(t, r)
		assert.Equal(t, "gpt-4o-mini", body["model"])
		assert.Equal(t, map[string]any{"type": "json_object"}, body["response_format"])
		messages := body["messages"].([]any)
		require.Len(t, messages, 2)
		assert.Equal(t, "system", messages[0].(map[string]any)["role"])

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":" {\"response\":{\"text\":\"hi\"}} "}}]}`))
	}))
	defer server.Close()

	p := NewOpenAI(server.Client(), config.ProviderConfig{BaseURL: server.URL})
	out, err := p.Send(context.Background(), Request{Model: "gpt-4o-mini", APIKey: "test-key", Prompt: testPrompt()})
	require.NoError(t, err)
	assert.Equal(t, `{"response":{"text":"hi"}}`, out)
}

func TestGrok_UsesOpenAIProtocol(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		w.Write([]byte(`{"choices":[{"message":{"content":"{}"}}]}`))
	}))
	defer server.Close()

	p := NewGrok(server.Client(), config.ProviderConfig{BaseURL: server.URL + "/"})
	assert.Equal(t, NameGrok, p.Name())
	out, err := p.Send(context.Background(), Request{Model: "grok-2", APIKey: "k", Prompt: testPrompt()})
	require.NoError(t, err)
	assert.Equal(t, "{}", out)
}

func TestAnthropic_Send(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))

		body := decodeBody(t, r)
		assert.Equal(t, "answer in json", body["system"])
		assert.EqualValues(t, anthropicMaxTokens, body["max_tokens"])

		w.Write([]byte(`{"content":[{"type":"text","text":"{\"response\":"},{"type":"text","text":"{\"value\":true}}"}]}`))
	}))
	defer server.Close()

	p := NewAnthropic(server.Client(), config.ProviderConfig{BaseURL: server.URL})
	out, err := p.Send(context.Background(), Request{Model: "claude", APIKey: "test-key", Prompt: testPrompt()})
	require.NoError(t, err)
	assert.Equal(t, `{"response":{"value":true}}`, out)
}

func TestGemini_Send(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-1.5-flash:generateContent", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))

		body := decodeBody(t, r)
		gen := body["generationConfig"].(map[string]any)
		assert.Equal(t, "application/json", gen["responseMimeType"])
		assert.Contains(t, body, "systemInstruction")

		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"{\"response\":{\"text\":\"ok\"}}"}]}}]}`))
	}))
	defer server.Close()

	p := NewGemini(server.Client(), config.ProviderConfig{BaseURL: server.URL})
	out, err := p.Send(context.Background(), Request{Model: "gemini-1.5-flash", APIKey: "test-key", Prompt: testPrompt()})
	require.NoError(t, err)
	assert.Equal(t, `{"response":{"text":"ok"}}`, out)
}

func TestSend_ErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantType   ErrorType
		wantSubstr string
	}{
		{
			name:       "rate_limit_with_nested_message",
			status:     http.StatusTooManyRequests,
			body:       `{"error":{"message":"slow down"}}`,
			wantType:   ErrorTypeRateLimit,
			wantSubstr: "slow down",
		},
		{
			name:       "auth_with_plain_error_string",
			status:     http.StatusUnauthorized,
			body:       `{"error":"bad key"}`,
			wantType:   ErrorTypeAuth,
			wantSubstr: "bad key",
		},
		{
			name:       "server_error_non_json_body",
			status:     http.StatusInternalServerError,
			body:       "upstream exploded",
			wantType:   ErrorTypeHTTPStatus,
			wantSubstr: "upstream exploded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			p := NewOpenAI(server.Client(), config.ProviderConfig{BaseURL: server.URL})
			_, err := p.Send(context.Background(), Request{Model: "m", APIKey: "k", Prompt: testPrompt()})
			require.Error(t, err)

			var pe *ProviderError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tt.wantType, pe.Type)
			assert.Equal(t, tt.status, pe.StatusCode)
			assert.Contains(t, pe.Error(), tt.wantSubstr)
		})
	}
}

func TestSend_EmptyReplyIsInvalidResponse(t *testing.T) {
	tests := []struct {
		name string
		body string
		send func(url string, c *http.Client) (string, error)
	}{
		{
			name: "openai_no_choices",
			body: `{"choices":[]}`,
			send: func(url string, c *http.Client) (string, error) {
				return NewOpenAI(c, config.ProviderConfig{BaseURL: url}).Send(context.Background(), Request{Model: "m", APIKey: "k", Prompt: testPrompt()})
			},
		},
		{
			name: "anthropic_no_text_blocks",
			body: `{"content":[{"type":"tool_use"}]}`,
			send: func(url string, c *http.Client) (string, error) {
				return NewAnthropic(c, config.ProviderConfig{BaseURL: url}).Send(context.Background(), Request{Model: "m", APIKey: "k", Prompt: testPrompt()})
			},
		},
		{
			name: "anthropic_empty_content",
			body: `{"content":[]}`,
			send: func(url string, c *http.Client) (string, error) {
				return NewAnthropic(c, config.ProviderConfig{BaseURL: url}).Send(context.Background(), Request{Model: "m", APIKey: "k", Prompt: testPrompt()})
			},
		},
		{
			name: "gemini_no_candidates",
			body: `{"candidates":[]}`,
			send: func(url string, c *http.Client) (string, error) {
				return NewGemini(c, config.ProviderConfig{BaseURL: url}).Send(context.Background(), Request{Model: "m", APIKey: "k", Prompt: testPrompt()})
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := tt.send(server.URL, server.Client())
			var pe *ProviderError
			require.True(t, errors.As(err, &pe), "err: %v", err)
			assert.Equal(t, ErrorTypeInvalidResponse, pe.Type)
		})
	}
}

func TestSend_InvalidResponseBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer server.Close()

	p := NewOpenAI(server.Client(), config.ProviderConfig{BaseURL: server.URL})
	_, err := p.Send(context.Background(), Request{Model: "m", APIKey: "k", Prompt: testPrompt()})

	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, ErrorTypeInvalidResponse, pe.Type)
}

func TestRegistry_Call(t *testing.T) {
	t.Run("unknown_provider", func(t *testing.T) {
		r := NewRegistry(time.Second)
		_, err := r.Call(context.Background(), "nope", "m", 0, "k", testPrompt())
		assert.ErrorIs(t, err, ErrUnknownProvider)
	})

	t.Run("missing_key_short_circuits", func(t *testing.T) {
		called := false
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
		}))
		defer server.Close()

		r := NewRegistry(time.Second)
		r.Register(NewOpenAI(server.Client(), config.ProviderConfig{BaseURL: server.URL}), 0)
		_, err := r.Call(context.Background(), "OpenAI", "m", 0, "  ", testPrompt())
		require.Error(t, err)
		assert.True(t, IsMissingAPIKey(err))
		assert.ErrorIs(t, err, ErrMissingAPIKey)
		assert.False(t, called)
	})

	t.Run("timeout_is_classified", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		}))
		defer server.Close()

		r := NewRegistry(50 * time.Millisecond)
		r.Register(NewOpenAI(server.Client(), config.ProviderConfig{BaseURL: server.URL}), 0)
		_, err := r.Call(context.Background(), NameOpenAI, "m", 0, "k", testPrompt())

		var pe *ProviderError
		require.True(t, errors.As(err, &pe))
		assert.Equal(t, ErrorTypeTimeout, pe.Type)
	})

	t.Run("sample_needs_no_key", func(t *testing.T) {
		r := NewRegistry(time.Second)
		r.Register(NewSample(), 0)
		assert.False(t, r.RequiresAPIKey(NameSample))

		out, err := r.Call(context.Background(), NameSample, "any", 0, "", testPrompt())
		require.NoError(t, err)
		assert.JSONEq(t, `{"response":{"selected_option_id":7}}`, out)
	})
}

func TestDefaultRegistry_Names(t *testing.T) {
	r := NewDefaultRegistry(config.Default())
	assert.Equal(t, []string{NameAnthropic, NameGemini, NameGrok, NameOpenAI, NameSample}, r.Names())
	assert.True(t, r.RequiresAPIKey(NameOpenAI))
}

func TestSample_AnswerTypes(t *testing.T) {
	tests := []struct {
		name string
		tpl  string
		want string
	}{
		{
			name: "free_text",
			tpl:  `{"template":{"answer_type":"free_text","options":[]}}`,
			want: `{"response":{"text":""}}`,
		},
		{
			name: "true_false",
			tpl:  `{"template":{"answer_type":"true_false","options":[]}}`,
			want: `{"response":{"value":true}}`,
		},
		{
			name: "single_choice_without_options",
			tpl:  `{"template":{"answer_type":"single_choice","options":[]}}`,
			want: `{"response":{"selected_option_id":null}}`,
		},
		{
			name: "ranking_keeps_option_order",
			tpl:  `{"template":{"answer_type":"ranking","options":[{"id":3,"text":"x"},{"id":1,"text":"y"}]}}`,
			want: `{"response":{"ordered_option_ids":[3,1]}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := NewSample().Send(context.Background(), Request{Prompt: Prompt{User: "header\n" + tt.tpl}})
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, out)
		})
	}
}
