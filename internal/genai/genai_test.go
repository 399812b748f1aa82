package genai

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/NiaCoach/internal/models"
	"github.com/openai/openai-go"
	"github.com/sony/gobreaker"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp  openai.ChatCompletion
	err   error
	calls int
	last  openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.calls++
	m.last = params
	return m.resp, m.err
}

func reply(content string) openai.ChatCompletion {
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

func TestConverse_ServiceError(t *testing.T) {
	client := &Client{chat: &mockChatService{err: errors.New("service failure")}}
	_, updated, err := client.Converse(context.Background(), "sys", nil, "usr")
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
	if updated != nil {
		t.Errorf("transcript returned on failure: %+v", updated)
	}
}

func TestGenerateStructured_NoChoices(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: openai.ChatCompletion{}}}
	_, err := client.GenerateStructured(context.Background(), "sys", "usr")
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected no choices returned error, got %v", err)
	}
}

func TestNewClient_NoKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewClient()
	if !errors.Is(err, ErrAPIKeyNotSet) {
		t.Errorf("expected ErrAPIKeyNotSet, got %v", err)
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("gpt-test"), WithCircuitBreaker(3, time.Minute))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli.model != "gpt-test" || cli.breaker == nil {
		t.Errorf("options not applied: model=%q breaker=%v", cli.model, cli.breaker != nil)
	}
}

func TestNewClient_EnvKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "env-key")
	cli, err := NewClient()
	if err != nil {
		t.Fatalf("expected env key to be used, got %v", err)
	}
	if cli.model != DefaultModel {
		t.Errorf("model = %q, want %q", cli.model, DefaultModel)
	}
}

func TestConverse_AppendsTurns(t *testing.T) {
	mock := &mockChatService{resp: reply("Hi Ana!")}
	client := &Client{chat: mock, model: "test-model"}
	history := models.Transcript{
		{Role: models.RoleUser, Content: "hello"},
		{Role: models.RoleAssistant, Content: "hey"},
	}

	out, updated, err := client.Converse(context.Background(), "be kind", history, "I'm Ana")
	if err != nil {
		t.Fatalf("Converse failed: %v", err)
	}
	if out != "Hi Ana!" {
		t.Errorf("reply = %q", out)
	}
	if len(updated) != 4 || updated[2].Content != "I'm Ana" || updated[3].Role != models.RoleAssistant {
		t.Errorf("updated transcript = %+v", updated)
	}
	if len(history) != 2 {
		t.Errorf("input history modified: %+v", history)
	}
	// system + 2 history + new user message
	if got := len(mock.last.Messages); got != 4 {
		t.Errorf("sent %d messages, want 4", got)
	}
}

func TestConverse_NoSystemPrompt(t *testing.T) {
	mock := &mockChatService{resp: reply("ok")}
	client := &Client{chat: mock}
	if _, _, err := client.Converse(context.Background(), "", nil, "start"); err != nil {
		t.Fatalf("Converse failed: %v", err)
	}
	if got := len(mock.last.Messages); got != 1 {
		t.Errorf("sent %d messages, want 1", got)
	}
}

func TestConverseJSON_Invalid(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: reply("not json")}}
	_, updated, err := client.ConverseJSON(context.Background(), "", nil, "hi")
	if !errors.Is(err, ErrInvalidJSON) {
		t.Fatalf("expected ErrInvalidJSON, got %v", err)
	}
	if updated != nil {
		t.Errorf("transcript returned on invalid JSON: %+v", updated)
	}
}

func TestConverseJSON_Valid(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: reply(`{"isDone":false}`)}}
	raw, updated, err := client.ConverseJSON(context.Background(), "", nil, "hi")
	if err != nil {
		t.Fatalf("ConverseJSON failed: %v", err)
	}
	if string(raw) != `{"isDone":false}` || len(updated) != 2 {
		t.Errorf("raw=%s updated=%+v", raw, updated)
	}
}

func TestGenerateStructured(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: reply(`{"messages":["a","b"]}`)}}
	raw, err := client.GenerateStructured(context.Background(), "role", "make 2")
	if err != nil {
		t.Fatalf("GenerateStructured failed: %v", err)
	}
	if !strings.Contains(string(raw), `"messages"`) {
		t.Errorf("raw = %s", raw)
	}

	client = &Client{chat: &mockChatService{resp: reply("sorry")}}
	if _, err := client.GenerateStructured(context.Background(), "role", "make 2"); !errors.Is(err, ErrInvalidJSON) {
		t.Errorf("expected ErrInvalidJSON, got %v", err)
	}
}

func TestCircuitBreakerOpens(t *testing.T) {
	mock := &mockChatService{err: errors.New("upstream down")}
	client := &Client{chat: mock, breaker: newBreaker(2, time.Hour)}

	for i := 0; i < 2; i++ {
		if _, err := client.GenerateStructured(context.Background(), "s", "u"); err == nil {
			t.Fatalf("call %d: expected error", i)
		}
	}
	_, _, err := client.ConverseJSON(context.Background(), "s", nil, "u")
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("expected open circuit, got %v", err)
	}
	if mock.calls != 2 {
		t.Errorf("upstream called %d times, want 2", mock.calls)
	}
}
