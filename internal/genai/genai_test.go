package genai

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openai/openai-go"
)

type mockChatService struct {
	resp   openai.ChatCompletion
	err    error
	params openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.params = params
	return m.resp, m.err
}

func replyOf(content string) openai.ChatCompletion {
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

func TestGenerate_Success(t *testing.T) {
	mock := &mockChatService{resp: replyOf("Hello World")}
	client := &Client{chat: mock, model: "test-model", temperature: 0.2, maxTokens: 50}

	out, err := client.Generate(context.Background(), "system prompt", "user prompt")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "Hello World" {
		t.Errorf("expected 'Hello World', got '%s'", out)
	}
	if string(mock.params.Model) != "test-model" {
		t.Errorf("expected model test-model, got %s", mock.params.Model)
	}
	if len(mock.params.Messages) != 2 {
		t.Errorf("expected system and user messages, got %d", len(mock.params.Messages))
	}
}

func TestGenerate_NoSystemPrompt(t *testing.T) {
	mock := &mockChatService{resp: replyOf("ok")}
	client := &Client{chat: mock, model: "m"}
	if _, err := client.Generate(context.Background(), "", "just the user"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mock.params.Messages) != 1 {
		t.Errorf("expected only the user message, got %d", len(mock.params.Messages))
	}
}

func TestGenerate_ServiceError(t *testing.T) {
	client := &Client{chat: &mockChatService{err: errors.New("service failure")}, model: "m"}
	_, err := client.Generate(context.Background(), "sys", "usr")
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestGenerate_NoChoices(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: openai.ChatCompletion{}}, model: "m"}
	_, err := client.Generate(context.Background(), "sys", "usr")
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected no choices returned error, got %v", err)
	}
}

func TestNewClient_NoKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := NewClient(); err == nil {
		t.Error("expected error when API key not provided, got nil")
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("gpt-4o"), WithMaxTokens(64))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli.model != "gpt-4o" || cli.maxTokens != 64 {
		t.Errorf("options not applied: %+v", cli)
	}
}

func TestDebugDump(t *testing.T) {
	for _, debug := range []bool{false, true} {
		dir := t.TempDir()
		client := &Client{chat: &mockChatService{resp: replyOf("hi")}, model: "dump-model", debugMode: debug, stateDir: dir}
		if _, err := client.Generate(context.Background(), "sys", "usr"); err != nil {
			t.Fatalf("debug=%v: Generate: %v", debug, err)
		}

		files, err := os.ReadDir(filepath.Join(dir, "debug"))
		if !debug {
			if !os.IsNotExist(err) {
				t.Errorf("debug dir created with debug off (err=%v)", err)
			}
			continue
		}
		if err != nil || len(files) != 1 {
			t.Fatalf("expected one dump file, got %d (err=%v)", len(files), err)
		}
		raw, err := os.ReadFile(filepath.Join(dir, "debug", files[0].Name()))
		if err != nil {
			t.Fatalf("read dump: %v", err)
		}
		var dump map[string]any
		if err := json.Unmarshal(raw, &dump); err != nil {
			t.Fatalf("dump is not JSON: %v", err)
		}
		for _, key := range []string{"timestamp", "params", "response"} {
			if _, ok := dump[key]; !ok {
				t.Errorf("dump lacks %q", key)
			}
		}
		if dump["method"] != "Generate" || dump["model"] != "dump-model" {
			t.Errorf("dump method/model = %v/%v", dump["method"], dump["model"])
		}
	}
}
