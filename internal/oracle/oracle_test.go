package oracle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap/zaptest"
)

type fakeModel struct {
	messages []llms.MessageContent
	opts     llms.CallOptions
	resp     *llms.ContentResponse
	err      error
}

func (m *fakeModel) GenerateContent(_ context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	m.messages = messages
	for _, opt := range options {
		opt(&m.opts)
	}
	return m.resp, m.err
}

func (m *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func answer(s string) *llms.ContentResponse {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: s}}}
}

func TestClient_GenerateWithText(t *testing.T) {
	model := &fakeModel{resp: answer("<html>ok</html>")}
	client := NewClient(model, Options{MaxTokens: 4096}, zaptest.NewLogger(t))

	out, err := client.Generate(context.Background(), Request{
		Stage:        "generate",
		Document:     []byte("%PDF-1.7"),
		DocumentText: "Patient name ____",
		Instructions: "1: Page 1, name, (172, 710)",
	})
	require.NoError(t, err)
	assert.Equal(t, "<html>ok</html>", out)

	require.Len(t, model.messages, 1)
	msg := model.messages[0]
	assert.Equal(t, llms.ChatMessageTypeHuman, msg.Role)
	require.Len(t, msg.Parts, 2)
	assert.Equal(t, llms.TextPart("Document text:\nPatient name ____"), msg.Parts[0])
	assert.Equal(t, llms.TextPart("1: Page 1, name, (172, 710)"), msg.Parts[1])
	assert.Equal(t, 4096, model.opts.MaxTokens)
}

func TestClient_GenerateAttachesDocument(t *testing.T) {
	model := &fakeModel{resp: answer("done")}
	client := NewClient(model, Options{AttachDocument: true}, nil)

	_, err := client.Generate(context.Background(), Request{
		Document:     []byte("%PDF-1.7"),
		DocumentText: "ignored when attached",
		Instructions: "go",
	})
	require.NoError(t, err)

	parts := model.messages[0].Parts
	require.Len(t, parts, 2)
	assert.Equal(t, llms.BinaryPart("application/pdf", []byte("%PDF-1.7")), parts[0])
}

func TestClient_GenerateMarkupOnly(t *testing.T) {
	model := &fakeModel{resp: answer("done")}
	client := NewClient(model, Options{AttachDocument: true}, nil)

	_, err := client.Generate(context.Background(), Request{Instructions: "restyle"})
	require.NoError(t, err)
	assert.Equal(t, []llms.ContentPart{llms.TextPart("restyle")}, model.messages[0].Parts)
}

func TestClient_GenerateErrors(t *testing.T) {
	boom := errors.New("rate limited")

	_, err := NewClient(&fakeModel{err: boom}, Options{}, nil).Generate(context.Background(), Request{})
	assert.ErrorIs(t, err, boom)

	_, err = NewClient(&fakeModel{resp: &llms.ContentResponse{}}, Options{}, nil).Generate(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestFunc(t *testing.T) {
	var o Oracle = Func(func(_ context.Context, req Request) (string, error) {
		return "echo " + req.Instructions, nil
	})
	out, err := o.Generate(context.Background(), Request{Instructions: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "echo hi", out)
}

func TestNewModel(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")

	_, err := NewModel("anthropic", "claude", "")
	assert.Error(t, err)

	_, err = NewModel("openai", "gpt", "")
	assert.Error(t, err)

	_, err = NewModel("unknown", "m", "")
	assert.Error(t, err)

	model, err := NewModel("ollama", "llama3", "http://localhost:11434")
	require.NoError(t, err)
	assert.NotNil(t, model)
}
