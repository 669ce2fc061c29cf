// Package oracle wraps calls to the external content generation model.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

// ErrEmptyResponse is returned when the model answers with no choices
var ErrEmptyResponse = errors.New("oracle returned no content")

// Request is one generation call
type Request struct {
	// Stage names the pipeline stage, for logging only
	Stage string
	// Document is the source PDF; nil for stages that work on markup alone
	Document []byte
	// DocumentText is the document's page text, used when the binary is not attached
	DocumentText string
	// Instructions is the rendered stage prompt
	Instructions string
}

// Oracle generates free-form text from a document and instructions
type Oracle interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Func adapts a function to the Oracle interface
type Func func(ctx context.Context, req Request) (string, error)

// Generate calls f
func (f Func) Generate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Options tune the model calls made by a Client
type Options struct {
	MaxTokens   int
	Temperature *float64
	// AttachDocument sends the PDF bytes as a binary part instead of its page text
	AttachDocument bool
}

// Client is an Oracle backed by a langchaingo model
type Client struct {
	model llms.Model
	opts  Options
	log   *zap.Logger
}

// NewClient creates a client for model
func NewClient(model llms.Model, opts Options, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{model: model, opts: opts, log: log.Named("oracle")}
}

// Generate sends one human message to the model and returns the first choice
func (c *Client) Generate(ctx context.Context, req Request) (string, error) {
	reqID := uuid.NewString()
	start := time.Now()
	log := c.log.With(zap.String("req_id", reqID), zap.String("stage", req.Stage))

	parts := c.parts(req)
	log.Debug("oracle.generate.start",
		zap.Int("parts", len(parts)),
		zap.Int("document_bytes", len(req.Document)),
		zap.Int("instruction_chars", len(req.Instructions)),
	)

	var callOpts []llms.CallOption
	if c.opts.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(c.opts.MaxTokens))
	}
	if c.opts.Temperature != nil {
		callOpts = append(callOpts, llms.WithTemperature(*c.opts.Temperature))
	}

	completion, err := c.model.GenerateContent(ctx, []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: parts,
		},
	}, callOpts...)
	elapsed := time.Since(start)
	if err != nil {
		log.Warn("oracle.generate.error", zap.Int64("elapsed_ms", elapsed.Milliseconds()), zap.Error(err))
		return "", fmt.Errorf("oracle generate: %w", err)
	}
	if completion == nil || len(completion.Choices) == 0 || completion.Choices[0] == nil {
		log.Warn("oracle.generate.empty", zap.Int64("elapsed_ms", elapsed.Milliseconds()))
		return "", ErrEmptyResponse
	}

	content := completion.Choices[0].Content
	log.Info("oracle.generate.done",
		zap.Int64("elapsed_ms", elapsed.Milliseconds()),
		zap.Int("response_chars", len(content)),
	)
	return content, nil
}

func (c *Client) parts(req Request) []llms.ContentPart {
	var parts []llms.ContentPart
	switch {
	case len(req.Document) > 0 && c.opts.AttachDocument:
		parts = append(parts, llms.BinaryPart("application/pdf", req.Document))
	case req.DocumentText != "":
		parts = append(parts, llms.TextPart("Document text:\n"+req.DocumentText))
	}
	return append(parts, llms.TextPart(req.Instructions))
}

// Provider names accepted by NewModel
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
)

// NewModel creates a langchaingo model for provider. API keys come from
// ANTHROPIC_API_KEY and OPENAI_API_KEY.
func NewModel(provider, model, baseURL string) (llms.Model, error) {
	switch strings.ToLower(provider) {
	case ProviderAnthropic:
		apiKey := os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("anthropic API key is not set")
		}
		opts := []anthropic.Option{
			anthropic.WithModel(model),
			anthropic.WithToken(apiKey),
		}
		if baseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(baseURL))
		}
		return anthropic.New(opts...)
	case ProviderOpenAI:
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("openai API key is not set")
		}
		opts := []openai.Option{
			openai.WithModel(model),
			openai.WithToken(apiKey),
		}
		if baseURL != "" {
			opts = append(opts, openai.WithBaseURL(baseURL))
		}
		return openai.New(opts...)
	case ProviderOllama:
		host := baseURL
		if host == "" {
			host = "http://127.0.0.1:11434"
		}
		return ollama.New(
			ollama.WithModel(model),
			ollama.WithServerURL(host),
		)
	default:
		return nil, fmt.Errorf("unsupported oracle provider: %s", provider)
	}
}
