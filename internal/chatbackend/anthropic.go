package chatbackend

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	defaultAnthropicModel = anthropic.ModelClaude3_5HaikuLatest
	defaultMaxTokens      = 4096
	maxRetries            = 3
	initialBackoff        = 1 * time.Second
)

// ErrAPIKeyRequired is returned when no Anthropic API key is configured.
var ErrAPIKeyRequired = errors.New("chatbackend: ANTHROPIC_API_KEY required")

// AnthropicBackend is the one concrete ChatBackend adapter the core ships,
// wrapping anthropic-sdk-go's Messages API with the same retry/backoff shape
// as the teacher's compact.HaikuClient.callWithRetry.
type AnthropicBackend struct {
	client     anthropic.Client
	model      anthropic.Model
	maxTokens  int64
	maxRetries int
	backoff    time.Duration
}

// NewAnthropicBackend builds a Backend from an API key (falling back to
// ANTHROPIC_API_KEY) and an optional model override.
func NewAnthropicBackend(apiKey, model string) (*AnthropicBackend, error) {
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY or pass one explicitly", ErrAPIKeyRequired)
	}
	m := defaultAnthropicModel
	if model != "" {
		m = anthropic.Model(model)
	}
	return &AnthropicBackend{
		client:     anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:      m,
		maxTokens:  defaultMaxTokens,
		maxRetries: maxRetries,
		backoff:    initialBackoff,
	}, nil
}

// NewChat implements Backend.
func (b *AnthropicBackend) NewChat(_ context.Context, opts NewChatOptions) (Chat, error) {
	return &anthropicChat{
		backend:  b,
		id:       fmt.Sprintf("anthropic-%d", time.Now().UnixNano()),
		system:   opts.CachedPrompt,
		observer: opts.Observer,
	}, nil
}

type anthropicChat struct {
	backend  *AnthropicBackend
	id       string
	system   []string
	observer Observer
	messages []Message
	history  []anthropic.MessageParam
}

func (c *anthropicChat) ID() string { return c.id }

func (c *anthropicChat) WithTools(_ ...Tool) Chat { return c } // tool-call wiring is session-layer's job

func (c *anthropicChat) Messages() []Message { return c.messages }

func (c *anthropicChat) Ask(ctx context.Context, prompt string) (Message, error) {
	userMsg := Message{Role: "user", Content: prompt}
	c.messages = append(c.messages, userMsg)
	if c.observer.OnNewMessage != nil {
		if err := c.observer.OnNewMessage(userMsg); err != nil {
			return Message{}, err
		}
	}
	c.history = append(c.history, anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)))

	params := anthropic.MessageNewParams{
		Model:     c.backend.model,
		MaxTokens: c.backend.maxTokens,
		Messages:  c.history,
	}
	for _, s := range c.system {
		params.System = append(params.System, anthropic.TextBlockParam{Text: s})
	}

	text, usage, err := c.backend.callWithRetry(ctx, params)
	if err != nil {
		return Message{}, err
	}

	reply := Message{Role: "assistant", Content: text, Usage: usage}
	c.history = append(c.history, anthropic.NewAssistantMessage(anthropic.NewTextBlock(text)))
	c.messages = append(c.messages, reply)
	if c.observer.OnEndMessage != nil {
		if err := c.observer.OnEndMessage(reply); err != nil {
			return Message{}, err
		}
	}
	return reply, nil
}

func (b *AnthropicBackend) callWithRetry(ctx context.Context, params anthropic.MessageNewParams) (string, Usage, error) {
	var lastErr error
	for attempt := 0; attempt <= b.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := b.backoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", Usage{}, ctx.Err()
			}
		}

		message, err := b.client.Messages.New(ctx, params)
		if err == nil {
			if len(message.Content) == 0 {
				return "", Usage{}, fmt.Errorf("chatbackend: no content blocks in response")
			}
			block := message.Content[0]
			if block.Type != "text" {
				return "", Usage{}, fmt.Errorf("chatbackend: unexpected block type %q", block.Type)
			}
			usage := Usage{
				InputTokens:         message.Usage.InputTokens,
				OutputTokens:        message.Usage.OutputTokens,
				CachedTokens:        message.Usage.CacheReadInputTokens,
				CacheCreationTokens: message.Usage.CacheCreationInputTokens,
			}
			return block.Text, usage, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return "", Usage{}, ctx.Err()
		}
		if !isRetryable(err) {
			return "", Usage{}, fmt.Errorf("chatbackend: non-retryable error: %w", err)
		}
	}
	return "", Usage{}, fmt.Errorf("chatbackend: failed after %d attempts: %w", b.maxRetries+1, lastErr)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}
