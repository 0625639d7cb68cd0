package chatbackend

import (
	"context"
	"fmt"
	"sync"
)

// FakeBackend is a scripted in-memory Backend for tests: it hands out
// FakeChats that reply from a caller-supplied queue of canned responses,
// the same role a hand-rolled test double plays in the teacher's own
// haiku_test.go-style tests.
type FakeBackend struct {
	mu      sync.Mutex
	scripts map[string][]string // chat label -> queued replies, consumed in order
	nextID  int
}

// NewFakeBackend returns an empty FakeBackend. Use Script to queue replies
// before driving a Chat.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{scripts: map[string][]string{}}
}

// Script queues replies for the chat identified by label. label is supplied
// via NewChatOptions.CachedPrompt[0] by convention in tests that need more
// than one distinct chat, or left as "" for a single shared script.
func (b *FakeBackend) Script(label string, replies ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scripts[label] = append(b.scripts[label], replies...)
}

// NewChat implements Backend.
func (b *FakeBackend) NewChat(_ context.Context, opts NewChatOptions) (Chat, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	label := ""
	if len(opts.CachedPrompt) > 0 {
		label = opts.CachedPrompt[0]
	}
	b.nextID++
	return &FakeChat{
		id:       fmt.Sprintf("fake-chat-%d", b.nextID),
		backend:  b,
		label:    label,
		observer: opts.Observer,
	}, nil
}

// FakeChat is a Chat backed by FakeBackend's scripted queue.
type FakeChat struct {
	id       string
	backend  *FakeBackend
	label    string
	observer Observer
	messages []Message
	tools    []Tool
}

// ID implements Chat.
func (c *FakeChat) ID() string { return c.id }

// Ask pops the next scripted reply for this chat's label. Running out of
// scripted replies is a test-authoring bug and panics loudly rather than
// silently looping.
func (c *FakeChat) Ask(_ context.Context, prompt string) (Message, error) {
	userMsg := Message{Role: "user", Content: prompt}
	c.messages = append(c.messages, userMsg)
	if c.observer.OnNewMessage != nil {
		if err := c.observer.OnNewMessage(userMsg); err != nil {
			return Message{}, err
		}
	}

	c.backend.mu.Lock()
	queue := c.backend.scripts[c.label]
	if len(queue) == 0 {
		c.backend.mu.Unlock()
		panic(fmt.Sprintf("chatbackend: FakeChat %q ran out of scripted replies", c.label))
	}
	reply := queue[0]
	c.backend.scripts[c.label] = queue[1:]
	c.backend.mu.Unlock()

	msg := Message{Role: "assistant", Content: reply}
	c.messages = append(c.messages, msg)
	if c.observer.OnEndMessage != nil {
		if err := c.observer.OnEndMessage(msg); err != nil {
			return Message{}, err
		}
	}
	return msg, nil
}

// WithTools implements Chat.
func (c *FakeChat) WithTools(tools ...Tool) Chat {
	c.tools = append(c.tools, tools...)
	return c
}

// Messages implements Chat.
func (c *FakeChat) Messages() []Message { return c.messages }
