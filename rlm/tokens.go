package rlm

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

const perMessageOverhead = 4

// tokenCounter estimates prompt tokens for one model. The encoding is loaded
// on first use; without one it falls back to a characters/4 estimate.
type tokenCounter struct {
	model   string
	once    sync.Once
	encoder *tiktoken.Tiktoken
}

func newTokenCounter(model string) *tokenCounter {
	return &tokenCounter{model: model}
}

func (t *tokenCounter) load() {
	encoder, err := tiktoken.EncodingForModel(t.model)
	if err == nil {
		t.encoder = encoder
		return
	}
	fallback, err := tiktoken.GetEncoding("cl100k_base")
	if err == nil {
		t.encoder = fallback
	}
}

// Count returns the estimated prompt size of messages.
func (t *tokenCounter) Count(messages []Message) int {
	if t == nil {
		return 0
	}
	t.once.Do(t.load)

	total := 0
	for _, msg := range messages {
		total += tokenCount(t.encoder, msg.Content) + perMessageOverhead
	}
	return total
}

func tokenCount(encoder *tiktoken.Tiktoken, text string) int {
	if text == "" {
		return 0
	}
	if encoder != nil {
		return len(encoder.Encode(text, nil, nil))
	}
	runes := utf8.RuneCountInString(text)
	return (runes + 3) / 4
}
