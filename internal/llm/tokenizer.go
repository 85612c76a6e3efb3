package llm

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter counts tokens in text for a model family.
type TokenCounter interface {
	CountTokens(text string) (int, error)
}

// perMessageOverhead approximates the role/separator tokens added per chat message.
const perMessageOverhead = 4

var modelEncodings = map[string]string{
	"gpt-4o":        "o200k_base",
	"gpt-4o-mini":   "o200k_base",
	"gpt-4.1":       "o200k_base",
	"o1":            "o200k_base",
	"o3":            "o200k_base",
	"gpt-4-turbo":   "cl100k_base",
	"gpt-4":         "cl100k_base",
	"gpt-3.5-turbo": "cl100k_base",
}

// TiktokenCounter counts tokens with tiktoken. The encoding is loaded lazily
// on first use because it may need to download its BPE ranks.
type TiktokenCounter struct {
	encoding string

	once    sync.Once
	enc     *tiktoken.Tiktoken
	initErr error
}

// NewTiktokenCounter returns a counter for the given model name.
// Unknown models fall back to cl100k_base.
func NewTiktokenCounter(model string) *TiktokenCounter {
	encoding := "cl100k_base"
	best := 0
	for prefix, enc := range modelEncodings {
		if strings.HasPrefix(model, prefix) && len(prefix) > best {
			encoding, best = enc, len(prefix)
		}
	}
	return &TiktokenCounter{encoding: encoding}
}

// Encoding returns the tiktoken encoding name in use.
func (t *TiktokenCounter) Encoding() string { return t.encoding }

func (t *TiktokenCounter) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			return
		}
		t.enc = enc
	})
	return t.initErr
}

// CountTokens returns the number of tokens in text.
func (t *TiktokenCounter) CountTokens(text string) (int, error) {
	if err := t.init(); err != nil {
		return 0, err
	}
	return len(t.enc.Encode(text, nil, nil)), nil
}

// CountMessages sums the tokens of a message list including per-message overhead.
func CountMessages(c TokenCounter, msgs []Message) (int, error) {
	total := 0
	for _, m := range msgs {
		n, err := c.CountTokens(m.Content)
		if err != nil {
			return 0, err
		}
		total += n + perMessageOverhead
	}
	return total, nil
}
