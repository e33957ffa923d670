// Package tiktoken adapts the tiktoken-go BPE tokenizer to the
// refcache.Tokenizer contract, for exact token measurement against common
// LLM families.
//
// Encodings load lazily on first use and are cached for the lifetime of the
// adapter. If the encoding for the requested model cannot be loaded (e.g.
// no network access to fetch the BPE ranks), the adapter degrades to the
// heuristic fallback and logs once.
package tiktoken

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/nevindra/refcache"
)

// Option configures a Tokenizer.
type Option func(*Tokenizer)

// WithLogger sets a structured logger for load failures.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tokenizer) { t.logger = l }
}

// Tokenizer measures text in exact BPE tokens for the given model.
type Tokenizer struct {
	model  string
	logger *slog.Logger

	once    sync.Once
	enc     *tiktoken.Tiktoken
	loadErr error

	fallback refcache.FallbackTokenizer
}

var _ refcache.Tokenizer = (*Tokenizer)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Tokenizer for the given model name, e.g. "gpt-4o". The
// encoding is not loaded until the first measurement.
func New(model string, opts ...Option) *Tokenizer {
	t := &Tokenizer{model: model, logger: nopLogger}
	for _, o := range opts {
		o(t)
	}
	return t
}

// ModelName returns the model this adapter measures against.
func (t *Tokenizer) ModelName() string { return t.model }

func (t *Tokenizer) load() *tiktoken.Tiktoken {
	t.once.Do(func() {
		t.enc, t.loadErr = tiktoken.EncodingForModel(t.model)
		if t.loadErr != nil {
			t.logger.Warn("tiktoken: encoding load failed, using heuristic fallback",
				"model", t.model, "error", t.loadErr)
		}
	})
	return t.enc
}

// Encode returns the token ids for text. Counts are deterministic across
// calls; the ids themselves are never inspected by the library.
func (t *Tokenizer) Encode(text string) []int {
	enc := t.load()
	if enc == nil {
		return t.fallback.Encode(text)
	}
	return enc.Encode(text, nil, nil)
}

// CountTokens returns the number of tokens in text.
func (t *Tokenizer) CountTokens(text string) int {
	enc := t.load()
	if enc == nil {
		return t.fallback.CountTokens(text)
	}
	return len(enc.Encode(text, nil, nil))
}
