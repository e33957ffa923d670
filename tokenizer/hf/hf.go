// Package hf adapts HuggingFace tokenizers (a tokenizer.json file, as
// exported by the transformers ecosystem) to the refcache.Tokenizer
// contract, via the pure-Go port github.com/sugarme/tokenizer.
//
// The tokenizer file loads lazily on first use and is cached for the
// lifetime of the adapter. If the file cannot be loaded or a text fails to
// encode, the adapter degrades to the heuristic fallback and logs once.
package hf

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"

	"github.com/nevindra/refcache"
)

// Option configures a Tokenizer.
type Option func(*Tokenizer)

// WithLogger sets a structured logger for load failures.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tokenizer) { t.logger = l }
}

// Tokenizer measures text in the exact tokens of a HuggingFace vocabulary.
type Tokenizer struct {
	path   string
	logger *slog.Logger

	once    sync.Once
	tk      *tokenizer.Tokenizer
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

// New creates a Tokenizer for the given tokenizer.json path. The file is
// not read until the first measurement.
func New(path string, opts ...Option) *Tokenizer {
	t := &Tokenizer{path: path, logger: nopLogger}
	for _, o := range opts {
		o(t)
	}
	return t
}

// ModelName returns the vocabulary name, derived from the file name.
func (t *Tokenizer) ModelName() string {
	base := filepath.Base(t.path)
	return "hf:" + strings.TrimSuffix(base, filepath.Ext(base))
}

func (t *Tokenizer) load() *tokenizer.Tokenizer {
	t.once.Do(func() {
		t.tk, t.loadErr = pretrained.FromFile(t.path)
		if t.loadErr != nil {
			t.logger.Warn("hf: tokenizer load failed, using heuristic fallback",
				"path", t.path, "error", t.loadErr)
		}
	})
	return t.tk
}

// Encode returns the token ids for text. Counts are deterministic across
// calls; the ids themselves are never inspected by the library.
func (t *Tokenizer) Encode(text string) []int {
	tk := t.load()
	if tk == nil {
		return t.fallback.Encode(text)
	}
	en, err := tk.EncodeSingle(text)
	if err != nil {
		return t.fallback.Encode(text)
	}
	return en.Ids
}

// CountTokens returns the number of tokens in text.
func (t *Tokenizer) CountTokens(text string) int {
	return len(t.Encode(text))
}
