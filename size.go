package refcache

import (
	"encoding/json"
	"fmt"
)

// SizeMode selects how values are measured against max-size limits.
type SizeMode string

const (
	// ModeToken measures in tokenizer tokens (the default).
	ModeToken SizeMode = "token"
	// ModeByte measures in serialized JSON bytes.
	ModeByte SizeMode = "byte"
)

// Tokenizer converts text to token counts. Adapters exist for exact BPE
// vocabularies (tokenizer/tiktoken); FallbackTokenizer approximates when no
// exact tokenizer is installed. The library never inspects token id values.
type Tokenizer interface {
	ModelName() string
	Encode(text string) []int
	CountTokens(text string) int
}

// SizeMeasurer measures a value's size in the measurer's unit. Values are
// serialized to canonical JSON once; MeasureBytes lets callers that already
// hold the serialized form skip re-serialization.
type SizeMeasurer interface {
	Measure(v any) (int, error)
	MeasureBytes(b []byte) int
}

// TokenMeasurer measures values in tokens of their JSON serialization.
type TokenMeasurer struct {
	Tok Tokenizer
}

var _ SizeMeasurer = TokenMeasurer{}

func (m TokenMeasurer) Measure(v any) (int, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("measure: %w", err)
	}
	return m.MeasureBytes(b), nil
}

func (m TokenMeasurer) MeasureBytes(b []byte) int {
	return m.Tok.CountTokens(string(b))
}

// ByteMeasurer measures values in serialized JSON bytes.
type ByteMeasurer struct{}

var _ SizeMeasurer = ByteMeasurer{}

func (ByteMeasurer) Measure(v any) (int, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("measure: %w", err)
	}
	return len(b), nil
}

func (ByteMeasurer) MeasureBytes(b []byte) int { return len(b) }

// FallbackTokenizer approximates one token per four bytes of text. It is the
// default when no exact tokenizer adapter is configured.
type FallbackTokenizer struct{}

var _ Tokenizer = FallbackTokenizer{}

func (FallbackTokenizer) ModelName() string { return "heuristic-4bpc" }

func (FallbackTokenizer) CountTokens(text string) int {
	return (len(text) + 3) / 4
}

// Encode returns synthetic token ids; only the count is meaningful.
func (f FallbackTokenizer) Encode(text string) []int {
	n := f.CountTokens(text)
	ids := make([]int, n)
	for i := range ids {
		ids[i] = i
	}
	return ids
}
