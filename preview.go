package refcache

import (
	"encoding/json"
	"fmt"
	"sort"
)

// PreviewStrategy names how a preview was produced.
type PreviewStrategy string

const (
	StrategySample   PreviewStrategy = "sample"
	StrategyPaginate PreviewStrategy = "paginate"
	StrategyTruncate PreviewStrategy = "truncate"
)

// PreviewResult is a size-bounded structured subset of a value. Preview is
// an actual structure (slice, map, string), never a stringified blob, except
// for the truncate strategy which by definition returns a cut string.
type PreviewResult struct {
	Preview      any             `json:"preview"`
	Strategy     PreviewStrategy `json:"strategy"`
	TotalItems   int             `json:"total_items"`
	OriginalSize int             `json:"original_size"`
	PreviewSize  int             `json:"preview_size"`
	Page         int             `json:"page,omitempty"`
	TotalPages   int             `json:"total_pages,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// PreviewGenerator produces previews bounded by maxSize in the measurer's
// unit. page and pageSize are zero unless the caller asked for pagination.
type PreviewGenerator interface {
	Generate(v any, maxSize int, m SizeMeasurer, page, pageSize int) (PreviewResult, error)
}

// SamplePreview returns an evenly spaced subsample of lists and a key subset
// of maps, sized by binary search on the largest count that still fits.
// Strings and scalars fall back to truncation.
type SamplePreview struct{}

var _ PreviewGenerator = SamplePreview{}

func (SamplePreview) Generate(v any, maxSize int, m SizeMeasurer, page, pageSize int) (PreviewResult, error) {
	if page > 0 {
		// An explicit page request forces pagination even when the cache
		// default is sampling.
		return PaginatePreview{}.Generate(v, maxSize, m, page, pageSize)
	}
	g := generic(v)
	origSize, err := m.Measure(g)
	if err != nil {
		return PreviewResult{}, err
	}

	switch t := g.(type) {
	case []any:
		k, sampled, size, err := largestSample(t, maxSize, m)
		if err != nil {
			return PreviewResult{}, err
		}
		res := PreviewResult{
			Preview:      sampled,
			Strategy:     StrategySample,
			TotalItems:   len(t),
			OriginalSize: origSize,
			PreviewSize:  size,
			Message:      fmt.Sprintf("Sampled %d of %d items; page through the full value with get_cached_result.", k, len(t)),
		}
		if k == 0 {
			res.TotalItems = 0
			res.Message = "max_size too small for any preview content; value fully truncated"
		}
		return res, nil
	case map[string]any:
		keys := sortedKeys(t)
		pick := func(k int) any {
			sub := make(map[string]any, k)
			for _, key := range evenIndices(len(keys), k) {
				sub[keys[key]] = t[keys[key]]
			}
			return sub
		}
		k, size, err := largestFit(len(keys), maxSize, m, pick)
		if err != nil {
			return PreviewResult{}, err
		}
		res := PreviewResult{
			Preview:      pick(k),
			Strategy:     StrategySample,
			TotalItems:   len(keys),
			OriginalSize: origSize,
			PreviewSize:  size,
			Message:      fmt.Sprintf("Sampled %d of %d keys; fetch the full value with get_cached_result and a larger max_size.", k, len(keys)),
		}
		if k == 0 {
			res.TotalItems = 0
			res.Message = "max_size too small for any preview content; value fully truncated"
		}
		return res, nil
	default:
		return TruncatePreview{}.Generate(g, maxSize, m, 0, 0)
	}
}

// PaginatePreview splits lists into equal pages and returns the requested
// one (default 1). Non-lists fall back to truncation.
type PaginatePreview struct{}

var _ PreviewGenerator = PaginatePreview{}

func (PaginatePreview) Generate(v any, maxSize int, m SizeMeasurer, page, pageSize int) (PreviewResult, error) {
	g := generic(v)
	items, ok := g.([]any)
	if !ok {
		return TruncatePreview{}.Generate(g, maxSize, m, 0, 0)
	}
	origSize, err := m.Measure(g)
	if err != nil {
		return PreviewResult{}, err
	}

	if pageSize <= 0 {
		// Choose the largest page size whose first page still fits.
		k, _, _, err := largestPrefix(items, maxSize, m)
		if err != nil {
			return PreviewResult{}, err
		}
		pageSize = k
		if pageSize == 0 {
			return PreviewResult{
				Preview:      []any{},
				Strategy:     StrategyPaginate,
				TotalItems:   0,
				OriginalSize: origSize,
				Page:         1,
				TotalPages:   1,
				Message:      "max_size too small for any preview content; value fully truncated",
			}, nil
		}
	}

	totalPages := (len(items) + pageSize - 1) / pageSize
	if totalPages == 0 {
		totalPages = 1
	}
	if page < 1 {
		page = 1
	}
	if page > totalPages {
		page = totalPages
	}
	lo := (page - 1) * pageSize
	hi := lo + pageSize
	if hi > len(items) {
		hi = len(items)
	}
	pageItems := items[lo:hi]
	size, err := m.Measure(pageItems)
	if err != nil {
		return PreviewResult{}, err
	}
	return PreviewResult{
		Preview:      pageItems,
		Strategy:     StrategyPaginate,
		TotalItems:   len(items),
		OriginalSize: origSize,
		PreviewSize:  size,
		Page:         page,
		TotalPages:   totalPages,
		Message:      fmt.Sprintf("Page %d of %d (%d items total); request other pages with get_cached_result.", page, totalPages, len(items)),
	}, nil
}

// TruncatePreview stringifies the value, cuts it at maxSize, and appends an
// ellipsis marker. The escape hatch for shapes sampling can't handle.
type TruncatePreview struct{}

var _ PreviewGenerator = TruncatePreview{}

const truncateMarker = "..."

func (TruncatePreview) Generate(v any, maxSize int, m SizeMeasurer, page, pageSize int) (PreviewResult, error) {
	g := generic(v)
	text, ok := g.(string)
	if !ok {
		b, err := json.Marshal(g)
		if err != nil {
			return PreviewResult{}, err
		}
		text = string(b)
	}
	origSize := m.MeasureBytes([]byte(text))
	if origSize <= maxSize {
		return PreviewResult{
			Preview:      text,
			Strategy:     StrategyTruncate,
			TotalItems:   countItems(g),
			OriginalSize: origSize,
			PreviewSize:  origSize,
			Message:      "Value shown in full.",
		}, nil
	}

	runes := []rune(text)
	fits := func(n int) bool {
		return m.MeasureBytes([]byte(string(runes[:n])+truncateMarker)) <= maxSize
	}
	// Binary search the longest cut that fits with the marker appended.
	cut := sort.Search(len(runes)+1, func(n int) bool { return !fits(n) })
	if cut > 0 {
		cut--
	}

	res := PreviewResult{
		Strategy:     StrategyTruncate,
		TotalItems:   countItems(g),
		OriginalSize: origSize,
	}
	if cut == 0 && !fits(0) {
		res.Preview = ""
		res.TotalItems = 0
		res.Message = "max_size too small for any preview content; value fully truncated"
		return res, nil
	}
	truncated := string(runes[:cut]) + truncateMarker
	res.Preview = truncated
	res.PreviewSize = m.MeasureBytes([]byte(truncated))
	res.Message = fmt.Sprintf("Truncated to %d of %d; raise max_size in get_cached_result for more.", res.PreviewSize, origSize)
	return res, nil
}

// generatorFor maps a strategy name to its generator.
func generatorFor(s PreviewStrategy) PreviewGenerator {
	switch s {
	case StrategyPaginate:
		return PaginatePreview{}
	case StrategyTruncate:
		return TruncatePreview{}
	default:
		return SamplePreview{}
	}
}

// generic collapses v to the JSON data model (map[string]any, []any,
// string, float64, bool, nil) so generators see one shape regardless of the
// caller's concrete Go types.
func generic(v any) any {
	switch v.(type) {
	case nil, string, bool, float64, json.Number, map[string]any, []any:
		return v
	}
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

// countItems returns the collection length, or 1 for scalars.
func countItems(v any) int {
	switch t := generic(v).(type) {
	case []any:
		return len(t)
	case map[string]any:
		return len(t)
	default:
		return 1
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// evenIndices returns k indices evenly spaced over [0, n).
func evenIndices(n, k int) []int {
	if k <= 0 || n == 0 {
		return nil
	}
	if k > n {
		k = n
	}
	idx := make([]int, k)
	for i := 0; i < k; i++ {
		idx[i] = i * n / k
	}
	return idx
}

// largestSample binary-searches the largest evenly spaced subsample of
// items that measures within maxSize.
func largestSample(items []any, maxSize int, m SizeMeasurer) (int, []any, int, error) {
	pick := func(k int) any {
		sub := make([]any, 0, k)
		for _, i := range evenIndices(len(items), k) {
			sub = append(sub, items[i])
		}
		return sub
	}
	k, size, err := largestFit(len(items), maxSize, m, pick)
	if err != nil {
		return 0, nil, 0, err
	}
	return k, pick(k).([]any), size, nil
}

// largestPrefix binary-searches the largest leading slice of items that
// measures within maxSize.
func largestPrefix(items []any, maxSize int, m SizeMeasurer) (int, []any, int, error) {
	pick := func(k int) any { return items[:k] }
	k, size, err := largestFit(len(items), maxSize, m, pick)
	if err != nil {
		return 0, nil, 0, err
	}
	return k, items[:k], size, nil
}

// largestFit finds the largest k in [0, n] for which pick(k) measures
// within maxSize. Sizes are monotonic in k for the shapes we feed it, which
// is what makes binary search valid.
func largestFit(n, maxSize int, m SizeMeasurer, pick func(int) any) (int, int, error) {
	var measureErr error
	fits := func(k int) bool {
		size, err := m.Measure(pick(k))
		if err != nil {
			measureErr = err
			return false
		}
		return size <= maxSize
	}
	k := sort.Search(n+1, func(k int) bool { return !fits(k) })
	if measureErr != nil {
		return 0, 0, measureErr
	}
	if k > 0 {
		k--
	}
	size, err := m.Measure(pick(k))
	if err != nil {
		return 0, 0, err
	}
	return k, size, nil
}
