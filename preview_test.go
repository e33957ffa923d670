package refcache

import (
	"strings"
	"testing"
)

func TestSamplePreview_BoundedBySize(t *testing.T) {
	m := ByteMeasurer{}
	items := bigList(50)
	res, err := SamplePreview{}.Generate(items, 200, m, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Strategy != StrategySample {
		t.Errorf("strategy = %s, want sample", res.Strategy)
	}
	if res.PreviewSize > 200 {
		t.Errorf("preview size %d exceeds limit 200", res.PreviewSize)
	}
	if res.TotalItems != 50 {
		t.Errorf("total items = %d, want 50", res.TotalItems)
	}
	sampled, ok := res.Preview.([]any)
	if !ok {
		t.Fatalf("preview is %T, want []any (structured, not stringified)", res.Preview)
	}
	if len(sampled) == 0 || len(sampled) >= 50 {
		t.Errorf("sampled %d items, want a strict non-empty subset", len(sampled))
	}
	if res.OriginalSize <= res.PreviewSize {
		t.Errorf("original %d should exceed preview %d", res.OriginalSize, res.PreviewSize)
	}
	if !strings.Contains(res.Message, "50") {
		t.Errorf("message = %q, want a note stating the sampled share", res.Message)
	}
}

func TestSamplePreview_MapSubset(t *testing.T) {
	m := ByteMeasurer{}
	value := map[string]any{}
	for _, k := range []string{"alpha", "beta", "gamma", "delta", "epsilon", "zeta"} {
		value[k] = strings.Repeat("x", 40)
	}
	res, err := SamplePreview{}.Generate(value, 120, m, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.PreviewSize > 120 {
		t.Errorf("preview size %d exceeds limit", res.PreviewSize)
	}
	sub, ok := res.Preview.(map[string]any)
	if !ok {
		t.Fatalf("preview is %T, want map[string]any", res.Preview)
	}
	for k := range sub {
		if _, present := value[k]; !present {
			t.Errorf("preview invented key %q", k)
		}
	}
}

func TestSamplePreview_TooSmallForAnything(t *testing.T) {
	m := ByteMeasurer{}
	res, err := SamplePreview{}.Generate(bigList(10), 1, m, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalItems != 0 {
		t.Errorf("total items = %d, want 0 for an empty preview", res.TotalItems)
	}
	if res.Message == "" {
		t.Error("expected an explanatory message for the fully truncated value")
	}
}

func TestPaginatePreview_PagesCoverAllItems(t *testing.T) {
	m := ByteMeasurer{}
	items := make([]any, 10)
	for i := range items {
		items[i] = float64(i)
	}

	seen := map[float64]bool{}
	page := 1
	for {
		res, err := PaginatePreview{}.Generate(items, 1000, m, page, 3)
		if err != nil {
			t.Fatal(err)
		}
		if res.Strategy != StrategyPaginate {
			t.Fatalf("strategy = %s, want paginate", res.Strategy)
		}
		if res.Message == "" {
			t.Errorf("page %d carries no message", page)
		}
		for _, it := range res.Preview.([]any) {
			n := it.(float64)
			if seen[n] {
				t.Errorf("item %v appeared on two pages", n)
			}
			seen[n] = true
		}
		if page >= res.TotalPages {
			break
		}
		page++
	}
	if len(seen) != 10 {
		t.Errorf("pages covered %d items, want 10", len(seen))
	}
}

func TestPaginatePreview_ClampsPage(t *testing.T) {
	m := ByteMeasurer{}
	items := []any{"a", "b", "c"}

	res, err := PaginatePreview{}.Generate(items, 1000, m, 99, 2)
	if err != nil {
		t.Fatal(err)
	}
	if res.Page != res.TotalPages {
		t.Errorf("page = %d, want clamped to %d", res.Page, res.TotalPages)
	}

	res, err = PaginatePreview{}.Generate(items, 1000, m, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if res.Page != 1 {
		t.Errorf("page = %d, want 1", res.Page)
	}
}

func TestPaginatePreview_AutoPageSize(t *testing.T) {
	m := ByteMeasurer{}
	res, err := PaginatePreview{}.Generate(bigList(30), 200, m, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.PreviewSize > 200 {
		t.Errorf("auto-sized page measures %d, exceeds 200", res.PreviewSize)
	}
	if res.TotalPages < 2 {
		t.Errorf("total pages = %d, want several for an oversized list", res.TotalPages)
	}
}

func TestTruncatePreview_AppendsMarker(t *testing.T) {
	m := ByteMeasurer{}
	long := strings.Repeat("abcdefghij", 50)
	res, err := TruncatePreview{}.Generate(long, 100, m, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	text, ok := res.Preview.(string)
	if !ok {
		t.Fatalf("preview is %T, want string", res.Preview)
	}
	if !strings.HasSuffix(text, "...") {
		t.Errorf("truncated preview lacks marker: %q", text)
	}
	if res.PreviewSize > 100 {
		t.Errorf("preview size %d exceeds limit including marker", res.PreviewSize)
	}
	if !strings.Contains(res.Message, "max_size") {
		t.Errorf("message = %q, want a note pointing at max_size", res.Message)
	}
}

func TestTruncatePreview_SmallValuePassesThrough(t *testing.T) {
	m := ByteMeasurer{}
	res, err := TruncatePreview{}.Generate("short", 100, m, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Preview != "short" {
		t.Errorf("preview = %v, want the untouched value", res.Preview)
	}
	if res.PreviewSize != res.OriginalSize {
		t.Errorf("sizes differ for an untruncated value: %d vs %d", res.PreviewSize, res.OriginalSize)
	}
}

func TestGeneratorFor(t *testing.T) {
	if _, ok := generatorFor(StrategyPaginate).(PaginatePreview); !ok {
		t.Error("paginate maps to the wrong generator")
	}
	if _, ok := generatorFor(StrategyTruncate).(TruncatePreview); !ok {
		t.Error("truncate maps to the wrong generator")
	}
	if _, ok := generatorFor(StrategySample).(SamplePreview); !ok {
		t.Error("sample maps to the wrong generator")
	}
	if _, ok := generatorFor("bogus").(SamplePreview); !ok {
		t.Error("unknown strategy should fall back to sample")
	}
}
