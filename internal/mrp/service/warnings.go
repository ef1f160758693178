package service

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx/types"
)

// Warning categories aggregated over a run
const (
	WarnCircularBOM      = "circular_bom_reference"
	WarnMissingBOM       = "make_product_without_bom"
	WarnProductFailed    = "product_processing_failed"
	WarnLowLevelCodeCap  = "low_level_code_iteration_cap"
	WarnNoSupplier       = "buy_product_without_supplier"
)

// WarningsSummary deduplicates per-product issues by category, keeping a
// capped number of examples. A large run can produce thousands of row
// issues; one bucket per category keeps the outcome readable.
type WarningsSummary struct {
	buckets    map[string]*warningBucket
	order      []string
	exampleCap int
}

type warningBucket struct {
	Category string   `json:"category"`
	Count    int      `json:"count"`
	Examples []string `json:"examples"`
}

// NewWarningsSummary creates a summary keeping at most exampleCap
// examples per category.
func NewWarningsSummary(exampleCap int) *WarningsSummary {
	if exampleCap <= 0 {
		exampleCap = 5
	}
	return &WarningsSummary{
		buckets:    make(map[string]*warningBucket),
		exampleCap: exampleCap,
	}
}

// Add records one occurrence in a category.
func (w *WarningsSummary) Add(category, example string) {
	bucket, ok := w.buckets[category]
	if !ok {
		bucket = &warningBucket{Category: category}
		w.buckets[category] = bucket
		w.order = append(w.order, category)
	}
	bucket.Count++
	if len(bucket.Examples) < w.exampleCap {
		bucket.Examples = append(bucket.Examples, example)
	}
}

// Count returns the total number of recorded occurrences.
func (w *WarningsSummary) Count() int {
	total := 0
	for _, b := range w.buckets {
		total += b.Count
	}
	return total
}

// Empty reports whether nothing was recorded.
func (w *WarningsSummary) Empty() bool {
	return len(w.buckets) == 0
}

// JSON renders the summary for the run record, categories in first-seen
// order.
func (w *WarningsSummary) JSON() types.JSONText {
	out := make([]*warningBucket, 0, len(w.buckets))
	for _, category := range w.order {
		out = append(out, w.buckets[category])
	}
	data, err := json.Marshal(out)
	if err != nil {
		return types.JSONText("[]")
	}
	return types.JSONText(data)
}

// String renders a compact one-line form appended to failure messages.
func (w *WarningsSummary) String() string {
	if w.Empty() {
		return ""
	}
	parts := make([]string, 0, len(w.buckets))
	categories := append([]string(nil), w.order...)
	sort.Strings(categories)
	for _, category := range categories {
		parts = append(parts, fmt.Sprintf("%s=%d", category, w.buckets[category].Count))
	}
	return strings.Join(parts, ", ")
}
