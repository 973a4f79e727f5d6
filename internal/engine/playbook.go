package engine

import (
	"fmt"
	"strings"

	"github.com/michalmatynia/geminitestapp-sub007/internal/store"
)

// DefaultPlaybookBucketCap bounds each bucket in the rendered playbook so
// the advisory stays prompt-sized.
const DefaultPlaybookBucketCap = 5

// SynthesizePlaybook aggregates past run summaries into a compact advisory
// the reasoner consumes verbatim on the next run's first planning call.
// Entries are deduplicated within each bucket (first occurrence wins),
// each bucket is capped, and absent buckets are omitted entirely.
func SynthesizePlaybook(summaries []store.RunSummary, bucketCap int) string {
	if bucketCap <= 0 {
		bucketCap = DefaultPlaybookBucketCap
	}

	var mistakes, improvements, guardrails, toolAdjustments []string
	for _, s := range summaries {
		mistakes = append(mistakes, s.Mistakes...)
		improvements = append(improvements, s.Improvements...)
		guardrails = append(guardrails, s.Guardrails...)
		toolAdjustments = append(toolAdjustments, s.ToolAdjustments...)
	}

	var b strings.Builder
	writeBucket(&b, "Mistakes to avoid", mistakes, bucketCap)
	writeBucket(&b, "Improvements to apply", improvements, bucketCap)
	writeBucket(&b, "Guardrails", guardrails, bucketCap)
	writeBucket(&b, "Tool adjustments", toolAdjustments, bucketCap)
	return strings.TrimRight(b.String(), "\n")
}

func writeBucket(b *strings.Builder, label string, items []string, limit int) {
	items = dedupe(items)
	if len(items) == 0 {
		return
	}
	if len(items) > limit {
		items = items[:limit]
	}
	fmt.Fprintf(b, "%s:\n", label)
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
}

// dedupe keeps the first occurrence of each entry, ignoring surrounding
// whitespace and dropping blanks.
func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		key := strings.TrimSpace(item)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, key)
	}
	return out
}
