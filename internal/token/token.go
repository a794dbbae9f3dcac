// Package token provides the deterministic token estimator used for
// memory mass accounting. The estimate is a heuristic (roughly four
// bytes per token for English text), not a model tokenizer: it only
// needs to be cheap, monotonic in length, and stable across runs so
// that pre/post session comparisons are meaningful.
package token

// Estimate returns the estimated token count for content.
func Estimate(content string) int {
	if len(content) == 0 {
		return 0
	}
	return (len(content) + 3) / 4
}
