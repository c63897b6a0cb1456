package domain

import "maps"

// MergeData shallow-merges result into base and returns a fresh map; later
// keys win at the top level only. This is the one merge rule of the engine:
// outputData after step k equals MergeData(outputData after k-1, handler
// result). Neither input is mutated.
func MergeData(base, result map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(result))
	maps.Copy(merged, base)
	maps.Copy(merged, result)
	return merged
}
