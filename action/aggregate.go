package action

// LastNonNull walks candidates from last to first and returns the first
// non-nil value, or nil when every candidate is nil.
func LastNonNull(candidates []any) any {
	for i := len(candidates) - 1; i >= 0; i-- {
		if candidates[i] != nil {
			return candidates[i]
		}
	}
	return nil
}

// AggregateBranches merges the business data of parallel branches into base.
// For every key seen in any branch the winner is LastNonNull over the
// branches in their given order. Keys whose candidates are all nil keep the
// base value.
func AggregateBranches(base map[string]any, branches []map[string]any) map[string]any {
	out := make(map[string]any, len(base))
	for k, v := range base {
		out[k] = v
	}
	var keys []string
	seen := make(map[string]bool)
	for _, b := range branches {
		for k := range b {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	for _, k := range keys {
		candidates := make([]any, 0, len(branches))
		for _, b := range branches {
			candidates = append(candidates, b[k])
		}
		if winner := LastNonNull(candidates); winner != nil {
			out[k] = winner
		}
	}
	return out
}
