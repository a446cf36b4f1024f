package chat

// DedupBy returns a new slice retaining only the first occurrence of each
// distinct key, preserving the original relative order. The input is never
// mutated and applying the result again yields the same slice.
func DedupBy[T any, K comparable](items []T, key func(T) K) []T {
	out := make([]T, 0, len(items))
	seen := make(map[K]struct{}, len(items))
	for _, item := range items {
		k := key(item)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, item)
	}
	return out
}
