package memory

// MemoryFilter is a conjunction of (key, value) equality predicates over
// chunk tags: a chunk matches when every listed key/value pair is present.
// The empty filter matches everything.
type MemoryFilter map[string][]string

// ByTag returns a filter requiring the given key/value pair. Chained with
// And for multi-pair conjunctions.
func ByTag(key, value string) MemoryFilter {
	return MemoryFilter{key: {value}}
}

// ByDocument returns a filter selecting all chunks of one document.
func ByDocument(documentID string) MemoryFilter {
	return ByTag(TagDocumentID, documentID)
}

// And adds a key/value predicate and returns the filter for chaining.
func (f MemoryFilter) And(key, value string) MemoryFilter {
	f[key] = append(f[key], value)
	return f
}

// Empty reports whether the filter carries no predicates.
func (f MemoryFilter) Empty() bool {
	return len(f) == 0
}

// Matches reports whether the tag collection satisfies every predicate.
func (f MemoryFilter) Matches(tags TagCollection) bool {
	for key, values := range f {
		if len(values) == 0 {
			if _, ok := tags[key]; !ok {
				return false
			}
			continue
		}
		for _, v := range values {
			if !tags.Contains(key, v) {
				return false
			}
		}
	}
	return true
}

// MatchesAny evaluates a list of filters as a disjunction of conjunctions.
// An empty or nil list matches everything.
func MatchesAny(filters []MemoryFilter, tags TagCollection) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if f.Matches(tags) {
			return true
		}
	}
	return false
}
