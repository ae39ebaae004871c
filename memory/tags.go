// Package memory defines the core data model of the evermem service:
// documents submitted for ingestion, the tags attached to them, the filter
// expressions used at retrieval time, and the chunks that end up in the
// retrieval index.
package memory

// Reserved tag keys attached automatically to every chunk. Client-supplied
// tags must not use the double-underscore prefix.
const (
	TagDocumentID = "__document_id"
	TagFileID     = "__file_id"
	TagFilePart   = "__file_part"
	TagFileType   = "__file_type"
)

// TagCollection maps a tag key to a set of values. An empty value slice
// means the key is present without a value. Tags attached to a document
// propagate verbatim to every chunk derived from it.
type TagCollection map[string][]string

// Add appends a value to the given key, creating the key if needed.
// An empty value records key presence only.
func (t TagCollection) Add(key, value string) {
	if value == "" {
		if _, ok := t[key]; !ok {
			t[key] = []string{}
		}
		return
	}
	t[key] = append(t[key], value)
}

// Set replaces all values of the given key.
func (t TagCollection) Set(key string, values ...string) {
	t[key] = values
}

// Contains reports whether the key carries the given value.
func (t TagCollection) Contains(key, value string) bool {
	values, ok := t[key]
	if !ok {
		return false
	}
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

// Clone returns a deep copy. Mutating the copy never affects the original.
func (t TagCollection) Clone() TagCollection {
	if t == nil {
		return TagCollection{}
	}
	out := make(TagCollection, len(t))
	for k, values := range t {
		copied := make([]string, len(values))
		copy(copied, values)
		out[k] = copied
	}
	return out
}

// Merge copies every key/value of other into t, appending to existing keys.
func (t TagCollection) Merge(other TagCollection) {
	for k, values := range other {
		if len(values) == 0 {
			t.Add(k, "")
			continue
		}
		t[k] = append(t[k], values...)
	}
}
