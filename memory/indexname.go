package memory

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultIndexName is used when a request leaves the index unset and no
// override is configured.
const DefaultIndexName = "default"

var indexNameInvalidRuns = regexp.MustCompile(`[^a-z0-9-]+`)

// NormalizeIndexName canonicalises an index name: lowercase, surrounding
// whitespace stripped, runs of characters outside [a-z0-9-] collapsed to a
// single hyphen. An empty input falls back to fallback (or DefaultIndexName
// when fallback is empty too). A name that is empty after normalisation is
// rejected.
func NormalizeIndexName(name, fallback string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = strings.TrimSpace(fallback)
	}
	if name == "" {
		name = DefaultIndexName
	}

	normalized := indexNameInvalidRuns.ReplaceAllString(strings.ToLower(name), "-")
	if strings.Trim(normalized, "-") == "" {
		return "", fmt.Errorf("invalid index name %q: empty after normalization", name)
	}
	return normalized, nil
}
