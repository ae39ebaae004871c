package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTagCollection_AddAndContains(t *testing.T) {
	tags := TagCollection{}
	tags.Add("user", "alice")
	tags.Add("user", "bob")
	tags.Add("draft", "")

	assert.True(t, tags.Contains("user", "alice"))
	assert.True(t, tags.Contains("user", "bob"))
	assert.False(t, tags.Contains("user", "carol"))
	assert.False(t, tags.Contains("missing", "alice"))

	// Key present without value
	values, ok := tags["draft"]
	require.True(t, ok)
	assert.Empty(t, values)
}

func TestTagCollection_CloneIsDeep(t *testing.T) {
	tags := TagCollection{"user": {"alice"}}
	clone := tags.Clone()
	clone.Add("user", "bob")
	clone.Add("extra", "x")

	assert.False(t, tags.Contains("user", "bob"))
	_, ok := tags["extra"]
	assert.False(t, ok)
}

func TestTagCollection_Merge(t *testing.T) {
	tags := TagCollection{"user": {"alice"}}
	tags.Merge(TagCollection{"user": {"bob"}, "draft": {}})

	assert.True(t, tags.Contains("user", "alice"))
	assert.True(t, tags.Contains("user", "bob"))
	_, ok := tags["draft"]
	assert.True(t, ok)
}

func TestMemoryFilter_Matches(t *testing.T) {
	tags := TagCollection{
		"user": {"alice"},
		"type": {"memo", "note"},
	}

	tests := []struct {
		name    string
		filter  MemoryFilter
		matches bool
	}{
		{"Empty", MemoryFilter{}, true},
		{"SinglePair", ByTag("user", "alice"), true},
		{"Conjunction", ByTag("user", "alice").And("type", "note"), true},
		{"ConjunctionMiss", ByTag("user", "alice").And("type", "report"), false},
		{"WrongValue", ByTag("user", "bob"), false},
		{"MissingKey", ByTag("project", "x"), false},
		{"KeyPresenceOnly", MemoryFilter{"type": {}}, true},
		{"KeyPresenceMissing", MemoryFilter{"project": {}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.matches, tt.filter.Matches(tags))
		})
	}
}

func TestMatchesAny_Disjunction(t *testing.T) {
	tags := TagCollection{"user": {"alice"}}

	assert.True(t, MatchesAny(nil, tags))
	assert.True(t, MatchesAny([]MemoryFilter{}, tags))
	assert.True(t, MatchesAny([]MemoryFilter{ByTag("user", "bob"), ByTag("user", "alice")}, tags))
	assert.False(t, MatchesAny([]MemoryFilter{ByTag("user", "bob"), ByTag("user", "carol")}, tags))
}

func TestNormalizeIndexName(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		fallback  string
		expected  string
		expectErr bool
	}{
		{"Simple", "Notes", "", "notes", false},
		{"Whitespace", "  My Index  ", "", "my-index", false},
		{"NonAlphanumericRuns", "a//b__c!!d", "", "a-b-c-d", false},
		{"AlreadyCanonical", "team-wiki", "", "team-wiki", false},
		{"EmptyUsesFallback", "", "Projects", "projects", false},
		{"EmptyUsesDefault", "", "", "default", false},
		{"OnlySymbols", "!!!", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeIndexName(tt.input, tt.fallback)
			if tt.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}
