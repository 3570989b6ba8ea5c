package segment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegment_CloneIsIndependent(t *testing.T) {
	orig := Segment{
		StartTime: 1,
		Result: Result{
			Corrected:       "hello",
			Translated:      map[string]string{"es": "hola"},
			SpecialKeywords: []string{"foo"},
		},
	}
	clone := orig.Clone()
	clone.Result.Translated["es"] = "changed"
	clone.Result.SpecialKeywords[0] = "changed"

	assert.Equal(t, "hola", orig.Result.Translated["es"])
	assert.Equal(t, "foo", orig.Result.SpecialKeywords[0])
}

func TestView_LastCommitted(t *testing.T) {
	empty := View{}
	assert.Nil(t, empty.LastCommitted())

	v := View{Committed: []Segment{{StartTime: 1}, {StartTime: 2}}}
	last := v.LastCommitted()
	require.NotNil(t, last)
	assert.Equal(t, float64(2), last.StartTime)
}

func TestView_RecentContext_LimitsToN(t *testing.T) {
	v := View{Committed: []Segment{
		{Result: Result{Corrected: "one", Translated: map[string]string{"es": "uno"}}},
		{Result: Result{Corrected: "two", Translated: map[string]string{"es": "dos"}}},
		{Result: Result{Corrected: "three", Translated: map[string]string{"es": "tres"}}},
	}}

	corrected, translated := v.RecentContext(2, []string{"es"})
	assert.Equal(t, []string{"two", "three"}, corrected)
	assert.Equal(t, []string{"dos", "tres"}, translated["es"])
}

func TestView_RecentContext_EmptyWhenNoHistory(t *testing.T) {
	v := View{}
	corrected, translated := v.RecentContext(3, []string{"es", "fr"})
	assert.Nil(t, corrected)
	assert.Contains(t, translated, "es")
	assert.Contains(t, translated, "fr")
	assert.Nil(t, translated["es"])
}
