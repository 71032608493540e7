package morangocert

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubset(t *testing.T) {
	parent := Filter{"facility.1"}
	child := Filter{"facility.1.user.2", "facility.1.user.3"}
	other := Filter{"facility.2.user.9"}

	assert.True(t, Subset(child, parent))
	assert.False(t, Subset(other, parent))
}

func TestFilterContains(t *testing.T) {
	f := Filter{"facility.1", "facility.2"}
	assert.True(t, f.Contains("facility.1.user.2"))
	assert.False(t, f.Contains("facility.3"))
}

func TestSumDedupsAndSorts(t *testing.T) {
	sum := Sum(Filter{"b", "a"}, Filter{"a", "c"})
	assert.Equal(t, Filter{"a", "b", "c"}, sum)
}
