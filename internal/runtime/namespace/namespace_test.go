package namespace

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAncestors(t *testing.T) {
	assert.Equal(t, []string{"A", "A::B", "A::B::C"}, Ancestors("A::B::C"))
	assert.Nil(t, Ancestors(""))
}

func TestIsAncestor(t *testing.T) {
	assert.True(t, IsAncestor("A::B", "A::B::C"))
	assert.True(t, IsAncestor("A::B", "A::B"))
	assert.False(t, IsAncestor("A::B", "A::BC"))
	assert.False(t, IsAncestor("A::B::C", "A::B"))
}

func TestMatchingReturnsAncestorsInRegistrationOrder(t *testing.T) {
	table := NewTable[string]()
	table.Add("A", "A")
	table.Add("A::B", "B")
	table.Add("A::B::C", "C")
	table.Add("A::B::C::D", "D")
	table.Add("A::X", "X")

	assert.Equal(t, []string{"A", "B", "C", "D"}, table.Matching("A::B::C::D::E"))
	assert.Empty(t, table.Exact("A::B::C::D::E"))
}

func TestMatchingFollowsRegistrationNotDepth(t *testing.T) {
	table := NewTable[string]()
	table.Add("A::B", "B")
	table.Add("A", "A")

	assert.Equal(t, []string{"B", "A"}, table.Matching("A::B::C"))
}

func TestNearestPrefersExactThenClosestAncestor(t *testing.T) {
	table := NewTable[int]()
	table.Add("RFlow::Components", 1)
	table.Add("RFlow::Components::Filter", 2)

	v, name, ok := table.Nearest("RFlow::Components::Filter")
	assert.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, "RFlow::Components::Filter", name)

	v, name, ok = table.Nearest("RFlow::Components::Other")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, "RFlow::Components", name)

	_, _, ok = table.Nearest("Elsewhere")
	assert.False(t, ok)
}

func TestNamesAreDistinct(t *testing.T) {
	table := NewTable[int]()
	table.Add("A", 1)
	table.Add("B", 2)
	table.Add("A", 3)
	assert.Equal(t, []string{"A", "B"}, table.Names())
	assert.Equal(t, []int{1, 3}, table.Exact("A"))
}
