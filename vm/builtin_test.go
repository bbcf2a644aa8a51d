package svm

import "testing"

func TestBuiltInTable(t *testing.T) {
	b := NewBuiltIn()
	i := b.Entry("Log", func(d *Driver) error { return nil })
	j := b.Entry("ToString", func(d *Driver) error { return nil })
	assert(t, i == 0 && j == 1, "Entries not appended in order: %d, %d", i, j)
	assert(t, b.Len() == 2, "Expected 2 entries, got %d", b.Len())

	assert(t, b.IndexAt(0) != nil, "IndexAt(0) returned nil")
	assert(t, b.IndexAt(2) == nil, "IndexAt past end returned a callback")
	assert(t, b.IndexAt(-1) == nil, "IndexAt(-1) returned a callback")

	assert(t, b.NameAt(1) == "ToString", "NameAt(1) == %q", b.NameAt(1))

	idx, ok := b.FindIndex("ToString")
	assert(t, ok && idx == 1, "FindIndex(ToString) == %d, %v", idx, ok)
	_, ok = b.FindIndex("missing")
	assert(t, !ok, "FindIndex found a missing name")
}
