package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBatchBufferDropsOldestAtCapacity(t *testing.T) {
	b := NewBatchBuffer[int](3)

	for i := 1; i <= 3; i++ {
		assert.False(t, b.Add(i))
	}
	assert.True(t, b.Add(4))
	assert.True(t, b.Add(5))

	assert.Equal(t, []int{3, 4, 5}, b.Peek())
	assert.Equal(t, 2, b.Dropped())
	assert.Equal(t, 3, b.Size())
}

func TestBatchBufferGetAndClear(t *testing.T) {
	b := NewBatchBuffer[string](0)
	assert.Nil(t, b.GetAndClear())
	assert.False(t, b.HasData())

	b.Add("a")
	b.Add("b")
	assert.True(t, b.HasData())
	assert.Equal(t, []string{"a", "b"}, b.GetAndClear())
	assert.Equal(t, 0, b.Size())
}
