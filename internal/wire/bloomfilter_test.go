package wire

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBloomFilter_EmptyFilterNeverContains(t *testing.T) {
	f := NewBloomFilter(100)
	assert.False(t, f.PossiblyContains("ELEMENT_1"))
	assert.False(t, f.PossiblyContains("ELEMENT_2"))

	allZero := true
	for _, b := range f.Bytes() {
		if b != 0 {
			allZero = false
		}
	}
	assert.True(t, allZero)
}

func TestBloomFilter_AddAndContains(t *testing.T) {
	f := NewBloomFilter(100)
	assert.False(t, f.PossiblyContains("ELEMENT_1"))

	f.Add("ELEMENT_1")
	assert.True(t, f.PossiblyContains("ELEMENT_1"))
	assert.False(t, f.PossiblyContains("ELEMENT_2"))

	f.Add("ELEMENT_2")
	assert.True(t, f.PossiblyContains("ELEMENT_1"))
	assert.True(t, f.PossiblyContains("ELEMENT_2"))
	assert.False(t, f.PossiblyContains("ELEMENT_3"))
}

func TestBloomFilter_SerializationRoundTrip(t *testing.T) {
	f := NewBloomFilter(10)
	f.Add("ELEMENT_1")

	rehydrated, err := NewBloomFilterFromBytes(f.Bytes(), 10)
	require.NoError(t, err)
	assert.True(t, rehydrated.PossiblyContains("ELEMENT_1"))
}

func TestBloomFilter_SizeMismatchRejected(t *testing.T) {
	f := NewBloomFilter(11)
	f.Add("ELEMENT_1")

	_, err := NewBloomFilterFromBytes(f.Bytes(), 10)
	require.Error(t, err)
}

func TestBloomFilter_LowFalsePositiveRate(t *testing.T) {
	f := NewBloomFilter(10)
	for i := 1; i <= 5; i++ {
		f.Add(fmt.Sprintf("ELEMENT_%d", i))
	}

	falsePositives := 0
	for i := 6; i < 106; i++ {
		if f.PossiblyContains(fmt.Sprintf("ELEMENT_%d", i)) {
			falsePositives++
		}
	}
	assert.LessOrEqual(t, falsePositives, 10)
}
