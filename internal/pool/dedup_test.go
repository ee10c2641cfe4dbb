package pool

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeduplicatorExactlyOnce(t *testing.T) {
	d := newDeduplicator(128)

	assert.False(t, d.Seen("e1"))
	assert.True(t, d.Seen("e1"))
	assert.True(t, d.Seen("e1"))
	assert.False(t, d.Seen("e2"))
}

func TestDeduplicatorBoundedWindow(t *testing.T) {
	d := newDeduplicator(4)
	for i := 0; i < 10; i++ {
		d.Seen(fmt.Sprintf("e%d", i))
	}
	assert.Equal(t, 4, d.Len())
}

func TestDeduplicatorLongTailMemory(t *testing.T) {
	d := newDeduplicator(2)

	d.Seen("e1")
	d.Seen("e2")
	d.Seen("e3") // evicts e1 from the exact window into the bloom filter

	// e1 must still be recognized as seen.
	assert.True(t, d.Seen("e1"))
}
