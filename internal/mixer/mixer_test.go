package mixer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateNeverZero(t *testing.T) {
	m := New()
	for i := 0; i < 100; i++ {
		assert.NotZero(t, m.Generate(i))
	}
}

func TestGenerateUniqueWhileOutstanding(t *testing.T) {
	m := New()

	const workers = 8
	const perWorker = 500

	var wg sync.WaitGroup
	ids := make(chan int64, workers*perWorker)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				ids <- m.Generate(i)
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool)
	for id := range ids {
		require.False(t, seen[id], "id %d minted twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, workers*perWorker)
	assert.Equal(t, workers*perWorker, m.Outstanding())
}

func TestTakeExactlyOnce(t *testing.T) {
	m := New()
	id := m.Generate("payload")

	got, ok := m.Take(id)
	require.True(t, ok)
	assert.Equal(t, "payload", got)

	got, ok = m.Take(id)
	assert.False(t, ok)
	assert.Nil(t, got)

	// unknown ids are not-found too
	_, ok = m.Take(99999)
	assert.False(t, ok)
}

func TestNextSharesIDSpaceWithGenerate(t *testing.T) {
	m := New()

	a := m.Generate("a")
	orphan := m.Next()
	b := m.Generate("b")

	assert.NotEqual(t, a, orphan)
	assert.NotEqual(t, b, orphan)

	// orphan ids have no pending entry
	_, ok := m.Take(orphan)
	assert.False(t, ok)

	_, ok = m.Take(a)
	assert.True(t, ok)
	_, ok = m.Take(b)
	assert.True(t, ok)
}
