package counter

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryIncrementRespectsLimit(t *testing.T) {
	var c AtomicCounter
	require.True(t, c.TryIncrement(2))
	require.True(t, c.TryIncrement(2))
	require.False(t, c.TryIncrement(2))
	assert.EqualValues(t, 2, c.Value())
}

func TestDecrementFloorsAtZero(t *testing.T) {
	var c AtomicCounter
	c.Decrement()
	assert.EqualValues(t, 0, c.Value())
	c.TryIncrement(5)
	c.Decrement()
	c.Decrement()
	assert.EqualValues(t, 0, c.Value())
}

func TestConcurrentAdmissionNeverExceedsLimit(t *testing.T) {
	var c AtomicCounter
	const limit = 10
	const attempts = 200

	var wg sync.WaitGroup
	admitted := make(chan bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			admitted <- c.TryIncrement(limit)
		}()
	}
	wg.Wait()
	close(admitted)

	var successes int
	for ok := range admitted {
		if ok {
			successes++
		}
	}
	assert.Equal(t, limit, successes)
	assert.EqualValues(t, limit, c.Value())
}
