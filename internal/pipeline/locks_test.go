package pipeline

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPathLocks_SerializesSamePath(t *testing.T) {
	locks := NewPathLocks()

	var mu sync.Mutex
	active := 0
	maxActive := 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			locks.Lock("same.md")
			defer locks.Unlock("same.md")

			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive, "two goroutines held the same path lock")
}

func TestPathLocks_IndependentPathsDoNotBlock(t *testing.T) {
	locks := NewPathLocks()

	locks.Lock("a.md")
	done := make(chan struct{})
	go func() {
		locks.Lock("b.md")
		locks.Unlock("b.md")
		close(done)
	}()
	<-done
	locks.Unlock("a.md")
}

func TestPathLocks_TableShrinksWhenIdle(t *testing.T) {
	locks := NewPathLocks()

	locks.Lock("a.md")
	locks.Unlock("a.md")

	locks.mu.Lock()
	defer locks.mu.Unlock()
	assert.Empty(t, locks.locks)
}
