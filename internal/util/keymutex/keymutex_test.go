package keymutex_test

import (
	"sync"
	"testing"

	"nacre/internal/util/keymutex"
)

func TestKeyMutex_SerializesSameKey(t *testing.T) {
	km := keymutex.New()

	const workers = 32
	counter := 0
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			unlock := km.Lock("a")
			counter++
			unlock()
		}()
	}
	wg.Wait()

	if counter != workers {
		t.Fatalf("counter = %d, want %d", counter, workers)
	}
}

func TestKeyMutex_DistinctKeysDoNotBlock(t *testing.T) {
	km := keymutex.New()

	unlockA := km.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := km.Lock("b")
		unlockB()
		close(done)
	}()
	<-done
}
