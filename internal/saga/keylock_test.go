package saga

import (
	"sync"
	"testing"
)

func TestKeyLockSerializesSameKey(t *testing.T) {
	kl := newKeyLock()
	var counter int
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := kl.Lock("order-1")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Fatalf("counter = %d, want 100", counter)
	}
	kl.mu.Lock()
	remaining := len(kl.locks)
	kl.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("%d lock entries leaked", remaining)
	}
}

func TestKeyLockIndependentKeys(t *testing.T) {
	kl := newKeyLock()
	unlockA := kl.Lock("a")

	done := make(chan struct{})
	go func() {
		unlockB := kl.Lock("b")
		unlockB()
		close(done)
	}()
	<-done // must not block behind "a"
	unlockA()
}
