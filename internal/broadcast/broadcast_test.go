package broadcast

import (
	"sync"
	"testing"
)

func TestLatestWins(t *testing.T) {
	var b Broadcaster[int]
	sub := b.Subscribe()
	for i := 1; i <= 5; i++ {
		b.Publish(i)
	}
	if got := <-sub.C(); got != 5 {
		t.Errorf("received %d, want 5", got)
	}
	select {
	case v := <-sub.C():
		t.Errorf("unexpected extra value %d", v)
	default:
	}
}

func TestNeverOlderAfterNewer(t *testing.T) {
	var b Broadcaster[int]
	sub := b.Subscribe()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		last := 0
		for v := range sub.C() {
			if v <= last {
				t.Errorf("received %d after %d", v, last)
				return
			}
			last = v
		}
	}()
	for i := 1; i <= 10000; i++ {
		b.Publish(i)
	}
	b.Close()
	wg.Wait()
}

func TestClose(t *testing.T) {
	var b Broadcaster[string]
	a, c := b.Subscribe(), b.Subscribe()
	a.Close()
	a.Close()
	b.Publish("x")
	if _, ok := <-a.C(); ok {
		t.Error("closed subscription received a value")
	}
	if got := <-c.C(); got != "x" {
		t.Errorf("received %q, want x", got)
	}
	b.Close()
	if _, ok := <-c.C(); ok {
		t.Error("subscription open after broadcaster closed")
	}
	if _, ok := <-b.Subscribe().C(); ok {
		t.Error("subscription to closed broadcaster is open")
	}
	c.Close()
}
