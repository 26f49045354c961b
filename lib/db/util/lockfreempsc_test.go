package util

import (
	"sync"
	"testing"
	"time"
)

func TestBasicOperations(t *testing.T) {
	q := NewLockFreeMPSC[int]()
	defer q.Close()

	for i := 0; i < 10; i++ {
		if !q.Push(i) {
			t.Fatalf("Failed to push item %d", i)
		}
	}

	for i := 0; i < 10; i++ {
		select {
		case val := <-q.Recv():
			if val != i {
				t.Errorf("Expected %d, got %v", i, val)
			}
		case <-time.After(time.Second):
			t.Fatalf("Timeout waiting for item %d", i)
		}
	}

	select {
	case val := <-q.Recv():
		t.Errorf("Queue should be empty, but got %v", val)
	case <-time.After(10 * time.Millisecond):
	}
}

func TestConcurrentProducers(t *testing.T) {
	q := NewLockFreeMPSC[int]()
	defer q.Close()

	const numProducers = 8
	const itemsPerProducer = 500
	total := numProducers * itemsPerProducer

	var wg sync.WaitGroup
	for p := 0; p < numProducers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < itemsPerProducer; i++ {
				q.Push(p*itemsPerProducer + i)
			}
		}(p)
	}

	seen := make(map[int]bool, total)
	lastPerProducer := make(map[int]int)
	for len(seen) < total {
		select {
		case v := <-q.Recv():
			if seen[v] {
				t.Fatalf("duplicate value %d", v)
			}
			seen[v] = true

			// values of a single producer must arrive in push order
			p := v / itemsPerProducer
			if last, ok := lastPerProducer[p]; ok && v < last {
				t.Fatalf("producer %d out of order: %d after %d", p, v, last)
			}
			lastPerProducer[p] = v
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout, received %d of %d", len(seen), total)
		}
	}
	wg.Wait()
}

func TestCloseDrainsQueue(t *testing.T) {
	q := NewLockFreeMPSC[string]()
	q.Push("a")
	q.Push("b")
	q.Close()

	if q.Push("c") {
		t.Error("Push after Close should return false")
	}

	var got []string
	for v := range q.Recv() {
		got = append(got, v)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("expected [a b], got %v", got)
	}
	if !q.IsClosed() {
		t.Error("IsClosed should report true")
	}
}

func TestWakeAfterIdle(t *testing.T) {
	q := NewLockFreeMPSC[int]()
	defer q.Close()

	// let the consumer park before pushing
	time.Sleep(20 * time.Millisecond)
	q.Push(42)

	select {
	case v := <-q.Recv():
		if v != 42 {
			t.Errorf("expected 42, got %d", v)
		}
	case <-time.After(time.Second):
		t.Fatal("consumer was not woken up")
	}
}

func TestPushRacingClose(t *testing.T) {
	const rounds = 500
	const producers = 4

	for round := 0; round < rounds; round++ {
		q := NewLockFreeMPSC[int]()

		received := make(chan int)
		go func() {
			n := 0
			for range q.Recv() {
				n++
			}
			received <- n
		}()

		var accepted [producers]int
		var wg sync.WaitGroup
		for p := 0; p < producers; p++ {
			wg.Add(1)
			go func(p int) {
				defer wg.Done()
				for q.Push(p) {
					accepted[p]++
				}
			}(p)
		}

		time.Sleep(20 * time.Microsecond)
		q.Close()
		wg.Wait()

		total := 0
		for _, n := range accepted {
			total += n
		}

		select {
		case n := <-received:
			if n != total {
				t.Fatalf("round %d: %d values accepted but %d delivered", round, total, n)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("round %d: Recv channel was not closed", round)
		}
	}
}
