package rlm

import (
	"context"
	"fmt"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/howlerops/recursive-llm-go/sandbox"
)

func TestPoolPreservesTaskOrder(t *testing.T) {
	var running, peak int32
	client := ClientFunc(func(_ context.Context, messages []Message) (string, error) {
		n := atomic.AddInt32(&running, 1)
		defer atomic.AddInt32(&running, -1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		// messages[1] is the query
		return fmt.Sprintf("FINAL(%q)", "answer-"+messages[1].Content), nil
	})

	pool, err := NewPool(context.Background(), "m", Config{Client: client}, 2)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	tasks := make([]Task, 6)
	for i := range tasks {
		tasks[i] = Task{Query: fmt.Sprintf("q%d", i), Context: "ctx"}
	}
	results := pool.Run(context.Background(), tasks)

	if len(results) != len(tasks) {
		t.Fatalf("expected %d results, got %d", len(tasks), len(results))
	}
	for i, res := range results {
		if res.Err != nil {
			t.Fatalf("task %d: %v", i, res.Err)
		}
		if res.Index != i {
			t.Errorf("result %d has index %d", i, res.Index)
		}
		if want := fmt.Sprintf("answer-q%d", i); res.Answer.Text != want {
			t.Errorf("task %d: got %q, want %q", i, res.Answer.Text, want)
		}
	}
	if p := atomic.LoadInt32(&peak); p > 2 {
		t.Errorf("concurrency limit exceeded: %d", p)
	}
}

func TestPoolCancelledBeforeStart(t *testing.T) {
	client, _ := scripted(`FINAL("x")`)
	pool, err := NewPool(context.Background(), "m", Config{Client: client}, 1)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := pool.Run(ctx, []Task{{Query: "a"}, {Query: "b"}})
	for i, res := range results {
		if res.Err == nil {
			t.Errorf("task %d: expected an error after cancellation", i)
		}
		if res.Index != i {
			t.Errorf("result %d has index %d", i, res.Index)
		}
	}
}

func TestNewPoolProbesBackend(t *testing.T) {
	ts := httptest.NewServer(nil)
	url := ts.URL
	ts.Close()

	backend, err := sandbox.NewRemoteSession(sandbox.RemoteConfig{URL: url})
	if err != nil {
		t.Fatalf("NewRemoteSession: %v", err)
	}
	client, _ := scripted(`FINAL("x")`)
	if _, err := NewPool(context.Background(), "m", Config{Client: client, Backend: backend}, 2); err == nil {
		t.Fatal("expected an unreachable backend to be rejected")
	}

	live, _ := newRemoteSessionBackend(t)
	if _, err := NewPool(context.Background(), "m", Config{Client: client, Backend: live}, 2); err != nil {
		t.Fatalf("expected a live backend to pass the probes: %v", err)
	}
}
