package main

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dj-oyu/target-relay/internal/link"
	"github.com/dj-oyu/target-relay/internal/protocol"
	"github.com/dj-oyu/target-relay/internal/throttle"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []string
}

func (r *recordingSender) Send(p []byte) link.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, string(p))
	return link.Sent
}

func (r *recordingSender) Sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func TestRunSendsNewestLine(t *testing.T) {
	s := &recordingSender{}
	th := throttle.New(20*time.Millisecond, s)
	in := strings.NewReader("x1y2w3h4d1\nnot a message\nx10 y20 w30 h40 d2\n")

	done := make(chan struct{})
	go func() {
		run(context.Background(), in, th, 20*time.Millisecond)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return at EOF")
	}

	sent := s.Sent()
	if len(sent) == 0 {
		t.Fatal("nothing sent")
	}
	if last := sent[len(sent)-1]; last != "x10y20w30h40d2\n" {
		t.Fatalf("last sent = %q, want newest line", last)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	th := throttle.New(time.Hour, &recordingSender{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		run(ctx, strings.NewReader(""), th, time.Hour)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run ignored cancellation")
	}
}

func TestReadLinesStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan protocol.Message)

	done := make(chan struct{})
	go func() {
		readLines(ctx, strings.NewReader("stop\nstop\n"), out)
		close(done)
	}()

	// Nobody receives: the reader must not stay blocked on the send
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("readLines blocked after cancellation")
	}
	if _, ok := <-out; ok {
		t.Fatal("channel not closed")
	}
}
