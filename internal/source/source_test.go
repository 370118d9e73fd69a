package source

import (
	"testing"

	"github.com/dj-oyu/target-relay/pkg/types"
)

func TestCacheReplacesWholesale(t *testing.T) {
	var c Cache
	if c.Load() != nil {
		t.Fatalf("new cache should be empty")
	}

	first := &types.Frame{Seq: 1, Detections: []types.Detection{{Label: "cat"}}}
	second := &types.Frame{Seq: 2}
	c.Store(first)
	c.Store(second)

	if got := c.Load(); got != second || got.Len() != 0 {
		t.Fatalf("Load = %+v, want second frame", got)
	}
	c.Clear()
	if c.Load() != nil || c.Load().Len() != 0 {
		t.Fatalf("Clear did not drop the frame")
	}
}

func TestCachePublishAfterClearIsDiscarded(t *testing.T) {
	var c Cache
	gen := c.Clear()
	if !c.Publish(gen, &types.Frame{Seq: 1}) {
		t.Fatalf("publish with current generation rejected")
	}

	next := c.Clear()
	if c.Publish(gen, &types.Frame{Seq: 2}) {
		t.Fatalf("stale generation accepted")
	}
	if c.Load() != nil {
		t.Fatalf("stale publish resurrected the cache: %+v", c.Load())
	}
	if !c.Publish(next, &types.Frame{Seq: 3}) || c.Load().Seq != 3 {
		t.Fatalf("publish with new generation failed")
	}
}
