// Command tracedemo is a minimal program instrumented with the in-process
// Tracer runtime (internal/tracer). It registers a "memory" module, wraps a
// toy allocator and releaser with WrapAlloc/WrapFree, and drives a few
// allocate/free cycles so the generated event stream can be read by an
// attached rtrace-agent and eventually parsed and reported by rtrace-server.
//
// Usage:
//
//	tracedemo
//
// tracedemo takes no flags: its tracer configuration comes from the
// SP_RTRACE_* environment variables (tracer.FromEnv), and it prints its own
// pid on startup.
//
// tracedemo starts with tracing disabled; send it SIGUSR1 (its default
// toggle signal) to enable, and again to disable.
package main

import (
	"fmt"
	"log"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/sp-rtrace/rtrace-go/internal/tracer"
)

// block is a toy heap-allocated resource tracedemo's fake allocator hands
// out, standing in for whatever real resource a traced module wraps.
type block struct {
	id   uint64
	size uint64
}

func main() {
	cfg := tracer.FromEnv()
	if cfg.OutputDir == "" {
		cfg.OutputDir = os.TempDir()
	}

	rt := tracer.New(cfg)
	rt.Start()
	defer rt.Stop()

	mem, err := rt.RegisterModule("memory", "1.0")
	if err != nil {
		log.Fatalf("tracedemo: register module: %v", err)
	}

	memResType, err := mem.RegisterResourceType("M", "memory allocation", 0)
	if err != nil {
		log.Fatalf("tracedemo: register resource type: %v", err)
	}

	var (
		mu      sync.Mutex
		blocks  = map[uint64]*block{}
		nextID  uint64
		allocFn = func() (*block, error) {
			mu.Lock()
			defer mu.Unlock()
			nextID++
			b := &block{id: nextID, size: uint64(64 + rand.Intn(4096))}
			blocks[b.id] = b
			return b, nil
		}
		freeFn = func(id uint64) (bool, error) {
			mu.Lock()
			defer mu.Unlock()
			_, ok := blocks[id]
			delete(blocks, id)
			return ok, nil
		}
	)

	alloc := tracer.WrapAlloc(rt, mem, "demo_alloc", memResType, allocFn,
		func(b *block) uint64 { return b.id },
		func(b *block) uint64 { return b.size })
	free := tracer.WrapFree(rt, mem, "demo_free", memResType, freeFn)

	fmt.Printf("tracedemo: pid=%d, send SIGUSR1 to toggle tracing, output_dir=%q\n", os.Getpid(), cfg.OutputDir)

	// Simulate steady allocation/release churn, with tracing toggled on and
	// off externally by the attached rtrace-agent's tracer signal.
	var live []uint64
	for i := 0; i < 10_000; i++ {
		if len(live) == 0 || rand.Intn(2) == 0 {
			b, _ := alloc()
			live = append(live, b.id)
		} else {
			idx := rand.Intn(len(live))
			id := live[idx]
			live = append(live[:idx], live[idx+1:]...)
			_, _ = free(id)
		}
		time.Sleep(time.Millisecond)
	}
}
