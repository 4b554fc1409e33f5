package backend

import (
	"context"
	"sync"
	"time"

	"github.com/GGPrompts/chatbridge/domain"
)

// Probe checks every registered backend concurrently with a per-check
// timeout. It never fails: a probe error degrades to available=false with a
// reason. Results come back in registration order.
func Probe(ctx context.Context, reg *Registry, timeout time.Duration) []domain.BackendStatus {
	names := reg.Names()
	statuses := make([]domain.BackendStatus, len(names))

	var wg sync.WaitGroup
	for i, name := range names {
		adapter, err := reg.Get(name)
		if err != nil {
			statuses[i] = domain.BackendStatus{Name: name, Available: false, Error: err.Error()}
			continue
		}
		wg.Add(1)
		go func(i int, adapter Adapter) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			status := domain.BackendStatus{Name: adapter.Name(), Available: true}
			if err := adapter.Probe(probeCtx); err != nil {
				status.Available = false
				status.Error = err.Error()
			}
			statuses[i] = status
		}(i, adapter)
	}
	wg.Wait()

	return statuses
}
