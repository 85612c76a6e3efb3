package engine

import (
	"context"

	"github.com/rendis/flowengine/internal/graph"
	"github.com/rendis/flowengine/pkg/schema"
)

// DefaultPoolSize is the number of runs a Dispatcher executes at once.
const DefaultPoolSize = 8

// Dispatcher executes independent runs concurrently on a bounded pool.
// Runs never share an execution context.
type Dispatcher struct {
	driver *Driver
	pool   *WorkerPool
}

// NewDispatcher creates a dispatcher running at most size runs at once.
func NewDispatcher(d *Driver, size int) *Dispatcher {
	if size <= 0 {
		size = DefaultPoolSize
	}
	return &Dispatcher{driver: d, pool: NewWorkerPool(size, d.logger)}
}

// Dispatch schedules a run of g for trigger. The returned channel delivers
// the run's result once and is then closed. Dispatch blocks while the pool is
// full.
func (d *Dispatcher) Dispatch(ctx context.Context, g *graph.Graph, trigger *schema.Trigger) (<-chan *RunResult, error) {
	ch := make(chan *RunResult, 1)
	err := d.pool.Submit(ctx, func(ctx context.Context) error {
		defer close(ch)
		res, err := d.driver.Execute(ctx, g, trigger)
		ch <- res
		return err
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Run dispatches a run and waits for its result.
func (d *Dispatcher) Run(ctx context.Context, g *graph.Graph, trigger *schema.Trigger) (*RunResult, error) {
	ch, err := d.Dispatch(ctx, g, trigger)
	if err != nil {
		return nil, err
	}
	res, ok := <-ch
	if !ok {
		return nil, schema.NewError(schema.ErrCodeInternal, "run ended without a result")
	}
	if res.Error != nil {
		return res, res.Error
	}
	return res, nil
}

// Metrics returns the pool counters.
func (d *Dispatcher) Metrics() PoolMetrics {
	return d.pool.Metrics()
}

// Shutdown stops accepting runs and waits for running ones.
func (d *Dispatcher) Shutdown() {
	d.pool.Shutdown()
}
