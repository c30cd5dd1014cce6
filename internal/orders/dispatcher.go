package orders

import (
	"context"
	"errors"
	"sync"

	"github.com/ksred/klear-orders/internal/metrics"
	"github.com/ksred/klear-orders/internal/types"
	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

const (
	DefaultQueueSize = 100
	DefaultWorkers   = 4
)

var (
	ErrQueueFull         = errors.New("dispatch queue is full")
	ErrDispatcherStopped = errors.New("dispatcher is stopped")
)

// Executor runs an order by id
type Executor interface {
	Execute(ctx context.Context, orderID string) (*types.Order, error)
}

// Dispatcher executes orders in the background on a fixed pool of workers fed
// by a bounded queue
type Dispatcher struct {
	n     int
	tasks chan string
	t     *tomb.Tomb

	mu      sync.RWMutex
	stopped bool
}

func NewDispatcher(queueSize, workers int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Dispatcher{
		n:     workers,
		tasks: make(chan string, queueSize),
	}
}

// Start launches the workers. Cancelling ctx aborts in-flight executions;
// use Stop for a graceful drain.
func (d *Dispatcher) Start(ctx context.Context, exec Executor) {
	t, tctx := tomb.WithContext(ctx)
	d.t = t

	for i := 0; i < d.n; i++ {
		id := i
		t.Go(func() error {
			return d.worker(tctx, id, exec)
		})
	}
	log.Info().Int("workers", d.n).Int("queue_size", cap(d.tasks)).Msg("order dispatcher started")
}

// Workers take order ids off the queue until it is closed or the tomb dies
func (d *Dispatcher) worker(ctx context.Context, id int, exec Executor) error {
	for {
		select {
		case <-d.t.Dying():
			return nil
		case orderID, ok := <-d.tasks:
			if !ok {
				return nil
			}
			metrics.DispatchQueueDepth.Set(float64(len(d.tasks)))

			logger := log.With().Int("worker", id).Str("order_id", orderID).Logger()
			order, err := exec.Execute(ctx, orderID)
			if err != nil {
				logger.Warn().Err(err).Msg("background execution failed")
				continue
			}
			logger.Debug().Str("status", string(order.Status)).Msg("background execution finished")
		}
	}
}

// Enqueue hands an order to the workers without blocking
func (d *Dispatcher) Enqueue(orderID string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped {
		return ErrDispatcherStopped
	}

	select {
	case d.tasks <- orderID:
		metrics.DispatchQueueDepth.Set(float64(len(d.tasks)))
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop refuses new work, waits for queued orders to finish and returns the
// first worker error, if any
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	close(d.tasks)
	d.mu.Unlock()

	if d.t == nil {
		return nil
	}
	err := d.t.Wait()
	log.Info().Msg("order dispatcher stopped")
	return err
}
