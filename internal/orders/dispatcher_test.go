package orders

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/ksred/klear-orders/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingExecutor struct {
	mu  sync.Mutex
	ids []string
}

func (e *recordingExecutor) Execute(ctx context.Context, orderID string) (*types.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ids = append(e.ids, orderID)
	if orderID == "bad" {
		return nil, errors.New("boom")
	}
	return &types.Order{OrderID: orderID, Status: types.StatusCompleted}, nil
}

func TestDispatcher_DrainsOnStop(t *testing.T) {
	d := NewDispatcher(10, 3)
	exec := &recordingExecutor{}
	d.Start(context.Background(), exec)

	for _, id := range []string{"a", "b", "bad", "c"} {
		require.NoError(t, d.Enqueue(id))
	}
	require.NoError(t, d.Stop())

	sort.Strings(exec.ids)
	assert.Equal(t, []string{"a", "b", "bad", "c"}, exec.ids)

	assert.ErrorIs(t, d.Enqueue("late"), ErrDispatcherStopped)
	assert.NoError(t, d.Stop(), "stopping twice is harmless")
}

func TestDispatcher_QueueFull(t *testing.T) {
	d := NewDispatcher(1, 1)

	require.NoError(t, d.Enqueue("first"))
	assert.ErrorIs(t, d.Enqueue("second"), ErrQueueFull)
	require.NoError(t, d.Stop())
}

func TestDispatcher_ExecutesRealOrders(t *testing.T) {
	h := newHarness(t)
	d := NewDispatcher(0, 0)
	d.Start(context.Background(), h.svc)

	req := h.buy(500)
	order := h.create(t, "key-dispatch", req)
	require.NoError(t, d.Enqueue(order.OrderID))
	require.NoError(t, d.Stop())

	stored, err := h.svc.GetOrder(context.Background(), testUser, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, stored.Status)
}
