package driver

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/eleven-am/audio-bridge/internal/shared"
	"github.com/eleven-am/audio-bridge/internal/supervisor"
	"golang.org/x/sync/errgroup"
)

// Driver runs a fixed pool of reactor workers, each a single-goroutine
// event loop multiplexing many stream transports. Connect, write and
// disconnect requests may be submitted from any goroutine; they are
// enqueued to the owning worker and the worker is woken. Socket state is
// only ever touched on the owning worker.
type Driver struct {
	workers []*worker
	sup     *supervisor.Supervisor
	log     *slog.Logger

	next    atomic.Uint32
	stopped atomic.Bool

	group  *errgroup.Group
	cancel context.CancelFunc
	mu     sync.Mutex
}

func New(workerCount int, sup *supervisor.Supervisor, log *slog.Logger) *Driver {
	if log == nil {
		log = slog.Default()
	}
	if workerCount <= 0 {
		workerCount = 2
	}
	d := &Driver{
		sup: sup,
		log: log.With("component", "transport_driver"),
	}
	for i := 0; i < workerCount; i++ {
		d.workers = append(d.workers, newWorker(i, d, log))
	}
	return d
}

func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.group, runCtx = errgroup.WithContext(runCtx)
	for _, w := range d.workers {
		w := w
		d.group.Go(func() error {
			return w.run(runCtx)
		})
	}
	d.log.Info("driver started", "workers", len(d.workers))
	return nil
}

func (d *Driver) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped.Swap(true) {
		return nil
	}
	if d.cancel != nil {
		d.cancel()
	}
	var err error
	if d.group != nil {
		err = d.group.Wait()
	}
	d.log.Info("driver stopped")
	return err
}

// Connect assigns the transport round-robin to a worker and submits a
// connect request. The assignment is permanent for the transport's life;
// reconnects stay on the same worker.
func (d *Driver) Connect(t *StreamTransport) error {
	if d.stopped.Load() {
		return shared.ErrDriverStopped
	}
	idx := int(d.next.Add(1)-1) % len(d.workers)
	t.workerID = idx
	d.workers[idx].enqueueConnect(t)
	return nil
}

// RequestWrite signals the owning worker that the transport has pending
// outbound work. Idempotent while a request is already queued.
func (d *Driver) RequestWrite(t *StreamTransport) error {
	if d.stopped.Load() {
		return shared.ErrDriverStopped
	}
	d.workers[t.workerID].enqueueWrite(t)
	return nil
}

// RequestDisconnect asks the owning worker to flush a close handshake and
// tear the transport down.
func (d *Driver) RequestDisconnect(t *StreamTransport) error {
	if d.stopped.Load() {
		return shared.ErrDriverStopped
	}
	d.workers[t.workerID].enqueueDisconnect(t)
	return nil
}

// SetDialer overrides how workers open remote connections. Must be called
// before Start.
func (d *Driver) SetDialer(dial DialFunc) {
	for _, w := range d.workers {
		w.dial = dial
	}
}

// Workers reports the pool size.
func (d *Driver) Workers() int {
	return len(d.workers)
}
