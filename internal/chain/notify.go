package chain

import (
	"sync"
	"sync/atomic"

	"github.com/Klingon-tech/klingnet-node/pkg/types"
	"github.com/lightningnetwork/lnd/queue"
)

// TipEvent describes a tip change.
type TipEvent struct {
	Old      HeaderNode
	New      HeaderNode
	Fork     HeaderNode
	Detached []types.Hash // old tip first
	Attached []types.Hash // block after fork first
}

// IsReorg reports whether blocks were disconnected.
func (e TipEvent) IsReorg() bool {
	return len(e.Detached) > 0
}

// TipObserver is told about every tip change, in order.
type TipObserver interface {
	OnTipChanged(ev TipEvent)
}

// TipObserverFunc adapts a function to TipObserver.
type TipObserverFunc func(ev TipEvent)

func (f TipObserverFunc) OnTipChanged(ev TipEvent) { f(ev) }

// TipNotifier delivers tip events to observers from its own goroutine, so
// a slow observer never holds up chain selection.
type TipNotifier struct {
	started atomic.Bool
	stopped atomic.Bool

	mu        sync.RWMutex
	observers []TipObserver

	events *queue.ConcurrentQueue
	quit   chan struct{}
	wg     sync.WaitGroup
}

// NewTipNotifier creates a notifier buffering size events before its
// queue spills to memory.
func NewTipNotifier(size int) *TipNotifier {
	if size <= 0 {
		size = 16
	}
	return &TipNotifier{
		events: queue.NewConcurrentQueue(size),
		quit:   make(chan struct{}),
	}
}

// Subscribe registers an observer.
func (n *TipNotifier) Subscribe(o TipObserver) {
	n.mu.Lock()
	n.observers = append(n.observers, o)
	n.mu.Unlock()
}

// Start launches the delivery goroutine.
func (n *TipNotifier) Start() {
	if !n.started.CompareAndSwap(false, true) {
		return
	}
	n.events.Start()
	n.wg.Add(1)
	go n.loop()
}

// Stop halts delivery.
func (n *TipNotifier) Stop() {
	if !n.started.Load() || !n.stopped.CompareAndSwap(false, true) {
		return
	}
	close(n.quit)
	n.events.Stop()
	n.wg.Wait()
}

// Notify queues an event. Events are dropped when the notifier is not
// running.
func (n *TipNotifier) Notify(ev TipEvent) {
	if !n.started.Load() || n.stopped.Load() {
		return
	}
	select {
	case n.events.ChanIn() <- ev:
	case <-n.quit:
	}
}

func (n *TipNotifier) loop() {
	defer n.wg.Done()
	for {
		select {
		case item, ok := <-n.events.ChanOut():
			if !ok {
				return
			}
			ev := item.(TipEvent)
			n.mu.RLock()
			observers := n.observers
			n.mu.RUnlock()
			for _, o := range observers {
				o.OnTipChanged(ev)
			}
		case <-n.quit:
			return
		}
	}
}
