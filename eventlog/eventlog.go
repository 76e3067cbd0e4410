// Package eventlog keeps a small bounded log of node lifecycle events for
// display as a flat text blob.
package eventlog

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/ulrichard/utwallet/lnclient"
)

// DefaultCapacity is the number of entries retained by default.
const DefaultCapacity = 5

// Entry is a single timestamped log line.
type Entry struct {
	// Timestamp is when the entry was appended.
	Timestamp int64

	// Message is the display line.
	Message string
}

// Log is a fixed capacity FIFO of event lines. The oldest entry is evicted
// when a new entry overflows the capacity. Appends are ordered by arrival.
type Log struct {
	started atomic.Bool
	stopped atomic.Bool

	node  lnclient.Lightning
	clock clock.Clock

	mu  sync.Mutex
	buf *queue.CircularBuffer

	cancel context.CancelFunc
	quit   chan struct{}
	wg     sync.WaitGroup
}

// New creates a Log with the given capacity, feeding from the given node.
// The node may be nil when only manual appends are used.
func New(node lnclient.Lightning, capacity int, clk clock.Clock) (*Log,
	error) {

	buf, err := queue.NewCircularBuffer(capacity)
	if err != nil {
		return nil, err
	}

	return &Log{
		node:  node,
		clock: clk,
		buf:   buf,
		quit:  make(chan struct{}),
	}, nil
}

// Start subscribes to the node's event stream and begins feeding the log.
func (l *Log) Start() error {
	if !l.started.CompareAndSwap(false, true) {
		return nil
	}

	log.Info("Starting event log")

	if l.node == nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel

	events, err := l.node.SubscribeEvents(ctx)
	if err != nil {
		cancel()
		return err
	}

	l.wg.Add(1)
	go l.feed(events)

	return nil
}

// Stop terminates the event subscription and waits for the feed to exit.
func (l *Log) Stop() error {
	if !l.stopped.CompareAndSwap(false, true) {
		return nil
	}

	log.Info("Stopping event log")

	close(l.quit)
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()

	return nil
}

// feed consumes the node event stream until it closes, appending one line
// per event in arrival order.
func (l *Log) feed(events <-chan lnclient.Event) {
	defer l.wg.Done()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				log.Debug("Node event stream closed")
				return
			}
			l.Append(event.String())

		case <-l.quit:
			return
		}
	}
}

// Append adds a line to the log, evicting the oldest line on overflow.
func (l *Log) Append(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf.Add(Entry{
		Timestamp: l.clock.Now().Unix(),
		Message:   msg,
	})

	log.Debugf("Event: %s", msg)
}

// Render joins the retained entries oldest first into a display blob.
func (l *Log) Render() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	items := l.buf.List()
	lines := make([]string, 0, len(items))
	for _, item := range items {
		lines = append(lines, item.(Entry).Message)
	}

	return strings.Join(lines, "\n")
}
