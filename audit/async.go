package audit

import (
	"context"
	"time"

	"esdispatch/logger"
)

// AsyncSink hands entries to a background writer so callers never wait on
// audit I/O. Entries are dropped with a warning when the buffer is full.
type AsyncSink struct {
	next    Sink
	queue   chan []Entry
	timeout time.Duration
	log     logger.Logger
}

func NewAsyncSink(next Sink, buffer int, timeout time.Duration, log logger.Logger) *AsyncSink {
	if buffer < 1 {
		buffer = 1
	}
	if log == nil {
		log = logger.Nop{}
	}
	return &AsyncSink{
		next:    next,
		queue:   make(chan []Entry, buffer),
		timeout: timeout,
		log:     log,
	}
}

func (s *AsyncSink) Record(_ context.Context, entries ...Entry) {
	if len(entries) == 0 {
		return
	}
	select {
	case s.queue <- entries:
	default:
		s.log.Warnf("audit: buffer full, dropped %d entries (first %s %s)", len(entries), entries[0].Action, entries[0].EntityID)
	}
}

// Run drains the queue until ctx is cancelled, then flushes what is left.
func (s *AsyncSink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.drain()
			return nil
		case entries := <-s.queue:
			s.forward(context.Background(), entries)
		}
	}
}

// Start runs the drainer in the background. The returned stop cancels it
// and blocks until every entry recorded before the call has been forwarded.
// Call stop only after the producers are done.
func (s *AsyncSink) Start() (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func (s *AsyncSink) drain() {
	for {
		select {
		case entries := <-s.queue:
			s.forward(context.Background(), entries)
		default:
			return
		}
	}
}

func (s *AsyncSink) forward(parent context.Context, entries []Entry) {
	ctx := parent
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, s.timeout)
		defer cancel()
	}
	s.next.Record(ctx, entries...)
}
