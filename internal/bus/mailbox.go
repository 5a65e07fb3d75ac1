package bus

import (
	"sync"

	"go.uber.org/zap"
)

// Mailbox runs queued functions one at a time, in order, on its own goroutine.
// Push never blocks, so a slow consumer cannot stall the producer.
type Mailbox struct {
	log *zap.Logger

	mu    sync.Mutex
	queue []func()

	wake chan struct{}
	done chan struct{}
}

// NewMailbox starts the mailbox goroutine; Stop ends it
func NewMailbox(log *zap.Logger) *Mailbox {
	mb := &Mailbox{
		log:  log,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go mb.run()
	return mb
}

// Push queues fn
func (mb *Mailbox) Push(fn func()) {
	mb.mu.Lock()
	mb.queue = append(mb.queue, fn)
	mb.mu.Unlock()

	select {
	case mb.wake <- struct{}{}:
	default:
	}
}

// Stop discards queued functions and ends the goroutine. Call it once.
func (mb *Mailbox) Stop() {
	close(mb.done)
}

func (mb *Mailbox) run() {
	for {
		select {
		case <-mb.done:
			return
		case <-mb.wake:
		}

		for {
			select {
			case <-mb.done:
				return
			default:
			}

			mb.mu.Lock()
			if len(mb.queue) == 0 {
				mb.mu.Unlock()
				break
			}
			fn := mb.queue[0]
			mb.queue[0] = nil
			mb.queue = mb.queue[1:]
			mb.mu.Unlock()

			mb.invoke(fn)
		}
	}
}

func (mb *Mailbox) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			mb.log.Error("mailbox function panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}
