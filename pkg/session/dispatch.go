package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/bytebufferpool"

	"pingo/pkg/models"
)

// eventKind discriminates the events flowing through the serialized
// dispatch queue. Every mutation of session state is expressed as one of
// these; the loop goroutine is the only consumer.
type eventKind uint8

const (
	evActivateChannel eventKind = iota
	evActivateConversation
	evSend
	evTyping
	evDisconnect
	evClear
	evDialOK
	evDialFail
	evFrame
	evConnClosed
	evReconnectDue
	evHistoryDone
	evPrepend
	evTrim
)

// event is the unit of work on the dispatch queue. Only the fields
// relevant to the kind are populated. Payload may be backed by a pooled
// buffer; the loop must call item.done() after processing.
type event struct {
	kind  eventKind
	epoch uint64
	chat  models.ChatRef
	// payload holds raw inbound frame bytes.
	payload []byte
	// msg is the pre-built optimistic entry for evSend.
	msg  *models.Message
	conn Conn
	err  error
	code int
	// history carries a resolved history page or an older page to prepend.
	history  []models.Message
	keepLast int
	idle     time.Duration
	typing   bool
	// enqSeq is a monotonic sequence assigned on enqueue, for diagnostics.
	enqSeq uint64
}

var errQueueFull = errors.New("dispatch queue full")

// item wraps an event and owns a pooled buffer if one was used.
type item struct {
	ev   *event
	buf  *bytebufferpool.ByteBuffer
	once sync.Once
}

var eventPool = sync.Pool{New: func() any { return &event{} }}

// maxPooledBuffer caps the size of buffers returned to the pool so one
// oversized frame cannot pin memory for the rest of the session.
const maxPooledBuffer = 256 * 1024

// done releases pooled resources back to their pools. Safe to call once.
func (it *item) done() {
	it.once.Do(func() {
		if it.buf != nil {
			if cap(it.buf.B) <= maxPooledBuffer {
				bytebufferpool.Put(it.buf)
			}
			it.buf = nil
		}
		if it.ev != nil {
			*it.ev = event{}
			eventPool.Put(it.ev)
			it.ev = nil
		}
	})
}

// dispatchQueue is the bounded serialized event queue. Producers are the
// public session methods and the transport goroutines; the single
// consumer is the session loop.
type dispatchQueue struct {
	ch       chan *item
	capacity int
	seq      uint64
	dropped  uint64
}

func newDispatchQueue(capacity int) *dispatchQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &dispatchQueue{ch: make(chan *item, capacity), capacity: capacity}
}

func (q *dispatchQueue) out() <-chan *item { return q.ch }

// tryEnqueue copies ev (and its payload, into a pooled buffer) and offers
// it to the queue without blocking. Returns errQueueFull at capacity.
func (q *dispatchQueue) tryEnqueue(ev *event) error {
	newEv := eventPool.Get().(*event)
	*newEv = *ev
	newEv.enqSeq = atomic.AddUint64(&q.seq, 1)

	var bb *bytebufferpool.ByteBuffer
	if len(ev.payload) > 0 {
		bb = bytebufferpool.Get()
		bb.B = append(bb.B[:0], ev.payload...)
		newEv.payload = bb.B[:len(ev.payload)]
	}
	it := &item{ev: newEv, buf: bb}

	select {
	case q.ch <- it:
		return nil
	default:
		it.done()
		atomic.AddUint64(&q.dropped, 1)
		return errQueueFull
	}
}

// drain releases items still queued after the dispatch loop stops. The
// channel stays open so a producer racing past the shutdown check cannot
// panic on send; anything it slips in afterwards is left to the GC.
func (q *dispatchQueue) drain() {
	for {
		select {
		case it := <-q.ch:
			it.done()
		default:
			return
		}
	}
}

func (q *dispatchQueue) droppedCount() uint64 { return atomic.LoadUint64(&q.dropped) }
