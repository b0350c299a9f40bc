package conn

import (
	"container/list"
	"errors"
	"sync"

	"github.com/albertbausili/celer/internal/h2/frame"
	"github.com/albertbausili/celer/internal/h2/stream"
)

// errRequestAborted resolves the writer's done channel when a request was
// cancelled before its HEADERS frame was written; no stream was opened.
var errRequestAborted = errors.New("request aborted before it was written")

// writeOp is one queued outgoing frame operation. Every op executes on the
// single writer goroutine, which makes frame ordering a structural property:
// HEADERS blocks are never interleaved and HPACK encoding happens in queue
// order.
type writeOp interface{}

type opInit struct {
	settings        []frame.Setting
	connWindowExtra uint32
}

type opHeaders struct {
	st        *stream.Stream
	headers   [][2]string
	endStream bool
	done      chan error
}

type opData struct {
	st        *stream.Stream
	data      []byte
	endStream bool
}

type opRST struct {
	streamID uint32
	code     frame.ErrCode
}

type opWindowUpdate struct {
	streamID  uint32
	increment uint32
}

type opPing struct {
	ack  bool
	data [8]byte
}

type opSettingsAck struct {
	headerTableSize *uint32
	maxFrameSize    *uint32
}

type opGoAway struct {
	lastStreamID uint32
	code         frame.ErrCode
	debug        []byte
}

// writeQueue is the unbounded ordered op queue between callers and the
// writer goroutine. Enqueue never blocks; the queue is bounded in practice by
// flow control, which limits outstanding DATA, and by the request rate.
type writeQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	ops    *list.List
	closed bool
}

func newWriteQueue() *writeQueue {
	q := &writeQueue{ops: list.New()}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// enqueue appends op. It reports false once the queue shut down.
func (q *writeQueue) enqueue(op writeOp) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.ops.PushBack(op)
	q.mu.Unlock()
	q.cond.Signal()
	return true
}

// dequeue blocks for the next op. It reports false when the queue shut down
// and every remaining op has been handed out.
func (q *writeQueue) dequeue() (writeOp, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.ops.Len() == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.ops.Len() == 0 {
		return nil, false
	}
	front := q.ops.Front()
	q.ops.Remove(front)
	return front.Value, true
}

// shutdown closes the queue, optionally appending final ops (the GOAWAY of a
// teardown). Already queued ops still drain.
func (q *writeQueue) shutdown(final ...writeOp) {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		for _, op := range final {
			q.ops.PushBack(op)
		}
	}
	q.mu.Unlock()
	q.cond.Broadcast()
}

// writeLoop drains the op queue onto the socket. It owns the frame writer
// and the HPACK encoder exclusively. On a transport write failure it tears
// the connection down and fails the remaining ops without touching the
// socket again.
func (c *Conn) writeLoop() {
	defer close(c.writerDone)
	defer c.sock.Close()
	var dead error
	for {
		op, ok := c.wq.dequeue()
		if !ok {
			return
		}
		if dead != nil {
			failWriteOp(op, dead)
			continue
		}
		if err := c.executeWrite(op); err != nil {
			c.logger.Printf("celer: write failed: %v", err)
			dead = ErrClosedUnexpectedly
			c.teardown(ErrClosedUnexpectedly, nil, "")
		}
	}
}

// failWriteOp resolves an op that will never be written.
func failWriteOp(op writeOp, err error) {
	if h, ok := op.(opHeaders); ok {
		h.done <- err
	}
}

// executeWrite performs one op. Only transport write failures are returned;
// per-op failures resolve through the op's own channel.
func (c *Conn) executeWrite(op writeOp) error {
	switch op := op.(type) {
	case opInit:
		if err := c.fw.WritePreface(); err != nil {
			return err
		}
		if err := c.fw.WriteSettings(op.settings...); err != nil {
			return err
		}
		if op.connWindowExtra > 0 {
			return c.fw.WriteWindowUpdate(0, op.connWindowExtra)
		}
		return nil
	case opHeaders:
		return c.executeHeaders(op)
	case opData:
		if op.st.State() == stream.StateClosed {
			// The stream failed while the op sat in the queue; its window
			// reservation died with it.
			return nil
		}
		if err := c.fw.WriteData(op.st.ID, op.endStream, op.data); err != nil {
			return err
		}
		if op.endStream {
			c.closeLocal(op.st)
		}
		return nil
	case opRST:
		return c.fw.WriteRSTStream(op.streamID, op.code)
	case opWindowUpdate:
		return c.fw.WriteWindowUpdate(op.streamID, op.increment)
	case opPing:
		return c.fw.WritePing(op.ack, op.data)
	case opSettingsAck:
		// Peer limits that the writer owns apply here, in queue order, so no
		// frame written after the ACK can violate them.
		if op.headerTableSize != nil {
			c.henc.SetMaxDynamicTableSize(*op.headerTableSize)
		}
		if op.maxFrameSize != nil {
			c.fw.SetMaxFrameSize(*op.maxFrameSize)
		}
		return c.fw.WriteSettingsAck()
	case opGoAway:
		return c.fw.WriteGoAway(op.lastStreamID, op.code, op.debug)
	default:
		return nil
	}
}

// executeHeaders opens the stream on the wire: the id is assigned here, at
// write time, so ids increase in wire order and the stream table never holds
// an id the peer has not seen the start of.
func (c *Conn) executeHeaders(op opHeaders) error {
	if op.st.WasReset() {
		op.done <- errRequestAborted
		return nil
	}
	c.mu.Lock()
	switch {
	case c.state == StateClosed:
		err := c.closeErr
		c.mu.Unlock()
		if err == nil {
			err = ErrConnClosed
		}
		op.done <- err
		return nil
	case c.state == StateGoingAway:
		err := c.goAwayErr
		c.mu.Unlock()
		if err == nil {
			err = ErrGoingAway
		}
		op.done <- err
		return nil
	}
	c.mu.Unlock()

	id, err := c.table.AllocID()
	if err != nil {
		op.done <- ErrStreamIDExhausted
		return nil
	}
	op.st.ID = id
	op.st.SetState(stream.StateOpen)
	// The send window and the registration commit under flowMu together: a
	// SETTINGS_INITIAL_WINDOW_SIZE that changed since reservation lands here,
	// and one arriving later reaches the stream through the table walk.
	c.flowMu.Lock()
	op.st.SetSendWindow(c.peerInitialWindow)
	c.table.Register(op.st)
	c.flowMu.Unlock()

	block, err := c.henc.Encode(op.headers)
	if err != nil {
		c.table.Delete(id)
		op.done <- err
		return nil
	}
	if err := c.fw.WriteHeaders(id, op.endStream, block); err != nil {
		op.done <- err
		return err
	}
	if op.endStream {
		c.closeLocal(op.st)
	}
	op.done <- nil
	return nil
}
