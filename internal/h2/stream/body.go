package stream

import (
	"container/list"
	"io"
	"sync"
)

// Body is the ordered, backpressured response body delivery queue. The
// connection processor pushes DATA payloads in arrival order; the caller
// reads them through the io.ReadCloser surface. The queue is bounded by the
// stream's receive window: credit is only re-granted as the caller consumes,
// so a lagging consumer stalls the peer instead of growing the queue.
type Body struct {
	mu     sync.Mutex
	cond   *sync.Cond
	chunks *list.List
	err    error // sticky; io.EOF for a clean end
	closed bool  // caller called Close

	// onRead reports consumed byte counts to the connection so it can issue
	// WINDOW_UPDATE replenishment. Set once before any Push.
	onRead func(n int)
	// onClose releases connection-side resources when the caller abandons
	// the body early.
	onClose func()
}

func newBody() *Body {
	b := &Body{chunks: list.New()}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Bind attaches the connection-side hooks.
func (b *Body) Bind(onRead func(n int), onClose func()) {
	b.mu.Lock()
	b.onRead = onRead
	b.onClose = onClose
	b.mu.Unlock()
}

// Push appends a DATA payload. It never blocks: the bound is enforced by
// flow control before the bytes ever reach the socket.
func (b *Body) Push(data []byte) {
	if len(data) == 0 {
		return
	}
	b.mu.Lock()
	if b.err == nil {
		b.chunks.PushBack(data)
	}
	b.mu.Unlock()
	b.cond.Signal()
}

// Read implements io.Reader over the queued chunks.
func (b *Body) Read(p []byte) (int, error) {
	b.mu.Lock()
	for b.chunks.Len() == 0 && b.err == nil {
		b.cond.Wait()
	}
	if b.chunks.Len() == 0 {
		err := b.err
		b.mu.Unlock()
		return 0, err
	}
	front := b.chunks.Front()
	chunk := front.Value.([]byte)
	n := copy(p, chunk)
	if n < len(chunk) {
		front.Value = chunk[n:]
	} else {
		b.chunks.Remove(front)
	}
	onRead := b.onRead
	b.mu.Unlock()
	if onRead != nil {
		onRead(n)
	}
	return n, nil
}

// Close abandons the body. The connection hook runs first, while the
// pending chunks are still countable, so their window credit can be settled;
// only then are they dropped.
func (b *Body) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	alreadyDone := b.err != nil && b.chunks.Len() == 0
	onClose := b.onClose
	b.mu.Unlock()
	if !alreadyDone && onClose != nil {
		onClose()
	}
	b.mu.Lock()
	b.chunks.Init()
	b.mu.Unlock()
	b.CloseWithError(io.EOF)
	return nil
}

// CloseWithError terminates the queue. The first error wins; readers drain
// buffered chunks and then observe it. io.EOF marks a clean end of stream.
func (b *Body) CloseWithError(err error) {
	if err == nil {
		err = io.EOF
	}
	b.mu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.mu.Unlock()
	b.cond.Broadcast()
}

// Err returns the terminal error, or nil while the body is still open.
func (b *Body) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// DetachCredit disables the consumption hook and reports how many buffered
// bytes never reached the caller. The connection calls it exactly once when
// a stream dies: the undelivered bytes are credited back in bulk, so drain
// reads of the dead body must not report them a second time.
func (b *Body) DetachCredit() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onRead = nil
	total := 0
	for e := b.chunks.Front(); e != nil; e = e.Next() {
		total += len(e.Value.([]byte))
	}
	return total
}

// Buffered returns the number of queued unread bytes.
func (b *Body) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for e := b.chunks.Front(); e != nil; e = e.Next() {
		total += len(e.Value.([]byte))
	}
	return total
}
