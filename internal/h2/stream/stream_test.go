package stream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/albertbausili/celer/internal/h2/frame"
)

const defaultWin = int32(frame.DefaultInitialWindowSize)

func newTestStream(t *testing.T) *Stream {
	t.Helper()
	req, err := http.NewRequest("GET", "https://example.com/", nil)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	return New(req, defaultWin, defaultWin)
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateIdle, "idle"},
		{StateReservedRemote, "reserved (remote)"},
		{StateOpen, "open"},
		{StateHalfClosedLocal, "half-closed (local)"},
		{StateHalfClosedRemote, "half-closed (remote)"},
		{StateClosed, "closed"},
		{State(99), "invalid state"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("Expected state string %q, got %q", tt.expected, got)
		}
	}
}

func TestSetStateIgnoredAfterClosed(t *testing.T) {
	s := newTestStream(t)
	s.SetState(StateOpen)
	s.SetState(StateClosed)
	s.SetState(StateOpen)
	if got := s.State(); got != StateClosed {
		t.Errorf("Expected stream to stay closed, got %v", got)
	}
}

func TestTakeSendWindow(t *testing.T) {
	s := newTestStream(t)

	if got := s.TakeSendWindow(1000); got != 1000 {
		t.Errorf("Expected to take 1000 bytes, got %d", got)
	}
	if got := s.SendWindow(); got != defaultWin-1000 {
		t.Errorf("Expected window %d, got %d", defaultWin-1000, got)
	}

	s.TakeSendWindow(frame.MaxWindowSize)
	if got := s.SendWindow(); got != 0 {
		t.Errorf("Expected drained window, got %d", got)
	}
	if got := s.TakeSendWindow(1); got != 0 {
		t.Errorf("Expected zero grant from drained window, got %d", got)
	}
}

func TestAddSendWindowOverflow(t *testing.T) {
	s := newTestStream(t)
	if !s.AddSendWindow(frame.MaxWindowSize - defaultWin) {
		t.Error("Expected credit up to the window limit to succeed")
	}
	if s.AddSendWindow(1) {
		t.Error("Expected overflow credit to be rejected")
	}
}

func TestAddSendWindowNegativeDelta(t *testing.T) {
	s := newTestStream(t)
	// A reduced SETTINGS_INITIAL_WINDOW_SIZE can push the window negative.
	if !s.AddSendWindow(-defaultWin - 100) {
		t.Error("Expected negative delta to be accepted")
	}
	if got := s.SendWindow(); got != -100 {
		t.Errorf("Expected window -100, got %d", got)
	}
	if got := s.TakeSendWindow(10); got != 0 {
		t.Errorf("Expected zero grant from negative window, got %d", got)
	}
}

func TestTakeRecvWindow(t *testing.T) {
	s := newTestStream(t)
	if !s.TakeRecvWindow(defaultWin) {
		t.Error("Expected consuming the full receive window to succeed")
	}
	if s.TakeRecvWindow(1) {
		t.Error("Expected receive window violation to be reported")
	}
}

func TestNoteConsumedThreshold(t *testing.T) {
	s := newTestStream(t)
	s.TakeRecvWindow(4096)

	if grant := s.NoteConsumed(1024, 2048); grant != 0 {
		t.Errorf("Expected credit withheld below threshold, got grant %d", grant)
	}
	if grant := s.NoteConsumed(1024, 2048); grant != 2048 {
		t.Errorf("Expected accumulated grant 2048, got %d", grant)
	}
	// The grant restores the receive window.
	if !s.TakeRecvWindow(defaultWin - 2048) {
		t.Error("Expected replenished window to cover the remaining credit")
	}
}

func TestContentLengthAccounting(t *testing.T) {
	s := newTestStream(t)
	s.SetDeclaredLen(10)

	if overrun := s.NoteRecvData(6); overrun {
		t.Error("Expected no overrun within the declared length")
	}
	if s.EndedShort() != true {
		t.Error("Expected short end before the declared length is met")
	}
	if overrun := s.NoteRecvData(4); overrun {
		t.Error("Expected no overrun at exactly the declared length")
	}
	if s.EndedShort() {
		t.Error("Expected no short end at exactly the declared length")
	}
	if overrun := s.NoteRecvData(1); !overrun {
		t.Error("Expected overrun past the declared length")
	}
}

func TestContentLengthUnknown(t *testing.T) {
	s := newTestStream(t)
	if overrun := s.NoteRecvData(1 << 20); overrun {
		t.Error("Expected no overrun without a declared length")
	}
	if s.EndedShort() {
		t.Error("Expected no short end without a declared length")
	}
}

func TestDeliverResponseFirstWins(t *testing.T) {
	s := newTestStream(t)
	first := &http.Response{StatusCode: 200}
	s.DeliverResponse(first)
	s.DeliverResponse(&http.Response{StatusCode: 500})

	resp, err := s.AwaitResponse(context.Background())
	if err != nil {
		t.Fatalf("AwaitResponse failed: %v", err)
	}
	if resp != first {
		t.Errorf("Expected the first delivery, got status %d", resp.StatusCode)
	}
}

func TestFailBeforeDelivery(t *testing.T) {
	s := newTestStream(t)
	want := errors.New("connection torn down")
	s.Fail(want)

	_, err := s.AwaitResponse(context.Background())
	if !errors.Is(err, want) {
		t.Errorf("Expected %v, got %v", want, err)
	}
	// The body carries the same error for anyone already holding it.
	if _, err := s.Body().Read(make([]byte, 1)); !errors.Is(err, want) {
		t.Errorf("Expected body error %v, got %v", want, err)
	}
}

func TestFailAfterDelivery(t *testing.T) {
	s := newTestStream(t)
	s.DeliverResponse(&http.Response{StatusCode: 200})
	if _, err := s.AwaitResponse(context.Background()); err != nil {
		t.Fatalf("AwaitResponse failed: %v", err)
	}

	want := errors.New("reset mid-body")
	s.Fail(want)
	if _, err := s.Body().Read(make([]byte, 1)); !errors.Is(err, want) {
		t.Errorf("Expected body error %v, got %v", want, err)
	}
}

func TestAwaitResponseContextCancel(t *testing.T) {
	s := newTestStream(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.AwaitResponse(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestSawActivity(t *testing.T) {
	s := newTestStream(t)
	if s.SawActivity() {
		t.Error("Expected no activity on a fresh stream")
	}
	s.NoteRecvData(1)
	if !s.SawActivity() {
		t.Error("Expected activity after body bytes")
	}

	s2 := newTestStream(t)
	s2.MarkResponseSeen()
	if !s2.SawActivity() {
		t.Error("Expected activity after response headers")
	}
}

func TestTrailerSetOnce(t *testing.T) {
	s := newTestStream(t)
	if s.Trailer() != nil {
		t.Error("Expected nil trailers before the body ends")
	}
	first := http.Header{"Grpc-Status": []string{"0"}}
	s.SetTrailer(first)
	s.SetTrailer(http.Header{"Grpc-Status": []string{"13"}})
	if got := s.Trailer().Get("Grpc-Status"); got != "0" {
		t.Errorf("Expected the first trailer set to win, got %q", got)
	}
}

func TestBodyReadAcrossChunks(t *testing.T) {
	b := newBody()
	b.Push([]byte("hello "))
	b.Push([]byte("world"))
	b.CloseWithError(io.EOF)

	data, err := io.ReadAll(b)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(data) != "hello world" {
		t.Errorf("Expected %q, got %q", "hello world", string(data))
	}
}

func TestBodyPartialChunkRead(t *testing.T) {
	b := newBody()
	b.Push([]byte("abcdef"))

	p := make([]byte, 4)
	n, err := b.Read(p)
	if err != nil || n != 4 || string(p[:n]) != "abcd" {
		t.Fatalf("Expected to read %q, got %q (n=%d, err=%v)", "abcd", p[:n], n, err)
	}
	n, err = b.Read(p)
	if err != nil || n != 2 || string(p[:n]) != "ef" {
		t.Fatalf("Expected to read %q, got %q (n=%d, err=%v)", "ef", p[:n], n, err)
	}
}

func TestBodyReadBlocksUntilPush(t *testing.T) {
	b := newBody()
	got := make(chan []byte, 1)
	go func() {
		p := make([]byte, 16)
		n, _ := b.Read(p)
		got <- p[:n]
	}()
	time.Sleep(10 * time.Millisecond)
	b.Push([]byte("late"))

	select {
	case data := <-got:
		if string(data) != "late" {
			t.Errorf("Expected %q, got %q", "late", string(data))
		}
	case <-time.After(time.Second):
		t.Fatal("Read did not wake after Push")
	}
}

func TestBodyDrainsBeforeError(t *testing.T) {
	b := newBody()
	b.Push([]byte("tail"))
	want := errors.New("stream reset")
	b.CloseWithError(want)

	p := make([]byte, 16)
	n, err := b.Read(p)
	if err != nil || string(p[:n]) != "tail" {
		t.Fatalf("Expected buffered data before the error, got %q (err=%v)", p[:n], err)
	}
	if _, err := b.Read(p); !errors.Is(err, want) {
		t.Errorf("Expected %v after draining, got %v", want, err)
	}
}

func TestBodyFirstErrorWins(t *testing.T) {
	b := newBody()
	want := errors.New("first")
	b.CloseWithError(want)
	b.CloseWithError(errors.New("second"))
	if err := b.Err(); !errors.Is(err, want) {
		t.Errorf("Expected the first error to stick, got %v", err)
	}
}

func TestBodyOnReadReportsConsumption(t *testing.T) {
	b := newBody()
	var consumed int
	b.Bind(func(n int) { consumed += n }, nil)
	b.Push([]byte("0123456789"))

	p := make([]byte, 4)
	b.Read(p)
	b.Read(p)
	if consumed != 8 {
		t.Errorf("Expected 8 consumed bytes reported, got %d", consumed)
	}
}

func TestBodyCloseRunsHookOnce(t *testing.T) {
	b := newBody()
	calls := 0
	b.Bind(nil, func() { calls++ })
	b.Push([]byte("unread"))
	b.Close()
	b.Close()
	if calls != 1 {
		t.Errorf("Expected one close hook call, got %d", calls)
	}
}

func TestBodyCloseHookSeesBufferedBytes(t *testing.T) {
	b := newBody()
	var buffered int
	b.Bind(nil, func() { buffered = b.DetachCredit() })
	b.Push([]byte("0123456789"))
	b.Push([]byte("abcde"))
	b.Close()
	if buffered != 15 {
		t.Errorf("Expected the close hook to see 15 buffered bytes, got %d", buffered)
	}
	p := make([]byte, 4)
	if n, err := b.Read(p); n != 0 || err != io.EOF {
		t.Errorf("Expected no data after close, got %d bytes (err=%v)", n, err)
	}
}

func TestBodyDetachCreditStopsOnRead(t *testing.T) {
	b := newBody()
	var consumed int
	b.Bind(func(n int) { consumed += n }, nil)
	b.Push([]byte("01234"))

	if got := b.DetachCredit(); got != 5 {
		t.Errorf("Expected 5 buffered bytes from DetachCredit, got %d", got)
	}
	p := make([]byte, 16)
	if n, _ := b.Read(p); n != 5 {
		t.Errorf("Expected the chunks to stay readable after detach, got %d bytes", n)
	}
	if consumed != 0 {
		t.Errorf("Expected no consumption reported after detach, got %d", consumed)
	}
}

func TestBodyCloseAfterDrainSkipsHook(t *testing.T) {
	b := newBody()
	calls := 0
	b.Bind(nil, func() { calls++ })
	b.Push([]byte("all"))
	b.CloseWithError(io.EOF)
	io.ReadAll(b)
	b.Close()
	if calls != 0 {
		t.Errorf("Expected no close hook after a full drain, got %d calls", calls)
	}
}

func TestTimersInactivityFires(t *testing.T) {
	s := newTestStream(t)
	fired := make(chan struct{})
	s.ArmTimers(20*time.Millisecond, 0, func() { close(fired) }, nil)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("Inactivity timer did not fire")
	}
}

func TestTimersTouchDefersInactivity(t *testing.T) {
	s := newTestStream(t)
	fired := make(chan struct{})
	s.ArmTimers(60*time.Millisecond, 0, func() { close(fired) }, nil)

	for i := 0; i < 4; i++ {
		time.Sleep(30 * time.Millisecond)
		s.Touch()
	}
	select {
	case <-fired:
		t.Fatal("Inactivity timer fired despite progress")
	default:
	}
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("Inactivity timer did not fire after progress stopped")
	}
}

func TestTimersTransferIgnoresTouch(t *testing.T) {
	s := newTestStream(t)
	fired := make(chan struct{})
	s.ArmTimers(0, 50*time.Millisecond, nil, func() { close(fired) })

	deadline := time.After(time.Second)
	for {
		select {
		case <-fired:
			return
		case <-deadline:
			t.Fatal("Transfer timer did not fire")
		default:
			s.Touch()
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestStopTimers(t *testing.T) {
	s := newTestStream(t)
	fired := make(chan struct{}, 2)
	s.ArmTimers(30*time.Millisecond, 30*time.Millisecond,
		func() { fired <- struct{}{} }, func() { fired <- struct{}{} })
	s.StopTimers()

	time.Sleep(80 * time.Millisecond)
	select {
	case <-fired:
		t.Error("Expected no timer to fire after StopTimers")
	default:
	}
}

func TestTableAllocIDsOddAndIncreasing(t *testing.T) {
	tbl := NewTable()
	prev := uint32(0)
	for i := 0; i < 5; i++ {
		id, err := tbl.AllocID()
		if err != nil {
			t.Fatalf("AllocID failed: %v", err)
		}
		if id%2 != 1 {
			t.Errorf("Expected odd id, got %d", id)
		}
		if id <= prev {
			t.Errorf("Expected strictly increasing ids, got %d after %d", id, prev)
		}
		prev = id
	}
	if got := tbl.LastAllocated(); got != prev {
		t.Errorf("Expected last allocated %d, got %d", prev, got)
	}
}

func TestTableAllocIDExhaustion(t *testing.T) {
	tbl := NewTable()
	tbl.nextID = frame.MaxStreamID // last usable odd id

	if _, err := tbl.AllocID(); err != nil {
		t.Fatalf("Expected the final id to allocate, got %v", err)
	}
	if !tbl.Exhausted() {
		t.Error("Expected the table to report exhaustion")
	}
	if _, err := tbl.AllocID(); err == nil {
		t.Error("Expected allocation past the id space to fail")
	}
}

func TestTableRegisterGetDelete(t *testing.T) {
	tbl := NewTable()
	s := newTestStream(t)
	id, _ := tbl.AllocID()
	s.ID = id
	tbl.Register(s)

	if tbl.Get(id) != s {
		t.Error("Expected Get to return the registered stream")
	}
	if tbl.Len() != 1 || tbl.ActiveClientStreams() != 1 {
		t.Errorf("Expected one active client stream, got len=%d active=%d", tbl.Len(), tbl.ActiveClientStreams())
	}

	if got := tbl.Delete(id); got != s {
		t.Error("Expected Delete to return the removed stream")
	}
	if tbl.Get(id) != nil {
		t.Error("Expected Get after Delete to return nil")
	}
	if s.State() != StateClosed {
		t.Errorf("Expected deleted stream to be closed, got %v", s.State())
	}
	select {
	case <-s.Done():
	default:
		t.Error("Expected done channel closed after Delete")
	}

	// A second Delete is a no-op, not a double close.
	if got := tbl.Delete(id); got != nil {
		t.Error("Expected second Delete to return nil")
	}
}

func TestTablePushStreamsNotCountedActive(t *testing.T) {
	tbl := NewTable()
	s := newTestStream(t)
	s.ID = 2
	s.IsPush = true
	tbl.Register(s)
	if tbl.ActiveClientStreams() != 0 {
		t.Errorf("Expected pushed streams excluded from the active count, got %d", tbl.ActiveClientStreams())
	}
	if tbl.Len() != 1 {
		t.Errorf("Expected pushed stream in the table, got len %d", tbl.Len())
	}
}

func TestValidatePromise(t *testing.T) {
	tbl := NewTable()

	if err := tbl.ValidatePromise(2); err != nil {
		t.Errorf("Expected promise id 2 to validate, got %v", err)
	}
	if err := tbl.ValidatePromise(8); err != nil {
		t.Errorf("Expected promise id 8 to validate, got %v", err)
	}
	if err := tbl.ValidatePromise(4); err == nil {
		t.Error("Expected non-increasing promise id to fail")
	}
	if err := tbl.ValidatePromise(8); err == nil {
		t.Error("Expected repeated promise id to fail")
	}
	if err := tbl.ValidatePromise(9); err == nil {
		t.Error("Expected odd promise id to fail")
	}
	if err := tbl.ValidatePromise(0); err == nil {
		t.Error("Expected zero promise id to fail")
	}
	if got := tbl.LastPromised(); got != 8 {
		t.Errorf("Expected last promised 8, got %d", got)
	}
}

func TestTableAll(t *testing.T) {
	tbl := NewTable()
	for i := 0; i < 3; i++ {
		s := newTestStream(t)
		id, _ := tbl.AllocID()
		s.ID = id
		tbl.Register(s)
	}
	if got := len(tbl.All()); got != 3 {
		t.Errorf("Expected 3 streams in snapshot, got %d", got)
	}
}
