package outbuf

import (
	"errors"
	"testing"
)

type fakeWriter struct {
	written  [][]byte
	failWith error
	failN    int
}

func (f *fakeWriter) Write(p []byte) (int, error) {
	if f.failWith != nil && f.failN > 0 {
		f.failN--
		return 0, f.failWith
	}
	cp := append([]byte(nil), p...)
	f.written = append(f.written, cp)
	return len(p), nil
}

func TestWriteExpandsNewlineAndDoublesIAC(t *testing.T) {
	w := &fakeWriter{}
	b := New(w, nil)
	b.QuoteIAC = true
	var list DirtyList
	if _, err := b.Write([]byte{'h', 'i', '\n', 0xFF}, &list); err != nil {
		t.Fatalf("write: %v", err)
	}
	if list.Len() != 1 {
		t.Fatalf("expected buffer to be dirty, got %d", list.Len())
	}
	if err := b.ForceFlush(&list); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if list.Len() != 0 {
		t.Fatalf("expected clean after flush")
	}
	want := []byte{'h', 'i', '\r', '\n', 0xFF, 0xFF}
	if len(w.written) != 1 || string(w.written[0]) != string(want) {
		t.Fatalf("got %v want %v", w.written, want)
	}
}

func TestWriteRespectsOutputBitmap(t *testing.T) {
	w := &fakeWriter{}
	b := New(w, nil)
	b.AllowedOutput['x'] = false
	var list DirtyList
	b.Write([]byte("axbxc"), &list)
	b.ForceFlush(&list)
	if string(w.written[0]) != "abc" {
		t.Fatalf("got %q", w.written[0])
	}
}

func TestFlushRetriesTransientErrors(t *testing.T) {
	w := &fakeWriter{failWith: errors.New("eintr"), failN: 2}
	classify := func(err error) bool { return true }
	b := New(w, classify)
	var list DirtyList
	b.Write([]byte("hello\n"), &list)
	if err := b.ForceFlush(&list); err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if len(w.written) != 1 {
		t.Fatalf("expected one successful write after retries")
	}
}

func TestFlushDropsAfterRetryBudgetExhausted(t *testing.T) {
	w := &fakeWriter{failWith: errors.New("wouldblock"), failN: 100}
	classify := func(err error) bool { return true }
	b := New(w, classify)
	var list DirtyList
	b.Write([]byte("hello\n"), &list)
	if err := b.ForceFlush(&list); err == nil {
		t.Fatalf("expected error after exhausting retries")
	}
	if b.Len() != 0 {
		t.Fatalf("expected buffered message dropped, not retried forever")
	}
}

func TestDirtyListFlushAll(t *testing.T) {
	w1, w2 := &fakeWriter{}, &fakeWriter{}
	b1, b2 := New(w1, nil), New(w2, nil)
	var list DirtyList
	b1.Write([]byte("a"), &list)
	b2.Write([]byte("b"), &list)
	if list.Len() != 2 {
		t.Fatalf("expected 2 dirty, got %d", list.Len())
	}
	list.FlushAll()
	if list.Len() != 0 {
		t.Fatalf("expected list empty after FlushAll")
	}
}

func TestWriteToClosedBufferFails(t *testing.T) {
	b := New(&fakeWriter{}, nil)
	b.Close()
	if _, err := b.Write([]byte("x"), nil); err == nil {
		t.Fatalf("expected error writing to closed buffer")
	}
}
