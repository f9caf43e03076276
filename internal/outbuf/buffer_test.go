package outbuf

import "testing"

func TestAddGetRemove(t *testing.T) {
	b := New()
	b.Add(10, 1000, 512)

	e, ok := b.Get(10)
	if !ok {
		t.Fatal("expected entry for seq 10")
	}
	if e.SendTimestamp != 1000 || e.PayloadLen != 512 {
		t.Errorf("unexpected entry: %+v", e)
	}

	b.Remove(10)
	if _, ok := b.Get(10); ok {
		t.Error("expected entry removed")
	}
}

func TestRetransmitRefreshesTimestamp(t *testing.T) {
	b := New()
	b.Add(5, 100, 200)
	b.Add(5, 300, 200) // retransmit: same seq, new timestamp

	e, ok := b.Get(5)
	if !ok {
		t.Fatal("expected entry for seq 5")
	}
	if e.SendTimestamp != 300 {
		t.Errorf("SendTimestamp = %d, want 300 (fresh timestamp on retransmit)", e.SendTimestamp)
	}
	if b.Len() != 1 {
		t.Errorf("Len() = %d, want 1 (retransmit must not duplicate entries)", b.Len())
	}
}

func TestCurWindow(t *testing.T) {
	b := New()
	b.Add(1, 0, 100)
	b.Add(2, 0, 200)
	b.Add(3, 0, 50)

	if got := b.CurWindow(); got != 350 {
		t.Errorf("CurWindow() = %d, want 350", got)
	}

	b.Remove(2)
	if got := b.CurWindow(); got != 150 {
		t.Errorf("CurWindow() after remove = %d, want 150", got)
	}
}

func TestSeqNrs(t *testing.T) {
	b := New()
	b.Add(1, 0, 1)
	b.Add(2, 0, 1)

	seqs := b.SeqNrs()
	if len(seqs) != 2 {
		t.Fatalf("SeqNrs() len = %d, want 2", len(seqs))
	}
}
