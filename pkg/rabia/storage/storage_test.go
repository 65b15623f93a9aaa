package storage

import "testing"

func TestInMemory_AppendAndGet(t *testing.T) {
	s := NewInMemory()
	for i := int64(0); i < 3; i++ {
		if err := s.Append(Entry{Phase: i, Value: []byte{byte(i)}}); err != nil {
			t.Fatalf("append phase %d: %v", i, err)
		}
	}

	entries, err := s.Get(1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(entries) != 2 || entries[0].Phase != 1 || entries[1].Phase != 2 {
		t.Fatalf("unexpected entries: %+v", entries)
	}

	last, ok := s.LastPhase()
	if !ok || last != 2 {
		t.Fatalf("expected last phase 2, got %d (ok=%v)", last, ok)
	}
}

func TestInMemory_RejectsOutOfOrderAppend(t *testing.T) {
	s := NewInMemory()
	if err := s.Append(Entry{Phase: 1}); err == nil {
		t.Fatal("expected error appending phase 1 before phase 0 exists")
	}
}

func TestInMemory_GetOutOfRange(t *testing.T) {
	s := NewInMemory()
	_ = s.Append(Entry{Phase: 0})
	if _, err := s.Get(5); err == nil {
		t.Fatal("expected error for out-of-range fromPhase")
	}
}
