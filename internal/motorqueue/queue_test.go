package motorqueue

import "testing"

func TestFIFOOrder(t *testing.T) {
	q := New(10)
	for i := 0; i < 5; i++ {
		if err := q.Push(Command{MotorID: byte(i)}); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	for i := 0; i < 5; i++ {
		cmd, ok := q.TryPop()
		if !ok {
			t.Fatalf("expected command %d, queue empty", i)
		}
		if cmd.MotorID != byte(i) {
			t.Fatalf("got motor id %d, want %d (FIFO order violated)", cmd.MotorID, i)
		}
	}
	if _, ok := q.TryPop(); ok {
		t.Fatal("expected empty queue")
	}
}

func TestPushFullReturnsRecoverableError(t *testing.T) {
	q := New(2)
	if err := q.Push(Command{}); err != nil {
		t.Fatal(err)
	}
	if err := q.Push(Command{}); err != nil {
		t.Fatal(err)
	}
	if err := q.Push(Command{}); err != ErrFull {
		t.Fatalf("got %v, want ErrFull", err)
	}
}

func TestClear(t *testing.T) {
	q := New(4)
	q.Push(Command{})
	q.Push(Command{})
	q.Clear()
	if q.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after Clear", q.Len())
	}
}

func TestPushAtomicOrder(t *testing.T) {
	q := New(4)
	phase1 := Command{TargetPosition: 1200, WaitForCompletion: true, HasTarget: true, CompletionTolerance: 50}
	phase2 := Command{TargetPosition: 1000, WaitForCompletion: false, HasTarget: true}
	if err := q.PushAtomic(phase1, phase2); err != nil {
		t.Fatal(err)
	}
	got1, _ := q.TryPop()
	got2, _ := q.TryPop()
	if got1.TargetPosition != 1200 || got2.TargetPosition != 1000 {
		t.Fatalf("phases out of order: %+v, %+v", got1, got2)
	}
}
