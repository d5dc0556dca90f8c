package motorctl

import (
	"testing"

	"github.com/cseJeoni/needlecore/internal/motorframe"
	"github.com/cseJeoni/needlecore/internal/motorqueue"
)

func TestPlanTwoPhaseDecelOrderingAndTargets(t *testing.T) {
	q := motorqueue.New(4)
	req := SpeedMoveRequest{
		Target:                1000,
		FastSpeed:             3000,
		DecelerationEnabled:   true,
		DecelerationMM:        5,
		DecelerationSlowSpeed: 500,
	}
	if !NeedsTwoPhaseDecel(req) {
		t.Fatal("expected two-phase decel to be required")
	}
	if err := PlanTwoPhaseDecel(q, req); err != nil {
		t.Fatal(err)
	}

	phase1, ok := q.TryPop()
	if !ok {
		t.Fatal("expected phase 1 command")
	}
	phase2, ok := q.TryPop()
	if !ok {
		t.Fatal("expected phase 2 command")
	}

	if !phase1.WaitForCompletion {
		t.Fatal("phase 1 must wait for completion")
	}
	if phase2.WaitForCompletion {
		t.Fatal("phase 2 must not wait for completion")
	}
	wantDecelPoint := int16(1000 + 5*40)
	if phase1.TargetPosition != wantDecelPoint {
		t.Fatalf("phase1 target = %d, want %d", phase1.TargetPosition, wantDecelPoint)
	}
	if phase2.TargetPosition != 1000 {
		t.Fatalf("phase2 target = %d, want 1000", phase2.TargetPosition)
	}

	f1, err := motorframe.Decode(phase1.Bytes)
	if err != nil {
		t.Fatal(err)
	}
	f2, err := motorframe.Decode(phase2.Bytes)
	if err != nil {
		t.Fatal(err)
	}
	if f1.ID != motorframe.Motor2 || f2.ID != motorframe.Motor2 {
		t.Fatal("both phases must target motor 2")
	}

	if _, ok := q.TryPop(); ok {
		t.Fatal("expected exactly two queued commands")
	}
}

func TestNeedsTwoPhaseDecelGuards(t *testing.T) {
	cases := []struct {
		name string
		req  SpeedMoveRequest
		want bool
	}{
		{"disabled", SpeedMoveRequest{DecelerationEnabled: false, DecelerationMM: 5, DecelerationSlowSpeed: 500}, false},
		{"zero-mm", SpeedMoveRequest{DecelerationEnabled: true, DecelerationMM: 0, DecelerationSlowSpeed: 500}, false},
		{"zero-slow-speed", SpeedMoveRequest{DecelerationEnabled: true, DecelerationMM: 5, DecelerationSlowSpeed: 0}, false},
		{"all-set", SpeedMoveRequest{DecelerationEnabled: true, DecelerationMM: 5, DecelerationSlowSpeed: 500}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := NeedsTwoPhaseDecel(tc.req); got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}
