package readiness

import (
	"sync"
	"testing"
)

func TestNewStartsNotReady(t *testing.T) {
	s := New()
	snap := s.Current()
	if snap.Phase != NotReady {
		t.Errorf("phase = %s, want not_ready", snap.Phase)
	}
	if snap.Reason != "" {
		t.Errorf("reason = %q, want empty", snap.Reason)
	}
}

func TestMarkReady(t *testing.T) {
	s := New()
	if err := s.MarkReady(); err != nil {
		t.Fatalf("MarkReady: %v", err)
	}
	if got := s.Current().Phase; got != Ready {
		t.Errorf("phase = %s, want ready", got)
	}

	// Ready is reached exactly once.
	if err := s.MarkReady(); err == nil {
		t.Error("second MarkReady should fail")
	}
}

func TestMarkFailedFromNotReady(t *testing.T) {
	s := New()
	if err := s.MarkFailed("corrupt"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	snap := s.Current()
	if snap.Phase != Failed || snap.Reason != "corrupt" {
		t.Errorf("got %s/%q, want failed/corrupt", snap.Phase, snap.Reason)
	}
}

func TestMarkFailedFromReady(t *testing.T) {
	s := New()
	if err := s.MarkReady(); err != nil {
		t.Fatalf("MarkReady: %v", err)
	}
	if err := s.MarkFailed("entrypoint_raised"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if got := s.Current().Phase; got != Failed {
		t.Errorf("phase = %s, want failed", got)
	}
}

func TestFailedIsTerminal(t *testing.T) {
	s := New()
	if err := s.MarkFailed("corrupt"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	if err := s.MarkReady(); err == nil {
		t.Error("MarkReady after failure should fail")
	}
	if err := s.MarkFailed("other"); err == nil {
		t.Error("second MarkFailed should fail")
	}
	// Original reason survives.
	if got := s.Current().Reason; got != "corrupt" {
		t.Errorf("reason = %q, want corrupt", got)
	}
}

func TestPhaseString(t *testing.T) {
	cases := map[Phase]string{
		NotReady: "not_ready",
		Ready:    "ready",
		Failed:   "failed",
	}
	for phase, want := range cases {
		if got := phase.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", phase, got, want)
		}
	}
}

func TestConcurrentReadsDuringTransition(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					snap := s.Current()
					if snap.Phase == Failed && snap.Reason == "" {
						t.Error("failed snapshot without reason")
						return
					}
				}
			}
		}()
	}

	if err := s.MarkFailed("corrupt"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	close(stop)
	wg.Wait()
}
