package debounce_test

import (
	"sync"
	"testing"
	"time"

	"github.com/tripwire/folderaudit/internal/debounce"
	"github.com/tripwire/folderaudit/internal/source"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func TestAccept_FirstOccurrence(t *testing.T) {
	d := debounce.New()
	if !d.Accept(source.Write, "/w/a.txt", t0) {
		t.Fatal("first occurrence must be accepted")
	}
}

func TestAccept_WindowBoundary(t *testing.T) {
	cases := []struct {
		name  string
		delta time.Duration
		want  bool
	}{
		{"same instant", 0, false},
		{"300ms", 300 * time.Millisecond, false},
		{"499ms", 499 * time.Millisecond, false},
		{"exactly 500ms", 500 * time.Millisecond, true},
		{"501ms", 501 * time.Millisecond, true},
		{"clock went backwards", -time.Second, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := debounce.New()
			d.Accept(source.Write, "/w/a.txt", t0)
			if got := d.Accept(source.Write, "/w/a.txt", t0.Add(tc.delta)); got != tc.want {
				t.Errorf("Accept(t0+%v) = %v, want %v", tc.delta, got, tc.want)
			}
		})
	}
}

func TestAccept_SuppressedEventDoesNotMoveWindow(t *testing.T) {
	d := debounce.New()
	d.Accept(source.Write, "/w/a.txt", t0)

	if d.Accept(source.Write, "/w/a.txt", t0.Add(300*time.Millisecond)) {
		t.Fatal("t0+300ms must be suppressed")
	}
	// 500ms after t0 but only 200ms after the suppressed event.
	if !d.Accept(source.Write, "/w/a.txt", t0.Add(500*time.Millisecond)) {
		t.Fatal("t0+500ms must be accepted: suppressed events do not update lastSeen")
	}
	if d.Accept(source.Write, "/w/a.txt", t0.Add(900*time.Millisecond)) {
		t.Fatal("t0+900ms is only 400ms after the accepted t0+500ms and must be suppressed")
	}
	if !d.Accept(source.Write, "/w/a.txt", t0.Add(1000*time.Millisecond)) {
		t.Fatal("t0+1000ms must be accepted")
	}
}

func TestAccept_ScenarioSuppressThenAccept(t *testing.T) {
	d := debounce.New()
	steps := []struct {
		at   time.Duration
		want bool
	}{
		{0, true},
		{300 * time.Millisecond, false},
		{900 * time.Millisecond, true},
	}
	for _, s := range steps {
		if got := d.Accept(source.Write, `C:\Watch\a.txt`, t0.Add(s.at)); got != s.want {
			t.Errorf("Accept(t0+%v) = %v, want %v", s.at, got, s.want)
		}
	}
}

func TestAccept_KeysAreIndependent(t *testing.T) {
	d := debounce.New()
	d.Accept(source.Write, "/w/a.txt", t0)

	if !d.Accept(source.Read, "/w/a.txt", t0.Add(time.Millisecond)) {
		t.Error("a read must not be debounced by a write to the same path")
	}
	if !d.Accept(source.Write, "/w/b.txt", t0.Add(time.Millisecond)) {
		t.Error("a write to another path must not be debounced")
	}
	if d.Len() != 3 {
		t.Errorf("Len() = %d, want 3", d.Len())
	}
}

func TestAccept_ConcurrentUse(t *testing.T) {
	d := debounce.New()
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if d.Accept(source.Write, "/w/hot.txt", t0) {
					mu.Lock()
					accepted++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	if accepted != 1 {
		t.Errorf("accepted %d events at the same instant, want exactly 1", accepted)
	}
}
