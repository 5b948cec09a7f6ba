package network

import (
	"sync"
	"testing"
	"time"
)

type statusRecorder struct {
	mu       sync.Mutex
	statuses []Status
}

func (r *statusRecorder) record(status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func (r *statusRecorder) snapshot() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.statuses...)
}

func TestSubscribeDeliversCurrentStatusImmediately(t *testing.T) {
	monitor := NewMonitor(Config{InitialOnline: true})
	defer monitor.Close()

	recorder := &statusRecorder{}
	unsubscribe := monitor.Subscribe(recorder.record)
	defer unsubscribe()

	statuses := recorder.snapshot()
	if len(statuses) != 1 || !statuses[0].Online || statuses[0].Reconnected {
		t.Fatalf("unexpected initial delivery %+v", statuses)
	}
}

func TestSetOnlineDeduplicatesRepeatedValues(t *testing.T) {
	monitor := NewMonitor(Config{InitialOnline: false, ReconnectWindow: time.Hour})
	defer monitor.Close()

	recorder := &statusRecorder{}
	monitor.Subscribe(recorder.record)

	monitor.SetOnline(false)
	monitor.SetOnline(true)
	monitor.SetOnline(true)
	monitor.SetOnline(false)
	monitor.SetOnline(false)

	statuses := recorder.snapshot()
	if len(statuses) != 3 {
		t.Fatalf("expected initial plus two transitions, got %+v", statuses)
	}
	if !statuses[1].Online || !statuses[1].Reconnected {
		t.Fatalf("expected reconnect pulse on second delivery, got %+v", statuses[1])
	}
	if statuses[2].Online || statuses[2].Reconnected {
		t.Fatalf("expected offline without pulse, got %+v", statuses[2])
	}
	if monitor.CurrentStatus() {
		t.Fatalf("expected monitor to report offline")
	}
}

func TestReconnectPulseClearsAfterWindow(t *testing.T) {
	monitor := NewMonitor(Config{ReconnectWindow: 20 * time.Millisecond})
	defer monitor.Close()

	recorder := &statusRecorder{}
	monitor.Subscribe(recorder.record)
	monitor.SetOnline(true)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !monitor.Status().Reconnected {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if monitor.Status().Reconnected {
		t.Fatalf("expected reconnect pulse to clear")
	}
	statuses := recorder.snapshot()
	last := statuses[len(statuses)-1]
	if !last.Online || last.Reconnected {
		t.Fatalf("expected subscribers to observe the cleared pulse, got %+v", statuses)
	}
}

func TestAcknowledgeReconnectClearsEarly(t *testing.T) {
	monitor := NewMonitor(Config{ReconnectWindow: time.Hour})
	defer monitor.Close()

	monitor.SetOnline(true)
	if !monitor.Status().Reconnected {
		t.Fatalf("expected reconnect pulse")
	}
	monitor.AcknowledgeReconnect()
	if monitor.Status().Reconnected {
		t.Fatalf("expected pulse cleared")
	}
	if !monitor.CurrentStatus() {
		t.Fatalf("expected monitor to stay online")
	}
}

func TestStaleReconnectTimerDoesNotClearNewerPulse(t *testing.T) {
	monitor := NewMonitor(Config{ReconnectWindow: time.Hour})
	defer monitor.Close()

	monitor.SetOnline(true)
	staleGeneration := monitor.generation
	monitor.SetOnline(false)
	monitor.SetOnline(true)

	monitor.expireReconnect(staleGeneration)
	if !monitor.Status().Reconnected {
		t.Fatalf("expected newer pulse to survive a stale timer")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	monitor := NewMonitor(Config{ReconnectWindow: time.Hour})
	defer monitor.Close()

	recorder := &statusRecorder{}
	unsubscribe := monitor.Subscribe(recorder.record)
	unsubscribe()
	unsubscribe()

	monitor.SetOnline(true)
	if got := len(recorder.snapshot()); got != 1 {
		t.Fatalf("expected only the initial delivery, got %d", got)
	}
}

func TestCloseIgnoresLaterNotifications(t *testing.T) {
	monitor := NewMonitor(Config{})
	recorder := &statusRecorder{}
	monitor.Subscribe(recorder.record)
	monitor.Close()

	monitor.SetOnline(true)
	if monitor.CurrentStatus() {
		t.Fatalf("expected closed monitor to ignore notifications")
	}
	if got := len(recorder.snapshot()); got != 1 {
		t.Fatalf("expected no deliveries after close, got %d", got)
	}
}
