package infra

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, m *SpaceMonitor, want SpaceStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State().Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("status never became %s, last %+v", want, m.State())
}

func TestSpaceMonitorUnconfigured(t *testing.T) {
	m := NewSpaceMonitor("", "")
	status, err := m.Check(context.Background())
	if err != nil || status != SpaceStatusUnconfigured {
		t.Errorf("got %s, %v", status, err)
	}
	if err := m.Warm(context.Background()); err == nil {
		t.Error("expected error warming an unconfigured space")
	}
}

func TestSpaceMonitorCheck(t *testing.T) {
	code := int32(http.StatusServiceUnavailable)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/config" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer hf_token" {
			t.Errorf("missing token")
		}
		w.WriteHeader(int(atomic.LoadInt32(&code)))
	}))
	defer server.Close()

	m := NewSpaceMonitor(server.URL, "hf_token")
	if status, _ := m.Check(context.Background()); status != SpaceStatusStarting {
		t.Errorf("503 should mean starting, got %s", status)
	}

	atomic.StoreInt32(&code, http.StatusNotFound)
	if status, err := m.Check(context.Background()); status != SpaceStatusError || err == nil {
		t.Errorf("404 should be an error, got %s", status)
	}
	if m.State().LastError == "" {
		t.Error("last error not recorded")
	}

	atomic.StoreInt32(&code, http.StatusOK)
	if status, _ := m.Check(context.Background()); status != SpaceStatusRunning || !m.IsReady() {
		t.Errorf("200 should mean running, got %s", status)
	}
}

func TestSpaceMonitorWarm(t *testing.T) {
	var probes int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&probes, 1) < 4 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	m := NewSpaceMonitor(server.URL, "")
	m.SetTiming(time.Millisecond, time.Second)

	if err := m.Warm(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, m, SpaceStatusRunning)

	// already running: no new loop
	before := atomic.LoadInt32(&probes)
	if err := m.Warm(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&probes) - before; got != 1 {
		t.Errorf("expected a single probe, got %d", got)
	}
}

func TestSpaceMonitorWarmTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	m := NewSpaceMonitor(server.URL, "")
	m.SetTiming(time.Millisecond, 30*time.Millisecond)

	if err := m.Warm(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, m, SpaceStatusError)
}
