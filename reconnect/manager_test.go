package reconnect

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stromdal/restream/store"
	"github.com/stromdal/restream/wire"
)

func noSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func writeStatus(w http.ResponseWriter, status string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}

func TestAttemptReconnectSuccess(t *testing.T) {
	var statusCalls, resumeCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/executions/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		statusCalls.Add(1)
		writeStatus(w, "completed")
	})
	mux.HandleFunc("GET /v1/executions/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		resumeCalls.Add(1)
		if r.URL.Query().Get("cursor") != "0" {
			t.Errorf("resume must replay from cursor 0, got %q", r.URL.Query().Get("cursor"))
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing auth header, got %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		body := wire.Serialize(wire.Event{Type: "internal.replay_info"}, "") +
			wire.Serialize(wire.Event{Type: wire.TypeContentDelta, MessageID: "m1", Delta: "a"}, "") +
			wire.Serialize(wire.Event{Type: wire.TypeComplete}, "")
		_, _ = w.Write([]byte(body))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	kv := store.NewMemoryKV()
	var delays []time.Duration
	m := New(Options{KV: kv, BaseURL: srv.URL, Sleep: noSleep(&delays)})
	if err := m.OnStreamStart("s1:r1"); err != nil {
		t.Fatalf("OnStreamStart: %v", err)
	}

	var events []wire.Event
	var connected, completed, failed int
	m.AttemptReconnect(context.Background(), Callbacks{
		OnEvent:     func(ev wire.Event) { events = append(events, ev) },
		OnConnected: func() { connected++ },
		OnComplete:  func() { completed++ },
		OnFail:      func() { failed++ },
		Headers:     func() map[string]string { return map[string]string{"Authorization": "Bearer tok"} },
	})

	if statusCalls.Load() != 1 || resumeCalls.Load() != 1 {
		t.Fatalf("want 1 status + 1 resume call, got %d/%d", statusCalls.Load(), resumeCalls.Load())
	}
	if len(events) != 2 {
		t.Fatalf("internal frame must be skipped, got %d events", len(events))
	}
	if events[0].Delta != "a" || events[1].Type != wire.TypeComplete {
		t.Fatalf("unexpected events: %+v", events)
	}
	if connected != 1 || completed != 1 || failed != 0 {
		t.Fatalf("callbacks: connected=%d completed=%d failed=%d", connected, completed, failed)
	}
	if len(delays) != 0 {
		t.Fatalf("first attempt must not back off, got %v", delays)
	}
	if keys, _ := kv.ListKeys(recordKeyPrefix); len(keys) != 0 {
		t.Fatalf("record not cleared: %v", keys)
	}
	if st := m.State(); st.ExecutionID != "" || st.IsReconnecting || st.Attempt != 0 {
		t.Fatalf("state not reset: %+v", st)
	}
}

func TestNotFoundAbandonsImmediately(t *testing.T) {
	var statusCalls, resumeCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/executions/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		statusCalls.Add(1)
		writeStatus(w, "not_found")
	})
	mux.HandleFunc("GET /v1/executions/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		resumeCalls.Add(1)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	kv := store.NewMemoryKV()
	var delays []time.Duration
	m := New(Options{KV: kv, BaseURL: srv.URL, Sleep: noSleep(&delays)})
	if err := m.OnStreamStart("s1:r1"); err != nil {
		t.Fatalf("OnStreamStart: %v", err)
	}

	var failed int
	m.AttemptReconnect(context.Background(), Callbacks{OnFail: func() { failed++ }})

	if statusCalls.Load() != 1 {
		t.Fatalf("want exactly one status check, got %d", statusCalls.Load())
	}
	if resumeCalls.Load() != 0 {
		t.Fatalf("not_found must skip the resume endpoint, got %d calls", resumeCalls.Load())
	}
	if failed != 1 {
		t.Fatalf("want onFail once, got %d", failed)
	}
	if keys, _ := kv.ListKeys(recordKeyPrefix); len(keys) != 0 {
		t.Fatalf("record not cleared: %v", keys)
	}
}

func TestTransientFailuresAreRetried(t *testing.T) {
	var resumeCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/executions/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, "running")
	})
	mux.HandleFunc("GET /v1/executions/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		if resumeCalls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(wire.Serialize(wire.Event{Type: wire.TypeComplete}, "")))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var delays []time.Duration
	m := New(Options{KV: store.NewMemoryKV(), BaseURL: srv.URL, Sleep: noSleep(&delays)})
	if err := m.OnStreamStart("s1:r1"); err != nil {
		t.Fatalf("OnStreamStart: %v", err)
	}

	var completed, failed int
	m.AttemptReconnect(context.Background(), Callbacks{
		OnComplete: func() { completed++ },
		OnFail:     func() { failed++ },
	})

	if completed != 1 || failed != 0 {
		t.Fatalf("want success after retries, completed=%d failed=%d", completed, failed)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(delays) != len(want) || delays[0] != want[0] || delays[1] != want[1] {
		t.Fatalf("want backoff %v, got %v", want, delays)
	}
}

func TestExhaustionReportsFail(t *testing.T) {
	var resumeCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/executions/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, "running")
	})
	mux.HandleFunc("GET /v1/executions/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		resumeCalls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	kv := store.NewMemoryKV()
	var delays []time.Duration
	m := New(Options{KV: kv, BaseURL: srv.URL, Sleep: noSleep(&delays)})
	if err := m.OnStreamStart("s1:r1"); err != nil {
		t.Fatalf("OnStreamStart: %v", err)
	}

	var completed, failed int
	m.AttemptReconnect(context.Background(), Callbacks{
		OnComplete: func() { completed++ },
		OnFail:     func() { failed++ },
	})

	if resumeCalls.Load() != 5 {
		t.Fatalf("want 5 resume attempts, got %d", resumeCalls.Load())
	}
	if completed != 0 || failed != 1 {
		t.Fatalf("want onFail once, completed=%d failed=%d", completed, failed)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("want backoff %v, got %v", want, delays)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("delay %d: want %v got %v", i, want[i], delays[i])
		}
	}
	if keys, _ := kv.ListKeys(recordKeyPrefix); len(keys) != 0 {
		t.Fatalf("record not cleared after exhaustion: %v", keys)
	}
}

func TestBackoffDelayCap(t *testing.T) {
	want := map[int]time.Duration{
		2: time.Second,
		3: 2 * time.Second,
		4: 4 * time.Second,
		5: 8 * time.Second,
		6: 16 * time.Second,
		7: 16 * time.Second,
	}
	for attempt, d := range want {
		if got := backoffDelay(attempt); got != d {
			t.Fatalf("attempt %d: want %v got %v", attempt, d, got)
		}
	}
}

func TestSingleFlight(t *testing.T) {
	var statusCalls atomic.Int32
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/executions/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		statusCalls.Add(1)
		<-release
		writeStatus(w, "not_found")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var delays []time.Duration
	m := New(Options{KV: store.NewMemoryKV(), BaseURL: srv.URL, Sleep: noSleep(&delays)})
	if err := m.OnStreamStart("s1:r1"); err != nil {
		t.Fatalf("OnStreamStart: %v", err)
	}

	done := make(chan struct{})
	go func() {
		m.AttemptReconnect(context.Background(), Callbacks{})
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for statusCalls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatalf("first attempt never reached the server")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	// Second call while the first is blocked must be a no-op.
	m.AttemptReconnect(context.Background(), Callbacks{
		OnFail: func() { t.Errorf("second call must not run the loop") },
	})
	if statusCalls.Load() != 1 {
		t.Fatalf("second call performed network activity: %d", statusCalls.Load())
	}

	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("first attempt never finished")
	}
}

func TestRestoreFromSession(t *testing.T) {
	kv := store.NewMemoryKV()
	now := time.Now()
	put := func(id string, ts time.Time) {
		raw, _ := json.Marshal(Record{ExecutionID: id, TS: ts.UnixMilli()})
		_ = kv.Set(recordKey(id), string(raw))
	}
	put("s1:old", now.Add(-time.Hour))
	put("s2:other", now)
	put("s1:live", now.Add(-time.Minute))

	m := New(Options{KV: kv, BaseURL: "http://127.0.0.1:0", Now: func() time.Time { return now }})
	rec, ok, err := m.RestoreFromSession("s1")
	if err != nil {
		t.Fatalf("RestoreFromSession: %v", err)
	}
	if !ok || rec.ExecutionID != "s1:live" {
		t.Fatalf("want s1:live, got %+v ok=%v", rec, ok)
	}
	if st := m.State(); st.ExecutionID != "s1:live" {
		t.Fatalf("restored execution not tracked: %+v", st)
	}

	keys, _ := kv.ListKeys(recordKeyPrefix)
	for _, k := range keys {
		if k == recordKey("s1:old") {
			t.Fatalf("stale record not discarded: %v", keys)
		}
	}
}

func TestRestoreFromSessionNoMatch(t *testing.T) {
	m := New(Options{KV: store.NewMemoryKV(), BaseURL: "http://127.0.0.1:0"})
	if _, ok, err := m.RestoreFromSession("s9"); ok || err != nil {
		t.Fatalf("want no match, got ok=%v err=%v", ok, err)
	}
}

func TestNoTrackedExecutionFailsImmediately(t *testing.T) {
	m := New(Options{KV: store.NewMemoryKV(), BaseURL: "http://127.0.0.1:0"})
	var failed int
	m.AttemptReconnect(context.Background(), Callbacks{OnFail: func() { failed++ }})
	if failed != 1 {
		t.Fatalf("want immediate onFail, got %d", failed)
	}
}

func TestResetClearsRecordAndState(t *testing.T) {
	kv := store.NewMemoryKV()
	m := New(Options{KV: kv, BaseURL: "http://127.0.0.1:0"})
	if err := m.OnStreamStart("s1:r1"); err != nil {
		t.Fatalf("OnStreamStart: %v", err)
	}
	m.Reset()
	if keys, _ := kv.ListKeys(recordKeyPrefix); len(keys) != 0 {
		t.Fatalf("record not removed: %v", keys)
	}
	if st := m.State(); st.ExecutionID != "" || st.IsReconnecting {
		t.Fatalf("state not idle: %+v", st)
	}
}

func TestOnStreamStartPersistsRecord(t *testing.T) {
	kv := store.NewMemoryKV()
	now := time.Unix(1700000000, 0)
	m := New(Options{KV: kv, BaseURL: "http://127.0.0.1:0", Now: func() time.Time { return now }})
	if err := m.OnStreamStart("s1:r1"); err != nil {
		t.Fatalf("OnStreamStart: %v", err)
	}
	raw, ok, err := kv.Get(recordKey("s1:r1"))
	if err != nil || !ok {
		t.Fatalf("record missing: ok=%v err=%v", ok, err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if rec.ExecutionID != "s1:r1" || rec.TS != now.UnixMilli() {
		t.Fatalf("unexpected record: %+v", rec)
	}
}
