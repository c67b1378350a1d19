// Package reconnect recovers an in-progress event stream after a network
// drop or client restart. It persists which execution a session was
// streaming, then drives a bounded, backing-off loop against the server's
// status and resume endpoints.
package reconnect

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stromdal/restream/model"
	"github.com/stromdal/restream/store"
	"github.com/stromdal/restream/wire"
)

const (
	defaultMaxAttempts = 5
	backoffBase        = time.Second
	backoffCap         = 16 * time.Second
	recordStaleness    = 10 * time.Minute
	recordKeyPrefix    = "reconnect:"
)

// Record is the persisted marker for a stream that may need resuming.
type Record struct {
	ExecutionID string `json:"executionId"`
	TS          int64  `json:"ts"`
}

// State is the in-memory view of the attempt loop.
type State struct {
	ExecutionID    string
	IsReconnecting bool
	Attempt        int
}

// Callbacks receive the outcome of a reconnect. Headers supplies the auth
// headers for the resume request.
type Callbacks struct {
	OnEvent     func(wire.Event)
	OnComplete  func()
	OnFail      func()
	OnConnected func()
	Headers     func() map[string]string
}

type Options struct {
	KV      store.KV
	BaseURL string

	Client      *http.Client
	MaxAttempts int
	Now         func() time.Time
	Sleep       func(ctx context.Context, d time.Duration) error
}

type Manager struct {
	kv          store.KV
	baseURL     string
	client      *http.Client
	maxAttempts int
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error

	inflight atomic.Bool
	mu       sync.Mutex
	state    State
}

func New(opts Options) *Manager {
	must(opts.KV != nil, "reconnect manager requires a kv store")
	must(opts.BaseURL != "", "reconnect manager requires a base url")
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &Manager{
		kv:          opts.KV,
		baseURL:     opts.BaseURL,
		client:      opts.Client,
		maxAttempts: opts.MaxAttempts,
		now:         opts.Now,
		sleep:       opts.Sleep,
	}
}

// OnStreamStart records that executionID is streaming so it can be resumed
// after a reload, and resets the attempt state.
func (m *Manager) OnStreamStart(executionID string) error {
	must(executionID != "", "execution id must not be empty")
	raw, err := json.Marshal(Record{ExecutionID: executionID, TS: m.now().UnixMilli()})
	if err != nil {
		return err
	}
	if err := m.kv.Set(recordKey(executionID), string(raw)); err != nil {
		return fmt.Errorf("persist reconnect record: %w", err)
	}
	m.mu.Lock()
	m.state = State{ExecutionID: executionID}
	m.mu.Unlock()
	return nil
}

// RestoreFromSession returns the first persisted record belonging to
// sessionID and starts tracking its execution. Records older than the
// staleness window are discarded while scanning.
func (m *Manager) RestoreFromSession(sessionID string) (Record, bool, error) {
	keys, err := m.kv.ListKeys(recordKeyPrefix)
	if err != nil {
		return Record{}, false, err
	}
	cutoff := m.now().Add(-recordStaleness).UnixMilli()
	var fresh []Record
	for _, key := range keys {
		raw, ok, err := m.kv.Get(key)
		if err != nil || !ok {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			_ = m.kv.Remove(key)
			continue
		}
		if rec.TS < cutoff {
			_ = m.kv.Remove(key)
			continue
		}
		fresh = append(fresh, rec)
	}
	for _, rec := range fresh {
		if !model.BelongsToSession(rec.ExecutionID, sessionID) {
			continue
		}
		m.mu.Lock()
		m.state = State{ExecutionID: rec.ExecutionID}
		m.mu.Unlock()
		return rec, true, nil
	}
	return Record{}, false, nil
}

// Reset clears the persisted record, if any, and returns to idle.
func (m *Manager) Reset() {
	m.mu.Lock()
	id := m.state.ExecutionID
	m.state = State{}
	m.mu.Unlock()
	if id != "" {
		_ = m.kv.Remove(recordKey(id))
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// AttemptReconnect runs the bounded retry loop for the tracked execution.
// It is single-flight per manager: a call while one is running is a no-op.
// The loop runs synchronously; callers wanting it off their goroutine start
// it with go.
func (m *Manager) AttemptReconnect(ctx context.Context, cb Callbacks) {
	m.mu.Lock()
	id := m.state.ExecutionID
	m.mu.Unlock()
	if id == "" {
		if cb.OnFail != nil {
			cb.OnFail()
		}
		return
	}
	if !m.inflight.CompareAndSwap(false, true) {
		return
	}
	defer m.inflight.Store(false)

	connected := false
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		m.mu.Lock()
		m.state.IsReconnecting = true
		m.state.Attempt = attempt
		m.mu.Unlock()
		if attempt > 1 {
			if err := m.sleep(ctx, backoffDelay(attempt)); err != nil {
				break
			}
		}
		status, err := m.queryStatus(ctx, id)
		if err != nil {
			continue
		}
		if status == model.StatusNotFound {
			// The execution no longer exists server-side. Retrying cannot
			// help; the caller falls back to durable history.
			m.finish(id)
			if cb.OnFail != nil {
				cb.OnFail()
			}
			return
		}
		if m.consume(ctx, id, cb, &connected) {
			m.finish(id)
			if cb.OnComplete != nil {
				cb.OnComplete()
			}
			return
		}
	}
	m.finish(id)
	if cb.OnFail != nil {
		cb.OnFail()
	}
}

func (m *Manager) finish(id string) {
	_ = m.kv.Remove(recordKey(id))
	m.mu.Lock()
	m.state = State{}
	m.mu.Unlock()
}

func (m *Manager) queryStatus(ctx context.Context, id string) (model.Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.statusURL(id), nil)
	if err != nil {
		return "", err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}
	var body struct {
		Status model.Status `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.Status, nil
}

// consume opens a full replay from cursor zero and dispatches decoded
// frames. It reports true only when the server ended the stream cleanly.
func (m *Manager) consume(ctx context.Context, id string, cb Callbacks, connected *bool) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.resumeURL(id), nil)
	if err != nil {
		return false
	}
	if cb.Headers != nil {
		for k, v := range cb.Headers() {
			req.Header.Set(k, v)
		}
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	dec := wire.NewDecoder(resp.Body)
	for {
		ev, err := dec.Next()
		if err == io.EOF {
			return true
		}
		if err != nil {
			return false
		}
		if wire.IsInternal(ev.Type) {
			continue
		}
		if cb.OnEvent != nil {
			cb.OnEvent(ev)
		}
		if !*connected {
			*connected = true
			m.mu.Lock()
			m.state.IsReconnecting = false
			m.mu.Unlock()
			if cb.OnConnected != nil {
				cb.OnConnected()
			}
		}
	}
}

func (m *Manager) statusURL(id string) string {
	return m.baseURL + "/v1/executions/" + url.PathEscape(id) + "/status"
}

func (m *Manager) resumeURL(id string) string {
	return m.baseURL + "/v1/executions/" + url.PathEscape(id) + "/events?cursor=0"
}

// backoffDelay returns the wait before attempt n. The first attempt never
// waits; attempts 2..5 wait 1s, 2s, 4s, 8s, capped at 16s.
func backoffDelay(attempt int) time.Duration {
	d := backoffBase << (attempt - 2)
	if d > backoffCap {
		d = backoffCap
	}
	return d
}

func recordKey(executionID string) string {
	return recordKeyPrefix + executionID
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func must(ok bool, msg string) {
	if msg == "" {
		panic("assertion message must not be empty")
	}
	if !ok {
		panic(msg)
	}
}
