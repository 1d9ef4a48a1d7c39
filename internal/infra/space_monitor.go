package infra

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	defaultCheckInterval  = 5 * time.Second
	defaultStartupTimeout = 5 * time.Minute
	checkRequestTimeout   = 15 * time.Second
)

// SpaceStatus is the last observed state of the hosted Space.
type SpaceStatus string

const (
	SpaceStatusUnconfigured SpaceStatus = "unconfigured"
	SpaceStatusUnknown      SpaceStatus = "unknown"
	SpaceStatusStarting     SpaceStatus = "starting"
	SpaceStatusRunning      SpaceStatus = "running"
	SpaceStatusError        SpaceStatus = "error"
)

// SpaceState is a point-in-time view of the monitor.
type SpaceState struct {
	Status      SpaceStatus `json:"status"`
	URL         string      `json:"url"`
	LastChecked time.Time   `json:"last_checked,omitempty"`
	LastError   string      `json:"last_error,omitempty"`
}

// SpaceMonitor tracks whether the HF ZeroGPU Space is awake and can wake it up.
type SpaceMonitor struct {
	baseURL        string
	token          string
	client         *http.Client
	checkInterval  time.Duration
	startupTimeout time.Duration

	mu          sync.RWMutex
	status      SpaceStatus
	lastChecked time.Time
	lastError   string
	cancel      context.CancelFunc

	logger *slog.Logger
}

// NewSpaceMonitor creates a monitor. An empty baseURL yields a permanently unconfigured monitor.
func NewSpaceMonitor(baseURL, token string) *SpaceMonitor {
	status := SpaceStatusUnknown
	if baseURL == "" {
		status = SpaceStatusUnconfigured
	}
	return &SpaceMonitor{
		baseURL:        baseURL,
		token:          token,
		client:         &http.Client{Timeout: checkRequestTimeout},
		checkInterval:  defaultCheckInterval,
		startupTimeout: defaultStartupTimeout,
		status:         status,
		logger:         slog.Default().With("component", "space"),
	}
}

// SetTiming overrides the warm-up poll cadence.
func (m *SpaceMonitor) SetTiming(interval, timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkInterval = interval
	m.startupTimeout = timeout
}

func (m *SpaceMonitor) State() SpaceState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return SpaceState{
		Status:      m.status,
		URL:         m.baseURL,
		LastChecked: m.lastChecked,
		LastError:   m.lastError,
	}
}

// IsReady reports whether the last check saw the Space running.
func (m *SpaceMonitor) IsReady() bool {
	return m.State().Status == SpaceStatusRunning
}

// Check probes the Space once and records the result.
// 502/503 mean the Space is waking up; any other non-200 is an error.
func (m *SpaceMonitor) Check(ctx context.Context) (SpaceStatus, error) {
	if m.baseURL == "" {
		return SpaceStatusUnconfigured, nil
	}

	status, err := m.probe(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastChecked = time.Now()
	m.lastError = ""
	if err != nil {
		m.lastError = err.Error()
	}
	// a warm-up in progress owns the starting state until it resolves
	if !(m.status == SpaceStatusStarting && m.cancel != nil && status != SpaceStatusRunning) {
		m.status = status
	}
	return status, err
}

func (m *SpaceMonitor) probe(ctx context.Context) (SpaceStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/config", nil)
	if err != nil {
		return SpaceStatusError, err
	}
	if m.token != "" {
		req.Header.Set("Authorization", "Bearer "+m.token)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return SpaceStatusError, fmt.Errorf("space probe failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return SpaceStatusRunning, nil
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return SpaceStatusStarting, nil
	default:
		return SpaceStatusError, fmt.Errorf("space probe returned status %d", resp.StatusCode)
	}
}

// Warm starts a background wake-up loop unless the Space is already running or warming.
// It returns immediately; State reports progress.
func (m *SpaceMonitor) Warm(ctx context.Context) error {
	if m.baseURL == "" {
		return fmt.Errorf("space is not configured")
	}

	status, _ := m.Check(ctx)
	if status == SpaceStatusRunning {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return nil
	}

	warmCtx, cancel := context.WithTimeout(context.Background(), m.startupTimeout)
	m.cancel = cancel
	m.status = SpaceStatusStarting
	go m.waitForStartup(warmCtx, m.checkInterval)

	m.logger.Info("warming space", "url", m.baseURL)
	return nil
}

// waitForStartup polls until the Space answers or the startup timeout expires.
func (m *SpaceMonitor) waitForStartup(ctx context.Context, interval time.Duration) {
	defer func() {
		m.mu.Lock()
		if m.cancel != nil {
			m.cancel()
			m.cancel = nil
		}
		m.mu.Unlock()
	}()

	for {
		status, err := m.probe(ctx)
		if status == SpaceStatusRunning {
			m.finishWarm(SpaceStatusRunning, "")
			m.logger.Info("space is running", "url", m.baseURL)
			return
		}
		if err != nil {
			m.logger.Debug("space not ready", "error", err)
		}

		select {
		case <-ctx.Done():
			m.finishWarm(SpaceStatusError, "space did not start before timeout")
			m.logger.Error("space warm-up timed out", "url", m.baseURL)
			return
		case <-time.After(interval):
		}
	}
}

func (m *SpaceMonitor) finishWarm(status SpaceStatus, lastError string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = status
	m.lastChecked = time.Now()
	m.lastError = lastError
}

// Stop cancels an in-flight warm-up.
func (m *SpaceMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
	}
}
