package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// ErrLockTimeout is returned when the lock cannot be acquired within the
// configured wait budget.
var ErrLockTimeout = errors.New("executor: lock acquisition timed out")

// lockInfo is the JSON metadata written into the lock file, so an operator
// (or the stale-lock check) can see who holds it.
type lockInfo struct {
	ExecutionID string    `json:"execution_id"`
	PlanID      string    `json:"plan_id"`
	PID         int       `json:"pid"`
	Hostname    string    `json:"hostname"`
	AcquiredAt  time.Time `json:"acquired_at"`
}

// LockManager is the repo-level cross-process mutex. Acquisition is atomic
// creation of the lock file (O_CREATE|O_EXCL); waiting callers poll with
// exponential backoff.
//
// A lock is considered stale only when its age exceeds the threshold AND its
// recorded pid is no longer alive on this host. Never by age alone, never for
// a live pid.
type LockManager struct {
	path     string
	wait     time.Duration
	staleAge time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	holder string
	depth  int
}

const (
	defaultLockWait = 600 * time.Second
	defaultStaleAge = 10 * time.Minute
)

func NewLockManager(workspace string, logger *slog.Logger) *LockManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &LockManager{
		path:     filepath.Join(workspace, ".lonelycat", "locks", "execution.lock"),
		wait:     defaultLockWait,
		staleAge: defaultStaleAge,
		logger:   logger.With("component", "executor.lock"),
	}
}

// WithWait overrides the acquisition budget. Mainly for tests.
func (m *LockManager) WithWait(d time.Duration) *LockManager {
	m.wait = d
	return m
}

// WithStaleAge overrides the stale-lock age threshold.
func (m *LockManager) WithStaleAge(d time.Duration) *LockManager {
	m.staleAge = d
	return m
}

// Acquire blocks until the lock is held or the wait budget expires. Re-entrant
// within the same execution: nested acquisitions by the current holder succeed
// immediately and the file is removed only when the outermost release runs.
func (m *LockManager) Acquire(ctx context.Context, executionID, planID string) (release func(), err error) {
	m.mu.Lock()
	if m.holder == executionID && m.depth > 0 {
		m.depth++
		m.mu.Unlock()
		return m.releaseFunc(executionID), nil
	}
	m.mu.Unlock()

	deadline := time.Now().Add(m.wait)
	backoff := 50 * time.Millisecond
	for {
		ok, err := m.tryAcquire(executionID, planID)
		if err != nil {
			return nil, err
		}
		if ok {
			m.mu.Lock()
			m.holder = executionID
			m.depth = 1
			m.mu.Unlock()
			return m.releaseFunc(executionID), nil
		}
		if m.clearIfStale() {
			continue
		}
		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
}

func (m *LockManager) tryAcquire(executionID, planID string) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return false, fmt.Errorf("executor: ensure lock dir: %w", err)
	}
	f, err := os.OpenFile(m.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("executor: create lock: %w", err)
	}
	hostname, _ := os.Hostname()
	info := lockInfo{
		ExecutionID: executionID,
		PlanID:      planID,
		PID:         os.Getpid(),
		Hostname:    hostname,
		AcquiredAt:  time.Now().UTC(),
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(info); err != nil {
		_ = f.Close()
		_ = os.Remove(m.path)
		return false, fmt.Errorf("executor: write lock metadata: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(m.path)
		return false, fmt.Errorf("executor: close lock: %w", err)
	}
	return true, nil
}

// clearIfStale removes the lock file when it is demonstrably abandoned.
// Returns true when the caller should retry acquisition immediately.
func (m *LockManager) clearIfStale() bool {
	data, err := os.ReadFile(m.path)
	if err != nil {
		// Holder released between our attempt and now.
		return os.IsNotExist(err)
	}
	var info lockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		// No pid to probe means liveness is unknowable. Leave the file for
		// an operator and let the wait budget expire.
		m.logger.Warn("lock metadata unreadable, not clearing", "path", m.path)
		return false
	}
	if time.Since(info.AcquiredAt) < m.staleAge {
		return false
	}
	if pidAlive(info.PID) {
		return false
	}
	// Re-read before removing: the holder may have released and another
	// process acquired since the read above.
	if again, err := os.ReadFile(m.path); err != nil || !bytes.Equal(again, data) {
		return os.IsNotExist(err)
	}
	m.logger.Warn("clearing stale lock",
		"execution_id", info.ExecutionID, "pid", info.PID,
		"age", time.Since(info.AcquiredAt).Round(time.Second))
	return os.Remove(m.path) == nil
}

func (m *LockManager) releaseFunc(executionID string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.holder != executionID || m.depth == 0 {
				return
			}
			m.depth--
			if m.depth == 0 {
				m.holder = ""
				if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
					m.logger.Error("lock release failed", "error", err)
				}
			}
		})
	}
}

// pidAlive reports whether the pid exists on this host. Signal 0 probes
// without delivering anything; EPERM still means the process exists.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
