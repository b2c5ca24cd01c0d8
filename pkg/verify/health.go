package verify

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/lonelycat-labs/lonelycat/core/pkg/contracts"
	"github.com/lonelycat-labs/lonelycat/core/pkg/executor"
	"github.com/lonelycat-labs/lonelycat/core/pkg/pathutil"
)

const defaultHealthTimeout = 10 * time.Second

// HealthChecker runs the five typed health checks. Each check produces a
// normalized CheckResult with a closed error-code set so reflection can
// aggregate failures across executions.
type HealthChecker struct {
	workspace string
	// runner executes command_profile checks; nil disables them.
	runner *Runner
	// checks maps the type tag to its implementation.
	checks map[contracts.HealthCheckType]func(context.Context, contracts.HealthCheckSpec) CheckResult
}

func NewHealthChecker(workspace string) *HealthChecker {
	h := &HealthChecker{workspace: workspace}
	h.checks = map[contracts.HealthCheckType]func(context.Context, contracts.HealthCheckSpec) CheckResult{
		contracts.HealthHTTPGet:        h.httpGet,
		contracts.HealthProcessAlive:   h.processAlive,
		contracts.HealthCommandProfile: h.commandProfile,
		contracts.HealthDatabase:       h.database,
		contracts.HealthFileExists:     h.fileExists,
	}
	return h
}

// WithRunner wires a command-profile runner into the checker.
func (h *HealthChecker) WithRunner(r *Runner) *HealthChecker {
	h.runner = r
	return h
}

// Check runs every declared check. All must pass; the first failure sets the
// outcome code and message. Checks are fail-fast, http_get included: a
// not-yet-started service fails immediately rather than being polled.
func (h *HealthChecker) Check(ctx context.Context, specs []contracts.HealthCheckSpec) *executor.CheckOutcome {
	var report bytes.Buffer
	for _, spec := range specs {
		impl, ok := h.checks[spec.Type]
		var res CheckResult
		if !ok {
			res = CheckResult{Type: spec.Type, OK: false, ErrorCode: contracts.ErrInvalidInput,
				Message: fmt.Sprintf("unknown health check type %q", spec.Type)}
		} else {
			checkCtx, cancel := context.WithTimeout(ctx, specTimeout(spec))
			res = impl(checkCtx, spec)
			cancel()
		}
		report.Write(res.line())
		report.WriteByte('\n')
		if !res.OK {
			return &executor.CheckOutcome{
				OK: false, Code: res.ErrorCode, Message: res.Message, Output: report.Bytes(),
			}
		}
	}
	return &executor.CheckOutcome{OK: true, Output: report.Bytes()}
}

func specTimeout(spec contracts.HealthCheckSpec) time.Duration {
	if spec.TimeoutSeconds > 0 {
		return time.Duration(spec.TimeoutSeconds * float64(time.Second))
	}
	return defaultHealthTimeout
}

func (h *HealthChecker) httpGet(ctx context.Context, spec contracts.HealthCheckSpec) CheckResult {
	res := CheckResult{Type: spec.Type}
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.URL, nil)
	if err != nil {
		res.ErrorCode = contracts.ErrInvalidInput
		res.Message = fmt.Sprintf("bad url %q: %v", spec.URL, err)
		return res
	}
	resp, err := http.DefaultClient.Do(req)
	res.LatencyMS = float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		res.ErrorCode = classifyNetErr(err)
		res.Message = err.Error()
		return res
	}
	defer func() { _ = resp.Body.Close() }()
	expect := spec.ExpectStatus
	if expect == 0 {
		expect = http.StatusOK
	}
	if resp.StatusCode != expect {
		res.ErrorCode = contracts.CheckHTTPNon200
		res.Message = fmt.Sprintf("GET %s: got %d, want %d", spec.URL, resp.StatusCode, expect)
		return res
	}
	res.OK = true
	return res
}

// processAlive scans /proc for a process whose command name matches. Local
// host only.
func (h *HealthChecker) processAlive(_ context.Context, spec contracts.HealthCheckSpec) CheckResult {
	res := CheckResult{Type: spec.Type}
	start := time.Now()
	found, err := processExists(spec.ProcessName)
	res.LatencyMS = float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		res.ErrorCode = contracts.ErrInternal
		res.Message = err.Error()
		return res
	}
	if !found {
		res.ErrorCode = contracts.CheckProcessMissing
		res.Message = fmt.Sprintf("no process named %q", spec.ProcessName)
		return res
	}
	res.OK = true
	return res
}

func processExists(name string) (bool, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return false, fmt.Errorf("read /proc: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := strconv.Atoi(e.Name()); err != nil {
			continue
		}
		comm, err := os.ReadFile(filepath.Join("/proc", e.Name(), "comm"))
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(comm)) == name {
			return true, nil
		}
	}
	return false, nil
}

func (h *HealthChecker) commandProfile(ctx context.Context, spec contracts.HealthCheckSpec) CheckResult {
	res := CheckResult{Type: spec.Type}
	if h.runner == nil {
		res.ErrorCode = contracts.ErrInternal
		res.Message = "command_profile checks require a configured runner"
		return res
	}
	start := time.Now()
	outcome := h.runner.runProfile(ctx, spec.ProfileName, spec.TimeoutSeconds)
	res.LatencyMS = float64(time.Since(start).Microseconds()) / 1000
	if !outcome.OK {
		res.ErrorCode = outcome.Code
		if res.ErrorCode == "" || res.ErrorCode == contracts.ErrVerifyFailed {
			res.ErrorCode = contracts.CheckCommandNonzero
		}
		res.Message = outcome.Message
		return res
	}
	res.OK = true
	return res
}

// database opens the named backend and runs the test query. Success is the
// query returning, not any particular value.
func (h *HealthChecker) database(ctx context.Context, spec contracts.HealthCheckSpec) CheckResult {
	res := CheckResult{Type: spec.Type}
	start := time.Now()
	var err error
	switch spec.DBType {
	case "sqlite":
		err = h.sqlPing(ctx, "sqlite", spec)
	case "postgres":
		err = h.sqlPing(ctx, "postgres", spec)
	case "redis":
		err = h.redisPing(ctx, spec)
	default:
		res.ErrorCode = contracts.ErrInvalidInput
		res.Message = fmt.Sprintf("unsupported db_type %q", spec.DBType)
		return res
	}
	res.LatencyMS = float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		res.ErrorCode = contracts.CheckDBUnreachable
		if errors.Is(err, context.DeadlineExceeded) {
			res.ErrorCode = contracts.CheckTimeout
		}
		res.Message = err.Error()
		return res
	}
	res.OK = true
	return res
}

func (h *HealthChecker) sqlPing(ctx context.Context, driver string, spec contracts.HealthCheckSpec) error {
	db, err := sql.Open(driver, spec.DSN)
	if err != nil {
		return fmt.Errorf("open %s: %w", driver, err)
	}
	defer func() { _ = db.Close() }()
	query := spec.TestQuery
	if query == "" {
		query = "SELECT 1"
	}
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("query %s: %w", driver, err)
	}
	return rows.Close()
}

func (h *HealthChecker) redisPing(ctx context.Context, spec contracts.HealthCheckSpec) error {
	opts, err := redis.ParseURL(spec.DSN)
	if err != nil {
		return fmt.Errorf("parse redis dsn: %w", err)
	}
	client := redis.NewClient(opts)
	defer func() { _ = client.Close() }()
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (h *HealthChecker) fileExists(_ context.Context, spec contracts.HealthCheckSpec) CheckResult {
	res := CheckResult{Type: spec.Type}
	start := time.Now()
	for _, p := range spec.Paths {
		abs, err := pathutil.Join(h.workspace, p)
		if err != nil {
			res.ErrorCode = contracts.CheckFileMissing
			res.Message = fmt.Sprintf("%s: %v", p, err)
			return res
		}
		if _, err := os.Stat(abs); err != nil {
			res.ErrorCode = contracts.CheckFileMissing
			res.Message = fmt.Sprintf("%s does not exist", p)
			res.LatencyMS = float64(time.Since(start).Microseconds()) / 1000
			return res
		}
	}
	res.LatencyMS = float64(time.Since(start).Microseconds()) / 1000
	res.OK = true
	return res
}

func classifyNetErr(err error) contracts.ErrorCode {
	if errors.Is(err, context.DeadlineExceeded) {
		return contracts.CheckTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return contracts.CheckConnectRefused
	}
	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return contracts.CheckTimeout
	}
	return contracts.CheckConnectRefused
}
