// Package artifacts manages the on-disk record of every execution: the
// four-piece set (plan.json, changeset.json, decision.json, execution.json),
// the step event stream, per-step logs, and pre-apply backups. Directories are
// append-only; outside the Executor the store serves reads only, gated by a
// path whitelist rooted at the executions directory.
package artifacts

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lonelycat-labs/lonelycat/core/pkg/contracts"
)

const (
	planFile      = "plan.json"
	changesetFile = "changeset.json"
	decisionFile  = "decision.json"
	executionFile = "execution.json"
	eventsFile    = "events.jsonl"
	repairFile    = "repair.json"
	stepsDir      = "steps"
	backupsDir    = "backups"
)

var (
	ErrNotFound        = errors.New("artifacts: not found")
	ErrOutsideRoot     = errors.New("artifacts: path escapes executions directory")
	ErrBadExecutionID  = errors.New("artifacts: malformed execution id")
	ErrIncompleteSet   = errors.New("artifacts: incomplete four-piece set")
	ErrAlreadyFinished = errors.New("artifacts: execution record already written")
)

// Store lays out one directory per execution under root
// (conventionally <workspace>/.lonelycat/executions).
type Store struct {
	root string
}

func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("artifacts: ensure root: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("artifacts: resolve root: %w", err)
	}
	return &Store{root: abs}, nil
}

func (s *Store) Root() string { return s.root }

// Dir returns the directory for one execution, validating the id so that a
// crafted id cannot address anything outside the root.
func (s *Store) Dir(executionID string) (string, error) {
	if executionID == "" || strings.ContainsAny(executionID, `/\`) ||
		executionID == "." || executionID == ".." {
		return "", ErrBadExecutionID
	}
	return filepath.Join(s.root, executionID), nil
}

// Create makes the execution directory with its steps/ and backups/
// subdirectories.
func (s *Store) Create(executionID string) (string, error) {
	dir, err := s.Dir(executionID)
	if err != nil {
		return "", err
	}
	for _, d := range []string{dir, filepath.Join(dir, stepsDir), filepath.Join(dir, backupsDir)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return "", fmt.Errorf("artifacts: create %s: %w", d, err)
		}
	}
	return dir, nil
}

func (s *Store) WritePlan(executionID string, plan *contracts.ChangePlan) error {
	return s.writeJSON(executionID, planFile, plan)
}

func (s *Store) WriteChangeSet(executionID string, cs *contracts.ChangeSet) error {
	return s.writeJSON(executionID, changesetFile, cs)
}

func (s *Store) WriteDecision(executionID string, d *contracts.GovernanceDecision) error {
	return s.writeJSON(executionID, decisionFile, d)
}

// WriteExecution completes the four-piece set. It is written exactly once,
// when the execution reaches a terminal status.
func (s *Store) WriteExecution(executionID string, rec *contracts.ExecutionRecord) error {
	dir, err := s.Dir(executionID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(dir, executionFile)); err == nil {
		return ErrAlreadyFinished
	}
	return s.writeJSON(executionID, executionFile, rec)
}

func (s *Store) ReadPlan(executionID string) (*contracts.ChangePlan, error) {
	var plan contracts.ChangePlan
	if err := s.readJSON(executionID, planFile, &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

func (s *Store) ReadChangeSet(executionID string) (*contracts.ChangeSet, error) {
	var cs contracts.ChangeSet
	if err := s.readJSON(executionID, changesetFile, &cs); err != nil {
		return nil, err
	}
	return &cs, nil
}

func (s *Store) ReadDecision(executionID string) (*contracts.GovernanceDecision, error) {
	var d contracts.GovernanceDecision
	if err := s.readJSON(executionID, decisionFile, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Store) ReadExecution(executionID string) (*contracts.ExecutionRecord, error) {
	var rec contracts.ExecutionRecord
	if err := s.readJSON(executionID, executionFile, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// FourPieceSet loads all four artifacts, failing with ErrIncompleteSet when
// any piece is missing.
type FourPieceSet struct {
	Plan      *contracts.ChangePlan
	ChangeSet *contracts.ChangeSet
	Decision  *contracts.GovernanceDecision
	Execution *contracts.ExecutionRecord
}

func (s *Store) FourPieceSet(executionID string) (*FourPieceSet, error) {
	set := &FourPieceSet{}
	var err error
	if set.Plan, err = s.ReadPlan(executionID); err != nil {
		return nil, s.incomplete(planFile, err)
	}
	if set.ChangeSet, err = s.ReadChangeSet(executionID); err != nil {
		return nil, s.incomplete(changesetFile, err)
	}
	if set.Decision, err = s.ReadDecision(executionID); err != nil {
		return nil, s.incomplete(decisionFile, err)
	}
	if set.Execution, err = s.ReadExecution(executionID); err != nil {
		return nil, s.incomplete(executionFile, err)
	}
	return set, nil
}

func (s *Store) incomplete(piece string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: missing %s", ErrIncompleteSet, piece)
	}
	return err
}

// WriteRepairDraft persists a case-based repair draft next to the four-piece
// set of the failed execution it targets.
func (s *Store) WriteRepairDraft(executionID string, draft *contracts.RepairDraft) error {
	return s.writeJSON(executionID, repairFile, draft)
}

func (s *Store) ReadRepairDraft(executionID string) (*contracts.RepairDraft, error) {
	var draft contracts.RepairDraft
	if err := s.readJSON(executionID, repairFile, &draft); err != nil {
		return nil, err
	}
	return &draft, nil
}

// AppendEvent appends one step event as a single JSON line.
func (s *Store) AppendEvent(executionID string, ev contracts.StepEvent) error {
	dir, err := s.Dir(executionID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("artifacts: marshal event: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, eventsFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("artifacts: open events: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("artifacts: append event: %w", err)
	}
	return f.Sync()
}

// ReadEvents returns the full event stream in file order. Malformed lines are
// skipped so a torn final write cannot poison the whole stream.
func (s *Store) ReadEvents(executionID string) ([]contracts.StepEvent, error) {
	dir, err := s.Dir(executionID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(dir, eventsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("artifacts: open events: %w", err)
	}
	defer func() { _ = f.Close() }()

	var events []contracts.StepEvent
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev contracts.StepEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, sc.Err()
}

// StepLogName is the on-disk name for one step's combined output.
func StepLogName(stepNum int, name contracts.StepName) string {
	return fmt.Sprintf("%02d_%s.log", stepNum, name)
}

// WriteStepLog writes (or overwrites) one step's log and returns its
// execution-relative reference.
func (s *Store) WriteStepLog(executionID string, stepNum int, name contracts.StepName, output []byte) (string, error) {
	dir, err := s.Dir(executionID)
	if err != nil {
		return "", err
	}
	rel := filepath.Join(stepsDir, StepLogName(stepNum, name))
	if err := os.WriteFile(filepath.Join(dir, rel), output, 0o644); err != nil {
		return "", fmt.Errorf("artifacts: write step log: %w", err)
	}
	return filepath.ToSlash(rel), nil
}

// WriteBackup stores the pre-apply content of one workspace file. The
// workspace-relative path is flattened so backups/ stays a single level.
func (s *Store) WriteBackup(executionID, workspacePath string, content []byte) (string, error) {
	dir, err := s.Dir(executionID)
	if err != nil {
		return "", err
	}
	rel := filepath.Join(backupsDir, backupName(workspacePath))
	if err := os.WriteFile(filepath.Join(dir, rel), content, 0o644); err != nil {
		return "", fmt.Errorf("artifacts: write backup: %w", err)
	}
	return filepath.ToSlash(rel), nil
}

func (s *Store) ReadBackup(executionID, workspacePath string) ([]byte, error) {
	dir, err := s.Dir(executionID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, backupsDir, backupName(workspacePath)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("artifacts: read backup: %w", err)
	}
	return data, nil
}

func backupName(workspacePath string) string {
	return strings.ReplaceAll(filepath.ToSlash(workspacePath), "/", "__")
}

// ReadFile serves one artifact file by execution-relative path. This is the
// whitelist gate for outside readers: the resolved path must stay under the
// executions root.
func (s *Store) ReadFile(executionID, relPath string) ([]byte, error) {
	dir, err := s.Dir(executionID)
	if err != nil {
		return nil, err
	}
	full := filepath.Join(dir, filepath.FromSlash(relPath))
	clean, err := filepath.Abs(full)
	if err != nil {
		return nil, fmt.Errorf("artifacts: resolve %s: %w", relPath, err)
	}
	if clean != dir && !strings.HasPrefix(clean, dir+string(filepath.Separator)) {
		return nil, ErrOutsideRoot
	}
	data, err := os.ReadFile(clean)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("artifacts: read %s: %w", relPath, err)
	}
	return data, nil
}

// List returns execution ids present on disk, oldest directory first.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("artifacts: list: %w", err)
	}
	type dirAge struct {
		id  string
		mod int64
	}
	var dirs []dirAge
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		dirs = append(dirs, dirAge{id: e.Name(), mod: info.ModTime().UnixNano()})
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].mod < dirs[j].mod })
	ids := make([]string, len(dirs))
	for i, d := range dirs {
		ids[i] = d.id
	}
	return ids, nil
}

func (s *Store) writeJSON(executionID, name string, v any) error {
	dir, err := s.Dir(executionID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("artifacts: ensure dir: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("artifacts: marshal %s: %w", name, err)
	}
	// Temp + rename so readers never observe a torn artifact.
	tmp := filepath.Join(dir, name+".tmp")
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("artifacts: write %s: %w", name, err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("artifacts: commit %s: %w", name, err)
	}
	return nil
}

func (s *Store) readJSON(executionID, name string, v any) error {
	dir, err := s.Dir(executionID)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("artifacts: read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("artifacts: decode %s: %w", name, err)
	}
	return nil
}
