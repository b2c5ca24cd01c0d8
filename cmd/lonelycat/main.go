// lonelycat is the workspace CLI over the governed change execution core.
// Every command wires the same service the host process embeds; the CLI adds
// nothing but argument parsing and JSON printing.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lonelycat-labs/lonelycat/core/pkg/artifacts"
	"github.com/lonelycat-labs/lonelycat/core/pkg/config"
	"github.com/lonelycat-labs/lonelycat/core/pkg/contracts"
	"github.com/lonelycat-labs/lonelycat/core/pkg/executor"
	"github.com/lonelycat-labs/lonelycat/core/pkg/observability"
	"github.com/lonelycat-labs/lonelycat/core/pkg/policy"
	"github.com/lonelycat-labs/lonelycat/core/pkg/reflection"
	"github.com/lonelycat-labs/lonelycat/core/pkg/service"
	"github.com/lonelycat-labs/lonelycat/core/pkg/store"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stdout)
		return 2
	}
	switch args[1] {
	case "submit":
		return runSubmit(args[2:], stdout, stderr)
	case "approve":
		return runApprove(args[2:], stdout, stderr)
	case "show":
		return runShow(args[2:], stdout, stderr)
	case "list":
		return runList(args[2:], stdout, stderr)
	case "events":
		return runEvents(args[2:], stdout, stderr)
	case "lineage":
		return runLineage(args[2:], stdout, stderr)
	case "similar":
		return runSimilar(args[2:], stdout, stderr)
	case "replay":
		return runReplay(args[2:], stdout, stderr)
	case "stats":
		return runStats(args[2:], stdout, stderr)
	case "reflect":
		return runReflect(args[2:], stdout, stderr)
	case "repair":
		return runRepair(args[2:], stdout, stderr)
	case "prune":
		return runPrune(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: lonelycat <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  submit    plan, judge and execute a change from an intent")
	fmt.Fprintln(w, "  approve   record an approval for a NEED_APPROVAL decision")
	fmt.Fprintln(w, "  show      show one execution with its steps")
	fmt.Fprintln(w, "  list      list executions")
	fmt.Fprintln(w, "  events    print an execution's event stream")
	fmt.Fprintln(w, "  lineage   show ancestors, descendants and siblings")
	fmt.Fprintln(w, "  similar   find similar past executions")
	fmt.Fprintln(w, "  replay    rebuild an execution summary from its artifacts")
	fmt.Fprintln(w, "  stats     aggregate counters across all executions")
	fmt.Fprintln(w, "  reflect   analyze recent executions and publish hints")
	fmt.Fprintln(w, "  repair    draft a repair for a failed execution")
	fmt.Fprintln(w, "  prune     apply the artifact retention policy")
}

// openService builds the service from the environment config plus an optional
// -workspace override.
func openService(ctx context.Context, workspace string, stderr io.Writer) (*service.Service, *config.Config, error) {
	cfg := config.Load()
	if workspace != "" {
		cfg.Workspace = workspace
	}
	var snap *policy.Snapshot
	if cfg.PolicyFile != "" {
		loaded, err := policy.Load(cfg.PolicyFile)
		if err != nil {
			return nil, nil, fmt.Errorf("load policy %s: %w", cfg.PolicyFile, err)
		}
		snap = loaded
	}
	obs, err := observability.New(ctx, cfg.Observability())
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	svc, err := service.Open(ctx, service.Config{
		Workspace:      cfg.Workspace,
		Policy:         snap,
		Observability:  obs,
		Logger:         logger,
		LockWait:       cfg.LockWait,
		IdempotencyTTL: cfg.IdempotencyTTL,
	})
	if err != nil {
		return nil, nil, err
	}
	return svc, cfg, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func printJSON(w io.Writer, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(w, "marshal: %v\n", err)
		return
	}
	fmt.Fprintln(w, string(data))
}

func fail(stderr io.Writer, err error) int {
	_, _ = fmt.Fprintln(stderr, "error:", err)
	return 1
}

func runSubmit(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	workspace := fs.String("workspace", "", "workspace root (default from env)")
	intent := fs.String("intent", "", "change intent in plain words")
	createdBy := fs.String("by", "cli", "submitter identity")
	parent := fs.String("parent", "", "parent execution id (marks this a retry)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *intent == "" {
		_, _ = fmt.Fprintln(stderr, "submit: -intent is required")
		return 2
	}
	ctx := context.Background()
	svc, _, err := openService(ctx, *workspace, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer svc.Close()

	plan, cs, err := svc.PlanChange(ctx, *intent, *createdBy, fs.Args())
	if err != nil {
		return fail(stderr, err)
	}
	dec, err := svc.Decide(plan, cs)
	if err != nil {
		return fail(stderr, err)
	}
	if dec.Verdict == contracts.VerdictDeny {
		printJSON(stdout, dec)
		return 1
	}
	opts := executor.Options{CreatedBy: *createdBy}
	if *parent != "" {
		opts.ParentExecutionID = *parent
		opts.TriggerKind = contracts.TriggerRetry
	}
	res, err := svc.Submit(ctx, plan, cs, dec, opts)
	if err != nil {
		return fail(stderr, err)
	}
	printJSON(stdout, map[string]any{"decision": dec, "result": res})
	if res.Status != contracts.StatusCompleted {
		return 1
	}
	return 0
}

func runApprove(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("approve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	workspace := fs.String("workspace", "", "workspace root")
	decision := fs.String("decision", "", "decision id to approve")
	by := fs.String("by", "", "approver identity")
	comment := fs.String("comment", "", "review note")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *decision == "" || *by == "" {
		_, _ = fmt.Fprintln(stderr, "approve: -decision and -by are required")
		return 2
	}
	ctx := context.Background()
	svc, _, err := openService(ctx, *workspace, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer svc.Close()

	approval, err := svc.Approve(ctx, *decision, *by, *comment)
	if err != nil {
		return fail(stderr, err)
	}
	printJSON(stdout, approval)
	return 0
}

func runShow(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	fs.SetOutput(stderr)
	workspace := fs.String("workspace", "", "workspace root")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: lonelycat show <execution-id>")
		return 2
	}
	ctx := context.Background()
	svc, _, err := openService(ctx, *workspace, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer svc.Close()

	detail, err := svc.GetExecution(ctx, fs.Arg(0))
	if err != nil {
		return fail(stderr, err)
	}
	printJSON(stdout, detail)
	return 0
}

func runList(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(stderr)
	workspace := fs.String("workspace", "", "workspace root")
	status := fs.String("status", "", "filter by status")
	correlation := fs.String("correlation", "", "filter by correlation id")
	limit := fs.Int("limit", 20, "maximum rows")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	ctx := context.Background()
	svc, _, err := openService(ctx, *workspace, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer svc.Close()

	rows, err := svc.ListExecutions(ctx, store.Filter{
		Status:        contracts.Status(*status),
		CorrelationID: *correlation,
		Limit:         *limit,
	})
	if err != nil {
		return fail(stderr, err)
	}
	printJSON(stdout, rows)
	return 0
}

func runEvents(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	fs.SetOutput(stderr)
	workspace := fs.String("workspace", "", "workspace root")
	tail := fs.Int("tail", 0, "only the last N events")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: lonelycat events [-tail N] <execution-id>")
		return 2
	}
	ctx := context.Background()
	svc, _, err := openService(ctx, *workspace, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer svc.Close()

	events, err := svc.GetExecutionEvents(ctx, fs.Arg(0), *tail)
	if err != nil {
		return fail(stderr, err)
	}
	printJSON(stdout, events)
	return 0
}

func runLineage(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("lineage", flag.ContinueOnError)
	fs.SetOutput(stderr)
	workspace := fs.String("workspace", "", "workspace root")
	depth := fs.Int("depth", store.DefaultLineageDepth, "traversal depth cap")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: lonelycat lineage [-depth N] <execution-id>")
		return 2
	}
	ctx := context.Background()
	svc, _, err := openService(ctx, *workspace, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer svc.Close()

	lineage, err := svc.GetExecutionLineage(ctx, fs.Arg(0), *depth)
	if err != nil {
		return fail(stderr, err)
	}
	printJSON(stdout, lineage)
	return 0
}

func runSimilar(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("similar", flag.ContinueOnError)
	fs.SetOutput(stderr)
	workspace := fs.String("workspace", "", "workspace root")
	limit := fs.Int("limit", 10, "maximum neighbors")
	minSim := fs.Float64("min", 0, "minimum combined similarity")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: lonelycat similar [-limit N] [-min X] <execution-id>")
		return 2
	}
	ctx := context.Background()
	svc, _, err := openService(ctx, *workspace, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer svc.Close()

	scores, err := svc.FindSimilarExecutions(ctx, fs.Arg(0), reflection.Query{
		Limit:         *limit,
		MinSimilarity: *minSim,
	})
	if err != nil {
		return fail(stderr, err)
	}
	printJSON(stdout, scores)
	return 0
}

func runReplay(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	workspace := fs.String("workspace", "", "workspace root")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: lonelycat replay <execution-id>")
		return 2
	}
	ctx := context.Background()
	svc, _, err := openService(ctx, *workspace, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer svc.Close()

	summary, err := svc.ReplayExecution(fs.Arg(0))
	if err != nil {
		return fail(stderr, err)
	}
	printJSON(stdout, summary)
	if !summary.ChecksumVerified {
		_, _ = fmt.Fprintln(stderr, "warning: change set failed checksum verification")
		return 1
	}
	return 0
}

func runStats(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(stderr)
	workspace := fs.String("workspace", "", "workspace root")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	ctx := context.Background()
	svc, _, err := openService(ctx, *workspace, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer svc.Close()

	stats, err := svc.GetStatistics(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	printJSON(stdout, stats)
	return 0
}

func runReflect(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("reflect", flag.ContinueOnError)
	fs.SetOutput(stderr)
	workspace := fs.String("workspace", "", "workspace root")
	days := fs.Int("days", 7, "analysis window in days")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	ctx := context.Background()
	svc, _, err := openService(ctx, *workspace, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer svc.Close()

	hints, err := svc.RunReflection(ctx, time.Duration(*days)*24*time.Hour)
	if err != nil {
		return fail(stderr, err)
	}
	printJSON(stdout, hints)
	return 0
}

func runRepair(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("repair", flag.ContinueOnError)
	fs.SetOutput(stderr)
	workspace := fs.String("workspace", "", "workspace root")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: lonelycat repair <failed-execution-id>")
		return 2
	}
	ctx := context.Background()
	svc, _, err := openService(ctx, *workspace, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer svc.Close()

	draft, err := svc.DraftRepair(ctx, fs.Arg(0))
	if err != nil {
		return fail(stderr, err)
	}
	printJSON(stdout, draft)
	return 0
}

func runPrune(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("prune", flag.ContinueOnError)
	fs.SetOutput(stderr)
	workspace := fs.String("workspace", "", "workspace root")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	ctx := context.Background()
	svc, cfg, err := openService(ctx, *workspace, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer svc.Close()

	removed, err := svc.PruneArtifacts(artifacts.RetentionPolicy{
		MaxAge:   cfg.RetentionMaxAge,
		MaxCount: cfg.RetentionMaxCount,
		Grace:    artifacts.DefaultRetention().Grace,
	})
	if err != nil {
		return fail(stderr, err)
	}
	printJSON(stdout, map[string]any{"removed": removed})
	return 0
}
