// Command circuit runs one governance pass over a target directory:
// Detection → Simulation → Deliberation → Intervention, with the exit
// code reporting the verdict.
//
//	circuit -config thresholds.yaml -seed 42 /data/intake
//
// Exit codes: 0 proceed+applied, 1 reject/pause, 2 defer,
// 3 conditional awaiting external action, 4 internal error.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/templetwo/threshold-protocols/pkg/bus"
	"github.com/templetwo/threshold-protocols/pkg/circuit"
	"github.com/templetwo/threshold-protocols/pkg/deliberate"
	"github.com/templetwo/threshold-protocols/pkg/detect"
	"github.com/templetwo/threshold-protocols/pkg/hashchain"
	"github.com/templetwo/threshold-protocols/pkg/intervene"
	"github.com/templetwo/threshold-protocols/pkg/observe"
	"github.com/templetwo/threshold-protocols/pkg/simulate"
	"github.com/templetwo/threshold-protocols/pkg/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath   = flag.String("config", "", "threshold configuration YAML")
		templateName = flag.String("template", "btb_dimensions", "deliberation template")
		seed         = flag.Int64("seed", 0, "simulation seed (0 derives from the event hash)")
		runs         = flag.Int("runs", 0, "Monte-Carlo runs (0 uses the default)")
		model        = flag.String("model", "governance", "simulation model name")
		approve      = flag.Bool("approve", false, "answer approval gates yes without prompting")
		reject       = flag.Bool("reject", false, "answer approval gates no without prompting")
		gateTimeout  = flag.Duration("gate-timeout", 5*time.Minute, "human approval deadline")
		outputPath   = flag.String("output", "", "write the CircuitResult JSON here")
		auditPath    = flag.String("audit", "", "export the enforcement audit trail as NDJSON here")
		eventLogPath = flag.String("event-log", "", "export the bus event log as NDJSON here")
		storePath    = flag.String("store", "", "persist the result to this SQLite database")
		factList     = flag.String("facts", "", "comma-separated key=bool facts for condition checks")
		telemetry    = flag.Bool("telemetry", false, "enable OpenTelemetry stage instrumentation")
		logLevel     = flag.String("log-level", envOr("LOG_LEVEL", "info"), "slog level")
	)
	flag.Parse()

	setupLogging(*logLevel)
	logger := slog.Default().With("component", "cmd")

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: circuit [flags] <target>")
		flag.PrintDefaults()
		return 4
	}
	target := flag.Arg(0)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := bus.New()
	detector := detect.New(b)
	if *configPath != "" {
		if err := detector.LoadConfigFile(*configPath); err != nil {
			logger.Error("load config", "err", err)
			return 4
		}
	} else {
		defaultThresholds(detector)
	}

	tpl, err := deliberate.BuiltinTemplate(*templateName)
	if err != nil {
		logger.Error("load template", "err", err)
		return 4
	}

	registry := deliberate.NewRegistry()
	for _, s := range []deliberate.Stakeholder{
		{ID: "auto-technical", Type: deliberate.StakeholderTechnical, Provider: deliberate.TechnicalEvaluator{}},
		{ID: "auto-ethical", Type: deliberate.StakeholderEthical, Provider: deliberate.EthicalEvaluator{}},
		{ID: "auto-domain", Type: deliberate.StakeholderDomain, Provider: deliberate.DomainEvaluator{}},
	} {
		if err := registry.Register(s); err != nil {
			logger.Error("register stakeholder", "err", err)
			return 4
		}
	}

	facts := parseFacts(*factList)
	predicates, err := defaultPredicates()
	if err != nil {
		logger.Error("predicates", "err", err)
		return 4
	}

	observer, err := observe.New(observe.Config{ServiceName: "threshold-protocols", Enabled: *telemetry})
	if err != nil {
		logger.Error("telemetry", "err", err)
		return 4
	}
	defer observer.Shutdown(context.Background())

	c, err := circuit.New(circuit.Config{
		Bus:            b,
		Detector:       detector,
		Simulator:      simulate.New(),
		Delib:          deliberate.New(b),
		Intervenor:     intervene.New(b),
		Registry:       registry,
		Template:       tpl,
		Predicates:     predicates,
		DefaultChannel: approvalChannel(*approve, *reject),
		GateDeadline:   *gateTimeout,
		Observer:       observer,
	})
	if err != nil {
		logger.Error("build circuit", "err", err)
		return 4
	}

	result, runErr := c.Run(ctx, detect.FilesystemSource{}, target, circuit.RunOptions{
		Seed:  *seed,
		Runs:  *runs,
		Model: *model,
		Facts: facts,
	})

	printSummary(result)

	if *outputPath != "" {
		if err := writeJSON(*outputPath, result); err != nil {
			logger.Error("write output", "err", err)
		}
	}
	if *auditPath != "" && result.Enforcement != nil {
		if err := exportChain(*auditPath, result.Enforcement.AuditTrail); err != nil {
			logger.Error("export audit trail", "err", err)
		}
	}
	if *eventLogPath != "" {
		if err := exportBus(*eventLogPath, b); err != nil {
			logger.Error("export event log", "err", err)
		}
	}
	if *storePath != "" {
		if err := persist(ctx, *storePath, result); err != nil {
			logger.Error("persist result", "err", err)
		}
	}

	return circuit.ExitCode(result, runErr)
}

func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultThresholds(d *detect.Detector) {
	for _, t := range []detect.Threshold{
		{Metric: detect.MetricFileCount, Limit: 100, Enabled: true},
		{Metric: detect.MetricDirectoryDepth, Limit: 10, Enabled: true},
		{Metric: detect.MetricFilenameEntropy, Limit: 0.85, Enabled: true},
		{Metric: detect.MetricSelfReference, Limit: 5, Enabled: true},
		{Metric: detect.MetricReflexPattern, Limit: 3, Enabled: true},
	} {
		// Built-in metrics with positive limits cannot fail here.
		_ = d.SetThreshold(t)
	}
}

func defaultPredicates() (*intervene.PredicateRegistry, error) {
	reg, err := intervene.NewPredicateRegistry()
	if err != nil {
		return nil, err
	}
	exprs := map[string]string{
		"logging_enabled":    `facts["logging_enabled"] == true`,
		"rollback_available": `facts["rollback_available"] == true`,
		"backup_verified":    `facts["backup_verified"] == true`,
	}
	for name, expr := range exprs {
		if err := reg.Register(name, expr); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func parseFacts(list string) map[string]any {
	facts := map[string]any{}
	for _, pair := range strings.Split(list, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			facts[k] = true
			continue
		}
		facts[k] = v == "true" || v == "yes" || v == "1"
	}
	return facts
}

// approvalChannel answers gates from flags, or interactively from the
// terminal when neither flag is set.
func approvalChannel(approve, reject bool) intervene.ApprovalChannel {
	if approve || reject {
		return intervene.ChannelFunc(func(_ context.Context, _ intervene.ApprovalRequest) (intervene.ApprovalResponse, error) {
			return intervene.ApprovalResponse{ApproverID: "operator", Approved: approve && !reject}, nil
		})
	}
	return intervene.ChannelFunc(func(ctx context.Context, req intervene.ApprovalRequest) (intervene.ApprovalResponse, error) {
		fmt.Printf("\napproval requested for %s\n  decision: %s\n  rationale: %s\n", req.Target, req.Decision, req.Rationale)
		if len(req.Conditions) > 0 {
			fmt.Printf("  conditions: %s\n", strings.Join(req.Conditions, ", "))
		}
		fmt.Print("approve? (y/n): ")

		answer := make(chan string, 1)
		go func() {
			sc := bufio.NewScanner(os.Stdin)
			if sc.Scan() {
				answer <- strings.ToLower(strings.TrimSpace(sc.Text()))
			} else {
				answer <- ""
			}
		}()
		select {
		case a := <-answer:
			return intervene.ApprovalResponse{ApproverID: "operator", Approved: a == "y" || a == "yes"}, nil
		case <-ctx.Done():
			return intervene.ApprovalResponse{}, ctx.Err()
		}
	})
}

func printSummary(res circuit.Result) {
	fmt.Printf("target: %s\n", res.Target)
	fmt.Printf("events: %d", len(res.Events))
	if res.Event != nil {
		fmt.Printf(" (primary: %s=%.2f severity=%s)", res.Event.Metric, res.Event.Value, res.Event.Severity)
	}
	fmt.Println()
	if res.Prediction != nil {
		if best, ok := res.Prediction.Best(); ok {
			fmt.Printf("prediction: %s p=%.2f reversibility=%.2f (hash %s)\n",
				best.Scenario, best.Probability, best.Reversibility, res.Prediction.PredictionHash)
		}
	}
	if res.Deliberation != nil {
		fmt.Printf("deliberation: %s (%d votes, %d dissents)\n",
			res.Deliberation.Decision, len(res.Deliberation.Votes), len(res.Deliberation.DissentingViews))
	}
	if res.Enforcement != nil {
		fmt.Printf("enforcement: applied=%t rolled_back=%t gates=%d audit_entries=%d\n",
			res.Enforcement.Applied, res.Enforcement.RolledBack,
			len(res.Enforcement.GateLog), len(res.Enforcement.AuditTrail))
	}
	if res.Cancelled {
		fmt.Printf("cancelled after stage: %s\n", res.FailedStage)
	}
	if res.Fault != "" && !res.Cancelled {
		fmt.Printf("fault: %s at stage %s\n", res.Fault, res.FailedStage)
	}
	fmt.Printf("duration: %dms\n", res.DurationMs)
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func exportChain(path string, chain []hashchain.Entry) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return hashchain.Export(chain, f)
}

func exportBus(path string, b *bus.Bus) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return b.Export(f)
}

func persist(ctx context.Context, path string, res circuit.Result) error {
	s, err := store.Open(path)
	if err != nil {
		return err
	}
	defer s.Close()
	_, err = s.SaveResult(ctx, res, time.Now())
	return err
}
