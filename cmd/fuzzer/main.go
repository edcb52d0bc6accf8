package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"chaosfuzz/pkg/campaign"
	"chaosfuzz/pkg/config"
	"chaosfuzz/pkg/executor"
	"chaosfuzz/pkg/fuzzer"
	"chaosfuzz/pkg/monitor"
	"chaosfuzz/pkg/rl"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 命令行参数
var (
	configPath    = flag.String("config", "./config/fuzzer.yaml", "Configuration file path")
	rpcURL        = flag.String("rpc", "", "Execution harness RPC URL (overrides config)")
	programID     = flag.String("program", "", "Target program id (overrides config)")
	maxIterations = flag.Int("iterations", 0, "Iteration budget (overrides config)")
	maxDuration   = flag.Duration("duration", 0, "Time budget (overrides config)")
	stopOnFinding = flag.Bool("stop-on-finding", false, "Stop at the first high-confidence finding")
	outputPath    = flag.String("output", "", "Output file path (default: ./fuzzing_reports/<timestamp>_<program>.json)")
	format        = flag.String("format", "json", "Output format (json, text)")
	loadPolicy    = flag.String("load-policy", "", "Load learner parameters from file before the campaign")
	savePolicy    = flag.String("save-policy", "", "Save learner parameters to file after the campaign")
	metricsAddr   = flag.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	webhookURL    = flag.String("webhook", "", "Post new findings to this webhook URL (overrides config)")
	verbose       = flag.Bool("verbose", false, "Enable verbose logging")
	dryRun        = flag.Bool("dry-run", false, "Dry run - only load and display configuration")
)

func main() {
	flag.Parse()

	// 设置日志
	if *verbose {
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	} else {
		log.SetFlags(log.LstdFlags)
	}

	// 加载配置：显式指定的文件必须可用，默认路径不存在时使用默认配置
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 覆盖配置值（如果命令行参数提供）
	if *rpcURL != "" {
		cfg.Executor.RPCURL = *rpcURL
	}
	if *programID != "" {
		cfg.Target.ProgramID = *programID
	}
	if *maxIterations > 0 {
		cfg.Termination.MaxIterations = *maxIterations
	}
	if *maxDuration > 0 {
		cfg.Termination.MaxDuration = maxDuration.String()
	}
	if *stopOnFinding {
		cfg.Termination.StopOnFirstFinding = true
	}
	if *webhookURL != "" {
		cfg.Alerts.WebhookURL = *webhookURL
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if cfg.Target.ProgramID == "" || cfg.Executor.RPCURL == "" {
		fmt.Fprintf(os.Stderr, "Error: target program id and executor rpc url are required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	printConfig(cfg)

	// Dry run模式
	if *dryRun {
		performDryRun(cfg)
		return
	}

	os.Exit(runCampaign(cfg, dialExecutor))
}

// closableExecutor 持有连接的执行器
type closableExecutor interface {
	fuzzer.Executor
	Close()
}

// dialExecutor 连接 JSON-RPC 执行环境
func dialExecutor(ctx context.Context, cfg executor.Config) (closableExecutor, error) {
	exec, err := executor.Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// runCampaign 连接执行环境并运行活动，返回进程退出码
// 任何路径返回前都关闭执行器连接与订阅
func runCampaign(cfg *config.Config, dial func(context.Context, executor.Config) (closableExecutor, error)) int {
	// 设置信号处理
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("Received interrupt signal, stopping after the current iteration...")
		cancel()
	}()

	timeout, _ := cfg.Executor.TimeoutDuration()
	exec, err := dial(ctx, executor.Config{
		URL:       cfg.Executor.RPCURL,
		Method:    cfg.Executor.Method,
		Timeout:   timeout,
		ProgramID: cfg.Target.ProgramID,
	})
	if err != nil {
		log.Printf("Failed to connect to execution harness: %v", err)
		return 1
	}
	defer exec.Close()

	// 学习器单独创建，以便加载与保存参数
	learner, err := rl.NewLearner(cfg.Learner.Config, cfg.Learner.FeatureDim, rl.NewActionSpace().Size())
	if err != nil {
		log.Printf("Failed to create learner: %v", err)
		return 1
	}
	if *loadPolicy != "" {
		if err := learner.LoadFile(*loadPolicy); err != nil {
			log.Printf("Failed to load policy: %v", err)
			return 1
		}
		log.Printf("Loaded policy from %s (steps=%d, epsilon=%.3f)", *loadPolicy, learner.Steps(), learner.Epsilon())
	}

	opts := []campaign.Option{
		campaign.WithLearner(learner),
		campaign.WithLogger(log.Default()),
	}
	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts = append(opts, campaign.WithRegisterer(reg))
		go serveMetrics(*metricsAddr, reg)
	}

	orch, err := campaign.New(cfg, exec, opts...)
	if err != nil {
		log.Printf("Failed to create campaign: %v", err)
		return 1
	}

	if *verbose {
		events := make(chan campaign.IterationSummary, 64)
		sub := orch.Subscribe(events)
		defer sub.Unsubscribe()
		go logProgress(events)
	}

	// 新发现告警
	alerts, err := monitor.NewAlertManagerFromConfig(cfg.Alerts, log.Default())
	if err != nil {
		log.Printf("Failed to create alert manager: %v", err)
		return 1
	}
	alertsDone := alerts.Watch(ctx, orch)

	log.Printf("Starting campaign %s against program %s", orch.ID(), cfg.Target.ProgramID)
	startTime := time.Now()

	result, runErr := orch.Run(ctx)
	if result == nil {
		log.Printf("Campaign failed: %v", runErr)
		return 1
	}
	if runErr != nil {
		log.Printf("Campaign aborted: %v", runErr)
	}

	duration := time.Since(startTime)
	select {
	case <-alertsDone:
	case <-time.After(5 * time.Second):
		log.Printf("Warning: Alert watcher did not finish")
	}
	alerts.Wait()
	printStatistics(result, duration)
	if stats := alerts.GetStatistics(); stats.TotalAlerts > 0 {
		log.Printf("Alerts: %d sent, %d failed", stats.SuccessfulAlerts, stats.FailedAlerts)
	}

	if *savePolicy != "" {
		if err := learner.SaveFile(*savePolicy); err != nil {
			log.Printf("Warning: Failed to save policy: %v", err)
		} else {
			log.Printf("Policy saved to: %s", *savePolicy)
		}
	}

	outputFile := *outputPath
	if outputFile == "" {
		outputFile = generateOutputPath(cfg.Target.ProgramID, *format)
	}
	if err := saveReport(result, outputFile, *format); err != nil {
		log.Printf("Failed to save report: %v", err)
		return 1
	}
	log.Printf("Report saved to: %s", outputFile)

	if runErr != nil {
		return 2
	}
	log.Printf("Campaign completed in %v: %s", duration, result.TerminationReason)
	return 0
}

// loadConfig 加载配置文件
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) && !flagSet("config") {
		log.Printf("Warning: Config file %s not found, using defaults", path)
		return config.Default(), nil
	}
	return nil, err
}

// flagSet 命令行是否显式设置了该参数
func flagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

// serveMetrics 暴露 /metrics
func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	log.Printf("Serving metrics on %s/metrics", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("Warning: Metrics server stopped: %v", err)
	}
}

// logProgress 输出迭代进度
func logProgress(events <-chan campaign.IterationSummary) {
	for s := range events {
		if s.Finding != nil || s.Terminated || s.Iteration%50 == 0 {
			log.Printf("[%d] action=%s reward=%.3f coverage=%.3f epsilon=%.3f notes=%d",
				s.Iteration, s.Action, s.Reward.Total, s.Coverage, s.Epsilon, len(s.Notes))
		}
	}
}

// printConfig 打印配置信息
func printConfig(cfg *config.Config) {
	if !*verbose {
		return
	}

	fmt.Println("\n=== Campaign Configuration ===")
	fmt.Printf("Program: %s\n", cfg.Target.ProgramID)
	fmt.Printf("Executor RPC: %s (%s, timeout %s)\n", cfg.Executor.RPCURL, cfg.Executor.Method, cfg.Executor.Timeout)
	fmt.Printf("Max Iterations: %d\n", cfg.Termination.MaxIterations)
	fmt.Printf("Max Duration: %s\n", orNone(cfg.Termination.MaxDuration))
	fmt.Printf("Coverage Threshold: %.2f\n", cfg.Termination.Coverage)
	fmt.Printf("Stop On First Finding: %v (confidence >= %.2f)\n", cfg.Termination.StopOnFirstFinding, cfg.Termination.EarlyStopConfidence)
	fmt.Printf("Learning Rate: %g, Discount: %g\n", cfg.Learner.LearningRate, cfg.Learner.DiscountFactor)
	fmt.Printf("Epsilon: %g -> %g (decay %g)\n", cfg.Learner.EpsilonStart, cfg.Learner.EpsilonEnd, cfg.Learner.EpsilonDecay)
	fmt.Printf("Alerts: webhook=%s min_severity=%s throttle=%s\n",
		orNone(cfg.Alerts.WebhookURL), cfg.Alerts.MinSeverity, orNone(cfg.Alerts.Throttle))
	fmt.Printf("Reward Weights: coverage=%.2f findings=%.2f paths=%.2f speed=%.2f\n",
		cfg.Reward.Coverage, cfg.Reward.Findings, cfg.Reward.Paths, cfg.Reward.Speed)
	fmt.Println("==============================")
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

// performDryRun 执行dry run
func performDryRun(cfg *config.Config) {
	fmt.Println("\n=== DRY RUN MODE ===")
	fmt.Printf("Would fuzz program: %s\n", cfg.Target.ProgramID)
	fmt.Printf("Executor: %s %s\n", cfg.Executor.RPCURL, cfg.Executor.Method)
	fmt.Printf("Configuration loaded successfully\n")
	fmt.Printf("Would run up to %d iterations with %d candidates per reset\n",
		cfg.Termination.MaxIterations, cfg.Generator.Candidates)
	fmt.Println("====================")
}

// printStatistics 打印统计信息
func printStatistics(result *campaign.Result, duration time.Duration) {
	fmt.Println("\n=== Campaign Results ===")
	fmt.Printf("Campaign: %s\n", result.ID)
	fmt.Printf("Termination: %s\n", result.TerminationReason)
	fmt.Printf("Iterations: %d\n", result.TotalIterations)
	fmt.Printf("Executions: %d (failed %d, executor errors %d, timeouts %d)\n",
		result.Stats.Executions, result.Stats.Failures, result.Stats.ExecutorErrors, result.Stats.Timeouts)
	fmt.Printf("Coverage: %.4f (%d unique paths)\n", result.Stats.Coverage, result.Stats.UniquePaths)
	fmt.Printf("Avg Execution: %.2f ms\n", result.Stats.AvgExecutionMs)
	fmt.Printf("Epsilon: %.4f after %d training steps\n", result.Stats.Epsilon, result.Stats.TrainingSteps)
	fmt.Printf("Execution Time: %v\n", duration)

	if len(result.Findings) > 0 {
		fmt.Printf("\n=== Findings (%d) ===\n", len(result.Findings))
		for _, f := range result.Findings {
			fmt.Printf("[%s] %s confidence=%.2f location=%s\n", f.Severity, f.Category, f.Confidence, f.Location)
			if f.Diagnostic != "" {
				fmt.Printf("  %s\n", f.Diagnostic)
			}
		}
	}
	fmt.Println("========================")
}

// generateOutputPath 生成输出文件路径
func generateOutputPath(program, format string) string {
	timestamp := time.Now().Format("20060102_150405")
	name := program
	if len(name) > 8 {
		name = name[:8]
	}

	dir := "./fuzzing_reports"
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Printf("Warning: Failed to create output directory: %v", err)
		dir = "."
	}

	ext := "json"
	if format == "text" {
		ext = "txt"
	}
	return filepath.Join(dir, fmt.Sprintf("%s_%s.%s", timestamp, name, ext))
}

// saveReport 保存报告
func saveReport(result *campaign.Result, path string, format string) error {
	var data []byte
	var err error

	switch format {
	case "json":
		data, err = json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
	case "text":
		data = []byte(formatResultAsText(result))
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}

	// 确保目录存在
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// formatResultAsText 格式化报告为文本
func formatResultAsText(result *campaign.Result) string {
	var sb strings.Builder

	sb.WriteString("Fuzzing Campaign Report\n")
	sb.WriteString("=======================\n\n")
	sb.WriteString(fmt.Sprintf("Campaign: %s\n", result.ID))
	sb.WriteString(fmt.Sprintf("Program: %s\n", result.ProgramID))
	sb.WriteString(fmt.Sprintf("Started: %s\n", result.StartTime.Format(time.RFC3339)))
	sb.WriteString(fmt.Sprintf("Finished: %s\n", result.EndTime.Format(time.RFC3339)))
	sb.WriteString(fmt.Sprintf("Termination: %s\n\n", result.TerminationReason))

	sb.WriteString("Statistics:\n")
	sb.WriteString(fmt.Sprintf("  Iterations: %d\n", result.TotalIterations))
	sb.WriteString(fmt.Sprintf("  Executions: %d\n", result.Stats.Executions))
	sb.WriteString(fmt.Sprintf("  Failures: %d\n", result.Stats.Failures))
	sb.WriteString(fmt.Sprintf("  Executor Errors: %d\n", result.Stats.ExecutorErrors))
	sb.WriteString(fmt.Sprintf("  Timeouts: %d\n", result.Stats.Timeouts))
	sb.WriteString(fmt.Sprintf("  Coverage: %.4f\n", result.Stats.Coverage))
	sb.WriteString(fmt.Sprintf("  Unique Paths: %d\n", result.Stats.UniquePaths))
	sb.WriteString(fmt.Sprintf("  Corpus Size: %d\n\n", result.Stats.CorpusSize))

	sb.WriteString("Actions:\n")
	actions := make([]string, 0, len(result.Stats.ActionCounts))
	for a := range result.Stats.ActionCounts {
		actions = append(actions, a)
	}
	sort.Strings(actions)
	for _, a := range actions {
		sb.WriteString(fmt.Sprintf("  %s: %d\n", a, result.Stats.ActionCounts[a]))
	}

	sb.WriteString("\nFindings:\n")
	if len(result.Findings) == 0 {
		sb.WriteString("  none\n")
	}
	for _, f := range result.Findings {
		sb.WriteString(fmt.Sprintf("\n  [%s] %s\n", f.Severity, f.Category))
		sb.WriteString(fmt.Sprintf("    Confidence: %.2f\n", f.Confidence))
		sb.WriteString(fmt.Sprintf("    Location: %s\n", f.Location))
		sb.WriteString(fmt.Sprintf("    Rule: %s\n", orNone(f.RuleID)))
		sb.WriteString(fmt.Sprintf("    Evidence: %s\n", f.EvidenceRef.Hex()))
		sb.WriteString(fmt.Sprintf("    Iteration: %d\n", f.Iteration))
		if f.Diagnostic != "" {
			sb.WriteString(fmt.Sprintf("    Diagnostic: %s\n", f.Diagnostic))
		}
	}
	return sb.String()
}
