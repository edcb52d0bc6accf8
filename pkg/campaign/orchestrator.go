package campaign

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log"
	"math/rand"
	"sync"
	"time"

	"chaosfuzz/pkg/classifier"
	"chaosfuzz/pkg/config"
	"chaosfuzz/pkg/fuzzer"
	"chaosfuzz/pkg/generator"
	"chaosfuzz/pkg/mutation"
	"chaosfuzz/pkg/mutation/operators"
	"chaosfuzz/pkg/rl"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/event"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// Option 编排器选项
type Option func(*options)

type options struct {
	logger     *log.Logger
	learner    *rl.Learner
	catalog    *mutation.Catalog
	classifier *classifier.Classifier
	template   *fuzzer.FuzzInput
	registerer prometheus.Registerer
	clock      func() time.Time
}

// WithLogger 设置日志输出
func WithLogger(logger *log.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithLearner 使用外部学习器（可在多个活动间共享）
func WithLearner(learner *rl.Learner) Option {
	return func(o *options) { o.learner = learner }
}

// WithCatalog 使用自定义算子目录
// 每个活动持有目录的副本，使用历史不写回传入的目录，可在多个活动间共享
func WithCatalog(catalog *mutation.Catalog) Option {
	return func(o *options) { o.catalog = catalog }
}

// WithClassifier 使用自定义分类器
func WithClassifier(c *classifier.Classifier) Option {
	return func(o *options) { o.classifier = c }
}

// WithTemplate 设置输入模板（选择器、账户与种子）
func WithTemplate(in fuzzer.FuzzInput) Option {
	return func(o *options) { o.template = &in }
}

// WithRegisterer 把活动指标注册到给定的 Registerer
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithClock 替换时间源
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// Orchestrator 单个模糊测试活动
// 循环是单线程的：同一时刻只有一次执行器调用，状态与回放缓冲区不会被并发修改
type Orchestrator struct {
	cfg    *config.Config
	exec   fuzzer.Executor
	logger *log.Logger
	clock  func() time.Time

	space      *rl.ActionSpace
	learner    *rl.Learner
	selector   *rl.Selector
	trainer    *rl.Trainer
	catalog    *mutation.Catalog
	gen        *generator.Generator
	classifier *classifier.Classifier
	corpus     *Corpus
	metrics    *Metrics
	feed       event.Feed
	rng        *rand.Rand

	seed           []byte
	maxDuration    time.Duration
	referenceMs    float64
	maxConsecutive int

	mu      sync.Mutex
	id      uuid.UUID
	phase   Phase
	reason  string
	running bool // Iterations 或 Reset 进行中
	ran     bool

	state        *fuzzer.CampaignState
	current      fuzzer.FuzzInput
	pending      []fuzzer.FuzzInput
	actionCounts map[string]int
	totalReward  float64
	startTime    time.Time
	endTime      time.Time
}

// New 创建编排器；配置非法或特征维度不一致时失败，活动不会启动
func New(cfg *config.Config, exec fuzzer.Executor, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, fmt.Errorf("%w: executor is required", config.ErrInvalidConfig)
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = log.Default()
	}
	if o.clock == nil {
		o.clock = time.Now
	}

	space := rl.NewActionSpace()
	encoder := rl.NewFeatureEncoder(space)
	if cfg.Learner.FeatureDim != encoder.Dim() {
		return nil, fmt.Errorf("%w: configured feature_dim %d, encoder produces %d",
			rl.ErrStateSizeMismatch, cfg.Learner.FeatureDim, encoder.Dim())
	}

	learner := o.learner
	if learner == nil {
		var err error
		learner, err = rl.NewLearner(cfg.Learner.Config, cfg.Learner.FeatureDim, space.Size())
		if err != nil {
			return nil, err
		}
	}

	seed := cfg.Generator.Seed
	selector, err := rl.NewSelector(learner, space, encoder, seed*31+1)
	if err != nil {
		return nil, err
	}

	var catalog *mutation.Catalog
	if o.catalog != nil {
		catalog = o.catalog.Clone()
	} else {
		catalog = operators.DefaultCatalog()
	}

	cls := o.classifier
	if cls == nil {
		rules, err := cfg.ClassifierRules()
		if err != nil {
			return nil, err
		}
		clsOpts, err := cfg.ClassifierOptions()
		if err != nil {
			return nil, err
		}
		if cls, err = classifier.New(rules, clsOpts...); err != nil {
			return nil, err
		}
	}

	template := DefaultTemplate(cfg.Target)
	if o.template != nil {
		template = o.template.Clone()
	}

	corpus, err := NewCorpus(cfg.CorpusSize)
	if err != nil {
		return nil, err
	}
	metrics, err := NewMetrics(o.registerer)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	seedMaterial, _ := cfg.SeedMaterial()
	maxDuration, _ := cfg.Termination.Duration()

	orch := &Orchestrator{
		cfg:            cfg,
		exec:           exec,
		logger:         o.logger,
		clock:          o.clock,
		space:          space,
		learner:        learner,
		selector:       selector,
		trainer:        rl.NewTrainer(learner, seed*31+2),
		catalog:        catalog,
		gen:            generator.New(cfg.Generator.Config, catalog, template),
		classifier:     cls,
		corpus:         corpus,
		metrics:        metrics,
		rng:            rand.New(rand.NewSource(seed*31 + 3)),
		seed:           seedMaterial,
		maxDuration:    maxDuration,
		referenceMs:    cfg.Executor.ReferenceMs,
		maxConsecutive: cfg.Executor.MaxConsecutiveFailures,
	}
	orch.init()
	return orch, nil
}

// DefaultTemplate 按目标结构构造输入模板：首个账户为签名且可写的权限账户
func DefaultTemplate(target fuzzer.TargetProfile) fuzzer.FuzzInput {
	in := fuzzer.FuzzInput{
		Payload:  []byte{},
		Accounts: make([]fuzzer.AccountMeta, 0, target.AccountCount),
		Seeds:    [][]byte{},
	}
	for i := 0; i < target.AccountCount; i++ {
		key := crypto.Keccak256Hash([]byte(target.ProgramID), []byte{byte(i)})
		in.Accounts = append(in.Accounts, fuzzer.AccountMeta{
			Pubkey:     fuzzer.Pubkey(key),
			IsSigner:   i == 0,
			IsWritable: i == 0,
		})
	}
	return in
}

// init 初始化活动状态（不触碰策略参数与回放缓冲区）
func (o *Orchestrator) init() {
	o.mu.Lock()
	o.id = uuid.New()
	o.phase = PhaseIdle
	o.reason = ""
	o.ran = false
	o.mu.Unlock()

	o.state = fuzzer.NewCampaignState(o.cfg.Target, o.cfg.HistoryWindow)
	o.current = o.gen.Template()
	o.pending = nil
	o.actionCounts = make(map[string]int)
	o.totalReward = 0
	o.startTime = time.Time{}
	o.endTime = time.Time{}
	o.corpus.Purge()
	o.catalog.ResetHistory()
}

// ID 活动ID
func (o *Orchestrator) ID() uuid.UUID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.id
}

// Phase 当前状态
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// Reason 终止原因，未终止时为空
func (o *Orchestrator) Reason() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reason
}

// Learner 活动使用的学习器
func (o *Orchestrator) Learner() *rl.Learner {
	return o.learner
}

// Trainer 活动的训练会话
func (o *Orchestrator) Trainer() *rl.Trainer {
	return o.trainer
}

// Target 目标程序描述
func (o *Orchestrator) Target() fuzzer.TargetProfile {
	return o.cfg.Target
}

// Corpus 活动语料库
func (o *Orchestrator) Corpus() *Corpus {
	return o.corpus
}

// Subscribe 订阅迭代摘要；Send 会等待所有订阅者接收，订阅者须及时读取
func (o *Orchestrator) Subscribe(ch chan<- IterationSummary) event.Subscription {
	return o.feed.Subscribe(ch)
}

// Reset 重新初始化活动状态，保留策略参数与经验
func (o *Orchestrator) Reset() error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrRunning
	}
	o.running = true
	o.mu.Unlock()

	o.init()

	o.mu.Lock()
	o.running = false
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	o.phase = p
	o.mu.Unlock()
}

// terminate 进入终止状态（吸收态）
func (o *Orchestrator) terminate(reason string) {
	o.mu.Lock()
	if o.phase == PhaseTerminated {
		o.mu.Unlock()
		return
	}
	o.phase = PhaseTerminated
	o.reason = reason
	o.mu.Unlock()

	o.endTime = o.clock()
	o.logger.Printf("[Campaign] %s terminated after %d iterations: %s (coverage=%.3f, findings=%d)",
		o.ID(), o.state.Iteration, reason, o.state.Coverage, o.state.Findings.Len())
}

// stopBetween 在两次迭代之间终止，并向订阅者发送只带终止信息的摘要
func (o *Orchestrator) stopBetween(reason string) {
	if o.terminated() {
		return
	}
	o.terminate(reason)
	o.publish(IterationSummary{
		Iteration:  o.state.Iteration,
		Coverage:   o.state.Coverage,
		Terminated: true,
		Reason:     reason,
	})
}

func (o *Orchestrator) terminated() bool {
	return o.Phase() == PhaseTerminated
}

// Iterations 惰性、有限、不可重启的迭代流；活动终止时结束
// 调用方提前停止读取等同于取消
func (o *Orchestrator) Iterations(ctx context.Context) iter.Seq2[IterationSummary, error] {
	return func(yield func(IterationSummary, error) bool) {
		o.mu.Lock()
		if o.running {
			o.mu.Unlock()
			yield(IterationSummary{}, ErrRunning)
			return
		}
		if o.ran {
			o.mu.Unlock()
			yield(IterationSummary{}, ErrAlreadyRun)
			return
		}
		o.ran = true
		o.running = true
		o.mu.Unlock()

		defer func() {
			o.mu.Lock()
			o.running = false
			o.mu.Unlock()
		}()

		o.startTime = o.clock()
		o.logger.Printf("[Campaign] %s started: program=%s max_iterations=%d",
			o.ID(), o.cfg.Target.ProgramID, o.cfg.Termination.MaxIterations)

		for {
			if ctx.Err() != nil {
				o.stopBetween(ReasonCancelled)
				return
			}
			if o.maxDuration > 0 && o.clock().Sub(o.startTime) >= o.maxDuration {
				o.stopBetween(ReasonTimeBudget)
				return
			}

			summary, err := o.step(ctx)
			if !yield(summary, err) {
				o.stopBetween(ReasonCancelled)
				return
			}
			if o.terminated() {
				return
			}
		}
	}
}

// Run 运行活动直至终止
// 执行器持续故障时返回结果与 ErrAborted；结果总是带有终止原因
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	var runErr error
	for _, err := range o.Iterations(ctx) {
		if err == nil {
			continue
		}
		if errors.Is(err, ErrAlreadyRun) || errors.Is(err, ErrRunning) {
			return nil, err
		}
		runErr = err
	}
	return o.Result(), runErr
}

// Result 当前结果
func (o *Orchestrator) Result() *Result {
	snap := o.snapshot()
	end := o.endTime
	if end.IsZero() {
		end = o.clock()
	}
	counts := make(map[string]int, len(o.actionCounts))
	for k, v := range o.actionCounts {
		counts[k] = v
	}

	var duration time.Duration
	if !o.startTime.IsZero() {
		duration = end.Sub(o.startTime)
	}

	return &Result{
		ID:                o.ID(),
		ProgramID:         o.cfg.Target.ProgramID,
		FinalState:        snap,
		Findings:          o.state.Findings.All(),
		TotalIterations:   o.state.Iteration,
		TerminationReason: o.Reason(),
		StartTime:         o.startTime,
		EndTime:           end,
		Stats: Stats{
			Executions:     o.state.Executions,
			Successes:      o.state.Successes,
			Failures:       o.state.Failures,
			ExecutorErrors: o.state.ExecutorErrors,
			Timeouts:       o.state.Timeouts,
			UniquePaths:    o.state.UniquePaths,
			Coverage:       o.state.Coverage,
			AvgExecutionMs: o.state.AvgExecutionMs,
			TotalReward:    o.totalReward,
			ActionCounts:   counts,
			OperatorHits:   snap.MutationHitRate,
			Operators:      o.catalog.Summary(),
			CorpusSize:     o.corpus.Len(),
			TrainingSteps:  o.learner.Steps(),
			ReplaySize:     o.trainer.Replay().Len(),
			Epsilon:        o.learner.Epsilon(),
			Duration:       duration,
		},
	}
}

func (o *Orchestrator) snapshot() fuzzer.Snapshot {
	snap := o.state.Snapshot()
	snap.MutationHitRate = o.catalog.HitRate()
	return snap
}

// step 执行一轮 选择→执行→分类→学习
func (o *Orchestrator) step(ctx context.Context) (IterationSummary, error) {
	o.setPhase(PhaseSelecting)
	before := o.snapshot()
	sel, err := o.selector.Select(before)
	if err != nil {
		o.stopBetween(ReasonPolicyFailure)
		summary := IterationSummary{Iteration: o.state.Iteration, Terminated: true, Reason: ReasonPolicyFailure}
		return summary, fmt.Errorf("%w: %v", ErrAborted, err)
	}

	summary := IterationSummary{
		Iteration:   o.state.Iteration + 1,
		Action:      sel.Action.String(),
		ActionIndex: sel.Index,
		Explored:    sel.Explored,
		Epsilon:     sel.Epsilon,
	}
	in, operator, notes := o.materialize(sel.Action)
	summary.Operator = operator
	summary.InputID = in.ID()
	summary.Notes = append(summary.Notes, notes...)
	o.actionCounts[summary.Action]++
	o.metrics.Iterations.WithLabelValues(sel.Action.Kind.String()).Inc()

	// 执行器调用不可中断，取消只在迭代之间生效
	o.setPhase(PhaseExecuting)
	started := o.clock()
	out, execErr := o.exec.Execute(context.WithoutCancel(ctx), in)
	elapsed := o.clock().Sub(started)

	if execErr != nil {
		return o.executorFailure(sel, before, in, summary, execErr)
	}

	o.setPhase(PhaseClassifying)
	out.InputID = in.ID()
	if out.Location == "" {
		out.Location = fmt.Sprintf("ix:%d", in.Selector)
	}
	if out.Duration <= 0 {
		out.Duration = elapsed
	}
	if out.Timestamp.IsZero() {
		out.Timestamp = started
	}
	execMs := float64(out.Duration.Microseconds()) / 1000.0
	o.metrics.ExecutionMs.Observe(execMs)

	obs := o.state.Observe(out)
	summary.Succeeded = out.Succeeded
	summary.NewPath = obs.NewPath
	summary.CoverageDelta = obs.CoverageDelta

	var finding *fuzzer.Finding
	newFindings := 0
	if f := o.classifier.Classify(out); f != nil {
		f.Iteration = summary.Iteration
		if f.Ambiguous {
			summary.Notes = append(summary.Notes, fmt.Sprintf("ambiguous failure classified as %s: %q", f.Category, f.Diagnostic))
		}
		if o.state.AddFinding(*f) {
			newFindings = 1
			finding = f
			summary.Finding = f
			o.metrics.Findings.WithLabelValues(string(f.Category)).Inc()
			o.logger.Printf("[Campaign] 🎯 finding at iteration %d: %s confidence=%.2f location=%s rule=%s",
				summary.Iteration, f.Category, f.Confidence, f.Location, f.RuleID)
		}
	}

	reward := rl.ComputeReward(o.cfg.Reward, rl.RewardSignal{
		CoverageDelta: obs.CoverageDelta,
		NewFindings:   newFindings,
		NewPaths:      boolToInt(obs.NewPath),
		ExecutionMs:   execMs,
	}, o.referenceMs)
	summary.Reward = reward
	o.totalReward += reward.Total

	interesting := obs.NewPath || obs.NewEdges > 0 || newFindings > 0
	if operator != "" {
		o.catalog.UpdateHistory(operator, reward.Total, interesting)
	}
	if interesting {
		if reward.Total > in.Interestingness {
			in.Interestingness = reward.Total
		}
		o.corpus.Add(in)
		o.current = in
	}

	o.state.RecordStep(sel.Index, reward.Total)
	after := o.snapshot()
	summary.Coverage = after.Coverage
	o.metrics.Coverage.WithLabelValues(o.cfg.Target.ProgramID).Set(after.Coverage)

	reason := o.checkTermination(finding)
	o.setPhase(PhaseLearning)
	o.learn(&summary, rl.Transition{
		State:     sel.State,
		Action:    sel.Index,
		Reward:    reward.Total,
		NextState: o.selector.Encode(after),
		Terminal:  reason != "",
	})

	if reason != "" {
		o.terminate(reason)
		summary.Terminated = true
		summary.Reason = reason
	}
	o.publish(summary)
	return summary, nil
}

// executorFailure 执行器故障：记录零奖励终止转移，连续故障达到上限时中止活动
func (o *Orchestrator) executorFailure(sel rl.Selection, before fuzzer.Snapshot, in fuzzer.FuzzInput,
	summary IterationSummary, execErr error) (IterationSummary, error) {

	consecutive := o.state.RecordExecutorError(execErr)
	o.metrics.ExecutorFailures.Inc()
	summary.ExecutorError = true
	summary.Notes = append(summary.Notes, fmt.Sprintf("executor error: %v", execErr))
	o.logger.Printf("[Campaign] ⚠️ executor error at iteration %d (%d consecutive): %v",
		summary.Iteration, consecutive, execErr)

	o.state.RecordStep(sel.Index, 0)
	after := o.snapshot()
	summary.Coverage = after.Coverage

	o.setPhase(PhaseLearning)
	o.learn(&summary, rl.Transition{
		State:     sel.State,
		Action:    sel.Index,
		Reward:    0,
		NextState: o.selector.Encode(after),
		Terminal:  true,
	})

	if consecutive >= o.maxConsecutive {
		o.terminate(ReasonExecutorFailures)
		summary.Terminated = true
		summary.Reason = ReasonExecutorFailures
		o.publish(summary)
		return summary, fmt.Errorf("%w: %d consecutive executor failures, last: %v", ErrAborted, consecutive, execErr)
	}

	if reason := o.checkTermination(nil); reason != "" {
		o.terminate(reason)
		summary.Terminated = true
		summary.Reason = reason
	}
	o.publish(summary)
	return summary, nil
}

// learn 存入转移并尝试训练；学习失败记入摘要而不中断活动
func (o *Orchestrator) learn(summary *IterationSummary, tr rl.Transition) {
	if err := o.trainer.Remember(tr); err != nil {
		summary.Notes = append(summary.Notes, fmt.Sprintf("transition rejected: %v", err))
		o.logger.Printf("[Campaign] transition rejected: %v", err)
		return
	}
	stats, err := o.trainer.Train()
	if err != nil {
		summary.Notes = append(summary.Notes, fmt.Sprintf("training failed: %v", err))
		o.logger.Printf("[Campaign] training failed: %v", err)
		return
	}
	summary.Trained = stats.Trained
	summary.Loss = stats.Loss
	summary.Epsilon = stats.Epsilon
	o.metrics.Epsilon.Set(stats.Epsilon)
}

// checkTermination 学习阶段后的终止判定
func (o *Orchestrator) checkTermination(finding *fuzzer.Finding) string {
	t := o.cfg.Termination
	switch {
	case t.StopOnFirstFinding && finding != nil && finding.Confidence >= t.EarlyStopConfidence:
		return ReasonHighConfidence
	case o.state.Coverage >= t.Coverage:
		return ReasonCoverageThreshold
	case o.state.Iteration >= t.MaxIterations:
		return ReasonIterationBudget
	case o.maxDuration > 0 && o.clock().Sub(o.startTime) >= o.maxDuration:
		return ReasonTimeBudget
	}
	return ""
}

func (o *Orchestrator) publish(summary IterationSummary) {
	o.feed.Send(summary)
}

// materialize 把动作转成具体输入，返回输入、使用的算子与非致命说明
func (o *Orchestrator) materialize(action rl.Action) (fuzzer.FuzzInput, string, []string) {
	switch action.Kind {
	case rl.KindMutate:
		in, op := o.gen.Mutate(o.parent())
		return in, op, nil

	case rl.KindCrossover:
		a, okA := o.corpus.Pick(o.rng)
		b, okB := o.corpus.Pick(o.rng)
		if !okA || !okB || o.corpus.Len() < 2 {
			in, op := o.gen.Mutate(o.parent())
			return in, op, []string{"crossover needs two corpus entries, mutated instead"}
		}
		return o.gen.Crossover(a, b), "crossover", nil

	case rl.KindReset:
		in := o.nextCandidate()
		o.current = in
		return in, "", nil

	case rl.KindExploit:
		weights := operators.Targeting(action.Category)
		in, op := o.gen.MutateTargeted(o.parent(), weights)
		return in, op, nil
	}
	in, op := o.gen.Mutate(o.parent())
	return in, op, []string{fmt.Sprintf("unknown action %s, mutated instead", action)}
}

// parent 父输入：优先从语料库选取，否则使用当前输入
func (o *Orchestrator) parent() fuzzer.FuzzInput {
	if in, ok := o.corpus.Pick(o.rng); ok {
		return in
	}
	return o.current.Clone()
}

// nextCandidate 取下一个新生成的候选，队列为空时重新生成
func (o *Orchestrator) nextCandidate() fuzzer.FuzzInput {
	if len(o.pending) == 0 {
		o.pending = o.gen.Generate(o.seed, o.cfg.Generator.Candidates)
	}
	in := o.pending[0]
	o.pending = o.pending[1:]
	return in
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
