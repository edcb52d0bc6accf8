// Package config 加载与校验模糊测试活动配置
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"chaosfuzz/pkg/classifier"
	"chaosfuzz/pkg/fuzzer"
	"chaosfuzz/pkg/generator"
	"chaosfuzz/pkg/rl"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"gopkg.in/yaml.v2"
)

// ErrInvalidConfig 配置非法（活动不会启动）
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError 单个字段的校验错误
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// Unwrap 使 errors.Is(err, ErrInvalidConfig) 成立
func (e *ValidationError) Unwrap() error {
	return ErrInvalidConfig
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Config 活动配置
type Config struct {
	Learner       LearnerConfig        `yaml:"learner" json:"learner"`
	Reward        rl.RewardWeights     `yaml:"reward_weights" json:"reward_weights"`
	Termination   TerminationConfig    `yaml:"termination" json:"termination"`
	Executor      ExecutorConfig       `yaml:"executor" json:"executor"`
	Generator     GeneratorConfig      `yaml:"generator" json:"generator"`
	Classifier    ClassifierConfig     `yaml:"classifier" json:"classifier"`
	Target        fuzzer.TargetProfile `yaml:"target" json:"target"`
	Alerts        AlertConfig          `yaml:"alerts" json:"alerts"`
	CorpusSize    int                  `yaml:"corpus_size" json:"corpus_size"`       // 语料LRU容量
	HistoryWindow int                  `yaml:"history_window" json:"history_window"` // 动作/奖励历史窗口
}

// LearnerConfig 学习器配置
type LearnerConfig struct {
	rl.Config  `yaml:",inline"`
	FeatureDim int `yaml:"feature_dim" json:"feature_dim"` // 必须与特征编码器一致
}

// TerminationConfig 终止条件
type TerminationConfig struct {
	Coverage            float64 `yaml:"coverage" json:"coverage"`                             // 覆盖率阈值
	MaxIterations       int     `yaml:"max_iterations" json:"max_iterations"`                 // 迭代预算
	StopOnFirstFinding  bool    `yaml:"stop_on_first_finding" json:"stop_on_first_finding"`   // 出现高置信度发现即停止
	EarlyStopConfidence float64 `yaml:"early_stop_confidence" json:"early_stop_confidence"`   // 触发提前停止的置信度
	MaxDuration         string  `yaml:"max_duration" json:"max_duration"`                     // 时间预算，如 "10m"；空表示不限
}

// Duration 解析时间预算；未设置时返回0
func (t TerminationConfig) Duration() (time.Duration, error) {
	if t.MaxDuration == "" {
		return 0, nil
	}
	return time.ParseDuration(t.MaxDuration)
}

// ExecutorConfig 执行器配置
type ExecutorConfig struct {
	MaxConsecutiveFailures int     `yaml:"max_consecutive_failures" json:"max_consecutive_failures"` // 连续故障上限
	Timeout                string  `yaml:"timeout" json:"timeout"`                                   // 单次执行超时
	RPCURL                 string  `yaml:"rpc_url" json:"rpc_url"`
	Method                 string  `yaml:"method" json:"method"`
	ReferenceMs            float64 `yaml:"reference_ms" json:"reference_ms"` // 速度奖励的参考执行时间
}

// TimeoutDuration 解析单次执行超时；未设置时返回0
func (e ExecutorConfig) TimeoutDuration() (time.Duration, error) {
	if e.Timeout == "" {
		return 0, nil
	}
	return time.ParseDuration(e.Timeout)
}

// GeneratorConfig 输入生成配置
type GeneratorConfig struct {
	generator.Config `yaml:",inline"`
	Candidates       int    `yaml:"candidates" json:"candidates"`       // 每次生成的候选数
	SeedMaterial     string `yaml:"seed_material" json:"seed_material"` // 十六进制种子payload
}

// ClassifierConfig 分类器配置
type ClassifierConfig struct {
	RulesPath               string             `yaml:"rules_path" json:"rules_path"`                             // 为空时使用内置规则表
	Confidence              map[string]float64 `yaml:"confidence" json:"confidence"`                             // 分类 → 基础置信度覆盖
	UncategorizedConfidence float64            `yaml:"uncategorized_confidence" json:"uncategorized_confidence"` // 未分类发现的置信度
}

// AlertConfig 新发现告警配置
type AlertConfig struct {
	WebhookURL  string `yaml:"webhook_url" json:"webhook_url"`   // 为空时只写日志
	Throttle    string `yaml:"throttle" json:"throttle"`         // 同一(程序, 分类, 位置)两次告警的最小间隔
	MinSeverity string `yaml:"min_severity" json:"min_severity"` // low|medium|high|critical
}

// ThrottleDuration 解析告警限流间隔；未设置时返回0
func (a AlertConfig) ThrottleDuration() (time.Duration, error) {
	if a.Throttle == "" {
		return 0, nil
	}
	return time.ParseDuration(a.Throttle)
}

// Severity 解析告警的最低严重性
func (a AlertConfig) Severity() (fuzzer.Severity, error) {
	if a.MinSeverity == "" {
		return fuzzer.SeverityLow, nil
	}
	return fuzzer.ParseSeverity(a.MinSeverity)
}

// Default 默认配置
func Default() *Config {
	gen := generator.DefaultConfig()
	return &Config{
		Learner: LearnerConfig{
			Config:     rl.DefaultConfig(),
			FeatureDim: rl.FeatureDim,
		},
		Reward: rl.DefaultRewardWeights(),
		Termination: TerminationConfig{
			Coverage:            0.95,
			MaxIterations:       1000,
			StopOnFirstFinding:  false,
			EarlyStopConfidence: 0.7,
		},
		Executor: ExecutorConfig{
			MaxConsecutiveFailures: 5,
			Timeout:                "5s",
			Method:                 "fuzz_execute",
			ReferenceMs:            rl.DefaultReferenceMs,
		},
		Generator: GeneratorConfig{
			Config:     gen,
			Candidates: 16,
		},
		Classifier: ClassifierConfig{
			UncategorizedConfidence: classifier.DefaultUncategorizedConfidence,
		},
		Alerts: AlertConfig{
			Throttle:    "5m",
			MinSeverity: "high",
		},
		CorpusSize:    256,
		HistoryWindow: 32,
	}
}

// Parse 在默认配置之上解析YAML并校验
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load 加载配置文件
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Validate 校验全部字段
func (c *Config) Validate() error {
	if err := c.validateLearner(); err != nil {
		return err
	}
	if err := c.Reward.Validate(); err != nil {
		return invalid("reward_weights", "weights must be non-negative and sum to 1 (got %.4f)", c.Reward.Sum())
	}
	if err := c.validateTermination(); err != nil {
		return err
	}
	if err := c.validateExecutor(); err != nil {
		return err
	}
	if err := c.validateGenerator(); err != nil {
		return err
	}
	if err := c.validateClassifier(); err != nil {
		return err
	}
	if err := c.validateAlerts(); err != nil {
		return err
	}

	t := c.Target
	if t.InstructionCount < 0 || t.AccountCount < 0 || t.MaxPayload < 0 || t.EstimatedEdges < 0 {
		return invalid("target", "counts must be >= 0")
	}
	if c.CorpusSize <= 0 {
		return invalid("corpus_size", "must be > 0")
	}
	if c.HistoryWindow <= 0 {
		return invalid("history_window", "must be > 0")
	}
	return nil
}

func (c *Config) validateLearner() error {
	l := c.Learner
	switch {
	case !(l.LearningRate > 0):
		return invalid("learner.learning_rate", "must be > 0")
	case !(l.DiscountFactor > 0 && l.DiscountFactor < 1):
		return invalid("learner.discount_factor", "must be in (0,1)")
	case !(l.EpsilonStart >= 0 && l.EpsilonStart <= 1):
		return invalid("learner.epsilon_start", "must be in [0,1]")
	case !(l.EpsilonEnd >= 0 && l.EpsilonEnd <= l.EpsilonStart):
		return invalid("learner.epsilon_end", "must be in [0,epsilon_start]")
	case !(l.EpsilonDecay > 0 && l.EpsilonDecay <= 1):
		return invalid("learner.epsilon_decay", "must be in (0,1]")
	case l.ReplayCapacity <= 0:
		return invalid("learner.replay_capacity", "must be > 0")
	case l.BatchSize <= 0:
		return invalid("learner.batch_size", "must be > 0")
	case l.BatchSize > l.ReplayCapacity:
		return invalid("learner.batch_size", "must not exceed replay_capacity")
	case l.TargetSyncInterval <= 0:
		return invalid("learner.target_sync_interval", "must be > 0")
	case l.HiddenSize <= 0:
		return invalid("learner.hidden_size", "must be > 0")
	case l.FeatureDim <= 0:
		return invalid("learner.feature_dim", "must be > 0")
	}
	return nil
}

func (c *Config) validateTermination() error {
	t := c.Termination
	if !(t.Coverage > 0 && t.Coverage <= 1) {
		return invalid("termination.coverage", "must be in (0,1]")
	}
	if t.MaxIterations <= 0 {
		return invalid("termination.max_iterations", "must be > 0")
	}
	if t.EarlyStopConfidence < 0 || t.EarlyStopConfidence > 1 {
		return invalid("termination.early_stop_confidence", "must be in [0,1]")
	}
	d, err := t.Duration()
	if err != nil {
		return invalid("termination.max_duration", "%v", err)
	}
	if d < 0 {
		return invalid("termination.max_duration", "must be >= 0")
	}
	return nil
}

func (c *Config) validateExecutor() error {
	e := c.Executor
	if e.MaxConsecutiveFailures <= 0 {
		return invalid("executor.max_consecutive_failures", "must be > 0")
	}
	d, err := e.TimeoutDuration()
	if err != nil {
		return invalid("executor.timeout", "%v", err)
	}
	if d < 0 {
		return invalid("executor.timeout", "must be >= 0")
	}
	if e.ReferenceMs < 0 {
		return invalid("executor.reference_ms", "must be >= 0")
	}
	return nil
}

func (c *Config) validateGenerator() error {
	g := c.Generator
	if g.Candidates <= 0 {
		return invalid("generator.candidates", "must be > 0")
	}
	if g.MaxPayload < 0 {
		return invalid("generator.max_payload", "must be >= 0")
	}
	w := g.Weights
	if w.SeedBased < 0 || w.Boundary < 0 || w.Random < 0 {
		return invalid("generator.weights", "must be >= 0")
	}
	if _, err := c.SeedMaterial(); err != nil {
		return invalid("generator.seed_material", "%v", err)
	}
	return nil
}

// SeedMaterial 解码种子payload（可带0x前缀）；未设置时返回nil
func (c *Config) SeedMaterial() ([]byte, error) {
	s := strings.TrimSpace(c.Generator.SeedMaterial)
	if s == "" {
		return nil, nil
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	return hexutil.Decode(s)
}

// ClassifierOptions 把分类器配置转为构造选项
func (c *Config) ClassifierOptions() ([]classifier.Option, error) {
	opts := []classifier.Option{
		classifier.WithUncategorizedConfidence(c.Classifier.UncategorizedConfidence),
	}
	for name, v := range c.Classifier.Confidence {
		cat, err := fuzzer.ParseCategory(name)
		if err != nil {
			return nil, invalid("classifier.confidence", "%v", err)
		}
		opts = append(opts, classifier.WithConfidence(cat, v))
	}
	return opts, nil
}

// ClassifierRules 加载规则表；未配置路径时返回nil（使用内置规则）
func (c *Config) ClassifierRules() (*classifier.RuleSet, error) {
	if c.Classifier.RulesPath == "" {
		return nil, nil
	}
	return classifier.LoadRules(c.Classifier.RulesPath)
}

func (c *Config) validateClassifier() error {
	cl := c.Classifier
	for name, v := range cl.Confidence {
		if _, err := fuzzer.ParseCategory(name); err != nil {
			return invalid("classifier.confidence", "%v", err)
		}
		if v < 0 || v > 1 {
			return invalid("classifier.confidence", "%s must be in [0,1]", name)
		}
	}
	if cl.UncategorizedConfidence < 0 || cl.UncategorizedConfidence > 1 {
		return invalid("classifier.uncategorized_confidence", "must be in [0,1]")
	}
	return nil
}

func (c *Config) validateAlerts() error {
	d, err := c.Alerts.ThrottleDuration()
	if err != nil {
		return invalid("alerts.throttle", "%v", err)
	}
	if d < 0 {
		return invalid("alerts.throttle", "must be >= 0")
	}
	if _, err := c.Alerts.Severity(); err != nil {
		return invalid("alerts.min_severity", "%v", err)
	}
	return nil
}
