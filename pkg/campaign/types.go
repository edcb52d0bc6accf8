// Package campaign 驱动 选择→执行→分类→学习 循环并负责终止判定
package campaign

import (
	"errors"
	"time"

	"chaosfuzz/pkg/fuzzer"
	"chaosfuzz/pkg/mutation"
	"chaosfuzz/pkg/rl"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// 错误定义
var (
	// ErrAborted 活动因执行器持续故障被中止
	ErrAborted = errors.New("campaign aborted")
	// ErrAlreadyRun 迭代流不可重启（需先 Reset）
	ErrAlreadyRun = errors.New("campaign already run")
	// ErrRunning 活动运行中（或正在重置），不能重置或再次启动
	ErrRunning = errors.New("campaign is running")
)

// 终止原因
const (
	ReasonCoverageThreshold = "coverage-threshold-reached"
	ReasonHighConfidence    = "high-confidence-finding"
	ReasonIterationBudget   = "iteration-budget-exhausted"
	ReasonTimeBudget        = "time-budget-exhausted"
	ReasonCancelled         = "cancelled"
	ReasonExecutorFailures  = "executor-failure-limit"
	ReasonPolicyFailure     = "policy-failure" // 策略无法给出动作（特征维度异常）
)

// Phase 编排器状态
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSelecting
	PhaseExecuting
	PhaseClassifying
	PhaseLearning
	PhaseTerminated
)

// String 返回状态名称
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSelecting:
		return "selecting"
	case PhaseExecuting:
		return "executing"
	case PhaseClassifying:
		return "classifying"
	case PhaseLearning:
		return "learning"
	case PhaseTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// IterationSummary 单轮迭代摘要（事件流元素）
type IterationSummary struct {
	Iteration     int             `json:"iteration"`
	Action        string          `json:"action"`
	ActionIndex   int             `json:"action_index"`
	Explored      bool            `json:"explored"`
	Operator      string          `json:"operator,omitempty"` // 本轮使用的变异算子
	InputID       common.Hash     `json:"input_id"`
	Succeeded     bool            `json:"succeeded"`
	ExecutorError bool            `json:"executor_error"`
	Reward        rl.Reward       `json:"reward"`
	CoverageDelta float64         `json:"coverage_delta"`
	Coverage      float64         `json:"coverage"`
	NewPath       bool            `json:"new_path"`
	Finding       *fuzzer.Finding `json:"finding,omitempty"` // 仅新发现
	Epsilon       float64         `json:"epsilon"`
	Trained       bool            `json:"trained"`
	Loss          float64         `json:"loss"`
	Terminated    bool            `json:"terminated"`
	Reason        string          `json:"reason,omitempty"`
	Notes         []string        `json:"notes,omitempty"` // 非致命情况
}

// Stats 活动统计
type Stats struct {
	Executions     int                         `json:"executions"`
	Successes      int                         `json:"successes"`
	Failures       int                         `json:"failures"`
	ExecutorErrors int                         `json:"executor_errors"`
	Timeouts       int                         `json:"timeouts"`
	UniquePaths    int                         `json:"unique_paths"`
	Coverage       float64                     `json:"coverage"`
	AvgExecutionMs float64                     `json:"avg_execution_ms"`
	TotalReward    float64                     `json:"total_reward"`
	ActionCounts   map[string]int              `json:"action_counts"`
	OperatorHits   float64                     `json:"operator_hit_rate"`
	Operators      map[string]mutation.History `json:"operators,omitempty"`
	CorpusSize     int                         `json:"corpus_size"`
	TrainingSteps  int                         `json:"training_steps"`
	ReplaySize     int                         `json:"replay_size"`
	Epsilon        float64                     `json:"epsilon"`
	Duration       time.Duration               `json:"duration"`
}

// Result 活动结果
type Result struct {
	ID                uuid.UUID        `json:"id"`
	ProgramID         string           `json:"program_id"`
	FinalState        fuzzer.Snapshot  `json:"final_state"`
	Findings          []fuzzer.Finding `json:"findings"`
	TotalIterations   int              `json:"total_iterations"`
	TerminationReason string           `json:"termination_reason"`
	Stats             Stats            `json:"stats"`
	StartTime         time.Time        `json:"start_time"`
	EndTime           time.Time        `json:"end_time"`
}
