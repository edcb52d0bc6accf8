package fuzzer

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

// TargetProfile 目标程序的结构特征（由调用方提供）
type TargetProfile struct {
	ProgramID        string `json:"program_id" yaml:"program_id"`
	InstructionCount int    `json:"instruction_count" yaml:"instruction_count"`
	AccountCount     int    `json:"account_count" yaml:"account_count"`
	MaxPayload       int    `json:"max_payload" yaml:"max_payload"`
	EstimatedEdges   int    `json:"estimated_edges" yaml:"estimated_edges"` // 0表示未知
}

// defaultPathHalfSaturation 未知边总数时覆盖率估计达到0.5所需的唯一路径数
const defaultPathHalfSaturation = 64

// CampaignState 一次模糊测试活动累积的状态摘要
// Coverage、UniquePaths、Findings 在活动内单调不减；历史为定长窗口
type CampaignState struct {
	Target TargetProfile

	Coverage          float64
	UniquePaths       int
	Findings          *FindingSet
	SuccessRate       float64
	AvgExecutionMs    float64
	Iteration         int
	Executions        int
	Successes         int
	Failures          int
	ExecutorErrors    int
	Timeouts          int // ExecutorErrors 中的超时部分
	ConsecutiveErrors int
	StepsSinceNewPath int

	Actions *Ring[int]
	Rewards *Ring[float64]

	paths          map[common.Hash]struct{}
	edges          map[uint64]struct{}
	halfSaturation float64
}

// Observation 单次执行对状态的增量
type Observation struct {
	NewPath       bool
	NewEdges      int
	CoverageDelta float64
}

// NewCampaignState 创建新的活动状态
func NewCampaignState(target TargetProfile, window int) *CampaignState {
	return &CampaignState{
		Target:         target,
		Findings:       NewFindingSet(),
		Actions:        NewRing[int](window),
		Rewards:        NewRing[float64](window),
		paths:          make(map[common.Hash]struct{}),
		edges:          make(map[uint64]struct{}),
		halfSaturation: defaultPathHalfSaturation,
	}
}

// Observe 记录一次执行器正常返回的结果
func (s *CampaignState) Observe(out ExecutionOutcome) Observation {
	var obs Observation

	s.Executions++
	s.ConsecutiveErrors = 0
	if out.Succeeded {
		s.Successes++
	} else {
		s.Failures++
	}
	s.SuccessRate = float64(s.Successes) / float64(s.Executions)

	// 累积平均执行时间
	ms := float64(out.Duration.Microseconds()) / 1000.0
	s.AvgExecutionMs += (ms - s.AvgExecutionMs) / float64(s.Executions)

	for _, edge := range out.Coverage {
		if _, seen := s.edges[edge]; !seen {
			s.edges[edge] = struct{}{}
			obs.NewEdges++
		}
	}

	fp := out.PathFingerprint()
	if _, seen := s.paths[fp]; !seen {
		s.paths[fp] = struct{}{}
		s.UniquePaths++
		obs.NewPath = true
		s.StepsSinceNewPath = 0
	} else {
		s.StepsSinceNewPath++
	}

	prev := s.Coverage
	if est := s.estimateCoverage(); est > s.Coverage {
		s.Coverage = est
	}
	obs.CoverageDelta = s.Coverage - prev
	return obs
}

// RecordExecutorError 记录一次执行器基础设施故障，返回连续故障次数
// 超时（ErrExecutorTimeout）另计入 Timeouts
func (s *CampaignState) RecordExecutorError(err error) int {
	s.ExecutorErrors++
	if errors.Is(err, ErrExecutorTimeout) {
		s.Timeouts++
	}
	s.ConsecutiveErrors++
	s.StepsSinceNewPath++
	return s.ConsecutiveErrors
}

// AddFinding 加入发现，返回是否为新发现
func (s *CampaignState) AddFinding(f Finding) bool {
	return s.Findings.Add(f)
}

// RecordStep 记录本轮动作与奖励并推进迭代计数
func (s *CampaignState) RecordStep(action int, reward float64) {
	s.Actions.Push(action)
	s.Rewards.Push(reward)
	s.Iteration++
}

// estimateCoverage 覆盖率估计
// 已知边总数时按已见边比例；否则按唯一路径数做饱和估计
func (s *CampaignState) estimateCoverage() float64 {
	if s.Target.EstimatedEdges > 0 && len(s.edges) > 0 {
		c := float64(len(s.edges)) / float64(s.Target.EstimatedEdges)
		if c > 1 {
			c = 1
		}
		return c
	}
	n := float64(s.UniquePaths)
	return n / (n + s.halfSaturation)
}

// Snapshot 状态快照（值拷贝，供特征编码与报告使用）
type Snapshot struct {
	Target            TargetProfile `json:"target"`
	Coverage          float64       `json:"coverage"`
	UniquePaths       int           `json:"unique_paths"`
	FindingCount      int           `json:"finding_count"`
	SuccessRate       float64       `json:"success_rate"`
	AvgExecutionMs    float64       `json:"avg_execution_ms"`
	Iteration         int           `json:"iteration"`
	Executions        int           `json:"executions"`
	Failures          int           `json:"failures"`
	ExecutorErrors    int           `json:"executor_errors"`
	Timeouts          int           `json:"timeouts"`
	StepsSinceNewPath int           `json:"steps_since_new_path"`
	RecentActions     []int         `json:"recent_actions"`
	RecentRewards     []float64     `json:"recent_rewards"`
	MutationHitRate   float64       `json:"mutation_hit_rate"` // 由调用方根据变异历史填写
}

// Snapshot 生成当前状态快照
func (s *CampaignState) Snapshot() Snapshot {
	return Snapshot{
		Target:            s.Target,
		Coverage:          s.Coverage,
		UniquePaths:       s.UniquePaths,
		FindingCount:      s.Findings.Len(),
		SuccessRate:       s.SuccessRate,
		AvgExecutionMs:    s.AvgExecutionMs,
		Iteration:         s.Iteration,
		Executions:        s.Executions,
		Failures:          s.Failures,
		ExecutorErrors:    s.ExecutorErrors,
		Timeouts:          s.Timeouts,
		StepsSinceNewPath: s.StepsSinceNewPath,
		RecentActions:     s.Actions.Values(),
		RecentRewards:     s.Rewards.Values(),
	}
}
