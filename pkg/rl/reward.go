package rl

import (
	"fmt"
	"math"
)

// RewardWeightTolerance 权重和与1的允许偏差
const RewardWeightTolerance = 1e-3

// DefaultReferenceMs 速度奖励的参考执行时间
const DefaultReferenceMs = 100.0

// RewardWeights 奖励分量权重，和为1
type RewardWeights struct {
	Coverage float64 `yaml:"coverage" json:"coverage"` // 覆盖率增量
	Findings float64 `yaml:"findings" json:"findings"` // 新发现
	Paths    float64 `yaml:"paths" json:"paths"`       // 新路径
	Speed    float64 `yaml:"speed" json:"speed"`       // 执行速度
}

// DefaultRewardWeights 默认权重
func DefaultRewardWeights() RewardWeights {
	return RewardWeights{
		Coverage: 0.3,
		Findings: 0.4,
		Paths:    0.2,
		Speed:    0.1,
	}
}

// Validate 校验权重非负且和为1
func (w RewardWeights) Validate() error {
	components := []struct {
		name  string
		value float64
	}{
		{"coverage", w.Coverage}, {"findings", w.Findings}, {"paths", w.Paths}, {"speed", w.Speed},
	}
	for _, c := range components {
		if c.value < 0 || math.IsNaN(c.value) {
			return fmt.Errorf("%w: reward weight %s must be >= 0", ErrInvalidConfig, c.name)
		}
	}
	if sum := w.Sum(); math.Abs(sum-1) > RewardWeightTolerance {
		return fmt.Errorf("%w: reward weights sum to %.4f, want 1", ErrInvalidConfig, sum)
	}
	return nil
}

// Sum 权重和
func (w RewardWeights) Sum() float64 {
	return w.Coverage + w.Findings + w.Paths + w.Speed
}

// RewardSignal 计算奖励所需的单步观测
type RewardSignal struct {
	CoverageDelta float64
	NewFindings   int
	NewPaths      int
	ExecutionMs   float64
}

// Reward 奖励及其归一化分量
type Reward struct {
	Total    float64 `json:"total"`
	Coverage float64 `json:"coverage"`
	Findings float64 `json:"findings"`
	Paths    float64 `json:"paths"`
	Speed    float64 `json:"speed"`
}

// ComputeReward 计算加权奖励，各分量归一化到[0,1]，权重和为1时总奖励也在[0,1]
func ComputeReward(w RewardWeights, s RewardSignal, referenceMs float64) Reward {
	if referenceMs <= 0 {
		referenceMs = DefaultReferenceMs
	}
	r := Reward{
		Coverage: clamp01(s.CoverageDelta),
		Findings: math.Min(float64(s.NewFindings), 1),
		Paths:    math.Min(float64(s.NewPaths), 1),
		Speed:    1 / (1 + math.Max(s.ExecutionMs, 0)/referenceMs),
	}
	if r.Findings < 0 {
		r.Findings = 0
	}
	if r.Paths < 0 {
		r.Paths = 0
	}
	r.Total = w.Coverage*r.Coverage + w.Findings*r.Findings + w.Paths*r.Paths + w.Speed*r.Speed
	return r
}
