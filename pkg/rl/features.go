package rl

import (
	"math"

	"chaosfuzz/pkg/fuzzer"
)

// FeatureDim 状态特征向量长度
const FeatureDim = 16

// FeatureEncoder 把活动状态快照编码为定长特征向量，各分量归一化到[0,1]
//
//	0  覆盖率估计
//	1  唯一路径数     tanh(n/100)
//	2  发现数         tanh(n/10)
//	3  成功率
//	4  平均执行时间   ms/(ms+100)
//	5  目标指令数     tanh(n/16)
//	6  目标账户数     tanh(n/16)
//	7  目标最大payload tanh(n/256)
//	8  近期奖励均值
//	9  最近一次奖励
//	10-13 近期动作中 MUTATE/CROSSOVER/RESET/EXPLOIT 的占比
//	14 距上次新路径的步数 tanh(n/50)
//	15 变异命中率
type FeatureEncoder struct {
	space *ActionSpace
}

// NewFeatureEncoder 创建编码器
func NewFeatureEncoder(space *ActionSpace) *FeatureEncoder {
	return &FeatureEncoder{space: space}
}

// Dim 特征维度
func (e *FeatureEncoder) Dim() int {
	return FeatureDim
}

// Encode 编码快照
func (e *FeatureEncoder) Encode(s fuzzer.Snapshot) []float64 {
	v := make([]float64, FeatureDim)

	v[0] = clamp01(s.Coverage)
	v[1] = squash(float64(s.UniquePaths), 100)
	v[2] = squash(float64(s.FindingCount), 10)
	v[3] = clamp01(s.SuccessRate)
	if s.AvgExecutionMs > 0 {
		v[4] = s.AvgExecutionMs / (s.AvgExecutionMs + 100)
	}
	v[5] = squash(float64(s.Target.InstructionCount), 16)
	v[6] = squash(float64(s.Target.AccountCount), 16)
	v[7] = squash(float64(s.Target.MaxPayload), 256)

	if n := len(s.RecentRewards); n > 0 {
		sum := 0.0
		for _, r := range s.RecentRewards {
			sum += r
		}
		v[8] = clamp01(sum / float64(n))
		v[9] = clamp01(s.RecentRewards[n-1])
	}

	if n := len(s.RecentActions); n > 0 {
		for _, a := range s.RecentActions {
			if k := e.space.Kind(a); k >= KindMutate && k <= KindExploit {
				v[10+int(k)] += 1 / float64(n)
			}
		}
	}

	v[14] = squash(float64(s.StepsSinceNewPath), 50)
	v[15] = clamp01(s.MutationHitRate)
	return v
}

func squash(x, scale float64) float64 {
	if x <= 0 {
		return 0
	}
	return math.Tanh(x / scale)
}

func clamp01(x float64) float64 {
	switch {
	case math.IsNaN(x) || x < 0:
		return 0
	case x > 1:
		return 1
	default:
		return x
	}
}
