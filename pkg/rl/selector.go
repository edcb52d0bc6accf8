package rl

import (
	"fmt"
	"math/rand"

	"chaosfuzz/pkg/fuzzer"
)

// Selection 一次动作选择的结果
type Selection struct {
	Action   Action
	Index    int
	State    []float64
	Explored bool    // 随机探索而非贪心
	Epsilon  float64 // 选择时的探索率
}

// Selector ε-greedy 策略选择器
// 每个活动独立持有（随机源不可并发使用），学习器可共享
type Selector struct {
	learner *Learner
	space   *ActionSpace
	encoder *FeatureEncoder
	rng     *rand.Rand
}

// NewSelector 创建选择器；特征维度或动作数与学习器不一致时失败
func NewSelector(learner *Learner, space *ActionSpace, encoder *FeatureEncoder, seed int64) (*Selector, error) {
	if encoder.Dim() != learner.StateDim() {
		return nil, fmt.Errorf("%w: encoder produces %d features, learner expects %d",
			ErrStateSizeMismatch, encoder.Dim(), learner.StateDim())
	}
	if space.Size() != learner.NumActions() {
		return nil, fmt.Errorf("%w: action space has %d actions, learner has %d outputs",
			ErrStateSizeMismatch, space.Size(), learner.NumActions())
	}
	return &Selector{
		learner: learner,
		space:   space,
		encoder: encoder,
		rng:     rand.New(rand.NewSource(seed)),
	}, nil
}

// Space 动作空间
func (s *Selector) Space() *ActionSpace {
	return s.space
}

// Encode 编码状态快照
func (s *Selector) Encode(snap fuzzer.Snapshot) []float64 {
	return s.encoder.Encode(snap)
}

// Select 以概率ε均匀随机选择，否则选Q值最大的动作
func (s *Selector) Select(snap fuzzer.Snapshot) (Selection, error) {
	return s.SelectState(s.encoder.Encode(snap))
}

// SelectState 对已编码的状态做选择
func (s *Selector) SelectState(state []float64) (Selection, error) {
	eps := s.learner.Epsilon()
	if s.rng.Float64() < eps {
		idx := s.rng.Intn(s.space.Size())
		return s.selection(state, idx, true, eps)
	}
	idx, err := s.learner.Greedy(state)
	if err != nil {
		return Selection{}, err
	}
	return s.selection(state, idx, false, eps)
}

// Greedy 忽略探索率，直接选Q值最大的动作
func (s *Selector) Greedy(snap fuzzer.Snapshot) (Selection, error) {
	state := s.encoder.Encode(snap)
	idx, err := s.learner.Greedy(state)
	if err != nil {
		return Selection{}, err
	}
	return s.selection(state, idx, false, 0)
}

func (s *Selector) selection(state []float64, idx int, explored bool, eps float64) (Selection, error) {
	action, err := s.space.At(idx)
	if err != nil {
		return Selection{}, err
	}
	return Selection{Action: action, Index: idx, State: state, Explored: explored, Epsilon: eps}, nil
}
