package rl

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
)

// Config 学习器超参数
type Config struct {
	LearningRate       float64 `yaml:"learning_rate" json:"learning_rate"`
	DiscountFactor     float64 `yaml:"discount_factor" json:"discount_factor"`
	EpsilonStart       float64 `yaml:"epsilon_start" json:"epsilon_start"`
	EpsilonEnd         float64 `yaml:"epsilon_end" json:"epsilon_end"`
	EpsilonDecay       float64 `yaml:"epsilon_decay" json:"epsilon_decay"` // 每个学习步乘以该系数
	ReplayCapacity     int     `yaml:"replay_capacity" json:"replay_capacity"`
	BatchSize          int     `yaml:"batch_size" json:"batch_size"`
	TargetSyncInterval int     `yaml:"target_sync_interval" json:"target_sync_interval"` // 每N个学习步同步目标网络
	HiddenSize         int     `yaml:"hidden_size" json:"hidden_size"`
	Seed               int64   `yaml:"seed" json:"seed"` // 参数初始化种子
}

// DefaultConfig 默认超参数
func DefaultConfig() Config {
	return Config{
		LearningRate:       0.01,
		DiscountFactor:     0.9,
		EpsilonStart:       1.0,
		EpsilonEnd:         0.01,
		EpsilonDecay:       0.995,
		ReplayCapacity:     10000,
		BatchSize:          32,
		TargetSyncInterval: 100,
		HiddenSize:         32,
		Seed:               1,
	}
}

// Validate 校验超参数
func (c Config) Validate() error {
	switch {
	case !(c.LearningRate > 0) || math.IsInf(c.LearningRate, 0):
		return fmt.Errorf("%w: learning_rate must be > 0", ErrInvalidConfig)
	case !(c.DiscountFactor > 0 && c.DiscountFactor < 1):
		return fmt.Errorf("%w: discount_factor must be in (0,1)", ErrInvalidConfig)
	case !(c.EpsilonStart >= 0 && c.EpsilonStart <= 1):
		return fmt.Errorf("%w: epsilon_start must be in [0,1]", ErrInvalidConfig)
	case !(c.EpsilonEnd >= 0 && c.EpsilonEnd <= c.EpsilonStart):
		return fmt.Errorf("%w: epsilon_end must be in [0,epsilon_start]", ErrInvalidConfig)
	case !(c.EpsilonDecay > 0 && c.EpsilonDecay <= 1):
		return fmt.Errorf("%w: epsilon_decay must be in (0,1]", ErrInvalidConfig)
	case c.ReplayCapacity <= 0:
		return fmt.Errorf("%w: replay_capacity must be > 0", ErrInvalidConfig)
	case c.BatchSize <= 0:
		return fmt.Errorf("%w: batch_size must be > 0", ErrInvalidConfig)
	case c.BatchSize > c.ReplayCapacity:
		return fmt.Errorf("%w: batch_size %d exceeds replay_capacity %d", ErrInvalidConfig, c.BatchSize, c.ReplayCapacity)
	case c.TargetSyncInterval <= 0:
		return fmt.Errorf("%w: target_sync_interval must be > 0", ErrInvalidConfig)
	case c.HiddenSize <= 0:
		return fmt.Errorf("%w: hidden_size must be > 0", ErrInvalidConfig)
	}
	return nil
}

// TrainStats 单次训练结果
type TrainStats struct {
	Trained      bool    // 样本不足时为false
	Loss         float64 // 批均方误差
	Epsilon      float64 // 训练后的探索率
	Step         int     // 累计学习步数
	TargetSynced bool    // 本步是否同步了目标网络
}

// Learner 值函数学习器：在线网络、冻结的目标网络与探索率
// 可在多个活动间共享；所有参数更新串行化
type Learner struct {
	mu sync.Mutex

	config     Config
	stateDim   int
	numActions int

	online *Params
	target *Params

	epsilon float64
	steps   int
}

// NewLearner 创建学习器
func NewLearner(config Config, stateDim, numActions int) (*Learner, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if stateDim <= 0 {
		return nil, fmt.Errorf("%w: state dimension must be > 0, got %d", ErrStateSizeMismatch, stateDim)
	}
	if numActions <= 0 {
		return nil, fmt.Errorf("%w: action count must be > 0", ErrInvalidConfig)
	}

	rng := rand.New(rand.NewSource(config.Seed))
	online := newParams(stateDim, config.HiddenSize, numActions, rng)
	return &Learner{
		config:     config,
		stateDim:   stateDim,
		numActions: numActions,
		online:     online,
		target:     online.Clone(),
		epsilon:    config.EpsilonStart,
	}, nil
}

// Config 返回超参数
func (l *Learner) Config() Config {
	return l.config
}

// StateDim 输入维度
func (l *Learner) StateDim() int {
	return l.stateDim
}

// NumActions 动作数
func (l *Learner) NumActions() int {
	return l.numActions
}

// Epsilon 当前探索率
func (l *Learner) Epsilon() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.epsilon
}

// Steps 累计学习步数
func (l *Learner) Steps() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.steps
}

// ResetEpsilon 把探索率恢复为初始值
func (l *Learner) ResetEpsilon() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.epsilon = l.config.EpsilonStart
}

// QValues 在线网络的Q值
func (l *Learner) QValues(state []float64) ([]float64, error) {
	if err := l.checkState(state); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.online.Q(state), nil
}

// TargetQValues 目标网络的Q值
func (l *Learner) TargetQValues(state []float64) ([]float64, error) {
	if err := l.checkState(state); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.target.Q(state), nil
}

// Greedy 返回在线网络Q值最大的动作下标
func (l *Learner) Greedy(state []float64) (int, error) {
	q, err := l.QValues(state)
	if err != nil {
		return 0, err
	}
	return argmax(q), nil
}

// SyncTarget 用在线网络参数覆盖目标网络
func (l *Learner) SyncTarget() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.target = l.online.Clone()
}

// Train 用一个批次做一次梯度步
// 目标值：终止转移为 r；否则为 r + γ·max_a' Q_target(s', a')
func (l *Learner) Train(batch []Transition) (TrainStats, error) {
	if len(batch) == 0 {
		return TrainStats{Epsilon: l.Epsilon(), Step: l.Steps()}, nil
	}
	for _, t := range batch {
		if err := l.checkTransition(t); err != nil {
			return TrainStats{}, err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	g := newGradients(l.online)
	loss := 0.0
	for _, t := range batch {
		y := t.Reward
		if !t.Terminal {
			y += l.config.DiscountFactor * maxOf(l.target.Q(t.NextState))
		}
		delta := g.accumulate(l.online, t.State, t.Action, y)
		loss += delta * delta
	}
	g.apply(l.online, l.config.LearningRate)
	l.steps++

	stats := TrainStats{Trained: true, Loss: loss / float64(len(batch)), Step: l.steps}
	if l.steps%l.config.TargetSyncInterval == 0 {
		l.target = l.online.Clone()
		stats.TargetSynced = true
	}

	l.epsilon = math.Max(l.config.EpsilonEnd, l.epsilon*l.config.EpsilonDecay)
	stats.Epsilon = l.epsilon
	return stats, nil
}

func (l *Learner) checkState(state []float64) error {
	if len(state) != l.stateDim {
		return fmt.Errorf("%w: got %d features, want %d", ErrStateSizeMismatch, len(state), l.stateDim)
	}
	return nil
}

func (l *Learner) checkTransition(t Transition) error {
	if err := l.checkState(t.State); err != nil {
		return err
	}
	if !t.Terminal || t.NextState != nil {
		if err := l.checkState(t.NextState); err != nil {
			return err
		}
	}
	if t.Action < 0 || t.Action >= l.numActions {
		return fmt.Errorf("%w: action %d out of range [0,%d)", ErrInvalidAction, t.Action, l.numActions)
	}
	return nil
}

// Trainer 单个活动的训练会话：独占的回放缓冲区加共享的学习器
type Trainer struct {
	learner *Learner
	replay  *ReplayBuffer
	rng     *rand.Rand
}

// NewTrainer 创建训练会话
func NewTrainer(learner *Learner, seed int64) *Trainer {
	return &Trainer{
		learner: learner,
		replay:  NewReplayBuffer(learner.config.ReplayCapacity),
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Learner 返回共享的学习器
func (t *Trainer) Learner() *Learner {
	return t.learner
}

// Replay 返回回放缓冲区
func (t *Trainer) Replay() *ReplayBuffer {
	return t.replay
}

// Remember 存入一次转移
func (t *Trainer) Remember(tr Transition) error {
	if err := t.learner.checkTransition(tr); err != nil {
		return err
	}
	t.replay.Remember(tr)
	return nil
}

// Train 样本足够时采样一个批次训练，否则不做任何事
func (t *Trainer) Train() (TrainStats, error) {
	if t.replay.Len() < t.learner.config.BatchSize {
		return TrainStats{Epsilon: t.learner.Epsilon(), Step: t.learner.Steps()}, nil
	}
	return t.learner.Train(t.replay.Sample(t.rng, t.learner.config.BatchSize))
}
