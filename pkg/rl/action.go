// Package rl 实现策略选择与学习：ε-greedy 策略、带目标网络的值函数逼近、回放缓冲区与奖励计算
package rl

import (
	"errors"
	"fmt"

	"chaosfuzz/pkg/fuzzer"
)

// 错误定义
var (
	// ErrInvalidAction 非法动作（如对不可利用分类构造EXPLOIT）
	ErrInvalidAction = errors.New("invalid action")
	// ErrStateSizeMismatch 特征向量长度与网络输入维度不一致
	ErrStateSizeMismatch = errors.New("state size mismatch")
	// ErrInvalidConfig 超参数非法
	ErrInvalidConfig = errors.New("invalid learner config")
	// ErrPersistence 参数保存或加载失败
	ErrPersistence = errors.New("policy persistence failed")
)

// ActionKind 动作类型
type ActionKind int

const (
	KindMutate    ActionKind = iota // 对语料中的输入做单次变异
	KindCrossover                   // 拼接两个语料输入
	KindReset                       // 丢弃当前父输入，重新生成
	KindExploit                     // 定向变异某一类漏洞
)

// String 返回动作类型名称
func (k ActionKind) String() string {
	switch k {
	case KindMutate:
		return "mutate"
	case KindCrossover:
		return "crossover"
	case KindReset:
		return "reset"
	case KindExploit:
		return "exploit"
	default:
		return "unknown"
	}
}

// Action 动作；只有 KindExploit 携带分类参数
type Action struct {
	Kind     ActionKind
	Category fuzzer.Category
}

// 无参动作
var (
	Mutate    = Action{Kind: KindMutate}
	Crossover = Action{Kind: KindCrossover}
	Reset     = Action{Kind: KindReset}
)

// Exploit 构造针对某分类的EXPLOIT动作
func Exploit(category fuzzer.Category) (Action, error) {
	if !category.Exploitable() {
		return Action{}, fmt.Errorf("%w: category %q is not exploitable", ErrInvalidAction, category)
	}
	return Action{Kind: KindExploit, Category: category}, nil
}

// String 返回动作的字符串表示
func (a Action) String() string {
	if a.Kind == KindExploit {
		return fmt.Sprintf("exploit(%s)", a.Category)
	}
	return a.Kind.String()
}

// ActionSpace 固定的动作枚举
// 编码：0=MUTATE 1=CROSSOVER 2=RESET，3起依次为每个可利用分类的EXPLOIT（分类体系顺序）
type ActionSpace struct {
	actions []Action
	index   map[Action]int
}

// NewActionSpace 创建动作空间
func NewActionSpace() *ActionSpace {
	actions := []Action{Mutate, Crossover, Reset}
	for _, c := range fuzzer.ExploitableCategories() {
		actions = append(actions, Action{Kind: KindExploit, Category: c})
	}
	index := make(map[Action]int, len(actions))
	for i, a := range actions {
		index[a] = i
	}
	return &ActionSpace{actions: actions, index: index}
}

// Size 动作数量
func (s *ActionSpace) Size() int {
	return len(s.actions)
}

// At 下标 → 动作
func (s *ActionSpace) At(i int) (Action, error) {
	if i < 0 || i >= len(s.actions) {
		return Action{}, fmt.Errorf("%w: index %d out of range [0,%d)", ErrInvalidAction, i, len(s.actions))
	}
	return s.actions[i], nil
}

// Index 动作 → 下标
func (s *ActionSpace) Index(a Action) (int, error) {
	i, ok := s.index[a]
	if !ok {
		return 0, fmt.Errorf("%w: %s not in action space", ErrInvalidAction, a)
	}
	return i, nil
}

// Actions 全部动作（副本）
func (s *ActionSpace) Actions() []Action {
	return append([]Action(nil), s.actions...)
}

// Kind 下标对应的动作类型，越界返回-1
func (s *ActionSpace) Kind(i int) ActionKind {
	if i < 0 || i >= len(s.actions) {
		return -1
	}
	return s.actions[i].Kind
}
