// Package mutation 提供变异算子目录：按目标领域分组的纯输入变换
package mutation

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"chaosfuzz/pkg/fuzzer"
)

// Category 算子作用的目标领域
type Category string

const (
	CategoryAccountFlags Category = "account-flags" // 账户元数据标记
	CategoryPayload      Category = "payload"       // 指令数据字节
	CategoryPDASeeds     Category = "pda-seeds"     // PDA种子
	CategoryAuthority    Category = "authority"     // 权限字段
	CategoryOrdering     Category = "ordering"      // 跨调用顺序
)

// VariableLength 表示算子的长度变化依赖输入
const VariableLength = int(^uint(0) >> 1)

// ErrInvalidOperator 算子定义不完整
var ErrInvalidOperator = errors.New("invalid mutation operator")

// TransformFunc 纯变换：只读取输入与随机源，返回新值，不得修改入参的切片
// 内置算子在入口处复制输入；Apply 另外再复制一次以容纳外部算子
// 必须接受空输入并返回结构合法（可能为空）的输出
type TransformFunc func(in fuzzer.FuzzInput, rng *rand.Rand) fuzzer.FuzzInput

// Operator 变异算子（静态目录数据）
type Operator struct {
	Name        string
	Description string
	Category    Category
	Probability float64 // 被随机选中的相对权重
	LengthDelta int     // payload长度变化；VariableLength表示不固定
	Priority    int     // 目录排序用，高优先级在前
	Transform   TransformFunc
}

// Apply 对输入应用算子，返回带谱系的新输入
func (op Operator) Apply(in fuzzer.FuzzInput, rng *rand.Rand) fuzzer.FuzzInput {
	child := op.Transform(in.Clone(), rng)
	if child.Payload == nil {
		child.Payload = []byte{}
	}
	child.Parent = in.ID()
	child.Lineage = append(append([]string(nil), in.Lineage...), op.Name)
	return child
}

// History 算子使用历史
type History struct {
	TotalAttempts int     `json:"total_attempts"` // 总尝试次数
	SuccessCount  int     `json:"success_count"`  // 产生新路径或新发现的次数
	AvgReward     float64 `json:"avg_reward"`     // 平均奖励
	BestReward    float64 `json:"best_reward"`    // 最佳奖励
}

// Catalog 变异算子目录
// 算子集合注册后只读；使用历史独立维护
type Catalog struct {
	mu sync.RWMutex

	// operators 已注册算子（按优先级从高到低）
	operators []Operator
	byName    map[string]int

	// history 使用历史：算子名 → 历史记录
	history map[string]*History
}

// NewCatalog 创建目录并注册给定算子
func NewCatalog(ops ...Operator) (*Catalog, error) {
	c := &Catalog{
		byName:  make(map[string]int),
		history: make(map[string]*History),
	}
	for _, op := range ops {
		if err := c.Register(op); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Clone 复制已注册的算子，使用历史从空开始
func (c *Catalog) Clone() *Catalog {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := &Catalog{
		operators: append([]Operator(nil), c.operators...),
		byName:    make(map[string]int, len(c.byName)),
		history:   make(map[string]*History),
	}
	for name, i := range c.byName {
		out.byName[name] = i
	}
	return out
}

// Register 注册算子
func (c *Catalog) Register(op Operator) error {
	if op.Name == "" || op.Transform == nil {
		return fmt.Errorf("%w: name and transform are required", ErrInvalidOperator)
	}
	if op.Probability < 0 {
		return fmt.Errorf("%w: %s has negative probability", ErrInvalidOperator, op.Name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.byName[op.Name]; exists {
		return fmt.Errorf("%w: duplicate operator %s", ErrInvalidOperator, op.Name)
	}
	c.operators = append(c.operators, op)

	// 按优先级排序（从高到低），同优先级保持注册顺序
	sort.SliceStable(c.operators, func(i, j int) bool {
		return c.operators[i].Priority > c.operators[j].Priority
	})
	for i, o := range c.operators {
		c.byName[o.Name] = i
	}
	return nil
}

// Operators 返回全部算子（副本）
func (c *Catalog) Operators() []Operator {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]Operator, len(c.operators))
	copy(result, c.operators)
	return result
}

// Len 算子数量
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.operators)
}

// Lookup 按名称查找算子
func (c *Catalog) Lookup(name string) (Operator, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	idx, ok := c.byName[name]
	if !ok {
		return Operator{}, false
	}
	return c.operators[idx], true
}

// ByCategory 返回指定领域的算子子集
func (c *Catalog) ByCategory(category Category) []Operator {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var result []Operator
	for _, op := range c.operators {
		if op.Category == category {
			result = append(result, op)
		}
	}
	return result
}

// PickRandom 按算子权重随机选一个；权重全为0时均匀选择
func (c *Catalog) PickRandom(rng *rand.Rand) (Operator, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return pick(c.operators, rng,
		func(Operator) bool { return true },
		func(op Operator) float64 { return op.Probability })
}

// PickWeighted 先按领域权重加权，再按算子权重选择
// 未出现在weights中的领域不参与选择
func (c *Catalog) PickWeighted(rng *rand.Rand, weights map[Category]float64) (Operator, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return pick(c.operators, rng,
		func(op Operator) bool { return weights[op.Category] > 0 },
		func(op Operator) float64 { return weights[op.Category] * op.Probability })
}

// PickFrom 在给定领域内按算子权重选择
func (c *Catalog) PickFrom(rng *rand.Rand, categories ...Category) (Operator, bool) {
	weights := make(map[Category]float64, len(categories))
	for _, cat := range categories {
		weights[cat] = 1
	}
	return c.PickWeighted(rng, weights)
}

func pick(ops []Operator, rng *rand.Rand, eligible func(Operator) bool, weight func(Operator) float64) (Operator, bool) {
	var candidates []Operator
	total := 0.0
	for _, op := range ops {
		if eligible(op) {
			candidates = append(candidates, op)
			total += weight(op)
		}
	}
	if len(candidates) == 0 {
		return Operator{}, false
	}
	if total <= 0 {
		// 候选权重全为0：退化为均匀选择
		return candidates[rng.Intn(len(candidates))], true
	}

	r := rng.Float64() * total
	for _, op := range candidates {
		w := weight(op)
		if w <= 0 {
			continue
		}
		if r < w {
			return op, true
		}
		r -= w
	}
	// 浮点误差兜底：返回最后一个正权重候选
	for i := len(candidates) - 1; i >= 0; i-- {
		if weight(candidates[i]) > 0 {
			return candidates[i], true
		}
	}
	return candidates[len(candidates)-1], true
}

// UpdateHistory 更新算子使用历史
func (c *Catalog) UpdateHistory(name string, reward float64, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	history, exists := c.history[name]
	if !exists {
		history = &History{}
		c.history[name] = history
	}

	history.TotalAttempts++
	if success {
		history.SuccessCount++
	}

	// 累积平均
	history.AvgReward += (reward - history.AvgReward) / float64(history.TotalAttempts)

	if history.TotalAttempts == 1 || reward > history.BestReward {
		history.BestReward = reward
	}
}

// History 获取算子使用历史
func (c *Catalog) History(name string) *History {
	c.mu.RLock()
	defer c.mu.RUnlock()

	history, exists := c.history[name]
	if !exists {
		return nil
	}

	// 返回副本
	cp := *history
	return &cp
}

// HitRate 全部算子的聚合命中率（成功次数/尝试次数）
func (c *Catalog) HitRate() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	attempts, hits := 0, 0
	for _, h := range c.history {
		attempts += h.TotalAttempts
		hits += h.SuccessCount
	}
	if attempts == 0 {
		return 0
	}
	return float64(hits) / float64(attempts)
}

// Summary 全部算子使用历史的副本
func (c *Catalog) Summary() map[string]History {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]History, len(c.history))
	for name, h := range c.history {
		out[name] = *h
	}
	return out
}

// ResetHistory 清空使用历史（新活动开始时调用）
func (c *Catalog) ResetHistory() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = make(map[string]*History)
}
