// Package generator 生成带兴趣评分的候选输入
package generator

import (
	"math/rand"
	"sort"

	"chaosfuzz/pkg/fuzzer"
	"chaosfuzz/pkg/mutation"
	"chaosfuzz/pkg/mutation/operators"

	"github.com/ethereum/go-ethereum/common"
)

// Config 生成器配置
type Config struct {
	Seed       int64   `yaml:"seed" json:"seed"`               // 伪随机种子
	MaxPayload int     `yaml:"max_payload" json:"max_payload"` // 随机payload最大长度
	Weights    Weights `yaml:"weights" json:"weights"`
}

// Weights 候选来源权重
type Weights struct {
	SeedBased float64 `yaml:"seed_based" json:"seed_based"` // 0.6 - 围绕种子材料变异
	Boundary  float64 `yaml:"boundary" json:"boundary"`     // 0.3 - 边界值构造
	Random    float64 `yaml:"random" json:"random"`         // 0.1 - 随机探索
}

// DefaultConfig 默认生成器配置
func DefaultConfig() Config {
	return Config{
		Seed:       1,
		MaxPayload: 64,
		Weights: Weights{
			SeedBased: 0.6,
			Boundary:  0.3,
			Random:    0.1,
		},
	}
}

// Generator 候选输入生成器
// 持有自己的随机源，不可并发使用；相同配置与相同调用序列产生相同输出
type Generator struct {
	config   Config
	catalog  *mutation.Catalog
	template fuzzer.FuzzInput
	rng      *rand.Rand
}

// New 创建生成器
// template 提供默认的选择器、账户与种子；catalog 为空时只做字节级变异
func New(config Config, catalog *mutation.Catalog, template fuzzer.FuzzInput) *Generator {
	if config.MaxPayload <= 0 {
		config.MaxPayload = DefaultConfig().MaxPayload
	}
	w := config.Weights
	if w.SeedBased <= 0 && w.Boundary <= 0 && w.Random <= 0 {
		config.Weights = DefaultConfig().Weights
	}
	return &Generator{
		config:   config,
		catalog:  catalog,
		template: template.Clone(),
		rng:      rand.New(rand.NewSource(config.Seed)),
	}
}

// Rand 返回生成器的随机源（供同一活动内的其他随机决策共享，保证可复现）
func (g *Generator) Rand() *rand.Rand {
	return g.rng
}

// Template 返回模板输入副本
func (g *Generator) Template() fuzzer.FuzzInput {
	return g.template.Clone()
}

// Generate 基于种子材料生成count个候选输入，按兴趣分非递增排序
func (g *Generator) Generate(seed []byte, count int) []fuzzer.FuzzInput {
	if count <= 0 {
		return []fuzzer.FuzzInput{}
	}

	inputs := make([]fuzzer.FuzzInput, 0, count)
	for i := 0; i < count; i++ {
		var payload []byte
		switch g.chooseSource() {
		case sourceSeed:
			payload = g.seedBased(seed)
		case sourceBoundary:
			payload = g.boundary(len(seed))
		default:
			payload = g.random()
		}

		in := g.template.Clone()
		in.Payload = payload
		in.Parent = common.Hash{}
		in.Lineage = []string{"generate"}
		in.Interestingness = Score(payload)
		inputs = append(inputs, in)
	}

	// 稳定排序：同分保持生成顺序，保证确定性
	sort.SliceStable(inputs, func(i, j int) bool {
		return inputs[i].Interestingness > inputs[j].Interestingness
	})
	return inputs
}

// Mutate 从目录随机选一个算子应用到输入，返回子输入与所用算子名
func (g *Generator) Mutate(in fuzzer.FuzzInput) (fuzzer.FuzzInput, string) {
	if g.catalog != nil {
		if op, ok := g.catalog.PickRandom(g.rng); ok {
			return g.apply(op, in), op.Name
		}
	}
	return g.fallbackMutate(in), "byte-flip"
}

// MutateTargeted 按领域权重选算子（定向利用某类漏洞）
func (g *Generator) MutateTargeted(in fuzzer.FuzzInput, weights map[mutation.Category]float64) (fuzzer.FuzzInput, string) {
	if g.catalog != nil && len(weights) > 0 {
		if op, ok := g.catalog.PickWeighted(g.rng, weights); ok {
			return g.apply(op, in), op.Name
		}
	}
	return g.Mutate(in)
}

// Crossover 拼接两个父输入：a的payload前缀接b的payload后缀，账户取自a，种子取自b
func (g *Generator) Crossover(a, b fuzzer.FuzzInput) fuzzer.FuzzInput {
	cutA := g.rng.Intn(len(a.Payload) + 1)
	cutB := g.rng.Intn(len(b.Payload) + 1)

	child := a.Derive("crossover")
	child.Payload = make([]byte, 0, cutA+len(b.Payload)-cutB)
	child.Payload = append(child.Payload, a.Payload[:cutA]...)
	child.Payload = append(child.Payload, b.Payload[cutB:]...)
	if len(b.Seeds) > 0 {
		child.Seeds = b.Clone().Seeds
	}
	child.Interestingness = Score(child.Payload)
	return child
}

func (g *Generator) apply(op mutation.Operator, in fuzzer.FuzzInput) fuzzer.FuzzInput {
	child := op.Apply(in, g.rng)
	child.Interestingness = Score(child.Payload)
	return child
}

// fallbackMutate 无目录时的字节级变异
func (g *Generator) fallbackMutate(in fuzzer.FuzzInput) fuzzer.FuzzInput {
	child := in.Derive("byte-flip")
	if len(child.Payload) == 0 {
		child.Payload = []byte{byte(g.rng.Intn(256))}
	} else {
		child.Payload[g.rng.Intn(len(child.Payload))] ^= byte(1 << uint(g.rng.Intn(8)))
	}
	child.Interestingness = Score(child.Payload)
	return child
}

type source int

const (
	sourceSeed source = iota
	sourceBoundary
	sourceRandom
)

func (g *Generator) chooseSource() source {
	w := g.config.Weights
	total := w.SeedBased + w.Boundary + w.Random
	r := g.rng.Float64() * total
	switch {
	case r < w.SeedBased:
		return sourceSeed
	case r < w.SeedBased+w.Boundary:
		return sourceBoundary
	default:
		return sourceRandom
	}
}

// seedBased 在种子材料上做1-3次变异；种子为空时退化为边界构造
func (g *Generator) seedBased(seed []byte) []byte {
	if len(seed) == 0 {
		return g.boundary(0)
	}
	in := fuzzer.FuzzInput{Payload: append([]byte{}, seed...)}
	rounds := 1 + g.rng.Intn(3)
	for r := 0; r < rounds; r++ {
		if g.catalog != nil {
			if op, ok := g.catalog.PickFrom(g.rng, mutation.CategoryPayload); ok {
				in = op.Apply(in, g.rng)
				continue
			}
		}
		in = g.fallbackMutate(in)
	}
	return in.Payload
}

// boundary 由边界值拼接出payload，长度向上取整到8字节
func (g *Generator) boundary(hint int) []byte {
	words := (hint + 7) / 8
	if words == 0 {
		words = 1 + g.rng.Intn(2)
	}

	switch g.rng.Intn(4) {
	case 0:
		return make([]byte, words*8)
	case 1:
		out := make([]byte, words*8)
		for i := range out {
			out[i] = 0xFF
		}
		return out
	case 2:
		// 一个u128边界值加上填充
		out := append([]byte{}, randomBoundary(g.rng, 16)...)
		for len(out) < words*8 {
			out = append(out, randomBoundary(g.rng, 8)...)
		}
		return out
	default:
		out := make([]byte, 0, words*8)
		for i := 0; i < words; i++ {
			out = append(out, randomBoundary(g.rng, 8)...)
		}
		return out
	}
}

func (g *Generator) random() []byte {
	n := 1 + g.rng.Intn(g.config.MaxPayload)
	out := make([]byte, n)
	g.rng.Read(out)
	return out
}

func randomBoundary(rng *rand.Rand, width int) []byte {
	candidates := operators.Boundaries(width)
	return candidates[rng.Intn(len(candidates))]
}
