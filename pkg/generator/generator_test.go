package generator

import (
	"math"
	"testing"

	"chaosfuzz/pkg/fuzzer"
	"chaosfuzz/pkg/mutation"
	"chaosfuzz/pkg/mutation/operators"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGenerator(seed int64) *Generator {
	cfg := DefaultConfig()
	cfg.Seed = seed
	template := fuzzer.FuzzInput{
		Selector: 2,
		Accounts: []fuzzer.AccountMeta{{Pubkey: fuzzer.Pubkey{1}, IsSigner: true}},
	}
	return New(cfg, operators.DefaultCatalog(), template)
}

// TestGenerateDeterministic 测试相同种子产生相同输出
func TestGenerateDeterministic(t *testing.T) {
	seed := []byte{0x10, 0x27, 0, 0, 0, 0, 0, 0}

	a := newTestGenerator(99).Generate(seed, 32)
	b := newTestGenerator(99).Generate(seed, 32)
	require.Len(t, a, 32)
	assert.Equal(t, a, b)

	c := newTestGenerator(100).Generate(seed, 32)
	assert.NotEqual(t, a, c, "different pseudo-random seed should change output")
}

// TestGenerateSorted 测试输出按兴趣分非递增排序
func TestGenerateSorted(t *testing.T) {
	g := newTestGenerator(7)

	for _, n := range []int{1, 5, 50} {
		inputs := g.Generate([]byte("seed"), n)
		require.Len(t, inputs, n)
		for i := 1; i < len(inputs); i++ {
			assert.GreaterOrEqual(t, inputs[i-1].Interestingness, inputs[i].Interestingness)
		}
		for _, in := range inputs {
			assert.True(t, in.Valid())
			assert.Equal(t, uint8(2), in.Selector, "selector comes from template")
			assert.Len(t, in.Accounts, 1)
		}
	}

	assert.Empty(t, g.Generate(nil, 0))
}

// TestGenerateEmptySeed 测试空种子材料
func TestGenerateEmptySeed(t *testing.T) {
	inputs := newTestGenerator(3).Generate(nil, 20)
	require.Len(t, inputs, 20)
	for _, in := range inputs {
		assert.NotNil(t, in.Payload)
	}
}

// TestScore 测试边界值优先于随机中间值
func TestScore(t *testing.T) {
	le := func(v *uint256.Int, width int) []byte { return operators.EncodeLE(v, width) }
	two64 := new(uint256.Int).Lsh(uint256.NewInt(1), 64)

	midRange := []byte{0x37, 0x91, 0xA4, 0x5C, 0x12, 0xEE, 0x63, 0x08}

	edgeCases := map[string][]byte{
		"zero":      make([]byte, 8),
		"all-max":   {0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF},
		"one":       le(uint256.NewInt(1), 8),
		"u64-max":   le(uint256.NewInt(math.MaxUint64), 16),
		"two-pow64": le(two64, 16),
	}

	base := Score(midRange)
	assert.InDelta(t, baseScore, base, 1e-9)

	for name, payload := range edgeCases {
		s := Score(payload)
		assert.Greater(t, s, base, name)
		assert.LessOrEqual(t, s, 1.0, name)
	}

	assert.Equal(t, 1.0, Score(make([]byte, 3)))
	assert.InDelta(t, emptyScore, Score(nil), 1e-9)
}

// TestMutate 测试目录变异
func TestMutate(t *testing.T) {
	g := newTestGenerator(11)
	parent := g.Generate([]byte{1, 2, 3, 4}, 1)[0]

	child, name := g.Mutate(parent)
	_, known := operators.DefaultCatalog().Lookup(name)
	assert.True(t, known, "operator %s", name)
	assert.Equal(t, parent.ID(), child.Parent)
	assert.Equal(t, name, child.Lineage[len(child.Lineage)-1])
	assert.InDelta(t, Score(child.Payload), child.Interestingness, 1e-9)

	t.Run("Targeted", func(t *testing.T) {
		weights := map[mutation.Category]float64{mutation.CategoryPDASeeds: 1}
		for i := 0; i < 20; i++ {
			_, name := g.MutateTargeted(parent, weights)
			op, ok := operators.DefaultCatalog().Lookup(name)
			require.True(t, ok)
			assert.Equal(t, mutation.CategoryPDASeeds, op.Category)
		}
	})

	t.Run("NoCatalog", func(t *testing.T) {
		bare := New(DefaultConfig(), nil, fuzzer.FuzzInput{})
		child, name := bare.Mutate(fuzzer.FuzzInput{Payload: []byte{}})
		assert.Equal(t, "byte-flip", name)
		assert.Len(t, child.Payload, 1)
	})
}

// TestCrossover 测试交叉
func TestCrossover(t *testing.T) {
	g := newTestGenerator(5)
	a := fuzzer.FuzzInput{Payload: []byte{1, 1, 1, 1}, Accounts: []fuzzer.AccountMeta{{Pubkey: fuzzer.Pubkey{1}}}}
	b := fuzzer.FuzzInput{Payload: []byte{2, 2, 2, 2}, Seeds: [][]byte{[]byte("b")}}

	for i := 0; i < 20; i++ {
		child := g.Crossover(a, b)
		assert.LessOrEqual(t, len(child.Payload), 8)
		assert.Equal(t, a.Accounts, child.Accounts)
		assert.Equal(t, b.Seeds, child.Seeds)
		assert.Equal(t, a.ID(), child.Parent)
		assert.Equal(t, []string{"crossover"}, child.Lineage)
		assert.True(t, child.Valid())
	}

	// 空父输入
	child := g.Crossover(fuzzer.FuzzInput{}, fuzzer.FuzzInput{})
	assert.NotNil(t, child.Payload)
}
