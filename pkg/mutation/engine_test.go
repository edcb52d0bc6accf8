package mutation

import (
	"math/rand"
	"testing"

	"chaosfuzz/pkg/fuzzer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func identity(in fuzzer.FuzzInput, _ *rand.Rand) fuzzer.FuzzInput { return in }

func appendByte(in fuzzer.FuzzInput, _ *rand.Rand) fuzzer.FuzzInput {
	in.Payload = append(in.Payload, 0xAA)
	return in
}

func testOp(name string, cat Category, prob float64, priority int) Operator {
	return Operator{Name: name, Category: cat, Probability: prob, Priority: priority, Transform: identity}
}

// TestNewCatalog 测试目录创建
func TestNewCatalog(t *testing.T) {
	catalog, err := NewCatalog()
	require.NoError(t, err)
	assert.Equal(t, 0, catalog.Len())

	_, ok := catalog.PickRandom(rand.New(rand.NewSource(1)))
	assert.False(t, ok, "empty catalog has nothing to pick")
}

// TestRegisterSortsByPriority 测试按优先级排序
func TestRegisterSortsByPriority(t *testing.T) {
	catalog, err := NewCatalog(
		testOp("low", CategoryPayload, 1, 10),
		testOp("high", CategoryPayload, 1, 100),
		testOp("mid-a", CategoryAuthority, 1, 50),
		testOp("mid-b", CategoryAuthority, 1, 50),
	)
	require.NoError(t, err)

	ops := catalog.Operators()
	require.Len(t, ops, 4)
	assert.Equal(t, "high", ops[0].Name)
	assert.Equal(t, "mid-a", ops[1].Name, "equal priorities keep registration order")
	assert.Equal(t, "mid-b", ops[2].Name)
	assert.Equal(t, "low", ops[3].Name)

	op, ok := catalog.Lookup("mid-b")
	require.True(t, ok)
	assert.Equal(t, CategoryAuthority, op.Category)
}

// TestRegisterRejectsInvalid 测试非法算子
func TestRegisterRejectsInvalid(t *testing.T) {
	catalog, err := NewCatalog(testOp("a", CategoryPayload, 1, 0))
	require.NoError(t, err)

	t.Run("Duplicate", func(t *testing.T) {
		err := catalog.Register(testOp("a", CategoryPayload, 1, 0))
		assert.ErrorIs(t, err, ErrInvalidOperator)
	})

	t.Run("NoTransform", func(t *testing.T) {
		err := catalog.Register(Operator{Name: "b"})
		assert.ErrorIs(t, err, ErrInvalidOperator)
	})

	t.Run("NegativeProbability", func(t *testing.T) {
		err := catalog.Register(testOp("c", CategoryPayload, -1, 0))
		assert.ErrorIs(t, err, ErrInvalidOperator)
	})

	assert.Equal(t, 1, catalog.Len())
}

// TestByCategory 测试领域子集
func TestByCategory(t *testing.T) {
	catalog, err := NewCatalog(
		testOp("p1", CategoryPayload, 1, 0),
		testOp("s1", CategoryPDASeeds, 1, 0),
		testOp("p2", CategoryPayload, 1, 0),
	)
	require.NoError(t, err)

	payload := catalog.ByCategory(CategoryPayload)
	require.Len(t, payload, 2)
	for _, op := range payload {
		assert.Equal(t, CategoryPayload, op.Category)
	}
	assert.Empty(t, catalog.ByCategory(CategoryOrdering))
}

// TestPickRandom 测试加权选择
func TestPickRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	t.Run("ZeroWeightNeverPicked", func(t *testing.T) {
		catalog, err := NewCatalog(
			testOp("never", CategoryPayload, 0, 0),
			testOp("always", CategoryPayload, 1, 0),
		)
		require.NoError(t, err)
		for i := 0; i < 200; i++ {
			op, ok := catalog.PickRandom(rng)
			require.True(t, ok)
			assert.Equal(t, "always", op.Name)
		}
	})

	t.Run("AllZeroFallsBackToUniform", func(t *testing.T) {
		catalog, err := NewCatalog(
			testOp("a", CategoryPayload, 0, 0),
			testOp("b", CategoryPayload, 0, 0),
		)
		require.NoError(t, err)
		seen := map[string]int{}
		for i := 0; i < 200; i++ {
			op, ok := catalog.PickRandom(rng)
			require.True(t, ok)
			seen[op.Name]++
		}
		assert.Greater(t, seen["a"], 0)
		assert.Greater(t, seen["b"], 0)
	})

	t.Run("PickFromRestrictsCategory", func(t *testing.T) {
		catalog, err := NewCatalog(
			testOp("payload", CategoryPayload, 1, 0),
			testOp("seeds", CategoryPDASeeds, 1, 0),
		)
		require.NoError(t, err)
		for i := 0; i < 100; i++ {
			op, ok := catalog.PickFrom(rng, CategoryPDASeeds)
			require.True(t, ok)
			assert.Equal(t, "seeds", op.Name)
		}

		_, ok := catalog.PickFrom(rng, CategoryOrdering)
		assert.False(t, ok, "no operator in category")
	})
}

// TestApply 测试谱系记录
func TestApply(t *testing.T) {
	op := Operator{Name: "append", Category: CategoryPayload, Probability: 1, LengthDelta: 1, Transform: appendByte}
	parent := fuzzer.FuzzInput{Selector: 1, Payload: []byte{1, 2}}

	child := op.Apply(parent, rand.New(rand.NewSource(1)))

	assert.Equal(t, []byte{1, 2}, parent.Payload, "parent must not be modified")
	assert.Equal(t, []byte{1, 2, 0xAA}, child.Payload)
	assert.Equal(t, parent.ID(), child.Parent)
	assert.Equal(t, []string{"append"}, child.Lineage)
	assert.Empty(t, parent.Lineage)

	t.Run("NilPayloadNormalized", func(t *testing.T) {
		nilOp := Operator{Name: "nil", Transform: func(in fuzzer.FuzzInput, _ *rand.Rand) fuzzer.FuzzInput {
			in.Payload = nil
			return in
		}}
		out := nilOp.Apply(fuzzer.FuzzInput{}, rand.New(rand.NewSource(1)))
		assert.NotNil(t, out.Payload)
		assert.True(t, out.Valid())
	})
}

// TestHistory 测试使用历史
func TestHistory(t *testing.T) {
	catalog, err := NewCatalog(testOp("a", CategoryPayload, 1, 0))
	require.NoError(t, err)

	assert.Nil(t, catalog.History("a"))
	assert.Equal(t, 0.0, catalog.HitRate())

	catalog.UpdateHistory("a", 0.8, true)
	catalog.UpdateHistory("a", 0.2, false)

	h := catalog.History("a")
	require.NotNil(t, h)
	assert.Equal(t, 2, h.TotalAttempts)
	assert.Equal(t, 1, h.SuccessCount)
	assert.InDelta(t, 0.5, h.AvgReward, 1e-9)
	assert.InDelta(t, 0.8, h.BestReward, 1e-9)
	assert.InDelta(t, 0.5, catalog.HitRate(), 1e-9)

	// 返回的是副本
	h.TotalAttempts = 100
	assert.Equal(t, 2, catalog.History("a").TotalAttempts)

	summary := catalog.Summary()
	require.Len(t, summary, 1)
	assert.Equal(t, 2, summary["a"].TotalAttempts)

	catalog.ResetHistory()
	assert.Empty(t, catalog.Summary())
	assert.Nil(t, catalog.History("a"))
}
