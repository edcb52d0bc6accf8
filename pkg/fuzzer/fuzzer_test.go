package fuzzer

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleInput() FuzzInput {
	return FuzzInput{
		Selector: 2,
		Payload:  []byte{1, 2, 3},
		Accounts: []AccountMeta{{Pubkey: Pubkey{9}, IsSigner: true, IsWritable: true}, {Pubkey: Pubkey{8}}},
		Seeds:    [][]byte{[]byte("vault")},
	}
}

func TestInputID(t *testing.T) {
	a := sampleInput()
	b := sampleInput()
	assert.Equal(t, a.ID(), b.ID())

	// 评分与谱系不影响指纹
	b.Interestingness = 0.9
	b.Lineage = []string{"payload-bit-flip"}
	assert.Equal(t, a.ID(), b.ID())

	t.Run("flags change identity", func(t *testing.T) {
		c := sampleInput()
		c.Accounts[0].IsSigner = false
		assert.NotEqual(t, a.ID(), c.ID())
	})

	t.Run("length prefixes separate fields", func(t *testing.T) {
		c := FuzzInput{Payload: []byte{}, Seeds: [][]byte{{1, 2}}}
		d := FuzzInput{Payload: []byte{}, Seeds: [][]byte{{1}, {2}}}
		assert.NotEqual(t, c.ID(), d.ID())
	})
}

func TestCloneAndDerive(t *testing.T) {
	in := sampleInput()
	cp := in.Clone()
	cp.Payload[0] = 0xff
	cp.Accounts[0].IsSigner = false
	cp.Seeds[0][0] = 'x'
	assert.Equal(t, byte(1), in.Payload[0])
	assert.True(t, in.Accounts[0].IsSigner)
	assert.Equal(t, byte('v'), in.Seeds[0][0])

	child := in.Derive("payload-arith")
	assert.Equal(t, in.ID(), child.Parent)
	assert.Equal(t, []string{"payload-arith"}, child.Lineage)
	assert.Empty(t, in.Lineage)

	grandchild := child.Derive("seeds-zero")
	assert.Equal(t, []string{"payload-arith", "seeds-zero"}, grandchild.Lineage)
	assert.Len(t, child.Lineage, 1)
}

func TestInputValid(t *testing.T) {
	assert.True(t, sampleInput().Valid())
	assert.True(t, FuzzInput{Payload: []byte{}}.Valid())
	assert.False(t, FuzzInput{}.Valid())
	assert.False(t, FuzzInput{Payload: []byte{}, Interestingness: 1.5}.Valid())
	assert.False(t, FuzzInput{Payload: []byte{}, Seeds: [][]byte{nil}}.Valid())
	assert.Equal(t, "0x010203", sampleInput().PayloadHex())
}

func TestPathFingerprint(t *testing.T) {
	withEdges := ExecutionOutcome{Succeeded: true, Coverage: []uint64{1, 2, 3}}
	sameEdges := ExecutionOutcome{Succeeded: false, Diagnostic: "boom", Coverage: []uint64{1, 2, 3}}
	assert.Equal(t, withEdges.PathFingerprint(), sameEdges.PathFingerprint())

	// 无覆盖信息时按计算单元量级分桶
	a := ExecutionOutcome{Succeeded: true, Resources: ResourceUsage{ComputeUnits: 1000}}
	b := ExecutionOutcome{Succeeded: true, Resources: ResourceUsage{ComputeUnits: 1010}}
	c := ExecutionOutcome{Succeeded: true, Resources: ResourceUsage{ComputeUnits: 5000}}
	d := ExecutionOutcome{Succeeded: false, Resources: ResourceUsage{ComputeUnits: 1000}}
	assert.Equal(t, a.PathFingerprint(), b.PathFingerprint())
	assert.NotEqual(t, a.PathFingerprint(), c.PathFingerprint())
	assert.NotEqual(t, a.PathFingerprint(), d.PathFingerprint())
	assert.False(t, a.HasDiagnostic())
}

func TestRing(t *testing.T) {
	r := NewRing[int](3)
	_, ok := r.Last()
	assert.False(t, ok)

	for i := 1; i <= 3; i++ {
		_, overflow := r.Push(i)
		assert.False(t, overflow)
	}
	evicted, overflow := r.Push(4)
	assert.True(t, overflow)
	assert.Equal(t, 1, evicted)
	assert.Equal(t, []int{2, 3, 4}, r.Values())
	last, ok := r.Last()
	require.True(t, ok)
	assert.Equal(t, 4, last)
	assert.Equal(t, 3, r.Cap())

	r.Reset()
	assert.Zero(t, r.Len())
	assert.Empty(t, r.Values())
	assert.Panics(t, func() { r.At(0) })

	assert.Equal(t, 1, NewRing[string](0).Cap())
}

func TestCategories(t *testing.T) {
	assert.Len(t, Categories(), 11)
	exploitable := ExploitableCategories()
	assert.Len(t, exploitable, 9)
	assert.NotContains(t, exploitable, CategoryProgramFailure)
	assert.NotContains(t, exploitable, CategoryUncategorized)

	c, err := ParseCategory(" Arithmetic_Overflow ")
	require.NoError(t, err)
	assert.Equal(t, CategoryArithmeticOverflow, c)
	_, err = ParseCategory("sql-injection")
	assert.Error(t, err)

	assert.Equal(t, SeverityCritical, CategoryAccessControl.Severity())
	assert.Equal(t, SeverityHigh, CategoryPDAValidation.Severity())
	assert.Equal(t, SeverityMedium, CategoryResourceExhaustion.Severity())
	assert.Equal(t, SeverityLow, CategoryUncategorized.Severity())

	s, err := ParseSeverity("HIGH")
	require.NoError(t, err)
	assert.Equal(t, SeverityHigh, s)
	_, err = ParseSeverity("urgent")
	assert.Error(t, err)
	assert.Equal(t, "critical", SeverityCritical.String())
}

func TestFindingSet(t *testing.T) {
	set := NewFindingSet()
	first := Finding{Category: CategoryAccessControl, Location: "ix:1", Confidence: 0.5}
	assert.True(t, set.Add(first))

	// 同键低置信度不替换，高置信度替换但集合大小不变
	assert.False(t, set.Add(Finding{Category: CategoryAccessControl, Location: "ix:1", Confidence: 0.3}))
	assert.Equal(t, 0.5, set.All()[0].Confidence)
	assert.False(t, set.Add(Finding{Category: CategoryAccessControl, Location: "ix:1", Confidence: 0.8}))
	assert.Equal(t, 0.8, set.All()[0].Confidence)

	assert.True(t, set.Add(Finding{Category: CategoryAccessControl, Location: "ix:2"}))
	assert.True(t, set.Add(Finding{Category: CategoryReentrancy, Location: "ix:1"}))
	assert.Equal(t, 3, set.Len())
	assert.True(t, set.Has(FindingKey{Category: CategoryReentrancy, Location: "ix:1"}))

	clone := set.Clone()
	clone.Add(Finding{Category: CategoryInvalidSysvar})
	assert.Equal(t, 3, set.Len())
	assert.Equal(t, 4, clone.Len())
}

func TestCampaignStateObserve(t *testing.T) {
	s := NewCampaignState(TargetProfile{ProgramID: "p", EstimatedEdges: 10}, 4)

	obs := s.Observe(ExecutionOutcome{Succeeded: true, Coverage: []uint64{1, 2}, Duration: 2 * time.Millisecond})
	assert.True(t, obs.NewPath)
	assert.Equal(t, 2, obs.NewEdges)
	assert.InDelta(t, 0.2, obs.CoverageDelta, 1e-9)

	obs = s.Observe(ExecutionOutcome{Succeeded: false, Coverage: []uint64{1, 2}, Duration: 4 * time.Millisecond})
	assert.False(t, obs.NewPath)
	assert.Zero(t, obs.NewEdges)
	assert.Zero(t, obs.CoverageDelta)

	assert.Equal(t, 2, s.Executions)
	assert.Equal(t, 1, s.Failures)
	assert.InDelta(t, 0.5, s.SuccessRate, 1e-9)
	assert.InDelta(t, 3.0, s.AvgExecutionMs, 1e-9)
	assert.Equal(t, 1, s.UniquePaths)
	assert.Equal(t, 1, s.StepsSinceNewPath)
	assert.InDelta(t, 0.2, s.Coverage, 1e-9)
}

func TestCampaignStateCoverageWithoutEdges(t *testing.T) {
	s := NewCampaignState(TargetProfile{}, 4)
	prev := 0.0
	for i := 0; i < 20; i++ {
		s.Observe(ExecutionOutcome{Succeeded: true, Resources: ResourceUsage{ComputeUnits: uint64(1) << i}})
		assert.GreaterOrEqual(t, s.Coverage, prev)
		assert.Less(t, s.Coverage, 1.0)
		prev = s.Coverage
	}
	assert.Equal(t, 20, s.UniquePaths)
}

func TestCampaignStateErrorsAndSteps(t *testing.T) {
	s := NewCampaignState(TargetProfile{}, 2)
	assert.Equal(t, 1, s.RecordExecutorError(fmt.Errorf("%w: connection refused", ErrExecutor)))
	assert.Equal(t, 2, s.RecordExecutorError(fmt.Errorf("%w: %w after 5s", ErrExecutor, ErrExecutorTimeout)))
	s.Observe(ExecutionOutcome{Succeeded: true})
	assert.Zero(t, s.ConsecutiveErrors)
	assert.Equal(t, 2, s.ExecutorErrors)
	assert.Equal(t, 1, s.Timeouts)

	s.RecordStep(0, 0.1)
	s.RecordStep(3, 0.2)
	s.RecordStep(1, 0.3)
	assert.True(t, s.AddFinding(Finding{Category: CategoryReentrancy}))

	snap := s.Snapshot()
	assert.Equal(t, 3, snap.Iteration)
	assert.Equal(t, []int{3, 1}, snap.RecentActions)
	assert.Equal(t, []float64{0.2, 0.3}, snap.RecentRewards)
	assert.Equal(t, 1, snap.FindingCount)
	assert.Equal(t, 1, snap.Timeouts)

	// 快照不与状态共享窗口
	snap.RecentActions[0] = 99
	assert.Equal(t, []int{3, 1}, s.Actions.Values())
}
