package campaign

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync/atomic"
	"testing"
	"time"

	"chaosfuzz/pkg/config"
	"chaosfuzz/pkg/fuzzer"
	"chaosfuzz/pkg/rl"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func testConfig(maxIterations int) *config.Config {
	cfg := config.Default()
	cfg.Termination.MaxIterations = maxIterations
	cfg.Learner.BatchSize = 4
	cfg.Learner.ReplayCapacity = 64
	cfg.Learner.HiddenSize = 8
	cfg.Generator.Candidates = 4
	cfg.Target = fuzzer.TargetProfile{
		ProgramID:        "TestProgram1111",
		InstructionCount: 4,
		AccountCount:     3,
		MaxPayload:       32,
	}
	return cfg
}

func succeeding() fuzzer.Executor {
	return fuzzer.ExecutorFunc(func(ctx context.Context, in fuzzer.FuzzInput) (fuzzer.ExecutionOutcome, error) {
		return fuzzer.ExecutionOutcome{
			Succeeded: true,
			Resources: fuzzer.ResourceUsage{ComputeUnits: 1000},
			Duration:  time.Millisecond,
		}, nil
	})
}

func TestIterationBudget(t *testing.T) {
	res, err := RunCampaign(context.Background(), testConfig(5), succeeding(), WithLogger(quietLogger()))
	require.NoError(t, err)

	assert.Equal(t, 5, res.TotalIterations)
	assert.Empty(t, res.Findings)
	assert.Equal(t, ReasonIterationBudget, res.TerminationReason)
	assert.Equal(t, 5, res.Stats.Executions)
	assert.Equal(t, 5, res.Stats.Successes)
	assert.NotEqual(t, [16]byte{}, [16]byte(res.ID))
}

func TestStopOnFirstFinding(t *testing.T) {
	cfg := testConfig(100)
	cfg.Termination.StopOnFirstFinding = true

	exec := fuzzer.ExecutorFunc(func(ctx context.Context, in fuzzer.FuzzInput) (fuzzer.ExecutionOutcome, error) {
		return fuzzer.ExecutionOutcome{
			Succeeded:  false,
			Diagnostic: "arithmetic overflow detected",
		}, nil
	})

	res, err := RunCampaign(context.Background(), cfg, exec, WithLogger(quietLogger()))
	require.NoError(t, err)

	assert.Equal(t, 1, res.TotalIterations)
	assert.Equal(t, ReasonHighConfidence, res.TerminationReason)
	require.Len(t, res.Findings, 1)
	assert.Equal(t, fuzzer.CategoryArithmeticOverflow, res.Findings[0].Category)
	assert.Greater(t, res.Findings[0].Confidence, 0.7)
	assert.Equal(t, 1, res.Findings[0].Iteration)
}

func TestLowConfidenceFindingDoesNotStop(t *testing.T) {
	cfg := testConfig(4)
	cfg.Termination.StopOnFirstFinding = true

	exec := fuzzer.ExecutorFunc(func(ctx context.Context, in fuzzer.FuzzInput) (fuzzer.ExecutionOutcome, error) {
		return fuzzer.ExecutionOutcome{Succeeded: false, Diagnostic: "something odd happened"}, nil
	})

	res, err := RunCampaign(context.Background(), cfg, exec, WithLogger(quietLogger()))
	require.NoError(t, err)
	assert.Equal(t, ReasonIterationBudget, res.TerminationReason)
	assert.Equal(t, 4, res.TotalIterations)
	require.NotEmpty(t, res.Findings)
	for _, f := range res.Findings {
		assert.Equal(t, fuzzer.CategoryUncategorized, f.Category)
		assert.True(t, f.Ambiguous)
	}
}

func TestLocationStamping(t *testing.T) {
	cfg := testConfig(1)
	tmpl := DefaultTemplate(cfg.Target)
	tmpl.Selector = 7

	exec := fuzzer.ExecutorFunc(func(ctx context.Context, in fuzzer.FuzzInput) (fuzzer.ExecutionOutcome, error) {
		return fuzzer.ExecutionOutcome{Succeeded: false, Diagnostic: "missing required signature"}, nil
	})

	res, err := RunCampaign(context.Background(), cfg, exec,
		WithLogger(quietLogger()), WithTemplate(tmpl))
	require.NoError(t, err)
	require.Len(t, res.Findings, 1)

	f := res.Findings[0]
	assert.Equal(t, fuzzer.CategoryAccessControl, f.Category)
	assert.Regexp(t, `^ix:\d+$`, f.Location)
	assert.NotEqual(t, [32]byte{}, [32]byte(f.InputID))
}

func TestCancellationBetweenIterations(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	var sawCancelled atomic.Bool
	exec := fuzzer.ExecutorFunc(func(execCtx context.Context, in fuzzer.FuzzInput) (fuzzer.ExecutionOutcome, error) {
		if calls.Add(1) == 3 {
			cancel()
		}
		if execCtx.Err() != nil {
			sawCancelled.Store(true)
		}
		return fuzzer.ExecutionOutcome{Succeeded: true}, nil
	})

	res, err := RunCampaign(ctx, testConfig(100), exec, WithLogger(quietLogger()))
	require.NoError(t, err)

	assert.Equal(t, ReasonCancelled, res.TerminationReason)
	assert.Equal(t, 3, res.TotalIterations)
	assert.Equal(t, int32(3), calls.Load())
	assert.False(t, sawCancelled.Load(), "executor must not observe cancellation")
}

func TestExecutorFailureAbort(t *testing.T) {
	cfg := testConfig(100)
	cfg.Executor.MaxConsecutiveFailures = 3

	exec := fuzzer.ExecutorFunc(func(ctx context.Context, in fuzzer.FuzzInput) (fuzzer.ExecutionOutcome, error) {
		return fuzzer.ExecutionOutcome{}, fmt.Errorf("%w: connection refused", fuzzer.ErrExecutor)
	})

	orch, err := New(cfg, exec, WithLogger(quietLogger()))
	require.NoError(t, err)

	res, err := orch.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAborted))
	require.NotNil(t, res)

	assert.Equal(t, ReasonExecutorFailures, res.TerminationReason)
	assert.Equal(t, 3, res.TotalIterations)
	assert.Equal(t, 3, res.Stats.ExecutorErrors)
	assert.Zero(t, res.Stats.Timeouts)
	assert.Empty(t, res.Findings)
	assert.Equal(t, PhaseTerminated, orch.Phase())

	// 每次故障都记录为终止转移
	replay := orch.Trainer().Replay()
	require.Equal(t, 3, replay.Len())
	for i := 0; i < replay.Len(); i++ {
		tr := replay.At(i)
		assert.True(t, tr.Terminal)
		assert.Zero(t, tr.Reward)
	}
}

func TestExecutorFailuresResetOnSuccess(t *testing.T) {
	cfg := testConfig(6)
	cfg.Executor.MaxConsecutiveFailures = 2

	var calls atomic.Int32
	exec := fuzzer.ExecutorFunc(func(ctx context.Context, in fuzzer.FuzzInput) (fuzzer.ExecutionOutcome, error) {
		if calls.Add(1)%2 == 1 {
			return fuzzer.ExecutionOutcome{}, fuzzer.ErrExecutorTimeout
		}
		return fuzzer.ExecutionOutcome{Succeeded: true}, nil
	})

	var notes int
	orch, err := New(cfg, exec, WithLogger(quietLogger()))
	require.NoError(t, err)
	for summary, err := range orch.Iterations(context.Background()) {
		require.NoError(t, err)
		if summary.ExecutorError {
			notes++
			assert.NotEmpty(t, summary.Notes)
		}
	}
	assert.Equal(t, 3, notes)
	assert.Equal(t, ReasonIterationBudget, orch.Reason())
}

func TestExecutorTimeoutsCounted(t *testing.T) {
	cfg := testConfig(6)
	cfg.Executor.MaxConsecutiveFailures = 10

	var calls atomic.Int32
	exec := fuzzer.ExecutorFunc(func(ctx context.Context, in fuzzer.FuzzInput) (fuzzer.ExecutionOutcome, error) {
		switch calls.Add(1) {
		case 1, 4:
			return fuzzer.ExecutionOutcome{}, fmt.Errorf("%w: %w after 5s", fuzzer.ErrExecutor, fuzzer.ErrExecutorTimeout)
		case 2:
			return fuzzer.ExecutionOutcome{}, fmt.Errorf("%w: connection refused", fuzzer.ErrExecutor)
		}
		return fuzzer.ExecutionOutcome{Succeeded: true}, nil
	})

	orch, err := New(cfg, exec, WithLogger(quietLogger()))
	require.NoError(t, err)
	res, err := orch.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ReasonIterationBudget, res.TerminationReason)
	assert.Equal(t, 3, res.Stats.ExecutorErrors)
	assert.Equal(t, 2, res.Stats.Timeouts)
	assert.Equal(t, 2, res.FinalState.Timeouts)
}

func TestIterationsNotRestartable(t *testing.T) {
	orch, err := New(testConfig(2), succeeding(), WithLogger(quietLogger()))
	require.NoError(t, err)

	n := 0
	for _, err := range orch.Iterations(context.Background()) {
		require.NoError(t, err)
		n++
	}
	assert.Equal(t, 2, n)

	var gotErr error
	for _, err := range orch.Iterations(context.Background()) {
		gotErr = err
	}
	assert.True(t, errors.Is(gotErr, ErrAlreadyRun))

	_, err = orch.Run(context.Background())
	assert.True(t, errors.Is(err, ErrAlreadyRun))

	// 重置后保留策略，重新开始活动
	steps := orch.Learner().Steps()
	oldID := orch.ID()
	require.NoError(t, orch.Reset())
	assert.Equal(t, PhaseIdle, orch.Phase())
	assert.NotEqual(t, oldID, orch.ID())

	res, err := orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.TotalIterations)
	assert.GreaterOrEqual(t, orch.Learner().Steps(), steps)
}

func TestResetRejectedWhileRunning(t *testing.T) {
	orch, err := New(testConfig(3), succeeding(), WithLogger(quietLogger()))
	require.NoError(t, err)

	for _, err := range orch.Iterations(context.Background()) {
		require.NoError(t, err)
		assert.True(t, errors.Is(orch.Reset(), ErrRunning))

		var nested error
		for _, err := range orch.Iterations(context.Background()) {
			nested = err
		}
		assert.True(t, errors.Is(nested, ErrRunning))
	}
	require.NoError(t, orch.Reset())
}

func TestResetRacesRun(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once atomic.Bool
	exec := fuzzer.ExecutorFunc(func(ctx context.Context, in fuzzer.FuzzInput) (fuzzer.ExecutionOutcome, error) {
		if once.CompareAndSwap(false, true) {
			close(entered)
			<-release
		}
		return fuzzer.ExecutionOutcome{Succeeded: true}, nil
	})

	orch, err := New(testConfig(4), exec, WithLogger(quietLogger()))
	require.NoError(t, err)
	id := orch.ID()

	done := make(chan error, 1)
	go func() {
		_, err := orch.Run(context.Background())
		done <- err
	}()

	<-entered
	for i := 0; i < 10; i++ {
		assert.True(t, errors.Is(orch.Reset(), ErrRunning))
	}
	assert.Equal(t, id, orch.ID())
	close(release)
	require.NoError(t, <-done)

	require.NoError(t, orch.Reset())
	assert.NotEqual(t, id, orch.ID())
}

func TestEarlyBreakCancels(t *testing.T) {
	orch, err := New(testConfig(50), succeeding(), WithLogger(quietLogger()))
	require.NoError(t, err)

	for summary := range orch.Iterations(context.Background()) {
		if summary.Iteration == 2 {
			break
		}
	}
	assert.Equal(t, PhaseTerminated, orch.Phase())
	assert.Equal(t, ReasonCancelled, orch.Reason())
	assert.Equal(t, 2, orch.Result().TotalIterations)
}

func TestSubscribe(t *testing.T) {
	orch, err := New(testConfig(3), succeeding(), WithLogger(quietLogger()))
	require.NoError(t, err)

	ch := make(chan IterationSummary, 8)
	sub := orch.Subscribe(ch)
	defer sub.Unsubscribe()

	res, err := orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, res.TotalIterations)

	var got []IterationSummary
	for i := 0; i < 3; i++ {
		select {
		case s := <-ch:
			got = append(got, s)
		case <-time.After(time.Second):
			t.Fatal("missing iteration summary")
		}
	}
	assert.Equal(t, 1, got[0].Iteration)
	assert.Equal(t, 3, got[2].Iteration)
	assert.True(t, got[2].Terminated)
	assert.Equal(t, ReasonIterationBudget, got[2].Reason)
}

func TestSubscribeSeesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	exec := fuzzer.ExecutorFunc(func(ctx context.Context, in fuzzer.FuzzInput) (fuzzer.ExecutionOutcome, error) {
		if calls.Add(1) == 2 {
			cancel()
		}
		return fuzzer.ExecutionOutcome{Succeeded: true}, nil
	})
	orch, err := New(testConfig(100), exec, WithLogger(quietLogger()))
	require.NoError(t, err)

	ch := make(chan IterationSummary, 8)
	sub := orch.Subscribe(ch)
	defer sub.Unsubscribe()

	_, err = orch.Run(ctx)
	require.NoError(t, err)

	var got []IterationSummary
	for i := 0; i < 3; i++ {
		select {
		case s := <-ch:
			got = append(got, s)
		case <-time.After(time.Second):
			t.Fatal("missing summary")
		}
	}
	assert.False(t, got[1].Terminated)
	// 迭代之间的终止只产生一条终止摘要
	assert.True(t, got[2].Terminated)
	assert.Equal(t, ReasonCancelled, got[2].Reason)
	assert.Equal(t, 2, got[2].Iteration)
	assert.Empty(t, got[2].Action)
}

func TestTimeBudget(t *testing.T) {
	cfg := testConfig(1000)
	cfg.Termination.MaxDuration = "10s"

	// 每次读取时钟前进1秒
	var now atomic.Int64
	clock := func() time.Time {
		return time.Unix(0, 0).Add(time.Duration(now.Add(1)) * time.Second)
	}

	res, err := RunCampaign(context.Background(), cfg, succeeding(),
		WithLogger(quietLogger()), WithClock(clock))
	require.NoError(t, err)
	assert.Equal(t, ReasonTimeBudget, res.TerminationReason)
	assert.Less(t, res.TotalIterations, 10)
}

func TestCoverageThreshold(t *testing.T) {
	cfg := testConfig(1000)
	cfg.Target.EstimatedEdges = 4
	cfg.Termination.Coverage = 0.5

	exec := fuzzer.ExecutorFunc(func(ctx context.Context, in fuzzer.FuzzInput) (fuzzer.ExecutionOutcome, error) {
		return fuzzer.ExecutionOutcome{Succeeded: true, Coverage: []uint64{1, 2, 3}}, nil
	})

	res, err := RunCampaign(context.Background(), cfg, exec, WithLogger(quietLogger()))
	require.NoError(t, err)
	assert.Equal(t, ReasonCoverageThreshold, res.TerminationReason)
	assert.Equal(t, 1, res.TotalIterations)
	assert.InDelta(t, 0.75, res.FinalState.Coverage, 1e-9)
}

func TestConstructionErrors(t *testing.T) {
	t.Run("invalid config", func(t *testing.T) {
		cfg := testConfig(5)
		cfg.Learner.LearningRate = -1
		_, err := New(cfg, succeeding())
		assert.True(t, errors.Is(err, config.ErrInvalidConfig))
	})

	t.Run("missing executor", func(t *testing.T) {
		_, err := New(testConfig(5), nil)
		assert.True(t, errors.Is(err, config.ErrInvalidConfig))
	})

	t.Run("feature dimension mismatch", func(t *testing.T) {
		cfg := testConfig(5)
		cfg.Learner.FeatureDim = rl.FeatureDim + 1
		_, err := New(cfg, succeeding())
		assert.True(t, errors.Is(err, rl.ErrStateSizeMismatch))
	})

	t.Run("shared learner with wrong shape", func(t *testing.T) {
		learner, err := rl.NewLearner(rl.DefaultConfig(), rl.FeatureDim, 2)
		require.NoError(t, err)
		_, err = New(testConfig(5), succeeding(), WithLearner(learner))
		assert.True(t, errors.Is(err, rl.ErrStateSizeMismatch))
	})
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := testConfig(100)
	cfg.Executor.MaxConsecutiveFailures = 2

	var calls atomic.Int32
	exec := fuzzer.ExecutorFunc(func(ctx context.Context, in fuzzer.FuzzInput) (fuzzer.ExecutionOutcome, error) {
		switch calls.Add(1) {
		case 1:
			return fuzzer.ExecutionOutcome{Succeeded: false, Diagnostic: "integer overflow"}, nil
		case 2:
			return fuzzer.ExecutionOutcome{Succeeded: true}, nil
		default:
			return fuzzer.ExecutionOutcome{}, fuzzer.ErrExecutor
		}
	})

	_, err := RunCampaign(context.Background(), cfg, exec,
		WithLogger(quietLogger()), WithRegisterer(reg))
	require.True(t, errors.Is(err, ErrAborted))

	families, err := reg.Gather()
	require.NoError(t, err)

	values := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				values[mf.GetName()] += m.GetCounter().GetValue()
			case m.GetHistogram() != nil:
				values[mf.GetName()] += float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	assert.Equal(t, 4.0, values[MetricIterations])
	assert.Equal(t, 1.0, values[MetricFindings])
	assert.Equal(t, 2.0, values[MetricExecutorFailures])
	assert.Equal(t, 2.0, values[MetricExecutionMs])

	// 同一注册表上的第二个活动复用已有采集器
	_, err = New(testConfig(1), succeeding(), WithRegisterer(reg))
	assert.NoError(t, err)
}

func TestDefaultTemplate(t *testing.T) {
	tmpl := DefaultTemplate(fuzzer.TargetProfile{ProgramID: "P", AccountCount: 3})
	require.Len(t, tmpl.Accounts, 3)
	assert.True(t, tmpl.Accounts[0].IsSigner)
	assert.True(t, tmpl.Accounts[0].IsWritable)
	assert.False(t, tmpl.Accounts[1].IsSigner)
	assert.NotEqual(t, tmpl.Accounts[0].Pubkey, tmpl.Accounts[1].Pubkey)
	assert.True(t, tmpl.Valid())
}
