package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"chaosfuzz/pkg/fuzzer"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleInput() fuzzer.FuzzInput {
	return fuzzer.FuzzInput{
		Selector: 3,
		Payload:  []byte{0xde, 0xad, 0xbe, 0xef},
		Accounts: []fuzzer.AccountMeta{
			{Pubkey: fuzzer.Pubkey{1}, IsSigner: true, IsWritable: true},
			{Pubkey: fuzzer.Pubkey{2}},
		},
		Seeds: [][]byte{[]byte("vault"), {0xff}},
	}
}

func dialHarness(t *testing.T, exec fuzzer.Executor, config Config) *RPCExecutor {
	t.Helper()
	server, err := NewHarnessServer(exec)
	require.NoError(t, err)
	t.Cleanup(server.Stop)

	client := rpc.DialInProc(server)
	t.Cleanup(client.Close)
	return NewRPCExecutor(client, config)
}

func TestRPCRoundTrip(t *testing.T) {
	var got fuzzer.FuzzInput
	harness := fuzzer.ExecutorFunc(func(ctx context.Context, in fuzzer.FuzzInput) (fuzzer.ExecutionOutcome, error) {
		got = in
		return fuzzer.ExecutionOutcome{
			Succeeded:  false,
			Diagnostic: "Program failed: arithmetic overflow",
			Logs:       []string{"Program log: add", "Program log: overflow"},
			Resources:  fuzzer.ResourceUsage{ComputeUnits: 1400, MemoryBytes: 4096},
			Coverage:   []uint64{10, 11, 42},
			Location:   "src/lib.rs:88",
			Duration:   1500 * time.Microsecond,
		}, nil
	})

	exec := dialHarness(t, harness, Config{ProgramID: "Prog1111"})
	in := sampleInput()

	out, err := exec.Execute(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, in.ID(), got.ID())
	assert.False(t, out.Succeeded)
	assert.Equal(t, "Program failed: arithmetic overflow", out.Diagnostic)
	assert.Equal(t, []string{"Program log: add", "Program log: overflow"}, out.Logs)
	assert.Equal(t, uint64(1400), out.Resources.ComputeUnits)
	assert.Equal(t, uint64(4096), out.Resources.MemoryBytes)
	assert.Equal(t, []uint64{10, 11, 42}, out.Coverage)
	assert.Equal(t, "src/lib.rs:88", out.Location)
	assert.Equal(t, 1500*time.Microsecond, out.Duration)
	assert.False(t, out.Timestamp.IsZero())
}

func TestRPCSuccessMeasuresDuration(t *testing.T) {
	harness := fuzzer.ExecutorFunc(func(ctx context.Context, in fuzzer.FuzzInput) (fuzzer.ExecutionOutcome, error) {
		return fuzzer.ExecutionOutcome{Succeeded: true}, nil
	})
	exec := dialHarness(t, harness, Config{})

	out, err := exec.Execute(context.Background(), fuzzer.FuzzInput{Payload: []byte{}})
	require.NoError(t, err)
	assert.True(t, out.Succeeded)
	assert.Empty(t, out.Diagnostic)
	assert.Greater(t, out.Duration, time.Duration(0))
}

func TestRPCTimeout(t *testing.T) {
	harness := fuzzer.ExecutorFunc(func(ctx context.Context, in fuzzer.FuzzInput) (fuzzer.ExecutionOutcome, error) {
		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
		}
		return fuzzer.ExecutionOutcome{Succeeded: true}, nil
	})
	exec := dialHarness(t, harness, Config{Timeout: 20 * time.Millisecond})

	_, err := exec.Execute(context.Background(), sampleInput())
	require.Error(t, err)
	assert.True(t, errors.Is(err, fuzzer.ErrExecutor))
	assert.True(t, errors.Is(err, fuzzer.ErrExecutorTimeout))
}

func TestRPCHarnessError(t *testing.T) {
	harness := fuzzer.ExecutorFunc(func(ctx context.Context, in fuzzer.FuzzInput) (fuzzer.ExecutionOutcome, error) {
		return fuzzer.ExecutionOutcome{}, errors.New("validator unavailable")
	})
	exec := dialHarness(t, harness, Config{})

	_, err := exec.Execute(context.Background(), sampleInput())
	require.Error(t, err)
	assert.True(t, errors.Is(err, fuzzer.ErrExecutor))
	assert.False(t, errors.Is(err, fuzzer.ErrExecutorTimeout))
	assert.Contains(t, err.Error(), "validator unavailable")
}

// rawService 返回手写 JSON 的执行环境（十六进制与十进制混用）
type rawService struct{}

func (rawService) Execute(ctx context.Context, req map[string]interface{}) (map[string]interface{}, error) {
	return map[string]interface{}{
		"success":        false,
		"error":          "  custom program error: 0x1  ",
		"units_consumed": "0x578",
		"memory_bytes":   "2048",
		"coverage":       []interface{}{1, "0x2", "3"},
	}, nil
}

func TestRPCFlexibleResponse(t *testing.T) {
	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("raw", rawService{}))
	defer server.Stop()
	client := rpc.DialInProc(server)
	defer client.Close()

	exec := NewRPCExecutor(client, Config{Method: "raw_execute"})
	out, err := exec.Execute(context.Background(), sampleInput())
	require.NoError(t, err)

	assert.Equal(t, "custom program error: 0x1", out.Diagnostic)
	assert.Equal(t, uint64(1400), out.Resources.ComputeUnits)
	assert.Equal(t, uint64(2048), out.Resources.MemoryBytes)
	assert.Equal(t, []uint64{1, 2, 3}, out.Coverage)
}

func TestRequestInputRoundTrip(t *testing.T) {
	in := sampleInput()
	req := NewRequest("Prog", in)
	assert.Equal(t, "Prog", req.ProgramID)

	back, err := req.Input()
	require.NoError(t, err)
	assert.Equal(t, in.ID(), back.ID())

	// 请求不与输入共享内存
	req.Data[0] = 0
	assert.Equal(t, byte(0xde), in.Payload[0])

	req.Accounts[0].Pubkey = req.Accounts[0].Pubkey[:4]
	_, err = req.Input()
	assert.Error(t, err)
}

func TestDialErrors(t *testing.T) {
	_, err := Dial(context.Background(), Config{})
	assert.True(t, errors.Is(err, fuzzer.ErrExecutor))

	_, err = Dial(context.Background(), Config{URL: "unsupported://nowhere"})
	assert.True(t, errors.Is(err, fuzzer.ErrExecutor))
}
