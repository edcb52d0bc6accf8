// Package executor 提供通过 JSON-RPC 调用外部执行环境的执行器
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chaosfuzz/pkg/fuzzer"
	"chaosfuzz/pkg/types"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

const (
	// DefaultMethod 默认的执行方法名
	DefaultMethod = "fuzz_execute"
	// DefaultTimeout 默认单次执行超时
	DefaultTimeout = 5 * time.Second
)

// AccountParam 请求中的账户
type AccountParam struct {
	Pubkey     hexutil.Bytes `json:"pubkey"`
	IsSigner   bool          `json:"is_signer"`
	IsWritable bool          `json:"is_writable"`
}

// ExecuteRequest 执行请求
type ExecuteRequest struct {
	ProgramID string          `json:"program_id"`
	Selector  uint8           `json:"selector"`
	Data      hexutil.Bytes   `json:"data"`
	Accounts  []AccountParam  `json:"accounts"`
	Seeds     []hexutil.Bytes `json:"seeds"`
}

// ExecuteResponse 执行响应；数值字段接受十六进制或十进制
type ExecuteResponse struct {
	Success       bool                   `json:"success"`
	Error         string                 `json:"error,omitempty"`
	Logs          []string               `json:"logs,omitempty"`
	UnitsConsumed types.FlexibleUint64   `json:"units_consumed"`
	MemoryBytes   types.FlexibleUint64   `json:"memory_bytes"`
	Coverage      []types.FlexibleUint64 `json:"coverage,omitempty"`
	Location      string                 `json:"location,omitempty"`
	DurationUs    types.FlexibleUint64   `json:"duration_us"` // 执行环境自报的耗时，0表示未上报
}

// Config RPC执行器配置
type Config struct {
	URL       string
	Method    string
	Timeout   time.Duration
	ProgramID string
}

// RPCExecutor 通过 JSON-RPC 执行输入
type RPCExecutor struct {
	client    *rpc.Client
	method    string
	timeout   time.Duration
	programID string
	owned     bool
}

// Dial 连接执行环境
func Dial(ctx context.Context, config Config) (*RPCExecutor, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("%w: empty rpc url", fuzzer.ErrExecutor)
	}
	client, err := rpc.DialContext(ctx, config.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to %s: %v", fuzzer.ErrExecutor, config.URL, err)
	}
	e := NewRPCExecutor(client, config)
	e.owned = true
	return e, nil
}

// NewRPCExecutor 基于已有客户端创建执行器（客户端由调用方关闭）
func NewRPCExecutor(client *rpc.Client, config Config) *RPCExecutor {
	if config.Method == "" {
		config.Method = DefaultMethod
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	return &RPCExecutor{
		client:    client,
		method:    config.Method,
		timeout:   config.Timeout,
		programID: config.ProgramID,
	}
}

// Close 关闭自己创建的连接
func (e *RPCExecutor) Close() {
	if e.owned {
		e.client.Close()
	}
}

// Execute 实现 fuzzer.Executor
// 目标程序的失败通过 Succeeded=false 返回；只有传输、超时与协议错误返回 error
func (e *RPCExecutor) Execute(ctx context.Context, in fuzzer.FuzzInput) (fuzzer.ExecutionOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	started := time.Now()
	var resp ExecuteResponse
	err := e.client.CallContext(ctx, &resp, e.method, NewRequest(e.programID, in))
	elapsed := time.Since(started)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fuzzer.ExecutionOutcome{}, fmt.Errorf("%w: %w after %s", fuzzer.ErrExecutor, fuzzer.ErrExecutorTimeout, e.timeout)
		}
		return fuzzer.ExecutionOutcome{}, fmt.Errorf("%w: %s: %v", fuzzer.ErrExecutor, e.method, err)
	}

	out := resp.Outcome()
	out.Timestamp = started
	if out.Duration <= 0 {
		out.Duration = elapsed
	}
	return out, nil
}

// NewRequest 把输入编码为请求
func NewRequest(programID string, in fuzzer.FuzzInput) ExecuteRequest {
	req := ExecuteRequest{
		ProgramID: programID,
		Selector:  in.Selector,
		Data:      hexutil.Bytes(append([]byte{}, in.Payload...)),
		Accounts:  make([]AccountParam, len(in.Accounts)),
		Seeds:     make([]hexutil.Bytes, len(in.Seeds)),
	}
	for i, acc := range in.Accounts {
		req.Accounts[i] = AccountParam{
			Pubkey:     hexutil.Bytes(append([]byte{}, acc.Pubkey[:]...)),
			IsSigner:   acc.IsSigner,
			IsWritable: acc.IsWritable,
		}
	}
	for i, seed := range in.Seeds {
		req.Seeds[i] = hexutil.Bytes(append([]byte{}, seed...))
	}
	return req
}

// Input 把请求解码回输入；公钥长度不对时返回错误
func (r ExecuteRequest) Input() (fuzzer.FuzzInput, error) {
	in := fuzzer.FuzzInput{
		Selector: r.Selector,
		Payload:  append([]byte{}, r.Data...),
		Accounts: make([]fuzzer.AccountMeta, len(r.Accounts)),
		Seeds:    make([][]byte, len(r.Seeds)),
	}
	for i, acc := range r.Accounts {
		if len(acc.Pubkey) != fuzzer.PubkeySize {
			return fuzzer.FuzzInput{}, fmt.Errorf("account %d: pubkey must be %d bytes, got %d", i, fuzzer.PubkeySize, len(acc.Pubkey))
		}
		var key fuzzer.Pubkey
		copy(key[:], acc.Pubkey)
		in.Accounts[i] = fuzzer.AccountMeta{Pubkey: key, IsSigner: acc.IsSigner, IsWritable: acc.IsWritable}
	}
	for i, seed := range r.Seeds {
		in.Seeds[i] = append([]byte{}, seed...)
	}
	return in, nil
}

// Outcome 把响应转为执行结果
func (r ExecuteResponse) Outcome() fuzzer.ExecutionOutcome {
	out := fuzzer.ExecutionOutcome{
		Succeeded:  r.Success,
		Diagnostic: strings.TrimSpace(r.Error),
		Resources: fuzzer.ResourceUsage{
			ComputeUnits: r.UnitsConsumed.Uint64(),
			MemoryBytes:  r.MemoryBytes.Uint64(),
		},
		Duration: time.Duration(r.DurationUs.Uint64()) * time.Microsecond,
		Coverage: types.Uint64s(r.Coverage),
		Location: r.Location,
	}
	if len(r.Logs) > 0 {
		out.Logs = append([]string(nil), r.Logs...)
	}
	return out
}

// NewResponse 把执行结果编码为响应
func NewResponse(out fuzzer.ExecutionOutcome) *ExecuteResponse {
	resp := &ExecuteResponse{
		Success:       out.Succeeded,
		Error:         out.Diagnostic,
		Logs:          out.Logs,
		UnitsConsumed: types.NewFlexibleUint64(out.Resources.ComputeUnits),
		MemoryBytes:   types.NewFlexibleUint64(out.Resources.MemoryBytes),
		Location:      out.Location,
		DurationUs:    types.NewFlexibleUint64(uint64(out.Duration.Microseconds())),
	}
	if len(out.Coverage) > 0 {
		resp.Coverage = make([]types.FlexibleUint64, len(out.Coverage))
		for i, edge := range out.Coverage {
			resp.Coverage[i] = types.NewFlexibleUint64(edge)
		}
	}
	return resp
}
