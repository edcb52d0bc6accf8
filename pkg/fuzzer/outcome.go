package fuzzer

import (
	"context"
	"encoding/binary"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// 错误定义
var (
	// ErrExecutor 执行器基础设施故障（非模糊测试发现）
	ErrExecutor = errors.New("executor failure")
	// ErrExecutorTimeout 单次执行超时
	ErrExecutorTimeout = errors.New("executor timeout")
)

// ResourceUsage 单次执行的资源消耗
type ResourceUsage struct {
	ComputeUnits uint64 `json:"compute_units"`
	MemoryBytes  uint64 `json:"memory_bytes"`
}

// ExecutionOutcome 执行器对一次输入的执行结果，生成后不再修改
type ExecutionOutcome struct {
	Succeeded  bool          `json:"succeeded"`
	Diagnostic string        `json:"diagnostic,omitempty"` // 空字符串表示无诊断信息
	Resources  ResourceUsage `json:"resources"`
	Timestamp  time.Time     `json:"timestamp"`
	Duration   time.Duration `json:"duration"`
	Logs       []string      `json:"logs,omitempty"`
	Coverage   []uint64      `json:"coverage,omitempty"` // 执行器上报的边/基本块ID序列
	Location   string        `json:"location,omitempty"` // 执行器上报的失败位置
	InputID    common.Hash   `json:"input_id"`           // 由编排器在调用返回后标注
}

// HasDiagnostic 是否带有诊断信息
func (o ExecutionOutcome) HasDiagnostic() bool {
	return o.Diagnostic != ""
}

// PathFingerprint 执行路径指纹
// 有覆盖信息时按边序列计算；否则退化为(成功与否, 诊断, 计算单元量级)
func (o ExecutionOutcome) PathFingerprint() common.Hash {
	if len(o.Coverage) > 0 {
		buf := make([]byte, 0, len(o.Coverage)*8)
		for _, edge := range o.Coverage {
			buf = binary.LittleEndian.AppendUint64(buf, edge)
		}
		return crypto.Keccak256Hash(buf)
	}
	status := []byte{0}
	if o.Succeeded {
		status[0] = 1
	}
	bucket := binary.LittleEndian.AppendUint64(nil, computeBucket(o.Resources.ComputeUnits))
	return crypto.Keccak256Hash(status, []byte(o.Diagnostic), bucket)
}

// computeBucket 按2的幂对计算单元分桶，避免噪声产生伪新路径
func computeBucket(units uint64) uint64 {
	var b uint64
	for units > 0 {
		units >>= 1
		b++
	}
	return b
}

// Executor 目标程序执行器（外部协作者）
// 同步调用，对编排器不透明；超时由执行器自行处理并以错误返回
type Executor interface {
	Execute(ctx context.Context, in FuzzInput) (ExecutionOutcome, error)
}

// ExecutorFunc 函数适配器
type ExecutorFunc func(ctx context.Context, in FuzzInput) (ExecutionOutcome, error)

// Execute 实现 Executor 接口
func (f ExecutorFunc) Execute(ctx context.Context, in FuzzInput) (ExecutionOutcome, error) {
	return f(ctx, in)
}
