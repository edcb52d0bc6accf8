package executor

import (
	"context"
	"fmt"

	"chaosfuzz/pkg/fuzzer"

	"github.com/ethereum/go-ethereum/rpc"
)

// HarnessService 把任意 fuzzer.Executor 暴露为 JSON-RPC 服务（命名空间 fuzz）
// 用于本地调试与集成测试
type HarnessService struct {
	exec fuzzer.Executor
}

// NewHarnessService 创建服务
func NewHarnessService(exec fuzzer.Executor) *HarnessService {
	return &HarnessService{exec: exec}
}

// Execute 对应 RPC 方法 fuzz_execute
func (s *HarnessService) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResponse, error) {
	in, err := req.Input()
	if err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	out, err := s.exec.Execute(ctx, in)
	if err != nil {
		return nil, err
	}
	return NewResponse(out), nil
}

// NewHarnessServer 创建注册了 fuzz 命名空间的 RPC 服务器
func NewHarnessServer(exec fuzzer.Executor) (*rpc.Server, error) {
	server := rpc.NewServer()
	if err := server.RegisterName("fuzz", NewHarnessService(exec)); err != nil {
		server.Stop()
		return nil, fmt.Errorf("failed to register harness service: %w", err)
	}
	return server, nil
}
