package campaign

import (
	"context"
	"fmt"

	"chaosfuzz/pkg/config"
	"chaosfuzz/pkg/fuzzer"

	"golang.org/x/sync/errgroup"
)

// RunCampaign 创建并运行一个活动
func RunCampaign(ctx context.Context, cfg *config.Config, exec fuzzer.Executor, opts ...Option) (*Result, error) {
	orch, err := New(cfg, exec, opts...)
	if err != nil {
		return nil, err
	}
	return orch.Run(ctx)
}

// Job 一个待运行的活动
type Job struct {
	Name     string
	Config   *config.Config
	Executor fuzzer.Executor
	Options  []Option
}

// RunAll 并发运行相互独立的活动，limit<=0 表示不限并发数
// 任一活动中止时其余活动在下一轮迭代前以 cancelled 结束；返回与 jobs 等长的结果
func RunAll(ctx context.Context, jobs []Job, limit int, opts ...Option) ([]*Result, error) {
	results := make([]*Result, len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, job := range jobs {
		g.Go(func() error {
			jobOpts := append(append([]Option(nil), opts...), job.Options...)
			res, err := RunCampaign(gctx, job.Config, job.Executor, jobOpts...)
			results[i] = res
			if err != nil {
				name := job.Name
				if name == "" {
					name = fmt.Sprintf("#%d", i)
				}
				return fmt.Errorf("campaign %s: %w", name, err)
			}
			return nil
		})
	}
	err := g.Wait()
	return results, err
}
