package rl

import (
	"math/rand"

	"chaosfuzz/pkg/fuzzer"
)

// Transition 一次迭代的状态转移
type Transition struct {
	State     []float64
	Action    int
	Reward    float64
	NextState []float64
	Terminal  bool
}

// ReplayBuffer 定容回放缓冲区，写满后淘汰最旧的转移
// 每个活动独立持有，不可并发使用
type ReplayBuffer struct {
	ring *fuzzer.Ring[Transition]
}

// NewReplayBuffer 创建容量为capacity的缓冲区
func NewReplayBuffer(capacity int) *ReplayBuffer {
	return &ReplayBuffer{ring: fuzzer.NewRing[Transition](capacity)}
}

// Remember 追加转移，返回是否淘汰了最旧的转移
func (b *ReplayBuffer) Remember(t Transition) bool {
	_, evicted := b.ring.Push(t)
	return evicted
}

// Len 当前转移数
func (b *ReplayBuffer) Len() int {
	return b.ring.Len()
}

// Cap 容量
func (b *ReplayBuffer) Cap() int {
	return b.ring.Cap()
}

// At 第i个转移（0为最旧）
func (b *ReplayBuffer) At(i int) Transition {
	return b.ring.At(i)
}

// Sample 有放回地均匀采样n个转移；缓冲区为空时返回nil
func (b *ReplayBuffer) Sample(rng *rand.Rand, n int) []Transition {
	size := b.ring.Len()
	if size == 0 || n <= 0 {
		return nil
	}
	batch := make([]Transition, n)
	for i := range batch {
		batch[i] = b.ring.At(rng.Intn(size))
	}
	return batch
}

// Reset 清空缓冲区
func (b *ReplayBuffer) Reset() {
	b.ring.Reset()
}
