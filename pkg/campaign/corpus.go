package campaign

import (
	"fmt"
	"math/rand"

	"chaosfuzz/pkg/fuzzer"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Corpus 有价值输入的语料库
// 容量固定，超出时淘汰最久未被选作父输入的条目
type Corpus struct {
	cache *lru.Cache[common.Hash, fuzzer.FuzzInput]
}

// NewCorpus 创建语料库
func NewCorpus(size int) (*Corpus, error) {
	cache, err := lru.New[common.Hash, fuzzer.FuzzInput](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create corpus cache: %w", err)
	}
	return &Corpus{cache: cache}, nil
}

// Add 加入输入；已存在时只保留更高的兴趣评分，返回是否为新条目
func (c *Corpus) Add(in fuzzer.FuzzInput) bool {
	id := in.ID()
	if old, ok := c.cache.Peek(id); ok {
		if in.Interestingness > old.Interestingness {
			c.cache.Add(id, in.Clone())
		}
		return false
	}
	c.cache.Add(id, in.Clone())
	return true
}

// Pick 随机选一个父输入并刷新其最近使用时间
func (c *Corpus) Pick(rng *rand.Rand) (fuzzer.FuzzInput, bool) {
	keys := c.cache.Keys()
	if len(keys) == 0 {
		return fuzzer.FuzzInput{}, false
	}
	in, ok := c.cache.Get(keys[rng.Intn(len(keys))])
	if !ok {
		return fuzzer.FuzzInput{}, false
	}
	return in.Clone(), true
}

// Best 兴趣评分最高的输入
func (c *Corpus) Best() (fuzzer.FuzzInput, bool) {
	var (
		best  fuzzer.FuzzInput
		found bool
	)
	for _, in := range c.cache.Values() {
		if !found || in.Interestingness > best.Interestingness {
			best, found = in, true
		}
	}
	if !found {
		return fuzzer.FuzzInput{}, false
	}
	return best.Clone(), true
}

// Len 条目数
func (c *Corpus) Len() int {
	return c.cache.Len()
}

// Inputs 全部输入（从最久未用到最近使用）
func (c *Corpus) Inputs() []fuzzer.FuzzInput {
	values := c.cache.Values()
	out := make([]fuzzer.FuzzInput, len(values))
	for i, in := range values {
		out[i] = in.Clone()
	}
	return out
}

// Purge 清空
func (c *Corpus) Purge() {
	c.cache.Purge()
}
