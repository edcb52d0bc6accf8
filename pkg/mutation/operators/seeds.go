package operators

import (
	"math/rand"

	"chaosfuzz/pkg/fuzzer"
	"chaosfuzz/pkg/mutation"
)

// maxSeedLen 单个PDA种子的最大长度
const maxSeedLen = 32

// PDA种子算子
func seedOperators() []mutation.Operator {
	return []mutation.Operator{
		{
			Name:        "seeds-bump-perturb",
			Description: "改写最后一个种子的末字节（bump）；无种子时追加一个单字节bump",
			Category:    mutation.CategoryPDASeeds,
			Probability: 1.0,
			Priority:    70,
			Transform:   bumpPerturb,
		},
		{
			Name:        "seeds-zero",
			Description: "把一个种子全部置零",
			Category:    mutation.CategoryPDASeeds,
			Probability: 0.7,
			Priority:    60,
			Transform:   seedZero,
		},
		{
			Name:        "seeds-from-payload",
			Description: "用payload前缀（最多32字节）作为新种子",
			Category:    mutation.CategoryPDASeeds,
			Probability: 0.6,
			Priority:    55,
			Transform:   seedFromPayload,
		},
		{
			Name:        "seeds-drop",
			Description: "删除一个种子",
			Category:    mutation.CategoryPDASeeds,
			Probability: 0.5,
			Priority:    50,
			Transform:   seedDrop,
		},
		{
			Name:        "seeds-swap",
			Description: "交换两个种子的顺序",
			Category:    mutation.CategoryPDASeeds,
			Probability: 0.5,
			Priority:    50,
			Transform:   seedSwap,
		},
	}
}

func bumpPerturb(in fuzzer.FuzzInput, rng *rand.Rand) fuzzer.FuzzInput {
	in = in.Clone()
	bump := byte(rng.Intn(256))
	if len(in.Seeds) == 0 {
		in.Seeds = [][]byte{{bump}}
		return in
	}
	last := len(in.Seeds) - 1
	if len(in.Seeds[last]) == 0 {
		in.Seeds[last] = []byte{bump}
		return in
	}
	in.Seeds[last][len(in.Seeds[last])-1] = bump
	return in
}

func seedZero(in fuzzer.FuzzInput, rng *rand.Rand) fuzzer.FuzzInput {
	in = in.Clone()
	if len(in.Seeds) == 0 {
		return in
	}
	i := rng.Intn(len(in.Seeds))
	in.Seeds[i] = make([]byte, len(in.Seeds[i]))
	return in
}

func seedFromPayload(in fuzzer.FuzzInput, _ *rand.Rand) fuzzer.FuzzInput {
	in = in.Clone()
	n := len(in.Payload)
	if n > maxSeedLen {
		n = maxSeedLen
	}
	in.Seeds = append(in.Seeds, append([]byte{}, in.Payload[:n]...))
	return in
}

func seedDrop(in fuzzer.FuzzInput, rng *rand.Rand) fuzzer.FuzzInput {
	in = in.Clone()
	if len(in.Seeds) == 0 {
		return in
	}
	i := rng.Intn(len(in.Seeds))
	in.Seeds = append(in.Seeds[:i], in.Seeds[i+1:]...)
	return in
}

func seedSwap(in fuzzer.FuzzInput, rng *rand.Rand) fuzzer.FuzzInput {
	in = in.Clone()
	i, j, ok := twoIndices(rng, len(in.Seeds))
	if !ok {
		return in
	}
	in.Seeds[i], in.Seeds[j] = in.Seeds[j], in.Seeds[i]
	return in
}
