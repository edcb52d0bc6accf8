package operators

import (
	"math/rand"

	"chaosfuzz/pkg/fuzzer"
	"chaosfuzz/pkg/mutation"
)

// 账户标记、权限字段与调用顺序算子
// 均不改变payload长度；账户列表为空时返回原值
func accountOperators() []mutation.Operator {
	return []mutation.Operator{
		// 账户元数据标记
		{
			Name:        "flags-toggle-signer",
			Description: "翻转一个账户的签名标记",
			Category:    mutation.CategoryAccountFlags,
			Probability: 1.0,
			Priority:    60,
			Transform:   toggleSigner,
		},
		{
			Name:        "flags-toggle-writable",
			Description: "翻转一个账户的可写标记",
			Category:    mutation.CategoryAccountFlags,
			Probability: 1.0,
			Priority:    60,
			Transform:   toggleWritable,
		},
		{
			Name:        "flags-strip-signers",
			Description: "清除所有签名标记",
			Category:    mutation.CategoryAccountFlags,
			Probability: 0.5,
			Priority:    55,
			Transform:   stripSigners,
		},
		{
			Name:        "flags-all-writable",
			Description: "把所有账户标为可写",
			Category:    mutation.CategoryAccountFlags,
			Probability: 0.5,
			Priority:    55,
			Transform:   allWritable,
		},

		// 权限字段
		{
			Name:        "authority-substitute",
			Description: "把权限账户替换为随机公钥并保留签名",
			Category:    mutation.CategoryAuthority,
			Probability: 1.0,
			Priority:    75,
			Transform:   authoritySubstitute,
		},
		{
			Name:        "authority-unsigned",
			Description: "保留权限账户公钥但去掉签名标记",
			Category:    mutation.CategoryAuthority,
			Probability: 1.0,
			Priority:    75,
			Transform:   authorityUnsigned,
		},
		{
			Name:        "authority-zero",
			Description: "把权限账户公钥置零",
			Category:    mutation.CategoryAuthority,
			Probability: 0.5,
			Priority:    65,
			Transform:   authorityZero,
		},
		{
			Name:        "authority-swap",
			Description: "交换权限账户与另一账户的公钥",
			Category:    mutation.CategoryAuthority,
			Probability: 0.7,
			Priority:    65,
			Transform:   authoritySwap,
		},

		// 调用顺序
		{
			Name:        "order-account-swap",
			Description: "交换两个账户的位置",
			Category:    mutation.CategoryOrdering,
			Probability: 1.0,
			Priority:    45,
			Transform:   accountSwap,
		},
		{
			Name:        "order-account-reverse",
			Description: "反转账户列表",
			Category:    mutation.CategoryOrdering,
			Probability: 0.4,
			Priority:    40,
			Transform:   accountReverse,
		},
		{
			Name:        "order-account-duplicate",
			Description: "在末尾重复一个已有账户",
			Category:    mutation.CategoryOrdering,
			Probability: 0.6,
			Priority:    45,
			Transform:   accountDuplicate,
		},
		{
			Name:        "order-selector-shift",
			Description: "把指令选择器±1",
			Category:    mutation.CategoryOrdering,
			Probability: 0.6,
			Priority:    35,
			Transform:   selectorShift,
		},
	}
}

func toggleSigner(in fuzzer.FuzzInput, rng *rand.Rand) fuzzer.FuzzInput {
	in = in.Clone()
	if len(in.Accounts) == 0 {
		return in
	}
	i := rng.Intn(len(in.Accounts))
	in.Accounts[i].IsSigner = !in.Accounts[i].IsSigner
	return in
}

func toggleWritable(in fuzzer.FuzzInput, rng *rand.Rand) fuzzer.FuzzInput {
	in = in.Clone()
	if len(in.Accounts) == 0 {
		return in
	}
	i := rng.Intn(len(in.Accounts))
	in.Accounts[i].IsWritable = !in.Accounts[i].IsWritable
	return in
}

func stripSigners(in fuzzer.FuzzInput, _ *rand.Rand) fuzzer.FuzzInput {
	in = in.Clone()
	for i := range in.Accounts {
		in.Accounts[i].IsSigner = false
	}
	return in
}

func allWritable(in fuzzer.FuzzInput, _ *rand.Rand) fuzzer.FuzzInput {
	in = in.Clone()
	for i := range in.Accounts {
		in.Accounts[i].IsWritable = true
	}
	return in
}

func authoritySubstitute(in fuzzer.FuzzInput, rng *rand.Rand) fuzzer.FuzzInput {
	in = in.Clone()
	if len(in.Accounts) == 0 {
		return in
	}
	i := authorityIndex(in.Accounts)
	in.Accounts[i].Pubkey = randomPubkey(rng)
	in.Accounts[i].IsSigner = true
	return in
}

func authorityUnsigned(in fuzzer.FuzzInput, _ *rand.Rand) fuzzer.FuzzInput {
	in = in.Clone()
	if len(in.Accounts) == 0 {
		return in
	}
	in.Accounts[authorityIndex(in.Accounts)].IsSigner = false
	return in
}

func authorityZero(in fuzzer.FuzzInput, _ *rand.Rand) fuzzer.FuzzInput {
	in = in.Clone()
	if len(in.Accounts) == 0 {
		return in
	}
	in.Accounts[authorityIndex(in.Accounts)].Pubkey = fuzzer.Pubkey{}
	return in
}

func authoritySwap(in fuzzer.FuzzInput, rng *rand.Rand) fuzzer.FuzzInput {
	in = in.Clone()
	if len(in.Accounts) < 2 {
		return in
	}
	a := authorityIndex(in.Accounts)
	b := rng.Intn(len(in.Accounts) - 1)
	if b >= a {
		b++
	}
	in.Accounts[a].Pubkey, in.Accounts[b].Pubkey = in.Accounts[b].Pubkey, in.Accounts[a].Pubkey
	return in
}

func accountSwap(in fuzzer.FuzzInput, rng *rand.Rand) fuzzer.FuzzInput {
	in = in.Clone()
	i, j, ok := twoIndices(rng, len(in.Accounts))
	if !ok {
		return in
	}
	in.Accounts[i], in.Accounts[j] = in.Accounts[j], in.Accounts[i]
	return in
}

func accountReverse(in fuzzer.FuzzInput, _ *rand.Rand) fuzzer.FuzzInput {
	in = in.Clone()
	for i, j := 0, len(in.Accounts)-1; i < j; i, j = i+1, j-1 {
		in.Accounts[i], in.Accounts[j] = in.Accounts[j], in.Accounts[i]
	}
	return in
}

func accountDuplicate(in fuzzer.FuzzInput, rng *rand.Rand) fuzzer.FuzzInput {
	in = in.Clone()
	if len(in.Accounts) == 0 {
		return in
	}
	in.Accounts = append(in.Accounts, in.Accounts[rng.Intn(len(in.Accounts))])
	return in
}

func selectorShift(in fuzzer.FuzzInput, rng *rand.Rand) fuzzer.FuzzInput {
	in = in.Clone()
	if rng.Intn(2) == 0 {
		in.Selector++
	} else {
		in.Selector--
	}
	return in
}
