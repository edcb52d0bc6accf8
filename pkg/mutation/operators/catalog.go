package operators

import (
	"chaosfuzz/pkg/fuzzer"
	"chaosfuzz/pkg/mutation"
)

// All 返回全部内置算子
func All() []mutation.Operator {
	var ops []mutation.Operator
	ops = append(ops, payloadOperators()...)
	ops = append(ops, accountOperators()...)
	ops = append(ops, seedOperators()...)
	return ops
}

// DefaultCatalog 创建包含全部内置算子的新目录
// 每个活动应持有自己的目录，使用历史互不干扰
func DefaultCatalog() *mutation.Catalog {
	catalog, err := mutation.NewCatalog(All()...)
	if err != nil {
		// 内置算子名称唯一且定义完整
		panic(err)
	}
	return catalog
}

// targeting 漏洞分类 → 算子领域权重
var targeting = map[fuzzer.Category]map[mutation.Category]float64{
	fuzzer.CategoryArithmeticOverflow: {
		mutation.CategoryPayload: 1.0,
	},
	fuzzer.CategoryAccessControl: {
		mutation.CategoryAuthority:    0.6,
		mutation.CategoryAccountFlags: 0.4,
	},
	fuzzer.CategoryMissingOwnerCheck: {
		mutation.CategoryAuthority: 0.5,
		mutation.CategoryOrdering:  0.5,
	},
	fuzzer.CategoryArbitraryCPI: {
		mutation.CategoryAuthority: 0.5,
		mutation.CategoryOrdering:  0.5,
	},
	fuzzer.CategoryPDAValidation: {
		mutation.CategoryPDASeeds: 1.0,
	},
	fuzzer.CategoryReentrancy: {
		mutation.CategoryOrdering:     0.7,
		mutation.CategoryAccountFlags: 0.3,
	},
	fuzzer.CategoryAccountConfusion: {
		mutation.CategoryOrdering:  0.6,
		mutation.CategoryAuthority: 0.4,
	},
	fuzzer.CategoryResourceExhaustion: {
		mutation.CategoryPayload:  0.8,
		mutation.CategoryOrdering: 0.2,
	},
	fuzzer.CategoryInvalidSysvar: {
		mutation.CategoryOrdering:  0.5,
		mutation.CategoryAuthority: 0.5,
	},
}

// Targeting 返回针对某个漏洞分类的算子领域权重（副本）
// 非可利用分类返回nil
func Targeting(c fuzzer.Category) map[mutation.Category]float64 {
	weights, ok := targeting[c]
	if !ok {
		return nil
	}
	out := make(map[mutation.Category]float64, len(weights))
	for k, v := range weights {
		out[k] = v
	}
	return out
}
