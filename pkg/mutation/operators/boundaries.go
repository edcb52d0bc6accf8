// Package operators 提供内置变异算子实现
package operators

import (
	"math"
	"math/rand"

	"chaosfuzz/pkg/fuzzer"

	"github.com/holiman/uint256"
)

// boundaryValues 常见整数边界值
func boundaryValues() []*uint256.Int {
	one := uint256.NewInt(1)
	pow := func(bits uint) *uint256.Int { return new(uint256.Int).Lsh(one, bits) }
	minusOne := func(v *uint256.Int) *uint256.Int { return new(uint256.Int).Sub(v, one) }

	return []*uint256.Int{
		uint256.NewInt(0),                         // 零值
		uint256.NewInt(1),                         // 最小正数
		uint256.NewInt(2),                         // 2
		uint256.NewInt(math.MaxUint8),             // u8上限
		uint256.NewInt(math.MaxUint16),            // u16上限
		uint256.NewInt(math.MaxUint32),            // u32上限
		uint256.NewInt(math.MaxInt64),             // i64上限
		pow(63),                                   // i64下限的补码
		uint256.NewInt(math.MaxUint64),            // u64上限
		pow(64),                                   // u64溢出
		pow(127),                                  // i128下限的补码
		minusOne(pow(128)),                        // u128上限
		new(uint256.Int).SetAllOne(),              // u256上限
		uint256.NewInt(1_000_000_000),             // 1 SOL (lamports)
		uint256.NewInt(1_000_000_000_000_000_000), // 1e18
	}
}

// EncodeLE 按小端序编码为width字节，超出宽度的高位截断
func EncodeLE(v *uint256.Int, width int) []byte {
	be := v.Bytes32()
	out := make([]byte, width)
	for i := 0; i < width && i < len(be); i++ {
		out[i] = be[len(be)-1-i]
	}
	return out
}

// Boundaries 返回在width字节内可表示的边界值编码（去重，顺序固定）
func Boundaries(width int) [][]byte {
	seen := make(map[string]bool)
	var out [][]byte
	for _, v := range boundaryValues() {
		if v.BitLen() > width*8 {
			continue
		}
		enc := EncodeLE(v, width)
		if seen[string(enc)] {
			continue
		}
		seen[string(enc)] = true
		out = append(out, enc)
	}
	return out
}

// randomBoundary 随机取一个width字节的边界编码
func randomBoundary(rng *rand.Rand, width int) []byte {
	candidates := Boundaries(width)
	return candidates[rng.Intn(len(candidates))]
}

// randomPubkey 生成随机公钥
func randomPubkey(rng *rand.Rand) fuzzer.Pubkey {
	var pk fuzzer.Pubkey
	rng.Read(pk[:])
	return pk
}

// authorityIndex 权限账户位置：第一个签名账户，没有则为0
func authorityIndex(accounts []fuzzer.AccountMeta) int {
	for i, acc := range accounts {
		if acc.IsSigner {
			return i
		}
	}
	return 0
}

// twoIndices 随机选两个不同下标，n<2时返回ok=false
func twoIndices(rng *rand.Rand, n int) (i, j int, ok bool) {
	if n < 2 {
		return 0, 0, false
	}
	i = rng.Intn(n)
	j = rng.Intn(n - 1)
	if j >= i {
		j++
	}
	return i, j, true
}
