package generator

import (
	"chaosfuzz/pkg/mutation/operators"
)

const (
	baseScore      = 0.1  // 随机中间值payload的基础分
	boundaryScore  = 0.8  // 全部字段命中边界值时的附加分
	lowEntropyBump = 0.05 // 字节种类不超过2时的附加分
	emptyScore     = 0.3  // 空payload
)

// boundaryWords u64边界值的小端序编码集合
var boundaryWords = func() map[[8]byte]bool {
	set := make(map[[8]byte]bool)
	for _, b := range operators.Boundaries(8) {
		var w [8]byte
		copy(w[:], b)
		set[w] = true
	}
	return set
}()

// Score 计算payload的兴趣分，取值[0,1]
// 全零/全0xFF得满分；其余按8字节字段中命中边界常量的比例计分
// 2^64等超出u64的常量在按字段切分后表现为相邻的0与1，同样计入
func Score(payload []byte) float64 {
	if len(payload) == 0 {
		return emptyScore
	}
	if isUniform(payload, 0x00) || isUniform(payload, 0xFF) {
		return 1.0
	}

	words, hits := 0, 0
	for off := 0; off < len(payload); off += 8 {
		var w [8]byte
		copy(w[:], payload[off:]) // 尾部不足8字节按零填充（小端序下数值不变）
		words++
		if boundaryWords[w] {
			hits++
		}
	}

	score := baseScore + boundaryScore*float64(hits)/float64(words)
	if distinctBytes(payload) <= 2 {
		score += lowEntropyBump
	}
	if score > 1 {
		score = 1
	}
	return score
}

func isUniform(payload []byte, b byte) bool {
	for _, c := range payload {
		if c != b {
			return false
		}
	}
	return true
}

func distinctBytes(payload []byte) int {
	var seen [256]bool
	n := 0
	for _, b := range payload {
		if !seen[b] {
			seen[b] = true
			n++
		}
	}
	return n
}
