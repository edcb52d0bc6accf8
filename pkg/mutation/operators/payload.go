package operators

import (
	"bytes"
	"encoding/binary"
	"math/rand"

	"chaosfuzz/pkg/fuzzer"
	"chaosfuzz/pkg/mutation"
)

// 指令数据字节算子
// 所有算子在空payload上返回原值或仅做追加，不会失败
func payloadOperators() []mutation.Operator {
	return []mutation.Operator{
		{
			Name:        "payload-boundary-overwrite",
			Description: "用u64边界值覆盖一个8字节字段（不足8字节时覆盖全部）",
			Category:    mutation.CategoryPayload,
			Probability: 1.5,
			LengthDelta: 0,
			Priority:    90,
			Transform:   boundaryOverwrite,
		},
		{
			Name:        "payload-boundary-append",
			Description: "追加一个小端序u64边界值（+8字节）",
			Category:    mutation.CategoryPayload,
			Probability: 1.0,
			LengthDelta: 8,
			Priority:    85,
			Transform:   boundaryAppend(8),
		},
		{
			Name:        "payload-wide-boundary-append",
			Description: "追加一个小端序u128边界值（+16字节）",
			Category:    mutation.CategoryPayload,
			Probability: 0.5,
			LengthDelta: 16,
			Priority:    80,
			Transform:   boundaryAppend(16),
		},
		{
			Name:        "payload-arith",
			Description: "对一个字段做±1..16的回绕加减",
			Category:    mutation.CategoryPayload,
			Probability: 1.0,
			LengthDelta: 0,
			Priority:    70,
			Transform:   arith,
		},
		{
			Name:        "payload-bit-flip",
			Description: "翻转一个随机位",
			Category:    mutation.CategoryPayload,
			Probability: 1.0,
			LengthDelta: 0,
			Priority:    50,
			Transform:   bitFlip,
		},
		{
			Name:        "payload-byte-random",
			Description: "把一个随机字节替换为随机值",
			Category:    mutation.CategoryPayload,
			Probability: 1.0,
			LengthDelta: 0,
			Priority:    50,
			Transform:   byteRandom,
		},
		{
			Name:        "payload-byte-insert",
			Description: "在随机位置插入一个随机字节（+1字节）",
			Category:    mutation.CategoryPayload,
			Probability: 0.7,
			LengthDelta: 1,
			Priority:    40,
			Transform:   byteInsert,
		},
		{
			Name:        "payload-byte-delete",
			Description: "删除一个随机字节（-1字节，空payload不变）",
			Category:    mutation.CategoryPayload,
			Probability: 0.7,
			LengthDelta: -1,
			Priority:    40,
			Transform:   byteDelete,
		},
		{
			Name:        "payload-zero-fill",
			Description: "全部置零",
			Category:    mutation.CategoryPayload,
			Probability: 0.3,
			LengthDelta: 0,
			Priority:    30,
			Transform:   fill(0x00),
		},
		{
			Name:        "payload-max-fill",
			Description: "全部置为0xFF",
			Category:    mutation.CategoryPayload,
			Probability: 0.3,
			LengthDelta: 0,
			Priority:    30,
			Transform:   fill(0xFF),
		},
		{
			Name:        "payload-chunk-duplicate",
			Description: "复制一段随机区间并插入到其后",
			Category:    mutation.CategoryPayload,
			Probability: 0.4,
			LengthDelta: mutation.VariableLength,
			Priority:    20,
			Transform:   chunkDuplicate,
		},
		{
			Name:        "payload-truncate",
			Description: "截断到随机长度",
			Category:    mutation.CategoryPayload,
			Probability: 0.3,
			LengthDelta: mutation.VariableLength,
			Priority:    20,
			Transform:   truncate,
		},
	}
}

// fieldOffset 随机选一个字段起点，字段宽度不超过width
func fieldOffset(rng *rand.Rand, n, width int) (offset, w int) {
	if n <= width {
		return 0, n
	}
	return rng.Intn(n - width + 1), width
}

func boundaryOverwrite(in fuzzer.FuzzInput, rng *rand.Rand) fuzzer.FuzzInput {
	in = in.Clone()
	if len(in.Payload) == 0 {
		return in
	}
	offset, w := fieldOffset(rng, len(in.Payload), 8)
	copy(in.Payload[offset:offset+w], randomBoundary(rng, 8))
	return in
}

func boundaryAppend(width int) mutation.TransformFunc {
	return func(in fuzzer.FuzzInput, rng *rand.Rand) fuzzer.FuzzInput {
		in = in.Clone()
		in.Payload = append(in.Payload, randomBoundary(rng, width)...)
		return in
	}
}

func arith(in fuzzer.FuzzInput, rng *rand.Rand) fuzzer.FuzzInput {
	in = in.Clone()
	if len(in.Payload) == 0 {
		return in
	}
	offset, w := fieldOffset(rng, len(in.Payload), 8)

	var word [8]byte
	copy(word[:], in.Payload[offset:offset+w])
	v := binary.LittleEndian.Uint64(word[:])

	delta := uint64(rng.Intn(16) + 1)
	if rng.Intn(2) == 0 {
		v += delta
	} else {
		v -= delta
	}
	binary.LittleEndian.PutUint64(word[:], v)
	copy(in.Payload[offset:offset+w], word[:w])
	return in
}

func bitFlip(in fuzzer.FuzzInput, rng *rand.Rand) fuzzer.FuzzInput {
	in = in.Clone()
	if len(in.Payload) == 0 {
		return in
	}
	i := rng.Intn(len(in.Payload))
	in.Payload[i] ^= 1 << uint(rng.Intn(8))
	return in
}

func byteRandom(in fuzzer.FuzzInput, rng *rand.Rand) fuzzer.FuzzInput {
	in = in.Clone()
	if len(in.Payload) == 0 {
		return in
	}
	in.Payload[rng.Intn(len(in.Payload))] = byte(rng.Intn(256))
	return in
}

func byteInsert(in fuzzer.FuzzInput, rng *rand.Rand) fuzzer.FuzzInput {
	in = in.Clone()
	pos := rng.Intn(len(in.Payload) + 1)
	b := byte(rng.Intn(256))
	out := make([]byte, 0, len(in.Payload)+1)
	out = append(out, in.Payload[:pos]...)
	out = append(out, b)
	out = append(out, in.Payload[pos:]...)
	in.Payload = out
	return in
}

func byteDelete(in fuzzer.FuzzInput, rng *rand.Rand) fuzzer.FuzzInput {
	in = in.Clone()
	if len(in.Payload) == 0 {
		return in
	}
	pos := rng.Intn(len(in.Payload))
	in.Payload = append(in.Payload[:pos], in.Payload[pos+1:]...)
	return in
}

func fill(b byte) mutation.TransformFunc {
	return func(in fuzzer.FuzzInput, _ *rand.Rand) fuzzer.FuzzInput {
		in = in.Clone()
		in.Payload = bytes.Repeat([]byte{b}, len(in.Payload))
		return in
	}
}

func chunkDuplicate(in fuzzer.FuzzInput, rng *rand.Rand) fuzzer.FuzzInput {
	in = in.Clone()
	n := len(in.Payload)
	if n == 0 {
		return in
	}
	start := rng.Intn(n)
	end := start + 1 + rng.Intn(n-start)
	chunk := append([]byte{}, in.Payload[start:end]...)

	out := make([]byte, 0, n+len(chunk))
	out = append(out, in.Payload[:end]...)
	out = append(out, chunk...)
	out = append(out, in.Payload[end:]...)
	in.Payload = out
	return in
}

func truncate(in fuzzer.FuzzInput, rng *rand.Rand) fuzzer.FuzzInput {
	in = in.Clone()
	if len(in.Payload) == 0 {
		return in
	}
	in.Payload = in.Payload[:rng.Intn(len(in.Payload))]
	return in
}
