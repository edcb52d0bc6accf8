// Package types 提供执行器协议中使用的宽松数值类型
package types

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/holiman/uint256"
)

// FlexibleUint64 可从多种 JSON 表示解析的 uint64
// 支持：JSON 数字 1400000、十六进制字符串 "0x155cc0"、十进制字符串 "1400000"、null
// 不同执行器后端对计算单元、内存与覆盖ID的编码并不统一
type FlexibleUint64 struct {
	value uint64
}

// NewFlexibleUint64 创建 FlexibleUint64
func NewFlexibleUint64(val uint64) FlexibleUint64 {
	return FlexibleUint64{value: val}
}

// Uint64 返回数值
func (f FlexibleUint64) Uint64() uint64 {
	return f.value
}

// IsZero 是否为0
func (f FlexibleUint64) IsZero() bool {
	return f.value == 0
}

// String 十六进制表示
func (f FlexibleUint64) String() string {
	return fmt.Sprintf("0x%x", f.value)
}

// UnmarshalJSON 实现 json.Unmarshaler
func (f *FlexibleUint64) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		f.value = 0
		return nil
	}

	var num json.Number
	if err := json.Unmarshal(data, &num); err == nil {
		v, err := parseNumber(num)
		if err != nil {
			return err
		}
		f.value = v
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("expected number or string, got %s", string(data))
	}
	v, err := ParseUint64(str)
	if err != nil {
		return err
	}
	f.value = v
	return nil
}

// MarshalJSON 序列化为十六进制字符串
func (f FlexibleUint64) MarshalJSON() ([]byte, error) {
	return []byte(`"` + f.String() + `"`), nil
}

// ParseUint64 解析十六进制（0x前缀）或十进制字符串；空串与 "0x" 视为0
func ParseUint64(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0x" || s == "0X" {
		return 0, nil
	}

	v := new(uint256.Int)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		// uint256 不接受前导零
		digits := strings.TrimLeft(s[2:], "0")
		if digits == "" {
			return 0, nil
		}
		if err := v.SetFromHex("0x" + digits); err != nil {
			return 0, fmt.Errorf("invalid hex quantity %q: %v", s, err)
		}
	} else if err := v.SetFromDecimal(s); err != nil {
		return 0, fmt.Errorf("invalid decimal quantity %q: %v", s, err)
	}

	if !v.IsUint64() {
		return 0, fmt.Errorf("quantity %q overflows uint64", s)
	}
	return v.Uint64(), nil
}

// parseNumber 解析 JSON 数字，整数值的浮点表示（如 1e6）也接受
func parseNumber(num json.Number) (uint64, error) {
	s := num.String()
	if !strings.ContainsAny(s, ".eE") {
		if strings.HasPrefix(s, "-") {
			return 0, fmt.Errorf("negative quantity %s", s)
		}
		return ParseUint64(s)
	}
	f, err := num.Float64()
	if err != nil {
		return 0, fmt.Errorf("invalid number %s: %v", s, err)
	}
	if f < 0 || f != math.Trunc(f) || f >= math.MaxUint64 {
		return 0, fmt.Errorf("number %s is not a uint64", s)
	}
	return uint64(f), nil
}

// Uint64s 把 FlexibleUint64 切片转为 uint64 切片
func Uint64s(in []FlexibleUint64) []uint64 {
	if in == nil {
		return nil
	}
	out := make([]uint64, len(in))
	for i, v := range in {
		out[i] = v.value
	}
	return out
}
