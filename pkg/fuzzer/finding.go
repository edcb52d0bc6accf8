package fuzzer

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Category 漏洞分类（固定分类体系）
type Category string

const (
	CategoryArithmeticOverflow Category = "arithmetic-overflow" // 算术溢出
	CategoryAccessControl      Category = "access-control"      // 缺少签名检查/越权
	CategoryMissingOwnerCheck  Category = "missing-owner-check" // 缺少owner检查
	CategoryArbitraryCPI       Category = "arbitrary-cpi"       // 任意跨程序调用
	CategoryPDAValidation      Category = "pda-validation"      // PDA校验缺失
	CategoryReentrancy         Category = "reentrancy"          // 重入
	CategoryAccountConfusion   Category = "account-confusion"   // 账户混淆/类型伪装
	CategoryResourceExhaustion Category = "resource-exhaustion" // 计算/内存耗尽
	CategoryInvalidSysvar      Category = "invalid-sysvar"      // 非法sysvar使用
	CategoryProgramFailure     Category = "program-failure"     // 通用失败
	CategoryUncategorized      Category = "uncategorized"       // 未命中任何规则
)

var taxonomy = []Category{
	CategoryArithmeticOverflow,
	CategoryAccessControl,
	CategoryMissingOwnerCheck,
	CategoryArbitraryCPI,
	CategoryPDAValidation,
	CategoryReentrancy,
	CategoryAccountConfusion,
	CategoryResourceExhaustion,
	CategoryInvalidSysvar,
	CategoryProgramFailure,
	CategoryUncategorized,
}

// Categories 返回完整分类体系（固定顺序）
func Categories() []Category {
	return append([]Category(nil), taxonomy...)
}

// ExploitableCategories 返回可作为EXPLOIT动作参数的分类
// 通用失败与未分类没有对应的定向变异，不在其中
func ExploitableCategories() []Category {
	out := make([]Category, 0, len(taxonomy))
	for _, c := range taxonomy {
		if c.Exploitable() {
			out = append(out, c)
		}
	}
	return out
}

// Exploitable 是否可作为EXPLOIT动作参数
func (c Category) Exploitable() bool {
	return c.Known() && c != CategoryProgramFailure && c != CategoryUncategorized
}

// Known 是否属于分类体系
func (c Category) Known() bool {
	for _, t := range taxonomy {
		if t == c {
			return true
		}
	}
	return false
}

// ParseCategory 解析分类名（大小写与下划线不敏感）
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-"))
	if !c.Known() {
		return "", fmt.Errorf("unknown vulnerability category %q", s)
	}
	return c, nil
}

// Severity 严重性级别
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String 返回严重性的字符串表示
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity 解析严重性名称（大小写不敏感）
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	}
	return SeverityLow, fmt.Errorf("unknown severity %q", s)
}

// MarshalText 实现 encoding.TextMarshaler
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Severity 分类对应的基础严重性
func (c Category) Severity() Severity {
	switch c {
	case CategoryArithmeticOverflow, CategoryAccessControl, CategoryArbitraryCPI, CategoryReentrancy:
		return SeverityCritical
	case CategoryMissingOwnerCheck, CategoryPDAValidation, CategoryAccountConfusion:
		return SeverityHigh
	case CategoryResourceExhaustion, CategoryInvalidSysvar:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Finding 由一次失败执行推导出的漏洞发现
type Finding struct {
	Category    Category    `json:"category"`
	Confidence  float64     `json:"confidence"`
	Severity    Severity    `json:"severity"`
	EvidenceRef common.Hash `json:"evidence_ref"`
	Location    string      `json:"location"`
	RuleID      string      `json:"rule_id,omitempty"`
	Ambiguous   bool        `json:"ambiguous"` // 未命中规则
	Diagnostic  string      `json:"diagnostic"`
	InputID     common.Hash `json:"input_id"`
	Iteration   int         `json:"iteration"`
	Timestamp   time.Time   `json:"timestamp"`
}

// Key 去重键
func (f Finding) Key() FindingKey {
	return FindingKey{Category: f.Category, Location: f.Location}
}

// FindingKey 按(分类, 位置)去重
type FindingKey struct {
	Category Category
	Location string
}

// FindingSet 去重后的发现集合，按首次出现顺序保存
// 同一键的后续发现只在置信度更高时替换，集合大小单调不减
type FindingSet struct {
	items map[FindingKey]Finding
	order []FindingKey
}

// NewFindingSet 创建空集合
func NewFindingSet() *FindingSet {
	return &FindingSet{items: make(map[FindingKey]Finding)}
}

// Add 加入一个发现，返回是否为新键
func (s *FindingSet) Add(f Finding) bool {
	key := f.Key()
	prev, exists := s.items[key]
	if !exists {
		s.items[key] = f
		s.order = append(s.order, key)
		return true
	}
	if f.Confidence > prev.Confidence {
		s.items[key] = f
	}
	return false
}

// Has 是否包含键
func (s *FindingSet) Has(key FindingKey) bool {
	_, ok := s.items[key]
	return ok
}

// Len 集合大小
func (s *FindingSet) Len() int {
	return len(s.order)
}

// All 按首次出现顺序返回副本
func (s *FindingSet) All() []Finding {
	out := make([]Finding, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, s.items[key])
	}
	return out
}

// Clone 深拷贝
func (s *FindingSet) Clone() *FindingSet {
	cp := &FindingSet{
		items: make(map[FindingKey]Finding, len(s.items)),
		order: append([]FindingKey(nil), s.order...),
	}
	for k, v := range s.items {
		cp.items[k] = v
	}
	return cp
}
