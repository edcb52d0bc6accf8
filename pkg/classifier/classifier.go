// Package classifier 把失败的执行结果映射为带置信度的漏洞发现
package classifier

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"chaosfuzz/pkg/fuzzer"

	"github.com/ethereum/go-ethereum/crypto"
	"gopkg.in/yaml.v2"
)

//go:embed rules.yaml
var defaultRulesYAML []byte

// DefaultUncategorizedConfidence 未命中任何规则时的置信度
const DefaultUncategorizedConfidence = 0.2

// UnknownLocation 执行器未上报位置时使用
const UnknownLocation = "unknown"

// ErrInvalidRules 规则表格式或内容错误
var ErrInvalidRules = errors.New("invalid classification rules")

// Rule 单条分类规则
type Rule struct {
	ID         string
	Category   fuzzer.Category
	Pattern    *regexp.Regexp
	Confidence float64
	Priority   int
}

// RuleSet 版本化的规则表（按优先级从高到低）
type RuleSet struct {
	Version int
	Rules   []Rule
}

// ruleFile 规则表的YAML结构
type ruleFile struct {
	Version int `yaml:"version"`
	Rules   []struct {
		ID         string  `yaml:"id"`
		Category   string  `yaml:"category"`
		Priority   int     `yaml:"priority"`
		Confidence float64 `yaml:"confidence"`
		Pattern    string  `yaml:"pattern"`
	} `yaml:"rules"`
}

// ParseRules 解析YAML规则表
func ParseRules(data []byte) (*RuleSet, error) {
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRules, err)
	}
	if file.Version <= 0 {
		return nil, fmt.Errorf("%w: missing version", ErrInvalidRules)
	}

	set := &RuleSet{Version: file.Version}
	seen := make(map[string]bool)
	for i, r := range file.Rules {
		if r.ID == "" {
			return nil, fmt.Errorf("%w: rule %d has no id", ErrInvalidRules, i)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("%w: duplicate rule id %s", ErrInvalidRules, r.ID)
		}
		seen[r.ID] = true

		category, err := fuzzer.ParseCategory(r.Category)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %s: %v", ErrInvalidRules, r.ID, err)
		}
		if category == fuzzer.CategoryUncategorized {
			return nil, fmt.Errorf("%w: rule %s cannot target %s", ErrInvalidRules, r.ID, category)
		}
		if r.Confidence < 0 || r.Confidence > 1 {
			return nil, fmt.Errorf("%w: rule %s confidence %.2f out of [0,1]", ErrInvalidRules, r.ID, r.Confidence)
		}
		pattern, err := regexp.Compile(r.Pattern)
		if err != nil || r.Pattern == "" {
			return nil, fmt.Errorf("%w: rule %s has bad pattern: %v", ErrInvalidRules, r.ID, err)
		}

		set.Rules = append(set.Rules, Rule{
			ID:         r.ID,
			Category:   category,
			Pattern:    pattern,
			Confidence: r.Confidence,
			Priority:   r.Priority,
		})
	}

	// 优先级从高到低，同优先级保持文件顺序
	sort.SliceStable(set.Rules, func(i, j int) bool {
		return set.Rules[i].Priority > set.Rules[j].Priority
	})
	return set, nil
}

// LoadRules 从文件加载规则表
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return ParseRules(data)
}

// DefaultRules 内置规则表
func DefaultRules() *RuleSet {
	set, err := ParseRules(defaultRulesYAML)
	if err != nil {
		panic(err)
	}
	return set
}

// Option 分类器选项
type Option func(*Classifier)

// WithConfidence 覆盖某分类所有规则的基础置信度
func WithConfidence(category fuzzer.Category, confidence float64) Option {
	return func(c *Classifier) {
		c.overrides[category] = confidence
	}
}

// WithUncategorizedConfidence 设置未分类发现的置信度
func WithUncategorizedConfidence(confidence float64) Option {
	return func(c *Classifier) {
		c.uncategorized = confidence
	}
}

// Classifier 基于规则表的结果分类器
// 所有方法可并发调用
type Classifier struct {
	mu            sync.RWMutex
	version       int
	rules         []Rule
	overrides     map[fuzzer.Category]float64
	uncategorized float64
}

// New 创建分类器；rules 为空时使用内置规则表
func New(rules *RuleSet, opts ...Option) (*Classifier, error) {
	if rules == nil {
		rules = DefaultRules()
	}
	c := &Classifier{
		version:       rules.Version,
		rules:         append([]Rule(nil), rules.Rules...),
		overrides:     make(map[fuzzer.Category]float64),
		uncategorized: DefaultUncategorizedConfidence,
	}
	for _, opt := range opts {
		opt(c)
	}

	for category, v := range c.overrides {
		if !category.Known() {
			return nil, fmt.Errorf("%w: unknown category %q in confidence override", ErrInvalidRules, category)
		}
		if v < 0 || v > 1 {
			return nil, fmt.Errorf("%w: confidence override for %s out of [0,1]", ErrInvalidRules, category)
		}
	}
	if c.uncategorized < 0 || c.uncategorized > 1 {
		return nil, fmt.Errorf("%w: uncategorized confidence out of [0,1]", ErrInvalidRules)
	}
	return c, nil
}

// Version 规则表版本
func (c *Classifier) Version() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Rules 当前规则（副本，按匹配顺序）
func (c *Classifier) Rules() []Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Rule(nil), c.rules...)
}

// Classify 对执行结果分类
// 成功的执行永远不产生发现；失败的执行总会产生一个发现（可能为未分类）
func (c *Classifier) Classify(out fuzzer.ExecutionOutcome) *fuzzer.Finding {
	if out.Succeeded {
		return nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	text := signal(out)
	finding := &fuzzer.Finding{
		Category:    fuzzer.CategoryUncategorized,
		Confidence:  c.uncategorized,
		Severity:    fuzzer.CategoryUncategorized.Severity(),
		EvidenceRef: crypto.Keccak256Hash(out.InputID[:], []byte(out.Diagnostic)),
		Location:    out.Location,
		Ambiguous:   true,
		Diagnostic:  out.Diagnostic,
		InputID:     out.InputID,
		Timestamp:   out.Timestamp,
	}
	if finding.Location == "" {
		finding.Location = UnknownLocation
	}

	if text == "" {
		return finding
	}
	for _, rule := range c.rules {
		if !rule.Pattern.MatchString(text) {
			continue
		}
		confidence := rule.Confidence
		if v, ok := c.overrides[rule.Category]; ok {
			confidence = v
		}
		finding.Category = rule.Category
		finding.Confidence = confidence
		finding.Severity = rule.Category.Severity()
		finding.RuleID = rule.ID
		finding.Ambiguous = false
		return finding
	}
	return finding
}

// signal 用于匹配的诊断文本：诊断信息加程序日志
func signal(out fuzzer.ExecutionOutcome) string {
	if len(out.Logs) == 0 {
		return out.Diagnostic
	}
	parts := make([]string, 0, len(out.Logs)+1)
	if out.Diagnostic != "" {
		parts = append(parts, out.Diagnostic)
	}
	parts = append(parts, out.Logs...)
	return strings.Join(parts, "\n")
}
