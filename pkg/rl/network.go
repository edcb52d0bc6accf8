package rl

import (
	"math"
	"math/rand"
)

// Params 两层MLP参数：输入 → 隐藏层(ReLU) → 每个动作一个Q值
// 在线网络与目标网络各持有一份独立副本，只通过 Clone 复制
type Params struct {
	W1 [][]float64 `json:"w1"` // hidden x input
	B1 []float64   `json:"b1"`
	W2 [][]float64 `json:"w2"` // actions x hidden
	B2 []float64   `json:"b2"`
}

// newParams He初始化
func newParams(input, hidden, output int, rng *rand.Rand) *Params {
	return &Params{
		W1: newMatrix(hidden, input, rng),
		B1: make([]float64, hidden),
		W2: newMatrix(output, hidden, rng),
		B2: make([]float64, output),
	}
}

func newMatrix(rows, cols int, rng *rand.Rand) [][]float64 {
	scale := math.Sqrt(2.0 / float64(cols))
	m := make([][]float64, rows)
	for i := range m {
		m[i] = make([]float64, cols)
		for j := range m[i] {
			m[i][j] = rng.NormFloat64() * scale
		}
	}
	return m
}

// Clone 深拷贝
func (p *Params) Clone() *Params {
	return &Params{
		W1: cloneMatrix(p.W1),
		B1: append([]float64(nil), p.B1...),
		W2: cloneMatrix(p.W2),
		B2: append([]float64(nil), p.B2...),
	}
}

func cloneMatrix(m [][]float64) [][]float64 {
	out := make([][]float64, len(m))
	for i := range m {
		out[i] = append([]float64(nil), m[i]...)
	}
	return out
}

// Dims 返回(输入, 隐藏, 输出)维度
func (p *Params) Dims() (input, hidden, output int) {
	hidden = len(p.W1)
	if hidden > 0 {
		input = len(p.W1[0])
	}
	return input, hidden, len(p.W2)
}

// wellFormed 检查形状一致且没有非有限值
func (p *Params) wellFormed(input, hidden, output int) bool {
	if len(p.W1) != hidden || len(p.B1) != hidden || len(p.W2) != output || len(p.B2) != output {
		return false
	}
	for _, row := range p.W1 {
		if len(row) != input || !finite(row) {
			return false
		}
	}
	for _, row := range p.W2 {
		if len(row) != hidden || !finite(row) {
			return false
		}
	}
	return finite(p.B1) && finite(p.B2)
}

func finite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// forward 前向传播，返回隐藏层激活与Q值
func (p *Params) forward(x []float64) (hidden, q []float64) {
	hidden = make([]float64, len(p.W1))
	for i, row := range p.W1 {
		sum := p.B1[i]
		for j, w := range row {
			sum += w * x[j]
		}
		if sum > 0 {
			hidden[i] = sum
		}
	}

	q = make([]float64, len(p.W2))
	for i, row := range p.W2 {
		sum := p.B2[i]
		for j, w := range row {
			sum += w * hidden[j]
		}
		q[i] = sum
	}
	return hidden, q
}

// Q 返回各动作的Q值
func (p *Params) Q(x []float64) []float64 {
	_, q := p.forward(x)
	return q
}

// gradients 与Params同形的梯度累加器
type gradients struct {
	w1 [][]float64
	b1 []float64
	w2 [][]float64
	b2 []float64
	n  int
}

func newGradients(p *Params) *gradients {
	zero := func(m [][]float64) [][]float64 {
		out := make([][]float64, len(m))
		for i := range m {
			out[i] = make([]float64, len(m[i]))
		}
		return out
	}
	return &gradients{
		w1: zero(p.W1),
		b1: make([]float64, len(p.B1)),
		w2: zero(p.W2),
		b2: make([]float64, len(p.B2)),
	}
}

// accumulate 对选中动作的平方误差 (Q(x,a)-target)^2/2 反向传播，返回该样本误差
func (g *gradients) accumulate(p *Params, x []float64, action int, target float64) float64 {
	hidden, q := p.forward(x)
	delta := q[action] - target

	// 输出层：只有被选动作的输出有梯度
	for j, h := range hidden {
		g.w2[action][j] += delta * h
	}
	g.b2[action] += delta

	// 隐藏层（ReLU导数）
	for i, h := range hidden {
		if h <= 0 {
			continue
		}
		dh := p.W2[action][i] * delta
		for j, xj := range x {
			g.w1[i][j] += dh * xj
		}
		g.b1[i] += dh
	}

	g.n++
	return delta
}

// apply 以批均值梯度做一步梯度下降
func (g *gradients) apply(p *Params, lr float64) {
	if g.n == 0 {
		return
	}
	scale := lr / float64(g.n)
	for i := range p.W1 {
		for j := range p.W1[i] {
			p.W1[i][j] -= scale * g.w1[i][j]
		}
		p.B1[i] -= scale * g.b1[i]
	}
	for i := range p.W2 {
		for j := range p.W2[i] {
			p.W2[i][j] -= scale * g.w2[i][j]
		}
		p.B2[i] -= scale * g.b2[i]
	}
}

// argmax 返回最大值下标，相同时取最小下标
func argmax(v []float64) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

func maxOf(v []float64) float64 {
	return v[argmax(v)]
}
