package fuzzer

// Ring 定长环形窗口，写满后覆盖最旧元素
type Ring[T any] struct {
	buf   []T
	start int
	size  int
}

// NewRing 创建容量为capacity的窗口，capacity<=0时按1处理
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push 追加元素；溢出时淘汰最旧元素并返回它
func (r *Ring[T]) Push(v T) (evicted T, overflow bool) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = v
		r.size++
		return evicted, false
	}
	evicted = r.buf[r.start]
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
	return evicted, true
}

// At 返回第i个元素（0为最旧）
func (r *Ring[T]) At(i int) T {
	if i < 0 || i >= r.size {
		panic("ring index out of range")
	}
	return r.buf[(r.start+i)%len(r.buf)]
}

// Len 当前元素数
func (r *Ring[T]) Len() int {
	return r.size
}

// Cap 容量
func (r *Ring[T]) Cap() int {
	return len(r.buf)
}

// Last 返回最新元素
func (r *Ring[T]) Last() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.At(r.size - 1), true
}

// Values 按从旧到新的顺序返回副本
func (r *Ring[T]) Values() []T {
	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.At(i)
	}
	return out
}

// Reset 清空窗口
func (r *Ring[T]) Reset() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.start, r.size = 0, 0
}
