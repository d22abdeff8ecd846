// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tensor implements dense float64 matrices with reverse-mode
// automatic differentiation. Every operation that participates in a loss
// records a backward closure; calling Backward on a scalar result propagates
// gradients to all trainable leaves.
package tensor

import (
	"fmt"
	"math"
	"math/rand"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Tensor is a row-major matrix. Grad is allocated lazily and only carried
// for tensors that require gradients or depend on one that does.
type Tensor struct {
	Rows int
	Cols int
	Data []float64

	Grad         []float64
	RequiresGrad bool

	deps []*Tensor
	back func()
}

// New creates a tensor wrapping the given data. The slice is not copied;
// len(data) must be rows*cols.
func New(rows, cols int, data []float64) *Tensor {
	if len(data) != rows*cols {
		panic(fmt.Sprintf("tensor: data length %d does not match %dx%d", len(data), rows, cols))
	}
	return &Tensor{Rows: rows, Cols: cols, Data: data}
}

// Zeros creates a zero-filled tensor.
func Zeros(rows, cols int) *Tensor {
	return &Tensor{Rows: rows, Cols: cols, Data: make([]float64, rows*cols)}
}

// FromRows creates a tensor by copying a slice of equally sized rows.
func FromRows(rows [][]float64) *Tensor {
	if len(rows) == 0 {
		return Zeros(0, 0)
	}
	cols := len(rows[0])
	t := Zeros(len(rows), cols)
	for i, r := range rows {
		if len(r) != cols {
			panic(fmt.Sprintf("tensor: ragged row %d: %d != %d", i, len(r), cols))
		}
		copy(t.Data[i*cols:(i+1)*cols], r)
	}
	return t
}

// Param creates a trainable tensor with Glorot-uniform initialization.
func Param(rows, cols int, rng *rand.Rand) *Tensor {
	t := Zeros(rows, cols)
	limit := math.Sqrt(6.0 / float64(rows+cols))
	for i := range t.Data {
		t.Data[i] = (rng.Float64()*2 - 1) * limit
	}
	t.RequiresGrad = true
	t.Grad = make([]float64, rows*cols)
	return t
}

// At returns the element at (i, j).
func (t *Tensor) At(i, j int) float64 { return t.Data[i*t.Cols+j] }

// Set assigns the element at (i, j).
func (t *Tensor) Set(i, j int, v float64) { t.Data[i*t.Cols+j] = v }

// Row returns a copy of row i as a plain slice.
func (t *Tensor) Row(i int) []float64 {
	out := make([]float64, t.Cols)
	copy(out, t.Data[i*t.Cols:(i+1)*t.Cols])
	return out
}

// Clone returns a detached deep copy (no gradient history).
func (t *Tensor) Clone() *Tensor {
	c := Zeros(t.Rows, t.Cols)
	copy(c.Data, t.Data)
	return c
}

// Value returns the single element of a 1x1 tensor.
func (t *Tensor) Value() float64 {
	if t.Rows != 1 || t.Cols != 1 {
		panic(fmt.Sprintf("tensor: Value on %dx%d tensor", t.Rows, t.Cols))
	}
	return t.Data[0]
}

// ZeroGrad resets the accumulated gradient.
func (t *Tensor) ZeroGrad() {
	if t.Grad == nil {
		return
	}
	for i := range t.Grad {
		t.Grad[i] = 0
	}
}

func (t *Tensor) needsGrad() bool { return t.RequiresGrad || t.back != nil }

func (t *Tensor) ensureGrad() {
	if t.Grad == nil {
		t.Grad = make([]float64, t.Rows*t.Cols)
	}
}

// result wires a new tensor into the graph when any dependency carries
// gradients; otherwise the backward closure is discarded.
func result(rows, cols int, data []float64, back func(out *Tensor), deps ...*Tensor) *Tensor {
	out := New(rows, cols, data)
	tracked := false
	for _, d := range deps {
		if d.needsGrad() {
			tracked = true
			break
		}
	}
	if tracked && back != nil {
		out.deps = deps
		out.back = func() { back(out) }
		out.ensureGrad()
		for _, d := range deps {
			if d.needsGrad() {
				d.ensureGrad()
			}
		}
	}
	return out
}

// Backward runs reverse-mode differentiation from a scalar tensor.
func (t *Tensor) Backward() {
	if t.Rows != 1 || t.Cols != 1 {
		panic("tensor: Backward requires a 1x1 tensor")
	}
	order := make([]*Tensor, 0, 64)
	visited := make(map[*Tensor]bool)
	var visit func(n *Tensor)
	visit = func(n *Tensor) {
		if visited[n] || n.back == nil {
			return
		}
		visited[n] = true
		for _, d := range n.deps {
			visit(d)
		}
		order = append(order, n)
	}
	visit(t)
	t.ensureGrad()
	t.Grad[0] = 1
	for i := len(order) - 1; i >= 0; i-- {
		order[i].back()
	}
}

// Fused wires an externally computed op into the graph. back receives the
// output tensor (with Grad populated) and must accumulate into the
// dependencies' Grad slices. Used for ops with closed-form gradients that
// would be wasteful to express through elementwise primitives.
func Fused(rows, cols int, data []float64, back func(out *Tensor), deps ...*Tensor) *Tensor {
	return result(rows, cols, data, back, deps...)
}

// matmulParallelThreshold is the work size above which MatMul fans out
// row blocks to an errgroup.
const matmulParallelThreshold = 64 * 64 * 64

// MatMul returns a @ b.
func MatMul(a, b *Tensor) *Tensor {
	if a.Cols != b.Rows {
		panic(fmt.Sprintf("tensor: matmul %dx%d @ %dx%d", a.Rows, a.Cols, b.Rows, b.Cols))
	}
	data := make([]float64, a.Rows*b.Cols)
	mulInto(data, a.Rows, a.Cols, b.Cols, a.Data, b.Data)
	return result(a.Rows, b.Cols, data, func(out *Tensor) {
		if a.needsGrad() {
			// dA = dOut @ B^T
			bt := transposeData(b.Data, b.Rows, b.Cols)
			grad := make([]float64, a.Rows*a.Cols)
			mulInto(grad, a.Rows, b.Cols, a.Cols, out.Grad, bt)
			addInto(a.Grad, grad)
		}
		if b.needsGrad() {
			// dB = A^T @ dOut
			at := transposeData(a.Data, a.Rows, a.Cols)
			grad := make([]float64, b.Rows*b.Cols)
			mulInto(grad, a.Cols, a.Rows, b.Cols, at, out.Grad)
			addInto(b.Grad, grad)
		}
	}, a, b)
}

func mulInto(dst []float64, m, k, n int, a, b []float64) {
	if m*k*n < matmulParallelThreshold {
		mulRange(dst, 0, m, k, n, a, b)
		return
	}
	workers := runtime.GOMAXPROCS(0)
	if workers > m {
		workers = m
	}
	var g errgroup.Group
	chunk := (m + workers - 1) / workers
	for w := 0; w < workers; w++ {
		lo := w * chunk
		hi := lo + chunk
		if hi > m {
			hi = m
		}
		if lo >= hi {
			break
		}
		g.Go(func() error {
			mulRange(dst, lo, hi, k, n, a, b)
			return nil
		})
	}
	// Workers never return errors; Wait is only a join point.
	_ = g.Wait()
}

func mulRange(dst []float64, lo, hi, k, n int, a, b []float64) {
	for i := lo; i < hi; i++ {
		ai := a[i*k : (i+1)*k]
		di := dst[i*n : (i+1)*n]
		for p, av := range ai {
			if av == 0 {
				continue
			}
			bp := b[p*n : (p+1)*n]
			for j, bv := range bp {
				di[j] += av * bv
			}
		}
	}
}

func transposeData(d []float64, rows, cols int) []float64 {
	out := make([]float64, len(d))
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out[j*rows+i] = d[i*cols+j]
		}
	}
	return out
}

func addInto(dst, src []float64) {
	for i, v := range src {
		dst[i] += v
	}
}

// Transpose returns a^T.
func Transpose(a *Tensor) *Tensor {
	data := transposeData(a.Data, a.Rows, a.Cols)
	return result(a.Cols, a.Rows, data, func(out *Tensor) {
		if a.needsGrad() {
			addInto(a.Grad, transposeData(out.Grad, out.Rows, out.Cols))
		}
	}, a)
}

// Add returns a + b for same-shaped tensors.
func Add(a, b *Tensor) *Tensor {
	checkSameShape("add", a, b)
	data := make([]float64, len(a.Data))
	for i := range data {
		data[i] = a.Data[i] + b.Data[i]
	}
	return result(a.Rows, a.Cols, data, func(out *Tensor) {
		if a.needsGrad() {
			addInto(a.Grad, out.Grad)
		}
		if b.needsGrad() {
			addInto(b.Grad, out.Grad)
		}
	}, a, b)
}

// Sub returns a - b.
func Sub(a, b *Tensor) *Tensor { return Add(a, Scale(b, -1)) }

// Mul returns the elementwise product a * b.
func Mul(a, b *Tensor) *Tensor {
	checkSameShape("mul", a, b)
	data := make([]float64, len(a.Data))
	for i := range data {
		data[i] = a.Data[i] * b.Data[i]
	}
	return result(a.Rows, a.Cols, data, func(out *Tensor) {
		if a.needsGrad() {
			for i := range a.Grad {
				a.Grad[i] += out.Grad[i] * b.Data[i]
			}
		}
		if b.needsGrad() {
			for i := range b.Grad {
				b.Grad[i] += out.Grad[i] * a.Data[i]
			}
		}
	}, a, b)
}

// AddRow broadcasts a 1xC row vector onto every row of a.
func AddRow(a, row *Tensor) *Tensor {
	if row.Rows != 1 || row.Cols != a.Cols {
		panic(fmt.Sprintf("tensor: addrow %dx%d + %dx%d", a.Rows, a.Cols, row.Rows, row.Cols))
	}
	data := make([]float64, len(a.Data))
	for i := 0; i < a.Rows; i++ {
		for j := 0; j < a.Cols; j++ {
			data[i*a.Cols+j] = a.Data[i*a.Cols+j] + row.Data[j]
		}
	}
	return result(a.Rows, a.Cols, data, func(out *Tensor) {
		if a.needsGrad() {
			addInto(a.Grad, out.Grad)
		}
		if row.needsGrad() {
			for i := 0; i < a.Rows; i++ {
				for j := 0; j < a.Cols; j++ {
					row.Grad[j] += out.Grad[i*a.Cols+j]
				}
			}
		}
	}, a, row)
}

// MulCol broadcasts an Rx1 column vector across the columns of a. Used for
// masking padded token rows.
func MulCol(a, col *Tensor) *Tensor {
	if col.Cols != 1 || col.Rows != a.Rows {
		panic(fmt.Sprintf("tensor: mulcol %dx%d * %dx%d", a.Rows, a.Cols, col.Rows, col.Cols))
	}
	data := make([]float64, len(a.Data))
	for i := 0; i < a.Rows; i++ {
		for j := 0; j < a.Cols; j++ {
			data[i*a.Cols+j] = a.Data[i*a.Cols+j] * col.Data[i]
		}
	}
	return result(a.Rows, a.Cols, data, func(out *Tensor) {
		if a.needsGrad() {
			for i := 0; i < a.Rows; i++ {
				for j := 0; j < a.Cols; j++ {
					a.Grad[i*a.Cols+j] += out.Grad[i*a.Cols+j] * col.Data[i]
				}
			}
		}
		if col.needsGrad() {
			for i := 0; i < a.Rows; i++ {
				var s float64
				for j := 0; j < a.Cols; j++ {
					s += out.Grad[i*a.Cols+j] * a.Data[i*a.Cols+j]
				}
				col.Grad[i] += s
			}
		}
	}, a, col)
}

// Scale returns a * s.
func Scale(a *Tensor, s float64) *Tensor {
	data := make([]float64, len(a.Data))
	for i := range data {
		data[i] = a.Data[i] * s
	}
	return result(a.Rows, a.Cols, data, func(out *Tensor) {
		if a.needsGrad() {
			for i := range a.Grad {
				a.Grad[i] += out.Grad[i] * s
			}
		}
	}, a)
}

// AddScalar returns a + s elementwise.
func AddScalar(a *Tensor, s float64) *Tensor {
	data := make([]float64, len(a.Data))
	for i := range data {
		data[i] = a.Data[i] + s
	}
	return result(a.Rows, a.Cols, data, func(out *Tensor) {
		if a.needsGrad() {
			addInto(a.Grad, out.Grad)
		}
	}, a)
}

// ReLU returns max(a, 0) elementwise.
func ReLU(a *Tensor) *Tensor {
	data := make([]float64, len(a.Data))
	for i, v := range a.Data {
		if v > 0 {
			data[i] = v
		}
	}
	return result(a.Rows, a.Cols, data, func(out *Tensor) {
		if a.needsGrad() {
			for i := range a.Grad {
				if a.Data[i] > 0 {
					a.Grad[i] += out.Grad[i]
				}
			}
		}
	}, a)
}

// Softplus returns log(1+exp(a)) elementwise, computed stably.
func Softplus(a *Tensor) *Tensor {
	data := make([]float64, len(a.Data))
	for i, v := range a.Data {
		if v > 30 {
			data[i] = v
		} else {
			data[i] = math.Log1p(math.Exp(v))
		}
	}
	return result(a.Rows, a.Cols, data, func(out *Tensor) {
		if a.needsGrad() {
			for i := range a.Grad {
				a.Grad[i] += out.Grad[i] / (1 + math.Exp(-a.Data[i]))
			}
		}
	}, a)
}

// SoftmaxRows applies a numerically stable softmax to each row.
func SoftmaxRows(a *Tensor) *Tensor {
	data := make([]float64, len(a.Data))
	for i := 0; i < a.Rows; i++ {
		row := a.Data[i*a.Cols : (i+1)*a.Cols]
		o := data[i*a.Cols : (i+1)*a.Cols]
		maxv := math.Inf(-1)
		for _, v := range row {
			if v > maxv {
				maxv = v
			}
		}
		var sum float64
		for j, v := range row {
			o[j] = math.Exp(v - maxv)
			sum += o[j]
		}
		for j := range o {
			o[j] /= sum
		}
	}
	return result(a.Rows, a.Cols, data, func(out *Tensor) {
		if !a.needsGrad() {
			return
		}
		// dX = Y * (dY - sum(dY * Y)) per row.
		for i := 0; i < a.Rows; i++ {
			var dot float64
			base := i * a.Cols
			for j := 0; j < a.Cols; j++ {
				dot += out.Grad[base+j] * out.Data[base+j]
			}
			for j := 0; j < a.Cols; j++ {
				a.Grad[base+j] += out.Data[base+j] * (out.Grad[base+j] - dot)
			}
		}
	}, a)
}

// LogSumExpRows reduces each row to log(sum(exp(row))), producing Rx1.
func LogSumExpRows(a *Tensor) *Tensor {
	data := make([]float64, a.Rows)
	for i := 0; i < a.Rows; i++ {
		row := a.Data[i*a.Cols : (i+1)*a.Cols]
		data[i] = logSumExp(row)
	}
	return result(a.Rows, 1, data, func(out *Tensor) {
		if !a.needsGrad() {
			return
		}
		for i := 0; i < a.Rows; i++ {
			base := i * a.Cols
			for j := 0; j < a.Cols; j++ {
				a.Grad[base+j] += out.Grad[i] * math.Exp(a.Data[base+j]-out.Data[i])
			}
		}
	}, a)
}

func logSumExp(row []float64) float64 {
	maxv := math.Inf(-1)
	for _, v := range row {
		if v > maxv {
			maxv = v
		}
	}
	if math.IsInf(maxv, -1) {
		return maxv
	}
	var sum float64
	for _, v := range row {
		sum += math.Exp(v - maxv)
	}
	return maxv + math.Log(sum)
}

// MaxRows reduces each row to its maximum, producing Rx1. Gradient flows to
// the first maximal element of each row.
func MaxRows(a *Tensor) *Tensor {
	data := make([]float64, a.Rows)
	arg := make([]int, a.Rows)
	for i := 0; i < a.Rows; i++ {
		row := a.Data[i*a.Cols : (i+1)*a.Cols]
		best := math.Inf(-1)
		bi := 0
		for j, v := range row {
			if v > best {
				best = v
				bi = j
			}
		}
		data[i] = best
		arg[i] = bi
	}
	return result(a.Rows, 1, data, func(out *Tensor) {
		if !a.needsGrad() {
			return
		}
		for i := 0; i < a.Rows; i++ {
			a.Grad[i*a.Cols+arg[i]] += out.Grad[i]
		}
	}, a)
}

// SumRows sums all rows into a 1xC vector.
func SumRows(a *Tensor) *Tensor {
	data := make([]float64, a.Cols)
	for i := 0; i < a.Rows; i++ {
		for j := 0; j < a.Cols; j++ {
			data[j] += a.Data[i*a.Cols+j]
		}
	}
	return result(1, a.Cols, data, func(out *Tensor) {
		if !a.needsGrad() {
			return
		}
		for i := 0; i < a.Rows; i++ {
			for j := 0; j < a.Cols; j++ {
				a.Grad[i*a.Cols+j] += out.Grad[j]
			}
		}
	}, a)
}

// SumAll reduces the tensor to a 1x1 scalar.
func SumAll(a *Tensor) *Tensor {
	var s float64
	for _, v := range a.Data {
		s += v
	}
	return result(1, 1, []float64{s}, func(out *Tensor) {
		if a.needsGrad() {
			for i := range a.Grad {
				a.Grad[i] += out.Grad[0]
			}
		}
	}, a)
}

// MeanAll reduces the tensor to the mean of its elements.
func MeanAll(a *Tensor) *Tensor {
	return Scale(SumAll(a), 1/float64(len(a.Data)))
}

// ConcatCols concatenates tensors with equal row counts along the column
// axis.
func ConcatCols(ts ...*Tensor) *Tensor {
	rows := ts[0].Rows
	cols := 0
	for _, t := range ts {
		if t.Rows != rows {
			panic("tensor: concatcols row mismatch")
		}
		cols += t.Cols
	}
	data := make([]float64, rows*cols)
	off := 0
	for _, t := range ts {
		for i := 0; i < rows; i++ {
			copy(data[i*cols+off:i*cols+off+t.Cols], t.Data[i*t.Cols:(i+1)*t.Cols])
		}
		off += t.Cols
	}
	return result(rows, cols, data, func(out *Tensor) {
		off := 0
		for _, t := range ts {
			if t.needsGrad() {
				for i := 0; i < rows; i++ {
					for j := 0; j < t.Cols; j++ {
						t.Grad[i*t.Cols+j] += out.Grad[i*cols+off+j]
					}
				}
			}
			off += t.Cols
		}
	}, ts...)
}

// ConcatRows concatenates tensors with equal column counts along the row
// axis.
func ConcatRows(ts ...*Tensor) *Tensor {
	cols := ts[0].Cols
	rows := 0
	for _, t := range ts {
		if t.Cols != cols {
			panic("tensor: concatrows col mismatch")
		}
		rows += t.Rows
	}
	data := make([]float64, rows*cols)
	off := 0
	for _, t := range ts {
		copy(data[off:off+len(t.Data)], t.Data)
		off += len(t.Data)
	}
	return result(rows, cols, data, func(out *Tensor) {
		off := 0
		for _, t := range ts {
			if t.needsGrad() {
				for i := range t.Grad {
					t.Grad[i] += out.Grad[off+i]
				}
			}
			off += len(t.Data)
		}
	}, ts...)
}

// SliceRows returns rows [lo, hi) as a new tensor connected to the graph.
func SliceRows(a *Tensor, lo, hi int) *Tensor {
	if lo < 0 || hi > a.Rows || lo > hi {
		panic(fmt.Sprintf("tensor: slicerows [%d,%d) of %d", lo, hi, a.Rows))
	}
	data := make([]float64, (hi-lo)*a.Cols)
	copy(data, a.Data[lo*a.Cols:hi*a.Cols])
	return result(hi-lo, a.Cols, data, func(out *Tensor) {
		if a.needsGrad() {
			for i := range out.Grad {
				a.Grad[lo*a.Cols+i] += out.Grad[i]
			}
		}
	}, a)
}

// GatherRows selects rows of a by index, duplicates allowed.
func GatherRows(a *Tensor, idx []int) *Tensor {
	data := make([]float64, len(idx)*a.Cols)
	for i, r := range idx {
		copy(data[i*a.Cols:(i+1)*a.Cols], a.Data[r*a.Cols:(r+1)*a.Cols])
	}
	return result(len(idx), a.Cols, data, func(out *Tensor) {
		if a.needsGrad() {
			for i, r := range idx {
				for j := 0; j < a.Cols; j++ {
					a.Grad[r*a.Cols+j] += out.Grad[i*a.Cols+j]
				}
			}
		}
	}, a)
}

// Dropout zeroes elements with probability rate and scales survivors by
// 1/(1-rate). Identity when not training or rate <= 0.
func Dropout(a *Tensor, rate float64, rng *rand.Rand, training bool) *Tensor {
	if !training || rate <= 0 {
		return a
	}
	keep := 1 - rate
	mask := make([]float64, len(a.Data))
	data := make([]float64, len(a.Data))
	for i := range mask {
		if rng.Float64() < keep {
			mask[i] = 1 / keep
			data[i] = a.Data[i] * mask[i]
		}
	}
	return result(a.Rows, a.Cols, data, func(out *Tensor) {
		if a.needsGrad() {
			for i := range a.Grad {
				a.Grad[i] += out.Grad[i] * mask[i]
			}
		}
	}, a)
}

// L2NormalizeRows scales each row to unit L2 norm. Zero rows stay zero.
func L2NormalizeRows(a *Tensor) *Tensor {
	data := make([]float64, len(a.Data))
	norms := make([]float64, a.Rows)
	for i := 0; i < a.Rows; i++ {
		var s float64
		for j := 0; j < a.Cols; j++ {
			v := a.Data[i*a.Cols+j]
			s += v * v
		}
		n := math.Sqrt(s)
		norms[i] = n
		if n == 0 {
			continue
		}
		for j := 0; j < a.Cols; j++ {
			data[i*a.Cols+j] = a.Data[i*a.Cols+j] / n
		}
	}
	return result(a.Rows, a.Cols, data, func(out *Tensor) {
		if !a.needsGrad() {
			return
		}
		for i := 0; i < a.Rows; i++ {
			n := norms[i]
			if n == 0 {
				continue
			}
			base := i * a.Cols
			var dot float64
			for j := 0; j < a.Cols; j++ {
				dot += out.Grad[base+j] * out.Data[base+j]
			}
			for j := 0; j < a.Cols; j++ {
				a.Grad[base+j] += (out.Grad[base+j] - dot*out.Data[base+j]) / n
			}
		}
	}, a)
}

// LayerNormRows normalizes each row to zero mean and unit variance, then
// applies the learned gain and bias (both 1xC).
func LayerNormRows(a, gamma, beta *Tensor, eps float64) *Tensor {
	if gamma.Cols != a.Cols || beta.Cols != a.Cols {
		panic("tensor: layernorm gain/bias width mismatch")
	}
	data := make([]float64, len(a.Data))
	xhat := make([]float64, len(a.Data))
	invStd := make([]float64, a.Rows)
	for i := 0; i < a.Rows; i++ {
		base := i * a.Cols
		var mean float64
		for j := 0; j < a.Cols; j++ {
			mean += a.Data[base+j]
		}
		mean /= float64(a.Cols)
		var variance float64
		for j := 0; j < a.Cols; j++ {
			d := a.Data[base+j] - mean
			variance += d * d
		}
		variance /= float64(a.Cols)
		inv := 1 / math.Sqrt(variance+eps)
		invStd[i] = inv
		for j := 0; j < a.Cols; j++ {
			xhat[base+j] = (a.Data[base+j] - mean) * inv
			data[base+j] = xhat[base+j]*gamma.Data[j] + beta.Data[j]
		}
	}
	return result(a.Rows, a.Cols, data, func(out *Tensor) {
		n := float64(a.Cols)
		for i := 0; i < a.Rows; i++ {
			base := i * a.Cols
			var sumDy, sumDyXhat float64
			dy := make([]float64, a.Cols)
			for j := 0; j < a.Cols; j++ {
				dy[j] = out.Grad[base+j] * gamma.Data[j]
				sumDy += dy[j]
				sumDyXhat += dy[j] * xhat[base+j]
			}
			if a.needsGrad() {
				for j := 0; j < a.Cols; j++ {
					a.Grad[base+j] += invStd[i] / n * (n*dy[j] - sumDy - xhat[base+j]*sumDyXhat)
				}
			}
			if gamma.needsGrad() {
				for j := 0; j < a.Cols; j++ {
					gamma.Grad[j] += out.Grad[base+j] * xhat[base+j]
				}
			}
			if beta.needsGrad() {
				for j := 0; j < a.Cols; j++ {
					beta.Grad[j] += out.Grad[base+j]
				}
			}
		}
	}, a, gamma, beta)
}

func checkSameShape(op string, a, b *Tensor) {
	if a.Rows != b.Rows || a.Cols != b.Cols {
		panic(fmt.Sprintf("tensor: %s shape mismatch %dx%d vs %dx%d", op, a.Rows, a.Cols, b.Rows, b.Cols))
	}
}
