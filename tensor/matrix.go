package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// gemm computes c = alpha*op(a)*op(b) + beta*c for row-major buffers where
// op(a) is m×k and op(b) is k×n.
func gemm(transA, transB bool, m, n, k int, alpha float32, a, b []float32, beta float32, c []float32) {
	ga := blas32.General{Rows: m, Cols: k, Stride: k, Data: a}
	ta := blas.NoTrans
	if transA {
		ga = blas32.General{Rows: k, Cols: m, Stride: m, Data: a}
		ta = blas.Trans
	}

	gb := blas32.General{Rows: k, Cols: n, Stride: n, Data: b}
	tb := blas.NoTrans
	if transB {
		gb = blas32.General{Rows: n, Cols: k, Stride: k, Data: b}
		tb = blas.Trans
	}

	gc := blas32.General{Rows: m, Cols: n, Stride: n, Data: c}
	blas32.Gemm(ta, tb, alpha, ga, gb, beta, gc)
}

// MatMul multiplies two 2-D Float32 tensors.
func MatMul(t1, t2 *Tensor) (*Tensor, error) {
	if len(t1.Shape) != 2 || len(t2.Shape) != 2 {
		return nil, fmt.Errorf("MatMul requires 2D tensors, got %dD and %dD", len(t1.Shape), len(t2.Shape))
	}
	if t1.Shape[1] != t2.Shape[0] {
		return nil, fmt.Errorf("incompatible shapes for MatMul: %v and %v", t1.Shape, t2.Shape)
	}
	a, err := floatData(t1, "MatMul")
	if err != nil {
		return nil, err
	}
	b, err := floatData(t2, "MatMul")
	if err != nil {
		return nil, err
	}

	m, k, n := t1.Shape[0], t1.Shape[1], t2.Shape[1]
	out := make([]float32, m*n)
	gemm(false, false, m, n, k, 1, a, b, 0, out)
	return NewTensor([]int{m, n}, Float32, out)
}

// Transpose swaps the two axes of a 2-D tensor.
func Transpose(t *Tensor) (*Tensor, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("Transpose requires a 2D tensor, got shape %v", t.Shape)
	}
	a, err := floatData(t, "Transpose")
	if err != nil {
		return nil, err
	}

	rows, cols := t.Shape[0], t.Shape[1]
	out := make([]float32, len(a))
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out[j*rows+i] = a[i*cols+j]
		}
	}
	return NewTensor([]int{cols, rows}, Float32, out)
}

// Softmax normalizes each row of a [N, C] tensor into a probability
// distribution using the max-subtraction form.
func Softmax(logits *Tensor) (*Tensor, error) {
	if len(logits.Shape) != 2 {
		return nil, fmt.Errorf("Softmax expects [batch, classes], got shape %v", logits.Shape)
	}
	data, err := floatData(logits, "Softmax")
	if err != nil {
		return nil, err
	}

	n, c := logits.Shape[0], logits.Shape[1]
	out := make([]float32, len(data))
	for i := 0; i < n; i++ {
		softmaxRow(data[i*c:(i+1)*c], out[i*c:(i+1)*c])
	}
	return NewTensor(logits.Shape, Float32, out)
}

// ArgMax returns the index of the largest value in each row of a [N, C]
// tensor. Ties resolve to the lowest index.
func ArgMax(t *Tensor) ([]int, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("ArgMax expects a 2D tensor, got shape %v", t.Shape)
	}
	data, err := floatData(t, "ArgMax")
	if err != nil {
		return nil, err
	}

	n, c := t.Shape[0], t.Shape[1]
	out := make([]int, n)
	for i := 0; i < n; i++ {
		row := data[i*c : (i+1)*c]
		best := 0
		for j := 1; j < c; j++ {
			if row[j] > row[best] {
				best = j
			}
		}
		out[i] = best
	}
	return out, nil
}
