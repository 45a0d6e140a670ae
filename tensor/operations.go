package tensor

import (
	"fmt"
	"math"
)

func checkSameShape(op string, t1, t2 *Tensor) error {
	if t1.DType != t2.DType {
		return fmt.Errorf("%s: tensors must have same dtype: %s vs %s", op, t1.DType, t2.DType)
	}
	if !shapesEqual(t1.Shape, t2.Shape) {
		return fmt.Errorf("%s: tensor shapes must match: %v vs %v", op, t1.Shape, t2.Shape)
	}
	return nil
}

// binaryFloat applies fn element-wise to two same-shaped Float32 tensors.
func binaryFloat(op string, t1, t2 *Tensor, fn func(a, b float32) float32) (*Tensor, error) {
	if err := checkSameShape(op, t1, t2); err != nil {
		return nil, err
	}
	a, err := floatData(t1, op)
	if err != nil {
		return nil, err
	}
	b, err := floatData(t2, op)
	if err != nil {
		return nil, err
	}

	out := make([]float32, len(a))
	for i := range a {
		out[i] = fn(a[i], b[i])
	}
	return NewTensor(t1.Shape, Float32, out)
}

// unaryFloat applies fn element-wise to a Float32 tensor.
func unaryFloat(op string, t *Tensor, fn func(float32) float32) (*Tensor, error) {
	a, err := floatData(t, op)
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(a))
	for i, v := range a {
		out[i] = fn(v)
	}
	return NewTensor(t.Shape, Float32, out)
}

func Add(t1, t2 *Tensor) (*Tensor, error) {
	return binaryFloat("Add", t1, t2, func(a, b float32) float32 { return a + b })
}

func Sub(t1, t2 *Tensor) (*Tensor, error) {
	return binaryFloat("Sub", t1, t2, func(a, b float32) float32 { return a - b })
}

func Mul(t1, t2 *Tensor) (*Tensor, error) {
	return binaryFloat("Mul", t1, t2, func(a, b float32) float32 { return a * b })
}

func Div(t1, t2 *Tensor) (*Tensor, error) {
	if data, err := floatData(t2, "Div"); err == nil {
		for i, v := range data {
			if v == 0 {
				return nil, fmt.Errorf("division by zero at index %d", i)
			}
		}
	}
	return binaryFloat("Div", t1, t2, func(a, b float32) float32 { return a / b })
}

// Scale multiplies every element by s.
func Scale(t *Tensor, s float32) (*Tensor, error) {
	return unaryFloat("Scale", t, func(v float32) float32 { return v * s })
}

func ReLU(t *Tensor) (*Tensor, error) {
	return unaryFloat("ReLU", t, func(v float32) float32 {
		if v > 0 {
			return v
		}
		return 0
	})
}

func Exp(t *Tensor) (*Tensor, error) {
	return unaryFloat("Exp", t, func(v float32) float32 { return float32(math.Exp(float64(v))) })
}

func Log(t *Tensor) (*Tensor, error) {
	a, err := floatData(t, "Log")
	if err != nil {
		return nil, err
	}
	for i, v := range a {
		if v <= 0 {
			return nil, fmt.Errorf("logarithm of non-positive number at index %d: %f", i, v)
		}
	}
	return unaryFloat("Log", t, func(v float32) float32 { return float32(math.Log(float64(v))) })
}

func Sqrt(t *Tensor) (*Tensor, error) {
	a, err := floatData(t, "Sqrt")
	if err != nil {
		return nil, err
	}
	for i, v := range a {
		if v < 0 {
			return nil, fmt.Errorf("square root of negative number at index %d: %f", i, v)
		}
	}
	return unaryFloat("Sqrt", t, func(v float32) float32 { return float32(math.Sqrt(float64(v))) })
}

// addInto accumulates src into dst in place.
func addInto(dst, src *Tensor) error {
	a, err := floatData(dst, "addInto")
	if err != nil {
		return err
	}
	b, err := floatData(src, "addInto")
	if err != nil {
		return err
	}
	if len(a) != len(b) {
		return fmt.Errorf("gradient size mismatch: %d vs %d", len(a), len(b))
	}
	for i := range a {
		a[i] += b[i]
	}
	return nil
}
