package tensor

import (
	"fmt"
	"runtime"
	"sync"
)

// Conv2DParams describes a square-stride, square-padding 2-D convolution.
type Conv2DParams struct {
	Stride  int
	Padding int
}

// ConvOutputSize returns the spatial output size of a convolution or pooling
// window along one axis.
func ConvOutputSize(in, kernel, stride, padding int) int {
	return (in+2*padding-kernel)/stride + 1
}

// parallelFor splits [0, n) into contiguous chunks, one per worker, and
// calls fn(worker, start, end) concurrently.
func parallelFor(n int, fn func(worker, start, end int)) int {
	workers := runtime.GOMAXPROCS(0)
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		fn(0, 0, n)
		return 1
	}

	chunk := (n + workers - 1) / workers
	var wg sync.WaitGroup
	used := 0
	for w := 0; w < workers; w++ {
		start := w * chunk
		if start >= n {
			break
		}
		end := start + chunk
		if end > n {
			end = n
		}
		used++
		wg.Add(1)
		go func(w, start, end int) {
			defer wg.Done()
			fn(w, start, end)
		}(w, start, end)
	}
	wg.Wait()
	return used
}

type convGeom struct {
	n, c, h, w     int
	o, kh, kw      int
	oh, ow         int
	stride, pad    int
	colRows, colsL int
}

func (g convGeom) im2col(x, cols []float32) {
	for c := 0; c < g.c; c++ {
		for ki := 0; ki < g.kh; ki++ {
			for kj := 0; kj < g.kw; kj++ {
				base := ((c*g.kh+ki)*g.kw + kj) * g.colsL
				for oy := 0; oy < g.oh; oy++ {
					iy := oy*g.stride - g.pad + ki
					rowOff := base + oy*g.ow
					if iy < 0 || iy >= g.h {
						for ox := 0; ox < g.ow; ox++ {
							cols[rowOff+ox] = 0
						}
						continue
					}
					src := (c*g.h + iy) * g.w
					for ox := 0; ox < g.ow; ox++ {
						ix := ox*g.stride - g.pad + kj
						if ix < 0 || ix >= g.w {
							cols[rowOff+ox] = 0
						} else {
							cols[rowOff+ox] = x[src+ix]
						}
					}
				}
			}
		}
	}
}

func (g convGeom) col2im(cols, dx []float32) {
	for c := 0; c < g.c; c++ {
		for ki := 0; ki < g.kh; ki++ {
			for kj := 0; kj < g.kw; kj++ {
				base := ((c*g.kh+ki)*g.kw + kj) * g.colsL
				for oy := 0; oy < g.oh; oy++ {
					iy := oy*g.stride - g.pad + ki
					if iy < 0 || iy >= g.h {
						continue
					}
					dst := (c*g.h + iy) * g.w
					for ox := 0; ox < g.ow; ox++ {
						ix := ox*g.stride - g.pad + kj
						if ix >= 0 && ix < g.w {
							dx[dst+ix] += cols[base+oy*g.ow+ox]
						}
					}
				}
			}
		}
	}
}

type conv2dOp struct {
	inputs []*Tensor // x, weight, bias (bias may be nil)
	geom   convGeom
}

func (op *conv2dOp) Inputs() []*Tensor { return op.inputs }

func (op *conv2dOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	x, w, b := op.inputs[0], op.inputs[1], op.inputs[2]
	g := op.geom
	dy, err := floatData(gradOut, "Conv2D backward")
	if err != nil {
		return nil, err
	}
	xd := x.Data.([]float32)
	wd := w.Data.([]float32)

	inSize := g.c * g.h * g.w
	outSize := g.o * g.colsL
	colSize := g.colRows * g.colsL
	wSize := g.o * g.colRows

	var dx []float32
	if x.requiresGrad {
		dx = make([]float32, len(xd))
	}
	needW := w.requiresGrad

	partialW := make([][]float32, runtime.GOMAXPROCS(0))
	parallelFor(g.n, func(worker, start, end int) {
		cols := make([]float32, colSize)
		var dcols []float32
		if dx != nil {
			dcols = make([]float32, colSize)
		}
		var dw []float32
		if needW {
			dw = make([]float32, wSize)
			partialW[worker] = dw
		}
		for n := start; n < end; n++ {
			dyn := dy[n*outSize : (n+1)*outSize]
			if needW {
				g.im2col(xd[n*inSize:(n+1)*inSize], cols)
				gemm(false, true, g.o, g.colRows, g.colsL, 1, dyn, cols, 1, dw)
			}
			if dx != nil {
				gemm(true, false, g.colRows, g.colsL, g.o, 1, wd, dyn, 0, dcols)
				g.col2im(dcols, dx[n*inSize:(n+1)*inSize])
			}
		}
	})

	grads := make([]*Tensor, 3)
	if dx != nil {
		if grads[0], err = NewTensor(x.Shape, Float32, dx); err != nil {
			return nil, err
		}
	}
	if needW {
		dw := make([]float32, wSize)
		for _, part := range partialW {
			for i, v := range part {
				dw[i] += v
			}
		}
		if grads[1], err = NewTensor(w.Shape, Float32, dw); err != nil {
			return nil, err
		}
	}
	if b != nil && b.requiresGrad {
		db := make([]float32, g.o)
		for n := 0; n < g.n; n++ {
			for o := 0; o < g.o; o++ {
				row := dy[n*outSize+o*g.colsL : n*outSize+(o+1)*g.colsL]
				for _, v := range row {
					db[o] += v
				}
			}
		}
		if grads[2], err = NewTensor(b.Shape, Float32, db); err != nil {
			return nil, err
		}
	}
	return grads, nil
}

// Conv2DAutograd convolves x [N, C, H, W] with weight [O, C, KH, KW] and an
// optional bias [O] using im2col and a single GEMM per image.
func Conv2DAutograd(x, weight, bias *Tensor, params Conv2DParams) (*Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("Conv2D expects 4D input [batch, channels, height, width], got shape %v", x.Shape)
	}
	if len(weight.Shape) != 4 {
		return nil, fmt.Errorf("Conv2D expects 4D weight [out, in, kh, kw], got shape %v", weight.Shape)
	}
	if weight.Shape[1] != x.Shape[1] {
		return nil, fmt.Errorf("channel mismatch: weight expects %d input channels, input has %d", weight.Shape[1], x.Shape[1])
	}
	if params.Stride < 1 || params.Padding < 0 {
		return nil, fmt.Errorf("invalid convolution stride %d / padding %d", params.Stride, params.Padding)
	}
	xd, err := floatData(x, "Conv2D")
	if err != nil {
		return nil, err
	}
	wd, err := floatData(weight, "Conv2D")
	if err != nil {
		return nil, err
	}

	g := convGeom{
		n: x.Shape[0], c: x.Shape[1], h: x.Shape[2], w: x.Shape[3],
		o: weight.Shape[0], kh: weight.Shape[2], kw: weight.Shape[3],
		stride: params.Stride, pad: params.Padding,
	}
	g.oh = ConvOutputSize(g.h, g.kh, g.stride, g.pad)
	g.ow = ConvOutputSize(g.w, g.kw, g.stride, g.pad)
	if g.oh < 1 || g.ow < 1 {
		return nil, fmt.Errorf("Conv2D output would be empty for input %v and kernel %v", x.Shape, weight.Shape)
	}
	g.colRows = g.c * g.kh * g.kw
	g.colsL = g.oh * g.ow

	var bd []float32
	if bias != nil {
		if bd, err = floatData(bias, "Conv2D"); err != nil {
			return nil, err
		}
		if len(bd) != g.o {
			return nil, fmt.Errorf("bias size %d does not match output channels %d", len(bd), g.o)
		}
	}

	inSize := g.c * g.h * g.w
	outSize := g.o * g.colsL
	out := make([]float32, g.n*outSize)

	parallelFor(g.n, func(_, start, end int) {
		cols := make([]float32, g.colRows*g.colsL)
		for n := start; n < end; n++ {
			g.im2col(xd[n*inSize:(n+1)*inSize], cols)
			yn := out[n*outSize : (n+1)*outSize]
			gemm(false, false, g.o, g.colsL, g.colRows, 1, wd, cols, 0, yn)
			if bd != nil {
				for o := 0; o < g.o; o++ {
					row := yn[o*g.colsL : (o+1)*g.colsL]
					for i := range row {
						row[i] += bd[o]
					}
				}
			}
		}
	})

	result, err := NewTensor([]int{g.n, g.o, g.oh, g.ow}, Float32, out)
	if err != nil {
		return nil, err
	}
	return record(result, &conv2dOp{inputs: []*Tensor{x, weight, bias}, geom: g}, x, weight, bias), nil
}
