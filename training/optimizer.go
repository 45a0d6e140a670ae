package training

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/go-histocv/tensor"
)

// ErrNoParameters is returned when an optimizer is asked to manage nothing.
var ErrNoParameters = errors.New("optimizer requires at least one trainable parameter")

// Optimizer interface defines the methods that all optimizers must implement
type Optimizer interface {
	Step() error      // Updates the managed parameters from their gradients
	ZeroGrad()        // Clears gradients of the managed parameters
	GetLR() float64   // Gets current learning rate
	SetLR(lr float64) // Sets learning rate
	Parameters() []*tensor.Tensor
}

// checkParameters rejects empty or non-trainable parameter lists so an
// optimizer always updates exactly the list it was given.
func checkParameters(parameters []*tensor.Tensor) error {
	if len(parameters) == 0 {
		return ErrNoParameters
	}
	for i, p := range parameters {
		if p == nil {
			return errors.Errorf("parameter %d is nil", i)
		}
		if !p.RequiresGrad() {
			return errors.Errorf("parameter %d (%v) is frozen", i, p.Shape)
		}
	}
	return nil
}

// SGD implements Stochastic Gradient Descent with optional momentum and
// weight decay.
type SGD struct {
	parameters   []*tensor.Tensor
	learningRate float64
	momentum     float64
	weightDecay  float64
	velocities   map[*tensor.Tensor][]float32
	mutex        sync.RWMutex
}

// NewSGD creates a new SGD optimizer over exactly the given parameters
func NewSGD(parameters []*tensor.Tensor, lr, momentum, weightDecay float64) (*SGD, error) {
	if err := checkParameters(parameters); err != nil {
		return nil, err
	}
	return &SGD{
		parameters:   parameters,
		learningRate: lr,
		momentum:     momentum,
		weightDecay:  weightDecay,
		velocities:   make(map[*tensor.Tensor][]float32),
	}, nil
}

// Step performs a single optimization step
func (sgd *SGD) Step() error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	lr := float32(sgd.learningRate)
	for _, param := range sgd.parameters {
		if param.Grad() == nil {
			continue
		}
		w, err := param.Float32Data()
		if err != nil {
			return fmt.Errorf("parameter update failed: %v", err)
		}
		g := param.Grad().Data.([]float32)

		var v []float32
		if sgd.momentum > 0 {
			v = sgd.velocities[param]
			if v == nil {
				v = make([]float32, len(w))
				sgd.velocities[param] = v
			}
		}
		for i := range w {
			d := g[i] + float32(sgd.weightDecay)*w[i]
			if v != nil {
				// velocity = momentum * velocity + grad
				v[i] = float32(sgd.momentum)*v[i] + d
				d = v[i]
			}
			w[i] -= lr * d
		}
	}
	return nil
}

// ZeroGrad resets gradients for all managed parameters
func (sgd *SGD) ZeroGrad() {
	tensor.ZeroGrad(sgd.parameters)
}

// GetLR returns the current learning rate
func (sgd *SGD) GetLR() float64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.learningRate
}

// SetLR sets the learning rate
func (sgd *SGD) SetLR(lr float64) {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	sgd.learningRate = lr
}

func (sgd *SGD) Parameters() []*tensor.Tensor { return sgd.parameters }

// Adam implements the Adam optimizer
type Adam struct {
	parameters  []*tensor.Tensor
	lr          float64
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64
	step        int64
	m           map[*tensor.Tensor][]float32 // First moment estimates
	v           map[*tensor.Tensor][]float32 // Second moment estimates
	mutex       sync.RWMutex
}

// NewAdam creates a new Adam optimizer over exactly the given parameters
func NewAdam(parameters []*tensor.Tensor, lr, beta1, beta2, eps, weightDecay float64) (*Adam, error) {
	if err := checkParameters(parameters); err != nil {
		return nil, err
	}
	adam := &Adam{
		parameters:  parameters,
		lr:          lr,
		beta1:       beta1,
		beta2:       beta2,
		eps:         eps,
		weightDecay: weightDecay,
		m:           make(map[*tensor.Tensor][]float32),
		v:           make(map[*tensor.Tensor][]float32),
	}
	for _, param := range parameters {
		adam.m[param] = make([]float32, param.NumElems)
		adam.v[param] = make([]float32, param.NumElems)
	}
	return adam, nil
}

// Step performs a single optimization step
func (adam *Adam) Step() error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	adam.step++

	// Bias correction factors
	bias1 := 1.0 - math.Pow(adam.beta1, float64(adam.step))
	bias2 := 1.0 - math.Pow(adam.beta2, float64(adam.step))

	for _, param := range adam.parameters {
		if param.Grad() == nil {
			continue
		}
		w, err := param.Float32Data()
		if err != nil {
			return fmt.Errorf("parameter update failed: %v", err)
		}
		g := param.Grad().Data.([]float32)
		m, v := adam.m[param], adam.v[param]

		for i := range w {
			grad := float64(g[i]) + adam.weightDecay*float64(w[i])
			m[i] = float32(adam.beta1*float64(m[i]) + (1-adam.beta1)*grad)
			v[i] = float32(adam.beta2*float64(v[i]) + (1-adam.beta2)*grad*grad)

			mHat := float64(m[i]) / bias1
			vHat := float64(v[i]) / bias2
			w[i] -= float32(adam.lr * mHat / (math.Sqrt(vHat) + adam.eps))
		}
	}
	return nil
}

// ZeroGrad resets gradients for all managed parameters
func (adam *Adam) ZeroGrad() {
	tensor.ZeroGrad(adam.parameters)
}

// GetLR returns the current learning rate
func (adam *Adam) GetLR() float64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.lr
}

// SetLR sets the learning rate
func (adam *Adam) SetLR(lr float64) {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	adam.lr = lr
}

func (adam *Adam) Parameters() []*tensor.Tensor { return adam.parameters }

// RMSProp scales each update by a running average of squared gradients,
// with optional momentum and a centered variant.
type RMSProp struct {
	parameters  []*tensor.Tensor
	lr          float64
	alpha       float64
	eps         float64
	weightDecay float64
	momentum    float64
	centered    bool
	sqAvg       map[*tensor.Tensor][]float32
	gradAvg     map[*tensor.Tensor][]float32 // centered only
	buf         map[*tensor.Tensor][]float32 // momentum > 0 only
	mutex       sync.RWMutex
}

// NewRMSProp creates a new RMSProp optimizer over exactly the given
// parameters. Typical values are alpha 0.99 and eps 1e-8.
func NewRMSProp(parameters []*tensor.Tensor, lr, alpha, eps, momentum, weightDecay float64, centered bool) (*RMSProp, error) {
	if err := checkParameters(parameters); err != nil {
		return nil, err
	}
	if alpha <= 0 || alpha >= 1 {
		return nil, errors.Errorf("rmsprop alpha must be in (0, 1), got %g", alpha)
	}
	r := &RMSProp{
		parameters:  parameters,
		lr:          lr,
		alpha:       alpha,
		eps:         eps,
		weightDecay: weightDecay,
		momentum:    momentum,
		centered:    centered,
		sqAvg:       make(map[*tensor.Tensor][]float32),
		gradAvg:     make(map[*tensor.Tensor][]float32),
		buf:         make(map[*tensor.Tensor][]float32),
	}
	for _, param := range parameters {
		r.sqAvg[param] = make([]float32, param.NumElems)
		if centered {
			r.gradAvg[param] = make([]float32, param.NumElems)
		}
		if momentum > 0 {
			r.buf[param] = make([]float32, param.NumElems)
		}
	}
	return r, nil
}

// Step performs a single optimization step
func (r *RMSProp) Step() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for _, param := range r.parameters {
		if param.Grad() == nil {
			continue
		}
		w, err := param.Float32Data()
		if err != nil {
			return fmt.Errorf("parameter update failed: %v", err)
		}
		g := param.Grad().Data.([]float32)
		sq, avg, buf := r.sqAvg[param], r.gradAvg[param], r.buf[param]

		for i := range w {
			grad := float64(g[i]) + r.weightDecay*float64(w[i])
			sq[i] = float32(r.alpha*float64(sq[i]) + (1-r.alpha)*grad*grad)
			denom := float64(sq[i])
			if avg != nil {
				avg[i] = float32(r.alpha*float64(avg[i]) + (1-r.alpha)*grad)
				denom -= float64(avg[i]) * float64(avg[i])
			}
			update := grad / (math.Sqrt(math.Max(denom, 0)) + r.eps)
			if buf != nil {
				buf[i] = float32(r.momentum*float64(buf[i]) + update)
				update = float64(buf[i])
			}
			w[i] -= float32(r.lr * update)
		}
	}
	return nil
}

// ZeroGrad resets gradients for all managed parameters
func (r *RMSProp) ZeroGrad() {
	tensor.ZeroGrad(r.parameters)
}

// GetLR returns the current learning rate
func (r *RMSProp) GetLR() float64 {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.lr
}

// SetLR sets the learning rate
func (r *RMSProp) SetLR(lr float64) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.lr = lr
}

func (r *RMSProp) Parameters() []*tensor.Tensor { return r.parameters }

// NewOptimizer builds an optimizer by name with library defaults for the
// remaining hyperparameters.
func NewOptimizer(name string, parameters []*tensor.Tensor, lr, momentum, weightDecay float64) (Optimizer, error) {
	switch strings.ToLower(name) {
	case "", "adam":
		return NewAdam(parameters, lr, 0.9, 0.999, 1e-8, weightDecay)
	case "sgd":
		return NewSGD(parameters, lr, momentum, weightDecay)
	case "rmsprop":
		return NewRMSProp(parameters, lr, 0.99, 1e-8, momentum, weightDecay, false)
	default:
		return nil, errors.Errorf("unknown optimizer %q", name)
	}
}
