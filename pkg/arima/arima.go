// Package arima fits autoregressive integrated moving average models to a
// single series and produces point forecasts.
//
// The differenced series is modelled as ARMA(p,q) with p and q at most 1 and
// no constant term. Parameters are estimated by exact Gaussian maximum
// likelihood: a Kalman filter evaluates the likelihood with the innovation
// variance concentrated out and gonum's Nelder-Mead searches the AR and MA
// coefficients. Stationarity and invertibility are not enforced, so short or
// irregular series still produce a fit.
package arima

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/kwhcast/kwhcast/pkg/types"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"
)

var (
	// ErrModelFit is returned when a model cannot be fit to a series.
	ErrModelFit = errors.New("model fit failed")
	// ErrNotFitted is returned when a forecast is requested before a
	// successful fit.
	ErrNotFitted = errors.New("model not fitted")
)

// MinFitLength is the shortest series Fit accepts.
const MinFitLength = 3

const (
	// variance of the approximate diffuse prior on the initial state
	diffuseVariance = 1e6
	// observations excluded from the likelihood while the diffuse prior settles
	likelihoodBurn = 1
	// keeps the concentrated likelihood finite for perfectly fit series
	minSigma2 = 1e-12
)

// Order is the non-seasonal (p, d, q) order of a model.
type Order struct {
	P int
	D int
	Q int
}

func (o Order) String() string {
	return fmt.Sprintf("(%d,%d,%d)", o.P, o.D, o.Q)
}

// Params are the estimated parameters of a fitted model.
type Params struct {
	AR            float64 `json:"ar"`
	MA            float64 `json:"ma"`
	Sigma2        float64 `json:"sigma2"`
	LogLikelihood float64 `json:"logLikelihood"`
	// Converged is false when the optimizer stopped on an iteration or
	// evaluation limit rather than a convergence criterion.
	Converged bool `json:"converged"`
}

// Model is a single model instance bound to its most recent fit. A Model is
// not safe for concurrent use.
type Model struct {
	order  Order
	params Params
	fitted bool

	// last value of each differencing level, used to integrate forecasts
	levels []float64
	// one-step-ahead predicted state after the last observation
	state    [2]float64
	lastTime time.Time
	step     time.Duration
}

// New returns an unfitted model of the given order.
func New(order Order) *Model {
	return &Model{order: order}
}

// Order returns the order of the model.
func (m *Model) Order() Order {
	return m.order
}

// Params returns the parameters of the last successful fit.
func (m *Model) Params() (Params, error) {
	if !m.fitted {
		return Params{}, ErrNotFitted
	}
	return m.params, nil
}

// Fit estimates the model parameters from points, which must be in
// chronological order. step is the spacing used to timestamp forecasts after
// the last point. Any previous fit is discarded, even if this one fails.
func (m *Model) Fit(points []types.Point, step time.Duration) error {
	m.fitted = false
	if m.order.P < 0 || m.order.P > 1 || m.order.Q < 0 || m.order.Q > 1 || m.order.D < 0 {
		return fmt.Errorf("%w: unsupported order %s", ErrModelFit, m.order)
	}
	if len(points) < MinFitLength {
		return fmt.Errorf("%w: %d points, need at least %d", ErrModelFit, len(points), MinFitLength)
	}
	if len(points)-m.order.D <= likelihoodBurn {
		return fmt.Errorf("%w: %d points is too short to difference %d times", ErrModelFit, len(points), m.order.D)
	}
	if step <= 0 {
		return fmt.Errorf("%w: step must be positive", ErrModelFit)
	}

	y := make([]float64, len(points))
	for i, p := range points {
		if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
			return fmt.Errorf("%w: non-finite value at %s", ErrModelFit, p.Time)
		}
		y[i] = p.Value
	}
	z, levels := difference(y, m.order.D)

	x0 := m.startParams(z)
	objective := func(x []float64) float64 {
		phi, theta := m.unpack(x)
		ll, _, _ := loglike(z, phi, theta)
		if math.IsNaN(ll) || math.IsInf(ll, 0) {
			return math.Inf(1)
		}
		return -ll
	}

	converged := true
	best := x0
	if len(x0) > 0 {
		res, err := optimize.Minimize(
			optimize.Problem{Func: objective},
			x0,
			&optimize.Settings{
				MajorIterations: 1000,
				FuncEvaluations: 4000,
				Converger: &optimize.FunctionConverge{
					Absolute:   1e-9,
					Relative:   1e-9,
					Iterations: 50,
				},
			},
			&optimize.NelderMead{},
		)
		if res == nil {
			return fmt.Errorf("%w: optimizer returned no result: %v", ErrModelFit, err)
		}
		if err != nil {
			if res.Status == optimize.Failure {
				return fmt.Errorf("%w: %v", ErrModelFit, err)
			}
			// iteration limits still leave a usable estimate
			converged = false
		}
		best = res.X
	}

	phi, theta := m.unpack(best)
	ll, sigma2, state := loglike(z, phi, theta)
	if math.IsNaN(ll) || math.IsInf(ll, 0) {
		return fmt.Errorf("%w: non-finite log likelihood", ErrModelFit)
	}

	m.params = Params{
		AR:            phi,
		MA:            theta,
		Sigma2:        sigma2,
		LogLikelihood: ll,
		Converged:     converged,
	}
	m.levels = levels
	m.state = state
	m.lastTime = points[len(points)-1].Time
	m.step = step
	m.fitted = true
	return nil
}

// Forecast returns horizon point forecasts following the last fitted point,
// spaced by the step given to Fit.
func (m *Model) Forecast(horizon int) ([]types.Point, error) {
	if !m.fitted {
		return nil, ErrNotFitted
	}
	if horizon < 1 {
		return nil, fmt.Errorf("horizon must be positive, got %d", horizon)
	}

	levels := make([]float64, len(m.levels))
	copy(levels, m.levels)
	state := m.state

	out := make([]types.Point, horizon)
	for h := 0; h < horizon; h++ {
		value := state[0]
		for k := len(levels) - 1; k >= 0; k-- {
			levels[k] += value
			value = levels[k]
		}
		out[h] = types.Point{
			Time:  m.lastTime.Add(time.Duration(h+1) * m.step),
			Value: value,
		}
		state = [2]float64{m.params.AR*state[0] + state[1], 0}
	}
	return out, nil
}

// startParams picks the initial simplex vertex: the lag-1 autocorrelation
// for the AR term and zero for the MA term.
func (m *Model) startParams(z []float64) []float64 {
	var x []float64
	if m.order.P == 1 {
		phi := 0.0
		if len(z) > 2 {
			phi = stat.Correlation(z[:len(z)-1], z[1:], nil)
		}
		if math.IsNaN(phi) {
			phi = 0
		}
		x = append(x, math.Max(-0.9, math.Min(0.9, phi)))
	}
	if m.order.Q == 1 {
		x = append(x, 0)
	}
	return x
}

func (m *Model) unpack(x []float64) (phi, theta float64) {
	i := 0
	if m.order.P == 1 {
		phi = x[i]
		i++
	}
	if m.order.Q == 1 {
		theta = x[i]
	}
	return phi, theta
}

// difference applies d first differences to y. It also returns the last
// value of every intermediate level so forecasts can be integrated back.
func difference(y []float64, d int) ([]float64, []float64) {
	levels := make([]float64, d)
	cur := y
	for k := 0; k < d; k++ {
		levels[k] = cur[len(cur)-1]
		next := make([]float64, len(cur)-1)
		for i := range next {
			next[i] = cur[i+1] - cur[i]
		}
		cur = next
	}
	return cur, levels
}

// loglike runs the Kalman filter for an ARMA(1,1) in Harvey's state space
// form over z and returns the concentrated log likelihood, the innovation
// variance, and the predicted state for the step after the last observation.
//
//	state: a = [z_t, theta*e_t]
//	T = [[phi, 1], [0, 0]], R = [1, theta], Z = [1, 0]
func loglike(z []float64, phi, theta float64) (float64, float64, [2]float64) {
	// the first observation is diffuse, the pending MA term is not
	a0, a1 := 0.0, 0.0
	p00, p01, p11 := diffuseVariance, theta, theta*theta

	var sse, sumLogF float64
	var n int
	for t, obs := range z {
		v := obs - a0
		f := p00
		if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
			return math.Inf(-1), math.NaN(), [2]float64{}
		}
		if t >= likelihoodBurn {
			sse += v * v / f
			sumLogF += math.Log(f)
			n++
		}

		// update
		k0, k1 := p00/f, p01/f
		u0, u1 := a0+k0*v, a1+k1*v
		q00 := p00 - k0*p00
		q01 := p01 - k0*p01
		q11 := p11 - k1*p01

		// predict
		a0, a1 = phi*u0+u1, 0
		p00 = phi*phi*q00 + 2*phi*q01 + q11 + 1
		p01 = theta
		p11 = theta * theta
	}

	sigma2 := math.Max(sse/float64(n), minSigma2)
	ll := -0.5*float64(n)*(math.Log(2*math.Pi)+1+math.Log(sigma2)) - 0.5*sumLogF
	return ll, sigma2, [2]float64{a0, a1}
}
