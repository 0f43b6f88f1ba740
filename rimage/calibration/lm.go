package calibration

import (
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	defaultMaxIterations = 200
	defaultTolerance     = 1e-12
	initialDamping       = 1e-3
	maxDamping           = 1e16
)

// SolverOptions bounds the Levenberg-Marquardt iterations of a solve.
type SolverOptions struct {
	// MaxIterations defaults to 200.
	MaxIterations int `json:"max_iterations,omitempty"`
	// Tolerance on the relative decrease of the cost and on the relative step size. Defaults to 1e-12.
	Tolerance float64 `json:"tolerance,omitempty"`
}

func (o SolverOptions) withDefaults() SolverOptions {
	if o.MaxIterations <= 0 {
		o.MaxIterations = defaultMaxIterations
	}
	if o.Tolerance <= 0 {
		o.Tolerance = defaultTolerance
	}
	return o
}

// residualFunc writes the residuals at x into dst. It must not keep or modify x.
type residualFunc func(dst, x []float64)

type lmResult struct {
	X          []float64
	Residuals  []float64
	Cost       float64
	Iterations int
	// Converged is set when the cost, the step or the gradient fell below the tolerance.
	Converged bool
	// Stalled is set when no damped step lowered the cost before the damping hit its ceiling.
	// The point is a numerical minimum of the cost but not necessarily a good solution.
	Stalled bool
}

// workspace holds the buffers of one Levenberg-Marquardt solver. It is reused across
// iterations and across solves and belongs to a single solver; it is never shared.
type workspace struct {
	jac      *mat.Dense
	jtj      *mat.SymDense
	damped   *mat.SymDense
	grad     *mat.VecDense
	step     *mat.VecDense
	chol     mat.Cholesky
	res      []float64
	trialRes []float64
	trial    []float64
	settings fd.JacobianSettings
}

func newWorkspace() *workspace {
	return &workspace{
		jac:      &mat.Dense{},
		jtj:      &mat.SymDense{},
		damped:   &mat.SymDense{},
		grad:     &mat.VecDense{},
		step:     &mat.VecDense{},
		settings: fd.JacobianSettings{Formula: fd.Central},
	}
}

func (ws *workspace) resize(m, n int) {
	ws.jac.Reset()
	ws.jac.ReuseAs(m, n)
	ws.jtj.Reset()
	ws.jtj.ReuseAsSym(n)
	ws.damped.Reset()
	ws.damped.ReuseAsSym(n)
	ws.grad.Reset()
	ws.grad.ReuseAsVec(n)
	ws.step.Reset()
	ws.step.ReuseAsVec(n)
	ws.res = resizeSlice(ws.res, m)
	ws.trialRes = resizeSlice(ws.trialRes, m)
	ws.trial = resizeSlice(ws.trial, n)
}

func resizeSlice(s []float64, n int) []float64 {
	if cap(s) < n {
		return make([]float64, n)
	}
	return s[:n]
}

// minimize runs Levenberg-Marquardt on the sum of squared residuals of f, which has m
// residuals, starting at x0. The Jacobian is taken with central differences and the damping
// is scaled by the diagonal of JᵀJ.
func (ws *workspace) minimize(f residualFunc, m int, x0 []float64, opts SolverOptions) (*lmResult, error) {
	opts = opts.withDefaults()
	n := len(x0)
	if n == 0 || m < n {
		return nil, newInputError("%d residuals cannot determine %d parameters", m, n)
	}
	ws.resize(m, n)
	x := append([]float64{}, x0...)

	f(ws.res, x)
	cost := 0.5 * floats.Dot(ws.res, ws.res)
	if !finite(cost) {
		return nil, newConvergenceError("initial residuals are not finite")
	}

	lambda := initialDamping
	result := &lmResult{}
	for result.Iterations < opts.MaxIterations {
		result.Iterations++
		if cost == 0 {
			result.Converged = true
			break
		}

		fd.Jacobian(ws.jac, f, x, &ws.settings)
		ws.jtj.SymOuterK(1, ws.jac.T())
		ws.grad.MulVec(ws.jac.T(), mat.NewVecDense(m, ws.res))
		if mat.Norm(ws.grad, math.Inf(1)) <= opts.Tolerance*opts.Tolerance {
			result.Converged = true
			break
		}

		improved := false
		for !improved {
			if lambda > maxDamping {
				result.Stalled = true
				break
			}
			ws.damped.CopySym(ws.jtj)
			for i := 0; i < n; i++ {
				d := ws.jtj.At(i, i)
				if d <= 0 {
					d = 1
				}
				ws.damped.SetSym(i, i, ws.jtj.At(i, i)+lambda*d)
			}
			if ok := ws.chol.Factorize(ws.damped); !ok {
				lambda *= 10
				continue
			}
			if err := ws.chol.SolveVecTo(ws.step, ws.grad); err != nil {
				lambda *= 10
				continue
			}
			for i := range x {
				ws.trial[i] = x[i] - ws.step.AtVec(i)
			}
			f(ws.trialRes, ws.trial)
			trialCost := 0.5 * floats.Dot(ws.trialRes, ws.trialRes)
			if !finite(trialCost) || trialCost >= cost {
				lambda *= 10
				continue
			}

			improved = true
			stepNorm := floats.Norm(ws.step.RawVector().Data, 2)
			xNorm := floats.Norm(x, 2)
			decrease := cost - trialCost
			copy(x, ws.trial)
			ws.res, ws.trialRes = ws.trialRes, ws.res
			cost = trialCost
			lambda = math.Max(lambda/10, 1e-15)
			if decrease <= opts.Tolerance*cost || stepNorm <= opts.Tolerance*(xNorm+opts.Tolerance) {
				result.Converged = true
			}
		}
		if result.Converged || result.Stalled {
			break
		}
	}

	result.X = x
	result.Residuals = append([]float64{}, ws.res...)
	result.Cost = cost
	return result, nil
}
