package analytics

import (
	"errors"
	"math"

	"github.com/rewired-gh/quantflow/internal/models"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// MinADFPoints is the shortest series ADF accepts.
const MinADFPoints = 30

// StationaryPValue is the significance level for the stationarity verdict.
const StationaryPValue = 0.05

// ADFResult reports an augmented Dickey-Fuller test with a constant term.
type ADFResult struct {
	Statistic      float64            `json:"adf_statistic"`
	PValue         float64            `json:"p_value"`
	CriticalValues map[string]float64 `json:"critical_values"`
	UsedLag        int                `json:"used_lag"`
	NObs           int                `json:"n_obs"`
	Stationary     bool               `json:"is_stationary"`
	AIC            float64            `json:"aic"`
}

// MacKinnon (1994, 2010) response surface coefficients for one series with
// a constant.
var (
	tauMaxC    = 2.74
	tauMinC    = -18.83
	tauStarC   = -1.61
	tauSmallPC = []float64{2.1659, 1.4412, 0.038269}
	tauLargePC = []float64{1.7339, 0.93202, -0.12745, -0.010368}

	tauCritC = map[string][]float64{
		"1%":  {-3.43035, -6.5393, -16.786, -79.433},
		"5%":  {-2.86154, -2.8903, -4.234, -40.040},
		"10%": {-2.56677, -1.5384, -2.809, 0},
	}
)

// ADF tests values for a unit root. maxLag < 0 selects the Schwert bound
// 12*(n/100)^(1/4); the lag actually used is chosen by AIC over 0..maxLag
// on a common sample and then refit on all available rows.
func ADF(values []float64, maxLag int) (ADFResult, error) {
	n := len(values)
	if n < MinADFPoints {
		return ADFResult{}, models.NotEnough("adf", MinADFPoints, n)
	}
	if !allFinite(values) {
		return ADFResult{}, models.Configf("values", "must be finite")
	}
	if stat.Variance(values, nil) == 0 {
		return ADFResult{}, &models.InsufficientDataError{Op: "adf", Need: MinADFPoints, Got: n, Reason: "constant series"}
	}

	if maxLag < 0 {
		maxLag = int(math.Ceil(12 * math.Pow(float64(n)/100, 0.25)))
	}
	maxLag = min(maxLag, n/2-2)
	if maxLag < 0 {
		return ADFResult{}, models.NotEnough("adf", 4, n)
	}

	dy := make([]float64, n-1)
	for i := 1; i < n; i++ {
		dy[i-1] = values[i] - values[i-1]
	}

	bestLag, bestAIC := -1, math.Inf(1)
	for lag := 0; lag <= maxLag; lag++ {
		fit, err := leastSquares(adfDesign(values, dy, lag, maxLag))
		if err != nil {
			continue
		}
		if aic := fit.aic(); aic < bestAIC {
			bestLag, bestAIC = lag, aic
		}
	}
	if bestLag < 0 {
		return ADFResult{}, &models.InsufficientDataError{Op: "adf", Need: MinADFPoints, Got: n, Reason: "singular regression"}
	}

	fit, err := leastSquares(adfDesign(values, dy, bestLag, bestLag))
	if err != nil || fit.se[1] == 0 || math.IsNaN(fit.se[1]) {
		return ADFResult{}, &models.InsufficientDataError{Op: "adf", Need: MinADFPoints, Got: n, Reason: "degenerate regression"}
	}

	tau := fit.coef[1] / fit.se[1]
	crit := make(map[string]float64, len(tauCritC))
	for level, b := range tauCritC {
		crit[level] = polyval(b, 1/float64(fit.nobs))
	}
	p := mackinnonP(tau)
	return ADFResult{
		Statistic:      tau,
		PValue:         p,
		CriticalValues: crit,
		UsedLag:        bestLag,
		NObs:           fit.nobs,
		Stationary:     p < StationaryPValue,
		AIC:            bestAIC,
	}, nil
}

// adfDesign regresses dy[t] on [1, y[t], dy[t-1] .. dy[t-lag]] for
// t = start .. len(dy)-1.
func adfDesign(y, dy []float64, lag, start int) (*mat.Dense, []float64) {
	rows := len(dy) - start
	cols := 2 + lag
	x := mat.NewDense(rows, cols, nil)
	target := make([]float64, rows)
	for r := 0; r < rows; r++ {
		t := start + r
		x.Set(r, 0, 1)
		x.Set(r, 1, y[t])
		for k := 1; k <= lag; k++ {
			x.Set(r, 1+k, dy[t-k])
		}
		target[r] = dy[t]
	}
	return x, target
}

func mackinnonP(tau float64) float64 {
	switch {
	case tau > tauMaxC:
		return 1
	case tau < tauMinC:
		return 0
	case tau <= tauStarC:
		return distuv.UnitNormal.CDF(polyval(tauSmallPC, tau))
	default:
		return distuv.UnitNormal.CDF(polyval(tauLargePC, tau))
	}
}

// polyval evaluates c[0] + c[1]*x + c[2]*x^2 + ...
func polyval(c []float64, x float64) float64 {
	v := 0.0
	for i := len(c) - 1; i >= 0; i-- {
		v = v*x + c[i]
	}
	return v
}

type lsFit struct {
	coef []float64
	se   []float64
	ssr  float64
	nobs int
}

var errSingular = errors.New("singular design matrix")

func leastSquares(x *mat.Dense, y []float64) (lsFit, error) {
	r, c := x.Dims()
	if r <= c {
		return lsFit{}, errSingular
	}

	var xtx mat.SymDense
	xtx.SymOuterK(1, x.T())
	var chol mat.Cholesky
	if ok := chol.Factorize(&xtx); !ok {
		return lsFit{}, errSingular
	}

	yv := mat.NewVecDense(r, y)
	var xty mat.VecDense
	xty.MulVec(x.T(), yv)
	var beta mat.VecDense
	if err := chol.SolveVecTo(&beta, &xty); err != nil {
		return lsFit{}, err
	}

	var resid mat.VecDense
	resid.MulVec(x, &beta)
	resid.SubVec(yv, &resid)
	ssr := mat.Dot(&resid, &resid)

	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		return lsFit{}, err
	}
	sigma2 := ssr / float64(r-c)
	fit := lsFit{coef: make([]float64, c), se: make([]float64, c), ssr: ssr, nobs: r}
	for i := 0; i < c; i++ {
		fit.coef[i] = beta.AtVec(i)
		fit.se[i] = math.Sqrt(sigma2 * inv.At(i, i))
	}
	return fit, nil
}

// aic uses the Gaussian log-likelihood of the fit.
func (f lsFit) aic() float64 {
	n := float64(f.nobs)
	llf := -n / 2 * (math.Log(2*math.Pi) + math.Log(f.ssr/n) + 1)
	return 2*float64(len(f.coef)) - 2*llf
}
