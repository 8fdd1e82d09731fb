package analytics

import (
	"math"
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/rewired-gh/quantflow/internal/models"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Regression methods accepted by Regress.
const (
	MethodOLS      = "ols"
	MethodHuber    = "huber"
	MethodTheilSen = "theilsen"
)

const (
	// DefaultHuberEpsilon is the residual threshold, in robust standard
	// deviations, beyond which Huber weights decay.
	DefaultHuberEpsilon = 1.35

	huberMaxIter = 100
	huberTol     = 1e-10

	// theilSenMaxPairs bounds the pairwise slopes Theil-Sen evaluates; larger
	// inputs are sampled with a fixed seed.
	theilSenMaxPairs = 1_000_000
)

// Fit is the result of fitting y = Alpha + Beta*x.
//
// For robust methods RSquared, StdErr and PValue are computed from the robust
// residuals with the usual least squares formulas, so they are comparable
// across methods but are not exact inference for the robust estimator.
// StdErr and PValue are NaN when only two points are available.
type Fit struct {
	Method    string    `json:"method"`
	Alpha     float64   `json:"alpha"`
	Beta      float64   `json:"beta"`
	RSquared  float64   `json:"r_squared"`
	PValue    float64   `json:"p_value"`
	StdErr    float64   `json:"std_err"`
	N         int       `json:"n"`
	Residuals []float64 `json:"residuals,omitempty"`
}

// Regress fits y on x with the named method.
func Regress(method string, x, y []float64) (Fit, error) {
	switch strings.ToLower(strings.ReplaceAll(method, "-", "")) {
	case "", MethodOLS:
		return OLS(x, y)
	case MethodHuber:
		return Huber(x, y, DefaultHuberEpsilon)
	case MethodTheilSen:
		return TheilSen(x, y)
	default:
		return Fit{}, models.Configf("method", "unknown regression method %q (want ols, huber or theilsen)", method)
	}
}

// OLS fits y = alpha + beta*x by ordinary least squares.
func OLS(x, y []float64) (Fit, error) {
	if err := checkXY("ols", x, y); err != nil {
		return Fit{}, err
	}
	alpha, beta := stat.LinearRegression(x, y, nil, false)
	return finishFit(MethodOLS, x, y, alpha, beta), nil
}

// Huber fits y = alpha + beta*x with the Huber loss by iteratively
// reweighted least squares. The residual scale is re-estimated each
// iteration from the median absolute deviation.
func Huber(x, y []float64, epsilon float64) (Fit, error) {
	if epsilon <= 1 {
		return Fit{}, models.Configf("epsilon", "must be greater than 1, got %v", epsilon)
	}
	if err := checkXY("huber", x, y); err != nil {
		return Fit{}, err
	}

	alpha, beta := stat.LinearRegression(x, y, nil, false)
	n := len(x)
	w := make([]float64, n)
	r := make([]float64, n)

	for iter := 0; iter < huberMaxIter; iter++ {
		for i := range x {
			r[i] = y[i] - alpha - beta*x[i]
		}
		scale := madScale(r)
		if scale == 0 {
			break
		}
		for i, ri := range r {
			u := math.Abs(ri) / scale
			if u <= epsilon {
				w[i] = 1
			} else {
				w[i] = epsilon / u
			}
		}
		if !hasWeightedVariance(x, w) {
			break
		}
		a, b := stat.LinearRegression(x, y, w, false)
		done := math.Abs(a-alpha) <= huberTol*(1+math.Abs(alpha)) &&
			math.Abs(b-beta) <= huberTol*(1+math.Abs(beta))
		alpha, beta = a, b
		if done {
			break
		}
	}
	return finishFit(MethodHuber, x, y, alpha, beta), nil
}

// TheilSen fits beta as the median of pairwise slopes and alpha as the median
// of y - beta*x.
func TheilSen(x, y []float64) (Fit, error) {
	if err := checkXY("theilsen", x, y); err != nil {
		return Fit{}, err
	}

	n := len(x)
	pairs := n * (n - 1) / 2
	var slopes []float64
	if pairs <= theilSenMaxPairs {
		slopes = make([]float64, 0, pairs)
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				if dx := x[j] - x[i]; dx != 0 {
					slopes = append(slopes, (y[j]-y[i])/dx)
				}
			}
		}
	} else {
		rng := rand.New(rand.NewPCG(uint64(n), 0x7e11))
		slopes = make([]float64, 0, theilSenMaxPairs)
		for len(slopes) < theilSenMaxPairs {
			i, j := rng.IntN(n), rng.IntN(n)
			if dx := x[j] - x[i]; dx != 0 {
				slopes = append(slopes, (y[j]-y[i])/dx)
			}
		}
	}

	beta := median(slopes)
	intercepts := make([]float64, n)
	for i := range x {
		intercepts[i] = y[i] - beta*x[i]
	}
	alpha := median(intercepts)
	return finishFit(MethodTheilSen, x, y, alpha, beta), nil
}

func checkXY(op string, x, y []float64) error {
	if len(x) != len(y) {
		return models.Configf("series", "length mismatch: %d vs %d", len(x), len(y))
	}
	if len(x) < 2 {
		return models.NotEnough(op, 2, len(x))
	}
	if !allFinite(x) || !allFinite(y) {
		return models.Configf("series", "must be finite")
	}
	if stat.Variance(x, nil) == 0 {
		return &models.InsufficientDataError{Op: op, Need: 2, Got: len(x), Reason: "zero variance in x"}
	}
	return nil
}

func finishFit(method string, x, y []float64, alpha, beta float64) Fit {
	n := len(x)
	res := make([]float64, n)
	var ssr float64
	for i := range x {
		res[i] = y[i] - alpha - beta*x[i]
		ssr += res[i] * res[i]
	}

	my := stat.Mean(y, nil)
	mx := stat.Mean(x, nil)
	var sst, sxx float64
	for i := range y {
		sst += (y[i] - my) * (y[i] - my)
		sxx += (x[i] - mx) * (x[i] - mx)
	}

	f := Fit{Method: method, Alpha: alpha, Beta: beta, N: n, Residuals: res}
	if sst == 0 {
		// constant y: the fit reproduces it exactly
		f.RSquared = 1
	} else {
		f.RSquared = 1 - ssr/sst
	}

	df := float64(n - 2)
	if df <= 0 {
		f.StdErr, f.PValue = math.NaN(), math.NaN()
		return f
	}
	f.StdErr = math.Sqrt(ssr / df / sxx)
	if f.StdErr == 0 {
		f.PValue = 0
		return f
	}
	t := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	f.PValue = 2 * t.Survival(math.Abs(beta/f.StdErr))
	return f
}

func madScale(r []float64) float64 {
	abs := make([]float64, len(r))
	for i, v := range r {
		abs[i] = math.Abs(v)
	}
	return median(abs) / 0.6744897501960817
}

func hasWeightedVariance(x, w []float64) bool {
	return stat.Variance(x, w) > 0
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	s := slices.Clone(xs)
	slices.Sort(s)
	m := len(s) / 2
	if len(s)%2 == 1 {
		return s[m]
	}
	return (s[m-1] + s[m]) / 2
}
