package analytics

import (
	"iter"

	"github.com/rewired-gh/quantflow/internal/models"
	"gonum.org/v1/gonum/mat"
)

// KalmanConfig parameterizes the random-walk hedge ratio filter.
//
// The state is [alpha, beta]. Each step the state covariance grows by
// Delta/(1-Delta) on the diagonal; ObservationNoise is the variance of
// y around alpha + beta*x.
type KalmanConfig struct {
	Delta            float64
	ObservationNoise float64
	InitialAlpha     float64
	InitialBeta      float64
	InitialVariance  float64
}

func DefaultKalmanConfig() KalmanConfig {
	return KalmanConfig{
		Delta:            1e-4,
		ObservationNoise: 1e-3,
		InitialAlpha:     0,
		InitialBeta:      1,
		InitialVariance:  1,
	}
}

// KalmanEstimate is the filtered state after observing step Index.
type KalmanEstimate struct {
	Index         int     `json:"index"`
	Alpha         float64 `json:"alpha"`
	Beta          float64 `json:"beta"`
	Spread        float64 `json:"spread"`
	Innovation    float64 `json:"innovation"`
	InnovationVar float64 `json:"innovation_var"`
}

type Kalman struct {
	cfg KalmanConfig
}

func NewKalman(cfg KalmanConfig) (*Kalman, error) {
	if cfg.Delta <= 0 || cfg.Delta >= 1 {
		return nil, models.Configf("delta", "must be in (0, 1), got %v", cfg.Delta)
	}
	if cfg.ObservationNoise <= 0 {
		return nil, models.Configf("observation_noise", "must be positive, got %v", cfg.ObservationNoise)
	}
	if cfg.InitialVariance <= 0 {
		return nil, models.Configf("initial_variance", "must be positive, got %v", cfg.InitialVariance)
	}
	return &Kalman{cfg: cfg}, nil
}

// Estimates filters the aligned series lazily, yielding one estimate per
// step. Each call to the returned sequence restarts from the initial state.
// Extra elements of the longer input are ignored.
func (k *Kalman) Estimates(xs, ys []float64) iter.Seq2[int, KalmanEstimate] {
	n := min(len(xs), len(ys))
	return func(yield func(int, KalmanEstimate) bool) {
		q := k.cfg.Delta / (1 - k.cfg.Delta)
		noise := mat.NewSymDense(2, []float64{q, 0, 0, q})
		theta := mat.NewVecDense(2, []float64{k.cfg.InitialAlpha, k.cfg.InitialBeta})
		v := k.cfg.InitialVariance
		p := mat.NewSymDense(2, []float64{v, 0, 0, v})

		h := mat.NewVecDense(2, nil)
		var ph mat.VecDense
		for i := 0; i < n; i++ {
			p.AddSym(p, noise)

			h.SetVec(0, 1)
			h.SetVec(1, xs[i])
			e := ys[i] - mat.Dot(h, theta)

			ph.MulVec(p, h)
			s := mat.Dot(h, &ph) + k.cfg.ObservationNoise

			theta.AddScaledVec(theta, e/s, &ph)
			p.SymRankOne(p, -1/s, &ph)

			alpha, beta := theta.AtVec(0), theta.AtVec(1)
			est := KalmanEstimate{
				Index:         i,
				Alpha:         alpha,
				Beta:          beta,
				Spread:        ys[i] - alpha - beta*xs[i],
				Innovation:    e,
				InnovationVar: s,
			}
			if !yield(i, est) {
				return
			}
		}
	}
}

// Run filters the full series and collects every estimate.
func (k *Kalman) Run(xs, ys []float64) ([]KalmanEstimate, error) {
	if len(xs) != len(ys) {
		return nil, models.Configf("series", "length mismatch: %d vs %d", len(xs), len(ys))
	}
	if len(xs) < 2 {
		return nil, models.NotEnough("kalman", 2, len(xs))
	}
	if !allFinite(xs) || !allFinite(ys) {
		return nil, models.Configf("series", "must be finite")
	}
	out := make([]KalmanEstimate, 0, len(xs))
	for _, est := range k.Estimates(xs, ys) {
		out = append(out, est)
	}
	return out, nil
}
