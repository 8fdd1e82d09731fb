package analytics

import (
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/rewired-gh/quantflow/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func points(vals ...float64) []Point {
	out := make([]Point, len(vals))
	for i, v := range vals {
		out[i] = Point{Time: t0.Add(time.Duration(i) * time.Minute), Value: v}
	}
	return out
}

func randomWalk(rng *rand.Rand, n int, start, step float64) []float64 {
	out := make([]float64, n)
	out[0] = start
	for i := 1; i < n; i++ {
		out[i] = out[i-1] + rng.NormFloat64()*step
	}
	return out
}

func TestAlign(t *testing.T) {
	a := points(1, 2, 3, 4)
	b := []Point{a[1], a[2], {Time: t0.Add(10 * time.Minute), Value: 9}}
	b[0].Value, b[1].Value = 20, 30

	times, xs, ys := Align(a, b)
	require.Len(t, times, 2)
	assert.Equal(t, []float64{2, 3}, xs)
	assert.Equal(t, []float64{20, 30}, ys)
}

func TestAlignMany(t *testing.T) {
	times, vals := AlignMany(map[string][]Point{
		"a": points(1, 2, 3),
		"b": points(4, 5, 6, 7),
		"c": points(8, 9, 10)[1:],
	})
	require.Len(t, times, 2)
	assert.Equal(t, []float64{2, 3}, vals["a"])
	assert.Equal(t, []float64{5, 6}, vals["b"])
	assert.Equal(t, []float64{9, 10}, vals["c"])
}

func TestWelfordMatchesTwoPass(t *testing.T) {
	xs := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	var w Welford
	for _, x := range xs {
		w.Add(x)
	}
	assert.InDelta(t, 5.0, w.Mean, 1e-12)
	assert.InDelta(t, 32.0/7.0, w.Variance(), 1e-12)
}

func TestSummarize(t *testing.T) {
	vals := []float64{100, 101, 99, 102, 103, 101}
	ps, err := Summarize(vals, 252)
	require.NoError(t, err)
	assert.Equal(t, 6, ps.Count)
	assert.InDelta(t, 101.0, ps.Mean, 1e-12)
	assert.Equal(t, 99.0, ps.Min)
	assert.Equal(t, 103.0, ps.Max)
	assert.Equal(t, 101.0, ps.Current)
	assert.Greater(t, ps.Volatility, 0.0)
	assert.InDelta(t, ps.ReturnStd*math.Sqrt(252), ps.Volatility, 1e-12)

	_, err = Summarize([]float64{1}, 252)
	assert.ErrorIs(t, err, models.ErrInsufficientData)
	_, err = Summarize(vals, 0)
	assert.ErrorIs(t, err, models.ErrConfiguration)
}

func TestRolling(t *testing.T) {
	vals := []float64{1, 2, 3, 4, 5}
	ws, err := Rolling(vals, 3, 1)
	require.NoError(t, err)
	require.Len(t, ws, 3)
	assert.Equal(t, 2, ws[0].Index)
	assert.InDelta(t, 2.0, ws[0].Mean, 1e-12)
	assert.InDelta(t, 1.0, ws[0].Std, 1e-12)
	assert.Equal(t, 3.0, ws[2].Min)
	assert.Equal(t, 5.0, ws[2].Max)
	assert.InDelta(t, 5.0/3.0-1, ws[2].Return, 1e-12)

	_, err = Rolling(vals, 1, 1)
	assert.ErrorIs(t, err, models.ErrConfiguration)
	_, err = Rolling(vals, 10, 1)
	assert.ErrorIs(t, err, models.ErrInsufficientData)
}

func TestOLSRecoversLine(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	n := 200
	x := make([]float64, n)
	y := make([]float64, n)
	for i := range x {
		x[i] = float64(i) / 10
		y[i] = 2 + 3*x[i] + (rng.Float64()-0.5)*0.5
	}

	fit, err := OLS(x, y)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, fit.Beta, 0.05)
	assert.InDelta(t, 2.0, fit.Alpha, 0.2)
	assert.Greater(t, fit.RSquared, 0.9)
	assert.Less(t, fit.PValue, 1e-6)
	assert.Greater(t, fit.StdErr, 0.0)
	assert.Len(t, fit.Residuals, n)
	assert.Equal(t, MethodOLS, fit.Method)
}

func TestOLSErrors(t *testing.T) {
	_, err := OLS([]float64{1}, []float64{2})
	assert.ErrorIs(t, err, models.ErrInsufficientData)

	_, err = OLS([]float64{1, 1, 1}, []float64{1, 2, 3})
	var ide *models.InsufficientDataError
	require.ErrorAs(t, err, &ide)
	assert.Contains(t, ide.Reason, "zero variance")

	_, err = OLS([]float64{1, 2}, []float64{1})
	assert.ErrorIs(t, err, models.ErrConfiguration)
}

func TestOLSTwoPoints(t *testing.T) {
	fit, err := OLS([]float64{0, 1}, []float64{1, 3})
	require.NoError(t, err)
	assert.InDelta(t, 2.0, fit.Beta, 1e-12)
	assert.InDelta(t, 1.0, fit.Alpha, 1e-12)
	assert.True(t, math.IsNaN(fit.PValue))
}

func TestRobustRegressionResistsOutliers(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	n := 100
	x := make([]float64, n)
	y := make([]float64, n)
	for i := range x {
		x[i] = float64(i)
		y[i] = 1 + 0.5*x[i] + rng.NormFloat64()*0.1
	}
	// a handful of gross outliers at the right edge drag OLS
	for i := n - 5; i < n; i++ {
		y[i] += 200
	}

	ols, err := OLS(x, y)
	require.NoError(t, err)
	huber, err := Huber(x, y, DefaultHuberEpsilon)
	require.NoError(t, err)
	ts, err := TheilSen(x, y)
	require.NoError(t, err)

	assert.Greater(t, math.Abs(ols.Beta-0.5), 0.1)
	assert.InDelta(t, 0.5, huber.Beta, 0.05)
	assert.InDelta(t, 0.5, ts.Beta, 0.05)
	assert.Equal(t, MethodHuber, huber.Method)
	assert.Equal(t, MethodTheilSen, ts.Method)
}

func TestRegressSelectsByName(t *testing.T) {
	x := []float64{1, 2, 3, 4, 5}
	y := []float64{2, 4, 6, 8, 10}
	for _, m := range []string{"ols", "huber", "theilsen", "theil-sen", "OLS"} {
		fit, err := Regress(m, x, y)
		require.NoError(t, err, m)
		assert.InDelta(t, 2.0, fit.Beta, 1e-6, m)
	}
	_, err := Regress("lasso", x, y)
	assert.ErrorIs(t, err, models.ErrConfiguration)
}

func TestSpread(t *testing.T) {
	s, err := Spread([]float64{1, 2}, []float64{5, 9}, 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 5}, s)

	d, err := DynamicSpread([]float64{1, 2}, []float64{5, 9}, []float64{1, 2}, []float64{1, 1})
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 4}, d)

	_, err = Spread([]float64{1}, []float64{1, 2}, 1)
	assert.ErrorIs(t, err, models.ErrConfiguration)
}

func TestZScores(t *testing.T) {
	vals := []float64{1, 2, 3, 4, 5, 6}
	z, err := ZScores(vals, 3)
	require.NoError(t, err)
	require.Len(t, z, 4)
	// each window is [k, k+1, k+2]: last value sits one std above the mean
	for _, v := range z {
		assert.InDelta(t, 1.0, v, 1e-12)
	}

	latest, err := LatestZScore(vals, 3)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, latest, 1e-12)
}

func TestZScoresConstantSeries(t *testing.T) {
	vals := make([]float64, 50)
	for i := range vals {
		vals[i] = 42.5
	}
	_, err := ZScores(vals, 10)
	assert.ErrorIs(t, err, models.ErrInsufficientData)

	_, err = LatestZScore(vals, 10)
	assert.ErrorIs(t, err, models.ErrInsufficientData)
}

func TestZScoresPartialZeroVariance(t *testing.T) {
	vals := []float64{5, 5, 5, 6, 7}
	z, err := ZScores(vals, 3)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(z[0]), "flat window must be NaN, not a number")
	assert.False(t, math.IsNaN(z[1]))
}

func TestZScoresValidation(t *testing.T) {
	_, err := ZScores([]float64{1, 2, 3}, 1)
	assert.ErrorIs(t, err, models.ErrConfiguration)
	_, err = ZScores([]float64{1, 2, 3}, 5)
	assert.ErrorIs(t, err, models.ErrInsufficientData)
}

func TestADFStationaryVsExplosive(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	n := 500

	noise := make([]float64, n)
	for i := range noise {
		noise[i] = rng.NormFloat64()
	}
	res, err := ADF(noise, -1)
	require.NoError(t, err)
	assert.True(t, res.Stationary)
	assert.Less(t, res.PValue, 0.01)
	assert.Less(t, res.Statistic, res.CriticalValues["1%"])
	assert.Equal(t, n-1-res.UsedLag, res.NObs)

	explosive := make([]float64, n)
	explosive[0] = 1
	for i := 1; i < n; i++ {
		explosive[i] = 1.01*explosive[i-1] + rng.NormFloat64()
	}
	res, err = ADF(explosive, -1)
	require.NoError(t, err)
	assert.False(t, res.Stationary)
	assert.Greater(t, res.PValue, 0.05)
}

func TestADFCriticalValues(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 9))
	res, err := ADF(randomWalk(rng, 1000, 0, 1), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, res.UsedLag)
	assert.InDelta(t, -3.437, res.CriticalValues["1%"], 0.01)
	assert.InDelta(t, -2.864, res.CriticalValues["5%"], 0.01)
	assert.InDelta(t, -2.568, res.CriticalValues["10%"], 0.01)
}

func TestMackinnonPBounds(t *testing.T) {
	assert.Equal(t, 1.0, mackinnonP(3))
	assert.Equal(t, 0.0, mackinnonP(-20))
	// the 5% critical value maps to roughly p = 0.05
	assert.InDelta(t, 0.05, mackinnonP(-2.86), 0.01)
}

func TestADFErrors(t *testing.T) {
	_, err := ADF(make([]float64, 10), -1)
	assert.ErrorIs(t, err, models.ErrInsufficientData)

	flat := make([]float64, 40)
	_, err = ADF(flat, -1)
	assert.ErrorIs(t, err, models.ErrInsufficientData)
}

func TestPearson(t *testing.T) {
	c, err := Pearson([]float64{1, 2, 3}, []float64{2, 4, 6})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, c, 1e-12)

	c, err = Pearson([]float64{1, 2, 3}, []float64{3, 2, 1})
	require.NoError(t, err)
	assert.InDelta(t, -1.0, c, 1e-12)

	_, err = Pearson([]float64{1, 1, 1}, []float64{1, 2, 3})
	assert.ErrorIs(t, err, models.ErrInsufficientData)
}

func TestRollingCorrelation(t *testing.T) {
	x := []float64{1, 2, 3, 4, 5}
	y := []float64{1, 2, 3, 2, 1}
	rc, err := RollingCorrelation(x, y, 3)
	require.NoError(t, err)
	require.Len(t, rc, 3)
	assert.InDelta(t, 1.0, rc[0], 1e-12)
	assert.InDelta(t, -1.0, rc[2], 1e-12)
}

func TestCorrelationMatrixProperties(t *testing.T) {
	rng := rand.New(rand.NewPCG(11, 12))
	n := 300
	base := randomWalk(rng, n, 100, 1)
	series := map[string][]Point{
		"aaa": points(base...),
		"bbb": points(randomWalk(rng, n, 50, 1)...),
		"ccc": points(randomWalk(rng, n, 10, 0.1)...),
	}
	related := make([]float64, n)
	for i, v := range base {
		related[i] = 2*v + rng.NormFloat64()*0.1
	}
	series["ddd"] = points(related...)

	for _, window := range []int{0, 50, 300} {
		m, err := CorrelationMatrix(series, window)
		require.NoError(t, err)
		require.Equal(t, []string{"aaa", "bbb", "ccc", "ddd"}, m.Symbols)
		for i := range m.Values {
			assert.Equal(t, 1.0, m.Values[i][i])
			for j := range m.Values {
				assert.Equal(t, m.Values[i][j], m.Values[j][i])
				assert.GreaterOrEqual(t, m.Values[i][j], -1.0)
				assert.LessOrEqual(t, m.Values[i][j], 1.0)
			}
		}
		c, ok := m.At("aaa", "ddd")
		require.True(t, ok)
		assert.Greater(t, c, 0.9)
	}
}

func TestCorrelationMatrixErrors(t *testing.T) {
	_, err := CorrelationMatrix(map[string][]Point{"a": points(1, 2, 3)}, 0)
	assert.ErrorIs(t, err, models.ErrConfiguration)

	_, err = CorrelationMatrix(map[string][]Point{"a": points(1, 2, 3), "b": points(4, 5, 6)}, 10)
	assert.ErrorIs(t, err, models.ErrInsufficientData)

	_, err = CorrelationMatrix(map[string][]Point{"a": points(1, 1, 1), "b": points(4, 5, 6)}, 0)
	assert.ErrorIs(t, err, models.ErrInsufficientData)
}

func TestKalmanTracksHedgeRatio(t *testing.T) {
	rng := rand.New(rand.NewPCG(13, 14))
	n := 600
	xs := randomWalk(rng, n, 50, 0.5)
	ys := make([]float64, n)
	for i := range xs {
		beta := 1.5
		if i >= n/2 {
			beta = 2.0
		}
		ys[i] = 3 + beta*xs[i] + rng.NormFloat64()*0.05
	}

	k, err := NewKalman(KalmanConfig{Delta: 1e-3, ObservationNoise: 1e-2, InitialBeta: 1, InitialVariance: 1})
	require.NoError(t, err)

	est, err := k.Run(xs, ys)
	require.NoError(t, err)
	require.Len(t, est, n)
	assert.InDelta(t, 1.5, est[n/2-1].Beta, 0.2)
	assert.InDelta(t, 2.0, est[n-1].Beta, 0.2)
	for i, e := range est {
		assert.Equal(t, i, e.Index)
		assert.Greater(t, e.InnovationVar, 0.0)
	}
}

func TestKalmanEstimatesRestartable(t *testing.T) {
	xs := []float64{1, 2, 3, 4, 5, 6}
	ys := []float64{2, 4.1, 5.9, 8.2, 10, 12.1}
	k, err := NewKalman(DefaultKalmanConfig())
	require.NoError(t, err)

	seq := k.Estimates(xs, ys)
	var first, second []KalmanEstimate
	for _, e := range seq {
		first = append(first, e)
	}
	for _, e := range seq {
		second = append(second, e)
	}
	assert.Equal(t, first, second)

	// early exit stops consumption
	count := 0
	for i := range seq {
		count++
		if i == 2 {
			break
		}
	}
	assert.Equal(t, 3, count)
}

func TestKalmanValidation(t *testing.T) {
	_, err := NewKalman(KalmanConfig{Delta: 0, ObservationNoise: 1, InitialVariance: 1})
	assert.ErrorIs(t, err, models.ErrConfiguration)

	k, _ := NewKalman(DefaultKalmanConfig())
	_, err = k.Run([]float64{1}, []float64{1})
	assert.ErrorIs(t, err, models.ErrInsufficientData)
}
