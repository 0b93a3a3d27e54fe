package connected

import (
	"gonum.org/v1/gonum/mat"
)

// kalmanFilter tracks (rssi, rssi rate) under a constant-velocity model with
// random acceleration
type kalmanFilter struct {
	f        *mat.Dense // state transition
	q        *mat.Dense // process noise
	h        *mat.Dense // observation
	accelStd float64

	x *mat.VecDense // nil until initialised
	p *mat.Dense
}

func newKalmanFilter(accelStd float64) *kalmanFilter {
	return &kalmanFilter{
		f:        mat.NewDense(2, 2, []float64{1, 0, 0, 1}),
		q:        mat.NewDense(2, 2, nil),
		h:        mat.NewDense(1, 2, []float64{1, 0}),
		accelStd: accelStd,
	}
}

func (k *kalmanFilter) initialised() bool {
	return k.x != nil
}

func (k *kalmanFilter) reset() {
	k.x = nil
	k.p = nil
}

// init starts from an observed rssi with zero rate. The rate variance is zero
// so the first updates do not invent a trend.
func (k *kalmanFilter) init(rssi, sigma float64) {
	k.x = mat.NewVecDense(2, []float64{rssi, 0})
	k.p = mat.NewDense(2, 2, []float64{9 * sigma * sigma, 0, 0, 0})
}

func (k *kalmanFilter) setDeltaTime(dt float64) {
	k.f.Set(0, 1, dt)
	g := mat.NewVecDense(2, []float64{0.5 * dt * dt, dt})
	k.q.Outer(k.accelStd*k.accelStd, g, g)
}

func (k *kalmanFilter) predict() {
	var x mat.VecDense
	x.MulVec(k.f, k.x)
	k.x = &x

	var fp, p mat.Dense
	fp.Mul(k.f, k.p)
	p.Mul(&fp, k.f.T())
	p.Add(&p, k.q)
	k.p = &p
}

// update folds in one rssi measurement with variance r
func (k *kalmanFilter) update(z, r float64) {
	var hp mat.Dense
	hp.Mul(k.h, k.p)

	var hph mat.Dense
	hph.Mul(&hp, k.h.T())
	s := hph.At(0, 0) + r

	var hx mat.VecDense
	hx.MulVec(k.h, k.x)
	innovation := z - hx.AtVec(0)

	var gain mat.Dense
	gain.Scale(1/s, hp.T())

	x := mat.NewVecDense(2, nil)
	x.AddScaledVec(k.x, innovation, gain.ColView(0))
	k.x = x

	var khp, p mat.Dense
	khp.Mul(&gain, &hp)
	p.Sub(k.p, &khp)
	k.p = &p
}

// forecast projects the rssi horizon seconds ahead without touching the state
func (k *kalmanFilter) forecast(horizon float64) float64 {
	f := mat.NewDense(2, 2, []float64{1, horizon, 0, 1})
	var x mat.VecDense
	x.MulVec(f, k.x)
	return x.AtVec(0)
}

func (k *kalmanFilter) rssi() float64 { return k.x.AtVec(0) }
func (k *kalmanFilter) rate() float64 { return k.x.AtVec(1) }
