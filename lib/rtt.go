package lib

import "time"

// rttEstimator tracks the smoothed round-trip time and retransmission
// timeout per RFC 6298 with the usual alpha=1/8, beta=1/4 gains.
type rttEstimator struct {
	srtt       time.Duration
	rttvar     time.Duration
	rto        time.Duration
	hasSample  bool
	initialRto time.Duration
	minRto     time.Duration
	maxRto     time.Duration
}

func newRttEstimator(initialRto, minRto, maxRto time.Duration) *rttEstimator {
	return &rttEstimator{
		rto:        initialRto,
		initialRto: initialRto,
		minRto:     minRto,
		maxRto:     maxRto,
	}
}

// addSample folds one measured round-trip time into the estimate. Samples
// must come from segments that were not retransmitted (Karn's rule); the
// retransmission queue enforces that before calling here.
func (r *rttEstimator) addSample(rtt time.Duration) {
	if rtt <= 0 {
		return
	}
	if !r.hasSample {
		r.srtt = rtt
		r.rttvar = rtt / 2
		r.hasSample = true
	} else {
		diff := r.srtt - rtt
		if diff < 0 {
			diff = -diff
		}
		r.rttvar = (3*r.rttvar + diff) / 4
		r.srtt = (7*r.srtt + rtt) / 8
	}
	r.rto = r.clamp(r.srtt + 4*r.rttvar)
}

// backoff doubles the timeout after a retransmission timer fires.
func (r *rttEstimator) backoff() {
	r.rto = r.clamp(r.rto * 2)
}

// currentRto returns the timeout to arm the retransmission timer with.
func (r *rttEstimator) currentRto() time.Duration {
	return r.rto
}

// resetAfterIdle re-arms the timeout from the current estimate, undoing any
// accumulated backoff once transmission succeeds again.
func (r *rttEstimator) resetAfterIdle() {
	if r.hasSample {
		r.rto = r.clamp(r.srtt + 4*r.rttvar)
	} else {
		r.rto = r.initialRto
	}
}

func (r *rttEstimator) clamp(d time.Duration) time.Duration {
	if d < r.minRto {
		return r.minRto
	}
	if d > r.maxRto {
		return r.maxRto
	}
	return d
}
