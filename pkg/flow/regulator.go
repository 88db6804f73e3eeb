// Package flow implements the per-CID flow regulator (spec.md §4.A): it
// maintains a target byte limit Lmax and two rate estimates, and gates
// whether a regular (non-abandonment) request may be issued.
//
// Grounded on the teacher's pkg/sdo client timer/state-accumulator idiom
// (pkg/sdo/client.go: an explicit state field advanced by a
// `timeDifferenceUs` step argument on every call) — the regulator is
// likewise a plain struct advanced by discrete "chunk arrived" / "group
// completed" events rather than a background goroutine.
package flow

import "math"

const (
	// LmaxMinUsecs / LmaxMaxUsecs bound how long, in estimated transfer
	// time, a request/group should target (0.5s .. 5s).
	LmaxMinUsecs = 500_000
	LmaxMaxUsecs = 5_000_000

	// LmaxMinBytes is an absolute floor on Lmax regardless of rate.
	LmaxMinBytes = 2048

	// alpha is the target inter-group gap fraction of Lmax/R.
	alpha = 1.0 / 8.0
)

// Group accumulates the observations for one request group as chunks
// arrive, per spec.md §4.A.
type Group struct {
	Stamp int64

	FirstBytes int64 // L0
	FirstUsecs int64 // T0: delay between request issue and first chunk
	TotalBytes int64 // L_g
	TotalUsecs int64 // grp_total_usecs
	MaxChunk   int64 // C_g
	OverlapBytes int64 // V_g
	MaxBytes   int64 // L_{g,max}: the requested byte limit for the group
	InterGrpUsecs int64 // I_g; < 0 means paused on arrival of first chunk

	chunkCount int
	stateless  bool // true ⇔ disjoint/stateless requests (η = 0)
}

// Regulator is the per-CID flow-control state.
type Regulator struct {
	Lmax int64

	// Three rate accumulators, each (bytes, usecs).
	cumBytes, cumUsecs   int64
	fastBytes, fastUsecs int64
	grpBytes, grpUsecs   int64

	serverMinBytes int64 // server-supplied lower bound on bytes, 0 if none

	lastWasUnlimited bool
	accumulatingGroup bool
}

func NewRegulator() *Regulator {
	return &Regulator{Lmax: LmaxMinBytes}
}

// SetServerMinBytes records a server-advertised lower bound on request byte
// limits (rare, but honored by the Lmax bound in step 6).
func (r *Regulator) SetServerMinBytes(n int64) { r.serverMinBytes = n }

// eta is 0 for stateless (disjoint) requests, 0.5 otherwise, per §4.A step 2.
func eta(stateless bool) float64 {
	if stateless {
		return 0
	}
	return 0.5
}

// OnChunk folds in one chunk arrival's contribution to the active group.
// Called once per chunk before OnGroupComplete is eventually called for the
// group it belongs to.
func (g *Group) OnChunk(chunkLen int64, requestIssueTime, chunkReceivedTime int64) {
	if g.chunkCount == 0 {
		g.FirstBytes = chunkLen
		g.FirstUsecs = chunkReceivedTime - requestIssueTime
	}
	g.TotalBytes += chunkLen
	g.TotalUsecs = chunkReceivedTime - requestIssueTime
	if chunkLen > g.MaxChunk {
		g.MaxChunk = chunkLen
	}
	g.chunkCount++
}

// OnGroupComplete applies spec.md §4.A's six-step update when a request
// group finishes (its last chunk, or abandonment, has been observed).
// lastGrpChunk is the caller's guess that this was indeed the final chunk.
func (r *Regulator) OnGroupComplete(g *Group, lastGrpChunk, haveMoreRequests bool) {
	if g.MaxChunk <= 0 {
		return
	}

	// Step 1: Lmax >= 3*C_g so a group spans >= 3 chunks.
	if r.Lmax < 3*g.MaxChunk {
		r.Lmax = 3 * g.MaxChunk
	}

	e := eta(g.stateless)

	lb := g.TotalBytes - g.FirstBytes
	tb := g.TotalUsecs - g.FirstUsecs
	if lb > 0 && tb > 0 {
		rb := float64(lb) / float64(tb) // R_B

		tg := float64(g.FirstUsecs) - (float64(g.OverlapBytes)+float64(g.FirstBytes))/rb
		vminTerm := math.Max(e*float64(r.Lmax-g.MaxChunk), float64(g.OverlapBytes))
		tgMin := float64(g.FirstUsecs) - (vminTerm+float64(g.FirstBytes))/rb

		targetGap := alpha * float64(r.Lmax) / rb

		if tgMin > targetGap {
			// Lmax too small.
			lmaxNew := (float64(g.FirstUsecs)*rb - float64(g.FirstBytes) + e*float64(g.MaxChunk)) / (e + alpha)
			delta := lmaxNew - float64(r.Lmax)
			if delta > 0 {
				scale := math.Min(1, float64(lb)/(float64(r.Lmax)+delta))
				delta *= scale
				if float64(r.Lmax)+delta > 2*float64(r.Lmax) {
					delta = float64(r.Lmax)
				}
				r.Lmax += int64(delta)
			}
		} else if tg < targetGap {
			// Lmax too large.
			lmaxNew := (float64(g.FirstUsecs)*rb - float64(g.FirstBytes) + e*float64(g.MaxChunk)) / (e + alpha)
			delta := float64(r.Lmax) - lmaxNew
			if delta > 0 {
				scale := math.Min(1, float64(lb)/float64(r.Lmax))
				delta *= scale
				floor := 0.75 * float64(r.Lmax)
				if minSpan := float64(3 * g.MaxChunk); minSpan > floor {
					floor = minSpan
				}
				newLmax := float64(r.Lmax) - delta
				if newLmax < floor {
					newLmax = floor
				}
				r.Lmax = int64(newLmax)
			}
		}

		// Step 3: correction for the first chunk's recorded inter-chunk gap.
		if g.InterGrpUsecs >= 0 {
			vmin := e*float64(r.Lmax) - float64(g.MaxChunk)
			shortfall := math.Max(0, vmin-float64(g.OverlapBytes))
			candidate := g.FirstUsecs - int64(shortfall/rb)
			floorGap := int64((float64(g.FirstBytes) + alpha*float64(r.Lmax)) / rb)
			if candidate < floorGap {
				candidate = floorGap
			}
			g.InterGrpUsecs = candidate
		}

		// Rate accumulator updates, attenuated by rho (step 4) then folded
		// into cum/fast and the group's own (bytes,usecs) contribution.
		rho := 1.0
		if g.MaxBytes > 0 {
			rho = math.Min(1, float64(g.TotalBytes)/float64(g.MaxBytes))
		}
		if rho >= 0.25 {
			contribBytes := int64(float64(g.TotalBytes) * rho)
			contribUsecs := g.TotalUsecs
			r.cumBytes += contribBytes
			r.cumUsecs += contribUsecs
			if g.chunkCount > 1 {
				r.fastBytes += contribBytes - g.FirstBytes
				r.fastUsecs += contribUsecs - g.FirstUsecs
			}
		}
		// else: truncated response, group is dropped entirely (no
		// contribution), per step 4.
	}

	// Step 5: renormalise accumulators.
	if r.cumBytes > 2*r.Lmax && r.cumBytes > 0 {
		scale := float64(2*r.Lmax) / float64(r.cumBytes)
		r.cumBytes = int64(float64(r.cumBytes) * scale)
		r.cumUsecs = int64(float64(r.cumUsecs) * scale)
	}
	if r.fastUsecs > LmaxMinUsecs && r.fastUsecs > 0 {
		scale := float64(LmaxMinUsecs) / float64(r.fastUsecs)
		r.fastBytes = int64(float64(r.fastBytes) * scale)
		r.fastUsecs = int64(float64(r.fastUsecs) * scale)
	}

	// Step 6: bound Lmax by rate * [LmaxMinUsecs, LmaxMaxUsecs], and by the
	// absolute floor (LmaxMinBytes, server minimum).
	rate := r.boundedRate()
	if rate > 0 {
		minByRate := int64(rate * LmaxMinUsecs)
		maxByRate := int64(rate * LmaxMaxUsecs)
		floor := int64(LmaxMinBytes)
		if r.serverMinBytes > floor {
			floor = r.serverMinBytes
		}
		if minByRate > floor {
			floor = minByRate
		}
		if r.Lmax < floor {
			r.Lmax = floor
		}
		if r.Lmax > maxByRate && maxByRate > 0 {
			r.Lmax = maxByRate
		}
	}

	r.lastWasUnlimited = g.MaxBytes == 0
	r.accumulatingGroup = !lastGrpChunk && haveMoreRequests
}

// boundedRate returns bytes/usec, capped at 1e9/LmaxMaxUsecs so comparisons
// against bounds never overflow, per spec.md §4.A's failure-mode note.
func (r *Regulator) boundedRate() float64 {
	if r.cumUsecs <= 0 {
		return 0
	}
	rate := float64(r.cumBytes) / float64(r.cumUsecs)
	rateCap := 1e9 / float64(LmaxMaxUsecs)
	if rate > rateCap {
		rate = rateCap
	}
	return rate
}

// CanIssueRegularRequest implements the gating rule of spec.md §4.A:
// returns true iff (a) stateless and outstandingBytes == 0, (b) the last
// issued request was unlimited, (c) a group is still being accumulated, or
// (d) outstandingBytes <= Lmax/2.
func (r *Regulator) CanIssueRegularRequest(outstandingBytes int64, stateless bool) bool {
	if stateless && outstandingBytes == 0 {
		return true
	}
	if r.lastWasUnlimited {
		return true
	}
	if r.accumulatingGroup {
		return true
	}
	return outstandingBytes <= r.Lmax/2
}
