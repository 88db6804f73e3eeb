// Package cid implements the JPIP channel scheduler (spec.md §4.E): the
// core decision loop that picks which queue's request goes out next on a
// shared CID, synthesises abandonment requests, and keeps the "fundamental
// timing equation" N·tC = Σt_q balanced across timed queues.
//
// Grounded on the teacher's pkg/node/controller.go NodeProcessor loop shape
// (a manager that, each tick, scans owned sub-objects and decides the next
// action) generalized from a fixed NMT/heartbeat schedule to round-robin
// admission-gated request scheduling across an arbitrary queue set.
package cid

import (
	"github.com/samsamfire/jpipclient/pkg/flow"
	"github.com/samsamfire/jpipclient/pkg/queue"
	"github.com/samsamfire/jpipclient/pkg/request"
)

const (
	// AbandonFactor and WindowTarget are the constants of spec.md §4.E's
	// admission-throttling formula (ABANDON_FACTOR=3, WINDOW_TARGET=15).
	AbandonFactor = 3
	WindowTarget  = 15

	MaxAbandonGaps = 128
)

// QueueState is the scheduler's view of one queue's candidacy, supplied by
// the caller (which owns the actual queue.Queue objects) each time
// FindNextRequester is invoked.
type QueueState struct {
	Queue *queue.Queue

	HasUnrequested        bool
	WaitingForReply        bool
	WaitingForStartupReply bool
	InTimedMode            bool
	RegularEmpty           bool

	NextNominalStartTime int64
	CloseWhenIdle        bool
	JustStarted          bool
	OnlyStartupRequest    bool

	// ByteLimitInFlight is true when this queue currently has a
	// byte-limited (timed) request outstanding, which exempts it from the
	// unlimited-request admission throttle per rule 1.
	ByteLimitInFlight bool

	// OutstandingBytes is the number of response bytes already received for
	// the in-flight byte-limited request but not yet accounted for by a
	// completed group, and Stateless reports whether that request carries
	// no session-continuation state (cid <= 0, a one-shot HTTP-only
	// request). Both feed directly into the flow regulator's admission
	// gate (CanIssueRegularRequest) and must reflect the real request, not
	// a placeholder.
	OutstandingBytes int64
	Stateless        bool
}

// Scheduler holds the round-robin cursor and synthesis bookkeeping for one
// CID.
type Scheduler struct {
	Regulator *flow.Regulator

	lastRequesterIdx   int
	nextAdmissionUsecs int64

	// WaitingToSyncNominalTiming mirrors spec.md's
	// waiting_to_sync_nominal_request_timing flag.
	WaitingToSyncNominalTiming bool
}

func NewScheduler(r *flow.Regulator) *Scheduler {
	return &Scheduler{Regulator: r, lastRequesterIdx: -1}
}

// FindNextRequester implements find_next_requester(now, force_synth): the
// four interlocking rules of spec.md §4.E. rttUsecs and numIncomplete
// describe current CID-wide conditions needed by the admission/lag rules.
func (s *Scheduler) FindNextRequester(states []QueueState, now, rttUsecs int64, numIncomplete int, lastRequestWasByteLimited, lastRequestWasUnlimited bool, forceSynth bool) (int, bool) {
	if !s.admissionAllows(states, lastRequestWasByteLimited, lastRequestWasUnlimited, numIncomplete, rttUsecs, now) {
		// Only close_when_idle queues may issue (to deliver cclose).
		return s.selectAmong(states, now, func(st QueueState) bool {
			return st.HasUnrequested && st.CloseWhenIdle
		})
	}

	idx, ok := s.selectAmong(states, now, func(st QueueState) bool {
		return candidate(st)
	})
	if ok {
		s.applyLagCompensation(states, rttUsecs)
	}
	return idx, ok
}

// admissionAllows implements rule 1 (gating by flow regulator / unlimited
// throttle).
func (s *Scheduler) admissionAllows(states []QueueState, lastByteLimited, lastUnlimited bool, numIncomplete int, rttUsecs, now int64) bool {
	if lastByteLimited {
		outstanding, stateless := outstandingByteLimited(states)
		return s.Regulator.CanIssueRegularRequest(outstanding, stateless)
	}
	if lastUnlimited && numIncomplete > 1 {
		for _, st := range states {
			if st.ByteLimitInFlight {
				return true // flow regulator handles pacing for this queue
			}
		}
		if now < s.nextAdmissionUsecs {
			return false
		}
		s.nextAdmissionUsecs = NextThrottleDeadline(now, rttUsecs, numIncomplete)
		return true
	}
	return true
}

// outstandingByteLimited sums OutstandingBytes across every queue currently
// carrying a byte-limited request, and reports Stateless true only if every
// such queue is stateless (a mixed stateful/stateless CID is treated as
// stateful for the gate, the conservative choice).
func outstandingByteLimited(states []QueueState) (int64, bool) {
	var total int64
	stateless := true
	found := false
	for _, st := range states {
		if !st.ByteLimitInFlight {
			continue
		}
		found = true
		total += st.OutstandingBytes
		if !st.Stateless {
			stateless = false
		}
	}
	if !found {
		return 0, true
	}
	return total, stateless
}

// NextThrottleDeadline returns the earliest time() the next admission check
// should be retried under the unlimited-request throttle of rule 1.
func NextThrottleDeadline(now, rttUsecs int64, numIncomplete int) int64 {
	w := float64(numIncomplete)
	interval := float64(AbandonFactor+1) * w * float64(rttUsecs) / float64(WindowTarget*WindowTarget)
	return now + int64(interval)
}

func candidate(st QueueState) bool {
	if !st.HasUnrequested {
		return false
	}
	if st.JustStarted {
		return st.OnlyStartupRequest
	}
	return true
}

// selectAmong scans states round-robin from the successor of the last
// requester, returns the index of the best match per rule 2 (smallest
// next_nominal_start_time, ties toward just-started queues, just-started
// preferred above all non-startup candidates).
func (s *Scheduler) selectAmong(states []QueueState, now int64, filter func(QueueState) bool) (int, bool) {
	n := len(states)
	if n == 0 {
		return -1, false
	}

	best := -1
	bestJustStarted := false
	var bestTime int64

	for off := 1; off <= n; off++ {
		i := (s.lastRequesterIdx + off) % n
		st := states[i]
		if !filter(st) {
			continue
		}
		if best == -1 {
			best = i
			bestJustStarted = st.JustStarted
			bestTime = st.NextNominalStartTime
			continue
		}
		if st.JustStarted && !bestJustStarted {
			best = i
			bestJustStarted = true
			bestTime = st.NextNominalStartTime
			continue
		}
		if st.JustStarted == bestJustStarted && st.NextNominalStartTime < bestTime {
			best = i
			bestTime = st.NextNominalStartTime
		}
	}

	if best == -1 {
		return -1, false
	}
	s.lastRequesterIdx = best
	return best, true
}

// applyLagCompensation implements rule 4: compute total lag across idle
// queues and redistribute it across queues with requests to send, per the
// fundamental timing equation N·tC = Σt_q.
func (s *Scheduler) applyLagCompensation(states []QueueState, rttUsecs int64) {
	var lag int64
	var withRequests int
	for _, st := range states {
		if st.HasUnrequested {
			withRequests++
			continue
		}
		rttTerm := int64(0)
		if st.InTimedMode {
			rttTerm = rttUsecs
		}
		idleLag := st.NextNominalStartTime - rttTerm
		if idleLag < 0 {
			idleLag = 0
		}
		lag += idleLag
	}
	if withRequests == 0 || lag == 0 {
		return
	}
	share := lag / int64(withRequests)
	for i := range states {
		if states[i].HasUnrequested {
			states[i].NextNominalStartTime -= share
		} else {
			states[i].NextNominalStartTime += share
		}
	}
}

// TimedRequestDuration implements spec.md §4.E's "Timed-request assignment":
// target_duration = posted_service_time / N', where N' = total queues minus
// regular-empty queues. If postedServiceUsecs is zero (unposted), the
// smallest lastNotedTargetDuration among queues is used instead.
func TimedRequestDuration(postedServiceUsecs int64, totalQueues, regularEmptyQueues int, smallestLastNoted int64) int64 {
	nPrime := totalQueues - regularEmptyQueues
	if nPrime <= 0 {
		nPrime = 1
	}
	if postedServiceUsecs > 0 {
		return postedServiceUsecs / int64(nPrime)
	}
	return smallestLastNoted
}

// SyncNominalTiming implements spec.md §4.E's "Timing sync on first chunk":
// when the first data chunk of a timed request arrives while
// WaitingToSyncNominalTiming is set, the discrepancy between actual and
// nominal start time is added to the last target end time and to every
// queue's NextNominalStartTime. The NominalStartTime values already stored
// on individual requests are left unchanged.
func (s *Scheduler) SyncNominalTiming(actualStartTime, nominalStartTime int64, queues []*queue.Queue, lastTargetEndTime *int64) {
	if !s.WaitingToSyncNominalTiming {
		return
	}
	delta := actualStartTime - nominalStartTime
	*lastTargetEndTime += delta
	for _, q := range queues {
		q.NextNominalStartTime += delta
	}
	s.WaitingToSyncNominalTiming = false
}

// AbandonCandidate names one request found stale by FindGapsToAbandon.
type AbandonCandidate struct {
	Handle request.Handle
	Gaps   []request.ChunkGap
}

// ActiveReceiver is the minimal view FindGapsToAbandon needs of a request
// currently receiving chunks over an unreliable transport.
type ActiveReceiver struct {
	Handle            request.Handle
	ChunkGaps         []request.ChunkGap
	LastEventTime     int64
	ChunkReceived     bool
}

// FindGapsToAbandon implements spec.md §4.E find_gaps_to_abandon: a request
// with non-empty chunk_gaps and last_event_time older than
// ABANDON_FACTOR*rtt (or 2x if no chunk has yet arrived) is stale; its gaps
// are collected and it is marked for abandonment by the caller.
func FindGapsToAbandon(receivers []ActiveReceiver, now, rttUsecs int64, abandonAll bool) []AbandonCandidate {
	var out []AbandonCandidate
	for _, rcv := range receivers {
		if len(rcv.ChunkGaps) == 0 {
			continue
		}
		factor := int64(AbandonFactor)
		if !rcv.ChunkReceived {
			factor *= 2
		}
		stale := abandonAll || rcv.LastEventTime < now-factor*rttUsecs
		if !stale {
			continue
		}
		out = append(out, AbandonCandidate{Handle: rcv.Handle, Gaps: rcv.ChunkGaps})
	}
	return out
}
