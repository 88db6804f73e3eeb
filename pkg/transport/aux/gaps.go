package aux

import "github.com/samsamfire/jpipclient/pkg/request"

// ApplyReceivedSeq updates a request's chunk-gap list after sequence number
// seq is received, per spec.md §4.F step 3: remove a singleton gap, shrink
// one boundary, or split an interior range at seq. If responseTerminated and
// the matching gap was open-ended, it is closed at seq instead of left open.
func ApplyReceivedSeq(gaps []request.ChunkGap, seq int, responseTerminated bool) []request.ChunkGap {
	out := make([]request.ChunkGap, 0, len(gaps)+1)
	for _, g := range gaps {
		hi := g.To
		open := g.ToOpen
		if !open && seq < g.From || seq > hi && !open {
			out = append(out, g)
			continue
		}
		if open && seq < g.From {
			out = append(out, g)
			continue
		}

		switch {
		case !open && seq == g.From && seq == hi:
			// Singleton gap closed entirely: drop it.
		case seq == g.From:
			g.From++
			if open || g.From <= g.To {
				out = append(out, g)
			}
		case !open && seq == hi:
			g.To--
			if g.From <= g.To {
				out = append(out, g)
			}
		case open && responseTerminated:
			// Closing an open-ended gap at seq: it becomes [From, seq-1]
			// plus a fresh open gap starting at seq+1 is NOT created,
			// since response_terminated means no more chunks are coming.
			g.To = seq - 1
			g.ToOpen = false
			if g.From <= g.To {
				out = append(out, g)
			}
		default:
			// Interior split: seq lies strictly inside (g.From, hi) or
			// inside an as-yet-open gap; split into two sub-ranges.
			left := request.ChunkGap{From: g.From, To: seq - 1}
			out = append(out, left)
			right := request.ChunkGap{From: seq + 1, To: g.To, ToOpen: g.ToOpen}
			out = append(out, right)
		}
	}
	return out
}

// InsertInitialGap opens a brand-new gap tracking everything from the
// request's first expected sequence number onward, used when a request is
// first assigned to an unreliable transport.
func InsertInitialGap(from int) []request.ChunkGap {
	return []request.ChunkGap{{From: from, ToOpen: true}}
}

// CloseAllOpenGaps closes every open-ended gap in the list at the given
// terminal sequence number, invoked once response_terminated is set.
func CloseAllOpenGaps(gaps []request.ChunkGap, terminalSeq int) []request.ChunkGap {
	out := make([]request.ChunkGap, 0, len(gaps))
	for _, g := range gaps {
		if g.ToOpen {
			g.To = terminalSeq
			g.ToOpen = false
		}
		if g.From <= g.To {
			out = append(out, g)
		}
	}
	return out
}

// MaxAbandonGaps is the largest gap list CollapseGapList returns.
const MaxAbandonGaps = 128

// RequestGaps names one request's own gap sub-sequence within the
// concatenated abandonment gap list, in issue order (earliest first).
type RequestGaps struct {
	Gaps []request.ChunkGap
}

// CollapseGapList implements spec.md §4.F gap-list collapsing: if the
// concatenated gap list across all requests exceeds MaxAbandonGaps, reduce
// the earliest requests' gap sub-sequences to a single spanning gap first
// until the total fits.
func CollapseGapList(perRequest []RequestGaps) []request.ChunkGap {
	total := 0
	for _, rg := range perRequest {
		total += len(rg.Gaps)
	}
	i := 0
	for total > MaxAbandonGaps && i < len(perRequest) {
		rg := &perRequest[i]
		if len(rg.Gaps) > 1 {
			span := request.ChunkGap{From: rg.Gaps[0].From, To: rg.Gaps[len(rg.Gaps)-1].To, ToOpen: rg.Gaps[len(rg.Gaps)-1].ToOpen}
			total -= len(rg.Gaps) - 1
			rg.Gaps = []request.ChunkGap{span}
		}
		i++
	}

	out := make([]request.ChunkGap, 0, total)
	for _, rg := range perRequest {
		out = append(out, rg.Gaps...)
	}
	return out
}
