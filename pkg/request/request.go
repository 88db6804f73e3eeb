// Package request implements the per-request state machine and dependency
// graph (spec.md §4.B). Requests live in an Arena and are referenced by a
// stable Handle rather than a pointer, so that the queue list, the primary
// channel's active-request list, the CID's active-receiver list, and a
// request's copy chain can all link to the same request without Go-level
// cyclic pointer structures.
//
// Grounded on the teacher's indexed object-dictionary entries
// (pkg/od/entry.go, pkg/od/od.go), which address variables by a stable
// index rather than holding raw pointers across goroutine boundaries.
package request

import (
	"github.com/rs/xid"

	"github.com/samsamfire/jpipclient/pkg/woi"
)

// State is the request life-cycle state of spec.md §4.B.
type State uint8

const (
	Posted State = iota
	Issued
	Replied
	Receiving
	ResponseDone
	CommunicationComplete
	Complete
)

func (s State) String() string {
	switch s {
	case Posted:
		return "posted"
	case Issued:
		return "issued"
	case Replied:
		return "replied"
	case Receiving:
		return "receiving"
	case ResponseDone:
		return "response-done"
	case CommunicationComplete:
		return "communication-complete"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

// ChunkGap is an inclusive range [From, To] of not-yet-received sequence numbers for a
// request transported over an unreliable (UDP) aux channel. ToOpen is true
// when the upper bound is not yet known (the gap extends to infinity until
// closed by an EOR or a later chunk).
type ChunkGap struct {
	From, To int
	ToOpen   bool
}

// Dependency names another request (by queue id + qid) whose response must
// complete before this request's EOR semantics can be trusted.
type Dependency struct {
	QueueID int
	Qid     uint64
}

// Handle is a stable, generation-checked reference into an Arena.
type Handle struct {
	index      int
	generation uint32
	XID        xid.ID // external, sortable, log-correlation id
}

func (h Handle) Valid() bool { return h.generation != 0 }

// Request holds all per-request state named in spec.md §3.
type Request struct {
	handle Handle
	inUse  bool

	QueueID int
	Qid     uint64 // 0 means "not yet assigned" (the engine assigns one to every issued request)

	OriginalWOI  woi.WOI
	EffectiveWOI woi.WOI

	GroupStamp        int64
	CumGroupByteLimit int
	ByteLimit         int // 0 = unlimited

	Preemptive       bool
	NewElements      bool
	Obliterating     bool
	Untrusted        bool
	IsCopy           bool
	CompletionNoted  bool

	ResponseTerminated   bool
	ReplyReceived        bool
	WindowCompleted      bool
	QualityLimitReached  bool
	ByteLimitReached     bool
	SessionLimitReached  bool
	ImageDone            bool
	ChunkReceived         bool
	EORReason            woi.EORReason

	RequestIssueTime     int64 // usecs, monotonic
	LastEventTime        int64
	ReceivedServiceTime  int64
	NominalStartTime     int64
	TargetEndTime        int64
	TargetDuration       int64
	DisparityCompensation int64
	PostedServiceTime    int64
	OverlapBytes         int
	ReceivedBodyBytes    int
	ReceivedMessageBytes int

	ChunkGaps []ChunkGap

	Dependencies []Dependency

	State State

	// Intrusive list links, all by Handle; zero Handle means "none".
	queueNext   Handle
	primaryNext Handle
	cidNext     Handle
	copySrc     Handle
	nextCopy    Handle
}

func (r *Request) Handle() Handle    { return r.handle }
func (r *Request) QueueNext() Handle { return r.queueNext }
func (r *Request) SetQueueNext(h Handle) { r.queueNext = h }
func (r *Request) CopySrc() Handle   { return r.copySrc }
func (r *Request) NextCopy() Handle  { return r.nextCopy }
func (r *Request) PrimaryNext() Handle       { return r.primaryNext }
func (r *Request) SetPrimaryNext(h Handle)   { r.primaryNext = h }
func (r *Request) CIDNext() Handle           { return r.cidNext }
func (r *Request) SetCIDNext(h Handle)       { r.cidNext = h }

// CommunicationDone implements invariant 4: response terminated, reply
// received and no outstanding chunk gaps.
func (r *Request) CommunicationDone() bool {
	return r.ResponseTerminated && r.ReplyReceived && len(r.ChunkGaps) == 0
}

// Retirable implements the completion-gating testable property: comms done
// and dependencies are either cleared, moot (untrusted), or carried no
// useful information.
func (r *Request) Retirable() bool {
	if !r.CommunicationDone() {
		return false
	}
	if r.Untrusted {
		return true
	}
	if len(r.Dependencies) == 0 {
		return true
	}
	return r.noInformativeEOR()
}

func (r *Request) noInformativeEOR() bool {
	return !r.ResponseTerminated || r.EORReason == 0
}

// Arena owns the backing store of requests, addressed by Handle.
type Arena struct {
	slots []Request
	free  []int
}

func NewArena() *Arena {
	return &Arena{}
}

// Alloc returns a zeroed Request and its Handle, reusing a freed slot when
// possible.
func (a *Arena) Alloc() (*Request, Handle) {
	var idx int
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
		gen := a.slots[idx].handle.generation + 1
		a.slots[idx] = Request{}
		a.slots[idx].handle = Handle{index: idx, generation: gen, XID: xid.New()}
	} else {
		idx = len(a.slots)
		a.slots = append(a.slots, Request{})
		a.slots[idx].handle = Handle{index: idx, generation: 1, XID: xid.New()}
	}
	a.slots[idx].inUse = true
	return &a.slots[idx], a.slots[idx].handle
}

// Get resolves a Handle to its Request, or nil if the handle is stale
// (freed and possibly reused) or zero.
func (a *Arena) Get(h Handle) *Request {
	if !h.Valid() || h.index < 0 || h.index >= len(a.slots) {
		return nil
	}
	slot := &a.slots[h.index]
	if !slot.inUse || slot.handle.generation != h.generation {
		return nil
	}
	return slot
}

// Free returns a request's slot to the freelist. The caller must have
// already unlinked it from every list it could appear on (queue, primary
// active-request, CID active-receiver, copy chain) — never free while
// still linked, per spec.md §3 Request lifecycle.
func (a *Arena) Free(h Handle) {
	slot := a.Get(h)
	if slot == nil {
		return
	}
	slot.inUse = false
	a.free = append(a.free, h.index)
}

// Duplicate creates a copy of src that inherits its WOI and preemptivity,
// per spec.md §4.B "When a request is duplicated". NewElements is cleared
// on the copy; the copy is linked into src's copy chain via copySrc/nextCopy
// and service time cumulates through the chain by the caller continuing to
// add to ReceivedServiceTime on whichever link is currently active.
func (a *Arena) Duplicate(src *Request) (*Request, Handle) {
	dup, h := a.Alloc()
	dup.QueueID = src.QueueID
	dup.OriginalWOI = src.OriginalWOI
	dup.EffectiveWOI = src.EffectiveWOI
	dup.Preemptive = src.Preemptive
	dup.NewElements = false
	dup.IsCopy = true
	dup.ByteLimit = src.ByteLimit
	dup.State = Posted
	dup.copySrc = src.handle
	// Walk to the end of the existing chain so Duplicate can be called
	// repeatedly (e.g. timed-request remainder carrying, preemption copies).
	tail := src
	for tail.nextCopy.Valid() {
		next := a.Get(tail.nextCopy)
		if next == nil {
			break
		}
		tail = next
	}
	tail.nextCopy = h
	return dup, h
}

// ResolveDependency implements the dependency-removal rule of spec.md §4.B:
// when request `completed` (identified by queueID/qid) finishes
// communication, every dependent request naming it is updated to name
// `predecessor` instead (if predecessor is non-nil and still incomplete),
// or has the entry dropped entirely. forceUntrusted additionally marks the
// dependent untrusted (used when the completed request is abandoned).
func ResolveDependency(dependent *Request, completedQueueID int, completedQid uint64, predecessor *Dependency, forceUntrusted bool) {
	out := dependent.Dependencies[:0]
	for _, d := range dependent.Dependencies {
		if d.QueueID == completedQueueID && d.Qid == completedQid {
			if predecessor != nil {
				out = append(out, *predecessor)
			}
			continue
		}
		out = append(out, d)
	}
	dependent.Dependencies = out
	if forceUntrusted {
		dependent.Untrusted = true
	}
}
