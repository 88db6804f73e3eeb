// Package queue implements the per-submitter request queue (spec.md §4.C):
// an ordered list of requests, with timed-request bookkeeping and the four
// position pointers required by invariant 1.
//
// Grounded on the teacher's SDO upload/download sequencing
// (pkg/sdo/client.go: a strictly ordered stream of segments/sub-blocks with
// explicit position counters) generalized from one in-flight transfer to an
// arbitrarily long list of independent requests.
package queue

import (
	"github.com/samsamfire/jpipclient/pkg/request"
	"github.com/samsamfire/jpipclient/pkg/woi"
)

// Queue is an ordered list of requests submitted by one logical submitter.
type Queue struct {
	ID int

	arena *request.Arena

	head, tail Handle

	// Position pointers, satisfying head <= firstIncomplete <= firstUnreplied
	// <= firstUnrequested <= tail (§3 invariant 1).
	firstIncomplete  Handle
	firstUnreplied   Handle
	firstUnrequested Handle

	CloseWhenIdle          bool
	DisconnectTimeoutUsecs int64
	UnreliableTransport    bool
	JustStarted            bool

	// Timed-request state.
	NextPostedStartTime  int64
	NextNominalStartTime int64
	LastNotedTargetDuration int64

	nextQid uint64
}

// Handle aliases request.Handle for package-external readability.
type Handle = request.Handle

func New(id int, arena *request.Arena) *Queue {
	return &Queue{ID: id, arena: arena, JustStarted: true}
}

func (q *Queue) Head() Handle             { return q.head }
func (q *Queue) Tail() Handle             { return q.tail }
func (q *Queue) FirstIncomplete() Handle  { return q.firstIncomplete }
func (q *Queue) FirstUnreplied() Handle   { return q.firstUnreplied }
func (q *Queue) FirstUnrequested() Handle { return q.firstUnrequested }

func (q *Queue) get(h Handle) *request.Request { return q.arena.Get(h) }

// appendTail links req onto the end of the list and fixes up position
// pointers that were sitting at the (previously empty) tail.
func (q *Queue) appendTail(h Handle) {
	if !q.head.Valid() {
		q.head = h
		q.firstIncomplete = h
		q.firstUnreplied = h
		q.firstUnrequested = h
	} else {
		tailReq := q.get(q.tail)
		tailReq.SetQueueNext(h)
	}
	q.tail = h
}

// insertAfter links dup immediately after src in the list — used for
// duplicates inserted to absorb preemption or carry leftover service time.
func (q *Queue) insertAfter(src, dup Handle) {
	srcReq := q.get(src)
	dup2 := q.get(dup)
	dup2.SetQueueNext(srcReq.QueueNext())
	srcReq.SetQueueNext(dup)
	if q.tail == src {
		q.tail = dup
	}
}

// PostWindow implements spec.md §4.C post_window. Returns the handle of the
// newly posted (or reused) request, and whether a new request was actually
// appended.
func (q *Queue) PostWindow(w woi.WOI, preemptive bool, customID string, serviceUsecs int64) (Handle, bool) {
	// Idempotency: a non-preemptive repost of an equal, still-unretired
	// request is a no-op (testable property "idempotent post_window").
	if !preemptive {
		if h, req := q.findByWOI(w); req != nil {
			return h, false
		}
	}

	if preemptive {
		q.trimUnrequestedKeepingStartup()
	}

	req, h := q.arena.Alloc()
	req.QueueID = q.ID
	req.OriginalWOI = w
	req.EffectiveWOI = w
	req.Preemptive = preemptive
	req.State = request.Posted

	if serviceUsecs > 0 {
		req.NominalStartTime = q.NextPostedStartTime
		req.PostedServiceTime = serviceUsecs
		q.NextPostedStartTime += serviceUsecs
		q.NextNominalStartTime += serviceUsecs
	}

	q.appendTail(h)
	if !q.firstUnrequested.Valid() {
		q.firstUnrequested = h
	}
	return h, true
}

// findByWOI returns an existing, still-unretired request whose WOI
// (non-strictly) contains w and whose custom id would match — simplified
// here to a pure WOI containment check, since custom-id correlation is an
// application-level concern layered on top.
func (q *Queue) findByWOI(w woi.WOI) (Handle, *request.Request) {
	for h := q.head; h.Valid(); {
		r := q.get(h)
		if r == nil {
			break
		}
		if !r.Retirable() && r.OriginalWOI.Contains(w) {
			return h, r
		}
		h = r.QueueNext()
	}
	return Handle{}, nil
}

// trimUnrequestedKeepingStartup removes all unrequested prior requests
// before a preemptive post, except the startup request of a freshly-added
// queue (unless it is the only queue) — the caller (the CID scheduler,
// which knows about other queues) is responsible for the "only queue"
// exception; here we simply never touch the very first request of a
// JustStarted queue.
func (q *Queue) trimUnrequestedKeepingStartup() {
	if !q.firstUnrequested.Valid() {
		return
	}
	keepStartup := q.JustStarted && q.firstUnrequested == q.head
	if keepStartup {
		return
	}
	q.TrimTimedRequests()
}

// TrimTimedRequests removes all unrequested requests and returns the
// (external-scale) service time recovered.
func (q *Queue) TrimTimedRequests() int64 {
	var recovered int64
	h := q.firstUnrequested
	// Cut the list at firstUnrequested's predecessor.
	prev := q.predecessorOf(h)
	for cur := h; cur.Valid(); {
		r := q.get(cur)
		if r == nil {
			break
		}
		recovered += r.PostedServiceTime
		next := r.QueueNext()
		q.arena.Free(cur)
		cur = next
	}
	if prev.Valid() {
		q.get(prev).SetQueueNext(Handle{})
		q.tail = prev
	} else {
		q.head = Handle{}
		q.tail = Handle{}
		q.firstIncomplete = Handle{}
		q.firstUnreplied = Handle{}
	}
	q.firstUnrequested = Handle{}
	return recovered
}

func (q *Queue) predecessorOf(h Handle) Handle {
	if q.head == h || !h.Valid() {
		return Handle{}
	}
	for cur := q.head; cur.Valid(); {
		r := q.get(cur)
		if r.QueueNext() == h {
			return cur
		}
		cur = r.QueueNext()
	}
	return Handle{}
}

// AssignQid assigns the next monotonically increasing qid to req. It does
// not check whether ordering is needed; the engine calls it for every
// request it issues.
func (q *Queue) AssignQid(req *request.Request) uint64 {
	q.nextQid++
	req.Qid = q.nextQid
	return req.Qid
}

// AdvanceFirstUnrequested moves the pointer forward after a request is
// issued onto the wire.
func (q *Queue) AdvanceFirstUnrequested() {
	if !q.firstUnrequested.Valid() {
		return
	}
	r := q.get(q.firstUnrequested)
	q.firstUnrequested = r.QueueNext()
}

// AdvanceFirstUnreplied moves the pointer forward after a reply is
// received for the head-most unreplied request.
func (q *Queue) AdvanceFirstUnreplied() {
	if !q.firstUnreplied.Valid() {
		return
	}
	r := q.get(q.firstUnreplied)
	q.firstUnreplied = r.QueueNext()
}

// AdvanceFirstIncomplete moves the pointer forward by one request when that
// request is retirable, never past firstUnreplied. Requests are not unlinked
// here, so GetWindowInProgress can still find the most recent replied
// request (invariant 3).
func (q *Queue) AdvanceFirstIncomplete() {
	if !q.firstIncomplete.Valid() || q.firstIncomplete == q.firstUnreplied {
		return
	}
	r := q.get(q.firstIncomplete)
	if !r.Retirable() {
		return
	}
	q.firstIncomplete = r.QueueNext()
}

// GetWindowInProgress returns the most recent request whose reply has been
// received, per spec.md §4.C.
func (q *Queue) GetWindowInProgress() (Handle, *request.Request) {
	var lastReplied Handle
	var lastReq *request.Request
	for h := q.head; h.Valid(); {
		r := q.get(h)
		if r == nil {
			break
		}
		if r.ReplyReceived {
			lastReplied = h
			lastReq = r
		}
		h = r.QueueNext()
	}
	return lastReplied, lastReq
}
