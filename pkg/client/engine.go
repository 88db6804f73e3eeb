// Package client implements the engine orchestrator (spec.md §5-§7): the
// single-management-lock scheduling model, the manager task loop, queue
// lifecycle operations (post_window/add_queue/disconnect/sync_timing),
// fatal-error propagation, and the coalesced status notifier.
//
// Grounded on the teacher's pkg/node/controller.go NodeProcessor
// (ticker-driven background()/main() goroutines under a context.Context,
// Start/Stop/Wait lifecycle, sync.WaitGroup-joined shutdown), generalized
// from a fixed-period NMT/PDO tick to a manager loop that blocks on socket
// readiness or an application wakeup instead of a fixed ticker.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/samsamfire/jpipclient/pkg/cache"
	"github.com/samsamfire/jpipclient/pkg/cid"
	"github.com/samsamfire/jpipclient/pkg/flow"
	"github.com/samsamfire/jpipclient/pkg/model"
	"github.com/samsamfire/jpipclient/pkg/queue"
	"github.com/samsamfire/jpipclient/pkg/request"
	"github.com/samsamfire/jpipclient/pkg/transport/aux"
	"github.com/samsamfire/jpipclient/pkg/transport/primary"
	"github.com/samsamfire/jpipclient/pkg/woi"
)

// defaultAuxRecvBuffer is the kernel socket receive buffer size requested
// for an attached aux UDP channel (see auxListener/AttachAuxUDP below).
const defaultAuxRecvBuffer = 1 << 20

// defaultRTTUsecs is the round-trip estimate used by a CID's scheduler
// before any real measurement is available. It only affects the unlimited-
// request admission throttle and lag compensation, both of which settle
// once real request/reply timings accumulate.
const defaultRTTUsecs = 200_000

// requestTimeout bounds one request/reply/body cycle on the primary
// channel, per spec.md §4.D's "aux connect timeout" family of bounded waits.
const requestTimeout = 30 * time.Second

// FatalKind classifies a fatal error per spec.md §7's propagation policy.
type FatalKind uint8

const (
	FatalNone FatalKind = iota
	FatalMalformedResponse
	FatalTargetChanged
	FatalTransportFailure
	FatalAuxConnectTimeout
	FatalIllegalVBAS
	FatalOversizedString
)

func (k FatalKind) String() string {
	switch k {
	case FatalMalformedResponse:
		return "malformed server response"
	case FatalTargetChanged:
		return "target changed"
	case FatalTransportFailure:
		return "transport failure"
	case FatalAuxConnectTimeout:
		return "aux connect timeout"
	case FatalIllegalVBAS:
		return "illegal VBAS parameter"
	case FatalOversizedString:
		return "over-large string from network"
	default:
		return "none"
	}
}

// FatalError is a session- or CID-scoped fatal condition. SessionWide is
// true for errors that end the whole engine (malformed response, illegal
// VBAS); otherwise only the naming CID (and its queues) is released.
type FatalError struct {
	Kind        FatalKind
	CIDID       int
	SessionWide bool
	Err         error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s (cid=%d): %v", e.Kind, e.CIDID, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// StatusNotifier receives coalesced, per-queue human-readable status
// updates ("Resolving host name...", "Image complete.", etc.), per spec.md
// §7.
type StatusNotifier interface {
	Notify(queueID int, status string)
}

type noopNotifier struct{}

func (noopNotifier) Notify(int, string) {}

// QueueHandle is the opaque integer handle external callers use to refer to
// a queue — never a raw pointer, per spec.md §5's "Shared resources" rule.
type QueueHandle int

// managedQueue bundles a queue.Queue with the orchestration state the
// engine needs beyond the queue package's own bookkeeping.
type managedQueue struct {
	handle QueueHandle
	q      *queue.Queue
	cidID  int
	target string
	status string

	waitingForReply bool

	releaseChans []chan struct{}
}

// cidRuntime bundles one CID's flow regulator and scheduler with the
// bookkeeping the manager loop needs to drive them across ticks: the
// admission class of the last issued request, a round-trip estimate, the
// qid-low -> request index used to route aux chunks back to the request
// that posted them (pkg/transport/aux.Preamble.QidLow), and the per-qid
// last-seen UDP sequence number used to detect chunk gaps.
type cidRuntime struct {
	regulator *flow.Regulator
	scheduler *cid.Scheduler

	rttUsecs          int64
	lastByteLimited   bool
	lastUnlimited     bool
	lastTargetEndTime int64

	// nextAuxQid assigns the wire-level qid used to correlate an aux chunk
	// (pkg/transport/aux.Preamble.QidLow) back to its request. It is
	// CID-scoped, not queue-scoped, since the preamble only carries a
	// 16-bit qid with no queue identifier alongside it — unlike
	// request.Request.Qid (assigned by queue.Queue.AssignQid), which is
	// scoped per queue for Dependency{QueueID,Qid} bookkeeping.
	nextAuxQid uint16
	qidIndex   map[uint16]request.Handle
	lastSeq    map[uint16]uint32
}

// Engine is the top-level client orchestrator. All application-facing
// methods acquire the single management lock, mutate state, and return;
// the manager task goroutine does all blocking I/O, per spec.md §5.
type Engine struct {
	mu sync.Mutex

	arena    *request.Arena
	cache    cache.DataBinCache
	model    *model.Manager
	notifier StatusNotifier
	logger   *slog.Logger

	primary *primary.Channel

	queues      map[QueueHandle]*managedQueue
	nextQueueID int

	cids map[int]*cidRuntime

	closeRequested bool
	fatalErrors    []*FatalError

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Engine. mapper is the external codestream-mapping
// collaborator for cache-model signalling; c is the data-bin cache (a
// cache.NewMemCache() if the caller has no persistent cache file); addr is
// the JPIP server's primary-channel host:port, or "" to run with no
// transport attached (the manager loop then only does queue housekeeping,
// which is how most of the unit tests in this package exercise it).
func New(mapper model.CodestreamMapper, c cache.DataBinCache, addr string, notifier StatusNotifier, logger *slog.Logger) *Engine {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		arena:    request.NewArena(),
		cache:    c,
		model:    model.New(mapper, c),
		notifier: notifier,
		logger:   logger.With("component", "[ENGINE]"),
		queues:   make(map[QueueHandle]*managedQueue),
		cids:     make(map[int]*cidRuntime),
		wake:     make(chan struct{}, 1),
	}
	if addr != "" {
		e.primary = primary.New(addr, logger)
	}
	return e
}

// AddQueue creates a new queue on the named CID (cidID) and returns its
// external handle. A cidID <= 0 designates a stateless, one-shot HTTP-only
// queue (no real JPIP channel continuation), which the flow regulator's
// admission gate treats accordingly.
func (e *Engine) AddQueue(cidID int) QueueHandle {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextQueueID++
	h := QueueHandle(e.nextQueueID)
	q := queue.New(e.nextQueueID, e.arena)
	e.queues[h] = &managedQueue{handle: h, q: q, cidID: cidID, status: "Not connected."}

	if _, ok := e.cids[cidID]; !ok {
		r := flow.NewRegulator()
		e.cids[cidID] = &cidRuntime{
			regulator: r,
			scheduler: cid.NewScheduler(r),
			rttUsecs:  defaultRTTUsecs,
			qidIndex:  make(map[uint16]request.Handle),
			lastSeq:   make(map[uint16]uint32),
		}
	}

	e.wakeLocked()
	return h
}

// SetTarget records the JPIP target resource name a queue's requests are
// issued against, used to build the request-URI's target= parameter.
func (e *Engine) SetTarget(h QueueHandle, target string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	mq, ok := e.queues[h]
	if !ok {
		return fmt.Errorf("client: unknown queue handle %d", h)
	}
	mq.target = target
	return nil
}

// PostWindow implements the application-facing post_window call: acquire
// the lock, delegate to the queue, wake the manager.
func (e *Engine) PostWindow(h QueueHandle, w woi.WOI, preemptive bool, customID string, serviceUsecs int64) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	mq, ok := e.queues[h]
	if !ok {
		return false, fmt.Errorf("client: unknown queue handle %d", h)
	}
	_, added := mq.q.PostWindow(w, preemptive, customID, serviceUsecs)
	e.setStatusLocked(mq, "Interactive transfer...")
	e.wakeLocked()
	return added, nil
}

// Disconnect implements spec.md §5's disconnect(queue_id, keep_transport_open,
// timeout, wait): marks the queue closing, trims unrequested requests, and
// optionally blocks until release (wait=true), bounded by timeout.
func (e *Engine) Disconnect(h QueueHandle, keepTransportOpen bool, timeout time.Duration, wait bool) error {
	e.mu.Lock()
	mq, ok := e.queues[h]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("client: unknown queue handle %d", h)
	}
	mq.q.CloseWhenIdle = true
	mq.q.DisconnectTimeoutUsecs = timeout.Microseconds()
	mq.q.TrimTimedRequests()
	e.setStatusLocked(mq, "Disconnecting...")

	var released chan struct{}
	if wait {
		released = make(chan struct{})
		mq.releaseChans = append(mq.releaseChans, released)
	}
	e.wakeLocked()
	e.mu.Unlock()

	if !wait {
		return nil
	}
	select {
	case <-released:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("client: disconnect timed out for queue %d", h)
	}
}

// Close signals the master close-requested flag, stops the manager task,
// and releases all state, per spec.md §5's close().
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closeRequested = true
	e.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()

	if e.primary != nil {
		e.primary.Close()
	}
	return nil
}

// GetWindowInProgress returns the WOI of the most recently replied request
// on the named queue, satisfying invariant 3 (the application can always
// query window-in-progress).
func (e *Engine) GetWindowInProgress(h QueueHandle) (woi.WOI, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	mq, ok := e.queues[h]
	if !ok {
		return woi.WOI{}, false
	}
	_, req := mq.q.GetWindowInProgress()
	if req == nil {
		return woi.WOI{}, false
	}
	return req.EffectiveWOI, true
}

// Status returns the last coalesced status string for a queue.
func (e *Engine) Status(h QueueHandle) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	mq, ok := e.queues[h]
	if !ok {
		return ""
	}
	return mq.status
}

// IsAlive reports whether the manager loop is still running, per spec.md
// §7's is_alive() semantics (false once all CIDs are dead and the loop has
// exited).
func (e *Engine) IsAlive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.closeRequested && len(e.cids) > 0
}

func (e *Engine) setStatusLocked(mq *managedQueue, status string) {
	if mq.status == status {
		return
	}
	mq.status = status
	e.notifier.Notify(int(mq.handle), status)
}

func (e *Engine) wakeLocked() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// recordFatal implements the propagation policy of spec.md §7: a fatal
// error is caught, the affected CID (or the whole session) is released,
// and a status line is posted.
func (e *Engine) recordFatal(err *FatalError) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fatalErrors = append(e.fatalErrors, err)
	e.logger.Warn("fatal error", "kind", err.Kind.String(), "cid", err.CIDID, "err", err.Err)
	if err.SessionWide {
		e.closeRequested = true
		return
	}
	delete(e.cids, err.CIDID)
	for _, mq := range e.queues {
		if mq.cidID == err.CIDID {
			e.setStatusLocked(mq, "Connection closed unexpectedly.")
		}
	}
}

// Start launches the manager task goroutine, grounded on the teacher's
// NodeProcessor.Start: a context-cancellable background loop joined via a
// WaitGroup on Stop/Close.
func (e *Engine) Start(ctx context.Context, pollInterval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.managerLoop(ctx, pollInterval)
	}()
}

// managerLoop is the single dedicated manager task of spec.md §5: it holds
// the management lock only while inspecting/mutating queue/CID/primary
// state, and otherwise blocks on a wakeup or its poll interval (standing in
// for channel_monitor.run_once's socket-readiness wait, which is owned by
// the transport packages this engine composes).
func (e *Engine) managerLoop(ctx context.Context, pollInterval time.Duration) {
	if pollInterval <= 0 {
		pollInterval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	e.logger.Info("manager task starting")
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("manager task stopping")
			return
		case <-e.wake:
			e.tick()
		case <-ticker.C:
			e.tick()
		}
		e.mu.Lock()
		done := e.closeRequested
		e.mu.Unlock()
		if done {
			e.logger.Info("manager task exiting: close requested")
			return
		}
	}
}

// auxListener implements aux.ChunkListener, decoding each chunk's VBAS
// messages and feeding the resulting bytes into the engine's data-bin
// cache. It also correlates the chunk to the request that posted it (via
// the preamble's QidLow against the CID's qidIndex) so chunk-gap tracking,
// EOR, and nominal-timing sync all update the right request.
type auxListener struct {
	e     *Engine
	cidID int
	state aux.ParserState
}

func (l *auxListener) Handle(chunk aux.Chunk) {
	msgs, err := aux.ParseMessages(chunk.Payload, &l.state)
	if err != nil {
		l.e.recordFatal(&FatalError{Kind: FatalIllegalVBAS, CIDID: l.cidID, SessionWide: true, Err: err})
		return
	}

	l.e.mu.Lock()
	defer l.e.mu.Unlock()

	cr := l.e.cids[l.cidID]
	var req *request.Request
	if cr != nil {
		if h, ok := cr.qidIndex[chunk.Preamble.QidLow]; ok {
			req = l.e.arena.Get(h)
		}
		if req != nil {
			trackChunkGapLocked(cr, chunk, req)
		}
	}

	for _, m := range msgs {
		if m.IsEOR {
			if req != nil {
				req.ResponseTerminated = true
				req.EORReason = m.EORReason
			}
			continue
		}
		id := woi.BinID{Class: m.Class, CodestreamID: m.CodestreamID, Bin: m.BinID}
		if err := l.e.cache.AddToDataBin(id, m.Payload, m.RangeOffset, m.IsFinal); err != nil {
			l.e.logger.Warn("data-bin append failed", "bin", id, "err", err)
			continue
		}
		l.e.cache.MarkDataBin(id, true)
		if req != nil {
			req.ReceivedBodyBytes += len(m.Payload)
		}
	}

	if req != nil {
		now := time.Now().UnixMicro()
		req.LastEventTime = now
		wasFirst := !req.ChunkReceived
		req.ChunkReceived = true
		if wasFirst && cr != nil && cr.scheduler.WaitingToSyncNominalTiming {
			cr.scheduler.SyncNominalTiming(now, req.NominalStartTime, l.e.queuesOfCIDLocked(l.cidID), &cr.lastTargetEndTime)
		}
	}

	l.e.wakeLocked()
}

// trackChunkGapLocked folds one UDP datagram's sequence number into req's
// chunk-gap list. Filling a previously-recorded gap is not reconciled here
// (FindGapsToAbandon only needs to notice staleness, not reconstruct exact
// coverage); a gap recorded against a qid persists until the request is
// abandoned or retired.
func trackChunkGapLocked(cr *cidRuntime, chunk aux.Chunk, req *request.Request) {
	qid := chunk.Preamble.QidLow
	last, seen := cr.lastSeq[qid]
	seq := chunk.Seq
	if seen && seq > last+1 {
		req.ChunkGaps = append(req.ChunkGaps, request.ChunkGap{From: int(last + 1), To: int(seq - 1)})
	}
	if !seen || seq > last {
		cr.lastSeq[qid] = seq
	}
}

// AttachAuxUDP wraps conn as this CID's aux UDP channel: it grows the
// kernel receive buffer (pkg/transport/aux.UDPChannel.SetRecvBuffer) so a
// burst of chunked datagrams isn't dropped before the caller's receive
// loop drains them, and wires chunk dispatch into the engine's cache.
// The caller owns the receive loop (repeatedly calling RunOnce), since
// the manager task itself does not block on socket reads.
func (e *Engine) AttachAuxUDP(cidID int, conn net.PacketConn, peer net.Addr, logger *slog.Logger) *aux.UDPChannel {
	listener := &auxListener{e: e, cidID: cidID}
	ch := aux.NewUDPChannel(conn, peer, listener, logger)
	if err := ch.SetRecvBuffer(defaultAuxRecvBuffer); err != nil {
		e.logger.Warn("aux udp recv buffer not set", "cid", cidID, "err", err)
	}
	return ch
}

// AttachAuxTCP wraps conn as this CID's aux TCP channel, wiring chunk
// dispatch the same way as AttachAuxUDP.
func (e *Engine) AttachAuxTCP(cidID int, conn net.Conn, logger *slog.Logger) *aux.TCPChannel {
	listener := &auxListener{e: e, cidID: cidID}
	return aux.NewTCPChannel(conn, listener, logger)
}

func (e *Engine) queuesOfCIDLocked(cidID int) []*queue.Queue {
	var out []*queue.Queue
	for _, mq := range e.queues {
		if mq.cidID == cidID {
			out = append(out, mq.q)
		}
	}
	return out
}

// issuePlan describes one request chosen by the CID scheduler to go out on
// the primary channel, assembled while the management lock is held and
// executed after it is released — the manager task must not hold the lock
// across blocking network I/O.
type issuePlan struct {
	cidID  int
	queueH QueueHandle
	reqH   request.Handle
	uri    string
}

// tick performs one management-lock-held planning pass (release idle
// queues, abandon stale chunk gaps, pick the next request to issue per
// CID), then — lock released — drives the actual request/reply exchange on
// the primary channel, per spec.md §5's two-phase manager step.
func (e *Engine) tick() {
	e.mu.Lock()
	e.releaseIdleQueuesLocked()
	plan := e.planNextRequestLocked()
	e.mu.Unlock()

	if plan != nil {
		e.executeRequest(plan)
	}
}

func (e *Engine) releaseIdleQueuesLocked() {
	for h, mq := range e.queues {
		mq.q.AdvanceFirstIncomplete()
		if mq.q.CloseWhenIdle && !mq.q.Head().Valid() {
			for _, ch := range mq.releaseChans {
				close(ch)
			}
			e.setStatusLocked(mq, "Not connected.")
			delete(e.queues, h)
		}
	}
}

// planNextRequestLocked implements spec.md §4.E/§4.F's per-CID step: first
// abandon any chunk-receiver whose gaps have gone stale, then ask the CID's
// scheduler which queue (if any) should issue its next request. The first
// CID with a ready request wins the tick; CIDs are visited in ascending id
// order, so a lower-numbered CID that is ready on every tick always wins.
func (e *Engine) planNextRequestLocked() *issuePlan {
	if e.primary == nil {
		return nil
	}
	now := time.Now().UnixMicro()

	var cidIDs []int
	for id := range e.cids {
		cidIDs = append(cidIDs, id)
	}
	sort.Ints(cidIDs)

	for _, cidID := range cidIDs {
		cr := e.cids[cidID]
		e.collectAbandonmentsLocked(cidID, cr, now)

		mqs, states := e.queueStatesLocked(cidID)
		if len(states) == 0 {
			continue
		}
		numIncomplete := 0
		for _, mq := range mqs {
			if mq.waitingForReply {
				numIncomplete++
			}
		}
		idx, ok := cr.scheduler.FindNextRequester(states, now, cr.rttUsecs, numIncomplete, cr.lastByteLimited, cr.lastUnlimited, false)
		if !ok {
			continue
		}
		mq := mqs[idx]
		reqH := mq.q.FirstUnrequested()
		req := e.arena.Get(reqH)
		if req == nil {
			continue
		}
		return e.buildIssuePlanLocked(cidID, cr, mq, reqH, req, now, mqs)
	}
	return nil
}

// collectAbandonmentsLocked gathers every request on this CID still
// carrying chunk gaps and, for those found stale by cid.FindGapsToAbandon,
// marks them untrusted/terminated so they become retirable.
func (e *Engine) collectAbandonmentsLocked(cidID int, cr *cidRuntime, now int64) {
	var receivers []cid.ActiveReceiver
	for _, mq := range e.queues {
		if mq.cidID != cidID {
			continue
		}
		for h := mq.q.FirstIncomplete(); h.Valid(); {
			r := e.arena.Get(h)
			if r == nil {
				break
			}
			if len(r.ChunkGaps) > 0 {
				receivers = append(receivers, cid.ActiveReceiver{
					Handle:        h,
					ChunkGaps:     r.ChunkGaps,
					LastEventTime: r.LastEventTime,
					ChunkReceived: r.ChunkReceived,
				})
			}
			h = r.QueueNext()
		}
	}
	if len(receivers) == 0 {
		return
	}
	for _, a := range cid.FindGapsToAbandon(receivers, now, cr.rttUsecs, false) {
		r := e.arena.Get(a.Handle)
		if r == nil {
			continue
		}
		r.ChunkGaps = nil
		r.Untrusted = true
		r.ResponseTerminated = true
		e.logger.Info("abandoned stale chunk gaps", "cid", cidID, "request", r.QueueID)
	}
}

// queueStatesLocked returns, in a stable order, this CID's managed queues
// and the cid.QueueState view the scheduler needs of each.
func (e *Engine) queueStatesLocked(cidID int) ([]*managedQueue, []cid.QueueState) {
	var keys []QueueHandle
	for h, mq := range e.queues {
		if mq.cidID == cidID {
			keys = append(keys, h)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	mqs := make([]*managedQueue, 0, len(keys))
	states := make([]cid.QueueState, 0, len(keys))
	for _, h := range keys {
		mq := e.queues[h]
		mqs = append(mqs, mq)
		states = append(states, e.queueStateLocked(mq))
	}
	return mqs, states
}

func (e *Engine) queueStateLocked(mq *managedQueue) cid.QueueState {
	st := cid.QueueState{
		Queue:                mq.q,
		HasUnrequested:       mq.q.FirstUnrequested().Valid(),
		WaitingForReply:      mq.waitingForReply,
		InTimedMode:          mq.q.NextPostedStartTime > 0,
		CloseWhenIdle:        mq.q.CloseWhenIdle,
		JustStarted:          mq.q.JustStarted,
		NextNominalStartTime: mq.q.NextNominalStartTime,
		Stateless:            mq.cidID <= 0,
	}
	if st.JustStarted {
		st.OnlyStartupRequest = mq.q.Head() == mq.q.FirstUnrequested()
	}
	if req := e.arena.Get(mq.q.FirstUnrequested()); req != nil {
		st.ByteLimitInFlight = req.ByteLimit > 0
	}
	for h := mq.q.FirstIncomplete(); h.Valid(); {
		r := e.arena.Get(h)
		if r == nil {
			break
		}
		if r.ByteLimit > 0 && !r.CommunicationDone() {
			st.OutstandingBytes += int64(r.ReceivedBodyBytes)
			st.ByteLimitInFlight = true
		}
		h = r.QueueNext()
	}
	return st
}

// buildIssuePlanLocked finalises the chosen request: attaches cache-model
// statements (spec.md §4.G), computes a byte limit / timed-request target
// duration when the request carries posted service time (spec.md §4.E),
// assigns it a qid for aux-chunk correlation, and advances the queue's
// first-unrequested pointer.
func (e *Engine) buildIssuePlanLocked(cidID int, cr *cidRuntime, mq *managedQueue, reqH request.Handle, req *request.Request, now int64, mqs []*managedQueue) *issuePlan {
	var statements []model.Statement
	result, err := e.model.BuildStatements(req.EffectiveWOI)
	if err != nil {
		e.logger.Warn("cache-model build failed", "cid", cidID, "err", err)
	} else {
		statements = result.Statements
		codestreams := req.EffectiveWOI.Codestreams
		if len(codestreams) == 0 {
			codestreams = []int{0}
		}
		for _, cs := range codestreams {
			e.model.NoteCommunicated(cs)
		}
	}

	if req.PostedServiceTime > 0 {
		regularEmpty := 0
		var smallest int64
		for _, other := range mqs {
			if !other.q.FirstUnrequested().Valid() {
				regularEmpty++
			}
			if other.q.LastNotedTargetDuration > 0 && (smallest == 0 || other.q.LastNotedTargetDuration < smallest) {
				smallest = other.q.LastNotedTargetDuration
			}
		}
		req.TargetDuration = cid.TimedRequestDuration(req.PostedServiceTime, len(mqs), regularEmpty, smallest)
		mq.q.LastNotedTargetDuration = req.TargetDuration
		req.ByteLimit = int(cr.regulator.Lmax)
		cr.scheduler.WaitingToSyncNominalTiming = true
	}

	cr.lastByteLimited = req.ByteLimit > 0
	cr.lastUnlimited = req.ByteLimit == 0

	mq.q.AssignQid(req)
	cr.nextAuxQid++
	auxQid := cr.nextAuxQid
	cr.qidIndex[auxQid] = reqH

	req.State = request.Issued
	req.RequestIssueTime = now
	mq.waitingForReply = true
	mq.q.AdvanceFirstUnrequested()
	e.setStatusLocked(mq, "Requesting...")

	return &issuePlan{
		cidID:  cidID,
		queueH: mq.handle,
		reqH:   reqH,
		uri:    buildRequestURI(mq.target, auxQid, req, statements),
	}
}

// executeRequest performs the blocking half of one request/reply cycle:
// send the request line over the shared primary channel, read the reply
// headers, then stream and decode the body's VBAS messages into the
// data-bin cache, reacquiring the lock only for the bookkeeping each step
// requires.
func (e *Engine) executeRequest(plan *issuePlan) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if err := e.primary.SendActiveRequest(ctx, plan.uri, map[string]string{}); err != nil {
		e.recordFatal(&FatalError{Kind: FatalTransportFailure, CIDID: plan.cidID, Err: err})
		return
	}

	headers, err := e.primary.ReadReply()
	if err != nil {
		kind := FatalTransportFailure
		sessionWide := false
		if errors.Is(err, primary.ErrTargetChanged) {
			kind = FatalTargetChanged
			sessionWide = true
		}
		e.recordFatal(&FatalError{Kind: kind, CIDID: plan.cidID, SessionWide: sessionWide, Err: err})
		return
	}

	e.mu.Lock()
	if req := e.arena.Get(plan.reqH); req != nil {
		req.ReplyReceived = true
	}
	e.mu.Unlock()

	state := &aux.ParserState{}
	for {
		body, done, err := e.primary.ReadBodyChunk(headers, 0)
		if err != nil && !done {
			e.recordFatal(&FatalError{Kind: FatalTransportFailure, CIDID: plan.cidID, Err: err})
			return
		}
		if len(body) > 0 {
			msgs, perr := aux.ParseMessages(body, state)
			if perr != nil {
				e.recordFatal(&FatalError{Kind: FatalIllegalVBAS, CIDID: plan.cidID, SessionWide: true, Err: perr})
				return
			}
			e.applyBodyMessagesLocked(plan, msgs)
		}
		if done {
			break
		}
	}

	e.mu.Lock()
	if req := e.arena.Get(plan.reqH); req != nil {
		req.State = request.ResponseDone
		req.ResponseTerminated = true
	}
	if mq, ok := e.queues[plan.queueH]; ok {
		mq.waitingForReply = false
		mq.q.AdvanceFirstUnreplied()
		mq.q.AdvanceFirstIncomplete()
		e.setStatusLocked(mq, "Receiving...")
	}
	e.wakeLocked()
	e.mu.Unlock()
}

// applyBodyMessagesLocked writes one batch of decoded VBAS messages into
// the cache and folds the first arrival into nominal-timing sync, under the
// management lock.
func (e *Engine) applyBodyMessagesLocked(plan *issuePlan, msgs []aux.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()

	req := e.arena.Get(plan.reqH)
	now := time.Now().UnixMicro()
	for _, m := range msgs {
		if m.IsEOR {
			if req != nil {
				req.EORReason = m.EORReason
			}
			continue
		}
		id := woi.BinID{Class: m.Class, CodestreamID: m.CodestreamID, Bin: m.BinID}
		if err := e.cache.AddToDataBin(id, m.Payload, m.RangeOffset, m.IsFinal); err != nil {
			e.logger.Warn("data-bin append failed", "bin", id, "err", err)
			continue
		}
		e.cache.MarkDataBin(id, true)
		if req != nil {
			req.ReceivedBodyBytes += len(m.Payload)
		}
	}

	if req != nil {
		req.LastEventTime = now
		wasFirst := !req.ChunkReceived
		req.ChunkReceived = true
		if wasFirst {
			if cr := e.cids[plan.cidID]; cr != nil && cr.scheduler.WaitingToSyncNominalTiming {
				cr.scheduler.SyncNominalTiming(now, req.NominalStartTime, e.queuesOfCIDLocked(plan.cidID), &cr.lastTargetEndTime)
			}
		}
	}
}
