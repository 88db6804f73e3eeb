// Package model implements cache-model signalling (spec.md §4.G): deciding,
// for a request about to be issued, which data-bin cache-model statements to
// embed so the server does not retransmit data the client already holds.
//
// Grounded on the teacher's pkg/od/streamer.go data-length/completeness
// bookkeeping (an entry knows its own byte length and whether a transfer of
// it is complete) as the shape for per-bin relevance and completeness
// scanning, generalized from one object-dictionary entry to an entire
// codestream's relevant bin set.
package model

import (
	"fmt"

	"github.com/samsamfire/jpipclient/pkg/cache"
	"github.com/samsamfire/jpipclient/pkg/woi"
)

// StatementByteBudget is the per-request cache-model statement size limit
// of spec.md §4.G ("~16 000" emitted bytes) before the manager truncates and
// the caller must duplicate the request to carry the remainder.
const StatementByteBudget = 16000

// CodestreamMapper is the external collaborator (the JPEG2000
// resolution/tile/precinct mapping library) that, given a lightweight
// skeleton codestream built from a main-header data-bin, can enumerate the
// data-bins relevant to a WOI.
type CodestreamMapper interface {
	// RelevantBins returns every data-bin id relevant to w within
	// codestream c, given the current main-header bytes (which may be
	// partial; the mapper is expected to do its best with what it has).
	RelevantBins(w woi.WOI, codestream int, mainHeader []byte) ([]woi.BinID, error)
}

// Statement is one cache-model assertion about a single data-bin.
type Statement struct {
	ID        woi.BinID
	Deleted   bool
	ByteCount int // -1 means "omitted" (bin held complete)
}

// Text renders a statement in the wire form of spec.md §4.G:
// "-<class><id>" for a deletion, "<class><id>[:byte_count]" otherwise, with
// byte_count omitted exactly when the bin is held complete.
func (s Statement) Text() string {
	code := fmt.Sprintf("%s%d", s.ID.Class.Code(), s.ID.Bin)
	if s.ID.CodestreamID != 0 {
		code = fmt.Sprintf("%s,%d", code, s.ID.CodestreamID)
	}
	if s.Deleted {
		return "-" + code
	}
	if s.ByteCount < 0 {
		return code
	}
	return fmt.Sprintf("%s:%d", code, s.ByteCount)
}

// estimatedWireLen is the approximate number of bytes Text() will occupy,
// used for the emitted-bytes budget without actually rendering every
// statement up front.
func estimatedWireLen(s Statement) int {
	return len(s.Text()) + 1 // +1 for the separating comma
}

// Manager decides, per codestream, whether a cache-model rescan is needed
// and builds the statement list for a request.
type Manager struct {
	mapper CodestreamMapper
	cache  cache.DataBinCache

	// communicated tracks, per (codestream), whether any data for it has
	// ever been communicated to the server — spec.md's "server hasn't seen
	// any data for c (stateless)" condition.
	communicated map[int]bool
}

func New(mapper CodestreamMapper, c cache.DataBinCache) *Manager {
	return &Manager{mapper: mapper, cache: c, communicated: make(map[int]bool)}
}

// NoteCommunicated records that codestream c has now had at least one
// statement sent to the server, so future BuildStatements calls for it only
// fire on an explicit mark rather than unconditionally.
func (m *Manager) NoteCommunicated(codestream int) {
	m.communicated[codestream] = true
}

// Result is the outcome of BuildStatements: the statements that fit within
// the byte budget, plus whether the bin set had to be truncated (in which
// case the caller must duplicate the request so the remainder can be sent
// on a follow-up).
type Result struct {
	Statements []Statement
	Truncated  bool
}

// BuildStatements implements spec.md §4.G for a single request's WOI.
// Metadata bins are always scanned regardless of per-codestream state.
func (m *Manager) BuildStatements(w woi.WOI) (Result, error) {
	var out []Statement
	budget := StatementByteBudget
	truncated := false

	codestreams := w.Codestreams
	if len(codestreams) == 0 {
		codestreams = []int{0}
	}

	for _, cs := range codestreams {
		if m.communicated[cs] && !m.anyMarked(cs) {
			continue
		}
		header, _, _, _ := m.cache.Get(woi.BinID{Class: woi.ClassMainHeader, CodestreamID: uint64(cs)})
		bins, err := m.mapper.RelevantBins(w, cs, header)
		if err != nil {
			return Result{}, err
		}
		if m.appendBudgeted(&out, &budget, bins) {
			truncated = true
			break
		}
	}

	if !truncated {
		metaBins, err := m.mapper.RelevantBins(woi.WOI{Metadata: w.Metadata}, 0, nil)
		if err != nil {
			return Result{}, err
		}
		var metaOnly []woi.BinID
		for _, id := range metaBins {
			if id.Class == woi.ClassMetadata {
				metaOnly = append(metaOnly, id)
			}
		}
		if m.appendBudgeted(&out, &budget, metaOnly) {
			truncated = true
		}
	}

	return Result{Statements: out, Truncated: truncated}, nil
}

// appendBudgeted appends statements for ids into out, decrementing budget,
// and returns true the moment the budget is exhausted (leaving the
// remaining ids unprocessed for a follow-up request, per the truncation
// rule of spec.md §4.G item 3).
func (m *Manager) appendBudgeted(out *[]Statement, budget *int, ids []woi.BinID) bool {
	for _, id := range ids {
		data, complete, _, ok := m.cache.Get(id)
		var stmt Statement
		switch {
		case ok && complete:
			stmt = Statement{ID: id, ByteCount: -1}
		case ok:
			stmt = Statement{ID: id, ByteCount: len(data)}
		default:
			stmt = Statement{ID: id, ByteCount: 0}
		}
		cost := estimatedWireLen(stmt)
		if cost > *budget {
			return true
		}
		*budget -= cost
		*out = append(*out, stmt)
	}
	return false
}

// anyMarked reports whether any bin belonging to codestream cs carries the
// "unsent model update" mark bit.
func (m *Manager) anyMarked(cs int) bool {
	for _, id := range m.cache.Bins() {
		if id.CodestreamID != uint64(cs) {
			continue
		}
		if _, _, marked, ok := m.cache.Get(id); ok && marked {
			return true
		}
	}
	return false
}
