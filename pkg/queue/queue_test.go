package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/samsamfire/jpipclient/pkg/request"
	"github.com/samsamfire/jpipclient/pkg/woi"
)

func mkWOI(w, h int) woi.WOI {
	return woi.WOI{ResX: w, ResY: h, Region: woi.Region{Width: w, Height: h}}
}

func TestPostWindowOrderingInvariant(t *testing.T) {
	arena := request.NewArena()
	q := New(1, arena)

	h1, added1 := q.PostWindow(mkWOI(512, 512), false, "", 0)
	assert.True(t, added1)
	h2, added2 := q.PostWindow(mkWOI(1024, 1024), false, "", 0)
	assert.True(t, added2)

	assert.Equal(t, h1, q.Head())
	assert.Equal(t, h2, q.Tail())
	assert.Equal(t, q.Head(), q.FirstIncomplete())
	assert.Equal(t, q.FirstIncomplete(), q.FirstUnreplied())
	assert.Equal(t, q.FirstUnreplied(), q.FirstUnrequested())
}

func TestPostWindowIdempotent(t *testing.T) {
	arena := request.NewArena()
	q := New(1, arena)

	w := mkWOI(1024, 1024)
	h1, added1 := q.PostWindow(w, false, "abc", 0)
	assert.True(t, added1)
	h2, added2 := q.PostWindow(w, false, "abc", 0)
	assert.False(t, added2, "reposting the same WOI non-preemptively must not add a second request")
	assert.Equal(t, h1, h2)
	assert.Equal(t, h1, q.Tail())
}

func TestPreemptiveTrimsUnrequested(t *testing.T) {
	arena := request.NewArena()
	q := New(1, arena)
	q.JustStarted = false

	q.PostWindow(mkWOI(256, 256), false, "", 0)
	h2, _ := q.PostWindow(mkWOI(512, 512), false, "", 0)
	assert.Equal(t, h2, q.Tail())

	h3, added := q.PostWindow(mkWOI(1024, 1024), true, "", 0)
	assert.True(t, added)
	assert.Equal(t, h3, q.Head(), "preemption should have trimmed prior unrequested requests")
	assert.Equal(t, h3, q.Tail())
}

func TestTrimTimedRequestsReturnsRecoveredService(t *testing.T) {
	arena := request.NewArena()
	q := New(1, arena)
	q.JustStarted = false

	q.PostWindow(mkWOI(256, 256), false, "", 1_000_000)
	q.PostWindow(mkWOI(512, 512), false, "", 2_000_000)

	recovered := q.TrimTimedRequests()
	assert.Equal(t, int64(3_000_000), recovered)
	assert.False(t, q.Head().Valid())
}
