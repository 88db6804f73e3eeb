package request

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/samsamfire/jpipclient/pkg/woi"
)

func TestArenaAllocFreeReuse(t *testing.T) {
	a := NewArena()
	r1, h1 := a.Alloc()
	r1.QueueID = 1
	a.Free(h1)

	_, h2 := a.Alloc()
	assert.Equal(t, h1.index, h2.index, "freed slot should be reused")
	assert.NotEqual(t, h1.generation, h2.generation, "generation must bump on reuse")
	assert.Nil(t, a.Get(h1), "stale handle must not resolve after reuse")
}

func TestDuplicateInheritsWOIAndPreemptivity(t *testing.T) {
	a := NewArena()
	src, _ := a.Alloc()
	src.OriginalWOI = woi.WOI{ResX: 1024, ResY: 1024}
	src.Preemptive = true
	src.NewElements = true

	dup, dh := a.Duplicate(src)
	assert.Equal(t, src.OriginalWOI, dup.OriginalWOI)
	assert.True(t, dup.Preemptive)
	assert.False(t, dup.NewElements, "copies never carry cache-model updates")
	assert.Equal(t, src.handle, dup.CopySrc())
	assert.Equal(t, dh, src.nextCopy)
}

func TestRetirableGating(t *testing.T) {
	a := NewArena()
	r, _ := a.Alloc()

	assert.False(t, r.Retirable())

	r.ResponseTerminated = true
	r.ReplyReceived = true
	assert.True(t, r.Retirable(), "no dependencies and comms done is retirable")

	r.EORReason = woi.EORWindowDone
	r.Dependencies = []Dependency{{QueueID: 2, Qid: 5}}
	assert.False(t, r.Retirable(), "outstanding dependency blocks retirement")

	r.Untrusted = true
	assert.True(t, r.Retirable(), "untrusted requests ignore dependencies")
}

func TestResolveDependencyReplacesWithPredecessor(t *testing.T) {
	a := NewArena()
	dependent, _ := a.Alloc()
	dependent.Dependencies = []Dependency{{QueueID: 1, Qid: 7}}

	pred := &Dependency{QueueID: 1, Qid: 6}
	ResolveDependency(dependent, 1, 7, pred, false)
	assert.Equal(t, []Dependency{{QueueID: 1, Qid: 6}}, dependent.Dependencies)

	ResolveDependency(dependent, 1, 6, nil, true)
	assert.Empty(t, dependent.Dependencies)
	assert.True(t, dependent.Untrusted)
}
