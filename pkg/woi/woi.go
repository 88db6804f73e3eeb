// Package woi defines the data-bin identifier and window-of-interest types
// shared by every layer of the JPIP client engine.
package woi

import "fmt"

// BinClass identifies the kind of data-bin a message or cache-model
// statement refers to.
type BinClass uint8

const (
	ClassMainHeader BinClass = iota
	ClassTileHeader
	ClassPrecinct
	ClassMetadata
)

func (c BinClass) String() string {
	switch c {
	case ClassMainHeader:
		return "main-header"
	case ClassTileHeader:
		return "tile-header"
	case ClassPrecinct:
		return "precinct"
	case ClassMetadata:
		return "metadata"
	default:
		return fmt.Sprintf("class(%d)", uint8(c))
	}
}

// classCode is the JPIP wire code for a bin class, per §6.
var classCode = map[BinClass]string{
	ClassMainHeader: "Hm",
	ClassTileHeader: "H",
	ClassPrecinct:   "P",
	ClassMetadata:   "M",
}

func (c BinClass) Code() string { return classCode[c] }

// BinID identifies a single data-bin: a class, the 63-bit codestream it
// belongs to, and a 63-bit bin number within that class/codestream.
type BinID struct {
	Class        BinClass
	CodestreamID uint64
	Bin          uint64
}

// RoundDirection selects how a requested resolution snaps to an available
// decomposition level, per the `fsiz` query parameter.
type RoundDirection uint8

const (
	RoundUp RoundDirection = iota
	RoundClosest
	RoundDown
)

// Region is an offset + size rectangle in the coordinate system of the
// resolution named by a WOI.
type Region struct {
	OffX, OffY   int
	Width, Height int
}

// ComponentRange is an inclusive component index range, optionally strided
// (the `stream` query parameter's `:step` suffix).
type ComponentRange struct {
	From, To int
	Step     int // 0 means unstrided (equivalent to 1)
}

// ContextMapping is one entry of a codestream-context remapping list
// (`context=` query parameter), e.g. an MJ2 track-to-codestream mapping.
// Suffix is stored verbatim and never parsed; the request-URI builder does
// not emit context mappings.
type ContextMapping struct {
	RemapID int
	Suffix  string
}

// MetadataRequest describes one `metareq` descriptor: a request for
// metadata bins matching a box-type/root/depth selector.
type MetadataRequest struct {
	BoxTypes  []string
	RootBinID uint64
	MaxDepth  int
	Recurse   bool
}

// WOI is a window of interest: the application-level description of the
// region, resolution, component set, codestream set, and quality the
// application wants fetched.
type WOI struct {
	ResX, ResY int
	Region     Region
	Components []ComponentRange
	Codestreams []int
	Context    []ContextMapping
	MaxLayers  int
	Metadata   []MetadataRequest
	Round      RoundDirection

	// Wait requests that the server delay its reply until new data is
	// available rather than replying immediately with nothing new
	// (`wait=yes`).
	Wait bool
}

// Contains reports whether other is a (non-strict) subset of w: same
// resolution, a region wholly inside w's, and component/codestream/layer
// coverage inclusion. The request queue uses it to recognise a
// non-preemptive post_window that repeats a window it already holds.
func (w WOI) Contains(other WOI) bool {
	if w.ResX != other.ResX || w.ResY != other.ResY {
		return false
	}
	if other.Region.OffX < w.Region.OffX || other.Region.OffY < w.Region.OffY {
		return false
	}
	if other.Region.OffX+other.Region.Width > w.Region.OffX+w.Region.Width {
		return false
	}
	if other.Region.OffY+other.Region.Height > w.Region.OffY+w.Region.Height {
		return false
	}
	if w.MaxLayers != 0 && (other.MaxLayers == 0 || other.MaxLayers > w.MaxLayers) {
		return false
	}
	return componentsSubset(other.Components, w.Components) && codestreamsSubset(other.Codestreams, w.Codestreams)
}

func componentsSubset(a, b []ComponentRange) bool {
	if len(b) == 0 {
		return true // unrestricted superset covers everything
	}
	if len(a) == 0 {
		return false
	}
	for _, ra := range a {
		covered := false
		for _, rb := range b {
			if ra.From >= rb.From && ra.To <= rb.To {
				covered = true
				break
			}
		}
		if !covered {
			return false
		}
	}
	return true
}

func codestreamsSubset(a, b []int) bool {
	if len(b) == 0 {
		return true
	}
	if len(a) == 0 {
		return false
	}
	set := make(map[int]struct{}, len(b))
	for _, c := range b {
		set[c] = struct{}{}
	}
	for _, c := range a {
		if _, ok := set[c]; !ok {
			return false
		}
	}
	return true
}

// EORReason is the one-byte End-Of-Response reason code per §6.
type EORReason uint8

const (
	EORImageDone EORReason = iota + 1
	EORWindowDone
	EORQualityLimit
	EORByteLimit
	EORSessionLimit
	EORResponseLimit
	EORNonspecific
)
