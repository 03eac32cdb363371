package imagequeue

import (
	"sort"
	"strings"
)

// DefaultObjectLabel is the class name reported for object-presence detections.
const DefaultObjectLabel = "done"

// Object confidence floors are clamped to this range, as the detection
// service reports noise below 0.1 and never exceeds 0.99.
const (
	minObjectFloor = 0.1
	maxObjectFloor = 0.99
)

// Box is an object bounding box in source image pixels.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Label is a single confidence-scored prediction returned by a Detector.
type Label struct {
	Name       string  `json:"class"`
	Confidence float64 `json:"confidence"`
	Box        *Box    `json:"bbox,omitempty"`

	// Dominant marks the class a policy backend reported as dominant.
	Dominant bool `json:"-"`
	// Verdict is the backend's own flagged/not-flagged call, set on the
	// dominant label when the backend reports one.
	Verdict *bool `json:"-"`
}

// PolicyCategory is one class of the content-policy label set.
type PolicyCategory string

const (
	CategoryNone     PolicyCategory = ""
	CategoryNeutral  PolicyCategory = "neutral"
	CategoryDrawings PolicyCategory = "drawings"
	CategoryPorn     PolicyCategory = "porn"
	CategoryHentai   PolicyCategory = "hentai"
	CategorySexy     PolicyCategory = "sexy"
)

// Flagged reports whether the category triggers a policy action.
func (c PolicyCategory) Flagged() bool {
	switch c {
	case CategoryPorn, CategoryHentai, CategorySexy:
		return true
	default:
		return false
	}
}

// ParsePolicyCategory normalizes a backend class name to a PolicyCategory.
// Unknown names map to CategoryNone.
func ParsePolicyCategory(s string) PolicyCategory {
	switch c := PolicyCategory(strings.ToLower(strings.TrimSpace(s))); c {
	case CategoryNeutral, CategoryDrawings, CategoryPorn, CategoryHentai, CategorySexy:
		return c
	default:
		return CategoryNone
	}
}

// ClassKind is the coarse classification stored in the similarity index.
type ClassKind int

const (
	ClassNone ClassKind = iota
	ClassObject
	ClassFlagged
)

// Classification is what the index remembers about an image.
type Classification struct {
	Kind     ClassKind
	Category PolicyCategory // set when Kind == ClassFlagged
}

// Flagged reports whether duplicates of this image should be acted on.
func (c Classification) Flagged() bool {
	return c.Kind == ClassFlagged && c.Category.Flagged()
}

func (c Classification) String() string {
	switch c.Kind {
	case ClassObject:
		return "object"
	case ClassFlagged:
		return "flagged:" + string(c.Category)
	default:
		return "none"
	}
}

// MarkerKind is a reaction applied to the origin message.
type MarkerKind int

const (
	MarkerObject MarkerKind = iota + 1
	MarkerPorn
	MarkerHentai
	MarkerSexy
)

func (m MarkerKind) String() string {
	switch m {
	case MarkerObject:
		return "object"
	case MarkerPorn:
		return "porn"
	case MarkerHentai:
		return "hentai"
	case MarkerSexy:
		return "sexy"
	default:
		return "unknown"
	}
}

// Emoji returns the reaction glyph for the marker, or "" for unknown kinds.
func (m MarkerKind) Emoji() string {
	switch m {
	case MarkerObject:
		return "💯"
	case MarkerPorn:
		return "🍌"
	case MarkerHentai:
		return "❤️‍🔥"
	case MarkerSexy:
		return "💋"
	default:
		return ""
	}
}

// markerFor maps a flagged category to its marker.
func markerFor(c PolicyCategory) (MarkerKind, bool) {
	switch c {
	case CategoryPorn:
		return MarkerPorn, true
	case CategoryHentai:
		return MarkerHentai, true
	case CategorySexy:
		return MarkerSexy, true
	default:
		return 0, false
	}
}

// FilterByConfidence returns the labels whose confidence is at least floor.
// The floor is clamped to [0.1, 0.99].
func FilterByConfidence(labels []Label, floor float64) []Label {
	floor = max(minObjectFloor, min(maxObjectFloor, floor))
	var out []Label
	for _, l := range labels {
		if l.Confidence >= floor {
			out = append(out, l)
		}
	}
	return out
}

// DominantLabel returns the label the backend marked dominant, or else the
// highest-confidence label. Ties resolve to the lexically smaller name so the
// result is stable.
func DominantLabel(labels []Label) (Label, bool) {
	if len(labels) == 0 {
		return Label{}, false
	}
	for _, l := range labels {
		if l.Dominant {
			return l, true
		}
	}
	sorted := make([]Label, len(labels))
	copy(sorted, labels)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Confidence != sorted[j].Confidence {
			return sorted[i].Confidence > sorted[j].Confidence
		}
		return sorted[i].Name < sorted[j].Name
	})
	return sorted[0], true
}

// PolicyVerdict returns the flagged category of the dominant label when its
// confidence reaches floor, or CategoryNone.
func PolicyVerdict(labels []Label, floor float64) PolicyCategory {
	dom, ok := DominantLabel(labels)
	if !ok {
		return CategoryNone
	}
	cat := ParsePolicyCategory(dom.Name)
	if dom.Confidence >= floor && cat.Flagged() {
		return cat
	}
	return CategoryNone
}
