package imagequeue

import "time"

// Metadata is the merged classification record persisted per image.
// JSON keys match the message extra_data layout consumed by leaderboards.
type Metadata struct {
	Hash string `json:"phash"`

	IsObjectImage  bool    `json:"is_done_image"`
	DetectionCount int     `json:"detection_count"`
	Detections     []Label `json:"detection_results,omitempty"`

	PolicyScores        map[string]float64 `json:"nsfw_result,omitempty"`
	PolicyDominant      string             `json:"nsfw_dominant_class,omitempty"`
	PolicyDominantScore float64            `json:"nsfw_dominant_score,omitempty"`
	IsPolicyFlagged     bool               `json:"is_nsfw"`
	PolicyType          PolicyCategory     `json:"nsfw_type,omitempty"`

	Image *ImageMetadata `json:"image_meta,omitempty"`

	ClassifiedAt time.Time `json:"classified_at"`
}

// Empty reports whether there is nothing worth persisting.
func (m Metadata) Empty() bool {
	return m.DetectionCount == 0 && len(m.PolicyScores) == 0 && m.Image == nil
}

// Classification derives the index classification: a flagged policy verdict
// wins over object presence.
func (m Metadata) Classification() Classification {
	switch {
	case m.PolicyType.Flagged():
		return Classification{Kind: ClassFlagged, Category: m.PolicyType}
	case m.IsObjectImage:
		return Classification{Kind: ClassObject}
	default:
		return Classification{}
	}
}

// EffectAction is the kind of side effect attempted.
type EffectAction int

const (
	ActionMarker EffectAction = iota + 1
	ActionDelete
)

func (a EffectAction) String() string {
	switch a {
	case ActionMarker:
		return "marker"
	case ActionDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// EffectResult records one best-effort side effect.
type EffectResult struct {
	Action EffectAction
	Marker MarkerKind // set for ActionMarker
	Err    error
}

// OK reports whether the side effect was accepted by the platform.
func (r EffectResult) OK() bool { return r.Err == nil }

// Outcome describes how one submission was finally handled: either a
// processed task or a flagged duplicate deleted at admission.
type Outcome struct {
	TaskID         string
	SubmitterID    int64
	Origin         Origin
	Duplicate      bool
	Metadata       Metadata
	Classification Classification
	Effects        []EffectResult
	Deleted        bool // a delete effect succeeded
	Recorded       bool
	RecordErr      error
}
