package imagequeue

import (
	"bytes"
	"image"

	"github.com/bep/imagemeta"
)

// ImageMetadata holds container and EXIF/XMP facts about a classified image.
// Chat platforms usually strip EXIF, so tag fields are often empty.
type ImageMetadata struct {
	Format   string `json:"format"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Make     string `json:"make,omitempty"`
	Model    string `json:"model,omitempty"`
	Software string `json:"software,omitempty"`
	Artist   string `json:"artist,omitempty"`
	Creator  string `json:"creator,omitempty"`
}

// wantedTags maps (source, tag-name) → true for every tag we care about.
var wantedTags = map[imagemeta.Source]map[string]bool{
	imagemeta.EXIF: {
		"Make":     true,
		"Model":    true,
		"Software": true,
		"Artist":   true,
	},
	imagemeta.XMP: {
		"CreatorTool": true,
		"Creator":     true,
	},
}

// tagFormats maps image.DecodeConfig format names to imagemeta formats.
// GIF carries no EXIF/XMP worth reading.
var tagFormats = map[string]imagemeta.ImageFormat{
	"jpeg": imagemeta.JPEG,
	"png":  imagemeta.PNG,
	"webp": imagemeta.WebP,
}

// ExtractImageMetadata reads dimensions and a few provenance tags from raw
// image bytes. Returns nil if the data cannot be decoded.
// Graceful degradation: never returns an error.
func ExtractImageMetadata(data []byte) *ImageMetadata {
	if len(data) == 0 {
		return nil
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil
	}
	meta := &ImageMetadata{Format: format, Width: cfg.Width, Height: cfg.Height}

	f, ok := tagFormats[format]
	if !ok {
		return meta
	}

	// Tag errors are ignored: the container facts are already known.
	_ = imagemeta.Decode(imagemeta.Options{
		R:           bytes.NewReader(data),
		ImageFormat: f,
		Sources:     imagemeta.EXIF | imagemeta.XMP,
		ShouldHandleTag: func(ti imagemeta.TagInfo) bool {
			if tags, ok := wantedTags[ti.Source]; ok {
				return tags[ti.Tag]
			}
			return false
		},
		HandleTag: func(ti imagemeta.TagInfo) error {
			handleTag(meta, ti)
			return nil
		},
	})

	return meta
}

func handleTag(meta *ImageMetadata, ti imagemeta.TagInfo) {
	s := tagValueString(ti.Value)
	if s == "" {
		return
	}

	switch ti.Tag {
	case "Make":
		meta.Make = s
	case "Model":
		meta.Model = s
	case "Software", "CreatorTool":
		if meta.Software == "" {
			meta.Software = s
		}
	case "Artist":
		meta.Artist = s
	case "Creator":
		meta.Creator = s
	}
}

// tagValueString extracts a string from a tag value.
// XMP values may be string or []string (from altList/seqList).
func tagValueString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []string:
		if len(val) > 0 {
			return val[0]
		}
		return ""
	case []any:
		if len(val) > 0 {
			if s, ok := val[0].(string); ok {
				return s
			}
		}
		return ""
	default:
		return ""
	}
}
