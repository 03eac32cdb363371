package imagequeue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"golang.org/x/time/rate"
)

// ResponseFormat selects how an HTTPDetector interprets the service reply.
type ResponseFormat int

const (
	// FormatObjects expects {"results":[{"detections":[{"confidence":..}]}]}.
	FormatObjects ResponseFormat = iota
	// FormatPolicy expects {"results":[{"nsfw_result":{..},"dominantClass":..}]}.
	FormatPolicy
)

const (
	defaultDetectTimeout    = 30 * time.Second
	defaultMaxResponseBytes = 1 << 20 // 1MB
	errorSnippetBytes       = 512
)

// HTTPDetector calls a remote inference service with a multipart upload.
type HTTPDetector struct {
	Label       string // Name() result
	URL         string
	APIKey      string // sent as a bearer token when set
	Format      ResponseFormat
	ObjectClass string // label name for object detections (default: DefaultObjectLabel)

	HTTPClient       *http.Client  // default: http.DefaultClient
	Limiter          *rate.Limiter // optional: paces calls to a rate-limited service
	Timeout          time.Duration // per-request timeout (default: 30s)
	MaxResponseBytes int64         // default: 1MB
}

var _ Detector = (*HTTPDetector)(nil)

// NewObjectDetector returns a detector for the object-presence service.
func NewObjectDetector(url, apiKey string) *HTTPDetector {
	return &HTTPDetector{Label: "object", URL: url, APIKey: apiKey, Format: FormatObjects}
}

// NewPolicyDetector returns a detector for the content-policy service.
func NewPolicyDetector(url, apiKey string) *HTTPDetector {
	return &HTTPDetector{Label: "policy", URL: url, APIKey: apiKey, Format: FormatPolicy}
}

func (d *HTTPDetector) Name() string {
	if d.Label == "" {
		return d.URL
	}
	return d.Label
}

type detectResponse struct {
	Results []detectResult `json:"results"`
}

type detectResult struct {
	Detections []struct {
		Confidence float64 `json:"confidence"`
		X          float64 `json:"x"`
		Y          float64 `json:"y"`
		Width      float64 `json:"width"`
		Height     float64 `json:"height"`
	} `json:"detections"`
	Scores        map[string]float64 `json:"nsfw_result"`
	DominantClass string             `json:"dominantClass"`
	DominantScore float64            `json:"dominantScore"`
	IsNSFW        *bool              `json:"isNSFW"`
}

// Detect uploads image and returns the labels reported for it.
func (d *HTTPDetector) Detect(ctx context.Context, image []byte) ([]Label, error) {
	if d.Limiter != nil {
		if err := d.Limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("imagequeue: %s rate limiter: %w", d.Name(), err)
		}
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultDetectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, contentType, err := multipartImage(image)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, body)
	if err != nil {
		return nil, fmt.Errorf("imagequeue: %s request: %w", d.Name(), err)
	}
	req.Header.Set("Content-Type", contentType)
	if d.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.APIKey)
	}

	client := d.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req) //nolint:gosec // G107: URL comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("imagequeue: %s call: %w", d.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorSnippetBytes))
		return nil, fmt.Errorf("%w: %s status %d: %s", ErrBackend, d.Name(), resp.StatusCode, bytes.TrimSpace(snippet))
	}

	limit := d.MaxResponseBytes
	if limit <= 0 {
		limit = defaultMaxResponseBytes
	}
	var parsed detectResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, limit)).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: %s decode: %w", ErrBackend, d.Name(), err)
	}
	if len(parsed.Results) == 0 {
		return nil, nil
	}

	if d.Format == FormatPolicy {
		return policyLabels(parsed.Results[0]), nil
	}
	return d.objectLabels(parsed.Results[0]), nil
}

func (d *HTTPDetector) objectLabels(r detectResult) []Label {
	class := d.ObjectClass
	if class == "" {
		class = DefaultObjectLabel
	}
	labels := make([]Label, 0, len(r.Detections))
	for _, det := range r.Detections {
		labels = append(labels, Label{
			Name:       class,
			Confidence: det.Confidence,
			Box:        &Box{X: det.X, Y: det.Y, Width: det.Width, Height: det.Height},
		})
	}
	return labels
}

// policyLabels returns one label per scored class. The reported dominant
// class is marked with the service's own score and verdict, and is added when
// the reply carries only the dominant class.
func policyLabels(r detectResult) []Label {
	labels := make([]Label, 0, len(r.Scores)+1)
	for name, score := range r.Scores {
		if name == r.DominantClass {
			continue
		}
		labels = append(labels, Label{Name: name, Confidence: score})
	}
	if r.DominantClass != "" {
		score := r.DominantScore
		if score == 0 {
			score = r.Scores[r.DominantClass]
		}
		labels = append(labels, Label{Name: r.DominantClass, Confidence: score, Dominant: true, Verdict: r.IsNSFW})
	}
	return labels
}

// multipartImage wraps image in a form with a single "images" file part.
func multipartImage(image []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="images"; filename="image.jpg"`)
	h.Set("Content-Type", http.DetectContentType(image))
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("imagequeue: multipart part: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, "", fmt.Errorf("imagequeue: multipart write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("imagequeue: multipart close: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}
