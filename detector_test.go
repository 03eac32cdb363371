package imagequeue

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

// inferenceServer checks the upload and replies with body.
func inferenceServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}
		f, _, err := r.FormFile("images")
		if err != nil {
			t.Errorf("missing images part: %v", err)
		} else {
			data, _ := io.ReadAll(f)
			if string(data) != "IMAGEBYTES" {
				t.Errorf("uploaded %q", data)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPDetector_Objects(t *testing.T) {
	t.Parallel()

	srv := inferenceServer(t, http.StatusOK, `{"results":[{"detections":[
		{"confidence":0.82,"x":10,"y":20,"width":30,"height":40},
		{"confidence":0.15,"x":1,"y":2,"width":3,"height":4}]}]}`)

	d := NewObjectDetector(srv.URL, "secret")
	d.HTTPClient = srv.Client()

	labels, err := d.Detect(context.Background(), []byte("IMAGEBYTES"))
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(labels) != 2 {
		t.Fatalf("labels = %d, want 2", len(labels))
	}
	if labels[0].Name != DefaultObjectLabel || labels[0].Confidence != 0.82 {
		t.Errorf("label[0] = %+v", labels[0])
	}
	if b := labels[0].Box; b == nil || b.Width != 30 || b.Height != 40 {
		t.Errorf("box = %+v", b)
	}
	if d.Name() != "object" {
		t.Errorf("Name = %q", d.Name())
	}
}

func TestHTTPDetector_Policy(t *testing.T) {
	t.Parallel()

	srv := inferenceServer(t, http.StatusOK, `{"results":[{
		"filename":"image.jpg",
		"nsfw_result":{"drawings":0.01,"hentai":0.02,"neutral":0.03,"porn":0.91,"sexy":0.03},
		"dominantClass":"porn","dominantScore":0.91,"isNSFW":true}]}`)

	d := NewPolicyDetector(srv.URL, "secret")
	d.HTTPClient = srv.Client()

	labels, err := d.Detect(context.Background(), []byte("IMAGEBYTES"))
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(labels) != 5 {
		t.Fatalf("labels = %d, want 5", len(labels))
	}
	if got := PolicyVerdict(labels, 0.8); got != CategoryPorn {
		t.Errorf("verdict = %q, want porn", got)
	}
}

func TestHTTPDetector_PolicyDominantOnly(t *testing.T) {
	t.Parallel()

	srv := inferenceServer(t, http.StatusOK, `{"results":[{"dominantClass":"sexy","dominantScore":0.85}]}`)
	d := NewPolicyDetector(srv.URL, "secret")
	d.HTTPClient = srv.Client()

	labels, err := d.Detect(context.Background(), []byte("IMAGEBYTES"))
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(labels) != 1 || labels[0].Name != "sexy" || labels[0].Confidence != 0.85 {
		t.Errorf("labels = %+v", labels)
	}
}

func TestHTTPDetector_PolicyReportedDominantWins(t *testing.T) {
	t.Parallel()

	srv := inferenceServer(t, http.StatusOK, `{"results":[{
		"nsfw_result":{"porn":0.45,"sexy":0.45,"neutral":0.1},
		"dominantClass":"sexy","dominantScore":0.4512,"isNSFW":false}]}`)
	d := NewPolicyDetector(srv.URL, "secret")
	d.HTTPClient = srv.Client()

	labels, err := d.Detect(context.Background(), []byte("IMAGEBYTES"))
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(labels) != 3 {
		t.Fatalf("labels = %+v, want 3", labels)
	}
	dom, ok := DominantLabel(labels)
	if !ok || dom.Name != "sexy" || dom.Confidence != 0.4512 {
		t.Errorf("dominant = %+v, want sexy at reported score", dom)
	}
	if dom.Verdict == nil || *dom.Verdict {
		t.Errorf("verdict = %v, want reported false", dom.Verdict)
	}
	if got := PolicyVerdict(labels, 0.4); got != CategorySexy {
		t.Errorf("PolicyVerdict = %q, want sexy", got)
	}
}

func TestHTTPDetector_EmptyResults(t *testing.T) {
	t.Parallel()

	srv := inferenceServer(t, http.StatusOK, `{"results":[]}`)
	d := NewObjectDetector(srv.URL, "secret")
	d.HTTPClient = srv.Client()

	labels, err := d.Detect(context.Background(), []byte("IMAGEBYTES"))
	if err != nil || len(labels) != 0 {
		t.Errorf("Detect = (%v, %v), want no labels", labels, err)
	}
}

func TestHTTPDetector_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "server error", status: http.StatusInternalServerError, body: `{"error":"model not loaded"}`},
		{name: "unauthorized", status: http.StatusUnauthorized, body: `unauthorized`},
		{name: "malformed json", status: http.StatusOK, body: `{"results":`},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := inferenceServer(t, tc.status, tc.body)
			d := NewObjectDetector(srv.URL, "secret")
			d.HTTPClient = srv.Client()

			if _, err := d.Detect(context.Background(), []byte("IMAGEBYTES")); !errors.Is(err, ErrBackend) {
				t.Errorf("Detect error = %v, want ErrBackend", err)
			}
		})
	}
}

func TestHTTPDetector_Unreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	d := NewObjectDetector(url, "")
	d.Timeout = time.Second
	if _, err := d.Detect(context.Background(), []byte("x")); err == nil {
		t.Error("expected transport error")
	}
}

func TestHTTPDetector_LimiterHonorsContext(t *testing.T) {
	t.Parallel()

	srv := inferenceServer(t, http.StatusOK, `{"results":[]}`)
	d := NewObjectDetector(srv.URL, "secret")
	d.HTTPClient = srv.Client()
	d.Limiter = rate.NewLimiter(rate.Every(time.Hour), 1)

	if _, err := d.Detect(context.Background(), []byte("IMAGEBYTES")); err != nil {
		t.Fatalf("first call uses the burst: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := d.Detect(ctx, []byte("IMAGEBYTES")); err == nil {
		t.Error("second call should fail waiting for the limiter")
	}
}
