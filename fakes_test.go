package imagequeue

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced Clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// seedHasher turns test "images" into hashes: bytes 0-7 are a seed expanded
// into a 256-bit hash, byte 8 (optional) flips that many low bits of word 0.
type seedHasher struct{}

var errBadImage = errors.New("bad test image")

func (seedHasher) Hash(data []byte) (Hash, error) {
	if len(data) < 8 {
		return nil, errBadImage
	}
	seed := binary.BigEndian.Uint64(data)
	h := make(Hash, 4)
	for i := range h {
		seed = splitmix64(seed)
		h[i] = seed
	}
	if len(data) > 8 && data[8] > 0 {
		h[0] ^= (uint64(1) << data[8]) - 1
	}
	return h, nil
}

func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

// testImage returns bytes that seedHasher maps to a distinct hash per seed.
func testImage(seed uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seed)
	return b
}

// nearImage returns an image whose hash is exactly flips bits from testImage(seed).
func nearImage(seed uint64, flips byte) []byte {
	return append(testImage(seed), flips)
}

// fakeDetector returns canned labels and counts calls. When gate is non-nil
// each call waits for a value on it.
type fakeDetector struct {
	name   string
	labels []Label
	err    error
	gate   chan struct{}

	mu    sync.Mutex
	calls int
	seen  [][]byte
}

func (d *fakeDetector) Name() string { return d.name }

func (d *fakeDetector) Detect(ctx context.Context, image []byte) ([]Label, error) {
	d.mu.Lock()
	d.calls++
	d.seen = append(d.seen, image)
	d.mu.Unlock()

	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return d.labels, d.err
}

func (d *fakeDetector) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type effectCall struct {
	action EffectAction
	origin Origin
	marker MarkerKind
}

// fakeEffector records side effects; markErr/deleteErr simulate rejections.
type fakeEffector struct {
	markErr   error
	deleteErr error

	mu    sync.Mutex
	calls []effectCall
}

func (e *fakeEffector) ApplyMarker(_ context.Context, origin Origin, marker MarkerKind) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, effectCall{action: ActionMarker, origin: origin, marker: marker})
	return e.markErr
}

func (e *fakeEffector) DeleteMessage(_ context.Context, origin Origin) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, effectCall{action: ActionDelete, origin: origin})
	return e.deleteErr
}

func (e *fakeEffector) Calls() []effectCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]effectCall(nil), e.calls...)
}

// fakeRecorder keeps records in call order.
type fakeRecorder struct {
	err error

	mu      sync.Mutex
	records []Origin
	metas   map[Origin]Metadata
	deleted map[Origin]bool
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{metas: make(map[Origin]Metadata), deleted: make(map[Origin]bool)}
}

func (r *fakeRecorder) Record(_ context.Context, origin Origin, meta Metadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.records = append(r.records, origin)
	r.metas[origin] = meta
	return nil
}

func (r *fakeRecorder) MarkDeleted(_ context.Context, origin Origin) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.deleted[origin] = true
	return nil
}

func (r *fakeRecorder) Records() []Origin {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Origin(nil), r.records...)
}

func (r *fakeRecorder) Deleted(o Origin) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleted[o]
}

// recordingIndex wraps LinearIndex and remembers reservation order.
type recordingIndex struct {
	*LinearIndex
	reserved []Hash
}

func (r *recordingIndex) Reserve(h Hash) Token {
	r.reserved = append(r.reserved, h)
	return r.LinearIndex.Reserve(h)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig returns a config wired with fakes and a 5-bit threshold.
func testConfig(clock *fakeClock) Config {
	return Config{
		Hasher:        seedHasher{},
		Threshold:     5,
		CacheCapacity: 100,
		RateMax:       1000,
		Clock:         clock.Now,
		Logger:        discardLogger(),
		SweepInterval: -1,
	}
}

// startQueue builds and starts a queue, stopping it when the test ends.
// Outcomes are delivered on the returned channel.
func startQueue(t *testing.T, cfg Config) (*Queue, <-chan Outcome) {
	t.Helper()
	outcomes := make(chan Outcome, 64)
	cfg.OnOutcome = func(o Outcome) { outcomes <- o }

	q, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { q.Stop(time.Second) })
	return q, outcomes
}

func waitOutcome(t *testing.T, ch <-chan Outcome) Outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for outcome")
		return Outcome{}
	}
}

func expectNoOutcome(t *testing.T, ch <-chan Outcome) {
	t.Helper()
	select {
	case o := <-ch:
		t.Fatalf("unexpected outcome: %+v", o)
	case <-time.After(50 * time.Millisecond):
	}
}
