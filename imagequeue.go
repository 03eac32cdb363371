package imagequeue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Defaults used when the corresponding Config field is zero.
const (
	DefaultHashSize            = 16 // 16x16 DCT → 256-bit hash
	DefaultThreshold           = 20 // Hamming distance out of 256 bits
	DefaultCacheCapacity       = 1000
	DefaultRateWindow          = time.Minute
	DefaultRateMax             = 5
	DefaultDenyDuration        = 5 * time.Minute
	DefaultObjectConfidence    = 0.1
	DefaultPolicyConfidence    = 0.8
	DefaultMaxConcurrentHashes = 4
	DefaultSweepInterval       = 10 * time.Minute
)

var (
	// ErrInvalidConfig is returned by New when a Config field is out of range.
	ErrInvalidConfig = errors.New("imagequeue: invalid config")
	// ErrUndecodable wraps image decode failures during hashing.
	ErrUndecodable = errors.New("imagequeue: undecodable image")
	// ErrQueueStopped is returned once the task channel has been closed.
	ErrQueueStopped = errors.New("imagequeue: queue stopped")
	// ErrBackend wraps non-transport failures reported by a classification backend.
	ErrBackend = errors.New("imagequeue: backend error")
)

// Origin identifies the chat message an image was posted in.
type Origin struct {
	ChatID    int64
	MessageID int64
}

func (o Origin) String() string {
	return fmt.Sprintf("%d:%d", o.ChatID, o.MessageID)
}

// Detector is a remote classification backend. Implementations must be safe
// to call from a single goroutine repeatedly; the queue never calls one
// concurrently.
type Detector interface {
	Name() string
	Detect(ctx context.Context, image []byte) ([]Label, error)
}

// Recorder persists per-image classification metadata.
type Recorder interface {
	Record(ctx context.Context, origin Origin, meta Metadata) error
	MarkDeleted(ctx context.Context, origin Origin) error
}

// Effector applies reactions and deletions on the origin platform.
type Effector interface {
	ApplyMarker(ctx context.Context, origin Origin, marker MarkerKind) error
	DeleteMessage(ctx context.Context, origin Origin) error
}

// Clock returns the current time. Tests inject a fake.
type Clock func() time.Time

// Config holds all dependencies injected by the consumer plus policy knobs.
// Zero values mean "use defaults".
type Config struct {
	ObjectDetector Detector // optional: object-presence backend
	PolicyDetector Detector // optional: content-policy backend
	Recorder       Recorder // optional: nil = results are not persisted
	Effector       Effector // optional: nil = no reactions or deletions

	Hasher Hasher       // default: PerceptualHasher{Size: HashSize}
	Index  Index        // default: NewLinearIndex(CacheCapacity, Threshold)
	Clock  Clock        // default: time.Now
	Logger *slog.Logger // default: slog.Default()

	HashSize      int // DCT side length; hash width is HashSize² bits
	Threshold     int // max Hamming distance treated as duplicate; 0 = default
	CacheCapacity int

	// ExactMatch treats only identical hashes as duplicates and overrides
	// Threshold.
	ExactMatch bool

	RateWindow   time.Duration
	RateMax      int // submissions allowed per RateWindow
	DenyDuration time.Duration

	ObjectConfidence float64 // floor for object detections, clamped to [0.1, 0.99]
	PolicyConfidence float64 // floor for the dominant policy class

	// AutoDelete deletes flagged messages instead of marking them.
	AutoDelete bool
	// DisablePolicy skips the policy backend entirely.
	DisablePolicy bool

	MaxConcurrentHashes int
	SweepInterval       time.Duration // negative disables the admission sweeper

	// Optional callbacks for metrics/logging.
	OnOutcome func(Outcome)
	OnPanic   func(tag string, r any)
}

// defaults fills zero-value fields with sensible defaults.
func (c *Config) defaults() {
	if c.HashSize <= 0 {
		c.HashSize = DefaultHashSize
	}
	switch {
	case c.ExactMatch:
		c.Threshold = 0
	case c.Threshold <= 0:
		c.Threshold = DefaultThreshold
	}
	if c.CacheCapacity <= 0 {
		c.CacheCapacity = DefaultCacheCapacity
	}
	if c.RateWindow <= 0 {
		c.RateWindow = DefaultRateWindow
	}
	if c.RateMax <= 0 {
		c.RateMax = DefaultRateMax
	}
	if c.DenyDuration <= 0 {
		c.DenyDuration = DefaultDenyDuration
	}
	if c.ObjectConfidence <= 0 {
		c.ObjectConfidence = DefaultObjectConfidence
	}
	if c.PolicyConfidence <= 0 {
		c.PolicyConfidence = DefaultPolicyConfidence
	}
	if c.MaxConcurrentHashes <= 0 {
		c.MaxConcurrentHashes = DefaultMaxConcurrentHashes
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Hasher == nil {
		c.Hasher = PerceptualHasher{Size: c.HashSize}
	}
	if c.Index == nil {
		c.Index = NewLinearIndex(c.CacheCapacity, c.Threshold)
	}
}

// validate reports the first out-of-range field. Call after defaults.
func (c *Config) validate() error {
	if !validHashSize(c.HashSize) {
		return fmt.Errorf("%w: hash size %d must be a power of two >= 8", ErrInvalidConfig, c.HashSize)
	}
	if bits := c.HashSize * c.HashSize; c.Threshold >= bits {
		return fmt.Errorf("%w: threshold %d must be below hash width %d", ErrInvalidConfig, c.Threshold, bits)
	}
	if c.ObjectConfidence > 1 || c.PolicyConfidence > 1 {
		return fmt.Errorf("%w: confidence floors must be within (0, 1]", ErrInvalidConfig)
	}
	return nil
}

func validHashSize(n int) bool {
	return n >= 8 && n&(n-1) == 0
}
