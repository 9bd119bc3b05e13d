// Package transform is the boundary between the session layer and the
// transformation engine. It validates reference images, turns them into
// descriptors, and maps engine outcomes onto frame results.
package transform

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"path/filepath"
	"strings"
	"time"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

var (
	ErrTooLarge             = errors.New("image exceeds the maximum upload size")
	ErrUnsupportedExtension = errors.New("file extension is not allowed")
	ErrInvalidFormat        = errors.New("file is not a decodable image")
	ErrNoSubjectFound       = errors.New("no subject found in image")
)

// Region locates a subject inside an image, in pixels.
type Region struct {
	X      float64 `msgpack:"x" json:"x"`
	Y      float64 `msgpack:"y" json:"y"`
	Width  float64 `msgpack:"w" json:"w"`
	Height float64 `msgpack:"h" json:"h"`
}

// Descriptor is the engine's representation of a detected subject. It is
// opaque to everything except the engine.
type Descriptor struct {
	Region    Region    `msgpack:"region" json:"region"`
	Embedding []float32 `msgpack:"embedding" json:"-"`
	Score     float64   `msgpack:"score" json:"score"`
}

// Engine is the two-call contract the adapter needs. DetectAndDescribe
// returns ErrNoSubjectFound when the image holds no subject.
type Engine interface {
	DetectAndDescribe(ctx context.Context, image []byte) (Descriptor, error)
	Apply(ctx context.Context, frame []byte, target Region, source Descriptor) ([]byte, error)
}

type Kind int

const (
	KindTransformed Kind = iota
	KindNoSubject
	KindEngineError
)

func (k Kind) String() string {
	switch k {
	case KindTransformed:
		return "transformed"
	case KindNoSubject:
		return "no_subject"
	case KindEngineError:
		return "engine_error"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Result is the outcome of transforming one frame. Output is set only for
// KindTransformed and is a JPEG data URL.
type Result struct {
	Kind     Kind
	Output   string
	Reason   string
	Duration time.Duration
}

// Policy bounds what Describe accepts.
type Policy struct {
	MaxBytes          int64
	AllowedExtensions []string
}

// Adapter implements Transform and Describe over an Engine.
type Adapter struct {
	engine  Engine
	policy  Policy
	allowed map[string]bool

	nowFunc func() time.Time
}

func NewAdapter(engine Engine, policy Policy) *Adapter {
	allowed := make(map[string]bool, len(policy.AllowedExtensions))
	for _, e := range policy.AllowedExtensions {
		allowed[strings.ToLower(e)] = true
	}
	return &Adapter{
		engine:  engine,
		policy:  policy,
		allowed: allowed,
		nowFunc: time.Now,
	}
}

// Describe validates an uploaded reference image and asks the engine for its
// descriptor. Checks run in order: extension, size, decodability, subject.
func (a *Adapter) Describe(ctx context.Context, filename string, data []byte) (Descriptor, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if !a.allowed[ext] {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrUnsupportedExtension, ext)
	}
	if a.policy.MaxBytes > 0 && int64(len(data)) > a.policy.MaxBytes {
		return Descriptor{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}

	desc, err := a.engine.DetectAndDescribe(ctx, data)
	if err != nil {
		if errors.Is(err, ErrNoSubjectFound) {
			return Descriptor{}, ErrNoSubjectFound
		}
		return Descriptor{}, fmt.Errorf("describe reference: %w", err)
	}
	return desc, nil
}

// Transform decodes an encoded frame, locates the subject, and applies ref to
// it. It never returns an error: every failure is a Result kind.
func (a *Adapter) Transform(ctx context.Context, frame string, ref Descriptor) Result {
	start := a.nowFunc()
	res := a.transform(ctx, frame, ref)
	res.Duration = a.nowFunc().Sub(start)
	return res
}

func (a *Adapter) transform(ctx context.Context, frame string, ref Descriptor) Result {
	raw, err := DecodeDataURL(frame)
	if err != nil {
		return Result{Kind: KindEngineError, Reason: err.Error()}
	}

	target, err := a.engine.DetectAndDescribe(ctx, raw)
	if err != nil {
		if errors.Is(err, ErrNoSubjectFound) {
			return Result{Kind: KindNoSubject, Reason: "no subject detected in frame"}
		}
		return Result{Kind: KindEngineError, Reason: err.Error()}
	}

	out, err := a.engine.Apply(ctx, raw, target.Region, ref)
	if err != nil {
		return Result{Kind: KindEngineError, Reason: err.Error()}
	}
	return Result{Kind: KindTransformed, Output: EncodeDataURL(out)}
}

const jpegDataURLPrefix = "data:image/jpeg;base64,"

// DecodeDataURL accepts either a data URL or bare base64 and returns the
// decoded bytes.
func DecodeDataURL(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		comma := strings.IndexByte(s, ',')
		if comma < 0 {
			return nil, errors.New("malformed data URL")
		}
		if !strings.HasSuffix(s[:comma], ";base64") {
			return nil, errors.New("data URL is not base64 encoded")
		}
		s = s[comma+1:]
	}
	if s == "" {
		return nil, errors.New("empty frame")
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return raw, nil
}

// EncodeDataURL wraps JPEG bytes as a data URL.
func EncodeDataURL(jpeg []byte) string {
	return jpegDataURLPrefix + base64.StdEncoding.EncodeToString(jpeg)
}
