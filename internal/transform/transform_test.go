package transform

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEngine struct {
	detectErr error
	applyErr  error
	output    []byte
	detects   atomic.Int32
	applies   atomic.Int32
	lastRef   Descriptor
}

func (s *stubEngine) DetectAndDescribe(_ context.Context, _ []byte) (Descriptor, error) {
	s.detects.Add(1)
	if s.detectErr != nil {
		return Descriptor{}, s.detectErr
	}
	return Descriptor{Region: Region{X: 1, Y: 2, Width: 3, Height: 4}, Score: 0.9}, nil
}

func (s *stubEngine) Apply(_ context.Context, _ []byte, _ Region, source Descriptor) ([]byte, error) {
	s.applies.Add(1)
	s.lastRef = source
	if s.applyErr != nil {
		return nil, s.applyErr
	}
	return s.output, nil
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestAdapter(e Engine) *Adapter {
	return NewAdapter(e, Policy{MaxBytes: 1024 * 1024, AllowedExtensions: []string{".png", ".jpg"}})
}

func TestDescribeValidationOrder(t *testing.T) {
	eng := &stubEngine{}
	a := NewAdapter(eng, Policy{MaxBytes: 10, AllowedExtensions: []string{".png"}})

	_, err := a.Describe(context.Background(), "face.gif", make([]byte, 100))
	assert.ErrorIs(t, err, ErrUnsupportedExtension, "extension is checked before size")

	_, err = a.Describe(context.Background(), "face.PNG", make([]byte, 100))
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = a.Describe(context.Background(), "face.png", []byte("not image"))
	assert.ErrorIs(t, err, ErrInvalidFormat)

	assert.Zero(t, eng.detects.Load(), "engine is not consulted for rejected uploads")
}

func TestDescribe(t *testing.T) {
	eng := &stubEngine{}
	desc, err := newTestAdapter(eng).Describe(context.Background(), "face.png", pngBytes(t))
	require.NoError(t, err)
	assert.Equal(t, 0.9, desc.Score)
	assert.Equal(t, int32(1), eng.detects.Load())
}

func TestDescribeNoSubject(t *testing.T) {
	eng := &stubEngine{detectErr: ErrNoSubjectFound}
	_, err := newTestAdapter(eng).Describe(context.Background(), "face.png", pngBytes(t))
	assert.ErrorIs(t, err, ErrNoSubjectFound)
}

func TestDescribeEngineFailure(t *testing.T) {
	eng := &stubEngine{detectErr: errors.New("cuda out of memory")}
	_, err := newTestAdapter(eng).Describe(context.Background(), "face.png", pngBytes(t))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoSubjectFound)
	assert.Contains(t, err.Error(), "cuda out of memory")
}

func TestTransformOutcomes(t *testing.T) {
	frame := EncodeDataURL([]byte("jpeg-bytes"))
	ref := Descriptor{Score: 0.5}

	t.Run("transformed", func(t *testing.T) {
		eng := &stubEngine{output: []byte("swapped")}
		res := newTestAdapter(eng).Transform(context.Background(), frame, ref)
		assert.Equal(t, KindTransformed, res.Kind)
		assert.Equal(t, EncodeDataURL([]byte("swapped")), res.Output)
		assert.Equal(t, ref, eng.lastRef)
	})

	t.Run("no subject", func(t *testing.T) {
		eng := &stubEngine{detectErr: ErrNoSubjectFound}
		res := newTestAdapter(eng).Transform(context.Background(), frame, ref)
		assert.Equal(t, KindNoSubject, res.Kind)
		assert.Empty(t, res.Output)
		assert.Zero(t, eng.applies.Load())
	})

	t.Run("engine error", func(t *testing.T) {
		eng := &stubEngine{applyErr: errors.New("boom")}
		res := newTestAdapter(eng).Transform(context.Background(), frame, ref)
		assert.Equal(t, KindEngineError, res.Kind)
		assert.Equal(t, "boom", res.Reason)
	})

	t.Run("bad encoding", func(t *testing.T) {
		eng := &stubEngine{}
		res := newTestAdapter(eng).Transform(context.Background(), "data:image/jpeg;base64,@@@", ref)
		assert.Equal(t, KindEngineError, res.Kind)
		assert.Zero(t, eng.detects.Load())
	})
}

func TestDecodeDataURL(t *testing.T) {
	raw, err := DecodeDataURL(EncodeDataURL([]byte{1, 2, 3}))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, raw)

	raw, err = DecodeDataURL("AQID")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, raw)

	_, err = DecodeDataURL("data:image/jpeg,plain")
	assert.Error(t, err)
	_, err = DecodeDataURL("data:nocomma")
	assert.Error(t, err)
	_, err = DecodeDataURL("")
	assert.Error(t, err)
}
