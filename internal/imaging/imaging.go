// Package imaging normalizes input images for generation: it fetches an
// image reference (http(s) URL or data URL) into bytes, and scales images to
// fit within bounds, re-encoding them as JPEG.
package imaging

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"strings"

	// Decoders for the formats shops commonly serve.
	_ "image/gif"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	// DefaultQuality is the JPEG quality used when none is configured.
	DefaultQuality = 80

	// DefaultMaxPixels caps declared width*height when no cap is configured.
	DefaultMaxPixels int64 = 40_000_000
)

var (
	// ErrDecode is returned when the input is not a supported image.
	ErrDecode = errors.New("imaging: cannot decode image")
	// ErrBounds is returned for non-positive target bounds.
	ErrBounds = errors.New("imaging: bounds must be positive")
	// ErrDataURL is returned for malformed data URLs.
	ErrDataURL = errors.New("imaging: malformed data URL")
	// ErrTooManyPixels is returned when an image declares more pixels than
	// the configured cap. The pixel data is never decoded.
	ErrTooManyPixels = errors.New("imaging: image exceeds pixel limit")
)

// FitWithin returns the dimensions of a w×h image scaled to fit maxW×maxH
// with its aspect ratio preserved. Width is bounded first; if the height
// still exceeds maxH it is bounded next and the width recomputed from the
// already-scaled size. Each axis is rounded to the nearest pixel and never
// drops below 1. Images already within bounds are returned unchanged.
func FitWithin(w, h, maxW, maxH int) (int, int) {
	if w <= 0 || h <= 0 {
		return w, h
	}
	fw, fh := float64(w), float64(h)
	if fw > float64(maxW) {
		fh = math.Round(fh * float64(maxW) / fw)
		fw = float64(maxW)
	}
	if fh > float64(maxH) {
		fw = math.Round(fw * float64(maxH) / fh)
		fh = float64(maxH)
	}
	return max(1, int(fw)), max(1, int(fh))
}

// Resize decodes data, scales it to fit maxW×maxH and encodes the result as
// JPEG at the given quality (1..100; 0 selects DefaultQuality). Images are
// never upscaled. Transparent areas are flattened onto white.
//
// The header is read first: images declaring more than maxPixels pixels
// (0 selects DefaultMaxPixels) fail with ErrTooManyPixels before any pixel
// buffer is allocated.
func Resize(data []byte, maxW, maxH, quality int, maxPixels int64) ([]byte, error) {
	if maxW <= 0 || maxH <= 0 {
		return nil, ErrBounds
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	if err := CheckPixels(data, maxPixels); err != nil {
		return nil, err
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	b := src.Bounds()
	w, h := FitWithin(b.Dx(), b.Dy(), maxW, maxH)

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("imaging: encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// CheckPixels reads only the image header and rejects images whose declared
// width*height exceeds maxPixels (0 selects DefaultMaxPixels).
func CheckPixels(data []byte, maxPixels int64) error {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	w, h, err := Dimensions(data)
	if err != nil {
		return err
	}
	if w <= 0 || h <= 0 || int64(w)*int64(h) > maxPixels {
		return fmt.Errorf("%w: %dx%d > %d", ErrTooManyPixels, w, h, maxPixels)
	}
	return nil
}

// Dimensions returns the pixel size of an encoded image without decoding it
// fully.
func Dimensions(data []byte) (int, int, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return cfg.Width, cfg.Height, nil
}

// EncodeDataURL renders data as a base64 data URL of the given MIME type.
func EncodeDataURL(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// DecodeDataURL parses a base64 data URL and returns its MIME type and bytes.
func DecodeDataURL(ref string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(ref, "data:")
	if !ok {
		return "", nil, ErrDataURL
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, ErrDataURL
	}
	mime, isB64 := strings.CutSuffix(meta, ";base64")
	if !isB64 {
		return "", nil, fmt.Errorf("%w: only base64 payloads are supported", ErrDataURL)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrDataURL, err)
	}
	if mime == "" {
		mime = "text/plain"
	}
	return mime, data, nil
}
