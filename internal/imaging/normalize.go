// Package imaging turns uploaded photos into the stored representation: a
// bounded-size WEBP on an opaque background together with its content hash.
// It never touches storage.
package imaging

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gen2brain/webp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"envtrack/internal/config"
	"envtrack/internal/faults"
)

// OutputMIME is the MIME type of every normalized image.
const OutputMIME = "image/webp"

// maxSourcePixels bounds what Normalize is willing to decode.
const maxSourcePixels = 60_000_000

var acceptedFormats = []string{"image/jpeg", "image/png", "image/gif", "image/webp"}

// Options controls normalization.
type Options struct {
	MaxBytes     int64
	MaxDimension int
	Quality      int
}

// OptionsFromConfig extracts normalizer options from cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxBytes:     cfg.Images.MaxUploadBytes,
		MaxDimension: cfg.Images.MaxDimension,
		Quality:      cfg.Images.WebPQuality,
	}
}

// DefaultOptions returns the stock limits.
func DefaultOptions() Options {
	cfg := config.Default()
	return OptionsFromConfig(&cfg)
}

// Result is a normalized image.
type Result struct {
	Data         []byte
	MIME         string
	Width        int
	Height       int
	SHA256       string
	SourceFormat string
}

// Size returns the encoded byte length.
func (r Result) Size() int64 {
	return int64(len(r.Data))
}

// Reasons attached to BAD_FORMAT failures.
const (
	ReasonEmpty      = "empty"
	ReasonSignature  = "unsupported_signature"
	ReasonCorrupt    = "corrupt"
	ReasonDimensions = "dimensions"
)

func badFormat(reason, message string) *faults.Error {
	return faults.New(faults.CodeBadFormat, message).WithDetails(map[string]any{"reason": reason})
}

// Sniff returns the detected MIME type if it is an accepted upload format.
func Sniff(data []byte) (string, bool) {
	detected := mimetype.Detect(data)
	for _, format := range acceptedFormats {
		if detected.Is(format) {
			return format, true
		}
	}
	return detected.String(), false
}

// Normalize validates, flattens, bounds, and re-encodes data.
func Normalize(data []byte, opts Options) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = Result{}
			err = faults.Internal("normalize image", fmt.Errorf("codec panic: %v", r))
		}
	}()

	if len(data) == 0 {
		return Result{}, badFormat(ReasonEmpty, "image is empty")
	}
	if opts.MaxBytes > 0 && int64(len(data)) > opts.MaxBytes {
		return Result{}, faults.Newf(faults.CodePayloadTooLarge, "image exceeds %d bytes", opts.MaxBytes).
			WithDetails(map[string]any{"max_bytes": opts.MaxBytes, "size_bytes": len(data)})
	}

	format, ok := Sniff(data)
	if !ok {
		return Result{}, faults.New(faults.CodeBadFormat, "unsupported image format").
			WithDetails(map[string]any{"reason": ReasonSignature, "detected": format})
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Result{}, badFormat(ReasonCorrupt, "image data could not be decoded")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width*cfg.Height > maxSourcePixels {
		return Result{}, badFormat(ReasonDimensions, fmt.Sprintf("image dimensions %dx%d are not supported", cfg.Width, cfg.Height))
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Result{}, badFormat(ReasonCorrupt, "image data could not be decoded")
	}

	width, height := fitWithin(src.Bounds().Dx(), src.Bounds().Dy(), opts.MaxDimension)
	canvas := flatten(src, width, height)

	quality := opts.Quality
	if quality <= 0 || quality > 100 {
		quality = 82
	}
	var buf bytes.Buffer
	if err := webp.Encode(&buf, canvas, webp.Options{Quality: quality}); err != nil {
		return Result{}, faults.Internal("encode webp", err)
	}

	sum := sha256.Sum256(buf.Bytes())
	return Result{
		Data:         buf.Bytes(),
		MIME:         OutputMIME,
		Width:        width,
		Height:       height,
		SHA256:       hex.EncodeToString(sum[:]),
		SourceFormat: format,
	}, nil
}

// fitWithin scales (w, h) down so neither side exceeds limit, keeping the
// aspect ratio. Images already within the limit keep their size.
func fitWithin(w, h, limit int) (int, int) {
	if limit <= 0 || (w <= limit && h <= limit) {
		return w, h
	}
	if w >= h {
		return limit, max(1, (h*limit+w/2)/w)
	}
	return max(1, (w*limit+h/2)/h), limit
}

// flatten draws src scaled to width x height over an opaque white canvas.
func flatten(src image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	if width == src.Bounds().Dx() && height == src.Bounds().Dy() {
		draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Over)
		return dst
	}
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)
	return dst
}
