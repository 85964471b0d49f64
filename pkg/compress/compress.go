// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package compress shrinks oversized image attachments to fit the
// destination's upload limit by re-encoding them as JPEG at decreasing
// quality and size.
package compress

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"path"
	"strings"

	_ "image/gif"
	_ "image/png"

	"github.com/rs/zerolog"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// DefaultMaxSize is the destination upload limit.
const DefaultMaxSize = 8 << 20

// MaxAttempts caps the number of encodes for one image.
const MaxAttempts = 8

// Step is one (quality, max dimension) pair of the search.
type Step struct {
	Quality      int `json:"quality"`
	MaxDimension int `json:"max_dimension"`
}

// DefaultSteps walks the qualities {85,70,55,40,25,10} and dimensions
// {2048,1024,512} diagonally so that eight attempts cover the whole range.
var DefaultSteps = []Step{
	{85, 2048}, {70, 2048}, {55, 2048},
	{55, 1024}, {40, 1024}, {25, 1024},
	{25, 512}, {10, 512},
}

// Status reports what Compress did.
type Status string

const (
	StatusUnchanged  Status = "unchanged"
	StatusSkipped    Status = "skipped"
	StatusCompressed Status = "compressed"
	StatusOversized  Status = "oversized"
)

// Attempt records the outcome of one encode.
type Attempt struct {
	Step
	Size int   `json:"size"`
	Err  error `json:"-"`
}

// Result is the output of Compress. Data never exceeds the input size.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
	Status   Status
	Width    int
	Height   int
	// Step produced Data. Zero unless Data was re-encoded.
	Step     Step
	Attempts []Attempt
}

// Compressor runs the step search.
type Compressor struct {
	Steps   []Step
	MaxSize int
}

// New returns a compressor with the default steps.
func New(maxSize int) *Compressor {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Compressor{Steps: DefaultSteps, MaxSize: maxSize}
}

// Compress returns data unchanged if it already fits or is not an image.
// Otherwise it tries each step until one fits, keeping the smallest result.
// If no step fits within MaxAttempts, the smallest result is returned with
// StatusOversized. Per-attempt failures are logged and skipped. The logger
// is taken from ctx.
func (c *Compressor) Compress(ctx context.Context, data []byte, filename, mimeType string) (*Result, error) {
	log := zerolog.Ctx(ctx).With().
		Str("component", "compress").
		Str("filename", filename).
		Int("input_size", len(data)).
		Logger()

	res := &Result{Data: data, Filename: filename, MimeType: mimeType, Status: StatusUnchanged}
	if mimeType != "" && !strings.HasPrefix(strings.ToLower(mimeType), "image/") {
		res.Status = StatusSkipped
		return res, nil
	}
	if len(data) <= c.MaxSize {
		return res, nil
	}

	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		log.Warn().Err(err).Msg("Failed to decode oversized image, delivering original")
		res.Status = StatusOversized
		return res, nil
	}
	bounds := src.Bounds()
	res.Width, res.Height = bounds.Dx(), bounds.Dy()
	flat := flatten(src)

	steps := c.Steps
	if len(steps) > MaxAttempts {
		steps = steps[:MaxAttempts]
	}
	var best []byte
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		encoded, w, h, err := encodeStep(flat, step)
		attempt := Attempt{Step: step, Size: len(encoded), Err: err}
		res.Attempts = append(res.Attempts, attempt)
		if err != nil {
			log.Warn().Err(err).
				Int("quality", step.Quality).
				Int("max_dimension", step.MaxDimension).
				Msg("Compression attempt failed")
			continue
		}
		log.Debug().
			Int("quality", step.Quality).
			Int("max_dimension", step.MaxDimension).
			Int("output_size", len(encoded)).
			Msg("Compression attempt")
		if len(encoded) < len(data) && (best == nil || len(encoded) < len(best)) {
			best = encoded
			res.Step = step
			res.Width, res.Height = w, h
		}
		if len(encoded) <= c.MaxSize {
			break
		}
	}

	if best == nil {
		res.Status = StatusOversized
		log.Warn().Int("attempts", len(res.Attempts)).Msg("No compression attempt reduced the image")
		return res, nil
	}
	res.Data = best
	res.Filename = jpegName(filename)
	res.MimeType = "image/jpeg"
	res.Status = StatusCompressed
	if len(best) > c.MaxSize {
		res.Status = StatusOversized
	}
	log.Info().
		Str("source_format", format).
		Int("quality", res.Step.Quality).
		Int("max_dimension", res.Step.MaxDimension).
		Int("output_size", len(best)).
		Int("attempts", len(res.Attempts)).
		Str("status", string(res.Status)).
		Msg("Compressed image")
	return res, nil
}

// encodeStep resizes and encodes one step, converting panics from the
// image libraries into errors.
func encodeStep(src *image.RGBA, step Step) (out []byte, w, h int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while encoding: %v", r)
		}
	}()
	img := resize(src, step.MaxDimension)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: step.Quality}); err != nil {
		return nil, 0, 0, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	b := img.Bounds()
	return buf.Bytes(), b.Dx(), b.Dy(), nil
}

// flatten draws src over a white background, dropping transparency.
func flatten(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Over)
	return dst
}

// resize scales img so its longest side is at most maxDim, keeping the
// aspect ratio.
func resize(img *image.RGBA, maxDim int) image.Image {
	w, h := fitWithin(img.Bounds().Dx(), img.Bounds().Dy(), maxDim)
	if w == img.Bounds().Dx() && h == img.Bounds().Dy() {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

func fitWithin(w, h, maxDim int) (int, int) {
	if maxDim <= 0 || (w <= maxDim && h <= maxDim) {
		return w, h
	}
	if w >= h {
		nh := int(float64(h)*float64(maxDim)/float64(w) + 0.5)
		return maxDim, max(nh, 1)
	}
	nw := int(float64(w)*float64(maxDim)/float64(h) + 0.5)
	return max(nw, 1), maxDim
}

func jpegName(filename string) string {
	ext := path.Ext(filename)
	base := strings.TrimSuffix(filename, ext)
	if base == "" {
		base = "image"
	}
	return base + ".jpg"
}
