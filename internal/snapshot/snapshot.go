// Package snapshot writes displayed frames to PNG files.
package snapshot

import (
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"

	xdraw "golang.org/x/image/draw"
)

// ErrScale is returned for scale factors that are not positive or that
// shrink the image to nothing.
var ErrScale = errors.New("snapshot: invalid scale")

// Scale returns img resized by factor. A factor of 1 returns img itself.
// Upscaling uses nearest neighbour so texels stay crisp; downscaling uses
// Catmull-Rom.
func Scale(img image.Image, factor float64) (image.Image, error) {
	if factor <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrScale, factor)
	}
	if factor == 1 {
		return img, nil
	}
	b := img.Bounds()
	w := int(float64(b.Dx()) * factor)
	h := int(float64(b.Dy()) * factor)
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("%w: %v shrinks %dx%d to nothing", ErrScale, factor, b.Dx(), b.Dy())
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	var scaler xdraw.Scaler = xdraw.CatmullRom
	if factor > 1 {
		scaler = xdraw.NearestNeighbor
	}
	scaler.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	return dst, nil
}

// Encode writes img scaled by factor to w as PNG.
func Encode(w io.Writer, img image.Image, factor float64) error {
	scaled, err := Scale(img, factor)
	if err != nil {
		return err
	}
	return png.Encode(w, scaled)
}

// Save writes img scaled by factor to the PNG file at path.
func Save(path string, img image.Image, factor float64) error {
	f, err := os.Create(path) //nolint:gosec // path is user-provided intentionally
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	if err := Encode(f, img, factor); err != nil {
		_ = f.Close()
		return fmt.Errorf("snapshot: encode %s: %w", path, err)
	}
	return f.Close()
}
