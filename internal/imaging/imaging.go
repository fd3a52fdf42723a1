// Package imaging decodes frames, cuts face crops and encodes them as JPEG.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"io"
	"math"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// JPEGQuality is used for every crop written to disk.
const JPEGQuality = 90

var (
	// ErrEmptyCrop is returned when a bounding box has no overlap with the frame.
	ErrEmptyCrop = errors.New("bounding box does not overlap the frame")
	// ErrDecode is returned for data that is not a supported image.
	ErrDecode = errors.New("failed to decode image")
)

// Decode decodes JPEG, PNG, BMP or WebP image data.
func Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return img, nil
}

// ClampBBox converts an [x1, y1, x2, y2] pixel box to a rectangle clipped to
// bounds. Coordinates are truncated toward zero like integer casts.
func ClampBBox(bbox []float64, bounds image.Rectangle) (image.Rectangle, error) {
	if len(bbox) != 4 {
		return image.Rectangle{}, fmt.Errorf("bbox must have 4 values, got %d", len(bbox))
	}
	r := image.Rect(
		bounds.Min.X+int(math.Trunc(bbox[0])),
		bounds.Min.Y+int(math.Trunc(bbox[1])),
		bounds.Min.X+int(math.Trunc(bbox[2])),
		bounds.Min.Y+int(math.Trunc(bbox[3])),
	).Intersect(bounds)
	if r.Empty() {
		return image.Rectangle{}, ErrEmptyCrop
	}
	return r, nil
}

// CropBBox copies the region of img under bbox into a new RGBA image.
func CropBBox(img image.Image, bbox []float64) (*image.RGBA, error) {
	r, err := ClampBBox(bbox, img.Bounds())
	if err != nil {
		return nil, err
	}
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Copy(dst, image.Point{}, img, r, draw.Src, nil)
	return dst, nil
}

// ResizeToFit scales img down to fit within maxSize while keeping aspect ratio.
// Images already small enough are returned unchanged.
func ResizeToFit(img image.Image, maxSize int) image.Image {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if maxSize <= 0 || (width <= maxSize && height <= maxSize) {
		return img
	}

	var newWidth, newHeight int
	if width > height {
		newWidth = maxSize
		newHeight = max(1, int(float64(height)*float64(maxSize)/float64(width)))
	} else {
		newHeight = maxSize
		newWidth = max(1, int(float64(width)*float64(maxSize)/float64(height)))
	}

	resized := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.CatmullRom.Scale(resized, resized.Bounds(), img, bounds, draw.Over, nil)
	return resized
}

// EncodeJPEG writes img as JPEG.
func EncodeJPEG(w io.Writer, img image.Image) error {
	if err := jpeg.Encode(w, img, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return fmt.Errorf("failed to encode image: %w", err)
	}
	return nil
}

// FrameCrop lazily cuts a face out of a decoded frame.
type FrameCrop struct {
	Frame image.Image
	BBox  []float64 // [x1, y1, x2, y2] in frame pixels
}

// Crop returns the face region.
func (c FrameCrop) Crop() (image.Image, error) {
	if c.Frame == nil {
		return nil, errors.New("no frame to crop from")
	}
	return CropBBox(c.Frame, c.BBox)
}
