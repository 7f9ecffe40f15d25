// Package vision implements the deterministic image pipeline around the
// detector: decoding encoded frames, resizing to the detector input
// geometry, tensor conversion, and detection postprocessing with
// non-maximum suppression.
package vision

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"strings"

	// Frame payloads are JPEG by default but any self-describing common
	// encoding is accepted.
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	"gorgonia.org/tensor"
)

// DecodeFrame turns the wire-format image payload (base64, with or without a
// data-URI prefix) into a decoded image.
func DecodeFrame(imageData string) (image.Image, error) {
	raw, err := base64.StdEncoding.DecodeString(StripDataURI(imageData))
	if err != nil {
		return nil, fmt.Errorf("decoding base64 payload: %w", err)
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return img, nil
}

// StripDataURI removes a "data:<mime>;base64," prefix if present.
func StripDataURI(s string) string {
	if !strings.HasPrefix(s, "data:") {
		return s
	}
	if i := strings.IndexByte(s, ','); i >= 0 {
		return s[i+1:]
	}
	return s
}

// ResizeToInput scales img to size×size with bilinear resampling. Images
// already at the input geometry are returned converted but unscaled.
func ResizeToInput(img image.Image, size int) *image.NRGBA {
	b := img.Bounds()
	if b.Dx() == size && b.Dy() == size {
		return imaging.Clone(img)
	}
	return imaging.Resize(img, size, size, imaging.Linear)
}

// ToTensor converts a size×size image into a float32 tensor of shape
// [1, 3, size, size] in RGB channel order with values scaled to [0,1].
func ToTensor(img *image.NRGBA, size int) (tensor.Tensor, error) {
	if img.Bounds().Dx() != size || img.Bounds().Dy() != size {
		return nil, fmt.Errorf("image is %dx%d, want %dx%d",
			img.Bounds().Dx(), img.Bounds().Dy(), size, size)
	}

	data := make([]float32, 3*size*size)
	plane := size * size
	for y := 0; y < size; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+size*4]
		for x := 0; x < size; x++ {
			off := y*size + x
			data[off] = float32(row[x*4]) / 255.0          // R
			data[plane+off] = float32(row[x*4+1]) / 255.0  // G
			data[2*plane+off] = float32(row[x*4+2]) / 255.0 // B
		}
	}

	return tensor.New(
		tensor.WithShape(1, 3, size, size),
		tensor.WithBacking(data),
	), nil
}

// Prepare runs the full deterministic preprocessing pipeline: strip any
// data-URI prefix, decode, resize to size×size with bilinear resampling, and
// convert to a normalized CHW float tensor.
func Prepare(imageData string, size int) (tensor.Tensor, error) {
	img, err := DecodeFrame(imageData)
	if err != nil {
		return nil, err
	}
	return ToTensor(ResizeToInput(img, size), size)
}
