package classify

import (
	"context"
	"io"
)

// Image is a decoded cross-sectional image: the metadata tags and the
// intensity grid the classifier looks at. Pixel values are in the image's
// native calibrated units.
type Image struct {
	Modality          string
	BodyPart          string
	SeriesDescription string
	Pixels            [][]float64
}

// Rows returns the number of pixel rows in the grid.
func (img Image) Rows() int {
	return len(img.Pixels)
}

// Cols returns the number of pixel columns in the grid.
func (img Image) Cols() int {
	if len(img.Pixels) == 0 {
		return 0
	}
	return len(img.Pixels[0])
}

// Decoder turns a raw image file into an Image.
type Decoder interface {
	Decode(ctx context.Context, r io.Reader) (Image, error)
}
