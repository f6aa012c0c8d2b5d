package dicom

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	godicom "github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"imaging-backend/internal/classify"
)

// Decoder parses DICOM files into the classifier's image shape.
type Decoder struct{}

// NewDecoder constructs a DICOM decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode reads a full DICOM object and extracts the tags and pixel grid the
// classifier needs. A file without decodable pixel data still yields its tag
// metadata; only a malformed file is an error.
func (d *Decoder) Decode(ctx context.Context, r io.Reader) (classify.Image, error) {
	if err := ctx.Err(); err != nil {
		return classify.Image{}, err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return classify.Image{}, fmt.Errorf("read dicom: %w", err)
	}

	ds, err := godicom.Parse(bytes.NewReader(data), int64(len(data)), nil)
	if err != nil {
		return classify.Image{}, fmt.Errorf("parse dicom: %w", err)
	}

	img := classify.Image{
		Modality:          firstString(&ds, tag.Modality),
		BodyPart:          firstString(&ds, tag.BodyPartExamined),
		SeriesDescription: firstString(&ds, tag.SeriesDescription),
	}
	img.Pixels = pixelGrid(&ds)
	return img, nil
}

// pixelGrid converts the first frame to a calibrated float64 grid. Returns
// nil when there is no native pixel data to decode.
func pixelGrid(ds *godicom.Dataset) [][]float64 {
	el, err := ds.FindElementByTag(tag.PixelData)
	if err != nil || el == nil {
		return nil
	}
	info, ok := el.Value.GetValue().(godicom.PixelDataInfo)
	if !ok || len(info.Frames) == 0 {
		return nil
	}
	native, err := info.Frames[0].GetNativeFrame()
	if err != nil || native == nil {
		// Encapsulated transfer syntax; tag-based rules still apply.
		return nil
	}
	rows, cols := native.Rows, native.Cols
	if rows <= 0 || cols <= 0 || len(native.Data) < rows*cols {
		return nil
	}

	slope := floatTag(ds, tag.RescaleSlope, 1)
	intercept := floatTag(ds, tag.RescaleIntercept, 0)

	pixels := make([][]float64, rows)
	for r := 0; r < rows; r++ {
		row := make([]float64, cols)
		for c := 0; c < cols; c++ {
			sample := native.Data[r*cols+c]
			if len(sample) == 0 {
				continue
			}
			row[c] = slope*float64(sample[0]) + intercept
		}
		pixels[r] = row
	}
	return pixels
}

func firstString(ds *godicom.Dataset, t tag.Tag) string {
	el, err := ds.FindElementByTag(t)
	if err != nil || el == nil {
		return ""
	}
	vals, ok := el.Value.GetValue().([]string)
	if !ok || len(vals) == 0 {
		return ""
	}
	return strings.TrimSpace(vals[0])
}

func floatTag(ds *godicom.Dataset, t tag.Tag, def float64) float64 {
	raw := firstString(ds, t)
	if raw == "" {
		return def
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return val
}

var _ classify.Decoder = (*Decoder)(nil)
