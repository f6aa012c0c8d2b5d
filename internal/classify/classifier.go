package classify

import "strings"

// Classification is the triage result for a decoded image.
type Classification struct {
	Modality        string `json:"modality"`
	Region          string `json:"region"`
	ConfidenceBasis string `json:"confidenceBasis"`
}

const (
	RegionBrainHead     = "BRAIN/HEAD"
	RegionBoneSkull     = "BONE/SKULL"
	RegionSoftTissue    = "SOFT TISSUE"
	RegionUnknown       = "Unknown"
	RegionNotApplicable = "N/A"
)

// ConfidenceBasis values record which rule produced the final region guess.
const (
	BasisStatistic     = "statistic"
	BasisTag           = "tag"
	BasisKeyword       = "keyword"
	BasisNotApplicable = "not-applicable"
	BasisUndetermined  = "undetermined"
)

// Heuristic constants. Brain tissue sits in a narrow intensity band on CT,
// and head series are acquired on a 512x512 matrix.
const (
	brainMeanLow  = 20.0
	brainMeanHigh = 80.0
	boneMeanMin   = 100.0
	headMatrix    = 512
)

type guess struct {
	region string
	basis  string
}

// A region rule inspects the image and optionally proposes a region. Rules
// are folded left-to-right; a later rule that fires overrides earlier ones.
type regionRule func(img Image, cropMean float64, hasCrop bool) (guess, bool)

var ctRegionRules = []regionRule{
	statisticRule,
	tagRule,
	keywordRule,
}

// Classify produces a best-effort (modality, region, basis) triage for a
// decoded image. It never fails on well-formed but ambiguous input; cases no
// rule resolves come back as RegionUnknown with BasisUndetermined.
func Classify(img Image) Classification {
	modality := strings.ToUpper(strings.TrimSpace(img.Modality))
	if modality != "CT" {
		if modality == "" {
			modality = RegionUnknown
		}
		return Classification{
			Modality:        modality,
			Region:          RegionNotApplicable,
			ConfidenceBasis: BasisNotApplicable,
		}
	}

	cropMean, hasCrop := centralCropMean(img.Pixels)

	result := guess{region: RegionUnknown, basis: BasisUndetermined}
	for _, rule := range ctRegionRules {
		if g, ok := rule(img, cropMean, hasCrop); ok {
			result = g
		}
	}

	return Classification{
		Modality:        "CT",
		Region:          result.region,
		ConfidenceBasis: result.basis,
	}
}

// statisticRule is the baseline guess from the central 50%x50% crop mean.
func statisticRule(img Image, cropMean float64, hasCrop bool) (guess, bool) {
	if !hasCrop {
		return guess{}, false
	}
	rows, cols := img.Rows(), img.Cols()
	switch {
	case cropMean > brainMeanLow && cropMean < brainMeanHigh && rows == headMatrix && cols == headMatrix:
		return guess{region: RegionBrainHead, basis: BasisStatistic}, true
	case cropMean > boneMeanMin:
		return guess{region: RegionBoneSkull, basis: BasisStatistic}, true
	case cropMean < brainMeanLow:
		return guess{region: RegionSoftTissue, basis: BasisStatistic}, true
	}
	return guess{}, false
}

// tagRule: an explicit body-part tag overrides any statistic guess.
func tagRule(img Image, _ float64, _ bool) (guess, bool) {
	bodyPart := strings.TrimSpace(img.BodyPart)
	if bodyPart == "" || strings.EqualFold(bodyPart, RegionUnknown) {
		return guess{}, false
	}
	return guess{region: bodyPart, basis: BasisTag}, true
}

// keywordRule inspects the series description, but only when the body-part
// tag is absent.
func keywordRule(img Image, _ float64, _ bool) (guess, bool) {
	bodyPart := strings.TrimSpace(img.BodyPart)
	if bodyPart != "" && !strings.EqualFold(bodyPart, RegionUnknown) {
		return guess{}, false
	}
	desc := strings.ToUpper(img.SeriesDescription)
	if strings.Contains(desc, "HEAD") || strings.Contains(desc, "BRAIN") {
		return guess{region: RegionBrainHead, basis: BasisKeyword}, true
	}
	if strings.Contains(desc, "PLAIN") && img.Rows() == headMatrix && img.Cols() == headMatrix {
		// Plain-protocol series on a head matrix are brain CTs in practice.
		return guess{region: RegionBrainHead, basis: BasisKeyword}, true
	}
	return guess{}, false
}

// centralCropMean computes the arithmetic mean over the central 50%x50% crop
// (rows/4 to 3*rows/4, cols/4 to 3*cols/4). The second return is false when
// the grid is too small to crop.
func centralCropMean(pixels [][]float64) (float64, bool) {
	rows := len(pixels)
	if rows == 0 {
		return 0, false
	}
	cols := len(pixels[0])
	if cols == 0 {
		return 0, false
	}

	rowLo, rowHi := rows/4, 3*rows/4
	colLo, colHi := cols/4, 3*cols/4
	if rowHi <= rowLo || colHi <= colLo {
		return 0, false
	}

	var sum float64
	var count int
	for r := rowLo; r < rowHi; r++ {
		row := pixels[r]
		if len(row) < colHi {
			continue
		}
		for c := colLo; c < colHi; c++ {
			sum += row[c]
			count++
		}
	}
	if count == 0 {
		return 0, false
	}
	return sum / float64(count), true
}
