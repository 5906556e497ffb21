package stego

import (
	"errors"
	"fmt"
	"image"
	"math"
	"sort"
)

// RecommendedUtilization is the share of the available bits the capacity
// analysis recommends using.
const RecommendedUtilization = 0.7

// ErrSizeMismatch is returned when two images being compared differ in size.
var ErrSizeMismatch = errors.New("image sizes differ")

// SquareSize is the side and area of a square payload.
type SquareSize struct {
	Width       int `json:"width"`
	Height      int `json:"height"`
	TotalPixels int `json:"total_pixels"`
}

func square(d int) SquareSize {
	return SquareSize{Width: d, Height: d, TotalPixels: d * d}
}

// ImageProperties are simple statistics of a cover image.
type ImageProperties struct {
	Dimensions            Size    `json:"dimensions"`
	MeanBrightness        float64 `json:"mean_brightness"`
	ContrastRatio         float64 `json:"contrast_ratio"`
	BlueChannelComplexity float64 `json:"blue_channel_complexity"`
}

// Utilization expresses payload sizes as a percentage of the cover's pixels.
type Utilization struct {
	Max         float64 `json:"max_utilization"`
	Recommended float64 `json:"recommended_utilization"`
}

// CapacityAnalysis summarizes how much payload a cover can carry.
type CapacityAnalysis struct {
	TotalPixels         int             `json:"total_pixels"`
	UsableCapacity      int             `json:"usable_capacity"`
	HeaderBits          int             `json:"header_bits"`
	AvailableForQR      int             `json:"available_for_qr"`
	MaxQRSize           SquareSize      `json:"max_qr_size"`
	RecommendedQRSize   SquareSize      `json:"recommended_qr_size"`
	EfficiencyScore     float64         `json:"efficiency_score"`
	ImageProperties     ImageProperties `json:"image_properties"`
	CapacityUtilization Utilization     `json:"capacity_utilization"`
}

// AnalyzeCapacity computes capacity figures and an efficiency score for a
// cover. Busy blue channels lower the score.
func AnalyzeCapacity(img image.Image) CapacityAnalysis {
	n := ToNRGBA(img)
	w, h := n.Rect.Dx(), n.Rect.Dy()
	total := w * h
	available := Capacity(total)

	maxDim := isqrt(available)
	recPixels := int(float64(available) * RecommendedUtilization)
	recDim := isqrt(recPixels)

	stats := channelStats(n)
	capacityScore := math.Min(100, float64(available)/100000*50)
	complexityPenalty := math.Min(50, stats.blueStd/5)
	efficiency := math.Max(0, capacityScore-complexityPenalty)

	contrast := 0.0
	if stats.mean > 0 {
		contrast = stats.std / stats.mean
	}

	a := CapacityAnalysis{
		TotalPixels:       total,
		UsableCapacity:    total,
		HeaderBits:        HeaderBits,
		AvailableForQR:    available,
		MaxQRSize:         square(maxDim),
		RecommendedQRSize: square(recDim),
		EfficiencyScore:   round(efficiency, 1),
		ImageProperties: ImageProperties{
			Dimensions:            Size{w, h},
			MeanBrightness:        round(stats.mean, 2),
			ContrastRatio:         round(contrast, 3),
			BlueChannelComplexity: round(stats.blueStd, 2),
		},
	}
	if total > 0 {
		a.CapacityUtilization = Utilization{
			Max:         round(float64(available)/float64(total)*100, 1),
			Recommended: round(float64(recPixels)/float64(total)*100, 1),
		}
	}
	return a
}

type imageStats struct {
	mean    float64 // over all RGB samples
	std     float64 // over all RGB samples
	blueStd float64
}

func channelStats(n *image.NRGBA) imageStats {
	w, h := n.Rect.Dx(), n.Rect.Dy()
	if w*h == 0 {
		return imageStats{}
	}
	var sum, sumSq, bSum, bSumSq float64
	for y := 0; y < h; y++ {
		row := n.Pix[y*n.Stride : y*n.Stride+w*4]
		for x := 0; x < w; x++ {
			p := row[x*4 : x*4+3]
			for _, v := range p {
				f := float64(v)
				sum += f
				sumSq += f * f
			}
			b := float64(p[ChannelBlue])
			bSum += b
			bSumSq += b * b
		}
	}
	count := float64(w * h * 3)
	mean := sum / count
	pixels := float64(w * h)
	bMean := bSum / pixels
	return imageStats{
		mean:    mean,
		std:     math.Sqrt(math.Max(0, sumSq/count-mean*mean)),
		blueStd: math.Sqrt(math.Max(0, bSumSq/pixels-bMean*bMean)),
	}
}

// QualityPrediction estimates the distortion an embed will cause.
type QualityPrediction struct {
	MSEEstimate  *float64 `json:"mse_estimate"`
	PSNREstimate *float64 `json:"psnr_estimate"`
	QualityLevel string   `json:"quality_level"`
}

// ResizeRecommendation is present when a payload must shrink to fit.
type ResizeRecommendation struct {
	CurrentSize     Size    `json:"current_size"`
	RecommendedSize Size    `json:"recommended_size"`
	SizeReduction   float64 `json:"size_reduction"`
}

// CompatibilityCapacity lists the bit budget of a cover/payload pair.
type CompatibilityCapacity struct {
	QRBitsNeeded        int     `json:"qr_bits_needed"`
	HeaderBitsNeeded    int     `json:"header_bits_needed"`
	TotalBitsNeeded     int     `json:"total_bits_needed"`
	AvailableCapacity   int     `json:"available_capacity"`
	CapacityUtilization float64 `json:"capacity_utilization"`
}

// Compatibility is the result of CheckCompatibility.
type Compatibility struct {
	Compatible           bool                  `json:"compatible"`
	ResizeRequired       bool                  `json:"resize_required"`
	CapacityAnalysis     CompatibilityCapacity `json:"capacity_analysis"`
	QualityPrediction    QualityPrediction     `json:"quality_prediction"`
	ResizeRecommendation *ResizeRecommendation `json:"resize_recommendation,omitempty"`
	CoverSize            Size                  `json:"cover_size"`
	QRSize               Size                  `json:"qr_size"`
	CoverEfficiency      float64               `json:"cover_efficiency"`
	Recommendations      []string              `json:"recommendations"`
}

// CheckCompatibility predicts whether payload fits cover as-is, whether it
// can be resized to fit, and roughly how much distortion embedding causes.
func CheckCompatibility(cover image.Image, payload Bitmap) Compatibility {
	analysis := AnalyzeCapacity(cover)
	total := analysis.TotalPixels
	qrBits := payload.Width * payload.Height
	needed := qrBits + HeaderBits

	c := Compatibility{
		Compatible:      Fits(payload.Width, payload.Height, total),
		CoverSize:       analysis.ImageProperties.Dimensions,
		QRSize:          Size{payload.Width, payload.Height},
		CoverEfficiency: analysis.EfficiencyScore,
		CapacityAnalysis: CompatibilityCapacity{
			QRBitsNeeded:      qrBits,
			HeaderBitsNeeded:  HeaderBits,
			TotalBitsNeeded:   needed,
			AvailableCapacity: analysis.AvailableForQR,
		},
	}
	c.ResizeRequired = !c.Compatible
	if total > 0 {
		c.CapacityAnalysis.CapacityUtilization = round(float64(needed)/float64(total)*100, 1)
	}

	resizable := false
	if c.ResizeRequired {
		if plan, err := PlanResize(payload.Width, payload.Height, analysis.AvailableForQR); err == nil {
			resizable = true
			d := plan.Dimension
			reduction := 0.0
			if qrBits > 0 {
				reduction = round((1-float64(d*d)/float64(qrBits))*100, 1)
			}
			c.ResizeRecommendation = &ResizeRecommendation{
				CurrentSize:     Size{payload.Width, payload.Height},
				RecommendedSize: Size{d, d},
				SizeReduction:   reduction,
			}
		}
	}

	if c.Compatible {
		c.QualityPrediction = predictQuality(needed, total, analysis.ImageProperties.BlueChannelComplexity)
	} else {
		c.QualityPrediction = QualityPrediction{QualityLevel: "Incompatible"}
	}

	switch {
	case !c.Compatible && !resizable:
		c.Recommendations = append(c.Recommendations,
			"QR code is too large for this cover image",
			"Consider using a larger cover image or smaller QR code")
	case c.ResizeRequired:
		rs := c.ResizeRecommendation.RecommendedSize
		c.Recommendations = append(c.Recommendations,
			fmt.Sprintf("QR code needs to be resized to %dx%d", rs.Width, rs.Height),
			"Resize will be performed automatically during embedding")
	default:
		switch c.QualityPrediction.QualityLevel {
		case "Excellent":
			c.Recommendations = append(c.Recommendations, "QR size is optimal for this image", "High quality embedding expected")
		case "Good":
			c.Recommendations = append(c.Recommendations, "Good quality embedding expected")
		case "Fair":
			c.Recommendations = append(c.Recommendations, "Acceptable quality, but consider optimizing QR size")
		default:
			c.Recommendations = append(c.Recommendations, "Quality may be affected, consider using different parameters")
		}
	}
	if c.CapacityAnalysis.CapacityUtilization > 50 {
		c.Recommendations = append(c.Recommendations, "High capacity utilization may affect image quality")
	}
	if analysis.ImageProperties.BlueChannelComplexity > 30 {
		c.Recommendations = append(c.Recommendations, "Cover image has high complexity in blue channel")
	}
	return c
}

// predictQuality assumes half of the written LSBs flip, each by one level.
func predictQuality(bitsNeeded, totalPixels int, blueComplexity float64) QualityPrediction {
	ratio := math.Min(1, float64(bitsNeeded)/float64(totalPixels))
	mse := ratio * 0.5 * 0.25
	psnr := 20*math.Log10(255/math.Sqrt(mse)) - blueComplexity/50*2

	level := "Poor"
	switch {
	case psnr > 45:
		level = "Excellent"
	case psnr > 35:
		level = "Good"
	case psnr > 25:
		level = "Fair"
	}
	mseR := round(mse, 4)
	psnrR := round(math.Min(psnr, 60), 1)
	return QualityPrediction{MSEEstimate: &mseR, PSNREstimate: &psnrR, QualityLevel: level}
}

// QualityMetrics compares an original image with its stego counterpart.
// PSNR is nil when the images are identical.
type QualityMetrics struct {
	MSE       float64  `json:"mse"`
	PSNR      *float64 `json:"psnr"`
	Identical bool     `json:"identical"`
}

// Measure computes MSE and PSNR over the RGB samples of two equally sized images.
func Measure(original, stego image.Image) (QualityMetrics, error) {
	a, b := ToNRGBA(original), ToNRGBA(stego)
	if a.Rect != b.Rect {
		return QualityMetrics{}, fmt.Errorf("%w: %v vs %v", ErrSizeMismatch, a.Rect.Size(), b.Rect.Size())
	}
	w, h := a.Rect.Dx(), a.Rect.Dy()
	if w*h == 0 {
		return QualityMetrics{Identical: true}, nil
	}
	var sum float64
	for y := 0; y < h; y++ {
		ra := a.Pix[y*a.Stride : y*a.Stride+w*4]
		rb := b.Pix[y*b.Stride : y*b.Stride+w*4]
		for x := 0; x < w; x++ {
			for c := 0; c < 3; c++ {
				d := float64(ra[x*4+c]) - float64(rb[x*4+c])
				sum += d * d
			}
		}
	}
	mse := sum / float64(w*h*3)
	if mse == 0 {
		return QualityMetrics{MSE: 0, Identical: true}, nil
	}
	psnr := 20 * math.Log10(255/math.Sqrt(mse))
	return QualityMetrics{MSE: mse, PSNR: &psnr}, nil
}

// BatchItem is the per-image result of BatchAnalyze.
type BatchItem struct {
	ImagePath string            `json:"image_path"`
	Status    string            `json:"status"`
	Analysis  *CapacityAnalysis `json:"analysis,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Stats are min/max/mean/median figures over successful analyses.
type Stats struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
}

// BatchReport aggregates BatchAnalyze results.
type BatchReport struct {
	TotalImages int         `json:"total_images"`
	Successful  int         `json:"successful_analyses"`
	Failed      int         `json:"failed_analyses"`
	Results     []BatchItem `json:"results"`
	Capacity    *Stats      `json:"capacity_stats,omitempty"`
	Efficiency  *Stats      `json:"efficiency_stats,omitempty"`
}

// BatchAnalyze analyzes every image path. A failing image is reported in
// its item and does not stop the batch.
func BatchAnalyze(paths []string) BatchReport {
	report := BatchReport{TotalImages: len(paths), Results: make([]BatchItem, 0, len(paths))}
	var capacities, scores []float64
	for _, p := range paths {
		img, _, err := openImage(p)
		if err != nil {
			report.Failed++
			report.Results = append(report.Results, BatchItem{ImagePath: p, Status: "failed", Error: err.Error()})
			continue
		}
		a := AnalyzeCapacity(img)
		report.Successful++
		report.Results = append(report.Results, BatchItem{ImagePath: p, Status: "success", Analysis: &a})
		capacities = append(capacities, float64(a.AvailableForQR))
		scores = append(scores, a.EfficiencyScore)
	}
	if len(capacities) > 0 {
		report.Capacity = summarize(capacities)
		report.Efficiency = summarize(scores)
	}
	return report
}

func summarize(vals []float64) *Stats {
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return &Stats{
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		Mean:   sum / float64(len(sorted)),
		Median: sorted[len(sorted)/2],
	}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
