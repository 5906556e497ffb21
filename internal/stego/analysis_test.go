package stego

import (
	"image"
	"image/color"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uniformCover(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestCapacityMonotonic(t *testing.T) {
	prev := Capacity(0)
	for p := 1; p <= 5000; p++ {
		c := Capacity(p)
		require.GreaterOrEqual(t, c, prev)
		prev = c
	}
}

func TestPlanResizeBound(t *testing.T) {
	for p := HeaderBits + 1; p <= 20000; p += 7 {
		plan, err := PlanResize(1000, 1000, Capacity(p))
		require.NoError(t, err)
		d := plan.Dimension
		require.True(t, plan.Resize)
		require.LessOrEqual(t, d*d+HeaderBits, p, "P=%d", p)
		require.Greater(t, (d+1)*(d+1)+HeaderBits, p, "P=%d", p)
	}
}

func TestPlanResize(t *testing.T) {
	plan, err := PlanResize(30, 30, 360)
	require.NoError(t, err)
	assert.Equal(t, ResizePlan{Resize: true, Dimension: 18}, plan)

	plan, err = PlanResize(10, 12, 360)
	require.NoError(t, err)
	assert.False(t, plan.Resize)

	_, err = PlanResize(10, 10, 0)
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	_, err = PlanResize(10, 10, -5)
	assert.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestFits(t *testing.T) {
	assert.True(t, Fits(21, 21, 10000))
	assert.True(t, Fits(3, 3, 49))
	assert.False(t, Fits(3, 3, 48))
	assert.False(t, Fits(30, 30, 400))
}

func TestResizeNearestKeepsBlackAndWhite(t *testing.T) {
	bm := NewBitmap(4, 4)
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			bm.Set(x, y, true)
		}
	}
	out := ResizeNearest(bm, 2)
	require.Equal(t, 2, out.Width)
	assert.True(t, out.At(0, 0))
	assert.False(t, out.At(1, 0))
	assert.False(t, out.At(0, 1))
	assert.False(t, out.At(1, 1))

	up := ResizeNearest(bm, 8)
	assert.True(t, up.At(3, 3))
	assert.False(t, up.At(4, 4))
}

func TestAnalyzeCapacityUniform(t *testing.T) {
	a := AnalyzeCapacity(uniformCover(100, 100, color.RGBA{128, 128, 128, 255}))

	assert.Equal(t, 10000, a.TotalPixels)
	assert.Equal(t, 9960, a.AvailableForQR)
	assert.Equal(t, SquareSize{99, 99, 9801}, a.MaxQRSize)
	assert.Equal(t, SquareSize{83, 83, 6889}, a.RecommendedQRSize)
	assert.Equal(t, 5.0, a.EfficiencyScore)
	assert.Equal(t, 128.0, a.ImageProperties.MeanBrightness)
	assert.Equal(t, 0.0, a.ImageProperties.BlueChannelComplexity)
	assert.Equal(t, 0.0, a.ImageProperties.ContrastRatio)
	assert.Equal(t, 99.6, a.CapacityUtilization.Max)
}

func TestAnalyzeCapacityPenalizesComplexity(t *testing.T) {
	r := rand.New(rand.NewSource(12))
	flat := AnalyzeCapacity(uniformCover(400, 400, color.RGBA{10, 20, 30, 255}))
	noisy := AnalyzeCapacity(randomCover(r, 400, 400))
	assert.Greater(t, noisy.ImageProperties.BlueChannelComplexity, 50.0)
	assert.Greater(t, flat.EfficiencyScore, noisy.EfficiencyScore)
}

func TestCheckCompatibility(t *testing.T) {
	cover := uniformCover(100, 100, color.RGBA{200, 200, 200, 255})

	ok := CheckCompatibility(cover, NewBitmap(21, 21))
	assert.True(t, ok.Compatible)
	assert.False(t, ok.ResizeRequired)
	assert.Nil(t, ok.ResizeRecommendation)
	assert.Equal(t, 481, ok.CapacityAnalysis.TotalBitsNeeded)
	assert.Equal(t, "Excellent", ok.QualityPrediction.QualityLevel)
	require.NotNil(t, ok.QualityPrediction.PSNREstimate)
	assert.Equal(t, 60.0, *ok.QualityPrediction.PSNREstimate)

	big := CheckCompatibility(uniformCover(20, 20, color.RGBA{1, 2, 3, 255}), NewBitmap(30, 30))
	assert.False(t, big.Compatible)
	assert.True(t, big.ResizeRequired)
	require.NotNil(t, big.ResizeRecommendation)
	assert.Equal(t, Size{18, 18}, big.ResizeRecommendation.RecommendedSize)
	assert.Equal(t, "Incompatible", big.QualityPrediction.QualityLevel)
	assert.Contains(t, big.Recommendations, "QR code needs to be resized to 18x18")

	none := CheckCompatibility(uniformCover(5, 5, color.RGBA{}), NewBitmap(3, 3))
	assert.Nil(t, none.ResizeRecommendation)
	assert.Contains(t, none.Recommendations, "QR code is too large for this cover image")
}

func TestMeasure(t *testing.T) {
	r := rand.New(rand.NewSource(13))
	cover := randomCover(r, 50, 50)

	same, err := Measure(cover, cover)
	require.NoError(t, err)
	assert.True(t, same.Identical)
	assert.Nil(t, same.PSNR)

	out, _, err := Embed(cover, randomBitmap(r, 40, 40), EmbedOptions{})
	require.NoError(t, err)
	m, err := Measure(cover, out)
	require.NoError(t, err)
	assert.Greater(t, m.MSE, 0.0)
	assert.LessOrEqual(t, m.MSE, 1.0/3.0)
	require.NotNil(t, m.PSNR)
	assert.Greater(t, *m.PSNR, 50.0)

	_, err = Measure(cover, randomCover(r, 10, 10))
	assert.ErrorIs(t, err, ErrSizeMismatch)
}

func TestBatchAnalyze(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "a.png")
	writePNG(t, good, uniformCover(30, 30, color.RGBA{50, 50, 50, 255}))

	report := BatchAnalyze([]string{good, filepath.Join(dir, "missing.png")})
	assert.Equal(t, 2, report.TotalImages)
	assert.Equal(t, 1, report.Successful)
	assert.Equal(t, 1, report.Failed)
	require.NotNil(t, report.Capacity)
	assert.Equal(t, float64(900-HeaderBits), report.Capacity.Max)
	assert.Equal(t, "failed", report.Results[1].Status)
}

func TestAnalysisCache(t *testing.T) {
	c := NewAnalysisCache(time.Minute)
	defer c.Close()

	data, err := PNGBytes(uniformCover(20, 20, color.RGBA{9, 9, 9, 255}))
	require.NoError(t, err)

	first, hit, err := c.Analyze(data)
	require.NoError(t, err)
	assert.False(t, hit)

	second, hit, err := c.Analyze(data)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, c.Len())

	c.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	c.purge()
	assert.Equal(t, 0, c.Len())

	_, _, err = c.Analyze([]byte("not an image"))
	assert.ErrorIs(t, err, ErrUnsupportedImage)
}
