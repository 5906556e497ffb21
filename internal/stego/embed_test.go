package stego

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomCover(r *rand.Rand, w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(r.Intn(256)), uint8(r.Intn(256)), uint8(r.Intn(256)), 0xff})
		}
	}
	return img
}

func TestEmbedExtractNoResize(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	cover := randomCover(r, 100, 100)
	payload := randomBitmap(r, 21, 21)

	out, report, err := Embed(cover, payload, EmbedOptions{ResizeIfNeeded: true})
	require.NoError(t, err)
	assert.False(t, report.Resized)
	assert.Equal(t, 481, report.BitsUsed)
	assert.Equal(t, 9960, report.AvailableBits)
	assert.Equal(t, Size{21, 21}, report.EmbeddedPayload)

	got, err := Extract(out)
	require.NoError(t, err)
	assert.True(t, payload.Equal(got))
}

func TestEmbedDoesNotModifyCover(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	cover := randomCover(r, 30, 30)
	before := append([]uint8(nil), cover.Pix...)

	_, _, err := Embed(cover, randomBitmap(r, 10, 10), EmbedOptions{})
	require.NoError(t, err)
	assert.Equal(t, before, cover.Pix)
}

func TestEmbedOnlyChangesBlueLSB(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	cover := randomCover(r, 40, 40)
	out, _, err := Embed(cover, randomBitmap(r, 20, 20), EmbedOptions{})
	require.NoError(t, err)

	for i := 0; i < len(out.Pix); i += 4 {
		assert.Equal(t, cover.Pix[i], out.Pix[i])
		assert.Equal(t, cover.Pix[i+1], out.Pix[i+1])
		assert.Equal(t, cover.Pix[i+2]&^1, out.Pix[i+2]&^1)
	}
}

func TestEmbedResizesToFit(t *testing.T) {
	r := rand.New(rand.NewSource(4))
	cover := randomCover(r, 20, 20)
	payload := randomBitmap(r, 30, 30)

	out, report, err := Embed(cover, payload, EmbedOptions{ResizeIfNeeded: true})
	require.NoError(t, err)
	assert.True(t, report.Resized)
	assert.Equal(t, Size{18, 18}, report.EmbeddedPayload)
	assert.Equal(t, 18*18+HeaderBits, report.BitsUsed)

	got, err := Extract(out)
	require.NoError(t, err)
	assert.True(t, ResizeNearest(payload, 18).Equal(got))
}

func TestEmbedWithoutResizeFails(t *testing.T) {
	r := rand.New(rand.NewSource(5))
	_, _, err := Embed(randomCover(r, 20, 20), randomBitmap(r, 30, 30), EmbedOptions{ResizeIfNeeded: false})
	assert.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestEmbedTinyCover(t *testing.T) {
	r := rand.New(rand.NewSource(6))
	_, _, err := Embed(randomCover(r, 6, 6), randomBitmap(r, 2, 2), EmbedOptions{ResizeIfNeeded: true})
	assert.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestRoundTripAcrossSizes(t *testing.T) {
	r := rand.New(rand.NewSource(8))
	for _, tc := range []struct{ cw, ch, pw, ph int }{
		{7, 7, 3, 3},    // 49 = 40 + 9
		{13, 5, 5, 5},   // 65 = 40 + 25
		{64, 3, 1, 152}, // tall payload
		{50, 50, 49, 49},
	} {
		cover := randomCover(r, tc.cw, tc.ch)
		payload := randomBitmap(r, tc.pw, tc.ph)
		out, report, err := Embed(cover, payload, EmbedOptions{})
		require.NoError(t, err, "cover %dx%d payload %dx%d", tc.cw, tc.ch, tc.pw, tc.ph)
		require.False(t, report.Resized)

		got, err := Extract(out)
		require.NoError(t, err)
		assert.True(t, payload.Equal(got), "cover %dx%d payload %dx%d", tc.cw, tc.ch, tc.pw, tc.ph)
	}
}

func TestExtractHeaderNotFound(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 40, 40))
	for i := range img.Pix {
		img.Pix[i] = 0xFF
	}
	_, err := Extract(img)
	assert.ErrorIs(t, err, ErrHeaderNotFound)
}

func TestExtractInsufficientData(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 10, 10))
	require.NoError(t, WriteBits(Header{Width: 100, Height: 100}.Bits(), NewChannel(img, ChannelBlue)))

	_, err := Extract(img)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestPNGRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(9))
	payload := randomBitmap(r, 25, 25)
	out, _, err := Embed(randomCover(r, 64, 48), payload, EmbedOptions{})
	require.NoError(t, err)

	data, err := PNGBytes(out)
	require.NoError(t, err)
	decoded, err := DecodeStego(bytes.NewReader(data))
	require.NoError(t, err)

	got, err := Extract(decoded)
	require.NoError(t, err)
	assert.True(t, payload.Equal(got))
}

func TestDecodeStegoRejectsJPEG(t *testing.T) {
	r := rand.New(rand.NewSource(10))
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, randomCover(r, 16, 16), nil))

	_, err := DecodeStego(&buf)
	assert.ErrorIs(t, err, ErrUnsupportedImage)
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	data, err := PNGBytes(img)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestEmbedFileExtractFile(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	dir := t.TempDir()
	coverPath := filepath.Join(dir, "cover.png")
	qrPath := filepath.Join(dir, "qr.png")
	payload := randomBitmap(r, 21, 21)
	writePNG(t, coverPath, randomCover(r, 60, 60))
	writePNG(t, qrPath, payload.Gray())

	stegoPath := filepath.Join(dir, "stego.png")
	report, err := EmbedFile(coverPath, qrPath, stegoPath, EmbedOptions{ResizeIfNeeded: true})
	require.NoError(t, err)
	assert.False(t, report.Resized)

	got, err := ExtractFile(stegoPath, filepath.Join(dir, "extracted.jpg"))
	require.NoError(t, err)
	assert.True(t, payload.Equal(got))
	_, err = os.Stat(filepath.Join(dir, "extracted.png"))
	assert.NoError(t, err)
}

func TestEmbedFileErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := EmbedFile(filepath.Join(dir, "missing.png"), filepath.Join(dir, "qr.png"), filepath.Join(dir, "out.png"), EmbedOptions{})
	assert.ErrorIs(t, err, ErrFileNotFound)

	_, err = EmbedFile("cover.png", "qr.png", filepath.Join(dir, "out.jpg"), EmbedOptions{})
	assert.ErrorIs(t, err, ErrLossyOutput)

	_, err = ExtractFile(filepath.Join(dir, "missing.png"), filepath.Join(dir, "qr.png"))
	assert.ErrorIs(t, err, ErrFileNotFound)
}
