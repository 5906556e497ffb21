package qrcodec

import (
	"image"
	"image/color"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qrseal/qrseal-go/internal/qrcap"
	"github.com/qrseal/qrseal-go/internal/stego"
)

func TestEncodeDimensions(t *testing.T) {
	c := New()
	bm, err := c.Encode("hello", qrcap.M)
	require.NoError(t, err)
	// Version 1 is 21 modules plus a 4-module quiet zone on each side.
	assert.Equal(t, 29, bm.Width)
	assert.Equal(t, 29, bm.Height)
	assert.False(t, bm.At(0, 0))
	assert.True(t, bm.At(4, 4))

	c.Border = false
	bare, err := c.Encode("hello", qrcap.M)
	require.NoError(t, err)
	assert.Equal(t, 21, bare.Width)
	assert.True(t, bare.At(0, 0))
}

func TestEncodeErrors(t *testing.T) {
	_, err := New().Encode("", qrcap.M)
	assert.ErrorIs(t, err, ErrEmptyText)

	_, err = New().Encode("x", qrcap.Level("Z"))
	assert.Error(t, err)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := New()
	for _, text := range []string{
		"hello",
		"https://example.com/path?q=1",
		`{"version":"2.0","type":"secure","data":"x","binding":"abc=","created_at":1}`,
		strings.Repeat("0123456789", 20),
	} {
		for _, lvl := range qrcap.Levels {
			bm, err := c.Encode(text, lvl)
			require.NoError(t, err)
			got, err := c.DecodeBitmap(bm)
			require.NoError(t, err, "level %s", lvl)
			assert.Equal(t, text, got)
		}
	}
}

func TestDecodeThroughStego(t *testing.T) {
	c := New()
	bm, err := c.Encode("bound payload", qrcap.M)
	require.NoError(t, err)

	cover := image.NewRGBA(image.Rect(0, 0, 80, 80))
	for i := range cover.Pix {
		cover.Pix[i] = uint8(i * 7)
	}
	out, _, err := stego.Embed(cover, bm, stego.EmbedOptions{})
	require.NoError(t, err)
	got, err := stego.Extract(out)
	require.NoError(t, err)

	text, err := c.DecodeBitmap(got)
	require.NoError(t, err)
	assert.Equal(t, "bound payload", text)
}

func TestDecodeBlankImage(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 50, 50))
	for i := range img.Pix {
		img.Pix[i] = 0xFF
	}
	_, err := New().Decode(img)
	assert.ErrorIs(t, err, ErrDecode)

	_, err = New().DecodeBitmap(stego.Bitmap{})
	assert.ErrorIs(t, err, ErrDecode)
}

func TestUpscale(t *testing.T) {
	small := image.NewGray(image.Rect(0, 0, 29, 29))
	small.SetGray(0, 0, color.Gray{Y: 0})
	small.SetGray(1, 0, color.Gray{Y: 255})
	up := upscale(small)
	assert.Equal(t, 29*11, up.Bounds().Dx())

	big := image.NewGray(image.Rect(0, 0, 400, 400))
	assert.Same(t, big, upscale(big))
}
