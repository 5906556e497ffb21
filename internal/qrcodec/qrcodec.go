// Package qrcodec renders text to a one-pixel-per-module QR raster and reads
// text back from a raster.
package qrcodec

import (
	"errors"
	"fmt"
	"image"

	"github.com/makiuchi-d/gozxing"
	zxqr "github.com/makiuchi-d/gozxing/qrcode"
	skipqr "github.com/skip2/go-qrcode"
	xdraw "golang.org/x/image/draw"

	"github.com/qrseal/qrseal-go/internal/qrcap"
	"github.com/qrseal/qrseal-go/internal/stego"
)

var (
	ErrEmptyText = errors.New("qr text is empty")
	ErrDecode    = errors.New("qr code not readable")
)

// minDecodeSide is the smallest raster side handed to the detector; smaller
// rasters are upscaled by an integer factor first.
const minDecodeSide = 300

// Encoder renders text as a QR bitmap.
type Encoder interface {
	Encode(text string, level qrcap.Level) (stego.Bitmap, error)
}

// Decoder reads the text of a QR code in img.
type Decoder interface {
	Decode(img image.Image) (string, error)
}

// Codec implements Encoder and Decoder.
type Codec struct {
	// Border keeps the four-module quiet zone around the symbol.
	Border bool
}

// New returns a Codec that keeps the quiet zone.
func New() *Codec { return &Codec{Border: true} }

func recoveryLevel(l qrcap.Level) (skipqr.RecoveryLevel, error) {
	switch l {
	case qrcap.L:
		return skipqr.Low, nil
	case qrcap.M, "":
		return skipqr.Medium, nil
	case qrcap.Q:
		return skipqr.High, nil
	case qrcap.H:
		return skipqr.Highest, nil
	}
	return 0, fmt.Errorf("unknown error correction level %q", l)
}

// Encode renders text with one pixel per module.
func (c *Codec) Encode(text string, level qrcap.Level) (stego.Bitmap, error) {
	if text == "" {
		return stego.Bitmap{}, ErrEmptyText
	}
	rl, err := recoveryLevel(level)
	if err != nil {
		return stego.Bitmap{}, err
	}
	q, err := skipqr.New(text, rl)
	if err != nil {
		return stego.Bitmap{}, fmt.Errorf("encode qr: %w", err)
	}
	q.DisableBorder = !c.Border
	rows := q.Bitmap()
	bm := stego.NewBitmap(len(rows), len(rows))
	for y, row := range rows {
		for x, dark := range row {
			bm.Set(x, y, dark)
		}
	}
	return bm, nil
}

// Decode reads a QR code from img.
func (c *Codec) Decode(img image.Image) (string, error) {
	img = upscale(img)
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	hints := map[gozxing.DecodeHintType]interface{}{
		gozxing.DecodeHintType_TRY_HARDER: true,
	}
	res, err := zxqr.NewQRCodeReader().Decode(bmp, hints)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return res.GetText(), nil
}

// DecodeBitmap decodes an extracted payload raster.
func (c *Codec) DecodeBitmap(bm stego.Bitmap) (string, error) {
	if err := bm.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return c.Decode(bm.Gray())
}

func upscale(img image.Image) image.Image {
	b := img.Bounds()
	side := b.Dx()
	if b.Dy() < side {
		side = b.Dy()
	}
	if side <= 0 || side >= minDecodeSide {
		return img
	}
	f := (minDecodeSide + side - 1) / side
	dst := image.NewGray(image.Rect(0, 0, b.Dx()*f, b.Dy()*f))
	xdraw.NearestNeighbor.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	return dst
}
