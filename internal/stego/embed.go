package stego

import (
	"fmt"
	"image"
	"image/color"
)

// Channel offsets within an NRGBA pixel.
const (
	ChannelRed   = 0
	ChannelGreen = 1
	ChannelBlue  = 2
)

// Channel exposes one color channel of an NRGBA image as Samples in
// row-major pixel order.
type Channel struct {
	img    *image.NRGBA
	offset int
	width  int
}

// NewChannel wraps the given channel of img.
func NewChannel(img *image.NRGBA, offset int) Channel {
	return Channel{img: img, offset: offset, width: img.Rect.Dx()}
}

func (c Channel) index(i int) int {
	y, x := i/c.width, i%c.width
	return y*c.img.Stride + x*4 + c.offset
}

func (c Channel) Len() int                 { return c.img.Rect.Dx() * c.img.Rect.Dy() }
func (c Channel) Sample(i int) uint8       { return c.img.Pix[c.index(i)] }
func (c Channel) SetSample(i int, v uint8) { c.img.Pix[c.index(i)] = v }

// ToNRGBA returns a fresh NRGBA copy of img anchored at (0,0). The caller's
// image is never modified.
func ToNRGBA(img image.Image) *image.NRGBA {
	r := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	if src, ok := img.(*image.NRGBA); ok {
		for y := 0; y < r.Dy(); y++ {
			si := src.PixOffset(r.Min.X, r.Min.Y+y)
			copy(dst.Pix[y*dst.Stride:y*dst.Stride+r.Dx()*4], src.Pix[si:si+r.Dx()*4])
		}
		return dst
	}
	for y := 0; y < r.Dy(); y++ {
		for x := 0; x < r.Dx(); x++ {
			c := color.NRGBAModel.Convert(img.At(r.Min.X+x, r.Min.Y+y)).(color.NRGBA)
			dst.SetNRGBA(x, y, c)
		}
	}
	return dst
}

// EmbedOptions controls Embed.
type EmbedOptions struct {
	// ResizeIfNeeded shrinks a payload that does not fit. When false an
	// oversized payload fails with ErrCapacityExceeded.
	ResizeIfNeeded bool
}

// Size is a width/height pair used in reports.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// EmbedReport describes what Embed did.
type EmbedReport struct {
	Cover            Size `json:"cover"`
	OriginalPayload  Size `json:"original_payload"`
	EmbeddedPayload  Size `json:"embedded_payload"`
	Resized          bool `json:"resized"`
	BitsUsed         int  `json:"bits_used"`
	AvailableBits    int  `json:"available_bits"`
	CoverPixelsTotal int  `json:"cover_pixels_total"`
}

// Embed writes payload into the blue channel LSBs of a copy of cover.
func Embed(cover image.Image, payload Bitmap, opts EmbedOptions) (*image.NRGBA, EmbedReport, error) {
	if err := payload.Validate(); err != nil {
		return nil, EmbedReport{}, err
	}
	out := ToNRGBA(cover)
	pixels := out.Rect.Dx() * out.Rect.Dy()
	available := Capacity(pixels)

	report := EmbedReport{
		Cover:            Size{out.Rect.Dx(), out.Rect.Dy()},
		OriginalPayload:  Size{payload.Width, payload.Height},
		AvailableBits:    available,
		CoverPixelsTotal: pixels,
	}

	if !Fits(payload.Width, payload.Height, pixels) {
		if !opts.ResizeIfNeeded {
			return nil, report, fmt.Errorf("%w: payload %dx%d needs %d bits, cover holds %d",
				ErrCapacityExceeded, payload.Width, payload.Height, payload.Width*payload.Height+HeaderBits, pixels)
		}
		plan, err := PlanResize(payload.Width, payload.Height, available)
		if err != nil {
			return nil, report, err
		}
		if plan.Resize {
			payload = ResizeNearest(payload, plan.Dimension)
			report.Resized = true
		}
		if !Fits(payload.Width, payload.Height, pixels) {
			return nil, report, fmt.Errorf("%w: payload %dx%d still too large after resize",
				ErrCapacityExceeded, payload.Width, payload.Height)
		}
	}

	bits, err := Frame(payload)
	if err != nil {
		return nil, report, err
	}
	if err := WriteBits(bits, NewChannel(out, ChannelBlue)); err != nil {
		return nil, report, err
	}

	report.EmbeddedPayload = Size{payload.Width, payload.Height}
	report.BitsUsed = len(bits)
	return out, report, nil
}

// Extract recovers the payload bitmap from the blue channel LSBs of stego.
func Extract(stego image.Image) (Bitmap, error) {
	img, ok := stego.(*image.NRGBA)
	if !ok || img.Rect.Min != (image.Point{}) {
		img = ToNRGBA(stego)
	}
	ch := NewChannel(img, ChannelBlue)

	h, offset, err := ReadHeader(ch)
	if err != nil {
		return Bitmap{}, err
	}
	bits, err := ReadBits(ch, offset, h.PayloadBits())
	if err != nil {
		return Bitmap{}, err
	}
	return DecodeBitmap(bits, int(h.Width), int(h.Height))
}
