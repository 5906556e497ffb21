// Package stego hides a black/white raster in the least significant bit of
// one color channel of a cover image and recovers it again.
//
// The bitstream written into the cover is a 40-bit header followed by the
// payload pixels in row-major order:
//
//	bits  0-15  payload width  (u16, MSB first)
//	bits 16-31  payload height (u16, MSB first)
//	bits 32-39  terminator, always 00000000
//	bits 40-    width*height payload bits, 1 = dark
//
// One bit is stored per pixel, in the blue channel, starting at pixel (0,0).
package stego

import (
	"errors"
	"fmt"
	"image"
	"image/color"
)

const (
	// DimensionBits is the width of each dimension field in the header.
	DimensionBits = 16
	// TerminatorBits is the length of the all-zero header terminator.
	TerminatorBits = 8
	// HeaderBits is the total header length.
	HeaderBits = 2*DimensionBits + TerminatorBits
	// HeaderSearchWindow bounds how many bits past the header ReadHeader
	// scans for a terminator before giving up.
	HeaderSearchWindow = 500

	maxDimension = 1<<DimensionBits - 1
)

// Sentinel errors returned by the codec, the planner and the embedder.
var (
	ErrCapacityExceeded = errors.New("cover capacity exceeded")
	ErrHeaderNotFound   = errors.New("header terminator not found")
	ErrHeaderCorrupt    = errors.New("header corrupt")
	ErrInsufficientData = errors.New("insufficient payload data")
	ErrInvalidBitmap    = errors.New("invalid payload bitmap")
	ErrFileNotFound     = errors.New("file not found")
	ErrLossyOutput      = errors.New("output must be a lossless PNG")
	ErrUnsupportedImage = errors.New("unsupported image format")
)

// Header describes the payload dimensions carried in front of the payload bits.
type Header struct {
	Width  uint16 `json:"width"`
	Height uint16 `json:"height"`
}

// PayloadBits returns the number of payload bits that follow the header.
func (h Header) PayloadBits() int {
	return int(h.Width) * int(h.Height)
}

// Bits renders the 40-bit header.
func (h Header) Bits() []byte {
	bits := make([]byte, 0, HeaderBits)
	bits = appendUint16(bits, h.Width)
	bits = appendUint16(bits, h.Height)
	for i := 0; i < TerminatorBits; i++ {
		bits = append(bits, 0)
	}
	return bits
}

func appendUint16(bits []byte, v uint16) []byte {
	for i := DimensionBits - 1; i >= 0; i-- {
		bits = append(bits, byte(v>>uint(i)&1))
	}
	return bits
}

func bitsToUint16(bits []byte) uint16 {
	var v uint16
	for _, b := range bits {
		v = v<<1 | uint16(b&1)
	}
	return v
}

// Bitmap is a 1-bit raster. Pix is row-major and true marks a dark pixel.
type Bitmap struct {
	Width  int
	Height int
	Pix    []bool
}

// NewBitmap allocates an all-light bitmap.
func NewBitmap(width, height int) Bitmap {
	return Bitmap{Width: width, Height: height, Pix: make([]bool, width*height)}
}

// At reports whether the pixel at (x, y) is dark.
func (b Bitmap) At(x, y int) bool {
	return b.Pix[y*b.Width+x]
}

// Set marks the pixel at (x, y) dark or light.
func (b Bitmap) Set(x, y int, dark bool) {
	b.Pix[y*b.Width+x] = dark
}

// Equal reports whether both bitmaps have the same size and pixels.
func (b Bitmap) Equal(o Bitmap) bool {
	if b.Width != o.Width || b.Height != o.Height || len(b.Pix) != len(o.Pix) {
		return false
	}
	for i := range b.Pix {
		if b.Pix[i] != o.Pix[i] {
			return false
		}
	}
	return true
}

// Validate checks that the bitmap can be described by a header.
func (b Bitmap) Validate() error {
	if b.Width <= 0 || b.Height <= 0 {
		return fmt.Errorf("%w: empty %dx%d", ErrInvalidBitmap, b.Width, b.Height)
	}
	if b.Width > maxDimension || b.Height > maxDimension {
		return fmt.Errorf("%w: %dx%d exceeds %d", ErrInvalidBitmap, b.Width, b.Height, maxDimension)
	}
	if len(b.Pix) != b.Width*b.Height {
		return fmt.Errorf("%w: %d pixels for %dx%d", ErrInvalidBitmap, len(b.Pix), b.Width, b.Height)
	}
	return nil
}

// Gray renders the bitmap as an 8-bit image, dark pixels black and the rest white.
func (b Bitmap) Gray() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, b.Width, b.Height))
	for y := 0; y < b.Height; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+b.Width]
		for x := range row {
			if b.Pix[y*b.Width+x] {
				row[x] = 0
			} else {
				row[x] = 0xff
			}
		}
	}
	return img
}

// BitmapFromImage thresholds img at mid-gray. Luminance below 128 is dark.
func BitmapFromImage(img image.Image) Bitmap {
	r := img.Bounds()
	bm := NewBitmap(r.Dx(), r.Dy())
	if g, ok := img.(*image.Gray); ok {
		for y := 0; y < bm.Height; y++ {
			for x := 0; x < bm.Width; x++ {
				bm.Pix[y*bm.Width+x] = g.GrayAt(r.Min.X+x, r.Min.Y+y).Y < 0x80
			}
		}
		return bm
	}
	for y := 0; y < bm.Height; y++ {
		for x := 0; x < bm.Width; x++ {
			c := color.GrayModel.Convert(img.At(r.Min.X+x, r.Min.Y+y)).(color.Gray)
			bm.Pix[y*bm.Width+x] = c.Y < 0x80
		}
	}
	return bm
}

// Frame produces header || payload for the bitmap. Each element is 0 or 1.
func Frame(b Bitmap) ([]byte, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	h := Header{Width: uint16(b.Width), Height: uint16(b.Height)}
	bits := make([]byte, 0, HeaderBits+len(b.Pix))
	bits = append(bits, h.Bits()...)
	for _, dark := range b.Pix {
		if dark {
			bits = append(bits, 1)
		} else {
			bits = append(bits, 0)
		}
	}
	return bits, nil
}

// DecodeBitmap rebuilds a bitmap from payload bits, 1 mapping to dark.
func DecodeBitmap(bits []byte, width, height int) (Bitmap, error) {
	if width*height > len(bits) {
		return Bitmap{}, fmt.Errorf("%w: have %d bits, need %d", ErrInsufficientData, len(bits), width*height)
	}
	bm := NewBitmap(width, height)
	for i := range bm.Pix {
		bm.Pix[i] = bits[i]&1 == 1
	}
	return bm, nil
}

// Samples is a sequence of 8-bit channel values addressed in traversal order.
type Samples interface {
	Len() int
	Sample(i int) uint8
	SetSample(i int, v uint8)
}

// ByteSamples adapts a plain byte slice to Samples.
type ByteSamples []uint8

func (s ByteSamples) Len() int                 { return len(s) }
func (s ByteSamples) Sample(i int) uint8       { return s[i] }
func (s ByteSamples) SetSample(i int, v uint8) { s[i] = v }

// WriteBits stores one bit in the LSB of each sample, starting at sample 0.
// Bit 0 clears the LSB and bit 1 sets it. The other seven bits are untouched.
func WriteBits(bits []byte, s Samples) error {
	if len(bits) > s.Len() {
		return fmt.Errorf("%w: need %d samples, have %d", ErrCapacityExceeded, len(bits), s.Len())
	}
	for i, bit := range bits {
		v := s.Sample(i)
		if bit&1 == 1 {
			v |= 1
		} else {
			v &^= 1
		}
		s.SetSample(i, v)
	}
	return nil
}

// ReadBits returns the LSBs of n samples starting at offset.
func ReadBits(s Samples, offset, n int) ([]byte, error) {
	if offset+n > s.Len() {
		return nil, fmt.Errorf("%w: need %d samples after offset %d, have %d",
			ErrInsufficientData, n, offset, s.Len()-offset)
	}
	bits := make([]byte, n)
	for i := range bits {
		bits[i] = s.Sample(offset+i) & 1
	}
	return bits, nil
}

// ReadHeader collects LSBs until a complete header is found and returns it
// together with the number of samples consumed.
//
// The terminator must sit exactly at bits 32-39. If it does not, scanning
// continues for up to HeaderSearchWindow more bits: a terminator found later
// means the header has the wrong length (ErrHeaderCorrupt); none at all
// yields ErrHeaderNotFound.
func ReadHeader(s Samples) (Header, int, error) {
	limit := HeaderBits + HeaderSearchWindow
	if s.Len() < limit {
		limit = s.Len()
	}
	if limit < HeaderBits {
		return Header{}, 0, fmt.Errorf("%w: cover holds only %d bits", ErrHeaderNotFound, s.Len())
	}

	bits := make([]byte, 0, HeaderBits)
	zeros := 0
	for i := 0; i < limit; i++ {
		bit := s.Sample(i) & 1
		if i < HeaderBits {
			bits = append(bits, bit)
		}
		if bit == 0 {
			zeros++
		} else {
			zeros = 0
		}
		n := i + 1
		if n < HeaderBits || zeros < TerminatorBits {
			continue
		}
		if n > HeaderBits {
			return Header{}, 0, fmt.Errorf("%w: terminator ends at bit %d, want %d", ErrHeaderCorrupt, n, HeaderBits)
		}
		h := Header{
			Width:  bitsToUint16(bits[:DimensionBits]),
			Height: bitsToUint16(bits[DimensionBits : 2*DimensionBits]),
		}
		if h.Width == 0 || h.Height == 0 {
			return Header{}, 0, fmt.Errorf("%w: zero dimension %dx%d", ErrHeaderCorrupt, h.Width, h.Height)
		}
		return h, HeaderBits, nil
	}
	return Header{}, 0, fmt.Errorf("%w: scanned %d bits", ErrHeaderNotFound, limit)
}
