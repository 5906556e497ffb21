package stego

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // cover input
	_ "image/jpeg" // cover input
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/bmp" // lossless cover and stego input

	"github.com/qrseal/qrseal-go/internal/fsutil"
)

// losslessFormats can carry LSB data without loss.
var losslessFormats = map[string]bool{
	"png": true,
	"bmp": true,
}

// IsLossless reports whether the named image format preserves exact sample values.
func IsLossless(format string) bool {
	return losslessFormats[format]
}

// DecodeImage decodes any registered image format and reports its name.
func DecodeImage(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	return img, format, nil
}

// DecodeStego decodes an image that is expected to carry a payload. Lossy
// formats are rejected because their LSBs are meaningless.
func DecodeStego(r io.Reader) (image.Image, error) {
	img, format, err := DecodeImage(r)
	if err != nil {
		return nil, err
	}
	if !IsLossless(format) {
		return nil, fmt.Errorf("%w: %s cannot carry LSB data", ErrUnsupportedImage, format)
	}
	return img, nil
}

// EncodePNG writes img as PNG.
func EncodePNG(w io.Writer, img image.Image) error {
	enc := png.Encoder{CompressionLevel: png.DefaultCompression}
	if err := enc.Encode(w, img); err != nil {
		return fmt.Errorf("encode png: %w", err)
	}
	return nil
}

// PNGBytes encodes img as PNG into memory.
func PNGBytes(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodePNG(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func openImage(path string) (image.Image, string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, "", fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return DecodeImage(f)
}

func writePNGFile(path string, img image.Image) error {
	if !strings.EqualFold(filepath.Ext(path), ".png") {
		return fmt.Errorf("%w: %s", ErrLossyOutput, path)
	}
	data, err := PNGBytes(img)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, data, 0o644)
}

// EmbedFile embeds the black/white image at payloadPath into the cover at
// coverPath and writes the stego image to outPath, which must end in .png.
func EmbedFile(coverPath, payloadPath, outPath string, opts EmbedOptions) (EmbedReport, error) {
	if !strings.EqualFold(filepath.Ext(outPath), ".png") {
		return EmbedReport{}, fmt.Errorf("%w: %s", ErrLossyOutput, outPath)
	}
	cover, _, err := openImage(coverPath)
	if err != nil {
		return EmbedReport{}, err
	}
	payloadImg, _, err := openImage(payloadPath)
	if err != nil {
		return EmbedReport{}, err
	}
	out, report, err := Embed(cover, BitmapFromImage(payloadImg), opts)
	if err != nil {
		return report, err
	}
	return report, writePNGFile(outPath, out)
}

// ExtractFile recovers the payload from the stego image at stegoPath and
// writes it as a black/white PNG. A non-.png outPath gets its extension
// replaced.
func ExtractFile(stegoPath, outPath string) (Bitmap, error) {
	img, format, err := openImage(stegoPath)
	if err != nil {
		return Bitmap{}, err
	}
	if !IsLossless(format) {
		return Bitmap{}, fmt.Errorf("%w: %s cannot carry LSB data", ErrUnsupportedImage, format)
	}
	bm, err := Extract(img)
	if err != nil {
		return Bitmap{}, err
	}
	if !strings.EqualFold(filepath.Ext(outPath), ".png") {
		outPath = strings.TrimSuffix(outPath, filepath.Ext(outPath)) + ".png"
	}
	return bm, writePNGFile(outPath, bm.Gray())
}
