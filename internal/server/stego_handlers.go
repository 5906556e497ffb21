package server

import (
	"bytes"
	"image"
	"net/http"
	"strconv"

	errordefs "github.com/qrseal/qrseal-go/internal/errors"
	"github.com/qrseal/qrseal-go/internal/service"
	"github.com/qrseal/qrseal-go/internal/stego"
)

// formBool reads a boolean form or query value; anything unparsable is false.
func formBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.FormValue(key))
	return b
}

// hasFile reports whether the parsed multipart form carries field.
func hasFile(r *http.Request, field string) bool {
	return r.MultipartForm != nil && len(r.MultipartForm.File[field]) > 0
}

// coverImage decodes an uploaded image in any supported format.
func (m *Mux) coverImage(w http.ResponseWriter, r *http.Request, field string) (image.Image, bool) {
	b, ok := m.readAll(w, r, field)
	if !ok {
		return nil, false
	}
	img, _, err := stego.DecodeImage(bytes.NewReader(b))
	if err != nil {
		m.fail(w, r, err)
		return nil, false
	}
	return img, true
}

// stegoImage decodes an uploaded image that must be lossless.
func (m *Mux) stegoImage(w http.ResponseWriter, r *http.Request, field string) (image.Image, bool) {
	b, ok := m.readAll(w, r, field)
	if !ok {
		return nil, false
	}
	img, err := stego.DecodeStego(bytes.NewReader(b))
	if err != nil {
		m.fail(w, r, err)
		return nil, false
	}
	return img, true
}

// handleEmbed handles POST /v1/stego/embed. A document field binds the QR
// code to that document. The stego PNG is returned directly unless
// store=true, which uploads it and returns JSON with a download URL.
func (m *Mux) handleEmbed(w http.ResponseWriter, r *http.Request) {
	if !m.parseMultipart(w, r) {
		return
	}
	req, ok := m.bindingForm(w, r)
	if !ok {
		return
	}
	cover, ok := m.coverImage(w, r, "cover")
	if !ok {
		return
	}
	opts := service.EmbedOptions{Resize: formBool(r, "resize"), Upload: formBool(r, "store")}

	var (
		out *service.Embedded
		err error
	)
	if hasFile(r, "document") {
		doc, closeDoc, ok := m.document(w, r, "document")
		if !ok {
			return
		}
		defer closeDoc()
		out, err = m.svc.EmbedBound(r.Context(), cover, doc, req.Data, req.ExpiryHours, opts)
	} else {
		out, err = m.svc.EmbedLegacy(r.Context(), cover, req.Data, opts)
	}
	if err != nil {
		m.fail(w, r, err)
		return
	}

	if opts.Upload {
		m.writeSuccess(w, http.StatusCreated, out)
		return
	}
	if out.DocumentID != "" {
		w.Header().Set("X-Document-Id", out.DocumentID)
		w.Header().Set("X-Binding-Compact", strconv.FormatBool(out.Compact))
	}
	w.Header().Set("X-Payload-Resized", strconv.FormatBool(out.Report.Resized))
	m.writePNG(w, out.PNG)
}

// handleExtract handles POST /v1/stego/extract. The hidden QR code is
// returned as a PNG, or decoded to text with decode=true.
func (m *Mux) handleExtract(w http.ResponseWriter, r *http.Request) {
	if !m.parseMultipart(w, r) {
		return
	}
	img, ok := m.stegoImage(w, r, "stego")
	if !ok {
		return
	}

	if formBool(r, "decode") {
		ex, err := m.svc.ExtractQR(r.Context(), img)
		if err != nil {
			m.fail(w, r, err)
			return
		}
		m.writeSuccess(w, http.StatusOK, map[string]interface{}{
			"qr_text":       ex.Text,
			"width":         ex.Bitmap.Width,
			"height":        ex.Bitmap.Height,
			"security_info": m.svc.SecurityInfo(r.Context(), ex.Text),
		})
		return
	}

	bm, err := stego.Extract(img)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	png, err := stego.PNGBytes(bm.Gray())
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writePNG(w, png)
}

// handleVerifyStego handles POST /v1/stego/verify
func (m *Mux) handleVerifyStego(w http.ResponseWriter, r *http.Request) {
	if !m.parseMultipart(w, r) {
		return
	}
	img, ok := m.stegoImage(w, r, "stego")
	if !ok {
		return
	}
	doc, closeDoc, ok := m.document(w, r, "document")
	if !ok {
		return
	}
	defer closeDoc()

	v, err := m.svc.VerifyStego(r.Context(), img, doc)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, verificationResponse(v))
}

// handleAnalyze handles POST /v1/stego/analyze
func (m *Mux) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if !m.parseMultipart(w, r) {
		return
	}
	b, ok := m.readAll(w, r, "cover")
	if !ok {
		return
	}
	a, cached, err := m.svc.AnalyzeCover(r.Context(), b)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"analysis": a,
		"cached":   cached,
	})
}

// handleCompatibility handles POST /v1/stego/compatibility. The payload is
// either an uploaded QR image or text in the data field.
func (m *Mux) handleCompatibility(w http.ResponseWriter, r *http.Request) {
	if !m.parseMultipart(w, r) {
		return
	}
	cover, ok := m.coverImage(w, r, "cover")
	if !ok {
		return
	}

	if hasFile(r, "payload") {
		payload, ok := m.coverImage(w, r, "payload")
		if !ok {
			return
		}
		m.writeSuccess(w, http.StatusOK, stego.CheckCompatibility(cover, stego.BitmapFromImage(payload)))
		return
	}

	data := r.FormValue("data")
	if data == "" {
		m.fail(w, r, errordefs.NewWithDetails(errordefs.QRS_VALIDATION, "request validation failed", "",
			map[string]string{"payload": "a payload image or data is required"}))
		return
	}
	c, err := m.svc.CheckCompatibility(r.Context(), cover, data)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, c)
}

// handleQualityMetrics handles POST /v1/stego/metrics
func (m *Mux) handleQualityMetrics(w http.ResponseWriter, r *http.Request) {
	if !m.parseMultipart(w, r) {
		return
	}
	original, ok := m.coverImage(w, r, "original")
	if !ok {
		return
	}
	img, ok := m.stegoImage(w, r, "stego")
	if !ok {
		return
	}
	q, err := stego.Measure(original, img)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, q)
}
