package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	errordefs "github.com/qrseal/qrseal-go/internal/errors"
	"github.com/qrseal/qrseal-go/internal/event"
	"github.com/qrseal/qrseal-go/internal/model"
	"github.com/qrseal/qrseal-go/internal/service"
	"github.com/qrseal/qrseal-go/internal/stego"
)

var validate = validator.New()

// bindingRequest carries the fields shared by the binding endpoints.
type bindingRequest struct {
	Data        string `json:"data" validate:"required,max=2048"`
	ExpiryHours *int   `json:"expiry_hours" validate:"omitempty,min=0,max=8760"`
}

type generateRequest struct {
	Data         string `json:"data" validate:"required,max=2048"`
	BindingToken string `json:"binding_token" validate:"required"`
}

type inspectRequest struct {
	QRData string `json:"qr_data" validate:"required"`
}

// validationError converts validator failures to a QRS_VALIDATION error.
func validationError(err error, correlationID string) *errordefs.Error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errordefs.New(errordefs.QRS_VALIDATION, err.Error(), correlationID)
	}
	details := make(map[string]string, len(verrs))
	for _, e := range verrs {
		switch e.Tag() {
		case "required":
			details[e.Field()] = "this field is required"
		case "max":
			details[e.Field()] = "must be at most " + e.Param()
		case "min":
			details[e.Field()] = "must be at least " + e.Param()
		default:
			details[e.Field()] = "invalid value"
		}
	}
	return errordefs.NewWithDetails(errordefs.QRS_VALIDATION, "request validation failed", correlationID, details)
}

// check validates v and writes the error response when it fails.
func (m *Mux) check(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := validate.Struct(v); err != nil {
		if rec, ok := w.(*statusRecorder); ok {
			rec.err = err
		}
		m.writeErrorDef(w, validationError(err, event.CorrelationID(r.Context())))
		return false
	}
	return true
}

// badRequest writes a QRS_BAD_REQUEST error.
func (m *Mux) badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	m.fail(w, r, errordefs.New(errordefs.QRS_BAD_REQUEST, msg, ""))
}

// parseMultipart limits the body and parses a multipart form.
func (m *Mux) parseMultipart(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, m.maxUpload)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			m.fail(w, r, errordefs.New(errordefs.QRS_DOCUMENT_TOO_LARGE,
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit), ""))
			return false
		}
		m.badRequest(w, r, "expected multipart/form-data body")
		return false
	}
	return true
}

// decodeJSON limits the body and decodes it into v.
func (m *Mux) decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, m.maxUpload)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		m.fail(w, r, errordefs.New(errordefs.QRS_VALIDATION, "invalid JSON", ""))
		return false
	}
	return true
}

// formFile opens a required multipart file field.
func (m *Mux) formFile(w http.ResponseWriter, r *http.Request, field string) (multipart.File, *multipart.FileHeader, bool) {
	f, hdr, err := r.FormFile(field)
	if err != nil {
		m.fail(w, r, errordefs.NewWithDetails(errordefs.QRS_VALIDATION,
			"missing file field", "", map[string]string{field: "this field is required"}))
		return nil, nil, false
	}
	return f, hdr, true
}

// document opens a required document upload.
func (m *Mux) document(w http.ResponseWriter, r *http.Request, field string) (service.Document, func(), bool) {
	f, hdr, ok := m.formFile(w, r, field)
	if !ok {
		return service.Document{}, nil, false
	}
	return service.Document{Name: hdr.Filename, Reader: f}, func() { f.Close() }, true
}

// bindingForm reads data and expiry_hours from a multipart form.
func (m *Mux) bindingForm(w http.ResponseWriter, r *http.Request) (bindingRequest, bool) {
	req := bindingRequest{Data: r.FormValue("data")}
	if v := r.FormValue("expiry_hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			m.fail(w, r, errordefs.NewWithDetails(errordefs.QRS_VALIDATION, "request validation failed", "",
				map[string]string{"ExpiryHours": "must be an integer"}))
			return req, false
		}
		req.ExpiryHours = &n
	}
	return req, m.check(w, r, req)
}

// handleFingerprint handles POST /v1/documents/fingerprint
func (m *Mux) handleFingerprint(w http.ResponseWriter, r *http.Request) {
	if !m.parseMultipart(w, r) {
		return
	}
	doc, closeDoc, ok := m.document(w, r, "document")
	if !ok {
		return
	}
	defer closeDoc()

	fp, err := m.svc.Fingerprint(r.Context(), doc)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, fp)
}

// handleIssueBinding handles POST /v1/bindings
func (m *Mux) handleIssueBinding(w http.ResponseWriter, r *http.Request) {
	if !m.parseMultipart(w, r) {
		return
	}
	req, ok := m.bindingForm(w, r)
	if !ok {
		return
	}
	doc, closeDoc, ok := m.document(w, r, "document")
	if !ok {
		return
	}
	defer closeDoc()

	issued, err := m.svc.IssueBinding(r.Context(), doc, req.Data, req.ExpiryHours)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusCreated, issued)
}

// handlePreRegister handles POST /v1/bindings/preregister
func (m *Mux) handlePreRegister(w http.ResponseWriter, r *http.Request) {
	if !m.parseMultipart(w, r) {
		return
	}
	req, ok := m.bindingForm(w, r)
	if !ok {
		return
	}
	doc, closeDoc, ok := m.document(w, r, "document")
	if !ok {
		return
	}
	defer closeDoc()

	reg, err := m.svc.PreRegister(r.Context(), doc, req.Data, req.ExpiryHours)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusCreated, map[string]interface{}{
		"registration_id": reg.DocumentID,
		"document_uuid":   reg.DocumentID,
		"binding_token":   reg.Token,
		"document_info":   reg.Document,
		"expires_at":      reg.ExpiresAt,
		"instructions":    "Generate the QR code with this binding token, then place it in the document.",
	})
}

// handleGenerateQR handles POST /v1/bindings/qr. With ?format=png the QR
// image is returned directly.
func (m *Mux) handleGenerateQR(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if !m.decodeJSON(w, r, &req) || !m.check(w, r, req) {
		return
	}
	gen, err := m.svc.GenerateQR(r.Context(), req.Data, req.BindingToken)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	png, err := stego.PNGBytes(gen.Bitmap.Gray())
	if err != nil {
		m.fail(w, r, err)
		return
	}
	if r.URL.Query().Get("format") == "png" {
		w.Header().Set("X-Binding-Compact", strconv.FormatBool(gen.Compact))
		m.writePNG(w, png)
		return
	}
	m.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"secure_qr_data":   gen.Envelope,
		"compact_envelope": gen.Compact,
		"qr_analysis":      gen.QR,
		"qr_png":           base64.StdEncoding.EncodeToString(png),
		"security_info": map[string]interface{}{
			"is_secure":               true,
			"original_data":           req.Data,
			"uses_pregenerated_token": true,
			"secure_data_length":      len(gen.Envelope),
			"version":                 "2.0",
		},
	})
}

// handleGetBinding handles GET /v1/bindings/{id}
func (m *Mux) handleGetBinding(w http.ResponseWriter, r *http.Request) {
	rec, err := m.svc.GetBinding(r.Context(), r.PathValue("id"))
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, rec)
}

// handleListBindings handles GET /v1/bindings/list
func (m *Mux) handleListBindings(w http.ResponseWriter, r *http.Request) {
	q := model.ListBindingsQuery{
		Status: model.BindingStatus(r.URL.Query().Get("status")),
		Cursor: r.URL.Query().Get("cursor"),
	}
	switch q.Status {
	case "", model.StatusActive, model.StatusPreRegistered:
	default:
		m.fail(w, r, errordefs.New(errordefs.QRS_VALIDATION, "status must be active or pre_registered", ""))
		return
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			m.fail(w, r, errordefs.New(errordefs.QRS_VALIDATION, "limit must be an integer", ""))
			return
		}
		q.Limit = n
	}

	res, err := m.svc.ListBindings(r.Context(), q)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, res)
}

// handleVerifyBinding handles POST /v1/bindings/verify
func (m *Mux) handleVerifyBinding(w http.ResponseWriter, r *http.Request) {
	if !m.parseMultipart(w, r) {
		return
	}
	qrData := r.FormValue("qr_data")
	if !m.check(w, r, inspectRequest{QRData: qrData}) {
		return
	}
	doc, closeDoc, ok := m.document(w, r, "document")
	if !ok {
		return
	}
	defer closeDoc()

	v, err := m.svc.VerifyText(r.Context(), qrData, doc)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, verificationResponse(v))
}

// handleInspect handles POST /v1/bindings/inspect
func (m *Mux) handleInspect(w http.ResponseWriter, r *http.Request) {
	var req inspectRequest
	if !m.decodeJSON(w, r, &req) || !m.check(w, r, req) {
		return
	}
	m.writeSuccess(w, http.StatusOK, m.svc.SecurityInfo(r.Context(), req.QRData))
}

// verificationResponse shapes a Verification for clients.
func verificationResponse(v *service.Verification) map[string]interface{} {
	out := map[string]interface{}{
		"valid":         v.Valid,
		"is_secure":     v.IsSecure,
		"original_data": v.Data,
		"message":       v.Message,
	}
	switch {
	case !v.IsSecure:
		out["is_legacy"] = true
		out["binding_verified"] = false
		out["security_level"] = "none"
	case v.Valid:
		out["binding_verified"] = true
		out["security_level"] = "secure"
		out["verification"] = v.Result
	default:
		out["binding_verified"] = false
		out["security_level"] = "compromised"
		out["error_type"] = "BINDING_MISMATCH"
		out["reason"] = v.Result.Reason
		out["verification"] = v.Result
	}
	return out
}

// readAll reads a multipart file field into memory.
func (m *Mux) readAll(w http.ResponseWriter, r *http.Request, field string) ([]byte, bool) {
	f, _, ok := m.formFile(w, r, field)
	if !ok {
		return nil, false
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		m.fail(w, r, err)
		return nil, false
	}
	return b, true
}
