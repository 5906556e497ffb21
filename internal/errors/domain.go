package errors

import (
	"context"
	stderrors "errors"

	"github.com/qrseal/qrseal-go/internal/binding"
	"github.com/qrseal/qrseal-go/internal/envelope"
	"github.com/qrseal/qrseal-go/internal/fingerprint"
	"github.com/qrseal/qrseal-go/internal/qrcodec"
	"github.com/qrseal/qrseal-go/internal/schema"
	"github.com/qrseal/qrseal-go/internal/stego"
	"github.com/qrseal/qrseal-go/internal/storage"
)

var domainCodes = []struct {
	err  error
	code ErrorCode
}{
	{stego.ErrCapacityExceeded, QRS_CAPACITY_EXCEEDED},
	{stego.ErrHeaderNotFound, QRS_HEADER_NOT_FOUND},
	{stego.ErrHeaderCorrupt, QRS_HEADER_NOT_FOUND},
	{stego.ErrInsufficientData, QRS_INSUFFICIENT_DATA},
	{stego.ErrInvalidBitmap, QRS_QR_DECODE},
	{stego.ErrFileNotFound, QRS_FILE_NOT_FOUND},
	{stego.ErrLossyOutput, QRS_IMAGE_FORMAT},
	{stego.ErrUnsupportedImage, QRS_IMAGE_FORMAT},
	{stego.ErrSizeMismatch, QRS_VALIDATION},
	{fingerprint.ErrDocumentTooLarge, QRS_DOCUMENT_TOO_LARGE},
	{fingerprint.ErrDocumentNotFound, QRS_FILE_NOT_FOUND},
	{binding.ErrMalformedToken, QRS_TOKEN_MALFORMED},
	{binding.ErrInvalidExpiry, QRS_VALIDATION},
	{envelope.ErrEnvelopeTooLarge, QRS_ENVELOPE_TOO_LARGE},
	{envelope.ErrEmptyToken, QRS_VALIDATION},
	{qrcodec.ErrDecode, QRS_QR_DECODE},
	{qrcodec.ErrEmptyText, QRS_VALIDATION},
	{storage.ErrNotFound, QRS_NOT_FOUND},
	{storage.ErrConflict, QRS_CONFLICT},
	{storage.ErrInvalidID, QRS_VALIDATION},
	{storage.ErrInvalidCursor, QRS_VALIDATION},
	{schema.ErrInvalid, QRS_SCHEMA_REJECT},
	{context.DeadlineExceeded, QRS_UNAVAILABLE},
}

// FromDomain converts an error returned by a domain package into an *Error.
// An *Error in the chain is returned as is. Unknown errors become
// QRS_INTERNAL with a generic message so internals do not leak.
func FromDomain(err error, correlationID string) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.WithCorrelationID(correlationID)
	}
	for _, dc := range domainCodes {
		if stderrors.Is(err, dc.err) {
			return New(dc.code, err.Error(), correlationID)
		}
	}
	return New(QRS_INTERNAL, "internal error", correlationID)
}
