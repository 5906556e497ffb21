// Package envelope wraps QR text together with a binding token so a reader
// can tell bound payloads from plain legacy ones.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/qrseal/qrseal-go/internal/binding"
	"github.com/qrseal/qrseal-go/internal/qrcap"
)

const (
	// Version is written into every envelope.
	Version = "2.0"
	// LegacyVersion is assumed for secure envelopes without a version.
	LegacyVersion = "1.0"

	typeSecure  = "secure"
	typeCompact = "s"
)

var (
	ErrEnvelopeTooLarge = errors.New("envelope exceeds QR capacity")
	ErrEmptyToken       = errors.New("binding token is empty")
)

// Secure is the full envelope form.
type Secure struct {
	Version   string `json:"version"`
	Type      string `json:"type"`
	Data      string `json:"data"`
	Binding   string `json:"binding"`
	CreatedAt int64  `json:"created_at"`
}

// Compact is the short form used when the full form does not fit. The data
// travels inside the signed token only.
type Compact struct {
	V string `json:"v"`
	T string `json:"t"`
	B string `json:"b"`
}

// Parsed is the result of Unwrap.
type Parsed struct {
	IsSecure  bool   `json:"is_secure"`
	Data      string `json:"original_data"`
	Token     string `json:"binding_token,omitempty"`
	Version   string `json:"version,omitempty"`
	CreatedAt int64  `json:"created_at,omitempty"`
	Compact   bool   `json:"compact"`
}

// IsUUIDBased reports whether the envelope is of the version that keys
// bindings by document UUID.
func (p Parsed) IsUUIDBased() bool { return p.IsSecure && p.Version == Version }

// Wrap renders the full envelope as compact JSON.
func Wrap(data, token string, now time.Time) (string, error) {
	if token == "" {
		return "", ErrEmptyToken
	}
	b, err := json.Marshal(Secure{
		Version:   Version,
		Type:      typeSecure,
		Data:      data,
		Binding:   token,
		CreatedAt: now.Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(b), nil
}

// WrapCompact renders the compact envelope.
func WrapCompact(token string) (string, error) {
	if token == "" {
		return "", ErrEmptyToken
	}
	b, err := json.Marshal(Compact{V: Version, T: typeCompact, B: token})
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(b), nil
}

// Unwrap classifies s by its type marker. Anything that is not a JSON
// object marked as a secure envelope is legacy plaintext and is returned
// unchanged in Data. Fields of a marked envelope that have the wrong JSON
// type decode leniently and do not demote it to legacy.
func Unwrap(s string) Parsed {
	legacy := Parsed{Data: s}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &fields); err != nil || fields == nil {
		return legacy
	}
	switch {
	case stringField(fields, "type") == typeSecure:
		v := stringField(fields, "version")
		if v == "" {
			v = LegacyVersion
		}
		return Parsed{
			IsSecure:  true,
			Data:      textField(fields, "data"),
			Token:     stringField(fields, "binding"),
			Version:   v,
			CreatedAt: intField(fields, "created_at"),
		}
	case stringField(fields, "t") == typeCompact && stringField(fields, "b") != "":
		token := stringField(fields, "b")
		out := Parsed{IsSecure: true, Token: token, Version: stringField(fields, "v"), Compact: true}
		if out.Version == "" {
			out.Version = Version
		}
		if payload, err := binding.PeekPayload(token); err == nil {
			out.Data = payload.QRData
			out.CreatedAt = payload.IssuedAt
		}
		return out
	}
	return legacy
}

// stringField returns fields[name] when it is a JSON string, else "".
func stringField(fields map[string]json.RawMessage, name string) string {
	var v string
	if raw, ok := fields[name]; ok {
		_ = json.Unmarshal(raw, &v)
	}
	return v
}

// textField returns a string field as is and any other JSON value as its
// compact JSON text. A missing or null field is "".
func textField(fields map[string]json.RawMessage, name string) string {
	raw, ok := fields[name]
	if !ok || string(raw) == "null" {
		return ""
	}
	var v string
	if err := json.Unmarshal(raw, &v); err == nil {
		return v
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// intField returns fields[name] truncated to an integer when it is a JSON
// number, else 0.
func intField(fields map[string]json.RawMessage, name string) int64 {
	var v float64
	if raw, ok := fields[name]; ok {
		_ = json.Unmarshal(raw, &v)
	}
	return int64(v)
}

// Packer picks the envelope form that fits in a QR symbol.
type Packer struct {
	Capacity int
	Now      func() time.Time
}

// NewPacker returns a Packer with the given byte capacity; a non-positive
// value selects the version 40 level M limit.
func NewPacker(capacity int) *Packer {
	if capacity <= 0 {
		capacity = qrcap.MaxByteCapacity[qrcap.M]
	}
	return &Packer{Capacity: capacity, Now: time.Now}
}

// Pack returns the full envelope when it fits, else the compact one.
// compact reports which form was chosen.
func (p *Packer) Pack(data, token string) (s string, compact bool, err error) {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	full, err := Wrap(data, token, now())
	if err != nil {
		return "", false, err
	}
	if len(full) <= p.Capacity {
		return full, false, nil
	}
	short, err := WrapCompact(token)
	if err != nil {
		return "", false, err
	}
	if len(short) > p.Capacity {
		return "", false, fmt.Errorf("%w: %d bytes, capacity %d", ErrEnvelopeTooLarge, len(short), p.Capacity)
	}
	return short, true, nil
}
