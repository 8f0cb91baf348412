package wire

import (
	"fmt"
	"io"
	"mime"
	"strings"
)

// Format selects the frame encoding of a connection.
type Format string

const (
	FormatJSON Format = "json"
	FormatCBOR Format = "cbor"
)

// Content types announced on the request and echoed on the response.
const (
	ContentTypeJSON = "application/x-ndjson"
	ContentTypeCBOR = "application/cbor"
)

// ParseFormat maps a config value to a Format. Empty means FormatJSON.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json", "ndjson":
		return FormatJSON, nil
	case "cbor":
		return FormatCBOR, nil
	}
	return "", fmt.Errorf("wire: unknown frame format %q", s)
}

// ContentType returns the MIME type announced for f.
func (f Format) ContentType() string {
	if f == FormatCBOR {
		return ContentTypeCBOR
	}
	return ContentTypeJSON
}

// FormatFromContentType is the collector-side inverse of ContentType.
// application/json is accepted as a legacy alias of the NDJSON format.
func FormatFromContentType(ct string) (Format, error) {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return "", fmt.Errorf("wire: content type %q: %w", ct, err)
	}
	switch mt {
	case ContentTypeJSON, "application/json":
		return FormatJSON, nil
	case ContentTypeCBOR:
		return FormatCBOR, nil
	}
	return "", fmt.Errorf("wire: unsupported content type %q", mt)
}

// Encoder writes one frame per Encode call. Each frame reaches the
// underlying writer in a single Write so that a frame is never interleaved
// with another, whatever chunk boundaries the transport later applies.
type Encoder interface {
	Encode(v any) error
}

// Decoder returns one fully reconstructed frame per Decode call.
type Decoder interface {
	Decode() (map[string]any, error)
}

// NewEncoder returns an Encoder for f writing to w.
func NewEncoder(w io.Writer, f Format) Encoder {
	if f == FormatCBOR {
		return &cborEncoder{w: w}
	}
	return &jsonEncoder{w: w}
}

// NewDecoder returns a Decoder for f reading from r. JSON lines grow the
// buffer without bound; CBOR frames are capped at MaxCBORFrame.
func NewDecoder(r io.Reader, f Format) Decoder {
	if f == FormatCBOR {
		return newCBORDecoder(r)
	}
	return newJSONDecoder(r)
}
