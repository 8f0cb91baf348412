package wire

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/multiformats/go-varint"
)

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}
	// Frames are decoded into any; without DefaultMapType nested maps would
	// come back as map[interface{}]interface{}.
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

// MaxCBORFrame caps the length prefix accepted by the CBOR decoder. Longer
// claims are malformed, not read.
const MaxCBORFrame = 64 << 20

type cborEncoder struct {
	w io.Writer
}

func (e *cborEncoder) Encode(v any) error {
	b, err := cborEnc.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: cbor: %v", ErrUnencodable, err)
	}
	frame := append(varint.ToUvarint(uint64(len(b))), b...)
	_, err = e.w.Write(frame)
	return err
}

type cborDecoder struct {
	r *bufio.Reader
}

func newCBORDecoder(r io.Reader) *cborDecoder {
	return &cborDecoder{r: bufio.NewReader(r)}
}

func (d *cborDecoder) Decode() (map[string]any, error) {
	n, err := varint.ReadUvarint(d.r)
	if err != nil {
		if errors.Is(err, varint.ErrOverflow) || errors.Is(err, varint.ErrNotMinimal) {
			return nil, fmt.Errorf("%w: length prefix: %v", ErrMalformed, err)
		}
		return nil, err
	}
	if n > MaxCBORFrame {
		return nil, fmt.Errorf("%w: frame length %d exceeds %d", ErrMalformed, n, MaxCBORFrame)
	}
	// Grown as bytes arrive so a short stream never costs the claimed size.
	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, d.r, int64(n)); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	var v any
	if err := cborDec.Unmarshal(buf.Bytes(), &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: frame is %T, want map", ErrMalformed, v)
	}
	return m, nil
}
