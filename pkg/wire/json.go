package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

type jsonEncoder struct {
	w io.Writer
}

func (e *jsonEncoder) Encode(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: json: %v", ErrUnencodable, err)
	}
	_, err = e.w.Write(append(b, '\n'))
	return err
}

type jsonDecoder struct {
	r *bufio.Reader
}

func newJSONDecoder(r io.Reader) *jsonDecoder {
	return &jsonDecoder{r: bufio.NewReader(r)}
}

func (d *jsonDecoder) Decode() (map[string]any, error) {
	for {
		line, err := d.r.ReadBytes('\n')
		if err != nil {
			// Whatever is left without a terminating newline is a partial
			// frame and is dropped.
			if err == io.EOF && len(bytes.TrimSpace(line)) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var v any
		if err := json.Unmarshal(line, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: frame is %T, want object", ErrMalformed, v)
		}
		return m, nil
	}
}
