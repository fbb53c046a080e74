package volume

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/gzip"
)

// IsGzip reports whether data starts with the gzip magic bytes 0x1F 0x8B.
func IsGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}

// Decompress inflates gzip payloads and passes anything else through unchanged.
func Decompress(data []byte) ([]byte, error) {
	if !IsGzip(data) {
		return data, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Op: "gzip", Err: err}
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, &DecodeError{Op: "gzip", Err: err}
	}
	return out, nil
}
