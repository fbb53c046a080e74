package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/pierrec/lz4/v4"

	"github.com/kjstillabower/radar-overlay-service/internal/models"
)

const keyPrefix = "overlay:"

// encode serializes an overlay as lz4-framed JSON. Point clouds compress well, which
// keeps large overlays under memcached's default 1MB item limit.
func encode(v models.OverlayResult) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode overlay: %w", err)
	}
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("compress overlay: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress overlay: %w", err)
	}
	return buf.Bytes(), nil
}

func decode(b []byte) (models.OverlayResult, error) {
	raw, err := io.ReadAll(lz4.NewReader(bytes.NewReader(b)))
	if err != nil {
		return models.OverlayResult{}, fmt.Errorf("decompress overlay: %w", err)
	}
	var v models.OverlayResult
	if err := json.Unmarshal(raw, &v); err != nil {
		return models.OverlayResult{}, fmt.Errorf("decode overlay: %w", err)
	}
	return v, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}
