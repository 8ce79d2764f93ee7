package protocol

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidEarlyData is returned for a malformed early-data field.
var ErrInvalidEarlyData = errors.New("invalid early data")

var earlyDataReplacer = strings.NewReplacer("+", "-", "/", "_")

// DecodeEarlyData decodes the URL-safe base64 preamble a client places in the
// handshake. Padding is optional and standard-alphabet input is tolerated.
// An empty field yields nil data and no error.
func DecodeEarlyData(field string) ([]byte, error) {
	field = strings.TrimSpace(field)
	if field == "" {
		return nil, nil
	}

	normalized := strings.TrimRight(earlyDataReplacer.Replace(field), "=")
	data, err := base64.RawURLEncoding.DecodeString(normalized)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEarlyData, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}
