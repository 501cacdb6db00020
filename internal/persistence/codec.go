package persistence

import (
	"bytes"
	"encoding/gob"
	"time"
)

// EncodeValue serializes a value using encoding/gob. Callers must ensure
// that values are gob-encodable.
func EncodeValue[T any](v T) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeValue decodes a payload produced by EncodeValue.
func DecodeValue[T any](data []byte) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v)
	return v, err
}

// decodePtr decodes into a freshly allocated T.
func decodePtr[T any](data []byte) (*T, error) {
	v, err := DecodeValue[T](data)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// unixNano stores times as integers; the zero time maps to 0.
func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
