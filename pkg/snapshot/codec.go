package snapshot

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"
)

const (
	flagPlain  byte = 0
	flagSnappy byte = 1
)

// Encode serializes s as JSON behind a one byte header telling whether the
// body is snappy compressed.
func Encode(s Snapshot, compress bool) ([]byte, error) {
	body, err := json.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(err, "snapshot: encode")
	}
	if !compress {
		return append([]byte{flagPlain}, body...), nil
	}
	out := make([]byte, 1, 1+snappy.MaxEncodedLen(len(body)))
	out[0] = flagSnappy
	return append(out, snappy.Encode(nil, body)...), nil
}

// Decode reverses Encode.
func Decode(b []byte) (Snapshot, error) {
	if len(b) == 0 {
		return Snapshot{}, errors.Wrap(ErrCorrupt, "empty payload")
	}
	body := b[1:]
	switch b[0] {
	case flagPlain:
	case flagSnappy:
		var err error
		if body, err = snappy.Decode(nil, body); err != nil {
			return Snapshot{}, errors.Wrapf(ErrCorrupt, "snappy: %v", err)
		}
	default:
		return Snapshot{}, errors.Wrapf(ErrCorrupt, "unknown header %#x", b[0])
	}
	var s Snapshot
	if err := json.Unmarshal(body, &s); err != nil {
		return Snapshot{}, errors.Wrapf(ErrCorrupt, "json: %v", err)
	}
	return s, nil
}
