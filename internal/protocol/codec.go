package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/tinylib/msgp/msgp"
)

// Format is the wire encoding of an envelope.
type Format int

const (
	FormatJSON Format = iota
	FormatMsgPack
)

func (f Format) String() string {
	if f == FormatMsgPack {
		return "msgpack"
	}
	return "json"
}

// DecodeEnvelope parses data in the given format. MessagePack envelopes carry
// the same keys as the JSON form.
func DecodeEnvelope(format Format, data []byte) (Envelope, error) {
	var env Envelope
	if format == FormatMsgPack {
		v, err := msgp.NewReader(bytes.NewReader(data)).ReadIntf()
		if err != nil {
			return env, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		if err := jsonShaped(v, "envelope"); err != nil {
			return env, err
		}
		if data, err = json.Marshal(v); err != nil {
			return env, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if env.Type == "" {
		return env, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return env, nil
}

// jsonShaped rejects MessagePack values with no JSON counterpart, such as bin
// or extension types, instead of letting them turn into base64 or objects.
func jsonShaped(v any, path string) error {
	switch t := v.(type) {
	case nil, bool, string, float32, float64,
		int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return nil
	case map[string]any:
		for k, item := range t {
			if err := jsonShaped(item, path+"."+k); err != nil {
				return err
			}
		}
		return nil
	case []any:
		for i, item := range t {
			if err := jsonShaped(item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: %s has unsupported msgpack type %T", ErrMalformed, path, v)
	}
}

// Encode serializes a reply in the given format.
func Encode(format Format, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil || format == FormatJSON {
		return data, err
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	return msgp.AppendIntf(nil, integral(generic))
}

// integral turns whole JSON numbers back into integers so MessagePack peers
// see ints where the JSON form had them.
func integral(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			t[k] = integral(item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = integral(item)
		}
		return t
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return int64(t)
		}
		return t
	default:
		return v
	}
}
