package codec

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/TicketsBot/gatewaysharder/gateway/payloads"
	"github.com/TicketsBot/gatewaysharder/ws"
	jsoniter "github.com/json-iterator/go"
	"github.com/tatsuworks/czlib"
)

// Codec converts between socket frames and gateway payloads.
type Codec interface {
	// Name is the value of the encoding query parameter
	Name() string
	Encode(p *payloads.Payload) (ws.Message, error)
	Decode(frame ws.Frame) (*payloads.Payload, error)
}

// DecodeError is returned for frames that could not be turned into a payload.
type DecodeError struct {
	Codec string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: failed to decode frame: %v", e.Codec, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ByName returns the codec registered for an encoding name.
func ByName(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return NewJSON(), nil
	case "etf":
		return NewETF(), nil
	default:
		return nil, fmt.Errorf("unknown gateway encoding %q", name)
	}
}

// GatewayURL appends the protocol version and encoding to a gateway base url.
func GatewayURL(base string, version int, codec Codec) string {
	if u, err := url.Parse(base); err == nil && u.Path == "" && u.RawQuery == "" {
		base += "/"
	}

	separator := "?"
	if strings.Contains(base, "?") {
		separator = "&"
	}

	return fmt.Sprintf("%s%sv=%d&encoding=%s", base, separator, version, codec.Name())
}

// inflate undoes the zlib payload compression requested with IDENTIFY compress=true.
func inflate(codec string, data []byte) ([]byte, error) {
	decompressed, err := czlib.Decompress(data)
	if err != nil {
		return nil, &DecodeError{Codec: codec, Err: err}
	}

	return decompressed, nil
}

// toGeneric converts arbitrary outgoing data (structs, typed slices) into the generic
// form both codecs decode to.
func toGeneric(v interface{}) (interface{}, error) {
	switch v.(type) {
	case nil, string, bool, int64, float64:
		return v, nil
	}

	encoded, err := jsonNumbers.Marshal(v)
	if err != nil {
		return nil, err
	}

	var generic interface{}
	if err := jsonNumbers.Unmarshal(encoded, &generic); err != nil {
		return nil, err
	}

	return normalize(generic)
}

type number interface {
	Int64() (int64, error)
	Float64() (float64, error)
}

var jsonNumbers = jsoniter.Config{
	EscapeHTML:             false,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	UseNumber:              true,
}.Froze()

// normalize rewrites decoded json numbers to int64 when integral, float64 otherwise.
func normalize(v interface{}) (interface{}, error) {
	switch value := v.(type) {
	case map[string]interface{}:
		for key, item := range value {
			normalized, err := normalize(item)
			if err != nil {
				return nil, err
			}
			value[key] = normalized
		}
		return value, nil
	case []interface{}:
		for i, item := range value {
			normalized, err := normalize(item)
			if err != nil {
				return nil, err
			}
			value[i] = normalized
		}
		return value, nil
	case number:
		if i, err := value.Int64(); err == nil {
			return i, nil
		}

		return value.Float64()
	default:
		return v, nil
	}
}
