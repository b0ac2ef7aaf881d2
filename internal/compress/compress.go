// Package compress wraps document payloads in tagged envelopes, routing
// them through a pluggable provider once they exceed a size threshold.
package compress

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"

	"github.com/graphroom/relay/internal/protocol"
)

// MethodLZ4 tags envelopes coded in the LZ4 frame format.
const MethodLZ4 = "lz4"

// Provider is a pluggable compression capability.
type Provider interface {
	Method() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// None passes payloads through untouched.
type None struct{}

func (None) Method() string                         { return protocol.MethodNone }
func (None) Compress(data []byte) ([]byte, error)   { return data, nil }
func (None) Decompress(data []byte) ([]byte, error) { return data, nil }

// LZ4 codes payloads in the LZ4 frame format.
type LZ4 struct{}

func (LZ4) Method() string { return MethodLZ4 }

func (LZ4) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (LZ4) Decompress(data []byte) ([]byte, error) {
	zr := lz4.NewReader(bytes.NewReader(data))
	return io.ReadAll(zr)
}

// NewProvider returns the provider registered for method.
func NewProvider(method string) (Provider, error) {
	switch method {
	case protocol.MethodNone:
		return None{}, nil
	case MethodLZ4:
		return LZ4{}, nil
	default:
		return nil, protocol.New(protocol.CodeInternalError, "compress.new_provider",
			fmt.Sprintf("unknown compression method %q", method))
	}
}

// Codec routes payloads at or above the threshold through its provider and
// stores smaller ones raw under method "none".
type Codec struct {
	provider  Provider
	threshold int
}

// NewCodec builds a codec around provider. Payloads whose encoded length is
// below threshold bytes skip compression entirely.
func NewCodec(provider Provider, threshold int) *Codec {
	return &Codec{provider: provider, threshold: threshold}
}

// Method reports the active provider's method tag.
func (c *Codec) Method() string { return c.provider.Method() }

// Compress marshals obj to JSON and wraps it in an envelope.
func (c *Codec) Compress(obj any) (protocol.Envelope, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return protocol.Envelope{}, protocol.Internal("compress", err)
	}
	return c.CompressRaw(raw)
}

// CompressRaw wraps an already encoded JSON payload.
func (c *Codec) CompressRaw(raw []byte) (protocol.Envelope, error) {
	if len(raw) < c.threshold || c.provider.Method() == protocol.MethodNone {
		return protocol.Envelope{Method: protocol.MethodNone, Data: raw}, nil
	}
	packed, err := c.provider.Compress(raw)
	if err != nil {
		return protocol.Envelope{}, protocol.Internal("compress", err).
			With("method", c.provider.Method())
	}
	return protocol.Envelope{Method: c.provider.Method(), Data: packed}, nil
}

// Decompress unwraps env back to the raw JSON payload. A method tag that is
// neither "none" nor the active provider's is an internal error; provider
// failures keep the original error as cause.
func (c *Codec) Decompress(env protocol.Envelope) (json.RawMessage, error) {
	switch env.Method {
	case protocol.MethodNone:
		return json.RawMessage(env.Data), nil
	case c.provider.Method():
		raw, err := c.provider.Decompress(env.Data)
		if err != nil {
			return nil, protocol.Internal("decompress", err).With("method", env.Method)
		}
		return json.RawMessage(raw), nil
	default:
		return nil, protocol.New(protocol.CodeInternalError, "decompress",
			fmt.Sprintf("stored method %q does not match active provider %q", env.Method, c.provider.Method()))
	}
}
