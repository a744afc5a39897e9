package dr2p

import (
	"encoding/json"
	"sync"

	"golang.org/x/xerrors"
)

// Codec tags recognized out of the box (spec.md §4.1, §6).
const (
	CodecJSON = "text/json"
	CodecRaw  = "bytes/raw"
)

// Codec encodes and decodes the opaque body bytes carried by a frame.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte) (any, error)
}

type jsonCodec struct{}

func (jsonCodec) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, xerrors.Errorf("dr2p: encode %s: %w", CodecJSON, err)
	}
	return data, nil
}

func (jsonCodec) Decode(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, xerrors.Errorf("dr2p: decode %s: %w", CodecJSON, err)
	}
	return v, nil
}

type rawCodec struct{}

func (rawCodec) Encode(v any) ([]byte, error) {
	switch b := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	default:
		return nil, xerrors.Errorf("dr2p: %s codec requires []byte or string, got %T", CodecRaw, v)
	}
}

func (rawCodec) Decode(data []byte) (any, error) {
	return data, nil
}

// Registry maps a Body_Type tag to the Codec that handles it. An unknown tag
// falls back to the identity (bytes/raw) codec rather than failing, so the
// wire stays forward compatible with codecs a peer doesn't recognize yet.
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

// NewRegistry returns a Registry pre-populated with the two built-in codecs.
func NewRegistry() *Registry {
	r := &Registry{codecs: make(map[string]Codec, 2)}
	r.Register(CodecJSON, jsonCodec{})
	r.Register(CodecRaw, rawCodec{})
	return r
}

// Register installs (or replaces) the codec for tag.
func (r *Registry) Register(tag string, c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[tag] = c
}

func (r *Registry) lookup(tag string) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[tag]
	return c, ok
}

// encode resolves tag (defaulting to CodecJSON when empty, per spec.md §4.1)
// and returns the encoded body along with the tag that was actually used.
func (r *Registry) encode(tag string, v any) ([]byte, string, error) {
	if tag == "" {
		tag = CodecJSON
	}
	c, ok := r.lookup(tag)
	if !ok {
		c = rawCodec{}
	}
	body, err := c.Encode(v)
	if err != nil {
		return nil, tag, err
	}
	return body, tag, nil
}

// decode resolves tag (defaulting to CodecRaw when empty) and returns the
// decoded value.
func (r *Registry) decode(tag string, data []byte) (any, error) {
	if tag == "" {
		tag = CodecRaw
	}
	c, ok := r.lookup(tag)
	if !ok {
		c = rawCodec{}
	}
	return c.Decode(data)
}
