package serialization

import (
	"fmt"
	"sync"

	"github.com/bytedance/sonic"
)

// Well-known content types seeded into every registry.
const (
	ContentTypeJSON   = "application/json"
	ContentTypeBinary = "application/octet-stream"
	ContentTypeText   = "text/plain"
)

// Serializer converts message bodies to and from their wire form for one
// content type.
type Serializer interface {
	// ContentType returns the content type this codec handles.
	ContentType() string

	// Serialize encodes a value into its wire form.
	Serialize(v any) ([]byte, error)

	// Deserialize decodes wire bytes back into a value. encoding is the
	// transport-reported text encoding and may be empty.
	Deserialize(data []byte, encoding string) (any, error)
}

// Registry maps content types to codecs. Registration is last-writer-wins
// per content type. Each broker owns its own registry so independent broker
// instances never share codec state.
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]Serializer
}

// NewRegistry creates a registry seeded with the three built-in codecs:
// JSON, raw binary passthrough, and plain text.
func NewRegistry() *Registry {
	r := &Registry{
		codecs: make(map[string]Serializer),
	}
	r.Register(JSONSerializer{})
	r.Register(BinarySerializer{})
	r.Register(TextSerializer{})
	return r
}

// Reset restores the registry to its seeded state, dropping any
// caller-registered codecs.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.codecs = make(map[string]Serializer)
	r.mu.Unlock()

	r.Register(JSONSerializer{})
	r.Register(BinarySerializer{})
	r.Register(TextSerializer{})
}

// Register adds or replaces the codec for its content type.
func (r *Registry) Register(s Serializer) {
	if s == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[s.ContentType()] = s
}

// Get returns the codec for a content type.
func (r *Registry) Get(contentType string) (Serializer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.codecs[contentType]
	return s, ok
}

// ContentTypes returns all registered content types.
func (r *Registry) ContentTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.codecs))
	for ct := range r.codecs {
		types = append(types, ct)
	}
	return types
}

// JSONSerializer encodes structured values as JSON.
type JSONSerializer struct{}

func (JSONSerializer) ContentType() string { return ContentTypeJSON }

func (JSONSerializer) Serialize(v any) ([]byte, error) {
	data, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json serialize: %w", err)
	}
	return data, nil
}

func (JSONSerializer) Deserialize(data []byte, encoding string) (any, error) {
	var v any
	if err := sonic.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("json deserialize: %w", err)
	}
	return v, nil
}

// BinarySerializer passes raw bytes through untouched.
type BinarySerializer struct{}

func (BinarySerializer) ContentType() string { return ContentTypeBinary }

func (BinarySerializer) Serialize(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("binary serialize: unsupported type %T", v)
	}
}

func (BinarySerializer) Deserialize(data []byte, encoding string) (any, error) {
	return data, nil
}

// TextSerializer encodes plain text payloads.
type TextSerializer struct{}

func (TextSerializer) ContentType() string { return ContentTypeText }

func (TextSerializer) Serialize(v any) ([]byte, error) {
	switch s := v.(type) {
	case string:
		return []byte(s), nil
	case []byte:
		return s, nil
	case fmt.Stringer:
		return []byte(s.String()), nil
	default:
		return []byte(fmt.Sprintf("%v", v)), nil
	}
}

func (TextSerializer) Deserialize(data []byte, encoding string) (any, error) {
	return string(data), nil
}
