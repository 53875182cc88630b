package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"

	"github.com/aweris/assetcache/internal/codec"
)

// Format is the on-disk encoding of a manifest.
type Format int

const (
	JSON Format = iota
	CBOR
)

// DetectFormat sniffs the manifest encoding. JSON manifests start with an
// array, object or comment; anything else is taken to be CBOR.
func DetectFormat(data []byte) Format {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return JSON
	}
	switch trimmed[0] {
	case '[', '{', '/':
		return JSON
	default:
		return CBOR
	}
}

// Decode parses a manifest. JSON manifests may carry // and /* */
// comments and trailing commas.
func Decode(data []byte) ([]Descriptor, error) {
	var descs []Descriptor

	switch DetectFormat(data) {
	case CBOR:
		if err := codec.Unmarshal(data, &descs); err != nil {
			return nil, fmt.Errorf("decode cbor manifest: %w", err)
		}
	default:
		if len(bytes.TrimSpace(data)) == 0 {
			return nil, nil
		}
		if err := json.Unmarshal(jsonc.ToJSON(data), &descs); err != nil {
			return nil, fmt.Errorf("decode json manifest: %w", err)
		}
	}

	for i := range descs {
		if descs[i].Name == "" {
			return nil, fmt.Errorf("manifest entry %d: missing name", i)
		}
		if descs[i].Hash == "" {
			return nil, fmt.Errorf("manifest entry %q: missing hash", descs[i].Name)
		}
	}
	return descs, nil
}

// Encode serializes descriptors.
func Encode(descs []Descriptor, format Format) ([]byte, error) {
	if descs == nil {
		descs = []Descriptor{}
	}
	if format == CBOR {
		return codec.Marshal(descs)
	}
	return json.MarshalIndent(descs, "", "  ")
}

// ReadFile reads and decodes a manifest file.
func ReadFile(path string) ([]Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	descs, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return descs, nil
}

// WriteFile encodes descriptors to path, creating parent directories.
func WriteFile(path string, descs []Descriptor, format Format) error {
	data, err := Encode(descs, format)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
