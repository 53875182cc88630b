package remote

import (
	"encoding/binary"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/aweris/assetcache/internal/codec"
)

const (
	LayerTargetSize = 5 * 1024 * 1024  // 5MB target
	LayerMinSize    = 2 * 1024 * 1024  // 2MB minimum before combining
	LayerSoftMax    = 10 * 1024 * 1024 // 10MB soft maximum
)

// PrefixInfo records which image layer carries the objects of one hash
// prefix, and a hash over those objects to detect changes.
type PrefixInfo struct {
	Hash  string `json:"hash"`
	Layer string `json:"layer"`
}

// GroupByPrefix groups objects by the first two characters of their
// hash. Keys that are not hashes (such as the package manifest) form a
// group of their own.
func GroupByPrefix(objects map[string][]byte) map[string]map[string][]byte {
	result := make(map[string]map[string][]byte)
	for key, data := range objects {
		prefix := extractPrefix(key)
		if result[prefix] == nil {
			result[prefix] = make(map[string][]byte)
		}
		result[prefix][key] = data
	}
	return result
}

func extractPrefix(key string) string {
	if len(key) < 2 || !isHex(key) {
		return key
	}
	return strings.ToLower(key[:2])
}

func isHex(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// PrefixHash summarizes a group by its keys and sizes. Content hashes
// already cover the bytes.
func PrefixHash(blobs map[string][]byte) string {
	if len(blobs) == 0 {
		return ""
	}

	h := blake3.New()
	for _, key := range slices.Sorted(maps.Keys(blobs)) {
		h.Write([]byte(key))
		binary.Write(h, binary.BigEndian, int64(len(blobs[key])))
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

func PrefixSize(blobs map[string][]byte) int64 {
	var total int64
	for _, data := range blobs {
		total += int64(len(data))
	}
	return total
}

// PackLayer encodes blobs as a deterministic CBOR map.
func PackLayer(blobs map[string][]byte) ([]byte, error) {
	data, err := codec.Marshal(blobs)
	if err != nil {
		return nil, fmt.Errorf("pack layer: %w", err)
	}
	return data, nil
}

func UnpackLayer(data []byte) (map[string][]byte, error) {
	var blobs map[string][]byte
	if err := codec.Unmarshal(data, &blobs); err != nil {
		return nil, fmt.Errorf("unpack layer: %w", err)
	}
	return blobs, nil
}

// BuildLayerPlan groups prefixes, in order, into layers of roughly
// LayerTargetSize to LayerSoftMax bytes.
func BuildLayerPlan(prefixSizes map[string]int64) [][]string {
	var layers [][]string
	var current []string
	var size int64

	for _, prefix := range slices.Sorted(maps.Keys(prefixSizes)) {
		prefixSize := prefixSizes[prefix]

		if len(current) == 0 {
			current = append(current, prefix)
			size = prefixSize
			continue
		}

		newSize := size + prefixSize
		if newSize <= LayerSoftMax {
			current = append(current, prefix)
			size = newSize
		} else if size < LayerMinSize && newSize <= 2*LayerSoftMax {
			current = append(current, prefix)
			size = newSize
		} else {
			layers = append(layers, current)
			current = []string{prefix}
			size = prefixSize
		}
	}

	if len(current) > 0 {
		layers = append(layers, current)
	}
	return layers
}

func CollectPrefixBlobs(prefixes []string, byPrefix map[string]map[string][]byte) map[string][]byte {
	result := make(map[string][]byte)
	for _, prefix := range prefixes {
		maps.Copy(result, byPrefix[prefix])
	}
	return result
}

func CalculatePrefixSizes(byPrefix map[string]map[string][]byte) map[string]int64 {
	result := make(map[string]int64)
	for prefix, blobs := range byPrefix {
		result[prefix] = PrefixSize(blobs)
	}
	return result
}
