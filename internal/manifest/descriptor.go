// Package manifest is the content store index: the list of bundle
// descriptors loaded from a manifest at startup and extended by DLC
// manifest fragments at runtime.
package manifest

import (
	"encoding/hex"
	"hash/crc32"
	"strings"

	"github.com/zeebo/blake3"
)

// Name is the well-known file name of a manifest inside a content root
// or a DLC package.
const Name = "manifest.json"

// Descriptor describes one loadable bundle. Descriptors are immutable
// once added to an Index.
type Descriptor struct {
	Name         string   `json:"name" cbor:"name"`
	Hash         string   `json:"hash" cbor:"hash"`
	CRC          uint32   `json:"crc,omitempty" cbor:"crc,omitempty"`
	Dependencies []string `json:"dependencies,omitempty" cbor:"dependencies,omitempty"`
	Size         int64    `json:"size,omitempty" cbor:"size,omitempty"`
	DLC          bool     `json:"dlc,omitempty" cbor:"dlc,omitempty"`

	id int
}

// ID is the descriptor's position in its Index. It is the identity used
// to memoize bundle handles.
func (d *Descriptor) ID() int { return d.id }

// ContentHash returns the content address of stored bundle bytes.
func ContentHash(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Checksum returns the integrity code recorded in descriptors.
func Checksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// NormalizePath converts backslashes to forward slashes.
func NormalizePath(path string) string {
	return strings.ReplaceAll(path, `\`, "/")
}
