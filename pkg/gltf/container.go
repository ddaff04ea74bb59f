// Package gltf provides a minimal reader for glTF 2.0 assets.
// It splits GLB containers into their JSON and BIN chunks and decodes the
// parts of the JSON document needed for structural statistics.
package gltf

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// GLB constants.
const (
	GLBMagic      uint32 = 0x46546C67 // "glTF"
	ChunkTypeJSON uint32 = 0x4E4F534A // "JSON"
	ChunkTypeBIN  uint32 = 0x004E4942 // "BIN\x00"

	glbHeaderSize      = 12
	glbChunkHeaderSize = 8
)

// Container errors.
var (
	ErrMalformedContainer = errors.New("malformed glTF container")
	ErrMissingJSONChunk   = fmt.Errorf("%w: missing JSON chunk", ErrMalformedContainer)
	ErrTruncatedChunk     = fmt.Errorf("%w: truncated GLB chunk", ErrMalformedContainer)
)

// Container is a parsed glTF asset: the JSON document plus the optional
// GLB binary chunk.
type Container struct {
	Doc *Document
	Bin []byte // nil for plain .gltf or GLB without BIN chunk
	GLB bool
}

// IsGLB reports whether data starts with the GLB magic.
func IsGLB(data []byte) bool {
	return len(data) >= 4 && binary.LittleEndian.Uint32(data) == GLBMagic
}

// ParseContainer parses a GLB or plain JSON glTF asset.
func ParseContainer(data []byte) (*Container, error) {
	if IsGLB(data) {
		return parseGLB(data)
	}

	doc, err := ParseDocument(data)
	if err != nil {
		return nil, err
	}
	return &Container{Doc: doc}, nil
}

func parseGLB(data []byte) (*Container, error) {
	if len(data) < glbHeaderSize {
		return nil, fmt.Errorf("%w: GLB header is %d bytes", ErrMalformedContainer, len(data))
	}

	// Version and total length are informational only.
	c := &Container{GLB: true}
	var jsonChunk []byte
	found := false

	offset := glbHeaderSize
	for offset+glbChunkHeaderSize <= len(data) {
		chunkLen := int(binary.LittleEndian.Uint32(data[offset:]))
		chunkType := binary.LittleEndian.Uint32(data[offset+4:])
		start := offset + glbChunkHeaderSize
		end := start + chunkLen
		if chunkLen < 0 || end > len(data) || end < start {
			return nil, fmt.Errorf("%w: chunk 0x%08x at %d declares %d bytes", ErrTruncatedChunk, chunkType, offset, chunkLen)
		}

		switch chunkType {
		case ChunkTypeJSON:
			jsonChunk = data[start:end]
			found = true
		case ChunkTypeBIN:
			c.Bin = data[start:end]
		}
		offset = end
	}

	if !found {
		return nil, ErrMissingJSONChunk
	}

	doc, err := ParseDocument(jsonChunk)
	if err != nil {
		return nil, err
	}
	c.Doc = doc
	return c, nil
}

// ParseDocument decodes glTF JSON text. Invalid UTF-8 inside strings is
// replaced with U+FFFD rather than rejected.
func ParseDocument(data []byte) (*Document, error) {
	// Tolerate a UTF-8 BOM; some exporters write one.
	if len(data) >= 3 && data[0] == 0xEF && data[1] == 0xBB && data[2] == 0xBF {
		data = data[3:]
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedContainer, err)
	}
	return &doc, nil
}
