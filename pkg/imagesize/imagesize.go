// Package imagesize extracts pixel dimensions from compressed image headers
// without decoding pixel data. Supported: PNG, JPEG, WebP and KTX2.
package imagesize

import (
	"bytes"
	"encoding/binary"
	"path"
	"strings"

	"github.com/h2non/filetype"
)

// Format identifies an image codec.
type Format int

const (
	Unknown Format = iota
	PNG
	JPEG
	WebP
	KTX2
)

// String returns a human-readable format name.
func (f Format) String() string {
	switch f {
	case PNG:
		return "png"
	case JPEG:
		return "jpeg"
	case WebP:
		return "webp"
	case KTX2:
		return "ktx2"
	default:
		return "unknown"
	}
}

// Size is an image's pixel dimensions.
type Size struct {
	Width  uint32
	Height uint32
}

// Pixels returns Width*Height.
func (s Size) Pixels() uint64 {
	return uint64(s.Width) * uint64(s.Height)
}

var (
	pngSignature  = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	ktx2Signature = []byte{0xAB, 0x4B, 0x54, 0x58, 0x20, 0x32, 0x30, 0xBB, 0x0D, 0x0A, 0x1A, 0x0A}
)

// Minimum header sizes needed to read dimensions.
const (
	pngMinSize  = 24
	ktx2MinSize = 28
	webpMinSize = 16
	vp8xMinSize = 30
	vp8MinSize  = 30
	vp8lMinSize = 25
)

// Detect identifies the image format by its magic bytes.
func Detect(data []byte) Format {
	switch {
	case bytes.HasPrefix(data, pngSignature):
		return PNG
	case bytes.HasPrefix(data, ktx2Signature):
		return KTX2
	case len(data) >= 2 && data[0] == 0xFF && data[1] == 0xD8:
		return JPEG
	case isWebP(data):
		return WebP
	default:
		return Unknown
	}
}

func isWebP(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WEBP"
}

// FormatFromHint maps a declared MIME type or file name to a format.
func FormatFromHint(mimeType, uri string) Format {
	mt := strings.ToLower(mimeType)
	ext := strings.ToLower(path.Ext(stripQuery(uri)))

	switch {
	case strings.Contains(mt, "ktx2") || ext == ".ktx2":
		return KTX2
	case strings.Contains(mt, "png") || ext == ".png":
		return PNG
	case strings.Contains(mt, "jpeg") || strings.Contains(mt, "jpg") || ext == ".jpg" || ext == ".jpeg":
		return JPEG
	case strings.Contains(mt, "webp") || ext == ".webp":
		return WebP
	default:
		return Unknown
	}
}

func stripQuery(uri string) string {
	if strings.HasPrefix(uri, "data:") {
		return ""
	}
	if i := strings.IndexAny(uri, "?#"); i >= 0 {
		return uri[:i]
	}
	return uri
}

// SizeOf extracts dimensions assuming data is in format f.
func SizeOf(f Format, data []byte) (Size, bool) {
	switch f {
	case PNG:
		return PNGSize(data)
	case JPEG:
		return JPEGSize(data)
	case WebP:
		return WebPSize(data)
	case KTX2:
		return KTX2Size(data)
	default:
		return Size{}, false
	}
}

// Measure returns the dimensions of an encoded image. The declared MIME type
// and uri are tried first as a hint; the magic bytes decide when the hint is
// missing or wrong.
func Measure(data []byte, mimeType, uri string) (Size, Format, bool) {
	hint := FormatFromHint(mimeType, uri)
	if hint != Unknown {
		if size, ok := SizeOf(hint, data); ok {
			return size, hint, true
		}
	}

	f := Detect(data)
	if f == Unknown || f == hint {
		return Size{}, f, false
	}
	size, ok := SizeOf(f, data)
	return size, f, ok
}

// Describe names the file kind of data for diagnostics, including kinds
// that cannot be measured. It returns "unknown" when nothing matches.
func Describe(data []byte) string {
	if f := Detect(data); f != Unknown {
		return f.String()
	}
	kind, err := filetype.Match(data)
	if err != nil || kind == filetype.Unknown {
		return "unknown"
	}
	return kind.Extension
}

// PNGSize reads the IHDR dimensions of a PNG.
func PNGSize(data []byte) (Size, bool) {
	if len(data) < pngMinSize || !bytes.HasPrefix(data, pngSignature) {
		return Size{}, false
	}
	return checked(binary.BigEndian.Uint32(data[16:]), binary.BigEndian.Uint32(data[20:]))
}

// JPEGSize scans JPEG markers for the first start-of-frame segment.
func JPEGSize(data []byte) (Size, bool) {
	if len(data) < 2 || data[0] != 0xFF || data[1] != 0xD8 {
		return Size{}, false
	}

	offset := 2
	for offset+9 < len(data) {
		if data[offset] != 0xFF {
			offset++
			continue
		}
		marker := data[offset+1]
		if marker == 0xD9 || marker == 0xDA {
			break
		}
		if isSOF(marker) {
			height := binary.BigEndian.Uint16(data[offset+5:])
			width := binary.BigEndian.Uint16(data[offset+7:])
			return checked(uint32(width), uint32(height))
		}
		// Fill bytes and standalone markers carry no length field.
		switch {
		case marker == 0xFF:
			offset++
			continue
		case marker == 0x01 || (marker >= 0xD0 && marker <= 0xD7):
			offset += 2
			continue
		}
		length := int(binary.BigEndian.Uint16(data[offset+2:]))
		if length < 2 {
			break
		}
		offset += 2 + length
	}
	return Size{}, false
}

func isSOF(marker byte) bool {
	switch marker {
	case 0xC0, 0xC1, 0xC2, 0xC3,
		0xC5, 0xC6, 0xC7,
		0xC9, 0xCA, 0xCB,
		0xCD, 0xCE, 0xCF:
		return true
	}
	return false
}

// WebPSize reads dimensions from a VP8X, VP8 or VP8L WebP header.
func WebPSize(data []byte) (Size, bool) {
	if len(data) < webpMinSize || !isWebP(data) {
		return Size{}, false
	}

	switch string(data[12:16]) {
	case "VP8X":
		if len(data) < vp8xMinSize {
			return Size{}, false
		}
		width := 1 + uint24(data[24:])
		height := 1 + uint24(data[27:])
		return checked(width, height)
	case "VP8 ":
		if len(data) < vp8MinSize {
			return Size{}, false
		}
		width := uint32(binary.LittleEndian.Uint16(data[26:]) & 0x3FFF)
		height := uint32(binary.LittleEndian.Uint16(data[28:]) & 0x3FFF)
		return checked(width, height)
	case "VP8L":
		if len(data) < vp8lMinSize {
			return Size{}, false
		}
		bits := binary.LittleEndian.Uint32(data[21:])
		width := (bits & 0x3FFF) + 1
		height := ((bits >> 14) & 0x3FFF) + 1
		return checked(width, height)
	}
	return Size{}, false
}

func uint24(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

// KTX2Size reads pixelWidth/pixelHeight from a KTX2 header.
func KTX2Size(data []byte) (Size, bool) {
	if len(data) < ktx2MinSize || !bytes.HasPrefix(data, ktx2Signature) {
		return Size{}, false
	}
	return checked(binary.LittleEndian.Uint32(data[20:]), binary.LittleEndian.Uint32(data[24:]))
}

func checked(width, height uint32) (Size, bool) {
	if width == 0 || height == 0 {
		return Size{}, false
	}
	return Size{Width: width, Height: height}, true
}
