// Package resource resolves glTF resource references and fetches their bytes.
package resource

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidDataURI is returned for data URIs that cannot be decoded.
var ErrInvalidDataURI = errors.New("invalid data URI")

// Resolve turns a resource reference from a glTF document into a fetchable
// location. When fileMap is non-nil (user-imported multi-file assets), the
// reference is looked up by decoded path, basename and lower-cased basename,
// falling back to the reference itself. Otherwise absolute and blob
// references pass through and relative ones are joined to basePath.
func Resolve(ref, basePath string, fileMap map[string]string) string {
	stripped := ref
	if i := strings.IndexAny(ref, "?#"); i > 0 {
		stripped = ref[:i]
	}
	decoded, err := url.PathUnescape(stripped)
	if err != nil {
		decoded = stripped
	}
	basename := decoded
	if i := strings.LastIndex(decoded, "/"); i >= 0 && i < len(decoded)-1 {
		basename = decoded[i+1:]
	}

	if fileMap != nil {
		for _, key := range []string{decoded, basename, strings.ToLower(basename)} {
			if v := fileMap[key]; v != "" {
				return v
			}
		}
		return ref
	}

	if IsAbsolute(ref) {
		return ref
	}

	base, err := url.Parse(basePath)
	if err != nil {
		return basePath + ref
	}
	rel, err := url.Parse(ref)
	if err != nil {
		return basePath + ref
	}
	return base.ResolveReference(rel).String()
}

// IsAbsolute reports whether ref already names a concrete location:
// http(s), blob, data or file URLs.
func IsAbsolute(ref string) bool {
	lower := strings.ToLower(ref)
	for _, prefix := range []string{"http://", "https://", "blob:", "data:", "file://"} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// BasePath returns the directory part of an asset URL, including the
// trailing slash, with query and fragment removed.
func BasePath(assetURL string) string {
	base := assetURL
	if i := strings.IndexAny(base, "?#"); i >= 0 {
		base = base[:i]
	}
	if i := strings.LastIndex(base, "/"); i >= 0 {
		return base[:i+1]
	}
	return base
}

// IsDataURI reports whether s is a data: URI.
func IsDataURI(s string) bool {
	return len(s) >= 5 && strings.EqualFold(s[:5], "data:")
}

// DecodeDataURI decodes a base64 or percent-encoded data URI in process.
func DecodeDataURI(uri string) ([]byte, error) {
	if !IsDataURI(uri) {
		return nil, fmt.Errorf("%w: missing data: prefix", ErrInvalidDataURI)
	}
	rest := uri[5:]
	comma := strings.IndexByte(rest, ',')
	if comma < 0 {
		return nil, fmt.Errorf("%w: missing ','", ErrInvalidDataURI)
	}
	meta, payload := rest[:comma], rest[comma+1:]

	if strings.HasSuffix(strings.ToLower(meta), ";base64") {
		payload = strings.Map(func(r rune) rune {
			switch r {
			case ' ', '\t', '\n', '\r':
				return -1
			}
			return r
		}, payload)
		data, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDataURI, err)
		}
		return data, nil
	}

	text, err := url.PathUnescape(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDataURI, err)
	}
	return []byte(text), nil
}
