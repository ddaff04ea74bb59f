package resource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// Fetch errors.
var (
	ErrFetchFailed       = errors.New("resource fetch failed")
	ErrCancelled         = errors.New("resource fetch cancelled")
	ErrUnsupportedScheme = errors.New("unsupported resource scheme")
	ErrResourceTooLarge  = errors.New("resource exceeds size limit")
)

// FetchError reports a non-success response for a resource.
type FetchError struct {
	URL    string
	Status int // HTTP status, 0 for transport errors
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("resource fetch failed: %d (%s)", e.Status, e.URL)
	}
	if e.Err != nil {
		return fmt.Sprintf("resource fetch failed: %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("resource fetch failed: %s", e.URL)
}

// Is makes FetchError match ErrFetchFailed.
func (e *FetchError) Is(target error) bool {
	return target == ErrFetchFailed
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Fetcher loads the bytes behind a resolved location.
type Fetcher interface {
	Fetch(ctx context.Context, location string) ([]byte, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, location string) ([]byte, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, location string) ([]byte, error) {
	return f(ctx, location)
}

// HTTPFetcher fetches http(s) URLs, decodes data URIs in process and, when
// AllowLocal is set, reads file:// URLs and plain filesystem paths.
type HTTPFetcher struct {
	Client     *http.Client
	MaxBytes   int64 // 0 means unlimited
	UserAgent  string
	AllowLocal bool
}

// NewHTTPFetcher creates a fetcher with the given per-request timeout.
func NewHTTPFetcher(timeout time.Duration, maxBytes int64) *HTTPFetcher {
	return &HTTPFetcher{
		Client:   &http.Client{Timeout: timeout},
		MaxBytes: maxBytes,
	}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, location string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	if IsDataURI(location) {
		return DecodeDataURI(location)
	}

	u, err := url.Parse(location)
	if err != nil || len(u.Scheme) == 1 {
		// Unparseable or a Windows drive letter: treat as a path.
		return f.readLocal(ctx, location)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return f.fetchHTTP(ctx, location)
	case "file":
		return f.readLocal(ctx, u.Path)
	case "":
		path, err := url.PathUnescape(location)
		if err != nil {
			path = location
		}
		return f.readLocal(ctx, path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
	}
}

func (f *HTTPFetcher) fetchHTTP(ctx context.Context, location string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, &FetchError{URL: location, Err: err}
	}
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
		return nil, &FetchError{URL: location, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{URL: location, Status: resp.StatusCode}
	}

	data, err := f.readAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
		if errors.Is(err, ErrResourceTooLarge) {
			return nil, fmt.Errorf("%w: %s", err, location)
		}
		return nil, &FetchError{URL: location, Err: err}
	}
	return data, nil
}

func (f *HTTPFetcher) readLocal(ctx context.Context, path string) ([]byte, error) {
	if !f.AllowLocal {
		return nil, fmt.Errorf("%w: local path %s", ErrUnsupportedScheme, path)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, &FetchError{URL: path, Err: err}
	}
	defer file.Close()

	data, err := f.readAll(file)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
	return data, nil
}

func (f *HTTPFetcher) readAll(r io.Reader) ([]byte, error) {
	if f.MaxBytes <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, f.MaxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > f.MaxBytes {
		return nil, fmt.Errorf("%w (%d bytes)", ErrResourceTooLarge, f.MaxBytes)
	}
	return data, nil
}

// IsCancelled reports whether err stems from cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}
