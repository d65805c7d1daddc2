package provider

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// Location is a parsed storage URL.
//
//	s3://bucket/prefix/  -> {Type: s3, Bucket: bucket, Prefix: prefix/}
//	file:///data/out     -> {Type: file, Path: /data/out}
//	/data/out            -> {Type: file, Path: /data/out}
type Location struct {
	Type   ProviderType
	Bucket string
	Prefix string
	Path   string
}

// ParseLocation parses a destination or results URL. Bare paths are
// treated as file locations.
func ParseLocation(raw string) (Location, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Location{}, fmt.Errorf("location is empty")
	}

	if !strings.Contains(raw, "://") {
		abs, err := filepath.Abs(raw)
		if err != nil {
			return Location{}, fmt.Errorf("location %q: %w", raw, err)
		}
		return Location{Type: ProviderFile, Path: abs}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Location{}, fmt.Errorf("location %q: %w", raw, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "s3":
		if u.Host == "" {
			return Location{}, fmt.Errorf("location %q: bucket is required", raw)
		}
		prefix := strings.TrimPrefix(u.Path, "/")
		if prefix != "" && !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
		return Location{Type: ProviderS3, Bucket: u.Host, Prefix: prefix}, nil
	case "file":
		p := u.Path
		if u.Host != "" && u.Host != "localhost" {
			p = u.Host + p
		}
		if p == "" {
			return Location{}, fmt.Errorf("location %q: path is required", raw)
		}
		return Location{Type: ProviderFile, Path: filepath.Clean(p)}, nil
	default:
		return Location{}, fmt.Errorf("location %q: unsupported scheme %q (want s3 or file)", raw, u.Scheme)
	}
}

// String renders the location back to URL form.
func (l Location) String() string {
	switch l.Type {
	case ProviderS3:
		return "s3://" + l.Bucket + "/" + l.Prefix
	case ProviderFile:
		return "file://" + filepath.ToSlash(l.Path)
	default:
		return ""
	}
}

// Join appends key segments to the location's prefix.
func (l Location) Join(key string) string {
	key = strings.TrimPrefix(key, "/")
	if l.Type == ProviderS3 {
		return l.Prefix + key
	}
	return key
}

// NormalizePrefix trims a leading slash and ensures a trailing one.
// "", "/" and "." normalize to "".
func NormalizePrefix(p string) string {
	p = strings.TrimPrefix(strings.TrimSpace(p), "/")
	if p == "" || p == "." {
		return ""
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}
