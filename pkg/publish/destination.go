// Package publish uploads a finished dataset to a destination given as a
// URL: s3://bucket/prefix for S3 and S3-compatible stores, or file:///dir
// for a local or mounted directory.
package publish

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strconv"
	"strings"
)

// Supported destination schemes.
const (
	SchemeS3   = "s3"
	SchemeFile = "file"
)

// Destination is a parsed publish URL.
type Destination struct {
	Scheme string

	// Bucket is set for s3 destinations.
	Bucket string

	// Prefix is the key prefix (s3) or base directory (file).
	Prefix string

	// S3 settings from query parameters: region, endpoint, profile,
	// path_style, imds_region.
	Region         string
	Endpoint       string
	Profile        string
	ForcePathStyle bool
	IMDSRegion     bool
}

// ParseDestination parses raw. A bare path is treated as a file
// destination.
func ParseDestination(raw string) (Destination, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Destination{}, fmt.Errorf("%w: empty", ErrInvalidDestination)
	}
	if !strings.Contains(raw, "://") {
		abs, err := filepath.Abs(raw)
		if err != nil {
			return Destination{}, fmt.Errorf("%w: %v", ErrInvalidDestination, err)
		}
		return Destination{Scheme: SchemeFile, Prefix: abs}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Destination{}, fmt.Errorf("%w: %v", ErrInvalidDestination, err)
	}

	switch strings.ToLower(u.Scheme) {
	case SchemeS3:
		if u.Host == "" {
			return Destination{}, fmt.Errorf("%w: %s: bucket is required", ErrInvalidDestination, raw)
		}
		d := Destination{
			Scheme:   SchemeS3,
			Bucket:   u.Host,
			Prefix:   strings.Trim(u.Path, "/"),
			Region:   u.Query().Get("region"),
			Endpoint: u.Query().Get("endpoint"),
			Profile:  u.Query().Get("profile"),
		}
		for name, dst := range map[string]*bool{"path_style": &d.ForcePathStyle, "imds_region": &d.IMDSRegion} {
			v := u.Query().Get(name)
			if v == "" {
				continue
			}
			b, err := strconv.ParseBool(v)
			if err != nil {
				return Destination{}, fmt.Errorf("%w: %s: %v", ErrInvalidDestination, name, err)
			}
			*dst = b
		}
		return d, nil
	case SchemeFile:
		if u.Host != "" && u.Host != "localhost" {
			return Destination{}, fmt.Errorf("%w: %s: remote file hosts are not supported", ErrInvalidDestination, raw)
		}
		if u.Path == "" {
			return Destination{}, fmt.Errorf("%w: %s: path is required", ErrInvalidDestination, raw)
		}
		return Destination{Scheme: SchemeFile, Prefix: filepath.Clean(u.Path)}, nil
	default:
		return Destination{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidDestination, u.Scheme)
	}
}

// Key returns the object key for name under run runName.
func (d Destination) Key(runName, name string) string {
	parts := make([]string, 0, 3)
	if d.Scheme == SchemeS3 && d.Prefix != "" {
		parts = append(parts, d.Prefix)
	}
	if runName != "" {
		parts = append(parts, runName)
	}
	parts = append(parts, name)
	return path.Join(parts...)
}

// String renders the destination as a URL without query parameters.
func (d Destination) String() string {
	if d.Scheme == SchemeS3 {
		if d.Prefix == "" {
			return "s3://" + d.Bucket
		}
		return "s3://" + d.Bucket + "/" + d.Prefix
	}
	return "file://" + filepath.ToSlash(d.Prefix)
}

// Location returns the URL of key within the destination.
func (d Destination) Location(key string) string {
	if d.Scheme == SchemeS3 {
		return "s3://" + d.Bucket + "/" + key
	}
	return "file://" + filepath.ToSlash(filepath.Join(d.Prefix, filepath.FromSlash(key)))
}
