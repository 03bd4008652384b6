package adapter

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// FileURI converts an absolute filesystem path to a file:// URI.
func FileURI(path string) string {
	return "file://" + filepath.ToSlash(path)
}

// DataURIPath resolves the local filesystem path of the asset bound to the
// data_uri parameter. A data source with exactly one asset may leave the
// parameter unset.
func DataURIPath(ds DataSource) (string, error) {
	for _, asset := range ds.Assets {
		if asset.Parameter == "data_uri" {
			return PathFromFileURI(asset.DataURI)
		}
	}
	if len(ds.Assets) == 1 {
		return PathFromFileURI(ds.Assets[0].DataURI)
	}
	return "", fmt.Errorf("data source has no asset bound to data_uri")
}

// PathFromFileURI extracts the filesystem path from a file:// URI.
func PathFromFileURI(uri string) (string, error) {
	if !strings.HasPrefix(uri, "file://") {
		return "", fmt.Errorf("asset uri %q is not a file uri", uri)
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("failed to parse asset uri: %w", err)
	}
	if u.Host != "" && u.Host != "localhost" {
		return "", fmt.Errorf("asset uri %q names a remote host", uri)
	}
	if u.Path == "" {
		return "", fmt.Errorf("asset uri %q has no path", uri)
	}
	return filepath.FromSlash(u.Path), nil
}
