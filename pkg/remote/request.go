package remote

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PackageRequest asks the service to package search results for download.
type PackageRequest struct {
	DownloadRequest map[string]any `json:"downloadRequest" yaml:"downloadRequest"`
	SearchRequest   map[string]any `json:"searchRequest" yaml:"searchRequest"`
	SelectionInfo   string         `json:"selectionInfo,omitempty" yaml:"selectionInfo,omitempty"`
}

// Title returns the request title, if the download request names one.
func (r PackageRequest) Title() string {
	if v, ok := r.DownloadRequest["Title"].(string); ok {
		return v
	}
	return ""
}

func (r PackageRequest) Validate() error {
	if len(r.DownloadRequest) == 0 {
		return fmt.Errorf("%w: downloadRequest is required", ErrInvalidRequest)
	}
	if len(r.SearchRequest) == 0 {
		return fmt.Errorf("%w: searchRequest is required", ErrInvalidRequest)
	}
	return nil
}

// LoadPackageRequest reads a request file. YAML and JSON are both accepted.
func LoadPackageRequest(path string) (PackageRequest, error) {
	var req PackageRequest

	data, err := os.ReadFile(path)
	if err != nil {
		return req, fmt.Errorf("read request file: %w", err)
	}
	if err := yaml.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("parse request file %s: %w", path, err)
	}
	if err := req.Validate(); err != nil {
		return req, fmt.Errorf("invalid request file %s: %w", path, err)
	}
	return req, nil
}
