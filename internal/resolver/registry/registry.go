// Copyright 2026 The DevFlow Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package registry implements the ecosystem-A registry client: a small
// bounded-retry HTTP client that lists the versions a package feed
// publishes and downloads a platform archive. Production deployments point
// it at a real registry endpoint; tests use an in-process httptest server.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Client lists the versions a registry publishes for a package.
type Client interface {
	// ListVersions returns every version the registry publishes for name,
	// under the given feed source URL.
	ListVersions(ctx context.Context, source, name string) ([]string, error)

	// Download fetches the archive for the resolved (name, version, platform)
	// triple and returns its whole body in memory.
	Download(ctx context.Context, source, name, version, platform string) (DownloadResult, error)
}

// DownloadResult is the outcome of downloading a package archive.
type DownloadResult struct {
	Body        []byte
	ArchiveName string
}

// versionListResponse is the registry's JSON response shape for a version
// listing query.
type versionListResponse struct {
	Versions []string `json:"versions"`
}

// HTTPClient is the production [Client], speaking a small JSON protocol over
// a bounded-retry HTTP client.
type HTTPClient struct {
	hc *retryablehttp.Client
}

// NewHTTPClient returns a Client with the given retry budget. maxRetries <= 0
// uses retryablehttp's default of 4.
func NewHTTPClient(maxRetries int) *HTTPClient {
	hc := retryablehttp.NewClient()
	hc.Logger = nil

	if maxRetries > 0 {
		hc.RetryMax = maxRetries
	}

	hc.RetryWaitMin = 50 * time.Millisecond
	hc.RetryWaitMax = 2 * time.Second

	return &HTTPClient{hc: hc}
}

// ListVersions queries "<source>/packages/<name>/versions" and decodes a
// versionListResponse.
func (c *HTTPClient) ListVersions(ctx context.Context, source, name string) ([]string, error) {
	endpoint, err := url.JoinPath(source, "packages", name, "versions")
	if err != nil {
		return nil, fmt.Errorf("registry: building versions url: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("registry: building request: %w", err)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry: listing versions for %q: %w", name, err)
	}

	defer resp.Body.Close() //nolint:errcheck // best effort close after read

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry: listing versions for %q: status %s", name, resp.Status)
	}

	var out versionListResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("registry: decoding versions for %q: %w", name, err)
	}

	return out.Versions, nil
}

// Download fetches "<source>/packages/<name>/<version>/<platform>.tar.gz".
func (c *HTTPClient) Download(ctx context.Context, source, name, version, platform string) (DownloadResult, error) {
	archiveName := platform + ".tar.gz"

	endpoint, err := url.JoinPath(source, "packages", name, version, archiveName)
	if err != nil {
		return DownloadResult{}, fmt.Errorf("registry: building download url: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return DownloadResult{}, fmt.Errorf("registry: building request: %w", err)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return DownloadResult{}, fmt.Errorf("registry: downloading %q %q: %w", name, version, err)
	}

	defer resp.Body.Close() //nolint:errcheck // best effort close after read

	if resp.StatusCode != http.StatusOK {
		return DownloadResult{}, fmt.Errorf("registry: downloading %q %q: status %s", name, version, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return DownloadResult{}, fmt.Errorf("registry: reading %q %q: %w", name, version, err)
	}

	return DownloadResult{Body: body, ArchiveName: archiveName}, nil
}
