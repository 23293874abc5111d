// Package scan checks uploaded objects for malware before they are staged.
package scan

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const checkPath = "api/v1/check"

type Result struct {
	Clean         bool   `json:"isClean"`
	ThreatDetails string `json:"threatDetails,omitempty"`
}

type Scanner interface {
	CheckFiles(ctx context.Context, keys []string) (Result, error)
}

// Noop reports every file as clean. Used when no scan service is configured.
type Noop struct{}

func (Noop) CheckFiles(ctx context.Context, keys []string) (Result, error) {
	slog.DebugContext(ctx, "malware scan disabled", "files", len(keys))
	return Result{Clean: true}, nil
}

// Client calls a remote scan service. The service gets the object keys and
// reads the objects from the shared bucket itself.
type Client struct {
	requestURL *url.URL
	client     *http.Client
}

func NewClient(serverURL string, timeout time.Duration) (*Client, error) {
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	parsedURL.Path = strings.TrimRight(parsedURL.Path, "/")

	if parsedURL.Scheme == "" || parsedURL.Host == "" || parsedURL.Path != "" {
		return nil, errors.New("please define the scan url with a scheme and without path, e.g. `http://clamav:8080`")
	}
	parsedURL.Path = checkPath

	return &Client{
		requestURL: parsedURL,
		client:     &http.Client{Timeout: timeout},
	}, nil
}

type checkRequest struct {
	Keys []string `json:"keys"`
}

func (c *Client) CheckFiles(ctx context.Context, keys []string) (Result, error) {
	raw, err := json.Marshal(checkRequest{Keys: keys})
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.requestURL.String(), bytes.NewReader(raw))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	res, err := decodeCheckResponse(resp)
	if err != nil {
		return Result{}, err
	}
	slog.DebugContext(ctx, "malware scan finished", "files", len(keys), "clean", res.Clean)
	return res, nil
}

func decodeCheckResponse(resp *http.Response) (Result, error) {
	contentType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return Result{}, fmt.Errorf("failed to parse response content type header: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		if contentType != "application/json" {
			return Result{}, fmt.Errorf("expected `application/json` content type, got: %s", contentType)
		}
		var res Result
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			return Result{}, fmt.Errorf("decoding json response failed: %w", err)
		}
		if !res.Clean && res.ThreatDetails == "" {
			res.ThreatDetails = "threat detected"
		}
		return res, nil
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		if contentType != "application/problem+json" {
			return Result{}, fmt.Errorf("expected `application/problem+json` content type, got: %s", contentType)
		}
		var problemDetail struct {
			Detail string `json:"detail"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&problemDetail); err != nil {
			return Result{}, fmt.Errorf("decoding json response failed: %w", err)
		}
		return Result{}, fmt.Errorf("status code: %d, detail: %s", resp.StatusCode, problemDetail.Detail)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return Result{}, err
	}
	return Result{}, fmt.Errorf("unknown error, status: %d, body: %s", resp.StatusCode, string(respBody))
}
