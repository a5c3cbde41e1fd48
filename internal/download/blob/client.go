package blob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"ms-fulfillment/internal/config"

	"github.com/go-resty/resty/v2"
)

// ErrUnavailable covers any blob-store gateway failure; callers map it
// to a typed remote-service error instead of hanging or crashing.
var ErrUnavailable = errors.New("blob store unavailable")

type FileInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Client talks to the object-store gateway that fronts the product
// files. All calls are bounded by the configured timeout.
type Client struct {
	client  *resty.Client
	baseURL string
}

func NewClient(cfg config.BlobConfig) *Client {
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Authorization", "Bearer "+cfg.APIKey)
	return &Client{client: client, baseURL: cfg.BaseURL}
}

// ListFiles returns the files stored under a product's prefix.
func (c *Client) ListFiles(ctx context.Context, prefix string) ([]FileInfo, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("prefix", prefix).
		Get(c.baseURL + "/objects")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("%w: list status %d", ErrUnavailable, resp.StatusCode())
	}

	var files []FileInfo
	if err := json.Unmarshal(resp.Body(), &files); err != nil {
		return nil, fmt.Errorf("%w: invalid list response: %v", ErrUnavailable, err)
	}
	return files, nil
}

// Fetch streams one object. The caller owns the returned reader.
func (c *Client) Fetch(ctx context.Context, prefix, name string) (io.ReadCloser, int64, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(c.baseURL + "/objects/" + url.PathEscape(prefix+"/"+name))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode() != http.StatusOK {
		resp.RawBody().Close()
		return nil, 0, fmt.Errorf("%w: fetch status %d", ErrUnavailable, resp.StatusCode())
	}

	return resp.RawBody(), resp.RawResponse.ContentLength, nil
}
