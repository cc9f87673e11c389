package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/3cpo-dev/tunedesk/internal/upstream"
)

// Client talks to the service registry over HTTP.
type Client struct {
	api *upstream.Client
}

// NewClient creates a registry client for baseURL.
func NewClient(baseURL string, opts ...upstream.Option) *Client {
	return &Client{api: upstream.New("registry", baseURL, opts...)}
}

// BaseURL returns the registry root the client was built with.
func (c *Client) BaseURL() string { return c.api.BaseURL() }

// List returns all registered services in registry order.
func (c *Client) List(ctx context.Context) ([]Service, error) {
	var raw json.RawMessage
	if err := c.api.DoJSON(ctx, http.MethodGet, "/services", nil, nil, &raw); err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	services, err := decodeServices(raw)
	if err != nil {
		return nil, fmt.Errorf("decode services: %w", err)
	}
	return services, nil
}

// Create registers a new service.
func (c *Client) Create(ctx context.Context, req CreateRequest) (*Service, error) {
	if req.Metadata == nil {
		req.Metadata = map[string]string{}
	}
	var created Service
	if err := c.api.DoJSON(ctx, http.MethodPost, "/services", nil, req, &created); err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	return &created, nil
}

// Delete removes the service with the given id.
func (c *Client) Delete(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return ValidationError{Field: "id", Message: "service id is required"}
	}
	if err := c.api.DoJSON(ctx, http.MethodDelete, "/services/"+url.PathEscape(id), nil, nil, nil); err != nil {
		return fmt.Errorf("delete service %s: %w", id, err)
	}
	return nil
}

// decodeServices accepts a bare array or an object wrapping it.
func decodeServices(raw json.RawMessage) ([]Service, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []Service{}, nil
	}
	var list []Service
	if err := json.Unmarshal(raw, &list); err == nil {
		if list == nil {
			list = []Service{}
		}
		return list, nil
	}
	var wrapped struct {
		Services []Service `json:"services"`
		Data     []Service `json:"data"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, err
	}
	if wrapped.Services != nil {
		return wrapped.Services, nil
	}
	if wrapped.Data != nil {
		return wrapped.Data, nil
	}
	return []Service{}, nil
}
