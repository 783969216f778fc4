package cmd

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
)

// apiError is the {"error","code"} body the API returns for every failure
type apiError struct {
	Status  int    `json:"-"`
	Message string `json:"error"`
	Code    string `json:"code"`
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s (HTTP %d)", e.Code, e.Message, e.Status)
}

type client struct {
	http *resty.Client
}

func (o *options) client() *client {
	c := resty.New().
		SetBaseURL(o.server).
		SetTimeout(o.timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "relayctl/"+Version)
	if o.token != "" {
		c.SetAuthToken(o.token)
	}
	return &client{http: c}
}

// request sends body (JSON-encoded unless it is []byte) and decodes a 2xx reply into out
func (c *client) request(ctx context.Context, method, path string, body any, headers map[string]string, out any) error {
	req := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetError(&apiError{})
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if !resp.IsError() {
		return nil
	}

	apiErr, _ := resp.Error().(*apiError)
	if apiErr == nil || apiErr.Message == "" {
		apiErr = &apiError{Message: strings.TrimSpace(resp.String())}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode())
		}
	}
	apiErr.Status = resp.StatusCode()
	return apiErr
}

func (c *client) get(ctx context.Context, path string, out any) error {
	return c.request(ctx, http.MethodGet, path, nil, nil, out)
}
