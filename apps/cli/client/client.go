package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// Client is a thin tenant-scoped HTTP client for the authz API.
type Client struct {
	base     string
	tenant   string
	operator string
	http     *http.Client
}

// FromFlags builds a Client from the CLI's persistent flags. The tenant flag
// is required by every subcommand that goes through here.
func FromFlags(cmd *cobra.Command) (*Client, error) {
	server, err := cmd.Flags().GetString("server")
	if err != nil {
		return nil, err
	}
	tenant, _ := cmd.Flags().GetString("tenant")
	operator, _ := cmd.Flags().GetString("operator")
	if strings.TrimSpace(tenant) == "" {
		return nil, fmt.Errorf("--tenant is required")
	}
	return &Client{
		base:     strings.TrimRight(server, "/"),
		tenant:   tenant,
		operator: operator,
		http:     &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Do performs one request against a tenant-scoped path (e.g. "/can?...").
// A JSON body is marshalled when non-nil; the decoded JSON response is
// unmarshalled into out when non-nil. Non-2xx answers surface the server's
// error message.
func (c *Client) Do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	url := c.base + "/" + c.tenant + path
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Operator", c.operator)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var problem struct {
			Error   string `json:"error"`
			Details string `json:"details"`
		}
		if json.Unmarshal(data, &problem) == nil && problem.Error != "" {
			if problem.Details != "" {
				return fmt.Errorf("%s: %s (%s)", resp.Status, problem.Error, problem.Details)
			}
			return fmt.Errorf("%s: %s", resp.Status, problem.Error)
		}
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// DoRaw performs one request with a pre-encoded body, returning the raw
// response bytes; used for schema upload where the body is the user's file.
func (c *Client) DoRaw(method, path string, body []byte) ([]byte, error) {
	url := c.base + "/" + c.tenant + path
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Operator", c.operator)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return data, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	return data, nil
}
