// Package openstack provisions clones as Nova servers booted from Glance
// images, with the tenant network resolved through Neutron.
package openstack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// client is a minimal Keystone v2 REST client covering the compute,
// network and image endpoints the provider needs.
type client struct {
	authURL    string
	username   string
	password   string
	tenantName string

	http *http.Client

	mu         sync.Mutex
	token      string
	computeURL string
	networkURL string
	imageURL   string
	expires    time.Time
}

func newClient(authURL, username, password, tenantName string) *client {
	return &client{
		authURL:    strings.TrimRight(authURL, "/"),
		username:   username,
		password:   password,
		tenantName: tenantName,
		http:       &http.Client{Timeout: 30 * time.Second},
	}
}

type tokenResponse struct {
	Access struct {
		Token struct {
			ID      string    `json:"id"`
			Expires time.Time `json:"expires"`
		} `json:"token"`
		ServiceCatalog []struct {
			Type      string `json:"type"`
			Endpoints []struct {
				PublicURL string `json:"publicURL"`
			} `json:"endpoints"`
		} `json:"serviceCatalog"`
	} `json:"access"`
}

// authenticate obtains a token and resolves the service catalog. Cached
// until shortly before expiry.
func (c *client) authenticate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Until(c.expires) > time.Minute {
		return nil
	}

	body, _ := json.Marshal(map[string]any{
		"auth": map[string]any{
			"tenantName": c.tenantName,
			"passwordCredentials": map[string]string{
				"username": c.username,
				"password": c.password,
			},
		},
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL+"/tokens", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("keystone auth: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("keystone auth: status %d: %s", resp.StatusCode, data)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return fmt.Errorf("keystone auth: decode: %w", err)
	}

	c.token = tr.Access.Token.ID
	c.expires = tr.Access.Token.Expires
	for _, svc := range tr.Access.ServiceCatalog {
		if len(svc.Endpoints) == 0 {
			continue
		}
		url := strings.TrimRight(svc.Endpoints[0].PublicURL, "/")
		switch svc.Type {
		case "compute":
			c.computeURL = url
		case "network":
			c.networkURL = url
		case "image":
			c.imageURL = url
		}
	}
	if c.computeURL == "" {
		return fmt.Errorf("keystone auth: no compute endpoint in catalog")
	}
	return nil
}

func (c *client) endpoints() (compute, network, image string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.computeURL, c.networkURL, c.imageURL
}

// do issues an authenticated request and decodes the JSON response into
// out when it is non-nil. A nil body sends no payload.
func (c *client) do(ctx context.Context, method, url string, body, out any) (int, error) {
	if err := c.authenticate(ctx); err != nil {
		return 0, err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	req.Header.Set("X-Auth-Token", c.token)
	c.mu.Unlock()
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, fmt.Errorf("%s %s: status %d: %s", method, url, resp.StatusCode, data)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("%s %s: decode: %w", method, url, err)
		}
	}
	return resp.StatusCode, nil
}
