// Package docker runs runtime modules as container images.
package docker

import (
	"context"
	"fmt"

	"github.com/docker/docker/client"
)

// Client talks to the daemon that runs runtime containers.
type Client struct {
	inner *client.Client
}

// New connects to host, or to the daemon named by DOCKER_HOST when host is
// empty. The API version is negotiated on first use.
func New(host string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client for %q: %w", host, err)
	}
	return &Client{inner: inner}, nil
}

// Host returns the daemon address in use.
func (c *Client) Host() string {
	if c == nil || c.inner == nil {
		return ""
	}
	return c.inner.DaemonHost()
}

// Ping reports whether the daemon answers. The agent uses it as its runtime
// host health check.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.inner == nil {
		return ErrNoClient
	}
	if _, err := c.inner.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon %s unreachable: %w", c.Host(), err)
	}
	return nil
}

func (c *Client) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}
