// Package ipresolve resolves the client address attached to tracked events.
//
// The request address is authoritative. The echo service reports the public address of
// this server, not of the visitor, so it is consulted only for loopback requests where
// browser and server share a host (local development). Private addresses behind a proxy
// are reported as-is, and any failure degrades to the request address or nothing.
package ipresolve

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultEchoURL is the public echo service the funnel used before resolution moved server-side.
const DefaultEchoURL = "https://api.ipify.org?format=json"

// Echo asks a remote service for the caller's public address.
type Echo interface {
	PublicIP(ctx context.Context) (string, error)
}

// EchoClient calls an ipify-compatible endpoint returning {"ip": "..."}.
type EchoClient struct {
	url    string
	client *http.Client
}

// NewEchoClient builds an echo client. A nil client gets an instrumented one with timeout.
func NewEchoClient(url string, timeout time.Duration, client *http.Client) *EchoClient {
	if url == "" {
		url = DefaultEchoURL
	}
	if client == nil {
		client = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &EchoClient{url: url, client: client}
}

func (e *EchoClient) PublicIP(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build echo request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("echo request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("echo service returned status %d", resp.StatusCode)
	}

	var body struct {
		IP string `json:"ip"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<10)).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode echo response: %w", err)
	}

	if _, err := netip.ParseAddr(body.IP); err != nil {
		return "", fmt.Errorf("echo service returned invalid address %q", body.IP)
	}
	return body.IP, nil
}

// Resolver picks the address to report for a request.
type Resolver struct {
	echo Echo
}

// NewResolver builds a resolver. echo may be nil to disable the fallback.
func NewResolver(echo Echo) *Resolver {
	return &Resolver{echo: echo}
}

// Resolve returns requestIP unless it is loopback, in which case the echo result is used.
// It never fails: an unusable address yields "".
func (r *Resolver) Resolve(ctx context.Context, requestIP string) string {
	addr, err := netip.ParseAddr(requestIP)
	valid := err == nil
	if !valid || !addr.IsLoopback() {
		return fallback(addr, valid)
	}

	if r.echo != nil {
		ip, err := r.echo.PublicIP(ctx)
		if err == nil {
			return ip
		}
		slog.Warn("[IP] Echo lookup failed, using request address", "request_ip", requestIP, "error", err)
	}
	return fallback(addr, valid)
}

func fallback(addr netip.Addr, valid bool) string {
	if !valid {
		return ""
	}
	return addr.String()
}
