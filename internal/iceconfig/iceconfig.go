// Package iceconfig fetches network-traversal server descriptors from an
// external credential service, falling back to public STUN servers when the
// service is not configured or does not answer.
package iceconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/samber/lo"

	"github.com/1ureka/p2pdrop/internal/protocol"
	"github.com/1ureka/p2pdrop/internal/util"
)

// DefaultServers is used whenever the lookup fails. STUN only: enough for
// most home networks, no credentials needed.
var DefaultServers = []protocol.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:stun1.l.google.com:19302"}},
}

const maxResponseSize = 64 * 1024

// Provider looks up ICE servers from URL. A zero Provider always returns
// DefaultServers.
type Provider struct {
	URL     string
	Token   string // sent as a bearer token when set
	Timeout time.Duration
	Client  *http.Client
}

// Servers never fails: any problem is logged and answered with the
// defaults.
func (p *Provider) Servers(ctx context.Context) []protocol.ICEServer {
	if p == nil || p.URL == "" {
		return DefaultServers
	}

	servers, err := p.fetch(ctx)
	if err != nil {
		util.LogWarning("ICE server lookup failed, using default STUN servers: %v", err)
		return DefaultServers
	}
	if len(servers) == 0 {
		util.LogWarning("ICE server lookup returned no usable servers, using default STUN servers")
		return DefaultServers
	}
	return servers
}

func (p *Provider) fetch(ctx context.Context) ([]protocol.ICEServer, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if p.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.Token)
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var servers []protocol.ICEServer
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&servers); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return lo.Filter(servers, func(s protocol.ICEServer, _ int) bool { return len(s.URLs) > 0 }), nil
}

// ToWebRTC converts descriptors for a pion PeerConnection configuration.
// An empty list yields the defaults.
func ToWebRTC(servers []protocol.ICEServer) []webrtc.ICEServer {
	if len(servers) == 0 {
		servers = DefaultServers
	}
	return lo.Map(servers, func(s protocol.ICEServer, _ int) webrtc.ICEServer {
		out := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			out.Credential = s.Credential
		}
		return out
	})
}
