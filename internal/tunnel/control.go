package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Rule is one forwarding rule reported by the tunnel agent.
type Rule struct {
	PublicAddress string
	Protocol      string
	LocalTarget   string
}

// ControlAPI lists the rules the tunnel agent is currently serving.
type ControlAPI interface {
	Rules(ctx context.Context) ([]Rule, error)
}

// AgentAPI reads rules from the agent's local inspection endpoint
// (GET /api/tunnels).
type AgentAPI struct {
	baseURL string
	client  *http.Client
}

// NewAgentAPI targets the agent dashboard on 127.0.0.1:dashboardPort.
func NewAgentAPI(dashboardPort int) *AgentAPI {
	return NewAgentAPIAt(fmt.Sprintf("http://127.0.0.1:%d", dashboardPort))
}

// NewAgentAPIAt targets an explicit base URL.
func NewAgentAPIAt(baseURL string) *AgentAPI {
	return &AgentAPI{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 3 * time.Second},
	}
}

type agentTunnels struct {
	Tunnels []struct {
		PublicURL string `json:"public_url"`
		Proto     string `json:"proto"`
		Config    struct {
			Addr string `json:"addr"`
		} `json:"config"`
	} `json:"tunnels"`
}

func (a *AgentAPI) Rules(ctx context.Context) ([]Rule, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/api/tunnels", nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query tunnel agent: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tunnel agent returned %s", resp.Status)
	}

	var body agentTunnels
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode tunnel agent response: %w", err)
	}
	rules := make([]Rule, 0, len(body.Tunnels))
	for _, t := range body.Tunnels {
		rules = append(rules, Rule{
			PublicAddress: t.PublicURL,
			Protocol:      t.Proto,
			LocalTarget:   t.Config.Addr,
		})
	}
	return rules, nil
}

var (
	errNoRules      = errors.New("tunnel agent reports no rules yet")
	ErrPortMismatch = errors.New("tunnel forwards to a different local port")
)

// matchRule picks the public address of a rule whose local target port is
// port, preferring https. Rules for other ports are never accepted.
func matchRule(rules []Rule, port int) (string, error) {
	if len(rules) == 0 {
		return "", errNoRules
	}
	var match string
	var seen []string
	for _, r := range rules {
		p, err := targetPort(r.LocalTarget)
		if err != nil || p != port {
			seen = append(seen, r.LocalTarget)
			continue
		}
		if strings.HasPrefix(r.PublicAddress, "https://") || r.Protocol == "https" {
			return r.PublicAddress, nil
		}
		if match == "" {
			match = r.PublicAddress
		}
	}
	if match != "" {
		return match, nil
	}
	return "", fmt.Errorf("%w: want %d, agent targets %s", ErrPortMismatch, port, strings.Join(seen, ", "))
}

// targetPort extracts the port from "http://localhost:5000",
// "localhost:5000" or "5000".
func targetPort(addr string) (int, error) {
	addr = strings.TrimSpace(addr)
	if strings.Contains(addr, "://") {
		u, err := url.Parse(addr)
		if err != nil {
			return 0, err
		}
		if p := u.Port(); p != "" {
			return strconv.Atoi(p)
		}
		switch u.Scheme {
		case "https":
			return 443, nil
		case "http":
			return 80, nil
		}
		return 0, fmt.Errorf("no port in %q", addr)
	}
	if strings.Contains(addr, ":") {
		_, p, err := net.SplitHostPort(addr)
		if err != nil {
			return 0, err
		}
		return strconv.Atoi(p)
	}
	return strconv.Atoi(addr)
}
