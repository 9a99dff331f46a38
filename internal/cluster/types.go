package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type Role uint8

const (
	RoleClient Role = iota + 1
	RoleDataServer
	RoleRenderServer
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleDataServer:
		return "data-server"
	case RoleRenderServer:
		return "render-server"
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// Tag is the short prefix used on log lines written by a rank of this role.
func (r Role) Tag() string {
	switch r {
	case RoleClient:
		return "cl"
	case RoleDataServer:
		return "ds"
	case RoleRenderServer:
		return "rs"
	}
	return "??"
}

func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "client":
		return RoleClient, nil
	case "data-server", "dataserver", "data":
		return RoleDataServer, nil
	case "render-server", "renderserver", "render":
		return RoleRenderServer, nil
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

type TopologyKind uint8

const (
	// TopologyBuiltin runs every tier in one process group; rank 0 is the driver.
	TopologyBuiltin TopologyKind = iota + 1
	// TopologyClientServer has a separate client and one data-server group.
	TopologyClientServer
	// TopologyClientDataRender adds a separate render-server group.
	TopologyClientDataRender
)

func (k TopologyKind) String() string {
	switch k {
	case TopologyBuiltin:
		return "builtin"
	case TopologyClientServer:
		return "client-server"
	case TopologyClientDataRender:
		return "client-data-render"
	}
	return fmt.Sprintf("topology(%d)", uint8(k))
}

func ParseTopologyKind(s string) (TopologyKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "builtin", "":
		return TopologyBuiltin, nil
	case "client-server", "cs":
		return TopologyClientServer, nil
	case "client-data-render", "cdsrs":
		return TopologyClientDataRender, nil
	}
	return 0, fmt.Errorf("unknown topology %q", s)
}

var ErrInvalidTopology = errors.New("invalid topology")

// Topology is fixed at session start and never renegotiated.
type Topology struct {
	Kind        TopologyKind `json:"kind" yaml:"kind"`
	DataRanks   int          `json:"data_ranks" yaml:"data_ranks"`
	RenderRanks int          `json:"render_ranks" yaml:"render_ranks"`
}

func (t Topology) HasRenderServer() bool {
	return t.Kind == TopologyClientDataRender && t.RenderRanks > 0
}

func (t Topology) HasClient() bool {
	return t.Kind == TopologyClientServer || t.Kind == TopologyClientDataRender
}

// SingleProcess reports the degenerate case with no sockets and one rank.
func (t Topology) SingleProcess() bool {
	return t.Kind == TopologyBuiltin && t.DataRanks <= 1
}

func (t Topology) Validate() error {
	switch t.Kind {
	case TopologyBuiltin, TopologyClientServer:
		if t.RenderRanks != 0 {
			return fmt.Errorf("%w: %s has no render-server tier", ErrInvalidTopology, t.Kind)
		}
	case TopologyClientDataRender:
		if t.RenderRanks < 1 {
			return fmt.Errorf("%w: render ranks must be positive", ErrInvalidTopology)
		}
	default:
		return fmt.Errorf("%w: kind %d", ErrInvalidTopology, t.Kind)
	}
	if t.DataRanks < 1 {
		return fmt.Errorf("%w: data ranks must be positive", ErrInvalidTopology)
	}
	return nil
}

func (t Topology) String() string {
	if t.HasRenderServer() {
		return fmt.Sprintf("%s(ds=%d rs=%d)", t.Kind, t.DataRanks, t.RenderRanks)
	}
	return fmt.Sprintf("%s(ds=%d)", t.Kind, t.DataRanks)
}

type ServerInfo struct {
	SessionID string   `json:"session_id"`
	Topology  Topology `json:"topology"`
	Views     []uint32 `json:"views"`
	Frames    uint64   `json:"frames"`
	Linked    bool     `json:"linked"`
}

type ControlRequest struct {
	Command string `json:"command"`
}

// Link tiers a client connects on /link.
const (
	TierData   = "data"
	TierRender = "render"
)

// Tiers lists the links a client of t must open, data first.
func (t Topology) Tiers() []string {
	if t.HasRenderServer() {
		return []string{TierData, TierRender}
	}
	return []string{TierData}
}

// Status is what a server reports on /info before and while a client is
// connected. SessionID names the session the next client joins.
type Status struct {
	SessionID string   `json:"session_id"`
	Topology  Topology `json:"topology"`
	Running   bool     `json:"running"`
	Sessions  int      `json:"sessions"` // sessions finished since startup
	Pending   []string `json:"pending_links,omitempty"`
}

// LinkURL turns a server base URL into the websocket URL of one tier link.
func LinkURL(base, tier string) string {
	u := strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/link?tier=" + tier
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

// StatusError is a non-2xx answer of a control-plane endpoint.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %s: %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

// PostJSON posts body as JSON to url and decodes the answer into out unless
// out is nil.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(req, out)
}

func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return do(req, out)
}

func do(req *http.Request, out any) error {
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &StatusError{URL: req.URL.String(), Code: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// WaitHealthy polls base+"/health" until it answers 200, giving up after attempts tries.
func WaitHealthy(ctx context.Context, base string, attempts int, delay time.Duration) error {
	url := strings.TrimRight(base, "/") + "/health"
	var lastErr error
	for i := 0; i < attempts; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := httpClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
			err = fmt.Errorf("http %s: %d", url, resp.StatusCode)
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("server not healthy after %d attempts: %w", attempts, lastErr)
}
