// Package main implements the rendersync server, which hosts the data-server
// group of a session and, for a three-tier topology, the render-server group.
//
// The server is the remote half of a client/server visualization session,
// responsible for:
//   - Running one goroutine per data-server (and render-server) rank
//   - Pairing the data and render groups over a loopback TCP bridge
//   - Accepting the client's links as websockets
//   - Reporting rank state for monitoring
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│               rsserver                  │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /health       - Health check         │
//	│    /info         - Session and ranks    │
//	│    /control      - Control commands     │
//	│    /link         - Client link (ws)     │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    session.Servers - Rank groups        │
//	│    bridge          - DS to RS channels  │
//	└─────────────────────────────────────────┘
//
// A session starts when the client has opened one link per tier
// (/link?tier=data, and /link?tier=render for client-data-render) and ends
// when the client sends Stop or a link fails. The server then waits for the
// next client.
//
// Configuration comes from RS_* environment variables (see package session),
// optionally an RS_CONFIG YAML file, and the command line, in increasing
// precedence.
//
// Example usage:
//
//	RS_TOPOLOGY=client-data-render ./rsserver --data-ranks=4 --render-ranks=2
//	curl localhost:8090/info
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"

	"github.com/dreamware/rendersync/internal/bridge"
	"github.com/dreamware/rendersync/internal/cluster"
	"github.com/dreamware/rendersync/internal/session"
)

const version = "rsserver 0.1"

const usage = `rendersync server.

Hosts the server groups of a session. A client connects one link per tier on
/link and drives frames over them.

Usage:
    rsserver [--listen=<addr>] [--topology=<topology>]
        [--data-ranks=<n>] [--render-ranks=<n>]
        [--points=<n>] [--verbosity=<n>]
    rsserver -h | --help
    rsserver --version

Options:
    -h --help               Show this screen.
    --version               Show version.
    --listen=<addr>         Control plane address, overrides RS_LISTEN.
    --topology=<topology>   client-server or client-data-render.
    --data-ranks=<n>        Data-server ranks.
    --render-ranks=<n>      Render-server ranks.
    --points=<n>            Points of the synthetic cloud.
    --verbosity=<n>         glog verbosity.`

// logFatal is a variable to allow mocking glog.Fatalf in tests.
var logFatal = glog.Fatalf

var parser = &docopt.Parser{HelpHandler: docopt.PrintHelpAndExit}

// configure merges the environment with the command line. Command line
// options win.
func configure(argv []string, lookup func(string) (string, bool)) (session.Config, docopt.Opts, error) {
	opts, err := parser.ParseArgs(usage, argv, version)
	if err != nil {
		return session.Config{}, nil, err
	}
	cfg, err := session.LoadConfig(lookup)
	if err != nil {
		return cfg, opts, err
	}
	if v, ok := opts["--listen"].(string); ok {
		cfg.Listen = v
	}
	if v, ok := opts["--topology"].(string); ok {
		cfg.Topology = v
	}
	for key, dst := range map[string]*int{
		"--data-ranks":   &cfg.DataRanks,
		"--render-ranks": &cfg.RenderRanks,
		"--points":       &cfg.Points,
	} {
		v, ok := opts[key].(string)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, opts, fmt.Errorf("%w: %s=%q", session.ErrConfig, key, v)
		}
		*dst = n
	}
	if err := cfg.Validate(); err != nil {
		return cfg, opts, err
	}
	if topo, _ := cfg.ClusterTopology(); !topo.HasClient() {
		return cfg, opts, fmt.Errorf("%w: %s has no client to serve; use rsclient --builtin", session.ErrConfig, topo)
	}
	return cfg, opts, nil
}

// setupLogging points glog at stderr and applies --verbosity.
func setupLogging(opts docopt.Opts) {
	_ = flag.Set("logtostderr", "true")
	if v, ok := opts["--verbosity"].(string); ok {
		_ = flag.Set("v", v)
	}
}

// server accepts client links and runs one session at a time.
type server struct {
	base   context.Context
	cfg    session.Config
	topo   cluster.Topology
	source session.SourceFunc

	mu       sync.Mutex
	id       ulid.ULID // session the next or current client joins
	links    map[string]bridge.Channel
	running  *session.Servers
	cancel   context.CancelFunc
	sessions int
}

func newServer(base context.Context, cfg session.Config, source session.SourceFunc) *server {
	topo, _ := cfg.ClusterTopology()
	return &server{
		base:   base,
		cfg:    cfg,
		topo:   topo,
		source: source,
		id:     ulid.Make(),
		links:  make(map[string]bridge.Channel),
	}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/info", s.handleInfo)
	mux.HandleFunc("/control", s.handleControl)
	mux.HandleFunc("/link", s.handleLink)
	return mux
}

// infoResponse is the /info payload.
type infoResponse struct {
	cluster.Status
	Ranks []session.Info `json:"ranks,omitempty"`
}

func (s *server) status() infoResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp := infoResponse{Status: cluster.Status{
		SessionID: s.id.String(),
		Topology:  s.topo,
		Running:   s.running != nil,
		Sessions:  s.sessions,
	}}
	if s.running != nil {
		resp.Ranks = s.running.Info()
		return resp
	}
	for _, tier := range s.topo.Tiers() {
		if s.links[tier] == nil {
			resp.Pending = append(resp.Pending, tier)
		}
	}
	return resp
}

func (s *server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.status())
}

// handleControl accepts {"command": "stop"}, which ends the running session.
func (s *server) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req cluster.ControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	glog.V(1).Infof("control: %q", req.Command)
	switch req.Command {
	case "stop":
		if !s.stop() {
			http.Error(w, "no running session", http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, fmt.Sprintf("unknown command %q", req.Command), http.StatusBadRequest)
	}
}

// handleLink upgrades one tier link. The session starts with the last
// missing tier.
func (s *server) handleLink(w http.ResponseWriter, r *http.Request) {
	tier := r.URL.Query().Get("tier")
	if tier == "" {
		tier = cluster.TierData
	}
	if !slices.Contains(s.topo.Tiers(), tier) {
		http.Error(w, fmt.Sprintf("no %q tier in %s", tier, s.topo), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running != nil || s.links[tier] != nil {
		http.Error(w, "link in use", http.StatusConflict)
		return
	}
	ch, err := bridge.Upgrade(w, r, s.cfg.ChannelOptions())
	if err != nil {
		glog.Warningf("link %s from %s: %v", tier, r.RemoteAddr, err)
		return
	}
	s.links[tier] = ch
	glog.Infof("session %s: %s link from %s", s.id, tier, r.RemoteAddr)
	if len(s.links) == len(s.topo.Tiers()) {
		s.startLocked()
	}
}

func (s *server) startLocked() {
	ctx, cancel := context.WithCancel(s.base)
	servers, err := session.StartServers(ctx, session.ServerOptions{
		Config:        s.cfg,
		ID:            s.id,
		Source:        s.source,
		DataChannel:   s.links[cluster.TierData],
		RenderChannel: s.links[cluster.TierRender],
	})
	if err != nil {
		cancel()
		glog.Errorf("session %s: start: %v", s.id, err)
		s.resetLocked()
		return
	}
	s.running, s.cancel = servers, cancel
	go s.wait(servers, cancel)
}

// wait releases the session once every rank loop returned.
func (s *server) wait(servers *session.Servers, cancel context.CancelFunc) {
	err := servers.Wait()
	_ = servers.Close()
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		glog.Errorf("session %s ended: %v", s.id, err)
	} else {
		glog.Infof("session %s ended", s.id)
	}
	s.sessions++
	s.resetLocked()
}

func (s *server) resetLocked() {
	for _, ch := range s.links {
		_ = ch.Close()
	}
	clear(s.links)
	s.running, s.cancel = nil, nil
	s.id = ulid.Make()
}

// stop cancels the running session and reports whether there was one.
func (s *server) stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return false
	}
	s.cancel()
	return true
}

func main() {
	cfg, opts, err := configure(os.Args[1:], os.LookupEnv)
	if err != nil {
		logFatal("config: %v", err)
	}
	setupLogging(opts)
	defer glog.Flush()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := newServer(ctx, cfg, session.Synthetic(cfg.Points))

	hs := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		glog.Infof("rsserver listening on %s (%s, %d points)", cfg.Listen, srv.topo, cfg.Points)
		if err := hs.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logFatal("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	// hijacked websocket links outlive Shutdown; cancelling ends their session
	cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		glog.Warningf("server shutdown: %v", err)
	}
	glog.Info("rsserver stopped")
}
