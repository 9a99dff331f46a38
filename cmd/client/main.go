// Package main implements the rendersync client, which drives a visualization
// session frame by frame and prints what every tier received.
//
// Against a running rsserver the client:
//  1. waits for /health
//  2. reads /info for the topology and session id
//  3. opens one websocket link per tier on /link
//  4. opens a view, drives the frames, and sends Stop
//
// With --builtin the whole session, data servers included, runs inside the
// client process and no server is needed. With --stop the client only asks the
// server, over /control, to end the session it is running.
//
// Every frame prints one JSON line, for example:
//
//	{"frame":1,"trace":"01J...","mode":"clone","client_points":1000,...}
//
// Environment:
//   - RS_SERVER: server base URL (default: "http://127.0.0.1:8090")
//   - RS_* session variables, read by package session
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"

	"github.com/dreamware/rendersync/internal/bridge"
	"github.com/dreamware/rendersync/internal/cluster"
	"github.com/dreamware/rendersync/internal/session"
)

const version = "rsclient 0.1"

const usage = `rendersync client.

Drives frames of a session on rsserver, or of an in-process session with
--builtin, and prints one JSON line per frame.

Usage:
    rsclient [--server=<url>] [options]
    rsclient --builtin [--data-ranks=<n>] [--points=<n>] [options]
    rsclient --stop [--server=<url>] [--verbosity=<n>]
    rsclient -h | --help
    rsclient --version

Options:
    -h --help           Show this screen.
    --version           Show version.
    --server=<url>      Server base URL, overrides RS_SERVER.
    --builtin           Run every tier in this process.
    --stop              End the session the server is running.
    --data-ranks=<n>    Data-server ranks of a builtin session.
    --points=<n>        Points of a builtin session's cloud.
    --frames=<n>        Frames to drive.
    --view=<type>       View type to open.
    --mode=<mode>       Move mode: pass-through, collect or clone.
    --cache             Reuse deliveries by frame time.
    --verbosity=<n>     glog verbosity.`

// logFatal is a variable to allow mocking glog.Fatalf in tests.
var logFatal = glog.Fatalf

var parser = &docopt.Parser{HelpHandler: docopt.PrintHelpAndExit}

// getenv returns the environment variable key, or def when it is unset or empty.
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// options is the parsed command line.
type options struct {
	cfg     session.Config
	server  string
	builtin bool
	stop    bool
	cache   bool
	opts    docopt.Opts
}

func configure(argv []string, lookup func(string) (string, bool)) (options, error) {
	opts, err := parser.ParseArgs(usage, argv, version)
	if err != nil {
		return options{}, err
	}
	o := options{opts: opts, server: getenv("RS_SERVER", "http://127.0.0.1:8090")}
	o.builtin, _ = opts.Bool("--builtin")
	o.stop, _ = opts.Bool("--stop")
	o.cache, _ = opts.Bool("--cache")
	if v, ok := opts["--server"].(string); ok {
		o.server = v
	}

	cfg, err := session.LoadConfig(lookup)
	if err != nil {
		return o, err
	}
	if o.builtin {
		cfg.Topology = "builtin"
		cfg.RenderRanks = 0
	}
	if v, ok := opts["--view"].(string); ok {
		cfg.ViewType = v
	}
	if v, ok := opts["--mode"].(string); ok {
		cfg.Mode = v
	}
	for key, dst := range map[string]*int{
		"--data-ranks": &cfg.DataRanks,
		"--points":     &cfg.Points,
		"--frames":     &cfg.Frames,
	} {
		v, ok := opts[key].(string)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return o, fmt.Errorf("%w: %s=%q", session.ErrConfig, key, v)
		}
		*dst = n
	}
	o.cfg = cfg
	return o, cfg.Validate()
}

func setupLogging(opts docopt.Opts) {
	_ = flag.Set("logtostderr", "true")
	if v, ok := opts["--verbosity"].(string); ok {
		_ = flag.Set("v", v)
	}
}

// remote is a client session connected to rsserver.
type remote struct {
	client *session.Session
	driver *session.Driver
	chans  []bridge.Channel
}

var (
	errBusy       = errors.New("server is already serving a client")
	errNotRunning = errors.New("server is not running a session")
)

// connect joins the session a server at base is waiting to start.
func connect(ctx context.Context, base string, cfg session.Config) (*remote, error) {
	base = strings.TrimRight(base, "/")
	if err := cluster.WaitHealthy(ctx, base, 20, 250*time.Millisecond); err != nil {
		return nil, err
	}
	var st cluster.Status
	if err := cluster.GetJSON(ctx, base+"/info", &st); err != nil {
		return nil, fmt.Errorf("server info: %w", err)
	}
	if st.Running {
		return nil, errBusy
	}
	id, err := ulid.Parse(st.SessionID)
	if err != nil {
		return nil, fmt.Errorf("server info: session id: %w", err)
	}
	glog.Infof("joining session %s on %s (%s)", id, base, st.Topology)

	r := &remote{}
	byTier := make(map[string]bridge.Channel)
	for _, tier := range st.Topology.Tiers() {
		ch, err := bridge.DialWebsocket(ctx, cluster.LinkURL(base, tier), cfg.ChannelOptions())
		if err != nil {
			r.close()
			return nil, err
		}
		byTier[tier] = ch
		r.chans = append(r.chans, ch)
	}

	data := session.ChannelLink(byTier[cluster.TierData])
	var render session.Link
	trigger := data
	if ch := byTier[cluster.TierRender]; ch != nil {
		render = session.ChannelLink(ch)
		trigger = render
	}
	client, err := session.New(session.Deps{
		ID:       id,
		Role:     cluster.RoleClient,
		Topology: st.Topology,
		DataLink: byTier[cluster.TierData],
		Trigger:  session.RenderTrigger(trigger),
	})
	if err != nil {
		r.close()
		return nil, err
	}
	r.client = client
	r.driver = session.NewDriver(client, data, render, cfg.Width, cfg.Height)
	return r, nil
}

func (r *remote) close() {
	if r.client != nil {
		_ = r.client.Close()
	}
	for _, ch := range r.chans {
		_ = ch.Close()
	}
}

// drive opens cfg's view and runs its frames, writing one result per line.
func drive(ctx context.Context, d *session.Driver, cfg session.Config, cache bool, w io.Writer) error {
	if _, err := d.Open(ctx, cfg.ViewType); err != nil {
		return err
	}
	mode, set, err := cfg.MoveMode()
	if err != nil {
		return err
	}
	if !set {
		mode = d.DefaultMode()
	}
	enc := json.NewEncoder(w)
	for i := 0; i < cfg.Frames; i++ {
		req := session.FrameRequest{Time: float64(i), Mode: mode}
		if cache {
			req.UseCache = true
			req.CacheKey = fmt.Sprintf("t=%d", i)
		}
		res, err := d.Frame(ctx, req)
		if err != nil {
			return fmt.Errorf("frame %d: %w", i+1, err)
		}
		if err := enc.Encode(res); err != nil {
			return err
		}
	}
	return nil
}

// stopRemote asks the server at base to end its running session.
func stopRemote(ctx context.Context, base string) error {
	url := strings.TrimRight(base, "/") + "/control"
	err := cluster.PostJSON(ctx, url, cluster.ControlRequest{Command: "stop"}, nil)
	var se *cluster.StatusError
	if errors.As(err, &se) && se.Code == http.StatusConflict {
		return errNotRunning
	}
	return err
}

func run(ctx context.Context, o options, w io.Writer) error {
	if o.stop {
		return stopRemote(ctx, o.server)
	}
	if o.builtin {
		c, err := session.Launch(ctx, o.cfg, nil)
		if err != nil {
			return err
		}
		err = drive(ctx, c.Driver(), o.cfg, o.cache, w)
		return errors.Join(err, c.Close(context.WithoutCancel(ctx)))
	}

	r, err := connect(ctx, o.server, o.cfg)
	if err != nil {
		return err
	}
	defer r.close()
	err = drive(ctx, r.driver, o.cfg, o.cache, w)
	stopCtx := context.WithoutCancel(ctx)
	if serr := r.driver.Stop(stopCtx); serr != nil {
		glog.Warningf("stop over links: %v", serr)
		// a session that already ended needs no stop
		if serr = stopRemote(stopCtx, o.server); serr != nil && !errors.Is(serr, errNotRunning) {
			err = errors.Join(err, serr)
		}
	}
	return err
}

func main() {
	o, err := configure(os.Args[1:], os.LookupEnv)
	if err != nil {
		logFatal("config: %v", err)
	}
	setupLogging(o.opts)
	defer glog.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, o, os.Stdout); err != nil {
		glog.Flush()
		logFatal("rsclient: %v", err)
	}
}
