package session

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dreamware/rendersync/internal/bridge"
	"github.com/dreamware/rendersync/internal/cluster"
	"github.com/dreamware/rendersync/internal/movedata"
	"github.com/dreamware/rendersync/internal/tiledisplay"
)

var ErrConfig = errors.New("invalid configuration")

// Config is the deployment of one session. It is read from an optional YAML
// file named by RS_CONFIG; RS_* environment variables override the file.
type Config struct {
	Topology    string `yaml:"topology"`     // builtin, client-server or client-data-render
	DataRanks   int    `yaml:"data_ranks"`   // RS_DATA_RANKS
	RenderRanks int    `yaml:"render_ranks"` // RS_RENDER_RANKS

	Listen     string `yaml:"listen"`      // control plane address of the server
	BridgeAddr string `yaml:"bridge_addr"` // data/render bridge listen address

	ViewType string `yaml:"view_type"`
	Mode     string `yaml:"mode"` // default move mode; empty uses the view type's
	Points   int    `yaml:"points"`
	Frames   int    `yaml:"frames"`
	Width    int    `yaml:"width"`
	Height   int    `yaml:"height"`

	LinkTimeout time.Duration `yaml:"link_timeout"`
	FrameLimit  int           `yaml:"frame_limit"` // largest accepted frame payload in bytes

	TileDisplay string `yaml:"tile_display"` // path of a tile display YAML file
}

func DefaultConfig() Config {
	return Config{
		Topology:    "client-server",
		DataRanks:   1,
		Listen:      ":8090",
		BridgeAddr:  "127.0.0.1:0",
		ViewType:    "RenderView",
		Points:      1000,
		Frames:      3,
		Width:       400,
		Height:      300,
		LinkTimeout: bridge.DefaultTimeout,
		FrameLimit:  256 << 20,
	}
}

// LoadConfig builds a Config from defaults, the RS_CONFIG file and the
// environment, in that order.
func LoadConfig(lookup func(string) (string, bool)) (Config, error) {
	cfg := DefaultConfig()
	if path, ok := lookup("RS_CONFIG"); ok && path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("%w: %s: %v", ErrConfig, path, err)
		}
	}

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var err error
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, perr := strconv.Atoi(v)
			if perr != nil {
				err = errors.Join(err, fmt.Errorf("%w: %s=%q", ErrConfig, key, v))
				return
			}
			*dst = n
		}
	}
	str("RS_TOPOLOGY", &cfg.Topology)
	num("RS_DATA_RANKS", &cfg.DataRanks)
	num("RS_RENDER_RANKS", &cfg.RenderRanks)
	str("RS_LISTEN", &cfg.Listen)
	str("RS_BRIDGE_ADDR", &cfg.BridgeAddr)
	str("RS_VIEW", &cfg.ViewType)
	str("RS_MODE", &cfg.Mode)
	num("RS_POINTS", &cfg.Points)
	num("RS_FRAMES", &cfg.Frames)
	num("RS_FRAME_LIMIT", &cfg.FrameLimit)
	str("RS_TILE_DISPLAY", &cfg.TileDisplay)
	if v, ok := lookup("RS_LINK_TIMEOUT"); ok && v != "" {
		d, perr := time.ParseDuration(v)
		if perr != nil {
			err = errors.Join(err, fmt.Errorf("%w: RS_LINK_TIMEOUT=%q", ErrConfig, v))
		} else {
			cfg.LinkTimeout = d
		}
	}
	if err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	topo, err := c.ClusterTopology()
	if err != nil {
		return err
	}
	if err := topo.Validate(); err != nil {
		return err
	}
	if _, _, err := c.MoveMode(); err != nil {
		return err
	}
	if c.Points < 0 || c.Frames < 0 || c.Width < 1 || c.Height < 1 {
		return fmt.Errorf("%w: points=%d frames=%d size=%dx%d", ErrConfig, c.Points, c.Frames, c.Width, c.Height)
	}
	return nil
}

func (c Config) ClusterTopology() (cluster.Topology, error) {
	kind, err := cluster.ParseTopologyKind(c.Topology)
	if err != nil {
		return cluster.Topology{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return cluster.Topology{Kind: kind, DataRanks: c.DataRanks, RenderRanks: c.RenderRanks}, nil
}

// MoveMode is the configured mode; set is false when the view type decides.
func (c Config) MoveMode() (m movedata.Mode, set bool, err error) {
	if c.Mode == "" {
		return 0, false, nil
	}
	m, err = movedata.ParseMode(c.Mode)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return m, true, nil
}

func (c Config) ChannelOptions() bridge.Options {
	return bridge.Options{Timeout: c.LinkTimeout, Limit: c.FrameLimit}
}

// Tiles loads the tile display file, or returns nil when none is configured.
func (c Config) Tiles() (*tiledisplay.Config, error) {
	if c.TileDisplay == "" {
		return nil, nil
	}
	return tiledisplay.Load(c.TileDisplay)
}
