package tiledisplay

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid tile display config")

// Display is one surface in room coordinates. XBasis runs along the bottom edge
// and YBasis up the left edge, both starting at Origin.
type Display struct {
	Rank   int     `yaml:"rank"`
	Origin Vector3 `yaml:"origin"`
	XBasis Vector3 `yaml:"x_basis"`
	YBasis Vector3 `yaml:"y_basis"`
}

// Rotation has rows x, y and z = x cross y, each normalised.
func (d Display) Rotation() [3]Vector3 {
	x := d.XBasis.Normal()
	y := d.YBasis.Normal()
	return [3]Vector3{x, y, x.Cross(y).Normal()}
}

// Normal is the direction the surface faces.
func (d Display) Normal() Vector3 {
	return d.Rotation()[2]
}

// Config is a tile display description, normally loaded from YAML:
//
//	tiles: [2, 1]
//	shrink_gaps: true
//	displays:
//	  - rank: 0
//	    origin: [-1, -1, -1]
//	    x_basis: [2, 0, 0]
//	    y_basis: [0, 2, 0]
type Config struct {
	// Tiles is the wall size in columns and rows.
	Tiles      [2]int    `yaml:"tiles"`
	ShrinkGaps bool      `yaml:"shrink_gaps"`
	Displays   []Display `yaml:"displays"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tile display config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the tile grid and every display: its rank is unique and
// inside the grid, and its bases span a finite surface.
func (c *Config) Validate() error {
	if c.Tiles[0] < 1 || c.Tiles[1] < 1 {
		return fmt.Errorf("%w: tiles %dx%d", ErrInvalid, c.Tiles[0], c.Tiles[1])
	}
	seen := make(map[int]bool, len(c.Displays))
	for _, d := range c.Displays {
		if d.Rank < 0 || d.Rank >= c.Count() {
			return fmt.Errorf("%w: rank %d outside %d tiles", ErrInvalid, d.Rank, c.Count())
		}
		if seen[d.Rank] {
			return fmt.Errorf("%w: rank %d listed twice", ErrInvalid, d.Rank)
		}
		seen[d.Rank] = true
		if !d.Origin.IsFinite() || !d.XBasis.IsFinite() || !d.YBasis.IsFinite() {
			return fmt.Errorf("%w: display %d has non-finite coordinates", ErrInvalid, d.Rank)
		}
		if d.XBasis.Cross(d.YBasis).Length() < 1e-6 {
			return fmt.Errorf("%w: display %d bases are degenerate", ErrInvalid, d.Rank)
		}
	}
	return nil
}

// Count is the number of tiles in the wall.
func (c *Config) Count() int {
	return c.Tiles[0] * c.Tiles[1]
}

func (c *Config) ForRank(rank int) (Display, bool) {
	for _, d := range c.Displays {
		if d.Rank == rank {
			return d, true
		}
	}
	return Display{}, false
}

// Viewport is the part of the full image a rank shows, as fractions
// {xmin, ymin, xmax, ymax}. Tiles are numbered row by row from the bottom left.
func (c *Config) Viewport(rank int) [4]float32 {
	cols, rows := float32(c.Tiles[0]), float32(c.Tiles[1])
	col, row := float32(rank%c.Tiles[0]), float32(rank/c.Tiles[0])
	return [4]float32{col / cols, row / rows, (col + 1) / cols, (row + 1) / rows}
}
