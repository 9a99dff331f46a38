// Package tiledisplay describes a wall of display surfaces driven by render
// ranks, one surface per rank.
//
// A wall is a grid of Tiles columns by rows. Render rank r shows the part of
// the full image returned by Viewport(r); tiles are numbered row by row from
// the bottom left. Each Display places one surface in room coordinates by an
// origin and two basis vectors, from which Rotation and Normal are derived.
//
// Configurations are YAML files, see Config. Vectors are written as
// three-element sequences:
//
//	origin: [-1, -1, -1]
//	x_basis: [2, 0, 0]
package tiledisplay
