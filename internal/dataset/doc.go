// Package dataset defines the structured payload that the delivery layer moves
// between ranks.
//
// # Overview
//
// A Dataset is deliberately small: a topology family (Kind), xyz points, a
// compact cell array and named attribute arrays on points and cells. It is what
// an upstream pipeline stage hands to the move-data engine and what the engine
// hands back to a representation for rendering.
//
//	Dataset
//	├── Kind        polydata | unstructured-grid
//	├── Points      [x0 y0 z0 x1 y1 z1 ...]
//	├── Cells       Offsets / Connectivity / Types
//	├── PointData   []Array (one tuple per point)
//	└── CellData    []Array (one tuple per cell)
//
// # Attribute Arrays
//
// Array values are held little-endian in a byte slice whatever the host, so two
// pieces appended on one machine and encoded on another stay byte-compatible.
// NewArray and ArrayValues convert to and from typed Go slices.
//
// # Append and Partition
//
// Append is the union used after a gather: points are concatenated in part
// order, connectivity and offsets are rebased, attribute bytes are concatenated.
// Parts must share Kind and attribute layout (names, types, components);
// otherwise ErrIncompatible is returned. Empty parts are skipped, so a rank that
// owns zero cells this frame never breaks a gather.
//
// Partition is the inverse used by tests and synthetic sources. For any k,
// Append(d.Partition(k)...) has the same point and cell counts and the same
// attribute values as d.
//
// # Copies
//
// ShallowCopy shares storage and is what a no-communication delivery returns.
// DeepCopy shares nothing. Marshalling in the codec package always copies into
// its buffer, so the source may be mutated right after Marshal returns.
package dataset
