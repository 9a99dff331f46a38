// Package cluster describes how the processes of a rendering session are arranged
// and gives them a small HTTP/JSON control plane.
//
// # Overview
//
// A session is made of one client and one or two server tiers. The data server
// owns and partitions the source data, the optional render server draws it, and
// the client is the driver the user interacts with:
//
//	┌──────────────┐
//	│    Client    │  driver: frame triggers, layout, render requests
//	└──────┬───────┘
//	       │ link (websocket)
//	┌──────▼───────┐     M-to-N bridge (TCP)   ┌──────────────────┐
//	│ Data server  │ ─────────────────────────▶ │  Render server   │
//	│ ranks 0..M-1 │                            │  ranks 0..N-1    │
//	└──────────────┘                            └──────────────────┘
//
// # Roles and Topology
//
// Role is assigned once per process and never changes. Topology is the
// deployment shape:
//   - Builtin: a single process group, rank 0 drives; with one rank nothing
//     is ever communicated
//   - ClientServer: a client plus one data-server group
//   - ClientDataRender: a client, a data-server group and a render-server group
//
// The move-data engine's behaviour is a pure function of (mode, role, topology),
// so these values are deliberately tiny and comparable.
//
// # Control Plane
//
// Server binaries expose:
//   - GET /health: liveness check, used by WaitHealthy
//   - GET /info: ServerInfo (session id, topology, registered views, frames)
//   - POST /control: ControlRequest, currently "stop"
//
// The control plane never carries frame data. Datasets, layouts and render
// triggers travel over the link and bridge channels.
package cluster
