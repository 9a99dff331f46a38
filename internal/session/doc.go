// Package session wires the tiers of a rendering session together and drives
// frames through them.
//
// A Session is the context object of one rank: it owns the move-data engine,
// the synchronized window manager, the view registry and the delivery cache of
// that process, and hands them to the views it opens. There is no package
// level state; two sessions in one process are independent.
//
// Architecture:
//
//	            ┌──────────── client ────────────┐
//	            │ Driver ── Session(client)      │
//	            └───┬───────────────────────┬────┘
//	      data link │                       │ render link
//	   (ws or pipe) │                       │ (ws or pipe)
//	┌───────────────▼──────┐  bridge  ┌─────▼────────────────┐
//	│ data-server group    │ ───────► │ render-server group  │
//	│ root P0 + followers  │ M-to-N   │ root P0 + followers  │
//	└──────────────────────┘   TCP    └──────────────────────┘
//
// Control protocol:
//
// The driver sends Message values to each group root. The root broadcasts
// every message to its followers, all ranks handle it, and the root replies
// with an Ack. Per frame:
//
//  1. Frame {index, time, mode, cache key, modified} to every root
//  2. every rank runs Update, Information, PrepareForRender and Render; the
//     data-server root ships collected or cloned data to the client on the
//     same link, ahead of its Ack
//  3. Render {layout} to the rendering group, acknowledged once every rank
//     rendered with that layout
//
// Open {view type} precedes the first frame of a view so that every process
// allocates the same view id.
//
// Configuration:
//
// Config comes from DefaultConfig, an optional YAML file named by RS_CONFIG,
// then RS_* environment variables:
//   - RS_TOPOLOGY: builtin, client-server or client-data-render
//   - RS_DATA_RANKS, RS_RENDER_RANKS: group sizes
//   - RS_BRIDGE_ADDR: listen address of the data/render bridge
//   - RS_VIEW, RS_MODE: view type and move mode driven by the client
//   - RS_LINK_TIMEOUT, RS_FRAME_LIMIT: per-message deadline and size bound
//   - RS_TILE_DISPLAY: tile display YAML for the rendering ranks
//
// Cluster runs all of it in one process, which is what tests and
// `client --builtin` use.
package session
