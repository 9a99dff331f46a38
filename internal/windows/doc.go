// Package windows keeps render windows of every process in step.
//
// Each process owns a Manager. Views are registered with the same calls, in
// the same order, on every process; this is how processes agree on view ids
// without negotiating them. Only the driver (the client, or rank 0 of a
// builtin group) changes layout. A render on the driver:
//
//  1. serializes the layout of every live view into a LayoutMessage,
//  2. hands it to the Trigger, which reaches every follower,
//  3. renders its own windows.
//
// A follower receiving the message applies the layout first and renders
// second, so no follower ever renders with the previous frame's layout.
//
// With Options.Enabled false a render stays local, which is what tests and
// single-process sessions use. Options.ShrinkGaps is set on tiled-display
// servers only; it packs the views together before rendering and leaves the
// driver's logical layout untouched.
//
// Per-view state:
//
//	Unregistered -> Registered -> Rendering -> Registered -> ... -> Removed
//
// Backend is the windowing system. MemoryBackend is a headless RGBA backend.
package windows
