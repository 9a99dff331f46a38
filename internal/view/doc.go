// Package view runs the per-frame pass protocol over a view's representations.
//
// A frame is Update, Information, PrepareForRender and Render, in that order.
// Frame enforces the order and, given a rank group, checks with Comm.Agree that
// every rank is at the same frame and pass before the pass runs. A
// representation whose Visible reports false is not called for any pass.
//
// Before Update the view pushes its time and cache policy into every visible
// CachePolicyReceiver. The request Info handed to ProcessViewRequest is cleared
// after each pass, so nothing from one frame is seen by the next.
//
// Registry maps view type names such as "RenderView" to factories; the type
// is chosen once, when the view is built.
package view
