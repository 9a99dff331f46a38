// Package movedata decides, per frame, where a representation's geometry goes
// and performs the collective movement.
//
// # Behaviour
//
// The outcome depends on the move mode, the role of the calling process and
// whether the session has a render-server tier:
//
//	mode          no render tier                    with render tier
//	------------  --------------------------------  -----------------------------------
//	pass-through  data: shallow copy                data: all-to-N, then bridge relay
//	                                                render: receive from bridge
//	collect       data: gather to root, root ships  same; render tier idle
//	              the union to the client
//	clone         data: all-gather; root ships the  same, plus root relays to render
//	              union to the client               rank 0, which broadcasts it
//
// Clients receive in collect and clone and get an empty dataset otherwise.
// CollectAndPassThrough is delivered as Collect.
//
// The table is a map from (mode, role, render tier) to a handler. A
// single-process topology bypasses it and every call returns a shallow copy. A
// tier of one rank skips its collective.
//
// # Failure Model
//
// Deliver never returns a nil dataset. Absent input is treated as empty. A rank
// whose piece cannot be marshalled contributes an empty piece so that its peers
// are not left waiting. Communication failures empty the rank's result for the
// current frame and are reported through the returned error and the engine's
// Stats. Ranks without a bridge channel skip relays silently.
//
// # Buffers
//
// Intermediate buffers belong to a per-call scope and are reset on every return
// path. Stats.Allocated and Stats.Released are equal whenever no Deliver is in
// flight.
//
// # Caching
//
// DeliverCached keys results by a caller-chosen string (typically the view
// time). Every rank must present the same keys and call MarkModified at the
// same points, otherwise some ranks would skip a collective the others enter.
package movedata
