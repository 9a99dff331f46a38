// Package comm provides rank-to-rank messaging and collectives for one process
// group.
//
// The Comm interface mirrors the small MPI subset the delivery layer needs:
// point-to-point Send/Recv, Barrier, Broadcast, Gather and AllGather, plus
// Agree, a label exchange that makes frame sequencing checkable. World is an
// in-process implementation where each rank is a goroutine holding its own
// Comm handle; Single is a group of one and never communicates.
//
// Collectives are cooperative rendezvous: every rank of the group must call the
// same collective, in the same order, for the same frame. World tags each
// message with the operation that produced it, and a receive that finds the
// wrong tag returns ErrDesync instead of deadlocking later on. A rank that
// simply never arrives still blocks its peers until their context is done.
package comm
