// Package codec turns datasets into byte buffers and back, and frames buffers
// for streams.
//
// Piece format (version 1) is a protobuf-wire message written with protowire:
// version, kind, little-endian float32 points, zigzag-varint offsets and
// connectivity, cell types, then one embedded message per attribute array.
// Nothing in it depends on host byte order or word size. An empty dataset is a
// zero-length piece.
//
// A Buffer holds several pieces back to back with a lengths/offsets table, which
// is what gathers produce. Unmarshal appends all pieces, so unmarshalling the
// concatenation of Marshal(D1)...Marshal(Dk) gives the union of D1..Dk.
//
// Frames carry a Buffer over a stream: a 4-byte piece count, one 4-byte length
// per piece, then the payload. Readers stop with ErrTruncated when the stream
// ends early, so a broken peer can never be mistaken for a short dataset.
package codec
