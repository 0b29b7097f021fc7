// Package wire handles the transport framing of the pipeline: base64
// envelope encoding, the wire prefixes that let a receiver recognize secure
// traffic before decryption, fragmentation of oversized payloads into
// SMS-sized segments, and the keyed reassembly of multi-part incoming
// messages.
//
// Incomplete reassembly buffers are discarded after an idle timeout without
// error; no partial-decrypt attempt is ever made.
package wire
