// Package mms implements a minimal MMS PDU codec: composing send requests,
// parsing send confirmations, delivery notifications and retrieve
// confirmations, and iterating the body parts of a retrieved message.
//
// The codec covers only the PDU types and header fields this pipeline
// consumes. The transport adapter carries the encoded bytes to and from the
// carrier MMSC.
package mms
