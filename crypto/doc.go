// Package crypto implements the ratcheting session layer of the secure
// delivery pipeline: identity key pairs, per-peer session establishment over
// a Noise-IK handshake, forward-stepping chain keys for message encryption,
// and the master-secret cache gating access to stored key material.
//
// Sessions are owned exclusively by the SessionCipher. Each successful
// decrypt advances the receive chain; replay of an already-consumed message
// index is reported as a duplicate, never retried.
//
// Example:
//
//	cipher := crypto.NewSessionCipher(store)
//	res := cipher.Decrypt("+15551234567", envelope, false)
//	switch res.Status {
//	case crypto.DecryptOK:
//	    // use res.Plaintext
//	case crypto.DecryptDuplicate:
//	    // record, do not retry
//	}
package crypto
