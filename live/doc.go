// Package live keeps a dashboard connected to its live-update endpoint.
//
// The primary lifecycle is:
//   - construct a Client with NewClient, registering one Sink per envelope type
//   - Connect with the identity whose updates should be streamed
//   - Send envelopes while the client is open
//   - Disconnect when finished
//
// Each connection attempt presents a bearer token from the CredentialProvider,
// both as an Authorization header and as the first frame on the socket. After
// a failure the connection is discarded and a new one is built once the
// ReconnectPolicy delay has passed; the attempt counter is reset only after a
// handshake is accepted. A Keepalive probes the server and declares the
// connection dead after a configurable silence.
//
// All state changes, timer callbacks and sink invocations run on one event
// loop per session, so sinks see envelopes in arrival order. Sinks and
// listeners may call Send, Connect and Disconnect; the last two take effect
// once the callback returns.
//
// Errors are coded *Error values created with NewError and may wrap
// transport, handshake, keepalive, protocol, or sink causes.
package live
