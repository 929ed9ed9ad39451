// Package inference talks to the model server that hosts backend weights.
//
// The server speaks the KServe v2 REST protocol: models are loaded through
// the repository endpoint, probed for readiness, and run with a single FP32
// input tensor. Client.Loader adapts the client to backend.ModelLoader so
// backends stay unaware of the transport. Transient failures (timeouts, 429,
// 5xx) are retried with capped exponential backoff.
package inference
