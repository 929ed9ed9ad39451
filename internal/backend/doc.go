// Package backend adapts the detection models behind one interface.
//
// Three kinds exist: a full-frame CNN classifier, an embedding-similarity
// model, and the localized-attention LAA model. Each owns its preprocessing
// and its output head; the model itself is produced by an injected
// ModelLoader. Availability is decided once at construction from explicit
// artifact checks and a bounded initialization timeout, and never changes
// afterwards.
//
// Inference on accelerator devices is serialized through a DeviceGate.
// Scoring never fails upward: Score turns errors and panics into a neutral
// probability flagged as Failed.
package backend
