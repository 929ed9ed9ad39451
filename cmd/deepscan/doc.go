// Command deepscan is the deepfake detection CLI.
//
// It analyzes video files with an ensemble of detection backends served by
// a KServe v2 model server and prints a verdict with per-frame and
// per-backend evidence:
//
//	deepscan detect clip.mp4
//	deepscan batch --metrics-addr :9090 ~/videos
//	deepscan backends
//	deepscan status
//	deepscan history --category FAKE
//	deepscan cache clear
//	deepscan config init
//
// Configuration is read from ~/.config/deepscan/config.toml unless --config
// points elsewhere.
package main
