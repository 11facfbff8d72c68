// Package service orchestrates one workflow request end to end: builds
// the per-request tool registry from caller tokens, borrows a pooled
// gateway handle, drives the graph runtime, and translates runtime
// events into the SSE frame protocol.
package service
