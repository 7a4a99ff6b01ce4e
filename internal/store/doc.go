package store

// Package store persists campaign state across restarts.
//
// Two drivers are available:
//   - file: one JSON document per campaign with atomic replace and backup
//   - sqlite: single-file database (build with -tags sqlite)
//
// Open wraps the chosen driver with a single-writer queue and a short-lived
// read-through cache; everything handed out is a deep copy.
