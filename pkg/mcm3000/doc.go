// Package mcm3000 drives Thorlabs MCM3000-series motor controllers over a
// serial connection.
//
// The controller exposes up to three channels, each optionally fitted with a
// linear-travel stage module. Positions travel on the wire as signed
// little-endian encoder counts; this package converts them to micrometres
// using the per-stage encoder resolution and keeps every commanded move
// inside the stage's hardware travel and the caller's narrower scan limits.
package mcm3000
