// Package logx is pmagent's structured logging: a thin Logger over zerolog with
// typed fields and a Service whose sinks can be swapped on config reload.
//
// Console output is human readable with a short caller; the file sink writes
// one JSON object per line.
package logx
