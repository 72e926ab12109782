// Package logx is the bridge's structured logger, a thin layer over zerolog.
//
// Loggers handed out by a Service follow it across Apply, so a config reload
// can change the level or sinks without re-plumbing every component. Console
// output is human readable; the optional file sink is JSON.
package logx
