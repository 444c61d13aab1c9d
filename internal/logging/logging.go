// Package logging is a thin wrapper around the standard logger, kept as its
// own package so call sites read internal/logging the way the rest of the
// core reads internal/<concern>, and so a structured logger can replace the
// backing implementation later without touching callers.
package logging

import "log"

func Infof(format string, args ...any)  { log.Printf("[info] "+format, args...) }
func Warnf(format string, args ...any)  { log.Printf("[warn] "+format, args...) }
func Errorf(format string, args ...any) { log.Printf("[error] "+format, args...) }
