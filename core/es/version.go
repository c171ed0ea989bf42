package es

import "log/slog"

// Version is the position of an event within its aggregate's stream. The
// first event has version 1; an aggregate that was never saved is at 0.
type Version int

func (v Version) Int() int                               { return int(v) }
func (v Version) SlogAttr() slog.Attr                    { return newSlogVersionAttr("version", v) }
func (v Version) SlogAttrWithKey(key string) slog.Attr   { return newSlogVersionAttr(key, v) }
func newSlogVersionAttr(key string, v Version) slog.Attr { return slog.Int(key, int(v)) }
