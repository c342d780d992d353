// Package zerolog adapts a zerolog.Logger to offgrid.Logger.
package zerolog

import (
	"github.com/rs/zerolog"

	"github.com/unkn0wn-root/offgrid"
)

var _ offgrid.Logger = Logger{}

type Logger struct{ L zerolog.Logger }

func (z Logger) Debug(msg string, f offgrid.Fields) { emit(z.L.Debug(), msg, f) }
func (z Logger) Info(msg string, f offgrid.Fields)  { emit(z.L.Info(), msg, f) }
func (z Logger) Warn(msg string, f offgrid.Fields)  { emit(z.L.Warn(), msg, f) }
func (z Logger) Error(msg string, f offgrid.Fields) { emit(z.L.Error(), msg, f) }

// emit is a no-op when the level is disabled (e == nil).
func emit(e *zerolog.Event, msg string, f offgrid.Fields) {
	if e == nil {
		return
	}
	for k, v := range f {
		if err, ok := v.(error); ok && k == "err" {
			e = e.Err(err)
			continue
		}
		e = e.Interface(k, v)
	}
	e.Msg(msg)
}
