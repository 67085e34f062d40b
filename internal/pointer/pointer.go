// Package pointer is the boundary to host cursor injection. The server hands
// every decoded action to a Sink.
package pointer

import (
	"go.uber.org/zap"

	"github.com/omochice/phoneremote/pkg/protocol"
)

// Sink injects pointer events into the host.
type Sink interface {
	Move(dx, dy int32) error
	Dispatch(action protocol.CursorAction) error
}

// Apply routes a plain movement to Move and everything else to Dispatch.
func Apply(sink Sink, action protocol.CursorAction) error {
	if action.IsMove() {
		return sink.Move(action.DX, action.DY)
	}
	return sink.Dispatch(action)
}

// LogSink records events instead of injecting them.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a sink writing to logger at debug level for moves and
// info level for everything else.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("pointer")}
}

func (s *LogSink) Move(dx, dy int32) error {
	s.logger.Debug("move", zap.Int32("dx", dx), zap.Int32("dy", dy))
	return nil
}

func (s *LogSink) Dispatch(action protocol.CursorAction) error {
	s.logger.Info("action",
		zap.Strings("flags", FlagNames(action.ActionFlags)),
		zap.Int32("dx", action.DX),
		zap.Int32("dy", action.DY),
		zap.Int32("data", action.ActionData),
		zap.Int32("extra", action.ExtraInfo))
	return nil
}

var flagNames = []struct {
	flag uint32
	name string
}{
	{protocol.ActionMove, "move"},
	{protocol.ActionLeftDown, "left_down"},
	{protocol.ActionLeftUp, "left_up"},
	{protocol.ActionRightDown, "right_down"},
	{protocol.ActionRightUp, "right_up"},
	{protocol.ActionMiddleDown, "middle_down"},
	{protocol.ActionMiddleUp, "middle_up"},
	{protocol.ActionWheel, "wheel"},
}

// FlagNames lists the names of the flags set in flags, in bit order.
// Unknown bits are ignored.
func FlagNames(flags uint32) []string {
	var names []string
	for _, f := range flagNames {
		if flags&f.flag != 0 {
			names = append(names, f.name)
		}
	}
	return names
}
