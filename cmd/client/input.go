package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/omochice/phoneremote/pkg/protocol"
)

var buttons = map[string][2]uint32{
	"left":   {protocol.ActionLeftDown, protocol.ActionLeftUp},
	"right":  {protocol.ActionRightDown, protocol.ActionRightUp},
	"middle": {protocol.ActionMiddleDown, protocol.ActionMiddleUp},
}

// parseCommand turns one input line into the actions it stands for.
func parseCommand(line string) (actions []protocol.CursorAction, quit bool, err error) {
	fields := strings.Fields(strings.ToLower(line))
	if len(fields) == 0 {
		return nil, false, nil
	}

	switch fields[0] {
	case "quit", "exit":
		return nil, true, nil
	case "wheel":
		if len(fields) != 2 {
			return nil, false, fmt.Errorf("usage: wheel <delta>")
		}
		delta, err := strconv.ParseInt(fields[1], 10, 32)
		if err != nil {
			return nil, false, fmt.Errorf("invalid wheel delta %q: %w", fields[1], err)
		}
		return []protocol.CursorAction{{ActionFlags: protocol.ActionWheel, ActionData: int32(delta)}}, false, nil
	}

	if flags, ok := buttons[fields[0]]; ok {
		return []protocol.CursorAction{
			{ActionFlags: flags[0]},
			{ActionFlags: flags[1]},
		}, false, nil
	}

	if len(fields) != 2 {
		return nil, false, fmt.Errorf("unknown command %q", line)
	}
	dx, err := strconv.ParseInt(fields[0], 10, 32)
	if err != nil {
		return nil, false, fmt.Errorf("invalid dx %q: %w", fields[0], err)
	}
	dy, err := strconv.ParseInt(fields[1], 10, 32)
	if err != nil {
		return nil, false, fmt.Errorf("invalid dy %q: %w", fields[1], err)
	}
	return []protocol.CursorAction{{ActionFlags: protocol.ActionMove, DX: int32(dx), DY: int32(dy)}}, false, nil
}
