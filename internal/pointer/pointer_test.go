package pointer_test

import (
	"errors"
	"reflect"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/omochice/phoneremote/internal/pointer"
	"github.com/omochice/phoneremote/pkg/protocol"
)

type recordingSink struct {
	moves      [][2]int32
	dispatched []protocol.CursorAction
	err        error
}

func (r *recordingSink) Move(dx, dy int32) error {
	r.moves = append(r.moves, [2]int32{dx, dy})
	return r.err
}

func (r *recordingSink) Dispatch(action protocol.CursorAction) error {
	r.dispatched = append(r.dispatched, action)
	return r.err
}

func TestApply(t *testing.T) {
	tests := []struct {
		name         string
		action       protocol.CursorAction
		wantMove     bool
		wantDispatch bool
	}{
		{name: "plain move", action: protocol.CursorAction{ActionFlags: protocol.ActionMove, DX: 3, DY: 4}, wantMove: true},
		{name: "button press", action: protocol.CursorAction{ActionFlags: protocol.ActionLeftDown}, wantDispatch: true},
		{name: "move with button", action: protocol.CursorAction{ActionFlags: protocol.ActionMove | protocol.ActionLeftDown}, wantDispatch: true},
		{name: "wheel", action: protocol.CursorAction{ActionFlags: protocol.ActionWheel, ActionData: -120}, wantDispatch: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{}
			if err := pointer.Apply(sink, tt.action); err != nil {
				t.Fatalf("Apply() error = %v", err)
			}
			if got := len(sink.moves) == 1; got != tt.wantMove {
				t.Errorf("moved = %v, want %v", got, tt.wantMove)
			}
			if got := len(sink.dispatched) == 1; got != tt.wantDispatch {
				t.Errorf("dispatched = %v, want %v", got, tt.wantDispatch)
			}
			if tt.wantMove && sink.moves[0] != [2]int32{tt.action.DX, tt.action.DY} {
				t.Errorf("Move(%v), want (%d, %d)", sink.moves[0], tt.action.DX, tt.action.DY)
			}
		})
	}
}

func TestApply_PropagatesSinkError(t *testing.T) {
	want := errors.New("injection refused")
	sink := &recordingSink{err: want}
	if err := pointer.Apply(sink, protocol.CursorAction{ActionFlags: protocol.ActionRightUp}); !errors.Is(err, want) {
		t.Errorf("Apply() error = %v, want %v", err, want)
	}
}

func TestFlagNames(t *testing.T) {
	got := pointer.FlagNames(protocol.ActionLeftDown | protocol.ActionWheel | 0x8000)
	want := []string{"left_down", "wheel"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("FlagNames() = %v, want %v", got, want)
	}
	if got := pointer.FlagNames(0); got != nil {
		t.Errorf("FlagNames(0) = %v, want nil", got)
	}
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	sink := pointer.NewLogSink(zap.New(core))

	if err := pointer.Apply(sink, protocol.CursorAction{ActionFlags: protocol.ActionMove, DX: 1}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if err := pointer.Apply(sink, protocol.CursorAction{ActionFlags: protocol.ActionLeftDown}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("logged %d entries, want 2", len(entries))
	}
	if entries[0].Message != "move" || entries[0].Level != zapcore.DebugLevel {
		t.Errorf("first entry = %s at %s", entries[0].Message, entries[0].Level)
	}
	if entries[1].Message != "action" || entries[1].Level != zapcore.InfoLevel {
		t.Errorf("second entry = %s at %s", entries[1].Message, entries[1].Level)
	}
	if entries[1].LoggerName != "pointer" {
		t.Errorf("LoggerName = %q, want pointer", entries[1].LoggerName)
	}
}
