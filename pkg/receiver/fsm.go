package receiver

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"
)

// formEventName формирует имя события перехода в формате "SRC->DST"
func formEventName(src, dst fmt.Stringer) string {
	return src.String() + "->" + dst.String()
}

// transition выполняет переход машины f из текущего состояния в to.
// Ошибки FSM возвращаются как *StateError.
func transition(f *fsm.FSM, machine string, to fmt.Stringer) error {
	from := f.Current()
	event := from + "->" + to.String()
	if err := f.Event(context.Background(), event); err != nil {
		return &StateError{Machine: machine, From: from, Event: event, Cause: err}
	}
	return nil
}
