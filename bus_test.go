package activity

import (
	"errors"
	"testing"
)

func TestBusLoggedHooksAndUnsubscribe(t *testing.T) {
	bus := NewBus(nil, nil)

	var first, second int
	unsub := bus.OnLogged(func(rec *Record) { first++ })
	bus.OnLogged(func(rec *Record) { second++ })

	bus.emitLogged(&Record{Type: "orders_created"})
	if first != 1 || second != 1 {
		t.Fatalf("Expected both hooks to fire once, got %d and %d", first, second)
	}

	unsub()
	unsub() // calling twice is safe
	bus.emitLogged(&Record{Type: "orders_created"})
	if first != 1 {
		t.Errorf("Expected unsubscribed hook to stay at 1, got %d", first)
	}
	if second != 2 {
		t.Errorf("Expected remaining hook to fire, got %d", second)
	}
}

func TestBeforeLogFirstVetoWins(t *testing.T) {
	bus := NewBus(nil, nil)

	var afterVeto bool
	bus.OnBeforeLog(func(rec *Record) bool { return true })
	bus.OnBeforeLog(func(rec *Record) bool { return false })
	bus.OnBeforeLog(func(rec *Record) bool {
		afterVeto = true
		return true
	})

	if bus.emitBeforeLog(&Record{}) {
		t.Error("Expected veto to win")
	}
	if afterVeto {
		t.Error("Expected hooks after the veto to be skipped")
	}
}

func TestPanickingHooksAreRecovered(t *testing.T) {
	bus := NewBus(nil, nil)

	bus.OnBeforeLog(func(rec *Record) bool { panic("gate boom") })
	bus.OnLogged(func(rec *Record) { panic("logged boom") })
	bus.OnError(func(err error, rec *Record) { panic("error boom") })

	var sawLogged, sawError bool
	bus.OnLogged(func(rec *Record) { sawLogged = true })
	bus.OnError(func(err error, rec *Record) { sawError = true })

	// A panicking gate counts as non-vetoing.
	if !bus.emitBeforeLog(&Record{}) {
		t.Error("Expected panicking before-log hook to allow the record")
	}
	bus.emitLogged(&Record{})
	bus.emitError(errors.New("write failed"), nil)

	if !sawLogged {
		t.Error("Expected logged hook after a panicking peer to still run")
	}
	if !sawError {
		t.Error("Expected error hook after a panicking peer to still run")
	}
}

func TestErrorHookReceivesErrorAndRecord(t *testing.T) {
	bus := NewBus(nil, nil)

	var gotErr error
	var gotRec *Record
	bus.OnError(func(err error, rec *Record) {
		gotErr = err
		gotRec = rec
	})

	rec := &Record{Type: "orders_created"}
	want := errors.New("insert failed")
	bus.emitError(want, rec)

	if !errors.Is(gotErr, want) {
		t.Errorf("Expected error %v, got %v", want, gotErr)
	}
	if gotRec != rec {
		t.Error("Expected the candidate record to be passed through")
	}
}

func TestHookSelfUnsubscribeDuringDispatch(t *testing.T) {
	bus := NewBus(nil, nil)

	var unsub UnsubscribeFunc
	var calls int
	unsub = bus.OnLogged(func(rec *Record) {
		calls++
		unsub()
	})

	bus.emitLogged(&Record{})
	bus.emitLogged(&Record{})
	if calls != 1 {
		t.Errorf("Expected self-unsubscribing hook to fire once, got %d", calls)
	}
}
