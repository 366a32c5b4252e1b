package audit

import (
	"path/filepath"
	"testing"

	"github.com/ppiankov/procwarden/internal/model"
)

func TestSQLiteAppendAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	l, err := Open(FormatSQLite, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, a := range []model.Action{model.ActionAutoLearned, model.ActionTimeoutBlock} {
		if _, err := l.Append(testEvent(a)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	l.Close()

	events, err := ReadAll(FormatSQLite, path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Action != model.ActionAutoLearned || events[1].Action != model.ActionTimeoutBlock {
		t.Errorf("events out of order: %+v", events)
	}
	if events[1].Detail != "not owned by any known package" {
		t.Errorf("detail not stored: %q", events[1].Detail)
	}
	if events[0].ID == "" || events[0].ID == events[1].ID {
		t.Error("expected distinct event IDs")
	}
}

func TestSQLiteRejectsMutation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	l, err := OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	log := NewEventLog(l)
	if _, err := log.Append(testEvent(model.ActionTimeoutBlock)); err != nil {
		t.Fatal(err)
	}

	if _, err := l.db.Exec(`UPDATE events SET action = 'manual-permit'`); err == nil {
		t.Error("expected UPDATE to be rejected")
	}
	if _, err := l.db.Exec(`DELETE FROM events`); err == nil {
		t.Error("expected DELETE to be rejected")
	}

	events, _ := l.Events()
	if len(events) != 1 || events[0].Action != model.ActionTimeoutBlock {
		t.Errorf("history changed: %+v", events)
	}
}
