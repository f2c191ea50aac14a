package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chaz8081/clocklink/internal/alarm"
)

// AlarmRepo stores the whole alarm list as one JSON document, replaced on
// every save.
type AlarmRepo struct {
	db *sql.DB
}

func NewAlarmRepo(db *sql.DB) *AlarmRepo {
	return &AlarmRepo{db: db}
}

var _ alarm.Store = (*AlarmRepo)(nil)

// LoadAlarms returns the saved list, or nil if nothing was saved yet.
// A document that does not decode yields ErrCorrupt.
func (r *AlarmRepo) LoadAlarms(ctx context.Context) ([]alarm.Alarm, error) {
	var doc string
	err := r.db.QueryRowContext(ctx, `SELECT doc FROM alarms WHERE id = 1`).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load alarms: %w", err)
	}

	var alarms []alarm.Alarm
	if err := json.Unmarshal([]byte(doc), &alarms); err != nil {
		return nil, fmt.Errorf("%w: alarms: %v", ErrCorrupt, err)
	}
	for i, a := range alarms {
		if err := a.Validate(); err != nil {
			return nil, fmt.Errorf("%w: alarm %d: %v", ErrCorrupt, i, err)
		}
	}
	return alarms, nil
}

// SaveAlarms replaces the stored list.
func (r *AlarmRepo) SaveAlarms(ctx context.Context, alarms []alarm.Alarm) error {
	if alarms == nil {
		alarms = []alarm.Alarm{}
	}
	doc, err := json.Marshal(alarms)
	if err != nil {
		return fmt.Errorf("encode alarms: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO alarms(id, doc, updated_at)
		VALUES(1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			doc = excluded.doc,
			updated_at = excluded.updated_at
	`, string(doc), toUnixMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("save alarms: %w", err)
	}
	return nil
}
