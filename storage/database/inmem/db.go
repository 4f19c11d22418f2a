// Package inmemdb provides repositories backed by process memory. Used by tests and the `inmem` database engine.
package inmemdb

import (
	"sync"

	"github.com/trezcool/kanisa/core/attendance"
	"github.com/trezcool/kanisa/core/officer"
)

type (
	// attendanceTables are the tables a failed RunInTx restores.
	attendanceTables struct {
		sessions map[string]attendance.Session
		records  []attendance.Record // insertion order
	}

	// DB holds every table. The zero value is not usable; call NewDB.
	DB struct {
		mutex    sync.RWMutex
		txMu     sync.Mutex // serializes RunInTx
		officers map[string]officer.Officer
		attendanceTables
	}
)

func NewDB() *DB {
	return &DB{
		officers: make(map[string]officer.Officer),
		attendanceTables: attendanceTables{
			sessions: make(map[string]attendance.Session),
		},
	}
}

func (t attendanceTables) clone() attendanceTables {
	c := attendanceTables{
		sessions: make(map[string]attendance.Session, len(t.sessions)),
		records:  make([]attendance.Record, len(t.records)),
	}
	for k, v := range t.sessions {
		c.sessions[k] = v
	}
	copy(c.records, t.records)
	return c
}

// inTx runs fn and restores the attendance tables as they were if fn fails.
// Officers are written outside transactions and are left alone.
func (db *DB) inTx(fn func() error) error {
	db.txMu.Lock()
	defer db.txMu.Unlock()

	db.mutex.RLock()
	snapshot := db.attendanceTables.clone()
	db.mutex.RUnlock()

	if err := fn(); err != nil {
		db.mutex.Lock()
		db.attendanceTables = snapshot
		db.mutex.Unlock()
		return err
	}
	return nil
}
