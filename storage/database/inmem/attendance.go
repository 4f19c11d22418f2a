package inmemdb

import (
	"context"

	"github.com/trezcool/kanisa/core"
	"github.com/trezcool/kanisa/core/attendance"
)

type attendanceRepository struct {
	db *DB
}

var _ attendance.Repository = (*attendanceRepository)(nil) // interface compliance check

func NewAttendanceRepository(db *DB) attendance.Repository {
	return &attendanceRepository{db: db}
}

func (repo *attendanceRepository) RunInTx(_ context.Context, fn func(repo attendance.Repository) error) error {
	return repo.db.inTx(func() error { return fn(repo) })
}

func (repo *attendanceRepository) GetActiveSession(_ context.Context) (attendance.Session, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	var active []attendance.Session
	for _, sess := range repo.db.sessions {
		if sess.Active {
			active = append(active, sess)
		}
	}
	switch len(active) {
	case 0:
		return attendance.Session{}, attendance.ErrNoActiveSession
	case 1:
		return active[0], nil
	default:
		return attendance.Session{}, core.NewShutdownError("integrity error: more than one active attendance session")
	}
}

func (repo *attendanceRepository) GetSession(_ context.Context, id string) (attendance.Session, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if sess, ok := repo.db.sessions[id]; ok {
		return sess, nil
	}
	return attendance.Session{}, attendance.ErrNotFound
}

func (repo *attendanceRepository) CreateSession(_ context.Context, sess attendance.Session) (attendance.Session, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	if sess.Active {
		for _, s := range repo.db.sessions {
			if s.Active {
				return attendance.Session{}, attendance.ErrActiveSessionExists
			}
		}
	}
	repo.db.sessions[sess.ID] = sess
	return sess, nil
}

func (repo *attendanceRepository) UpdateSession(_ context.Context, sess attendance.Session) (attendance.Session, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	if _, ok := repo.db.sessions[sess.ID]; !ok {
		return attendance.Session{}, attendance.ErrNotFound
	}
	repo.db.sessions[sess.ID] = sess
	return sess, nil
}

func (repo *attendanceRepository) CreateRecord(_ context.Context, rec attendance.Record) (attendance.Record, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	if _, ok := repo.db.sessions[rec.SessionID]; !ok {
		return attendance.Record{}, attendance.ErrNotFound
	}
	repo.db.records = append(repo.db.records, rec)
	return rec, nil
}

func (repo *attendanceRepository) QueryRecords(_ context.Context, sessionID string) ([]attendance.Record, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	records := make([]attendance.Record, 0)
	for _, rec := range repo.db.records {
		if sessionID == "" || rec.SessionID == sessionID {
			records = append(records, rec)
		}
	}
	return records, nil
}

func (repo *attendanceRepository) CountRecords(_ context.Context, sessionID string) (int, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	var n int
	for _, rec := range repo.db.records {
		if rec.SessionID == sessionID {
			n++
		}
	}
	return n, nil
}

func (repo *attendanceRepository) DeleteAllRecords(_ context.Context) (int, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	n := len(repo.db.records)
	repo.db.records = nil
	return n, nil
}
