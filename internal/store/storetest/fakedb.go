// Package storetest provides a database/sql driver that only supports
// transactions, so services can be tested against gomock repositories
// while still receiving a real *sql.Tx.
package storetest

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
)

var driverSeq atomic.Int64

// TxLog counts transaction outcomes observed by a fake DB.
type TxLog struct {
	mu        sync.Mutex
	begun     int
	commits   int
	rollbacks int

	// failCommit is the number of upcoming commits that fail.
	failCommit int
}

func (l *TxLog) Begun() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.begun
}

func (l *TxLog) Commits() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.commits
}

func (l *TxLog) Rollbacks() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rollbacks
}

// FailNextCommits makes the next n commits fail with ErrCommitFailed.
func (l *TxLog) FailNextCommits(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failCommit = n
}

// ErrCommitFailed is returned by a commit scheduled to fail.
var ErrCommitFailed = errors.New("fake commit failed")

type fakeDriver struct{ conn *fakeConn }

func (d *fakeDriver) Open(string) (driver.Conn, error) { return d.conn, nil }

type fakeConn struct{ log *TxLog }

func (c *fakeConn) Prepare(query string) (driver.Stmt, error) { return &fakeStmt{}, nil }
func (c *fakeConn) Close() error                              { return nil }
func (c *fakeConn) Begin() (driver.Tx, error) {
	c.log.mu.Lock()
	c.log.begun++
	c.log.mu.Unlock()
	return &fakeTx{log: c.log}, nil
}

type fakeTx struct{ log *TxLog }

func (tx *fakeTx) Commit() error {
	tx.log.mu.Lock()
	defer tx.log.mu.Unlock()
	if tx.log.failCommit > 0 {
		tx.log.failCommit--
		return ErrCommitFailed
	}
	tx.log.commits++
	return nil
}

func (tx *fakeTx) Rollback() error {
	tx.log.mu.Lock()
	defer tx.log.mu.Unlock()
	tx.log.rollbacks++
	return nil
}

type fakeStmt struct{}

func (s *fakeStmt) Close() error  { return nil }
func (s *fakeStmt) NumInput() int { return -1 }
func (s *fakeStmt) Exec([]driver.Value) (driver.Result, error) {
	return driver.RowsAffected(0), nil
}
func (s *fakeStmt) Query([]driver.Value) (driver.Rows, error) { return emptyRows{}, nil }

type emptyRows struct{}

func (emptyRows) Columns() []string         { return nil }
func (emptyRows) Close() error              { return nil }
func (emptyRows) Next([]driver.Value) error { return io.EOF }

// OpenFakeDB registers a fresh driver for t and returns a DB whose
// transactions always begin and whose outcomes are recorded in the TxLog.
func OpenFakeDB(t testing.TB) (*sql.DB, *TxLog) {
	t.Helper()
	name := fmt.Sprintf("storetest_fake_%d", driverSeq.Add(1))
	log := &TxLog{}
	sql.Register(name, &fakeDriver{conn: &fakeConn{log: log}})
	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open fake db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db, log
}
