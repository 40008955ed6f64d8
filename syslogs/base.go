// Package syslogs is a sqlite-backed audit log of indexing outcomes,
// implementing core.AuditLog. Table shape and insert/query pattern are
// grounded on the teacher's syslogs package (IndexerLog/ErrLog/ReorgLog
// tables, WAL mode, AUTOINCREMENT id); the field sets are adapted from
// per-address income/spend counters to this processor's tx_num/height/
// flush_count vocabulary.
package syslogs

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/metaid/blockindexer/core"
)

// AdvanceLog is one row of the AdvanceLog table: the outcome of a single
// AdvanceBlock call.
type AdvanceLog struct {
	Height    int64 `json:"height"`
	TxCount   int64 `json:"tx_count"`
	Flushed   bool  `json:"flushed"`
	Timestamp int64 `json:"timestamp"`
}

// ReorgLog is one row of the ReorgLog table: one HandleChainReorg call's
// before/after heights.
type ReorgLog struct {
	FromHeight int64 `json:"from_height"`
	ToHeight   int64 `json:"to_height"`
	Timestamp  int64 `json:"timestamp"`
}

// ErrLog is one row of the ErrLog table: an operation that returned an
// error, recorded for later inspection rather than silently dropped.
type ErrLog struct {
	Op        string `json:"op"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// ThroughputLog is one row of the ThroughputLog table: a catch-up
// tx/sec and ETA estimate taken at a single forward flush.
type ThroughputLog struct {
	TxsPerSec          int64 `json:"txs_per_sec"`
	ThisFlushTxsPerSec int64 `json:"this_flush_txs_per_sec"`
	WallTimeSeconds    int64 `json:"wall_time_seconds"`
	ETASeconds         int64 `json:"eta_seconds"`
	Timestamp          int64 `json:"timestamp"`
}

// Log is a core.AuditLog backed by a sqlite database.
type Log struct {
	db *sql.DB
}

// Open opens (creating if needed) the sqlite database at dbPath and
// ensures its tables exist.
func Open(dbPath string) (*Log, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("syslogs: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("syslogs: ping: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("syslogs: wal mode: %w", err)
	}
	l := &Log{db: db}
	if err := l.createTables(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS AdvanceLog (
			ID INTEGER PRIMARY KEY AUTOINCREMENT,
			Height INTEGER,
			TxCount INTEGER,
			Flushed INTEGER,
			Timestamp INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS ReorgLog (
			ID INTEGER PRIMARY KEY AUTOINCREMENT,
			FromHeight INTEGER,
			ToHeight INTEGER,
			Timestamp INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS ErrLog (
			ID INTEGER PRIMARY KEY AUTOINCREMENT,
			Op TEXT,
			Message TEXT,
			Timestamp INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS ThroughputLog (
			ID INTEGER PRIMARY KEY AUTOINCREMENT,
			TxsPerSec INTEGER,
			ThisFlushTxsPerSec INTEGER,
			WallTimeSeconds INTEGER,
			ETASeconds INTEGER,
			Timestamp INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_advancelog_height ON AdvanceLog(Height);`,
	}
	for _, stmt := range stmts {
		if _, err := l.db.Exec(stmt); err != nil {
			return fmt.Errorf("syslogs: create tables: %w", err)
		}
	}
	return nil
}

// LogAdvance implements core.AuditLog.
func (l *Log) LogAdvance(height int64, txCount uint64, flushed bool) {
	_, err := l.db.Exec(
		`INSERT INTO AdvanceLog (Height, TxCount, Flushed, Timestamp) VALUES (?, ?, ?, ?)`,
		height, int64(txCount), flushed, time.Now().Unix(),
	)
	if err != nil {
		fmt.Println("syslogs: insert AdvanceLog:", err)
	}
}

// LogReorg implements core.AuditLog.
func (l *Log) LogReorg(fromHeight, toHeight int64) {
	_, err := l.db.Exec(
		`INSERT INTO ReorgLog (FromHeight, ToHeight, Timestamp) VALUES (?, ?, ?)`,
		fromHeight, toHeight, time.Now().Unix(),
	)
	if err != nil {
		fmt.Println("syslogs: insert ReorgLog:", err)
	}
}

// LogThroughput implements core.AuditLog.
func (l *Log) LogThroughput(txsPerSec, thisFlushTxsPerSec int64, wallTime, eta time.Duration) {
	_, err := l.db.Exec(
		`INSERT INTO ThroughputLog (TxsPerSec, ThisFlushTxsPerSec, WallTimeSeconds, ETASeconds, Timestamp) VALUES (?, ?, ?, ?, ?)`,
		txsPerSec, thisFlushTxsPerSec, int64(wallTime.Seconds()), int64(eta.Seconds()), time.Now().Unix(),
	)
	if err != nil {
		fmt.Println("syslogs: insert ThroughputLog:", err)
	}
}

// LogError implements core.AuditLog.
func (l *Log) LogError(op string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	_, dbErr := l.db.Exec(
		`INSERT INTO ErrLog (Op, Message, Timestamp) VALUES (?, ?, ?)`,
		op, msg, time.Now().Unix(),
	)
	if dbErr != nil {
		fmt.Println("syslogs: insert ErrLog:", dbErr)
	}
}

// QueryAdvanceLogs returns the most recent advance log rows.
func (l *Log) QueryAdvanceLogs(limit, offset int) ([]AdvanceLog, error) {
	rows, err := l.db.Query(
		`SELECT Height, TxCount, Flushed, Timestamp FROM AdvanceLog ORDER BY ID DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("syslogs: query AdvanceLog: %w", err)
	}
	defer rows.Close()

	var logs []AdvanceLog
	for rows.Next() {
		var row AdvanceLog
		if err := rows.Scan(&row.Height, &row.TxCount, &row.Flushed, &row.Timestamp); err != nil {
			return nil, fmt.Errorf("syslogs: scan AdvanceLog: %w", err)
		}
		logs = append(logs, row)
	}
	return logs, nil
}

// QueryReorgLogs returns the most recent reorg log rows.
func (l *Log) QueryReorgLogs(limit, offset int) ([]ReorgLog, error) {
	rows, err := l.db.Query(
		`SELECT FromHeight, ToHeight, Timestamp FROM ReorgLog ORDER BY ID DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("syslogs: query ReorgLog: %w", err)
	}
	defer rows.Close()

	var logs []ReorgLog
	for rows.Next() {
		var row ReorgLog
		if err := rows.Scan(&row.FromHeight, &row.ToHeight, &row.Timestamp); err != nil {
			return nil, fmt.Errorf("syslogs: scan ReorgLog: %w", err)
		}
		logs = append(logs, row)
	}
	return logs, nil
}

// Close closes the underlying database handle.
func (l *Log) Close() error {
	return l.db.Close()
}

var _ core.AuditLog = (*Log)(nil)
