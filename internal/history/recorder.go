// Package history keeps the recovery bookkeeping table on the source segment:
// one row per completed recovery job, created lazily on first use.
package history

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ChuLiYu/segment-recovery/pkg/types"
)

const (
	// DefaultDatabase is the bootstrap database the table lives in.
	DefaultDatabase = "template1"

	tableName = "recovery_history_table"

	// IncrementalSchema namespaces the incremental-recovery table.
	IncrementalSchema = "gpdb_test"
)

// Postgres error codes tolerated while creating the schema/table: concurrent
// CREATE ... IF NOT EXISTS can still collide on the catalog.
const (
	codeUniqueViolation = "23505"
	codeDuplicateSchema = "42P06"
	codeDuplicateTable  = "42P07"
)

// Target selects which history table a record goes to.
type Target struct {
	Schema string // empty for the default search_path
}

// Targets for the two recovery kinds.
var (
	FullTarget        = Target{}
	IncrementalTarget = Target{Schema: IncrementalSchema}
)

// TargetFor returns the table target used by a recovery kind.
func TargetFor(kind types.RecoveryKind) Target {
	if kind.IsFull() {
		return FullTarget
	}
	return IncrementalTarget
}

// Table returns the (optionally schema-qualified) table name.
func (t Target) Table() string {
	if t.Schema == "" {
		return tableName
	}
	return pq.QuoteIdentifier(t.Schema) + "." + tableName
}

// ConnParams identifies the source database to connect to.
type ConnParams struct {
	Host     string
	Port     int
	Database string
	User     string
	Utility  bool
}

// DSN renders a lib/pq key/value connection string.
func (p ConnParams) DSN() string {
	parts := []string{
		"host=" + p.Host,
		fmt.Sprintf("port=%d", p.Port),
		"dbname=" + p.Database,
		"sslmode=disable",
	}
	if p.User != "" {
		parts = append(parts, "user="+p.User)
	}
	if p.Utility {
		parts = append(parts, "options='-c gp_role=utility'")
	}
	return strings.Join(parts, " ")
}

// Connector opens a connection to a source segment.
type Connector interface {
	Connect(ctx context.Context, params ConnParams) (*sqlx.DB, error)
}

// PQConnector connects through lib/pq.
type PQConnector struct{}

// Connect opens the database and pings it.
func (PQConnector) Connect(ctx context.Context, params ConnParams) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", params.DSN())
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// Row is a stored history record.
type Row struct {
	ID int64 `db:"id"`
	types.HistoryRecord
}

// Recorder writes HistoryRecords to the source segment.
type Recorder struct {
	connector Connector
	database  string
	user      string
}

// NewRecorder returns a Recorder. An empty database means DefaultDatabase.
func NewRecorder(connector Connector, database, user string) *Recorder {
	if database == "" {
		database = DefaultDatabase
	}
	return &Recorder{connector: connector, database: database, user: user}
}

// Record ensures the history table exists on host:port and inserts rec. The
// connection is closed before returning on every path.
func (r *Recorder) Record(ctx context.Context, host string, port int, target Target, rec types.HistoryRecord) (err error) {
	db, err := r.connect(ctx, host, port)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close connection to %s:%d: %w", host, port, cerr)
		}
	}()

	if err := EnsureTable(ctx, db, target); err != nil {
		return err
	}
	if _, err := db.NamedExecContext(ctx, insertQuery(target), rec); err != nil {
		return fmt.Errorf("insert into %s: %w", target.Table(), err)
	}
	return nil
}

// List returns every row of the target table on host:port, oldest first.
func (r *Recorder) List(ctx context.Context, host string, port int, target Target) (rows []Row, err error) {
	db, err := r.connect(ctx, host, port)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close connection to %s:%d: %w", host, port, cerr)
		}
	}()

	query := "SELECT id, source_dbid, dest_dbid, recovery_is_full, recovery_time, " +
		"network_speed_at_start, disk_read_speed, recovery_size FROM " + target.Table() + " ORDER BY id"
	if err := db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("select from %s: %w", target.Table(), err)
	}
	return rows, nil
}

func (r *Recorder) connect(ctx context.Context, host string, port int) (*sqlx.DB, error) {
	db, err := r.connector.Connect(ctx, ConnParams{
		Host:     host,
		Port:     port,
		Database: r.database,
		User:     r.user,
		Utility:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to %s:%d/%s: %w", host, port, r.database, err)
	}
	return db, nil
}

// EnsureTable creates the schema (if any) and the history table when absent.
// Safe to call any number of times, including concurrently.
func EnsureTable(ctx context.Context, db sqlx.ExecerContext, target Target) error {
	if target.Schema != "" {
		stmt := "CREATE SCHEMA IF NOT EXISTS " + pq.QuoteIdentifier(target.Schema)
		if _, err := db.ExecContext(ctx, stmt); err != nil && !isDuplicateObject(err) {
			return fmt.Errorf("create schema %s: %w", target.Schema, err)
		}
	}
	if _, err := db.ExecContext(ctx, createTableQuery(target)); err != nil && !isDuplicateObject(err) {
		return fmt.Errorf("create table %s: %w", target.Table(), err)
	}
	return nil
}

func createTableQuery(target Target) string {
	return "CREATE TABLE IF NOT EXISTS " + target.Table() + " (" +
		"ID SERIAL PRIMARY KEY, SOURCE_DBID INTEGER, DEST_DBID INTEGER, RECOVERY_IS_FULL INTEGER, " +
		"RECOVERY_TIME INTEGER, NETWORK_SPEED_AT_START INTEGER, DISK_READ_SPEED INTEGER, " +
		"RECOVERY_SIZE INTEGER)"
}

func insertQuery(target Target) string {
	return "INSERT INTO " + target.Table() + " (SOURCE_DBID, DEST_DBID, RECOVERY_IS_FULL, RECOVERY_TIME, " +
		"NETWORK_SPEED_AT_START, DISK_READ_SPEED, RECOVERY_SIZE) VALUES " +
		"(:source_dbid, :dest_dbid, :recovery_is_full, :recovery_time, " +
		":network_speed_at_start, :disk_read_speed, :recovery_size)"
}

func isDuplicateObject(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch string(pqErr.Code) {
	case codeUniqueViolation, codeDuplicateSchema, codeDuplicateTable:
		return true
	}
	return false
}
