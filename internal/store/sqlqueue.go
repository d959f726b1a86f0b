package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// dialect captures the SQL differences between the SQLite and Postgres backends
// for the queue tables.
type dialect struct {
	name string
	// numbered placeholders ($1, $2) instead of ?.
	numbered bool
	// lockClause is appended to claim selects so concurrent claimers skip rows
	// another transaction holds.
	lockClause string
}

var (
	sqliteDialect   = dialect{name: "SQLiteStore"}
	postgresDialect = dialect{name: "PostgresStore", numbered: true, lockClause: " FOR UPDATE SKIP LOCKED"}
)

// rebind rewrites ? placeholders for dialects that number them.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sqlQueue implements JobRepo, OutboxRepo and DedupRepo on a database/sql
// handle. SQLiteStore and PostgresStore embed it.
type sqlQueue struct {
	db      *sql.DB
	dialect dialect
}

func newSQLQueue(db *sql.DB, d dialect) *sqlQueue {
	return &sqlQueue{db: db, dialect: d}
}

func (q *sqlQueue) exec(query string, args ...any) (sql.Result, error) {
	return q.db.Exec(q.dialect.rebind(query), args...)
}

func (q *sqlQueue) queryRow(query string, args ...any) *sql.Row {
	return q.db.QueryRow(q.dialect.rebind(query), args...)
}

// claimTx selects up to limit ids with selectQuery inside a transaction, marks
// each row with markQuery and returns the rows re-read with readQuery. All
// three queries take ? placeholders; markQuery receives (now, now, id).
func (q *sqlQueue) claimTx(selectQuery, markQuery, readQuery string, now time.Time, limit int, scan func(rowScanner) error) error {
	tx, err := q.db.Begin()
	if err != nil {
		return fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(q.dialect.rebind(selectQuery+q.dialect.lockClause), now, limit)
	if err != nil {
		return fmt.Errorf("select due rows: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan due id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate due rows: %w", err)
	}

	mark := q.dialect.rebind(markQuery)
	read := q.dialect.rebind(readQuery)
	for _, id := range ids {
		if _, err := tx.Exec(mark, now, now, id); err != nil {
			return fmt.Errorf("mark %s claimed: %w", id, err)
		}
		if err := scan(tx.QueryRow(read, id)); err != nil {
			return fmt.Errorf("read claimed %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// retryDelay doubles base for every previous attempt, capped at ceiling.
func retryDelay(base time.Duration, attempt int, ceiling time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 16 {
		return ceiling
	}
	d := base << attempt
	if d <= 0 || d > ceiling {
		return ceiling
	}
	return d
}
