package storage

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

// sqliteTimeLayout is fixed width so stored timestamps compare correctly as text.
const sqliteTimeLayout = "2006-01-02 15:04:05.000000000"

type dialect interface {
	name() string
	rebind(query string) string
	bindTime(t time.Time) interface{}
	isUniqueViolation(err error) bool
}

type sqliteDialect struct{}

func (sqliteDialect) name() string { return "sqlite3" }

func (sqliteDialect) rebind(query string) string { return query }

func (sqliteDialect) bindTime(t time.Time) interface{} {
	return t.UTC().Format(sqliteTimeLayout)
}

func (sqliteDialect) isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

type postgresDialect struct{}

func (postgresDialect) name() string { return "pgx" }

// rebind turns ? placeholders into $1..$n. Queries here never contain a
// literal question mark.
func (postgresDialect) rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (postgresDialect) bindTime(t time.Time) interface{} {
	return t.UTC()
}

func (postgresDialect) isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
