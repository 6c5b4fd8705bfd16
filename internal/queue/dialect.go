package queue

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/msageha/dispatchd/internal/model"
)

// dialect captures what differs between the supported SQL backends.
type dialect struct {
	name   string
	driver string
	// claimLock is appended to the claim SELECT. Engines with row locks skip
	// rows another instance is claiming; sqlite takes the write lock when the
	// transaction begins (_txlock=immediate), which serializes claims.
	claimLock string
	// numbered switches ? placeholders to $1, $2, ...
	numbered bool
	maxConns int
}

var dialects = map[string]dialect{
	model.StoreDriverSQLite: {
		name:     model.StoreDriverSQLite,
		driver:   "sqlite",
		maxConns: 1,
	},
	model.StoreDriverMySQL: {
		name:      model.StoreDriverMySQL,
		driver:    "mysql",
		claimLock: " FOR UPDATE SKIP LOCKED",
	},
	model.StoreDriverPostgres: {
		name:      model.StoreDriverPostgres,
		driver:    "pgx",
		claimLock: " FOR UPDATE SKIP LOCKED",
		numbered:  true,
	},
}

func lookupDialect(name string) (dialect, error) {
	d, ok := dialects[name]
	if !ok {
		return dialect{}, fmt.Errorf("queue: no SQL dialect %q", name)
	}
	if !hasSQLDriver(d.driver) {
		return dialect{}, fmt.Errorf("queue: SQL driver %q is not linked", d.driver)
	}
	return d, nil
}

func hasSQLDriver(name string) bool {
	for _, d := range sql.Drivers() {
		if d == name {
			return true
		}
	}
	return false
}

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

// SQLiteDSN returns a modernc.org/sqlite DSN for a database file with WAL
// journaling, a busy timeout and immediate write transactions.
func SQLiteDSN(path string) string {
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
}

// splitStatements splits a migration script on statement terminators.
func splitStatements(script string) []string {
	var out []string
	for _, stmt := range strings.Split(script, ";") {
		if s := strings.TrimSpace(stmt); s != "" {
			out = append(out, s)
		}
	}
	return out
}
