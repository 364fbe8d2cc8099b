package verify

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
)

// Endpoint describes the tunneled MySQL listener exposed by the
// listener role.
type Endpoint struct {
	Address        string
	Port           int
	User           string
	Password       string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// MySQLDialer opens a fresh connection per round against the tunneled
// endpoint.
func MySQLDialer(ep Endpoint) Dialer {
	return func(ctx context.Context) (Conn, error) {
		cfg := mysql.NewConfig()
		cfg.Net = "tcp"
		cfg.Addr = net.JoinHostPort(ep.Address, strconv.Itoa(ep.Port))
		cfg.User = ep.User
		cfg.Passwd = ep.Password
		cfg.Timeout = ep.ConnectTimeout
		cfg.ReadTimeout = ep.ReadTimeout
		cfg.WriteTimeout = ep.ConnectTimeout

		db, err := sql.Open("mysql", cfg.FormatDSN())
		if err != nil {
			return nil, err
		}
		// One underlying connection per round; the point is a fresh
		// session through the tunnel, not a pool.
		db.SetMaxOpenConns(1)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return &mysqlConn{db: db}, nil
	}
}

type mysqlConn struct {
	db *sql.DB
}

func (c *mysqlConn) Probe(ctx context.Context) error {
	var got int
	if err := c.db.QueryRowContext(ctx, "SELECT 1").Scan(&got); err != nil {
		return err
	}
	if got != 1 {
		return fmt.Errorf("probe returned %d, expected 1", got)
	}
	return nil
}

func (c *mysqlConn) Query(ctx context.Context, query string) (int, string, error) {
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return 0, "", err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return 0, "", err
	}

	var count int
	var sample string
	for rows.Next() {
		if count == 0 {
			values := make([]sql.RawBytes, len(cols))
			scanArgs := make([]any, len(cols))
			for i := range values {
				scanArgs[i] = &values[i]
			}
			if err := rows.Scan(scanArgs...); err != nil {
				return 0, "", err
			}
			sample = fmt.Sprint(rawValues(values))
		} else if err := rows.Scan(discardArgs(len(cols))...); err != nil {
			return 0, "", err
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return 0, "", err
	}
	return count, sample, nil
}

func (c *mysqlConn) Close() error {
	return c.db.Close()
}

func rawValues(values []sql.RawBytes) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}

func discardArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = new(sql.RawBytes)
	}
	return args
}
