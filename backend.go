package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
)

// CrossReference is one identifier the backend associates with the requested one.
type CrossReference struct {
	Authority  string `json:"authority"`
	Identifier string `json:"identifier"`
}

// Conn is a single backend connection as handed out by the pool.
type Conn interface {
	// CorrespondingIDs runs query with identifier as its only parameter and
	// reads (authority, identifier) rows.
	CorrespondingIDs(ctx context.Context, query, identifier string) ([]CrossReference, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Connector opens one new backend connection.
type Connector func(ctx context.Context) (Conn, error)

// NewConnector returns the creation factory for the configured driver.
// Username and password, when set, override whatever the connection string carries.
func NewConnector(cfg DBConfig) (Connector, error) {
	switch cfg.Driver {
	case DriverPostgres:
		pgCfg, err := pgx.ParseConfig(cfg.ConnString)
		if err != nil {
			return nil, fmt.Errorf("failed to parse postgres connection string: %w", err)
		}
		if cfg.Username != "" {
			pgCfg.User = cfg.Username
		}
		if cfg.Password != "" {
			pgCfg.Password = cfg.Password
		}
		return func(ctx context.Context) (Conn, error) {
			conn, err := pgx.ConnectConfig(ctx, pgCfg.Copy())
			if err != nil {
				return nil, err
			}
			return &pgConn{conn: conn}, nil
		}, nil

	case DriverMySQL:
		myCfg, err := mysql.ParseDSN(cfg.ConnString)
		if err != nil {
			return nil, fmt.Errorf("failed to parse mysql connection string: %w", err)
		}
		if cfg.Username != "" {
			myCfg.User = cfg.Username
		}
		if cfg.Password != "" {
			myCfg.Passwd = cfg.Password
		}
		return func(ctx context.Context) (Conn, error) {
			connector, err := mysql.NewConnector(myCfg.Clone())
			if err != nil {
				return nil, err
			}
			// One physical connection per pooled Conn; our pool does the pooling.
			db := sql.OpenDB(connector)
			db.SetMaxOpenConns(1)
			db.SetMaxIdleConns(1)
			db.SetConnMaxIdleTime(0)
			db.SetConnMaxLifetime(0)
			if err := db.PingContext(ctx); err != nil {
				db.Close()
				return nil, err
			}
			return &sqlConn{db: db}, nil
		}, nil

	default:
		return nil, &ConfigError{Key: "db.driver", Reason: fmt.Sprintf("unsupported driver %q", cfg.Driver)}
	}
}

type pgConn struct {
	conn *pgx.Conn
}

func (c *pgConn) CorrespondingIDs(ctx context.Context, query, identifier string) ([]CrossReference, error) {
	rows, err := c.conn.Query(ctx, query, identifier)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	refs, err := pgx.CollectRows(rows, pgx.RowToStructByPos[CrossReference])
	if err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	return refs, nil
}

func (c *pgConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *pgConn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}

type sqlConn struct {
	db *sql.DB
}

func (c *sqlConn) CorrespondingIDs(ctx context.Context, query, identifier string) ([]CrossReference, error) {
	rows, err := c.db.QueryContext(ctx, query, identifier)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var refs []CrossReference
	for rows.Next() {
		var ref CrossReference
		if err := rows.Scan(&ref.Authority, &ref.Identifier); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	return refs, nil
}

func (c *sqlConn) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *sqlConn) Close(_ context.Context) error {
	return c.db.Close()
}
