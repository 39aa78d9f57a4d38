package devices

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const lookupQuery = `SELECT id, lab_id, name, serial_port, baud_rate
	FROM devices WHERE id = ?`

// SQLiteResolver reads the devices table of the lab application's
// database. The file is opened read-only; the lab application remains
// its only writer.
type SQLiteResolver struct {
	pool   *sqlitex.Pool
	path   string
	logger *zap.Logger
}

func OpenSQLite(path string, logger *zap.Logger) (*SQLiteResolver, error) {
	if path == "" {
		return nil, fmt.Errorf("devices: database path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		Flags:    sqlite.OpenReadOnly,
		PoolSize: 2,
		PrepareConn: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteTransient(conn, "PRAGMA busy_timeout=2000", nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("devices: opening %s: %w", path, err)
	}

	logger.Info("device database opened", zap.String("path", path))
	return &SQLiteResolver{pool: pool, path: path, logger: logger}, nil
}

func (r *SQLiteResolver) Lookup(ctx context.Context, deviceID string) (Endpoint, error) {
	conn, err := r.pool.Take(ctx)
	if err != nil {
		return Endpoint{}, fmt.Errorf("devices: take connection: %w", err)
	}
	defer r.pool.Put(conn)

	var (
		ep    Endpoint
		found bool
	)
	err = sqlitex.Execute(conn, lookupQuery, &sqlitex.ExecOptions{
		Args: []any{deviceID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			ep = Endpoint{
				DeviceID: stmt.ColumnText(0),
				LabID:    stmt.ColumnText(1),
				Name:     stmt.ColumnText(2),
				Address:  stmt.ColumnText(3),
				BaudRate: stmt.ColumnInt(4),
			}
			return nil
		},
	})
	if err != nil {
		return Endpoint{}, fmt.Errorf("devices: lookup %s: %w", deviceID, err)
	}
	if !found {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	if ep.Address == "" {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrNoEndpoint, deviceID)
	}
	return ep, nil
}

func (r *SQLiteResolver) Close() error {
	if err := r.pool.Close(); err != nil {
		r.logger.Error("device database close error", zap.String("path", r.path), zap.Error(err))
		return fmt.Errorf("devices: closing %s: %w", r.path, err)
	}
	return nil
}
