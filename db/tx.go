package db

import (
	"context"
	"errors"
	"fmt"
)

// WithTx executes fn inside a transaction on a dedicated connection.
// Uses BEGIN IMMEDIATE for SQLite or plain BEGIN for Postgres.
// If fn returns an error, the transaction is rolled back and the rollback
// failure, if any, is joined to fn's error.
//
// fn must only use conn: with SQLite's single connection, touching the
// parent CompatDB inside fn blocks forever.
func WithTx(ctx context.Context, db *CompatDB, fn func(conn *CompatConn) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, db.BeginTxSQL()); err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	if err := fn(conn); err != nil {
		if _, rbErr := conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK"); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
