package store

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nidhogg/nuka-memory/internal/model"
)

// SQLSTATE codes the store translates into validation errors.
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
	codeCheckViolation      = "23514"
	codeNotNullViolation    = "23502"
)

// classify maps driver errors onto the domain taxonomy: missing rows become
// model.ErrNotFound, constraint violations become validation errors and
// everything else is a retryable StorageError.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ErrNotFound
	}
	if errors.Is(err, model.ErrNotFound) || model.IsValidation(err) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return model.Invalid(fieldOf(pgErr), "already exists")
		case codeForeignKeyViolation:
			return model.Invalid(fieldOf(pgErr), "references an unknown record")
		case codeCheckViolation, codeNotNullViolation:
			return model.Invalid(fieldOf(pgErr), "violates constraint "+pgErr.ConstraintName)
		}
	}
	return &model.StorageError{Op: op, Err: err}
}

func fieldOf(pgErr *pgconn.PgError) string {
	if pgErr.ColumnName != "" {
		return pgErr.ColumnName
	}
	if pgErr.ConstraintName != "" {
		return pgErr.ConstraintName
	}
	return "record"
}

// wrapf is classify with a formatted operation name.
func wrapf(err error, format string, args ...any) error {
	return classify(fmt.Sprintf(format, args...), err)
}
