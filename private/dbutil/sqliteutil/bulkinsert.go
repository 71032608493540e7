package sqliteutil

import (
	"context"
	"database/sql"
	"strings"
)

// RowsPerStatement returns how many rows of numFields columns each can be
// packed into a single REPLACE/INSERT INTO ... VALUES statement without
// exceeding SQLite's bound-parameter limit.
func RowsPerStatement(numFields int) int {
	if numFields <= 0 {
		return 0
	}
	return MaxVariables / numFields
}

// BulkReplace chunks rows into as few REPLACE INTO statements as SQLite's
// variable limit allows, matching the batching the original bulk loader
// used to stay under SQLITE_MAX_VARIABLE_NUMBER.
func BulkReplace(ctx context.Context, tx *sql.Tx, table string, fields []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	perStatement := RowsPerStatement(len(fields))
	if perStatement == 0 {
		return Error.New("table %q has no fields to insert", table)
	}

	placeholderRow := "(" + strings.Repeat("?,", len(fields)-1) + "?)"
	columns := "(" + strings.Join(fields, ", ") + ")"

	for start := 0; start < len(rows); start += perStatement {
		end := start + perStatement
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		placeholders := make([]string, len(chunk))
		args := make([]any, 0, len(chunk)*len(fields))
		for i, row := range chunk {
			placeholders[i] = placeholderRow
			args = append(args, row...)
		}

		stmt := "REPLACE INTO " + table + " " + columns + " VALUES " + strings.Join(placeholders, ", ")
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}
