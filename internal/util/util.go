// Package util holds small helpers shared by the broker packages.
package util

import "database/sql"

// Ptr returns a pointer to v, for optional values given as literals.
func Ptr[T any](v T) *T {
	return &v
}

// NullString stores "" as NULL.
func NullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// NullID stores a zero id as NULL, for optional foreign keys.
func NullID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id != 0}
}
