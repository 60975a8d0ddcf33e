// Package repository implements domain repository interfaces using SQLite.
package repository

import (
	"database/sql"
	"errors"

	"github.com/elbrit-dev/queryflow/internal/domain"
)

func mapDBError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.NotFoundError{Message: "resource not found"}
	}
	return err
}

func nullStr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func ptrStr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}
