package repository

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pesio-ai/be-plt-twofa/pkg/apperrors"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgInvalidText         = "22P02"
)

// mapError classifies a pgx error. op completes "failed to ..." for internal errors.
func mapError(err error, resource, id, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.NotFound(resource, id)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return apperrors.Wrap(err, apperrors.KindConflict, resource+" already exists")
		case pgForeignKeyViolation:
			return apperrors.Wrap(err, apperrors.KindValidation, "referenced record does not exist")
		case pgInvalidText:
			// malformed uuid
			return apperrors.NotFound(resource, id)
		}
	}

	return apperrors.Wrap(err, apperrors.KindInternal, "failed to "+op)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
