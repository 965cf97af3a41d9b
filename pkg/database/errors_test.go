package database

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	unique := fmt.Errorf("insert usage: %w", &pgconn.PgError{Code: "23505", ConstraintName: "idx_usages_single_use"})
	assert.True(t, IsUniqueViolation(unique))
	assert.Equal(t, "idx_usages_single_use", ConstraintName(unique))
	assert.False(t, IsTransient(unique))

	check := &pgconn.PgError{Code: "23514", ConstraintName: "discount_codes_capacity"}
	assert.True(t, IsCheckViolation(check))
	assert.False(t, IsUniqueViolation(check))

	for _, code := range []string{"40001", "40P01", "55P03"} {
		assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: code})), code)
	}

	plain := errors.New("boom")
	assert.False(t, IsUniqueViolation(plain))
	assert.False(t, IsTransient(plain))
	assert.Equal(t, "", ConstraintName(plain))
}
