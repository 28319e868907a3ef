package main

import (
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
)

func TestNewPostgresRepository(t *testing.T) {
	// Arrange
	var db *pgxpool.Pool

	// Act
	repo := NewPostgresRepository(db)

	// Assert
	assert.NotNil(t, repo)
	assert.IsType(t, &PostgresRepository{}, repo)
}

func TestPostgresRepositoryImplementsRepository(t *testing.T) {
	var _ Repository = NewPostgresRepository(nil)
}
