package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://bot:pw@db:5432/curvebot?sslmode=disable",
		DSN(ClientConfig{Host: "db", Database: "curvebot", User: "bot", Password: "pw"}))
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"}))
}

func TestRangeQuery(t *testing.T) {
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q := newRangeQuery(`SELECT id FROM orders WHERE 1=1`)
	q.where("state = ANY(%s)", []string{"filled"})
	q.window("created_at", &since, nil)
	q.page("created_at DESC", 50, 10)

	assert.Equal(t,
		`SELECT id FROM orders WHERE 1=1 AND state = ANY($1) AND created_at >= $2 ORDER BY created_at DESC LIMIT $3 OFFSET $4`,
		q.String())
	assert.Equal(t, []any{[]string{"filled"}, since, 50, 10}, q.args)
}

func TestRangeQueryContinuesFromBaseArgs(t *testing.T) {
	cutoff := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q := newRangeQuery(`SELECT id FROM audit_log WHERE created_at < $1`, cutoff)
	q.page("created_at ASC", 100, 0)

	assert.Equal(t, `SELECT id FROM audit_log WHERE created_at < $1 ORDER BY created_at ASC LIMIT $2`, q.String())
	assert.Len(t, q.args, 2)
}

func TestMigrationsEmbedded(t *testing.T) {
	names, err := migrationNames()
	assert.NoError(t, err)
	assert.Contains(t, names, "001_init.sql")
}
