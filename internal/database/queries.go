package database

import (
	"strconv"
	"strings"
)

const connectionColumns = `id, user_id, instance_id, display_name, phone_number, status, qr_code,
	last_seen_at, connected_at, version, created_at, updated_at`

const (
	insertConnectionQuery = `INSERT INTO connections (` + connectionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectConnectionByOwnerQuery = `SELECT ` + connectionColumns + `
		FROM connections WHERE id = ? AND user_id = ?`

	selectConnectionByInstanceQuery = `SELECT ` + connectionColumns + `
		FROM connections WHERE instance_id = ?`

	listConnectionsByOwnerQuery = `SELECT ` + connectionColumns + `
		FROM connections WHERE user_id = ? ORDER BY created_at DESC, id`

	listStaleConnectionsQuery = `SELECT ` + connectionColumns + `
		FROM connections WHERE status IN (?, ?) AND updated_at < ? ORDER BY updated_at`

	updateConnectionQuery = `UPDATE connections SET
		status = ?, qr_code = ?, last_seen_at = ?, connected_at = ?,
		version = ?, updated_at = ?
		WHERE id = ? AND user_id = ? AND version = ?`
)

// rebind rewrites ? placeholders into the $n form PostgreSQL expects
func rebind(driver, query string) string {
	if driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
