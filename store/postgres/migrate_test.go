package postgres

import (
	"strings"
	"testing"
)

// The later-added task/ticket columns must be upgraded in place on
// installations that predate them, not only created with fresh tables.
func TestMigrationsUpgradeExistingTables(t *testing.T) {
	groups := []struct {
		table   string
		columns []string
	}{
		{"tickets", []string{"paused", "paused_at", "resumed_at"}},
		{"tickets", []string{"approval_required", "approval_status", "approval_requested_at", "approval_decided_at", "approval_notes"}},
		{"tasks", []string{"cancel_requested", "cancel_requested_at"}},
		{"tasks", []string{"retry_base_seconds", "retry_max_seconds", "timeout_seconds"}},
		{"tasks", []string{"claimed_by", "claimed_at", "lease_expires_at"}},
	}

	for _, g := range groups {
		for _, col := range g.columns {
			found := false
			for _, stmt := range migrations {
				if strings.Contains(stmt, "ALTER TABLE "+g.table) &&
					strings.Contains(stmt, "ADD COLUMN IF NOT EXISTS "+col+" ") {
					found = true
					break
				}
			}
			if !found {
				t.Errorf("no in-place upgrade for %s.%s", g.table, col)
			}
		}
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	for i, stmt := range migrations {
		if !strings.Contains(stmt, "IF NOT EXISTS") {
			t.Errorf("migration %d is not idempotent: %.60s", i, stmt)
		}
	}
}
