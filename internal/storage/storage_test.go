package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "pipectl/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, st)

	// Record on a nil store is a no-op.
	Record(context.Background(), nil, logx.Nop(), AuditEntry{Action: "cleanup.run"})
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "redis", Path: "x"}, logx.Nop())
	require.Error(t, err)
}

func TestStoresRoundTripNewestFirst(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "audit.db")
			st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
			require.NoError(t, err)
			t.Cleanup(func() { _ = st.Close() })

			base := time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)
			Record(ctx, st, logx.Nop(), AuditEntry{At: base, Action: "schedule.install", Backend: "cron", Target: "cmd", Outcome: "ok", OK: 1})
			Record(ctx, st, logx.Nop(), AuditEntry{At: base.Add(time.Minute), Action: "cleanup.run", Target: "cleanup.yaml", Outcome: "partial", OK: 2, Fail: 1, Error: "1 path failed"})
			Record(ctx, st, logx.Nop(), AuditEntry{At: base.Add(2 * time.Minute), Action: "cleanup.run", Target: "cleanup.yaml", Outcome: "ok", DryRun: true})

			got, err := st.RecentAudit(ctx, 2)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.True(t, got[0].DryRun)
			assert.Equal(t, "partial", got[1].Outcome)
			assert.Equal(t, "1 path failed", got[1].Error)
			assert.NotEmpty(t, got[1].ID)
			assert.True(t, got[1].At.Equal(base.Add(time.Minute)))

			all, err := st.RecentAudit(ctx, 0)
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, "cron", all[2].Backend)
		})
	}
}
