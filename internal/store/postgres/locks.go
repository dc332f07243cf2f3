package postgres

import (
	"context"
	"fmt"
	"log/slog"
)

// TryAdvisoryLock attempts to take the cluster-wide advisory lock for key
// without blocking. When acquired it returns an unlock func and true; when
// another instance holds the lock it returns false.
//
// Advisory locks are session-scoped, so the lock is pinned to a dedicated
// pool connection that is held until unlock runs. The scheduler uses this
// as the cross-process guard against two instances dialling the same
// reminder; its per-process mutex handles the common case and this handles
// split deployments.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("postgres: acquire conn for advisory lock: %w", err)
	}

	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("postgres: advisory lock %d: %w", key, err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock = func() {
		// Unlock with a fresh context: the caller's may already be done.
		if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, key); err != nil {
			slog.Warn("advisory unlock failed; releasing connection drops the lock anyway",
				"key", key, "err", err)
		}
		conn.Release()
	}
	return unlock, true, nil
}
