package recordings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AddProxy registers a proxy endpoint. URLs are unique.
func (s *Store) AddProxy(ctx context.Context, url string, priority int) (*Proxy, error) {
	if url == "" {
		return nil, errors.New("proxy url is required")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO proxies (url, priority, enabled, health_status, created_at)
         VALUES (?, ?, 1, ?, ?)`,
		url,
		priority,
		HealthUnknown,
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert proxy: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetProxy(ctx, id)
}

// GetProxy fetches a proxy by identifier.
func (s *Store) GetProxy(ctx context.Context, id int64) (*Proxy, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+proxyColumns+` FROM proxies WHERE id = ?`, id)
	proxy, err := scanProxy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get proxy: %w", err)
	}
	return proxy, nil
}

// ListProxies returns all proxies ordered by priority, then by id so ties
// resolve the same way every time.
func (s *Store) ListProxies(ctx context.Context) ([]*Proxy, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+proxyColumns+` FROM proxies ORDER BY priority, id`)
	if err != nil {
		return nil, fmt.Errorf("list proxies: %w", err)
	}
	defer rows.Close()

	var proxies []*Proxy
	for rows.Next() {
		proxy, err := scanProxy(rows)
		if err != nil {
			return nil, err
		}
		proxies = append(proxies, proxy)
	}
	return proxies, rows.Err()
}

// SetProxyEnabled toggles whether a proxy participates in selection. Enabling
// clears the consecutive failure counter so the proxy gets a fresh start.
func (s *Store) SetProxyEnabled(ctx context.Context, id int64, enabled bool) error {
	var (
		res sql.Result
		err error
	)
	if enabled {
		res, err = s.db.ExecContext(
			ctx,
			`UPDATE proxies SET enabled = 1, consecutive_failures = 0 WHERE id = ?`,
			id,
		)
	} else {
		res, err = s.db.ExecContext(ctx, `UPDATE proxies SET enabled = 0 WHERE id = ?`, id)
	}
	if err != nil {
		return fmt.Errorf("set proxy enabled: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set proxy enabled rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("proxy %d not found", id)
	}
	return nil
}

// IncrementProxyFailures bumps a proxy's consecutive failure counter with a
// relative update so concurrent reporters never lose increments. When the new
// count reaches disableAt (and disableAt is positive) the proxy is disabled
// in the same transaction. Returns the new count and whether the proxy was
// disabled by this call.
func (s *Store) IncrementProxyFailures(ctx context.Context, id int64, disableAt int) (int, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin failure tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(
		ctx,
		`UPDATE proxies
         SET consecutive_failures = consecutive_failures + 1,
             health_status = ?,
             last_checked_at = ?
         WHERE id = ?`,
		HealthFailed,
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return 0, false, fmt.Errorf("increment proxy failures: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("increment proxy failures rows: %w", err)
	}
	if affected == 0 {
		return 0, false, fmt.Errorf("proxy %d not found", id)
	}

	var count int
	var enabled bool
	row := tx.QueryRowContext(ctx, `SELECT consecutive_failures, enabled FROM proxies WHERE id = ?`, id)
	if err := row.Scan(&count, &enabled); err != nil {
		return 0, false, fmt.Errorf("read proxy failures: %w", err)
	}

	disabled := false
	if disableAt > 0 && count >= disableAt && enabled {
		if _, err := tx.ExecContext(ctx, `UPDATE proxies SET enabled = 0 WHERE id = ?`, id); err != nil {
			return 0, false, fmt.Errorf("disable proxy: %w", err)
		}
		disabled = true
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit failure tx: %w", err)
	}
	return count, disabled, nil
}

// RecordProbeSuccess resets a proxy's failure counter and stores the probe
// classification and latency measurement.
func (s *Store) RecordProbeSuccess(ctx context.Context, id int64, status HealthStatus, latencyMS float64) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE proxies
         SET consecutive_failures = 0,
             health_status = ?,
             average_latency_ms = ?,
             last_checked_at = ?
         WHERE id = ?`,
		status,
		latencyMS,
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("record probe success: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record probe success rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("proxy %d not found", id)
	}
	return nil
}

const proxyColumns = "id, url, priority, enabled, health_status, consecutive_failures, average_latency_ms, last_checked_at, created_at"

func scanProxy(scanner interface{ Scan(dest ...any) error }) (*Proxy, error) {
	var (
		proxy      Proxy
		enabled    int
		statusStr  string
		checkedRaw sql.NullString
		createdRaw sql.NullString
	)
	if err := scanner.Scan(
		&proxy.ID,
		&proxy.URL,
		&proxy.Priority,
		&enabled,
		&statusStr,
		&proxy.ConsecutiveFailures,
		&proxy.AverageLatencyMS,
		&checkedRaw,
		&createdRaw,
	); err != nil {
		return nil, err
	}
	proxy.Enabled = enabled != 0
	proxy.HealthStatus = HealthStatus(statusStr)
	if t, err := parseTimeString(checkedRaw.String); err == nil {
		proxy.LastCheckedAt = &t
	}
	if t, err := parseTimeString(createdRaw.String); err == nil {
		proxy.CreatedAt = t
	}
	return &proxy, nil
}
