package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"flare-signals/internal/signal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrSignalNotFound is returned when no signal row matches the id.
	ErrSignalNotFound = errors.New("storage: signal not found")
)

const (
	signalColumns = `id,
        name,
        description,
        definition,
        webhook_url,
        cooldown_minutes,
        is_active,
        last_triggered_at,
        last_evaluated_at`

	getSignalSQL = `SELECT ` + signalColumns + `
    FROM signals
    WHERE id = $1;`

	listSignalsSQL = `SELECT ` + signalColumns + `
    FROM signals
    ORDER BY name, id;`

	listActiveSignalIDsSQL = `SELECT id FROM signals WHERE is_active ORDER BY id;`

	upsertSignalSQL = `INSERT INTO signals (
        id,
        name,
        description,
        definition,
        webhook_url,
        cooldown_minutes,
        is_active
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (id) DO UPDATE
    SET
        name             = EXCLUDED.name,
        description      = EXCLUDED.description,
        definition       = EXCLUDED.definition,
        webhook_url      = EXCLUDED.webhook_url,
        cooldown_minutes = EXCLUDED.cooldown_minutes,
        is_active        = EXCLUDED.is_active,
        updated_at       = NOW();`

	markEvaluatedSQL = `UPDATE signals SET last_evaluated_at = $2 WHERE id = $1;`
	markTriggeredSQL = `UPDATE signals SET last_triggered_at = $2 WHERE id = $1;`

	insertNotificationSQL = `INSERT INTO notification_log (
        signal_id,
        triggered_at,
        payload,
        webhook_status,
        duration_ms,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    );`

	notificationColumns = `id::text,
        signal_id,
        triggered_at,
        payload,
        webhook_status,
        duration_ms,
        error,
        created_at`

	listRecentNotificationsSQL = `SELECT ` + notificationColumns + `
    FROM notification_log
    ORDER BY triggered_at DESC, id DESC
    LIMIT $1;`

	listNotificationsBetweenSQL = `SELECT ` + notificationColumns + `
    FROM notification_log
    WHERE triggered_at >= $1
      AND triggered_at < $2
    ORDER BY triggered_at, id;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// SignalStore reads signals and records evaluation bookkeeping.
type SignalStore interface {
	GetSignal(ctx context.Context, id string) (signal.Signal, error)
	ListSignals(ctx context.Context) ([]signal.Signal, error)
	ListActiveSignalIDs(ctx context.Context) ([]string, error)
	MarkEvaluated(ctx context.Context, id string, at time.Time) error
	MarkTriggered(ctx context.Context, id string, at time.Time) error
}

// NotificationStore appends and reads the notification audit log.
type NotificationStore interface {
	InsertNotification(ctx context.Context, rec signal.NotificationRecord) error
	ListRecentNotifications(ctx context.Context, limit int) ([]signal.NotificationRecord, error)
	ListNotificationsBetween(ctx context.Context, from, to time.Time) ([]signal.NotificationRecord, error)
}

// SignalWriter stores signal definitions.
type SignalWriter interface {
	UpsertSignal(ctx context.Context, sig signal.Signal) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store is the PostgreSQL implementation of every storage interface.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pool for components sharing the connection (the task queue).
func (s *Store) Pool() *pgxpool.Pool {
	if s == nil {
		return nil
	}
	return s.pool
}

// Ping checks database reachability.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// session locks die with the connection, so a failed unlock only delays the next holder
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// GetSignal loads one signal with its decoded definition.
func (s *Store) GetSignal(ctx context.Context, id string) (signal.Signal, error) {
	pool, err := s.getPool()
	if err != nil {
		return signal.Signal{}, err
	}

	sig, err := scanSignal(pool.QueryRow(ctx, getSignalSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return signal.Signal{}, fmt.Errorf("%w: %s", ErrSignalNotFound, id)
	}
	if err != nil {
		return signal.Signal{}, fmt.Errorf("get signal %s: %w", id, err)
	}
	return sig, nil
}

// ListSignals returns every signal, active or not.
func (s *Store) ListSignals(ctx context.Context) ([]signal.Signal, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSignalsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list signals: %w", queryErr)
	}
	defer rows.Close()

	signals := make([]signal.Signal, 0)
	for rows.Next() {
		sig, scanErr := scanSignal(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		signals = append(signals, sig)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return signals, nil
}

// ListActiveSignalIDs returns the ids of signals that should be evaluated.
func (s *Store) ListActiveSignalIDs(ctx context.Context) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listActiveSignalIDsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list active signals: %w", queryErr)
	}
	ids, collectErr := pgx.CollectRows(rows, pgx.RowTo[string])
	if collectErr != nil {
		return nil, fmt.Errorf("collect active signals: %w", collectErr)
	}
	return ids, nil
}

// UpsertSignal stores a signal definition. Bookkeeping timestamps are left untouched.
func (s *Store) UpsertSignal(ctx context.Context, sig signal.Signal) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	definition, err := signal.EncodeDefinition(signal.Definition{
		Chains:    sig.Chains,
		Window:    sig.Window,
		Condition: sig.Condition,
	})
	if err != nil {
		return fmt.Errorf("encode signal %s: %w", sig.ID, err)
	}

	if _, execErr := pool.Exec(ctx, upsertSignalSQL,
		sig.ID,
		sig.Name,
		sig.Description,
		definition,
		sig.WebhookURL,
		sig.CooldownMinutes,
		sig.IsActive,
	); execErr != nil {
		return fmt.Errorf("upsert signal %s: %w", sig.ID, execErr)
	}
	return nil
}

// MarkEvaluated sets last_evaluated_at.
func (s *Store) MarkEvaluated(ctx context.Context, id string, at time.Time) error {
	return s.touch(ctx, markEvaluatedSQL, "mark evaluated", id, at)
}

// MarkTriggered sets last_triggered_at.
func (s *Store) MarkTriggered(ctx context.Context, id string, at time.Time) error {
	return s.touch(ctx, markTriggeredSQL, "mark triggered", id, at)
}

func (s *Store) touch(ctx context.Context, query, op, id string, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, query, id, at.UTC())
	if execErr != nil {
		return fmt.Errorf("%s: %w", op, execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w: %s", op, ErrSignalNotFound, id)
	}
	return nil
}

// InsertNotification appends one audit entry.
func (s *Store) InsertNotification(ctx context.Context, rec signal.NotificationRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var status interface{}
	if rec.WebhookStatus != nil {
		status = *rec.WebhookStatus
	}
	var errMsg interface{}
	if rec.Error != nil {
		errMsg = *rec.Error
	}
	payload := []byte(rec.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	if _, execErr := pool.Exec(ctx, insertNotificationSQL,
		rec.SignalID,
		rec.TriggeredAt.UTC(),
		payload,
		status,
		rec.DurationMs,
		errMsg,
	); execErr != nil {
		return fmt.Errorf("insert notification: %w", execErr)
	}
	return nil
}

// ListRecentNotifications lists the newest audit entries first.
func (s *Store) ListRecentNotifications(ctx context.Context, limit int) ([]signal.NotificationRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentNotificationsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent notifications: %w", queryErr)
	}
	return collectNotifications(rows, limit)
}

// ListNotificationsBetween lists audit entries triggered in [from, to).
func (s *Store) ListNotificationsBetween(ctx context.Context, from, to time.Time) ([]signal.NotificationRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listNotificationsBetweenSQL, from.UTC(), to.UTC())
	if queryErr != nil {
		return nil, fmt.Errorf("list notifications between: %w", queryErr)
	}
	return collectNotifications(rows, 0)
}

func collectNotifications(rows pgx.Rows, capacity int) ([]signal.NotificationRecord, error) {
	defer rows.Close()

	records := make([]signal.NotificationRecord, 0, capacity)
	for rows.Next() {
		var (
			rec    signal.NotificationRecord
			status sql.NullInt32
			errMsg sql.NullString
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.SignalID,
			&rec.TriggeredAt,
			&rec.Payload,
			&status,
			&rec.DurationMs,
			&errMsg,
			&rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		if status.Valid {
			value := int(status.Int32)
			rec.WebhookStatus = &value
		}
		if errMsg.Valid {
			msg := errMsg.String
			rec.Error = &msg
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func scanSignal(row pgx.Row) (signal.Signal, error) {
	var (
		sig         signal.Signal
		definition  json.RawMessage
		cooldown    int32
		lastTrigger sql.NullTime
		lastEval    sql.NullTime
	)
	if err := row.Scan(
		&sig.ID,
		&sig.Name,
		&sig.Description,
		&definition,
		&sig.WebhookURL,
		&cooldown,
		&sig.IsActive,
		&lastTrigger,
		&lastEval,
	); err != nil {
		return signal.Signal{}, err
	}

	def, err := signal.DecodeDefinition(definition)
	if err != nil {
		return signal.Signal{}, fmt.Errorf("signal %s: %w", sig.ID, err)
	}
	sig.Chains = def.Chains
	sig.Window = def.Window
	sig.Condition = def.Condition
	sig.CooldownMinutes = int(cooldown)

	if lastTrigger.Valid {
		value := lastTrigger.Time
		sig.LastTriggeredAt = &value
	}
	if lastEval.Valid {
		value := lastEval.Time
		sig.LastEvaluatedAt = &value
	}
	return sig, nil
}

var (
	_ SignalStore       = (*Store)(nil)
	_ NotificationStore = (*Store)(nil)
	_ SignalWriter      = (*Store)(nil)
	_ AdvisoryLocker    = (*Store)(nil)
)
