package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/maudeniemann/dish-drop-sub000/internal/domain"
	_ "modernc.org/sqlite"
)

const (
	sqliteBalanceColumns = `user_id, meals_donated_total, meals_available, coin_balance, coin_lifetime_earned,
		last_activity_date, current_streak, created_at`
	sqliteSponsorshipColumns = `id, restaurant_id, target_drops, current_drops, meals_per_drop, bonus_meals,
		total_meals_pledged, is_completed, starts_at, ends_at, completed_at, expiry_notified_at`
	sqliteCouponColumns     = `id, restaurant_id, title, coin_cost, total_quantity, claimed_count, expires_at, is_active`
	sqliteUserCouponColumns = `id, user_id, coupon_id, status, claimed_at, used_at`
)

// SQLiteRepository is the SQLite implementation of Store. Transactions start with
// BEGIN IMMEDIATE so the database file lock serializes writers across processes.
type SQLiteRepository struct {
	db *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func fromNullMillis(value sql.NullInt64) *time.Time {
	if !value.Valid {
		return nil
	}
	t := fromMillis(value.Int64)
	return &t
}

func toNullMillis(value *time.Time) any {
	if value == nil {
		return nil
	}
	return toMillis(*value)
}

// OpenSQLite opens the database file at path and optionally applies migrations.
func OpenSQLite(path string, applyMigrations bool) (*SQLiteRepository, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := filepath.Clean(path) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection per process; other processes queue on the file lock.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if applyMigrations {
		if err := migrateSQLite(db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}
	return &SQLiteRepository{db: db}, nil
}

// WithinTx runs fn in one transaction.
func (s *SQLiteRepository) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLiteError(fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := fn(&sqliteTx{tx: tx}); err != nil {
		return classifySQLiteError(err)
	}
	if err := tx.Commit(); err != nil {
		return classifySQLiteError(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

func (s *SQLiteRepository) GetUserBalance(ctx context.Context, userID string) (*domain.UserBalance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteBalanceColumns+` FROM user_balances WHERE user_id = ?`, userID)
	balance, err := scanSQLiteBalance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, classifySQLiteError(fmt.Errorf("get user balance: %w", err))
	}
	return balance, nil
}

func (s *SQLiteRepository) GetGlobalStats(ctx context.Context) (*domain.GlobalStats, error) {
	var stats domain.GlobalStats
	err := s.db.QueryRowContext(ctx,
		`SELECT total_meals_donated, goal_target, total_contributors FROM global_stats WHERE id = ?`,
		domain.GlobalStatsID,
	).Scan(&stats.TotalMealsDonated, &stats.GoalTarget, &stats.TotalContributors)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrGlobalStatsMissing
		}
		return nil, classifySQLiteError(fmt.Errorf("get global stats: %w", err))
	}
	return &stats, nil
}

func (s *SQLiteRepository) SetGlobalGoalTarget(ctx context.Context, target int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE global_stats SET goal_target = ? WHERE id = ?`, target, domain.GlobalStatsID)
	if err != nil {
		return classifySQLiteError(fmt.Errorf("set goal target: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrGlobalStatsMissing
	}
	return nil
}

func (s *SQLiteRepository) GetSponsorship(ctx context.Context, sponsorshipID string) (*domain.FlashSponsorship, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteSponsorshipColumns+` FROM flash_sponsorships WHERE id = ?`, sponsorshipID)
	sp, err := scanSQLiteSponsorship(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrSponsorshipNotFound
		}
		return nil, classifySQLiteError(fmt.Errorf("get sponsorship: %w", err))
	}
	return sp, nil
}

func (s *SQLiteRepository) GetCoupon(ctx context.Context, couponID string) (*domain.Coupon, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteCouponColumns+` FROM coupons WHERE id = ?`, couponID)
	c, err := scanSQLiteCoupon(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrCouponNotFound
		}
		return nil, classifySQLiteError(fmt.Errorf("get coupon: %w", err))
	}
	return c, nil
}

func (s *SQLiteRepository) ListUserCoupons(ctx context.Context, userID string) ([]domain.UserCoupon, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteUserCouponColumns+` FROM user_coupons WHERE user_id = ? ORDER BY claimed_at DESC`,
		userID,
	)
	if err != nil {
		return nil, classifySQLiteError(fmt.Errorf("list user coupons: %w", err))
	}
	defer rows.Close()

	var claims []domain.UserCoupon
	for rows.Next() {
		claim, err := scanSQLiteUserCoupon(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user coupon: %w", err)
		}
		claims = append(claims, *claim)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLiteError(err)
	}
	return claims, nil
}

func (s *SQLiteRepository) CountDonationEvents(ctx context.Context, source domain.DonationSource, referenceID string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM donation_events WHERE source = ? AND reference_id = ?`,
		string(source), referenceID,
	).Scan(&count)
	if err != nil {
		return 0, classifySQLiteError(fmt.Errorf("count donation events: %w", err))
	}
	return count, nil
}

func (s *SQLiteRepository) ExpireActiveClaims(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE user_coupons
		SET status = 'expired'
		WHERE status = 'active'
		  AND coupon_id IN (
			SELECT id FROM coupons WHERE expires_at IS NOT NULL AND expires_at <= ?
		  )
	`, toMillis(now))
	if err != nil {
		return 0, classifySQLiteError(fmt.Errorf("expire coupon claims: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire coupon claims rows affected: %w", err)
	}
	return n, nil
}

func (s *SQLiteRepository) ListUnnotifiedExpiredSponsorships(ctx context.Context, now time.Time, limit int) ([]domain.FlashSponsorship, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteSponsorshipColumns+`
		FROM flash_sponsorships
		WHERE is_completed = 0
		  AND expiry_notified_at IS NULL
		  AND ends_at <= ?
		ORDER BY ends_at ASC
		LIMIT ?
	`, toMillis(now), limit)
	if err != nil {
		return nil, classifySQLiteError(fmt.Errorf("list expired sponsorships: %w", err))
	}
	defer rows.Close()

	var out []domain.FlashSponsorship
	for rows.Next() {
		sp, err := scanSQLiteSponsorship(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sponsorship: %w", err)
		}
		out = append(out, *sp)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLiteError(err)
	}
	return out, nil
}

func (s *SQLiteRepository) MarkSponsorshipExpiryNotified(ctx context.Context, sponsorshipID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE flash_sponsorships
		SET expiry_notified_at = ?
		WHERE id = ? AND expiry_notified_at IS NULL AND is_completed = 0
	`, toMillis(at), sponsorshipID)
	if err != nil {
		return false, classifySQLiteError(fmt.Errorf("mark sponsorship expiry notified: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark sponsorship expiry notified rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteRepository) ReconcileDonationTotals(ctx context.Context) (*domain.ReconciliationReport, error) {
	var report domain.ReconciliationReport
	err := s.db.QueryRowContext(ctx, `
		SELECT g.total_meals_donated,
		       COALESCE((SELECT SUM(meal_count) FROM donation_events), 0)
		FROM global_stats g
		WHERE g.id = ?
	`, domain.GlobalStatsID).Scan(&report.GlobalTotal, &report.EventSum)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrGlobalStatsMissing
		}
		return nil, classifySQLiteError(fmt.Errorf("sum donation events: %w", err))
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM user_balances b
		LEFT JOIN (
			SELECT user_id, SUM(meal_count) AS total
			FROM donation_events
			GROUP BY user_id
		) e ON e.user_id = b.user_id
		WHERE b.meals_donated_total <> COALESCE(e.total, 0)
	`).Scan(&report.DriftedAccounts)
	if err != nil {
		return nil, classifySQLiteError(fmt.Errorf("compare user totals: %w", err))
	}
	return &report, nil
}

func (s *SQLiteRepository) Ping(ctx context.Context) error {
	return classifySQLiteError(s.db.PingContext(ctx))
}

// Close closes the SQLite handle.
func (s *SQLiteRepository) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

// sqliteTx implements Tx on a database/sql transaction.
type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) Increment(ctx context.Context, key CounterKey, delta int64) (int64, error) {
	col, err := lookupCounter(key)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`UPDATE %s SET %s = %s + ? WHERE %s = ? RETURNING %s`,
		col.table, col.column, col.column, col.idColumn, col.column)

	var value int64
	if err := t.tx.QueryRowContext(ctx, query, delta, key.ID).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, col.notFound
		}
		return 0, fmt.Errorf("increment %s: %w", key.Counter, err)
	}
	return value, nil
}

func (t *sqliteTx) CompareAndIncrementIfBelow(ctx context.Context, key CounterKey, delta, ceiling int64) (int64, bool, error) {
	col, err := lookupCounter(key)
	if err != nil {
		return 0, false, err
	}
	query := fmt.Sprintf(`UPDATE %s SET %s = %s + ? WHERE %s = ? AND %s + ? <= ? RETURNING %s`,
		col.table, col.column, col.column, col.idColumn, col.column, col.column)

	var value int64
	err = t.tx.QueryRowContext(ctx, query, delta, key.ID, delta, ceiling).Scan(&value)
	if err == nil {
		return value, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("compare-and-increment %s: %w", key.Counter, err)
	}
	current, err := t.readCounter(ctx, col, key)
	return current, false, err
}

func (t *sqliteTx) DecrementIfAtLeast(ctx context.Context, key CounterKey, amount int64) (int64, bool, error) {
	col, err := lookupCounter(key)
	if err != nil {
		return 0, false, err
	}
	query := fmt.Sprintf(`UPDATE %s SET %s = %s - ? WHERE %s = ? AND %s >= ? RETURNING %s`,
		col.table, col.column, col.column, col.idColumn, col.column, col.column)

	var value int64
	err = t.tx.QueryRowContext(ctx, query, amount, key.ID, amount).Scan(&value)
	if err == nil {
		return value, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("decrement %s: %w", key.Counter, err)
	}
	current, err := t.readCounter(ctx, col, key)
	return current, false, err
}

func (t *sqliteTx) readCounter(ctx context.Context, col counterColumn, key CounterKey) (int64, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = ?`, col.column, col.table, col.idColumn)
	var value int64
	if err := t.tx.QueryRowContext(ctx, query, key.ID).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, col.notFound
		}
		return 0, fmt.Errorf("read %s: %w", key.Counter, err)
	}
	return value, nil
}

func (t *sqliteTx) EnsureUserBalance(ctx context.Context, userID string, now time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO user_balances (user_id, created_at, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, toMillis(now), toMillis(now))
	if err != nil {
		return false, fmt.Errorf("ensure user balance: %w", err)
	}
	return rowsAffectedOne(res)
}

// LockUserBalance reads the balance row. The IMMEDIATE transaction already holds
// the write lock, so no row lock is needed.
func (t *sqliteTx) LockUserBalance(ctx context.Context, userID string) (*domain.UserBalance, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+sqliteBalanceColumns+` FROM user_balances WHERE user_id = ?`, userID)
	balance, err := scanSQLiteBalance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("lock user balance: %w", err)
	}
	return balance, nil
}

func (t *sqliteTx) SetStreak(ctx context.Context, userID string, day string, streak int) error {
	if _, err := time.Parse(dayLayout, day); err != nil {
		return fmt.Errorf("invalid activity day %q: %w", day, err)
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE user_balances
		SET last_activity_date = ?, current_streak = ?, updated_at = ?
		WHERE user_id = ?
	`, day, streak, toMillis(time.Now()), userID)
	if err != nil {
		return fmt.Errorf("set streak: %w", err)
	}
	ok, err := rowsAffectedOne(res)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrAccountNotFound
	}
	return nil
}

func (t *sqliteTx) FindDonationEvent(ctx context.Context, source domain.DonationSource, referenceID, userID string) (*domain.DonationEvent, error) {
	var ev domain.DonationEvent
	var src string
	var createdAt int64
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, user_id, meal_count, source, reference_id, created_at
		FROM donation_events
		WHERE source = ? AND reference_id = ? AND user_id = ?
	`, string(source), referenceID, userID).Scan(&ev.ID, &ev.UserID, &ev.MealCount, &src, &ev.ReferenceID, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find donation event: %w", err)
	}
	ev.Source = domain.DonationSource(src)
	ev.CreatedAt = fromMillis(createdAt)
	return &ev, nil
}

func (t *sqliteTx) InsertDonationEvent(ctx context.Context, ev *domain.DonationEvent) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO donation_events (id, user_id, meal_count, source, reference_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, ev.ID, ev.UserID, ev.MealCount, string(ev.Source), ev.ReferenceID, toMillis(ev.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("insert donation event: %w", err)
	}
	return rowsAffectedOne(res)
}

func (t *sqliteTx) FindMealSpend(ctx context.Context, userID, referenceID string) (*domain.MealSpend, error) {
	var spend domain.MealSpend
	var createdAt int64
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, user_id, meal_count, reference_id, created_at
		FROM meal_spends
		WHERE user_id = ? AND reference_id = ?
	`, userID, referenceID).Scan(&spend.ID, &spend.UserID, &spend.MealCount, &spend.ReferenceID, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find meal spend: %w", err)
	}
	spend.CreatedAt = fromMillis(createdAt)
	return &spend, nil
}

func (t *sqliteTx) InsertMealSpend(ctx context.Context, spend *domain.MealSpend) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO meal_spends (id, user_id, meal_count, reference_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, spend.ID, spend.UserID, spend.MealCount, nullableString(spend.ReferenceID), toMillis(spend.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("insert meal spend: %w", err)
	}
	return rowsAffectedOne(res)
}

func (t *sqliteTx) FindCoinAward(ctx context.Context, reason, referenceID, userID string) (*domain.CoinAward, error) {
	var award domain.CoinAward
	var createdAt int64
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, user_id, amount, reason, reference_id, created_at
		FROM coin_awards
		WHERE reason = ? AND reference_id = ? AND user_id = ?
	`, reason, referenceID, userID).Scan(&award.ID, &award.UserID, &award.Amount, &award.Reason, &award.ReferenceID, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find coin award: %w", err)
	}
	award.CreatedAt = fromMillis(createdAt)
	return &award, nil
}

func (t *sqliteTx) InsertCoinAward(ctx context.Context, award *domain.CoinAward) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO coin_awards (id, user_id, amount, reason, reference_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, award.ID, award.UserID, award.Amount, award.Reason, award.ReferenceID, toMillis(award.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("insert coin award: %w", err)
	}
	return rowsAffectedOne(res)
}

func (t *sqliteTx) LockSponsorship(ctx context.Context, sponsorshipID string) (*domain.FlashSponsorship, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+sqliteSponsorshipColumns+` FROM flash_sponsorships WHERE id = ?`, sponsorshipID)
	sp, err := scanSQLiteSponsorship(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrSponsorshipNotFound
		}
		return nil, fmt.Errorf("lock sponsorship: %w", err)
	}
	return sp, nil
}

func (t *sqliteTx) FindDrop(ctx context.Context, sponsorshipID, userID, postID string) (*domain.SponsorshipDrop, error) {
	var drop domain.SponsorshipDrop
	var post sql.NullString
	var createdAt int64
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, sponsorship_id, user_id, post_id, created_at
		FROM sponsorship_drops
		WHERE sponsorship_id = ? AND user_id = ? AND post_id = ?
	`, sponsorshipID, userID, postID).Scan(&drop.ID, &drop.SponsorshipID, &drop.UserID, &post, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find drop: %w", err)
	}
	drop.PostID = post.String
	drop.CreatedAt = fromMillis(createdAt)
	return &drop, nil
}

func (t *sqliteTx) InsertDrop(ctx context.Context, drop *domain.SponsorshipDrop) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO sponsorship_drops (id, sponsorship_id, user_id, post_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, drop.ID, drop.SponsorshipID, drop.UserID, nullableString(drop.PostID), toMillis(drop.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("insert drop: %w", err)
	}
	return rowsAffectedOne(res)
}

func (t *sqliteTx) MarkSponsorshipCompleted(ctx context.Context, sponsorshipID string, at time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE flash_sponsorships
		SET is_completed = 1, completed_at = ?
		WHERE id = ? AND is_completed = 0
	`, toMillis(at), sponsorshipID)
	if err != nil {
		return false, fmt.Errorf("mark sponsorship completed: %w", err)
	}
	return rowsAffectedOne(res)
}

func (t *sqliteTx) UpsertSponsorship(ctx context.Context, def domain.SponsorshipDefinition) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO flash_sponsorships (
			id, restaurant_id, target_drops, meals_per_drop, bonus_meals,
			total_meals_pledged, starts_at, ends_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			restaurant_id = excluded.restaurant_id,
			target_drops = excluded.target_drops,
			meals_per_drop = excluded.meals_per_drop,
			bonus_meals = excluded.bonus_meals,
			total_meals_pledged = excluded.total_meals_pledged,
			starts_at = excluded.starts_at,
			ends_at = excluded.ends_at
	`, def.ID, def.RestaurantID, def.TargetDrops, def.MealsPerDrop, def.BonusMeals,
		def.TotalMealsPledged, toMillis(def.StartsAt), toMillis(def.EndsAt))
	if err != nil {
		if isSQLiteCheckViolation(err) {
			return fmt.Errorf("%w: %v", domain.ErrInvalidDefinition, err)
		}
		return fmt.Errorf("upsert sponsorship: %w", err)
	}
	return nil
}

func (t *sqliteTx) LockCoupon(ctx context.Context, couponID string) (*domain.Coupon, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+sqliteCouponColumns+` FROM coupons WHERE id = ?`, couponID)
	c, err := scanSQLiteCoupon(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrCouponNotFound
		}
		return nil, fmt.Errorf("lock coupon: %w", err)
	}
	return c, nil
}

func (t *sqliteTx) FindCouponClaim(ctx context.Context, userID, couponID string) (*domain.UserCoupon, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+sqliteUserCouponColumns+` FROM user_coupons WHERE user_id = ? AND coupon_id = ?`, userID, couponID)
	claim, err := scanSQLiteUserCoupon(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find coupon claim: %w", err)
	}
	return claim, nil
}

func (t *sqliteTx) InsertCouponClaim(ctx context.Context, claim *domain.UserCoupon) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO user_coupons (id, user_id, coupon_id, status, claimed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, claim.ID, claim.UserID, claim.CouponID, string(claim.Status), toMillis(claim.ClaimedAt))
	if err != nil {
		return false, fmt.Errorf("insert coupon claim: %w", err)
	}
	return rowsAffectedOne(res)
}

func (t *sqliteTx) LockUserCoupon(ctx context.Context, userCouponID string) (*domain.UserCoupon, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+sqliteUserCouponColumns+` FROM user_coupons WHERE id = ?`, userCouponID)
	claim, err := scanSQLiteUserCoupon(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrClaimNotFound
		}
		return nil, fmt.Errorf("lock coupon claim: %w", err)
	}
	return claim, nil
}

func (t *sqliteTx) SetUserCouponStatus(ctx context.Context, userCouponID string, from, to domain.CouponStatus, at time.Time) (bool, error) {
	var usedAt any
	if to == domain.CouponStatusUsed {
		usedAt = toMillis(at)
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE user_coupons
		SET status = ?, used_at = COALESCE(?, used_at)
		WHERE id = ? AND status = ?
	`, string(to), usedAt, userCouponID, string(from))
	if err != nil {
		return false, fmt.Errorf("update coupon claim status: %w", err)
	}
	return rowsAffectedOne(res)
}

func (t *sqliteTx) UpsertCoupon(ctx context.Context, def domain.CouponDefinition) error {
	var totalQuantity any
	if def.TotalQuantity != nil {
		totalQuantity = *def.TotalQuantity
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO coupons (id, restaurant_id, title, coin_cost, total_quantity, expires_at, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			restaurant_id = excluded.restaurant_id,
			title = excluded.title,
			coin_cost = excluded.coin_cost,
			total_quantity = excluded.total_quantity,
			expires_at = excluded.expires_at,
			is_active = excluded.is_active
	`, def.ID, def.RestaurantID, def.Title, def.CoinCost, totalQuantity, toNullMillis(def.ExpiresAt), boolToInt(def.IsActive))
	if err != nil {
		if isSQLiteCheckViolation(err) {
			return fmt.Errorf("%w: %v", domain.ErrInvalidDefinition, err)
		}
		return fmt.Errorf("upsert coupon: %w", err)
	}
	return nil
}

type sqliteRow interface {
	Scan(dest ...any) error
}

func scanSQLiteBalance(row sqliteRow) (*domain.UserBalance, error) {
	var b domain.UserBalance
	var lastActivity sql.NullString
	var createdAt int64
	if err := row.Scan(
		&b.UserID, &b.MealsDonatedTotal, &b.MealsAvailable, &b.CoinBalance, &b.CoinLifetimeEarned,
		&lastActivity, &b.CurrentStreak, &createdAt,
	); err != nil {
		return nil, err
	}
	b.LastActivityDate = lastActivity.String
	b.CreatedAt = fromMillis(createdAt)
	return &b, nil
}

func scanSQLiteSponsorship(row sqliteRow) (*domain.FlashSponsorship, error) {
	var sp domain.FlashSponsorship
	var isCompleted, startsAt, endsAt int64
	var completedAt, notifiedAt sql.NullInt64
	if err := row.Scan(
		&sp.ID, &sp.RestaurantID, &sp.TargetDrops, &sp.CurrentDrops, &sp.MealsPerDrop, &sp.BonusMeals,
		&sp.TotalMealsPledged, &isCompleted, &startsAt, &endsAt, &completedAt, &notifiedAt,
	); err != nil {
		return nil, err
	}
	sp.IsCompleted = isCompleted != 0
	sp.StartsAt = fromMillis(startsAt)
	sp.EndsAt = fromMillis(endsAt)
	sp.CompletedAt = fromNullMillis(completedAt)
	sp.ExpiryNotifiedAt = fromNullMillis(notifiedAt)
	return &sp, nil
}

func scanSQLiteCoupon(row sqliteRow) (*domain.Coupon, error) {
	var c domain.Coupon
	var totalQuantity, expiresAt sql.NullInt64
	var isActive int64
	if err := row.Scan(
		&c.ID, &c.RestaurantID, &c.Title, &c.CoinCost, &totalQuantity, &c.ClaimedCount, &expiresAt, &isActive,
	); err != nil {
		return nil, err
	}
	if totalQuantity.Valid {
		q := totalQuantity.Int64
		c.TotalQuantity = &q
	}
	c.ExpiresAt = fromNullMillis(expiresAt)
	c.IsActive = isActive != 0
	return &c, nil
}

func scanSQLiteUserCoupon(row sqliteRow) (*domain.UserCoupon, error) {
	var uc domain.UserCoupon
	var status string
	var claimedAt int64
	var usedAt sql.NullInt64
	if err := row.Scan(&uc.ID, &uc.UserID, &uc.CouponID, &status, &claimedAt, &usedAt); err != nil {
		return nil, err
	}
	uc.Status = domain.CouponStatus(status)
	uc.ClaimedAt = fromMillis(claimedAt)
	uc.UsedAt = fromNullMillis(usedAt)
	return &uc, nil
}

func rowsAffectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
