/**
 * @description
 * This file provides the PostgreSQL implementation of the `Store` interface.
 * Entity rows are locked with SELECT ... FOR UPDATE and every shared number is
 * changed with a single conditional UPDATE ... RETURNING, so the transaction can run
 * at READ COMMITTED without lost updates.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/maudeniemann/dish-drop-sub000/internal/domain"
)

const (
	pgBalanceColumns = `user_id, meals_donated_total, meals_available, coin_balance, coin_lifetime_earned,
		last_activity_date, current_streak, created_at`
	pgSponsorshipColumns = `id, restaurant_id, target_drops, current_drops, meals_per_drop, bonus_meals,
		total_meals_pledged, is_completed, starts_at, ends_at, completed_at, expiry_notified_at`
	pgCouponColumns     = `id, restaurant_id, title, coin_cost, total_quantity, claimed_count, expires_at, is_active`
	pgUserCouponColumns = `id, user_id, coupon_id, status, claimed_at, used_at`
)

// PostgresRepository is the PostgreSQL implementation of Store.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// WithinTx runs fn in one transaction.
func (r *PostgresRepository) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return classifyPgError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return classifyPgError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classifyPgError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

func (r *PostgresRepository) GetUserBalance(ctx context.Context, userID string) (*domain.UserBalance, error) {
	row := r.db.QueryRow(ctx, `SELECT `+pgBalanceColumns+` FROM user_balances WHERE user_id = $1`, userID)
	balance, err := scanPgBalance(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, classifyPgError(fmt.Errorf("failed to get user balance: %w", err))
	}
	return balance, nil
}

func (r *PostgresRepository) GetGlobalStats(ctx context.Context) (*domain.GlobalStats, error) {
	var stats domain.GlobalStats
	err := r.db.QueryRow(ctx,
		`SELECT total_meals_donated, goal_target, total_contributors FROM global_stats WHERE id = $1`,
		domain.GlobalStatsID,
	).Scan(&stats.TotalMealsDonated, &stats.GoalTarget, &stats.TotalContributors)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrGlobalStatsMissing
		}
		return nil, classifyPgError(fmt.Errorf("failed to get global stats: %w", err))
	}
	return &stats, nil
}

func (r *PostgresRepository) SetGlobalGoalTarget(ctx context.Context, target int64) error {
	tag, err := r.db.Exec(ctx, `UPDATE global_stats SET goal_target = $2 WHERE id = $1`, domain.GlobalStatsID, target)
	if err != nil {
		return classifyPgError(fmt.Errorf("failed to set goal target: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return ErrGlobalStatsMissing
	}
	return nil
}

func (r *PostgresRepository) GetSponsorship(ctx context.Context, sponsorshipID string) (*domain.FlashSponsorship, error) {
	row := r.db.QueryRow(ctx, `SELECT `+pgSponsorshipColumns+` FROM flash_sponsorships WHERE id = $1`, sponsorshipID)
	s, err := scanPgSponsorship(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSponsorshipNotFound
		}
		return nil, classifyPgError(fmt.Errorf("failed to get sponsorship: %w", err))
	}
	return s, nil
}

func (r *PostgresRepository) GetCoupon(ctx context.Context, couponID string) (*domain.Coupon, error) {
	row := r.db.QueryRow(ctx, `SELECT `+pgCouponColumns+` FROM coupons WHERE id = $1`, couponID)
	c, err := scanPgCoupon(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrCouponNotFound
		}
		return nil, classifyPgError(fmt.Errorf("failed to get coupon: %w", err))
	}
	return c, nil
}

func (r *PostgresRepository) ListUserCoupons(ctx context.Context, userID string) ([]domain.UserCoupon, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+pgUserCouponColumns+` FROM user_coupons WHERE user_id = $1 ORDER BY claimed_at DESC`,
		userID,
	)
	if err != nil {
		return nil, classifyPgError(fmt.Errorf("failed to list user coupons: %w", err))
	}
	defer rows.Close()

	var claims []domain.UserCoupon
	for rows.Next() {
		claim, err := scanPgUserCoupon(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user coupon: %w", err)
		}
		claims = append(claims, *claim)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPgError(err)
	}
	return claims, nil
}

func (r *PostgresRepository) CountDonationEvents(ctx context.Context, source domain.DonationSource, referenceID string) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM donation_events WHERE source = $1 AND reference_id = $2`,
		string(source), referenceID,
	).Scan(&count)
	if err != nil {
		return 0, classifyPgError(fmt.Errorf("failed to count donation events: %w", err))
	}
	return count, nil
}

// ExpireActiveClaims moves active claims of expired coupons to expired.
func (r *PostgresRepository) ExpireActiveClaims(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE user_coupons
		SET status = 'expired'
		WHERE status = 'active'
		  AND coupon_id IN (
			SELECT id FROM coupons WHERE expires_at IS NOT NULL AND expires_at <= $1
		  )
	`, now.UTC())
	if err != nil {
		return 0, classifyPgError(fmt.Errorf("failed to expire coupon claims: %w", err))
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresRepository) ListUnnotifiedExpiredSponsorships(ctx context.Context, now time.Time, limit int) ([]domain.FlashSponsorship, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+pgSponsorshipColumns+`
		FROM flash_sponsorships
		WHERE is_completed = FALSE
		  AND expiry_notified_at IS NULL
		  AND ends_at <= $1
		ORDER BY ends_at ASC
		LIMIT $2
	`, now.UTC(), limit)
	if err != nil {
		return nil, classifyPgError(fmt.Errorf("failed to list expired sponsorships: %w", err))
	}
	defer rows.Close()

	var out []domain.FlashSponsorship
	for rows.Next() {
		s, err := scanPgSponsorship(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sponsorship: %w", err)
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPgError(err)
	}
	return out, nil
}

func (r *PostgresRepository) MarkSponsorshipExpiryNotified(ctx context.Context, sponsorshipID string, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE flash_sponsorships
		SET expiry_notified_at = $2
		WHERE id = $1 AND expiry_notified_at IS NULL AND is_completed = FALSE
	`, sponsorshipID, at.UTC())
	if err != nil {
		return false, classifyPgError(fmt.Errorf("failed to mark sponsorship expiry notified: %w", err))
	}
	return tag.RowsAffected() == 1, nil
}

// ReconcileDonationTotals compares stored totals with the donation event log.
func (r *PostgresRepository) ReconcileDonationTotals(ctx context.Context) (*domain.ReconciliationReport, error) {
	var report domain.ReconciliationReport
	err := r.db.QueryRow(ctx, `
		SELECT g.total_meals_donated,
		       COALESCE((SELECT SUM(meal_count) FROM donation_events), 0)::BIGINT
		FROM global_stats g
		WHERE g.id = $1
	`, domain.GlobalStatsID).Scan(&report.GlobalTotal, &report.EventSum)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrGlobalStatsMissing
		}
		return nil, classifyPgError(fmt.Errorf("failed to sum donation events: %w", err))
	}

	err = r.db.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM user_balances b
		LEFT JOIN (
			SELECT user_id, SUM(meal_count)::BIGINT AS total
			FROM donation_events
			GROUP BY user_id
		) e ON e.user_id = b.user_id
		WHERE b.meals_donated_total <> COALESCE(e.total, 0)
	`).Scan(&report.DriftedAccounts)
	if err != nil {
		return nil, classifyPgError(fmt.Errorf("failed to compare user totals: %w", err))
	}
	return &report, nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return classifyPgError(r.db.Ping(ctx))
}

func (r *PostgresRepository) Close() {
	r.db.Close()
}

// pgTx implements Tx on a pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Increment(ctx context.Context, key CounterKey, delta int64) (int64, error) {
	col, err := lookupCounter(key)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`UPDATE %s SET %s = %s + $1 WHERE %s = $2 RETURNING %s`,
		col.table, col.column, col.column, col.idColumn, col.column)

	var value int64
	if err := t.tx.QueryRow(ctx, query, delta, key.ID).Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, col.notFound
		}
		return 0, fmt.Errorf("failed to increment %s: %w", key.Counter, err)
	}
	return value, nil
}

func (t *pgTx) CompareAndIncrementIfBelow(ctx context.Context, key CounterKey, delta, ceiling int64) (int64, bool, error) {
	col, err := lookupCounter(key)
	if err != nil {
		return 0, false, err
	}
	query := fmt.Sprintf(`UPDATE %s SET %s = %s + $1 WHERE %s = $2 AND %s + $1 <= $3 RETURNING %s`,
		col.table, col.column, col.column, col.idColumn, col.column, col.column)

	var value int64
	err = t.tx.QueryRow(ctx, query, delta, key.ID, ceiling).Scan(&value)
	if err == nil {
		return value, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("failed to compare-and-increment %s: %w", key.Counter, err)
	}
	current, err := t.readCounter(ctx, col, key)
	return current, false, err
}

func (t *pgTx) DecrementIfAtLeast(ctx context.Context, key CounterKey, amount int64) (int64, bool, error) {
	col, err := lookupCounter(key)
	if err != nil {
		return 0, false, err
	}
	query := fmt.Sprintf(`UPDATE %s SET %s = %s - $1 WHERE %s = $2 AND %s >= $1 RETURNING %s`,
		col.table, col.column, col.column, col.idColumn, col.column, col.column)

	var value int64
	err = t.tx.QueryRow(ctx, query, amount, key.ID).Scan(&value)
	if err == nil {
		return value, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("failed to decrement %s: %w", key.Counter, err)
	}
	current, err := t.readCounter(ctx, col, key)
	return current, false, err
}

// readCounter tells a rejected conditional update apart from a missing row.
func (t *pgTx) readCounter(ctx context.Context, col counterColumn, key CounterKey) (int64, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = $1`, col.column, col.table, col.idColumn)
	var value int64
	if err := t.tx.QueryRow(ctx, query, key.ID).Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, col.notFound
		}
		return 0, fmt.Errorf("failed to read %s: %w", key.Counter, err)
	}
	return value, nil
}

func (t *pgTx) EnsureUserBalance(ctx context.Context, userID string, now time.Time) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO user_balances (user_id, created_at, updated_at)
		VALUES ($1, $2, $2)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, now.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to ensure user balance: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) LockUserBalance(ctx context.Context, userID string) (*domain.UserBalance, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+pgBalanceColumns+` FROM user_balances WHERE user_id = $1 FOR UPDATE`, userID)
	balance, err := scanPgBalance(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to lock user balance: %w", err)
	}
	return balance, nil
}

func (t *pgTx) SetStreak(ctx context.Context, userID string, day string, streak int) error {
	date, err := time.Parse(dayLayout, day)
	if err != nil {
		return fmt.Errorf("invalid activity day %q: %w", day, err)
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE user_balances
		SET last_activity_date = $2, current_streak = $3, updated_at = NOW()
		WHERE user_id = $1
	`, userID, date, streak)
	if err != nil {
		return fmt.Errorf("failed to set streak: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

func (t *pgTx) FindDonationEvent(ctx context.Context, source domain.DonationSource, referenceID, userID string) (*domain.DonationEvent, error) {
	var ev domain.DonationEvent
	var src string
	err := t.tx.QueryRow(ctx, `
		SELECT id, user_id, meal_count, source, reference_id, created_at
		FROM donation_events
		WHERE source = $1 AND reference_id = $2 AND user_id = $3
	`, string(source), referenceID, userID).Scan(&ev.ID, &ev.UserID, &ev.MealCount, &src, &ev.ReferenceID, &ev.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find donation event: %w", err)
	}
	ev.Source = domain.DonationSource(src)
	return &ev, nil
}

func (t *pgTx) InsertDonationEvent(ctx context.Context, ev *domain.DonationEvent) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO donation_events (id, user_id, meal_count, source, reference_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING
	`, ev.ID, ev.UserID, ev.MealCount, string(ev.Source), ev.ReferenceID, ev.CreatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to insert donation event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) FindMealSpend(ctx context.Context, userID, referenceID string) (*domain.MealSpend, error) {
	var spend domain.MealSpend
	err := t.tx.QueryRow(ctx, `
		SELECT id, user_id, meal_count, reference_id, created_at
		FROM meal_spends
		WHERE user_id = $1 AND reference_id = $2
	`, userID, referenceID).Scan(&spend.ID, &spend.UserID, &spend.MealCount, &spend.ReferenceID, &spend.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find meal spend: %w", err)
	}
	return &spend, nil
}

func (t *pgTx) InsertMealSpend(ctx context.Context, spend *domain.MealSpend) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO meal_spends (id, user_id, meal_count, reference_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING
	`, spend.ID, spend.UserID, spend.MealCount, nullableString(spend.ReferenceID), spend.CreatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to insert meal spend: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) FindCoinAward(ctx context.Context, reason, referenceID, userID string) (*domain.CoinAward, error) {
	var award domain.CoinAward
	err := t.tx.QueryRow(ctx, `
		SELECT id, user_id, amount, reason, reference_id, created_at
		FROM coin_awards
		WHERE reason = $1 AND reference_id = $2 AND user_id = $3
	`, reason, referenceID, userID).Scan(&award.ID, &award.UserID, &award.Amount, &award.Reason, &award.ReferenceID, &award.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find coin award: %w", err)
	}
	return &award, nil
}

func (t *pgTx) InsertCoinAward(ctx context.Context, award *domain.CoinAward) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO coin_awards (id, user_id, amount, reason, reference_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING
	`, award.ID, award.UserID, award.Amount, award.Reason, award.ReferenceID, award.CreatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to insert coin award: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) LockSponsorship(ctx context.Context, sponsorshipID string) (*domain.FlashSponsorship, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+pgSponsorshipColumns+` FROM flash_sponsorships WHERE id = $1 FOR UPDATE`, sponsorshipID)
	s, err := scanPgSponsorship(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSponsorshipNotFound
		}
		return nil, fmt.Errorf("failed to get and lock sponsorship: %w", err)
	}
	return s, nil
}

func (t *pgTx) FindDrop(ctx context.Context, sponsorshipID, userID, postID string) (*domain.SponsorshipDrop, error) {
	var drop domain.SponsorshipDrop
	var post *string
	err := t.tx.QueryRow(ctx, `
		SELECT id, sponsorship_id, user_id, post_id, created_at
		FROM sponsorship_drops
		WHERE sponsorship_id = $1 AND user_id = $2 AND post_id = $3
	`, sponsorshipID, userID, postID).Scan(&drop.ID, &drop.SponsorshipID, &drop.UserID, &post, &drop.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find drop: %w", err)
	}
	if post != nil {
		drop.PostID = *post
	}
	return &drop, nil
}

func (t *pgTx) InsertDrop(ctx context.Context, drop *domain.SponsorshipDrop) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO sponsorship_drops (id, sponsorship_id, user_id, post_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING
	`, drop.ID, drop.SponsorshipID, drop.UserID, nullableString(drop.PostID), drop.CreatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to insert drop: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) MarkSponsorshipCompleted(ctx context.Context, sponsorshipID string, at time.Time) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE flash_sponsorships
		SET is_completed = TRUE, completed_at = $2
		WHERE id = $1 AND is_completed = FALSE
	`, sponsorshipID, at.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to mark sponsorship completed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) UpsertSponsorship(ctx context.Context, def domain.SponsorshipDefinition) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO flash_sponsorships (
			id, restaurant_id, target_drops, meals_per_drop, bonus_meals,
			total_meals_pledged, starts_at, ends_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			restaurant_id = EXCLUDED.restaurant_id,
			target_drops = EXCLUDED.target_drops,
			meals_per_drop = EXCLUDED.meals_per_drop,
			bonus_meals = EXCLUDED.bonus_meals,
			total_meals_pledged = EXCLUDED.total_meals_pledged,
			starts_at = EXCLUDED.starts_at,
			ends_at = EXCLUDED.ends_at
	`, def.ID, def.RestaurantID, def.TargetDrops, def.MealsPerDrop, def.BonusMeals,
		def.TotalMealsPledged, def.StartsAt.UTC(), def.EndsAt.UTC())
	if err != nil {
		if isPgCheckViolation(err) {
			return fmt.Errorf("%w: %v", domain.ErrInvalidDefinition, err)
		}
		return fmt.Errorf("failed to upsert sponsorship: %w", err)
	}
	return nil
}

func (t *pgTx) LockCoupon(ctx context.Context, couponID string) (*domain.Coupon, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+pgCouponColumns+` FROM coupons WHERE id = $1 FOR UPDATE`, couponID)
	c, err := scanPgCoupon(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrCouponNotFound
		}
		return nil, fmt.Errorf("failed to get and lock coupon: %w", err)
	}
	return c, nil
}

func (t *pgTx) FindCouponClaim(ctx context.Context, userID, couponID string) (*domain.UserCoupon, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+pgUserCouponColumns+` FROM user_coupons WHERE user_id = $1 AND coupon_id = $2`, userID, couponID)
	claim, err := scanPgUserCoupon(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find coupon claim: %w", err)
	}
	return claim, nil
}

func (t *pgTx) InsertCouponClaim(ctx context.Context, claim *domain.UserCoupon) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO user_coupons (id, user_id, coupon_id, status, claimed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING
	`, claim.ID, claim.UserID, claim.CouponID, string(claim.Status), claim.ClaimedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to insert coupon claim: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) LockUserCoupon(ctx context.Context, userCouponID string) (*domain.UserCoupon, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+pgUserCouponColumns+` FROM user_coupons WHERE id = $1 FOR UPDATE`, userCouponID)
	claim, err := scanPgUserCoupon(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrClaimNotFound
		}
		return nil, fmt.Errorf("failed to get and lock coupon claim: %w", err)
	}
	return claim, nil
}

func (t *pgTx) SetUserCouponStatus(ctx context.Context, userCouponID string, from, to domain.CouponStatus, at time.Time) (bool, error) {
	var usedAt *time.Time
	if to == domain.CouponStatusUsed {
		utc := at.UTC()
		usedAt = &utc
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE user_coupons
		SET status = $3, used_at = COALESCE($4, used_at)
		WHERE id = $1 AND status = $2
	`, userCouponID, string(from), string(to), usedAt)
	if err != nil {
		return false, fmt.Errorf("failed to update coupon claim status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) UpsertCoupon(ctx context.Context, def domain.CouponDefinition) error {
	var expiresAt *time.Time
	if def.ExpiresAt != nil {
		utc := def.ExpiresAt.UTC()
		expiresAt = &utc
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO coupons (id, restaurant_id, title, coin_cost, total_quantity, expires_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			restaurant_id = EXCLUDED.restaurant_id,
			title = EXCLUDED.title,
			coin_cost = EXCLUDED.coin_cost,
			total_quantity = EXCLUDED.total_quantity,
			expires_at = EXCLUDED.expires_at,
			is_active = EXCLUDED.is_active
	`, def.ID, def.RestaurantID, def.Title, def.CoinCost, def.TotalQuantity, expiresAt, def.IsActive)
	if err != nil {
		if isPgCheckViolation(err) {
			return fmt.Errorf("%w: %v", domain.ErrInvalidDefinition, err)
		}
		return fmt.Errorf("failed to upsert coupon: %w", err)
	}
	return nil
}

func scanPgBalance(row pgx.Row) (*domain.UserBalance, error) {
	var b domain.UserBalance
	var lastActivity *time.Time
	if err := row.Scan(
		&b.UserID, &b.MealsDonatedTotal, &b.MealsAvailable, &b.CoinBalance, &b.CoinLifetimeEarned,
		&lastActivity, &b.CurrentStreak, &b.CreatedAt,
	); err != nil {
		return nil, err
	}
	if lastActivity != nil {
		b.LastActivityDate = lastActivity.Format(dayLayout)
	}
	return &b, nil
}

func scanPgSponsorship(row pgx.Row) (*domain.FlashSponsorship, error) {
	var s domain.FlashSponsorship
	if err := row.Scan(
		&s.ID, &s.RestaurantID, &s.TargetDrops, &s.CurrentDrops, &s.MealsPerDrop, &s.BonusMeals,
		&s.TotalMealsPledged, &s.IsCompleted, &s.StartsAt, &s.EndsAt, &s.CompletedAt, &s.ExpiryNotifiedAt,
	); err != nil {
		return nil, err
	}
	return &s, nil
}

func scanPgCoupon(row pgx.Row) (*domain.Coupon, error) {
	var c domain.Coupon
	if err := row.Scan(
		&c.ID, &c.RestaurantID, &c.Title, &c.CoinCost, &c.TotalQuantity, &c.ClaimedCount, &c.ExpiresAt, &c.IsActive,
	); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanPgUserCoupon(row pgx.Row) (*domain.UserCoupon, error) {
	var uc domain.UserCoupon
	var status string
	if err := row.Scan(&uc.ID, &uc.UserID, &uc.CouponID, &status, &uc.ClaimedAt, &uc.UsedAt); err != nil {
		return nil, err
	}
	uc.Status = domain.CouponStatus(status)
	return &uc, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
