package domain

import "time"

// SponsorshipState is derived from a sponsorship row and the current time.
type SponsorshipState string

const (
	SponsorshipScheduled SponsorshipState = "scheduled"
	SponsorshipActive    SponsorshipState = "active"
	SponsorshipCompleted SponsorshipState = "completed"
	SponsorshipExpired   SponsorshipState = "expired"
)

// FlashSponsorship maps to the `flash_sponsorships` table.
type FlashSponsorship struct {
	ID                string     `json:"id"`
	RestaurantID      string     `json:"restaurant_id"`
	TargetDrops       int64      `json:"target_drops"`
	CurrentDrops      int64      `json:"current_drops"`
	MealsPerDrop      int64      `json:"meals_per_drop"`
	BonusMeals        int64      `json:"bonus_meals"`
	TotalMealsPledged int64      `json:"total_meals_pledged"`
	IsCompleted       bool       `json:"is_completed"`
	StartsAt          time.Time  `json:"starts_at"`
	EndsAt            time.Time  `json:"ends_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	ExpiryNotifiedAt  *time.Time `json:"-"`
}

// State returns the lifecycle state at now. Completed and Expired are terminal.
func (s FlashSponsorship) State(now time.Time) SponsorshipState {
	switch {
	case s.IsCompleted:
		return SponsorshipCompleted
	case !now.Before(s.EndsAt):
		return SponsorshipExpired
	case now.Before(s.StartsAt):
		return SponsorshipScheduled
	default:
		return SponsorshipActive
	}
}

// PledgedMeals is the community donation released on completion.
// Definitions that leave TotalMealsPledged at zero fall back to the per-drop terms.
func (s FlashSponsorship) PledgedMeals() int64 {
	if s.TotalMealsPledged > 0 {
		return s.TotalMealsPledged
	}
	return s.TargetDrops*s.MealsPerDrop + s.BonusMeals
}

// SponsorshipDrop maps to the `sponsorship_drops` table.
type SponsorshipDrop struct {
	ID            string    `json:"id"`
	SponsorshipID string    `json:"sponsorship_id"`
	UserID        string    `json:"user_id"`
	PostID        string    `json:"post_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// DropRequest is the input to recording a drop. PostID is optional.
type DropRequest struct {
	SponsorshipID string `json:"sponsorship_id"`
	UserID        string `json:"user_id"`
	PostID        string `json:"post_id"`
}

// DropResult reports the progress after a drop. Completed is true only for the
// single call that performed the completion cascade.
type DropResult struct {
	Drop         SponsorshipDrop `json:"drop"`
	CurrentDrops int64           `json:"current_drops"`
	TargetDrops  int64           `json:"target_drops"`
	Completed    bool            `json:"completed"`
	BonusMeals   int64           `json:"bonus_meals,omitempty"`
}

// SponsorshipView is the display shape of a sponsorship.
type SponsorshipView struct {
	FlashSponsorship
	State SponsorshipState `json:"state"`
}
