package domain

import "time"

// UserUsage tracks one user's quota counters
type UserUsage struct {
	UserID          string    `json:"userId"`
	ConcurrentTasks int       `json:"concurrentTasks"`
	TasksThisHour   int       `json:"tasksThisHour"`
	HourStartedAt   time.Time `json:"hourStartedAt"`
	CostToday       float64   `json:"costToday"`
	DayStartedAt    time.Time `json:"dayStartedAt"`
	CostThisMonth   float64   `json:"costThisMonth"`
	MonthStartedAt  time.Time `json:"monthStartedAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// NewUserUsage returns zeroed counters in the windows containing now
func NewUserUsage(userID string, now time.Time) *UserUsage {
	now = now.UTC()
	return &UserUsage{
		UserID:         userID,
		HourStartedAt:  startOfHour(now),
		DayStartedAt:   startOfDay(now),
		MonthStartedAt: startOfMonth(now),
		UpdatedAt:      now,
	}
}

// Roll resets every window whose UTC boundary has passed: the top of the
// hour, midnight, the first of the month. Returns true if anything changed.
func (u *UserUsage) Roll(now time.Time) bool {
	now = now.UTC()
	changed := false
	if hour := startOfHour(now); hour.After(u.HourStartedAt) {
		u.TasksThisHour = 0
		u.HourStartedAt = hour
		changed = true
	}
	if day := startOfDay(now); !day.Equal(u.DayStartedAt.UTC()) {
		u.CostToday = 0
		u.DayStartedAt = day
		changed = true
	}
	if month := startOfMonth(now); !month.Equal(u.MonthStartedAt.UTC()) {
		u.CostThisMonth = 0
		u.MonthStartedAt = month
		changed = true
	}
	if changed {
		u.UpdatedAt = now
	}
	return changed
}

func startOfHour(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func startOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
