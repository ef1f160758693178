package repository

import (
	"context"
	"time"

	"github.com/planwise/planwise-backend/pkg/calendar"
	"github.com/planwise/planwise-backend/pkg/database"
	"github.com/planwise/planwise-backend/pkg/tenant"
)

type calendarRow struct {
	Weekday     int     `db:"weekday"`
	HoursPerDay float64 `db:"hours_per_day"`
}

// CalendarRepository loads the tenant's working calendar.
type CalendarRepository struct {
	db *database.DB
}

// NewCalendarRepository creates a new calendar repository
func NewCalendarRepository(db *database.DB) *CalendarRepository {
	return &CalendarRepository{db: db}
}

// Load builds the tenant's working calendar from its configured weekdays
// and holidays. Tenants without calendar rows get the Monday to Friday
// default.
func (r *CalendarRepository) Load(ctx context.Context) (*calendar.Calendar, error) {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return nil, err
	}

	var days []calendarRow
	var holidays []time.Time
	err = r.db.WithTenantRLS(ctx, tenantID, func(ctx context.Context) error {
		if err := r.db.SelectContext(ctx, &days, `
			SELECT weekday, hours_per_day
			FROM working_calendar_days
			WHERE is_working = true
			ORDER BY weekday
		`); err != nil {
			return err
		}
		return r.db.SelectContext(ctx, &holidays, `
			SELECT holiday_date FROM working_calendar_holidays
			WHERE holiday_date >= NOW() - INTERVAL '1 year'
		`)
	})
	if err != nil {
		return nil, err
	}

	if len(days) == 0 {
		return calendar.Default(), nil
	}

	weekdays := make([]time.Weekday, 0, len(days))
	hours := 8.0
	for _, d := range days {
		weekdays = append(weekdays, time.Weekday(d.Weekday))
		if d.HoursPerDay > 0 {
			hours = d.HoursPerDay
		}
	}
	return calendar.New(weekdays, holidays, hours), nil
}
