package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/harborline/concierge/internal/bus"
)

var (
	// ErrDateUnavailable covers both an existing confirmed booking and a
	// blackout entry. Callers surface the same message either way.
	ErrDateUnavailable = errors.New("date unavailable")
	ErrBookingNotFound = errors.New("booking not found")
)

type Booking struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	EventDate     string    `json:"event_date"`
	CustomerEmail string    `json:"customer_email"`
	CustomerName  string    `json:"customer_name,omitempty"`
	PackageID     string    `json:"package_id,omitempty"`
	Status        string    `json:"status"`
	Notes         string    `json:"notes,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ValidEventDate accepts calendar dates in YYYY-MM-DD form only.
func ValidEventDate(date string) bool {
	_, err := time.Parse("2006-01-02", date)
	return err == nil
}

// IsDateAvailable reports whether a date is open for the tenant: no
// confirmed booking and no blackout entry. This is the advisory read;
// CreateBooking re-verifies inside its own transaction.
func (s *Store) IsDateAvailable(ctx context.Context, tenantID, date string) (bool, error) {
	if !ValidEventDate(date) {
		return false, fmt.Errorf("invalid event date %q", date)
	}
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM bookings WHERE tenant_id = ? AND event_date = ? AND status = 'confirmed')
			+ (SELECT COUNT(*) FROM blackout_dates WHERE tenant_id = ? AND event_date = ?);
	`, tenantID, date, tenantID, date).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check availability: %w", err)
	}
	return n == 0, nil
}

// CreateBooking inserts a confirmed booking after re-verifying availability
// inside the transaction. The caller must already hold the per-date
// exclusive lock; the partial unique index on (tenant_id, event_date) is
// the backstop if it does not.
func (s *Store) CreateBooking(ctx context.Context, b *Booking) error {
	if b.TenantID == "" || b.CustomerEmail == "" {
		return fmt.Errorf("tenant_id and customer_email required")
	}
	if !ValidEventDate(b.EventDate) {
		return fmt.Errorf("invalid event date %q", b.EventDate)
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	b.Status = "confirmed"

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `
			SELECT
				(SELECT COUNT(*) FROM bookings WHERE tenant_id = ? AND event_date = ? AND status = 'confirmed')
				+ (SELECT COUNT(*) FROM blackout_dates WHERE tenant_id = ? AND event_date = ?);
		`, b.TenantID, b.EventDate, b.TenantID, b.EventDate).Scan(&n); err != nil {
			return fmt.Errorf("verify availability: %w", err)
		}
		if n > 0 {
			return ErrDateUnavailable
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO bookings (id, tenant_id, event_date, customer_email, customer_name, package_id, status, notes)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, b.ID, b.TenantID, b.EventDate, b.CustomerEmail, b.CustomerName, b.PackageID, b.Status, b.Notes); err != nil {
			if isUniqueViolation(err) {
				return ErrDateUnavailable
			}
			return fmt.Errorf("insert booking: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.publish(bus.TopicBookingCreated, bus.BookingEvent{
		TenantID:      b.TenantID,
		BookingID:     b.ID,
		EventDate:     b.EventDate,
		CustomerEmail: b.CustomerEmail,
	})
	return nil
}

// CancelBooking marks a confirmed booking cancelled, freeing its date.
func (s *Store) CancelBooking(ctx context.Context, tenantID, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE bookings SET status = 'cancelled', updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND tenant_id = ? AND status = 'confirmed';
	`, id, tenantID)
	if err != nil {
		return fmt.Errorf("cancel booking: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrBookingNotFound
	}
	return nil
}

// GetBookingByDate returns the confirmed booking on a date, if any.
func (s *Store) GetBookingByDate(ctx context.Context, tenantID, date string) (*Booking, error) {
	var b Booking
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, event_date, customer_email, customer_name, package_id, status, notes, created_at, updated_at
		FROM bookings
		WHERE tenant_id = ? AND event_date = ? AND status = 'confirmed';
	`, tenantID, date).Scan(&b.ID, &b.TenantID, &b.EventDate, &b.CustomerEmail,
		&b.CustomerName, &b.PackageID, &b.Status, &b.Notes, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBookingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select booking: %w", err)
	}
	return &b, nil
}

// ListBookings returns confirmed bookings in a date range, ascending.
func (s *Store) ListBookings(ctx context.Context, tenantID, fromDate, toDate string) ([]Booking, error) {
	if !ValidEventDate(fromDate) || !ValidEventDate(toDate) {
		return nil, fmt.Errorf("invalid date range %q..%q", fromDate, toDate)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, event_date, customer_email, customer_name, package_id, status, notes, created_at, updated_at
		FROM bookings
		WHERE tenant_id = ? AND event_date BETWEEN ? AND ? AND status = 'confirmed'
		ORDER BY event_date ASC;
	`, tenantID, fromDate, toDate)
	if err != nil {
		return nil, fmt.Errorf("list bookings: %w", err)
	}
	defer rows.Close()

	var items []Booking
	for rows.Next() {
		var b Booking
		if err := rows.Scan(&b.ID, &b.TenantID, &b.EventDate, &b.CustomerEmail,
			&b.CustomerName, &b.PackageID, &b.Status, &b.Notes, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan booking: %w", err)
		}
		items = append(items, b)
	}
	return items, rows.Err()
}

// AddBlackoutDate blocks a date without a booking. Idempotent per date.
func (s *Store) AddBlackoutDate(ctx context.Context, tenantID, date, reason string) error {
	if !ValidEventDate(date) {
		return fmt.Errorf("invalid event date %q", date)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO blackout_dates (tenant_id, event_date, reason)
		VALUES (?, ?, ?)
		ON CONFLICT(tenant_id, event_date) DO UPDATE SET reason = excluded.reason;
	`, tenantID, date, reason); err != nil {
		return fmt.Errorf("add blackout date: %w", err)
	}
	return nil
}

// RemoveBlackoutDate reopens a blacked-out date.
func (s *Store) RemoveBlackoutDate(ctx context.Context, tenantID, date string) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM blackout_dates WHERE tenant_id = ? AND event_date = ?;
	`, tenantID, date); err != nil {
		return fmt.Errorf("remove blackout date: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "(2067)") // SQLITE_CONSTRAINT_UNIQUE
}
