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

var ErrCustomerNotFound = errors.New("customer not found")

type Customer struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Package struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenant_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	PriceCents  int64  `json:"price_cents"`
	Currency    string `json:"currency"`
	Active      bool   `json:"active"`
}

type LandingPage struct {
	TenantID  string    `json:"tenant_id"`
	Headline  string    `json:"headline"`
	Body      string    `json:"body"`
	Published bool      `json:"published"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Quote struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	CustomerEmail string    `json:"customer_email"`
	PackageID     string    `json:"package_id,omitempty"`
	Message       string    `json:"message,omitempty"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

// DashboardSummary is the operator's at-a-glance view.
type DashboardSummary struct {
	TenantID         string `json:"tenant_id"`
	UpcomingBookings int    `json:"upcoming_bookings"`
	PendingProposals int    `json:"pending_proposals"`
	CustomerCount    int    `json:"customer_count"`
	QuotesThisMonth  int    `json:"quotes_this_month"`
}

// UpsertCustomer creates or refreshes a customer keyed on (tenant, email).
// Blank fields on update keep the stored value.
func (s *Store) UpsertCustomer(ctx context.Context, c *Customer) error {
	if c.TenantID == "" || c.Email == "" {
		return fmt.Errorf("tenant_id and email required")
	}
	c.Email = strings.ToLower(strings.TrimSpace(c.Email))
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, tenant_id, email, name, phone, notes)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, email) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE customers.name END,
			phone = CASE WHEN excluded.phone != '' THEN excluded.phone ELSE customers.phone END,
			updated_at = CURRENT_TIMESTAMP;
	`, c.ID, c.TenantID, c.Email, c.Name, c.Phone, c.Notes); err != nil {
		return fmt.Errorf("upsert customer: %w", err)
	}
	return nil
}

func (s *Store) GetCustomerByEmail(ctx context.Context, tenantID, email string) (*Customer, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	var c Customer
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, email, name, phone, notes, created_at, updated_at
		FROM customers WHERE tenant_id = ? AND email = ?;
	`, tenantID, email).Scan(&c.ID, &c.TenantID, &c.Email, &c.Name, &c.Phone, &c.Notes, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCustomerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select customer: %w", err)
	}
	return &c, nil
}

// SearchCustomers matches name or email substrings, capped at 20 rows.
func (s *Store) SearchCustomers(ctx context.Context, tenantID, query string) ([]Customer, error) {
	like := "%" + strings.ToLower(strings.TrimSpace(query)) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, email, name, phone, notes, created_at, updated_at
		FROM customers
		WHERE tenant_id = ? AND (LOWER(email) LIKE ? OR LOWER(name) LIKE ?)
		ORDER BY updated_at DESC
		LIMIT 20;
	`, tenantID, like, like)
	if err != nil {
		return nil, fmt.Errorf("search customers: %w", err)
	}
	defer rows.Close()

	var items []Customer
	for rows.Next() {
		var c Customer
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Email, &c.Name, &c.Phone, &c.Notes, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan customer: %w", err)
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

// AppendCustomerNotes appends a timestamped line to the customer's notes.
// Append-only keeps prior context; notes are never overwritten.
func (s *Store) AppendCustomerNotes(ctx context.Context, tenantID, email, note string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	line := fmt.Sprintf("[%s] %s", time.Now().UTC().Format("2006-01-02"), strings.TrimSpace(note))
	res, err := s.db.ExecContext(ctx, `
		UPDATE customers
		SET notes = CASE WHEN notes = '' THEN ? ELSE notes || char(10) || ? END,
			updated_at = CURRENT_TIMESTAMP
		WHERE tenant_id = ? AND email = ?;
	`, line, line, tenantID, email)
	if err != nil {
		return fmt.Errorf("append customer notes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrCustomerNotFound
	}
	return nil
}

// ListPackages returns the tenant's active offerings.
func (s *Store) ListPackages(ctx context.Context, tenantID string) ([]Package, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, description, price_cents, currency, active
		FROM packages
		WHERE tenant_id = ? AND active = 1
		ORDER BY price_cents ASC;
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list packages: %w", err)
	}
	defer rows.Close()

	var items []Package
	for rows.Next() {
		var p Package
		if err := rows.Scan(&p.ID, &p.TenantID, &p.Name, &p.Description, &p.PriceCents, &p.Currency, &p.Active); err != nil {
			return nil, fmt.Errorf("scan package: %w", err)
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func (s *Store) GetPackage(ctx context.Context, tenantID, id string) (*Package, error) {
	var p Package
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, description, price_cents, currency, active
		FROM packages WHERE tenant_id = ? AND id = ?;
	`, tenantID, id).Scan(&p.ID, &p.TenantID, &p.Name, &p.Description, &p.PriceCents, &p.Currency, &p.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("package %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("select package: %w", err)
	}
	return &p, nil
}

// UpsertPackage creates or updates an offering. Used by seed tooling and
// the operator surface.
func (s *Store) UpsertPackage(ctx context.Context, p *Package) error {
	if p.TenantID == "" || p.Name == "" {
		return fmt.Errorf("tenant_id and name required")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Currency == "" {
		p.Currency = "USD"
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO packages (id, tenant_id, name, description, price_cents, currency, active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			price_cents = excluded.price_cents,
			currency = excluded.currency,
			active = excluded.active;
	`, p.ID, p.TenantID, p.Name, p.Description, p.PriceCents, p.Currency, p.Active); err != nil {
		return fmt.Errorf("upsert package: %w", err)
	}
	return nil
}

func (s *Store) GetLandingPage(ctx context.Context, tenantID string) (*LandingPage, error) {
	var lp LandingPage
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, headline, body, published, updated_at
		FROM landing_pages WHERE tenant_id = ?;
	`, tenantID).Scan(&lp.TenantID, &lp.Headline, &lp.Body, &lp.Published, &lp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &LandingPage{TenantID: tenantID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select landing page: %w", err)
	}
	return &lp, nil
}

func (s *Store) UpsertLandingPage(ctx context.Context, lp *LandingPage) error {
	if lp.TenantID == "" {
		return fmt.Errorf("tenant_id required")
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO landing_pages (tenant_id, headline, body, published, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(tenant_id) DO UPDATE SET
			headline = excluded.headline,
			body = excluded.body,
			published = excluded.published,
			updated_at = CURRENT_TIMESTAMP;
	`, lp.TenantID, lp.Headline, lp.Body, lp.Published); err != nil {
		return fmt.Errorf("upsert landing page: %w", err)
	}
	return nil
}

// CreateQuote records a quote request and announces it on the bus. Outbound
// delivery belongs to a subscriber, not to this store.
func (s *Store) CreateQuote(ctx context.Context, q *Quote) error {
	if q.TenantID == "" || q.CustomerEmail == "" {
		return fmt.Errorf("tenant_id and customer_email required")
	}
	q.CustomerEmail = strings.ToLower(strings.TrimSpace(q.CustomerEmail))
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	if q.Status == "" {
		q.Status = "recorded"
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO quotes (id, tenant_id, customer_email, package_id, message, status)
		VALUES (?, ?, ?, ?, ?, ?);
	`, q.ID, q.TenantID, q.CustomerEmail, q.PackageID, q.Message, q.Status); err != nil {
		return fmt.Errorf("insert quote: %w", err)
	}

	s.publish(bus.TopicQuoteRequested, bus.BookingEvent{
		TenantID:      q.TenantID,
		BookingID:     q.ID,
		CustomerEmail: q.CustomerEmail,
	})
	return nil
}

// Dashboard aggregates tenant counters in one round trip per metric.
func (s *Store) Dashboard(ctx context.Context, tenantID string) (*DashboardSummary, error) {
	today := time.Now().UTC().Format("2006-01-02")
	monthStart := time.Now().UTC().Format("2006-01") + "-01"

	sum := &DashboardSummary{TenantID: tenantID}
	queries := []struct {
		dst  *int
		q    string
		args []interface{}
	}{
		{&sum.UpcomingBookings,
			`SELECT COUNT(*) FROM bookings WHERE tenant_id = ? AND status = 'confirmed' AND event_date >= ?;`,
			[]interface{}{tenantID, today}},
		{&sum.PendingProposals,
			`SELECT COUNT(*) FROM proposals WHERE tenant_id = ? AND status = ? AND expires_at > ?;`,
			[]interface{}{tenantID, StatusPending, time.Now().UTC()}},
		{&sum.CustomerCount,
			`SELECT COUNT(*) FROM customers WHERE tenant_id = ?;`,
			[]interface{}{tenantID}},
		{&sum.QuotesThisMonth,
			`SELECT COUNT(*) FROM quotes WHERE tenant_id = ? AND created_at >= ?;`,
			[]interface{}{tenantID, monthStart}},
	}
	for _, item := range queries {
		if err := s.db.QueryRowContext(ctx, item.q, item.args...).Scan(item.dst); err != nil {
			return nil, fmt.Errorf("dashboard query: %w", err)
		}
	}
	return sum, nil
}

// AppendAudit records a structured decision row. Failures here are logged
// by the caller but never block the decision itself.
func (s *Store) AppendAudit(ctx context.Context, traceID, tenantID, subject, action, decision, reason string) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (trace_id, tenant_id, subject, action, decision, reason)
		VALUES (?, ?, ?, ?, ?, NULLIF(?, ''));
	`, traceID, tenantID, subject, action, decision, reason); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}
