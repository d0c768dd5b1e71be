package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/harborline/concierge/internal/conflict"
	"github.com/harborline/concierge/internal/persistence"
	"github.com/harborline/concierge/internal/trust"
)

// RegisterWriteTools adds the write tools (as proposals) and binds their
// executors into the trust registry. The booking executor holds the
// per-date advisory lock across its verify-then-write sequence.
func RegisterWriteTools(r *Registry, trustReg *trust.Registry, store *persistence.Store, locks *conflict.Guard) error {
	writeTools := []struct {
		tool   *Tool
		schema string
		exec   trust.Executor
	}{
		{
			tool: &Tool{
				Name:          "create_booking",
				Description:   "Create a confirmed booking for a date. Requires explicit confirmation from the user before anything is written.",
				Tier:          trust.TierHardConfirm,
				PerTurnCap:    1,
				PerSessionCap: 5,
				Preview: func(input map[string]any) string {
					var b strings.Builder
					fmt.Fprintf(&b, "Create a booking on %s for %s", stringArg(input, "event_date"), stringArg(input, "customer_email"))
					if name := stringArg(input, "customer_name"); name != "" {
						fmt.Fprintf(&b, " (%s)", name)
					}
					if pkg := stringArg(input, "package_id"); pkg != "" {
						fmt.Fprintf(&b, ", package %s", pkg)
					}
					b.WriteString(".")
					return b.String()
				},
			},
			schema: `{"type":"object","properties":{
				"event_date":{"type":"string","pattern":"^\\d{4}-\\d{2}-\\d{2}$"},
				"customer_email":{"type":"string","minLength":3},
				"customer_name":{"type":"string"},
				"package_id":{"type":"string"},
				"notes":{"type":"string"}
			},"required":["event_date","customer_email"],"additionalProperties":false}`,
			exec: newBookingExecutor(store, locks),
		},
		{
			tool: &Tool{
				Name:          "cancel_booking",
				Description:   "Cancel the confirmed booking on a date, freeing the date. Requires explicit confirmation before anything is changed.",
				Tier:          trust.TierHardConfirm,
				PerTurnCap:    1,
				PerSessionCap: 3,
				Preview: func(input map[string]any) string {
					return fmt.Sprintf("Cancel the booking on %s.", stringArg(input, "event_date"))
				},
			},
			schema: `{"type":"object","properties":{
				"event_date":{"type":"string","pattern":"^\\d{4}-\\d{2}-\\d{2}$"}
			},"required":["event_date"],"additionalProperties":false}`,
			exec: newCancelExecutor(store, locks),
		},
		{
			tool: &Tool{
				Name:        "block_date",
				Description: "Mark a calendar date unavailable for bookings, with an optional reason. Internal operators only.",
				Tier:        trust.TierSoftConfirm,
				PerTurnCap:  2,
				Preview: func(input map[string]any) string {
					date := stringArg(input, "event_date")
					if reason := stringArg(input, "reason"); reason != "" {
						return fmt.Sprintf("Block %s (%s).", date, reason)
					}
					return fmt.Sprintf("Block %s.", date)
				},
			},
			schema: `{"type":"object","properties":{
				"event_date":{"type":"string","pattern":"^\\d{4}-\\d{2}-\\d{2}$"},
				"reason":{"type":"string","maxLength":200}
			},"required":["event_date"],"additionalProperties":false}`,
			exec: trust.ExecutorFunc(func(ctx context.Context, req trust.ExecRequest) (string, error) {
				date := payloadString(req.Payload, "event_date")
				if err := store.AddBlackoutDate(ctx, req.TenantID, date, payloadString(req.Payload, "reason")); err != nil {
					return "", err
				}
				return jsonResult(map[string]any{"event_date": date, "blocked": true})
			}),
		},
		{
			tool: &Tool{
				Name:        "unblock_date",
				Description: "Reopen a previously blocked date for bookings. Internal operators only.",
				Tier:        trust.TierSoftConfirm,
				PerTurnCap:  2,
				Preview: func(input map[string]any) string {
					return fmt.Sprintf("Reopen %s for bookings.", stringArg(input, "event_date"))
				},
			},
			schema: `{"type":"object","properties":{
				"event_date":{"type":"string","pattern":"^\\d{4}-\\d{2}-\\d{2}$"}
			},"required":["event_date"],"additionalProperties":false}`,
			exec: trust.ExecutorFunc(func(ctx context.Context, req trust.ExecRequest) (string, error) {
				date := payloadString(req.Payload, "event_date")
				if err := store.RemoveBlackoutDate(ctx, req.TenantID, date); err != nil {
					return "", err
				}
				return jsonResult(map[string]any{"event_date": date, "blocked": false})
			}),
		},
		{
			tool: &Tool{
				Name:        "update_customer_notes",
				Description: "Append a note to a customer's record. Notes are append-only.",
				Tier:        trust.TierAuto,
				PerTurnCap:  2,
				Preview: func(input map[string]any) string {
					return fmt.Sprintf("Add a note to %s's record.", stringArg(input, "email"))
				},
			},
			schema: `{"type":"object","properties":{
				"email":{"type":"string","minLength":3},
				"note":{"type":"string","minLength":1,"maxLength":2000}
			},"required":["email","note"],"additionalProperties":false}`,
			exec: trust.ExecutorFunc(func(ctx context.Context, req trust.ExecRequest) (string, error) {
				email := payloadString(req.Payload, "email")
				note := payloadString(req.Payload, "note")
				if err := store.AppendCustomerNotes(ctx, req.TenantID, email, note); err != nil {
					if err == persistence.ErrCustomerNotFound {
						// First contact: create the record, then note it.
						if uerr := store.UpsertCustomer(ctx, &persistence.Customer{TenantID: req.TenantID, Email: email}); uerr != nil {
							return "", uerr
						}
						if aerr := store.AppendCustomerNotes(ctx, req.TenantID, email, note); aerr != nil {
							return "", aerr
						}
					} else {
						return "", err
					}
				}
				return jsonResult(map[string]any{"email": email, "noted": true})
			}),
		},
		{
			tool: &Tool{
				Name:        "send_quote",
				Description: "Record a quote request for a customer. The quote email goes out after the operator or user confirms.",
				Tier:        trust.TierSoftConfirm,
				PerTurnCap:  1,
				Preview: func(input map[string]any) string {
					pkg := stringArg(input, "package_id")
					if pkg == "" {
						return fmt.Sprintf("Send a quote to %s.", stringArg(input, "customer_email"))
					}
					return fmt.Sprintf("Send a quote for package %s to %s.", pkg, stringArg(input, "customer_email"))
				},
			},
			schema: `{"type":"object","properties":{
				"customer_email":{"type":"string","minLength":3},
				"package_id":{"type":"string"},
				"message":{"type":"string","maxLength":2000}
			},"required":["customer_email"],"additionalProperties":false}`,
			exec: trust.ExecutorFunc(func(ctx context.Context, req trust.ExecRequest) (string, error) {
				q := &persistence.Quote{
					TenantID:      req.TenantID,
					CustomerEmail: payloadString(req.Payload, "customer_email"),
					PackageID:     payloadString(req.Payload, "package_id"),
					Message:       payloadString(req.Payload, "message"),
				}
				if err := store.CreateQuote(ctx, q); err != nil {
					return "", err
				}
				return jsonResult(map[string]any{"quote_id": q.ID, "status": q.Status})
			}),
		},
	}

	for _, item := range writeTools {
		if err := r.Add(item.tool, item.schema); err != nil {
			return err
		}
		if err := trustReg.Register(item.tool.Name, item.tool.Tier, item.exec); err != nil {
			return err
		}
	}
	return nil
}

// newBookingExecutor wires the date-exclusive write path: take the advisory
// lock for (tenant, date), re-verify availability inside the transaction,
// then insert. The unique index backs the whole sequence up.
func newBookingExecutor(store *persistence.Store, locks *conflict.Guard) trust.Executor {
	return trust.ExecutorFunc(func(ctx context.Context, req trust.ExecRequest) (string, error) {
		date := payloadString(req.Payload, "event_date")
		if !persistence.ValidEventDate(date) {
			return "", fmt.Errorf("invalid event date %q", date)
		}

		booking := &persistence.Booking{
			TenantID:      req.TenantID,
			EventDate:     date,
			CustomerEmail: payloadString(req.Payload, "customer_email"),
			CustomerName:  payloadString(req.Payload, "customer_name"),
			PackageID:     payloadString(req.Payload, "package_id"),
			Notes:         payloadString(req.Payload, "notes"),
		}
		err := locks.WithExclusive(ctx, req.TenantID, date, func(ctx context.Context) error {
			return store.CreateBooking(ctx, booking)
		})
		if err != nil {
			return "", err
		}

		// Keep the CRM in sync with who booked.
		_ = store.UpsertCustomer(ctx, &persistence.Customer{
			TenantID: req.TenantID,
			Email:    booking.CustomerEmail,
			Name:     booking.CustomerName,
		})

		return jsonResult(map[string]any{
			"booking_id": booking.ID,
			"event_date": booking.EventDate,
			"status":     booking.Status,
		})
	})
}

// newCancelExecutor frees a booked date under the same per-date lock the
// create path holds, so a cancel racing a create on the same date serializes.
func newCancelExecutor(store *persistence.Store, locks *conflict.Guard) trust.Executor {
	return trust.ExecutorFunc(func(ctx context.Context, req trust.ExecRequest) (string, error) {
		date := payloadString(req.Payload, "event_date")
		if !persistence.ValidEventDate(date) {
			return "", fmt.Errorf("invalid event date %q", date)
		}

		var cancelled *persistence.Booking
		err := locks.WithExclusive(ctx, req.TenantID, date, func(ctx context.Context) error {
			b, err := store.GetBookingByDate(ctx, req.TenantID, date)
			if err != nil {
				return err
			}
			if err := store.CancelBooking(ctx, req.TenantID, b.ID); err != nil {
				return err
			}
			cancelled = b
			return nil
		})
		if err != nil {
			return "", err
		}

		return jsonResult(map[string]any{
			"booking_id": cancelled.ID,
			"event_date": date,
			"status":     "cancelled",
		})
	})
}

func payloadString(payload map[string]any, key string) string {
	if v, ok := payload[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}
