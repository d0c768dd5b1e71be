package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/harborline/concierge/internal/persistence"
)

// ReadHandler executes a read-only tool. The returned string is JSON handed
// back to the model as the tool result.
type ReadHandler func(ctx context.Context, tenantID string, input map[string]any) (string, error)

func jsonResult(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(raw), nil
}

func stringArg(input map[string]any, key string) string {
	if v, ok := input[key].(string); ok {
		return v
	}
	return ""
}

// RegisterReadTools adds the read-only business tools backed by the store.
func RegisterReadTools(r *Registry, store *persistence.Store) error {
	tools := []struct {
		tool   *Tool
		schema string
	}{
		{
			tool: &Tool{
				Name:        "list_packages",
				Description: "List the business's active offerings with prices. Use this before quoting prices; never invent a package or a price.",
				ReadOnly:    true,
				Run: func(ctx context.Context, tenantID string, input map[string]any) (string, error) {
					items, err := store.ListPackages(ctx, tenantID)
					if err != nil {
						return "", err
					}
					return jsonResult(map[string]any{"packages": items})
				},
			},
			schema: `{"type":"object","properties":{},"additionalProperties":false}`,
		},
		{
			tool: &Tool{
				Name:        "check_availability",
				Description: "Check whether a calendar date is open for booking. Dates must be YYYY-MM-DD.",
				ReadOnly:    true,
				PerTurnCap:  3,
				Run: func(ctx context.Context, tenantID string, input map[string]any) (string, error) {
					date := stringArg(input, "event_date")
					available, err := store.IsDateAvailable(ctx, tenantID, date)
					if err != nil {
						return "", err
					}
					return jsonResult(map[string]any{"event_date": date, "available": available})
				},
			},
			schema: `{"type":"object","properties":{"event_date":{"type":"string","pattern":"^\\d{4}-\\d{2}-\\d{2}$"}},"required":["event_date"],"additionalProperties":false}`,
		},
		{
			tool: &Tool{
				Name:        "lookup_customer",
				Description: "Look up a customer record by email, or search by name fragment.",
				ReadOnly:    true,
				PerTurnCap:  2,
				Run: func(ctx context.Context, tenantID string, input map[string]any) (string, error) {
					if email := stringArg(input, "email"); email != "" {
						c, err := store.GetCustomerByEmail(ctx, tenantID, email)
						if err != nil {
							if err == persistence.ErrCustomerNotFound {
								return jsonResult(map[string]any{"found": false})
							}
							return "", err
						}
						return jsonResult(map[string]any{"found": true, "customer": c})
					}
					items, err := store.SearchCustomers(ctx, tenantID, stringArg(input, "query"))
					if err != nil {
						return "", err
					}
					return jsonResult(map[string]any{"found": len(items) > 0, "customers": items})
				},
			},
			schema: `{"type":"object","properties":{"email":{"type":"string"},"query":{"type":"string"}},"additionalProperties":false,"anyOf":[{"required":["email"]},{"required":["query"]}]}`,
		},
		{
			tool: &Tool{
				Name:        "list_bookings",
				Description: "List confirmed bookings in a date range. Dates must be YYYY-MM-DD.",
				ReadOnly:    true,
				PerTurnCap:  2,
				Run: func(ctx context.Context, tenantID string, input map[string]any) (string, error) {
					items, err := store.ListBookings(ctx, tenantID, stringArg(input, "from_date"), stringArg(input, "to_date"))
					if err != nil {
						return "", err
					}
					return jsonResult(map[string]any{"bookings": items, "count": len(items)})
				},
			},
			schema: `{"type":"object","properties":{
				"from_date":{"type":"string","pattern":"^\\d{4}-\\d{2}-\\d{2}$"},
				"to_date":{"type":"string","pattern":"^\\d{4}-\\d{2}-\\d{2}$"}
			},"required":["from_date","to_date"],"additionalProperties":false}`,
		},
		{
			tool: &Tool{
				Name:        "dashboard_summary",
				Description: "Summarize the business at a glance: upcoming bookings, pending actions, customers, and recent quotes. Internal operators only.",
				ReadOnly:    true,
				PerTurnCap:  1,
				Run: func(ctx context.Context, tenantID string, input map[string]any) (string, error) {
					sum, err := store.Dashboard(ctx, tenantID)
					if err != nil {
						return "", err
					}
					return jsonResult(sum)
				},
			},
			schema: `{"type":"object","properties":{},"additionalProperties":false}`,
		},
		{
			tool: &Tool{
				Name:        "landing_page_content",
				Description: "Fetch the business's public landing page copy for answering questions about the business.",
				ReadOnly:    true,
				PerTurnCap:  1,
				Run: func(ctx context.Context, tenantID string, input map[string]any) (string, error) {
					lp, err := store.GetLandingPage(ctx, tenantID)
					if err != nil {
						return "", err
					}
					return jsonResult(lp)
				},
			},
			schema: `{"type":"object","properties":{},"additionalProperties":false}`,
		},
	}

	for _, item := range tools {
		if err := r.Add(item.tool, item.schema); err != nil {
			return err
		}
	}
	return nil
}
