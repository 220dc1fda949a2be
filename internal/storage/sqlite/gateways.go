package sqlite

import (
	"context"
	"fmt"

	"github.com/fitstack/fitstack-billing/internal/domain"
)

// ListEnabledGateways returns all enabled gateway configurations.
func (s *SQLiteStore) ListEnabledGateways(ctx context.Context) ([]domain.PaymentGateway, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, type, enabled, is_default, secret_key, public_key, webhook_secret
		 FROM payment_gateways WHERE enabled = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query gateways: %w", err)
	}
	defer rows.Close()

	var gateways []domain.PaymentGateway
	for rows.Next() {
		var (
			g       domain.PaymentGateway
			gwType  string
			enabled int
			isDef   int
		)
		if err := rows.Scan(&g.ID, &g.Name, &gwType, &enabled, &isDef,
			&g.SecretKey, &g.PublicKey, &g.WebhookSecret); err != nil {
			return nil, fmt.Errorf("failed to scan gateway: %w", err)
		}
		g.Type = domain.GatewayType(gwType)
		g.Enabled = enabled == 1
		g.IsDefault = isDef == 1
		gateways = append(gateways, g)
	}
	return gateways, rows.Err()
}

// UpsertGateway seeds or refreshes a gateway configuration row.
func (s *SQLiteStore) UpsertGateway(ctx context.Context, g *domain.PaymentGateway) error {
	_, err := s.execContext(ctx,
		`INSERT INTO payment_gateways (id, name, type, enabled, is_default, secret_key, public_key, webhook_secret)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name, type = excluded.type, enabled = excluded.enabled,
		   is_default = excluded.is_default, secret_key = excluded.secret_key,
		   public_key = excluded.public_key, webhook_secret = excluded.webhook_secret`,
		g.ID, g.Name, string(g.Type), boolToInt(g.Enabled), boolToInt(g.IsDefault),
		g.SecretKey, g.PublicKey, g.WebhookSecret,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert gateway: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
