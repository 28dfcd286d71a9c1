package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/platinummonkey/tokenmeter/pkg/billing"
)

// InsertPayment records a payment once per (provider, provider_payment_ref)
func (s *Store) InsertPayment(ctx context.Context, p *billing.Payment) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (id, user_id, provider, provider_payment_ref, amount, currency,
			status, plan_id, billing_period_start, billing_period_end, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (provider, provider_payment_ref) DO NOTHING`,
		p.ID, p.UserID, p.Provider, p.ProviderPaymentRef, p.Amount, p.Currency,
		string(p.Status), p.PlanID, p.BillingPeriodStart, p.BillingPeriodEnd, p.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert payment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to insert payment: %w", err)
	}
	return n > 0, nil
}

// ListPayments lists a user's payments, newest first
func (s *Store) ListPayments(ctx context.Context, userID string, limit int) ([]*billing.Payment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, provider, provider_payment_ref, amount, currency, status,
		       plan_id, billing_period_start, billing_period_end, created_at
		FROM payments
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var payments []*billing.Payment
	for rows.Next() {
		p := &billing.Payment{}
		var status string
		var start, end sql.NullTime
		if err := rows.Scan(&p.ID, &p.UserID, &p.Provider, &p.ProviderPaymentRef, &p.Amount,
			&p.Currency, &status, &p.PlanID, &start, &end, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		p.Status = billing.PaymentStatus(status)
		if start.Valid {
			p.BillingPeriodStart = &start.Time
		}
		if end.Valid {
			p.BillingPeriodEnd = &end.Time
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}
