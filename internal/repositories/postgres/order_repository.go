package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/pvhao2002/Pharmacy/internal/domain"
	ppostgres "github.com/pvhao2002/Pharmacy/internal/platform/postgres"
	"github.com/pvhao2002/Pharmacy/internal/repositories"
)

const orderColumns = `id, user_id, user_email, full_name, phone, shipping_address, note,
	payment_method, status, payment_status, currency, subtotal, tax, shipping, total, item_count,
	cancel_reason, payment_provider, txn_ref, provider_ref, payment_amount, payment_currency,
	redirect_url, result_code, payment_initiated_at, payment_settled_at,
	created_at, updated_at, paid_at, shipped_at, delivered_at, cancelled_at, previous_txn_refs`

var errStateMismatch = errors.New("order state changed")

// OrderRepository keeps orders in the orders table and their lines in order_items. The state
// guard of CompareAndSwap lives in the UPDATE's WHERE clause.
type OrderRepository struct {
	db *ppostgres.TxRunner
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

func NewOrderRepository(db *ppostgres.TxRunner) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if strings.TrimSpace(order.ID) == "" {
		return repositories.NewConflict("orders.insert", errors.New("order id is required"))
	}
	return r.db.RunInTx(ctx, func(ctx context.Context) error {
		q := r.db.Querier(ctx)
		p := paymentColumns(order.Payment)
		_, err := q.Exec(ctx, `INSERT INTO orders (`+orderColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32,$33)`,
			order.ID, order.UserID, order.UserEmail, order.FullName, order.Phone, order.ShippingAddress, order.Note,
			string(order.PaymentMethod), string(order.Status), string(order.PaymentStatus), order.Currency,
			order.Totals.Subtotal, order.Totals.Tax, order.Totals.Shipping, order.Totals.Total, order.ItemCount,
			order.CancelReason, p.provider, p.txnRef, p.providerRef, p.amount, p.currency,
			p.redirectURL, p.resultCode, p.initiatedAt, p.settledAt,
			order.CreatedAt.UTC(), order.UpdatedAt.UTC(), order.PaidAt, order.ShippedAt, order.DeliveredAt, order.CancelledAt,
			p.previousRefs,
		)
		if err != nil {
			return ppostgres.WrapError("orders.insert", err)
		}

		batch := &pgx.Batch{}
		for i, item := range order.Items {
			batch.Queue(`INSERT INTO order_items (order_id, line_no, product_id, name, unit_price, quantity, line_total)
				VALUES ($1,$2,$3,$4,$5,$6,$7)`,
				order.ID, i, item.ProductID, item.Name, item.UnitPrice, item.Quantity, item.LineTotal)
		}
		if batch.Len() > 0 {
			if err := q.SendBatch(ctx, batch).Close(); err != nil {
				return ppostgres.WrapError("orders.insertItems", err)
			}
		}
		return nil
	})
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	return r.findOne(ctx, "orders.get", `WHERE id = $1`, strings.TrimSpace(orderID))
}

func (r *OrderRepository) FindByTransactionRef(ctx context.Context, txnRef string) (domain.Order, error) {
	txnRef = strings.TrimSpace(txnRef)
	if txnRef == "" {
		return domain.Order{}, repositories.NewNotFound("orders.findByTxnRef", errors.New("transaction reference is empty"))
	}
	// txn_ref is unique; a reference showing up on two orders surfaces as a conflict.
	return r.findOne(ctx, "orders.findByTxnRef", `WHERE txn_ref = $1 OR previous_txn_refs @> ARRAY[$1::text]`, txnRef)
}

func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.PageResult[domain.Order], error) {
	where, args := buildWhere(filter)
	q := r.db.Querier(ctx)

	var total int
	if err := q.QueryRow(ctx, `SELECT count(*) FROM orders `+where, args...).Scan(&total); err != nil {
		return domain.PageResult[domain.Order]{}, ppostgres.WrapError("orders.count", err)
	}

	sql := `SELECT ` + orderColumns + ` FROM orders ` + where + ` ORDER BY created_at DESC, id DESC`
	if filter.Page.Size > 0 {
		args = append(args, filter.Page.Size, filter.Page.Offset())
		sql += fmt.Sprintf(` LIMIT $%d OFFSET $%d`, len(args)-1, len(args))
	}
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return domain.PageResult[domain.Order]{}, ppostgres.WrapError("orders.list", err)
	}
	orders, err := pgx.CollectRows(rows, scanOrder)
	if err != nil {
		return domain.PageResult[domain.Order]{}, ppostgres.WrapError("orders.list", err)
	}
	if err := r.loadItems(ctx, orders); err != nil {
		return domain.PageResult[domain.Order]{}, err
	}
	return domain.NewPageResult(orders, filter.Page, total), nil
}

// CompareAndSwap updates only the mutable columns. The guard covers the status pair and the
// current transaction reference. Zero rows means the order is gone or its state moved on; a
// follow-up read tells the two apart.
func (r *OrderRepository) CompareAndSwap(ctx context.Context, expected domain.OrderState, next domain.Order) (domain.Order, error) {
	q := r.db.Querier(ctx)
	p := paymentColumns(next.Payment)
	tag, err := q.Exec(ctx, `UPDATE orders SET
			status = $4, payment_status = $5, cancel_reason = $6,
			payment_provider = $7, txn_ref = $8, provider_ref = $9, payment_amount = $10, payment_currency = $11,
			redirect_url = $12, result_code = $13, payment_initiated_at = $14, payment_settled_at = $15,
			updated_at = $16, paid_at = $17, shipped_at = $18, delivered_at = $19, cancelled_at = $20,
			previous_txn_refs = $21
		WHERE id = $1 AND status = $2 AND payment_status = $3 AND txn_ref IS NOT DISTINCT FROM $22`,
		next.ID, string(expected.Status), string(expected.PaymentStatus),
		string(next.Status), string(next.PaymentStatus), next.CancelReason,
		p.provider, p.txnRef, p.providerRef, p.amount, p.currency,
		p.redirectURL, p.resultCode, p.initiatedAt, p.settledAt,
		next.UpdatedAt.UTC(), next.PaidAt, next.ShippedAt, next.DeliveredAt, next.CancelledAt,
		p.previousRefs, nonEmpty(expected.TransactionRef),
	)
	if err != nil {
		return domain.Order{}, ppostgres.WrapError("orders.compareAndSwap", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.FindByID(ctx, next.ID); err != nil {
			return domain.Order{}, err
		}
		return domain.Order{}, repositories.NewConflict("orders.compareAndSwap", errStateMismatch)
	}
	return r.FindByID(ctx, next.ID)
}

func (r *OrderRepository) Aggregate(ctx context.Context) (domain.OrderAggregates, error) {
	rows, err := r.db.Querier(ctx).Query(ctx,
		`SELECT status, payment_status, count(*), coalesce(sum(total), 0) FROM orders GROUP BY status, payment_status`)
	if err != nil {
		return domain.OrderAggregates{}, ppostgres.WrapError("orders.aggregate", err)
	}
	defer rows.Close()

	agg := domain.OrderAggregates{
		ByStatus:         make(map[domain.OrderStatus]int, len(domain.OrderStatuses)),
		ByPaymentStatus:  make(map[domain.PaymentStatus]int, len(domain.PaymentStatuses)),
		PaidRevenue:      decimal.Zero,
		RefundedRevenue:  decimal.Zero,
		OutstandingValue: decimal.Zero,
	}
	for rows.Next() {
		var (
			status, payment string
			count           int
			sum             decimal.Decimal
		)
		if err := rows.Scan(&status, &payment, &count, &sum); err != nil {
			return domain.OrderAggregates{}, ppostgres.WrapError("orders.aggregate", err)
		}
		agg.TotalOrders += count
		agg.ByStatus[domain.OrderStatus(status)] += count
		agg.ByPaymentStatus[domain.PaymentStatus(payment)] += count
		switch domain.PaymentStatus(payment) {
		case domain.PaymentStatusPaid:
			agg.PaidRevenue = agg.PaidRevenue.Add(sum)
		case domain.PaymentStatusRefunded:
			agg.RefundedRevenue = agg.RefundedRevenue.Add(sum)
		case domain.PaymentStatusPending:
			if domain.OrderStatus(status) != domain.OrderStatusCancelled {
				agg.OutstandingValue = agg.OutstandingValue.Add(sum)
			}
		}
	}
	return agg, ppostgres.WrapError("orders.aggregate", rows.Err())
}

func (r *OrderRepository) findOne(ctx context.Context, op, where string, args ...any) (domain.Order, error) {
	rows, err := r.db.Querier(ctx).Query(ctx, `SELECT `+orderColumns+` FROM orders `+where, args...)
	if err != nil {
		return domain.Order{}, ppostgres.WrapError(op, err)
	}
	order, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		return domain.Order{}, ppostgres.WrapError(op, err)
	}
	orders := []domain.Order{order}
	if err := r.loadItems(ctx, orders); err != nil {
		return domain.Order{}, err
	}
	return orders[0], nil
}

func (r *OrderRepository) loadItems(ctx context.Context, orders []domain.Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]string, len(orders))
	index := make(map[string]int, len(orders))
	for i, order := range orders {
		ids[i] = order.ID
		index[order.ID] = i
	}
	rows, err := r.db.Querier(ctx).Query(ctx, `SELECT order_id, product_id, name, unit_price, quantity, line_total
		FROM order_items WHERE order_id = ANY($1) ORDER BY order_id, line_no`, ids)
	if err != nil {
		return ppostgres.WrapError("orders.items", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			orderID string
			item    domain.OrderItem
		)
		if err := rows.Scan(&orderID, &item.ProductID, &item.Name, &item.UnitPrice, &item.Quantity, &item.LineTotal); err != nil {
			return ppostgres.WrapError("orders.items", err)
		}
		if i, ok := index[orderID]; ok {
			orders[i].Items = append(orders[i].Items, item)
		}
	}
	return ppostgres.WrapError("orders.items", rows.Err())
}

func buildWhere(filter repositories.OrderListFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.UserID != "" {
		add("user_id = $%d", filter.UserID)
	}
	if len(filter.Status) > 0 {
		values := make([]string, len(filter.Status))
		for i, s := range filter.Status {
			values[i] = string(s)
		}
		add("status = ANY($%d)", values)
	}
	if len(filter.PaymentStatus) > 0 {
		values := make([]string, len(filter.PaymentStatus))
		for i, s := range filter.PaymentStatus {
			values[i] = string(s)
		}
		add("payment_status = ANY($%d)", values)
	}
	if filter.PaymentMethod != "" {
		add("payment_method = $%d", string(filter.PaymentMethod))
	}
	if from := filter.DateRange.From; from != nil {
		add("created_at >= $%d", from.UTC())
	}
	if to := filter.DateRange.To; to != nil {
		add("created_at <= $%d", to.UTC())
	}
	if before := filter.UpdatedBefore; before != nil {
		add("updated_at < $%d", before.UTC())
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

type paymentRow struct {
	provider, txnRef, providerRef, currency, redirectURL, resultCode *string
	amount                                                           *decimal.Decimal
	initiatedAt, settledAt                                           *time.Time
	previousRefs                                                     []string
}

func paymentColumns(p *domain.OrderPayment) paymentRow {
	if p == nil {
		return paymentRow{previousRefs: []string{}}
	}
	previous := p.PreviousRefs
	if previous == nil {
		previous = []string{}
	}
	initiated := p.InitiatedAt.UTC()
	amount := p.Amount
	return paymentRow{
		provider:     &p.Provider,
		txnRef:       nonEmpty(p.TransactionRef),
		providerRef:  nonEmpty(p.ProviderRef),
		currency:     &p.Currency,
		redirectURL:  nonEmpty(p.RedirectURL),
		resultCode:   nonEmpty(p.ResultCode),
		amount:       &amount,
		initiatedAt:  &initiated,
		settledAt:    p.SettledAt,
		previousRefs: previous,
	}
}

func scanOrder(row pgx.CollectableRow) (domain.Order, error) {
	var (
		order         domain.Order
		method        string
		status        string
		paymentStatus string
		p             paymentRow
	)
	err := row.Scan(
		&order.ID, &order.UserID, &order.UserEmail, &order.FullName, &order.Phone, &order.ShippingAddress, &order.Note,
		&method, &status, &paymentStatus, &order.Currency,
		&order.Totals.Subtotal, &order.Totals.Tax, &order.Totals.Shipping, &order.Totals.Total, &order.ItemCount,
		&order.CancelReason, &p.provider, &p.txnRef, &p.providerRef, &p.amount, &p.currency,
		&p.redirectURL, &p.resultCode, &p.initiatedAt, &p.settledAt,
		&order.CreatedAt, &order.UpdatedAt, &order.PaidAt, &order.ShippedAt, &order.DeliveredAt, &order.CancelledAt,
		&p.previousRefs,
	)
	if err != nil {
		return domain.Order{}, err
	}
	order.PaymentMethod = domain.PaymentMethod(method)
	order.Status = domain.OrderStatus(status)
	order.PaymentStatus = domain.PaymentStatus(paymentStatus)
	if p.provider != nil {
		order.Payment = &domain.OrderPayment{
			Provider:       *p.provider,
			TransactionRef: deref(p.txnRef),
			ProviderRef:    deref(p.providerRef),
			PreviousRefs:   p.previousRefs,
			Currency:       deref(p.currency),
			RedirectURL:    deref(p.redirectURL),
			ResultCode:     deref(p.resultCode),
			SettledAt:      p.settledAt,
		}
		if p.amount != nil {
			order.Payment.Amount = *p.amount
		}
		if p.initiatedAt != nil {
			order.Payment.InitiatedAt = *p.initiatedAt
		}
	}
	return order, nil
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
