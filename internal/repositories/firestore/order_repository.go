package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"github.com/shopspring/decimal"
	"google.golang.org/api/iterator"

	"github.com/pvhao2002/Pharmacy/internal/domain"
	pfirestore "github.com/pvhao2002/Pharmacy/internal/platform/firestore"
	"github.com/pvhao2002/Pharmacy/internal/repositories"
)

const (
	ordersCollection = "orders"
	// Firestore caps "in" filters at 30 values.
	maxInValues = 30
)

var errStateMismatch = errors.New("order state changed")

// OrderRepository stores one document per order with items embedded. Conditional writes run in a
// Firestore transaction so the state check and the update commit together.
type OrderRepository struct {
	provider *pfirestore.Provider
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{provider: provider}, nil
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	ref, err := r.doc(ctx, order.ID)
	if err != nil {
		return err
	}
	doc := newOrderDocument(order)
	if tx, ok := pfirestore.TransactionFromContext(ctx); ok {
		err = tx.Create(ref, doc)
	} else {
		_, err = ref.Create(ctx, doc)
	}
	return pfirestore.WrapError("orders.insert", err)
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	ref, err := r.doc(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	var snap *firestore.DocumentSnapshot
	if tx, ok := pfirestore.TransactionFromContext(ctx); ok {
		snap, err = tx.Get(ref)
	} else {
		snap, err = ref.Get(ctx)
	}
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.get", err)
	}
	return decodeOrder(snap)
}

// FindByTransactionRef matches the current attempt first, then replaced attempts.
func (r *OrderRepository) FindByTransactionRef(ctx context.Context, txnRef string) (domain.Order, error) {
	txnRef = strings.TrimSpace(txnRef)
	if txnRef == "" {
		return domain.Order{}, repositories.NewNotFound("orders.findByTxnRef", errors.New("transaction reference is empty"))
	}
	coll, err := r.collection(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	queries := []firestore.Query{
		coll.Where("payment.transactionRef", "==", txnRef).Limit(2),
		coll.Where("payment.previousRefs", "array-contains", txnRef).Limit(2),
	}
	for _, query := range queries {
		var iter *firestore.DocumentIterator
		if tx, ok := pfirestore.TransactionFromContext(ctx); ok {
			iter = tx.Documents(query)
		} else {
			iter = query.Documents(ctx)
		}
		snaps, err := iter.GetAll()
		if err != nil {
			return domain.Order{}, pfirestore.WrapError("orders.findByTxnRef", err)
		}
		switch len(snaps) {
		case 0:
			continue
		case 1:
			return decodeOrder(snaps[0])
		default:
			return domain.Order{}, repositories.NewConflict("orders.findByTxnRef", errors.New("transaction reference matches more than one order"))
		}
	}
	return domain.Order{}, repositories.NewNotFound("orders.findByTxnRef", fmt.Errorf("no order for reference %q", txnRef))
}

func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.PageResult[domain.Order], error) {
	coll, err := r.collection(ctx)
	if err != nil {
		return domain.PageResult[domain.Order]{}, err
	}
	query, err := applyFilter(coll.Query, filter)
	if err != nil {
		return domain.PageResult[domain.Order]{}, err
	}

	countResult, err := query.NewAggregationQuery().WithCount("total").Get(ctx)
	if err != nil {
		return domain.PageResult[domain.Order]{}, pfirestore.WrapError("orders.count", err)
	}
	total := 0
	if v, ok := countResult["total"].(*firestorepb.Value); ok {
		total = int(v.GetIntegerValue())
	}

	if filter.Page.Size > 0 {
		query = query.Offset(filter.Page.Offset()).Limit(filter.Page.Size)
	}
	iter := query.Documents(ctx)
	defer iter.Stop()

	var items []domain.Order
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.PageResult[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		order, err := decodeOrder(snap)
		if err != nil {
			return domain.PageResult[domain.Order]{}, err
		}
		items = append(items, order)
	}
	return domain.NewPageResult(items, filter.Page, total), nil
}

// CompareAndSwap joins the caller's transaction when there is one.
func (r *OrderRepository) CompareAndSwap(ctx context.Context, expected domain.OrderState, next domain.Order) (domain.Order, error) {
	var saved domain.Order
	err := r.provider.RunInTx(ctx, func(ctx context.Context) error {
		tx, _ := pfirestore.TransactionFromContext(ctx)
		ref, err := r.doc(ctx, next.ID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return pfirestore.WrapError("orders.compareAndSwap", err)
		}
		current, err := decodeOrder(snap)
		if err != nil {
			return err
		}
		if current.State() != expected {
			return repositories.NewConflict("orders.compareAndSwap", errStateMismatch)
		}

		updates := mutableFields(next)
		if err := tx.Update(ref, updates); err != nil {
			return pfirestore.WrapError("orders.compareAndSwap", err)
		}
		saved = mergeMutable(current, next)
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return saved, nil
}

// Aggregate scans only the fields the dashboard needs.
func (r *OrderRepository) Aggregate(ctx context.Context) (domain.OrderAggregates, error) {
	coll, err := r.collection(ctx)
	if err != nil {
		return domain.OrderAggregates{}, err
	}
	agg := domain.OrderAggregates{
		ByStatus:         make(map[domain.OrderStatus]int, len(domain.OrderStatuses)),
		ByPaymentStatus:  make(map[domain.PaymentStatus]int, len(domain.PaymentStatuses)),
		PaidRevenue:      decimal.Zero,
		RefundedRevenue:  decimal.Zero,
		OutstandingValue: decimal.Zero,
	}
	iter := coll.Select("status", "paymentStatus", "totals.total").Documents(ctx)
	defer iter.Stop()
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.OrderAggregates{}, pfirestore.WrapError("orders.aggregate", err)
		}
		var doc struct {
			Status        string `firestore:"status"`
			PaymentStatus string `firestore:"paymentStatus"`
			Totals        struct {
				Total string `firestore:"total"`
			} `firestore:"totals"`
		}
		if err := snap.DataTo(&doc); err != nil {
			return domain.OrderAggregates{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
		}
		total, err := decimal.NewFromString(doc.Totals.Total)
		if err != nil {
			return domain.OrderAggregates{}, fmt.Errorf("order %s: totals.total: %w", snap.Ref.ID, err)
		}
		status := domain.OrderStatus(doc.Status)
		payment := domain.PaymentStatus(doc.PaymentStatus)
		agg.TotalOrders++
		agg.ByStatus[status]++
		agg.ByPaymentStatus[payment]++
		switch payment {
		case domain.PaymentStatusPaid:
			agg.PaidRevenue = agg.PaidRevenue.Add(total)
		case domain.PaymentStatusRefunded:
			agg.RefundedRevenue = agg.RefundedRevenue.Add(total)
		case domain.PaymentStatusPending:
			if status != domain.OrderStatusCancelled {
				agg.OutstandingValue = agg.OutstandingValue.Add(total)
			}
		}
	}
	return agg, nil
}

func applyFilter(query firestore.Query, filter repositories.OrderListFilter) (firestore.Query, error) {
	if filter.UserID != "" {
		query = query.Where("userId", "==", filter.UserID)
	}
	if len(filter.Status) > maxInValues || len(filter.PaymentStatus) > maxInValues {
		return query, repositories.NewConflict("orders.list", errors.New("too many status filters"))
	}
	if len(filter.Status) > 0 {
		values := make([]string, 0, len(filter.Status))
		for _, s := range filter.Status {
			values = append(values, string(s))
		}
		query = query.Where("status", "in", values)
	}
	if len(filter.PaymentStatus) > 0 {
		values := make([]string, 0, len(filter.PaymentStatus))
		for _, s := range filter.PaymentStatus {
			values = append(values, string(s))
		}
		query = query.Where("paymentStatus", "in", values)
	}
	if filter.PaymentMethod != "" {
		query = query.Where("paymentMethod", "==", string(filter.PaymentMethod))
	}
	if from := filter.DateRange.From; from != nil {
		query = query.Where("createdAt", ">=", from.UTC())
	}
	if to := filter.DateRange.To; to != nil {
		query = query.Where("createdAt", "<=", to.UTC())
	}
	if before := filter.UpdatedBefore; before != nil {
		query = query.Where("updatedAt", "<", before.UTC()).OrderBy("updatedAt", firestore.Asc)
	}
	return query.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc), nil
}

// mutableFields lists what a state transition may change. Items, totals, owner, and createdAt are
// never rewritten.
func mutableFields(next domain.Order) []firestore.Update {
	doc := newOrderDocument(next)
	updates := []firestore.Update{
		{Path: "status", Value: doc.Status},
		{Path: "paymentStatus", Value: doc.PaymentStatus},
		{Path: "updatedAt", Value: doc.UpdatedAt},
		{Path: "cancelReason", Value: doc.CancelReason},
		{Path: "payment", Value: firestore.Delete},
	}
	if doc.Payment != nil {
		updates[len(updates)-1].Value = doc.Payment
	}
	stamps := map[string]*time.Time{
		"paidAt":      doc.PaidAt,
		"shippedAt":   doc.ShippedAt,
		"deliveredAt": doc.DeliveredAt,
		"cancelledAt": doc.CancelledAt,
	}
	for path, at := range stamps {
		if at != nil {
			updates = append(updates, firestore.Update{Path: path, Value: *at})
		}
	}
	return updates
}

func mergeMutable(current, next domain.Order) domain.Order {
	merged := next
	merged.UserID = current.UserID
	merged.Items = current.Items
	merged.ItemCount = current.ItemCount
	merged.Totals = current.Totals
	merged.Currency = current.Currency
	merged.CreatedAt = current.CreatedAt
	return merged
}

func decodeOrder(snap *firestore.DocumentSnapshot) (domain.Order, error) {
	var doc orderDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
	}
	return doc.toDomain(snap.Ref.ID)
}

func (r *OrderRepository) collection(ctx context.Context) (*firestore.CollectionRef, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, pfirestore.WrapError("orders.collection", err)
	}
	return client.Collection(ordersCollection), nil
}

func (r *OrderRepository) doc(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, repositories.NewNotFound("orders.document", errors.New("order id is required"))
	}
	coll, err := r.collection(ctx)
	if err != nil {
		return nil, err
	}
	return coll.Doc(id), nil
}
