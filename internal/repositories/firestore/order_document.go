package firestore

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pvhao2002/Pharmacy/internal/domain"
)

// Money is stored as decimal strings so totals survive the round trip exactly.
type orderDocument struct {
	UserID          string                `firestore:"userId"`
	UserEmail       string                `firestore:"userEmail,omitempty"`
	FullName        string                `firestore:"fullName"`
	Phone           string                `firestore:"phone"`
	ShippingAddress string                `firestore:"shippingAddress"`
	Note            string                `firestore:"note,omitempty"`
	PaymentMethod   string                `firestore:"paymentMethod"`
	Status          string                `firestore:"status"`
	PaymentStatus   string                `firestore:"paymentStatus"`
	Currency        string                `firestore:"currency"`
	Totals          totalsDocument        `firestore:"totals"`
	ItemCount       int                   `firestore:"itemCount"`
	Items           []orderItemDocument   `firestore:"items"`
	Payment         *orderPaymentDocument `firestore:"payment,omitempty"`
	CancelReason    string                `firestore:"cancelReason,omitempty"`
	CreatedAt       time.Time             `firestore:"createdAt"`
	UpdatedAt       time.Time             `firestore:"updatedAt"`
	PaidAt          *time.Time            `firestore:"paidAt,omitempty"`
	ShippedAt       *time.Time            `firestore:"shippedAt,omitempty"`
	DeliveredAt     *time.Time            `firestore:"deliveredAt,omitempty"`
	CancelledAt     *time.Time            `firestore:"cancelledAt,omitempty"`
}

type totalsDocument struct {
	Subtotal string `firestore:"subtotal"`
	Tax      string `firestore:"tax"`
	Shipping string `firestore:"shipping"`
	Total    string `firestore:"total"`
}

type orderItemDocument struct {
	ProductID string `firestore:"productId"`
	Name      string `firestore:"name"`
	UnitPrice string `firestore:"unitPrice"`
	Quantity  int    `firestore:"quantity"`
	LineTotal string `firestore:"lineTotal"`
}

type orderPaymentDocument struct {
	Provider       string     `firestore:"provider"`
	TransactionRef string     `firestore:"transactionRef"`
	PreviousRefs   []string   `firestore:"previousRefs,omitempty"`
	ProviderRef    string     `firestore:"providerRef,omitempty"`
	Amount         string     `firestore:"amount"`
	Currency       string     `firestore:"currency"`
	RedirectURL    string     `firestore:"redirectUrl,omitempty"`
	ResultCode     string     `firestore:"resultCode,omitempty"`
	InitiatedAt    time.Time  `firestore:"initiatedAt"`
	SettledAt      *time.Time `firestore:"settledAt,omitempty"`
}

type productDocument struct {
	Name      string    `firestore:"name"`
	Price     string    `firestore:"price"`
	Currency  string    `firestore:"currency"`
	Available bool      `firestore:"available"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func newOrderDocument(order domain.Order) orderDocument {
	doc := orderDocument{
		UserID:          order.UserID,
		UserEmail:       order.UserEmail,
		FullName:        order.FullName,
		Phone:           order.Phone,
		ShippingAddress: order.ShippingAddress,
		Note:            order.Note,
		PaymentMethod:   string(order.PaymentMethod),
		Status:          string(order.Status),
		PaymentStatus:   string(order.PaymentStatus),
		Currency:        order.Currency,
		Totals: totalsDocument{
			Subtotal: order.Totals.Subtotal.String(),
			Tax:      order.Totals.Tax.String(),
			Shipping: order.Totals.Shipping.String(),
			Total:    order.Totals.Total.String(),
		},
		ItemCount:    order.ItemCount,
		Items:        make([]orderItemDocument, 0, len(order.Items)),
		Payment:      newPaymentDocument(order.Payment),
		CancelReason: order.CancelReason,
		CreatedAt:    order.CreatedAt.UTC(),
		UpdatedAt:    order.UpdatedAt.UTC(),
		PaidAt:       utcPtr(order.PaidAt),
		ShippedAt:    utcPtr(order.ShippedAt),
		DeliveredAt:  utcPtr(order.DeliveredAt),
		CancelledAt:  utcPtr(order.CancelledAt),
	}
	for _, item := range order.Items {
		doc.Items = append(doc.Items, orderItemDocument{
			ProductID: item.ProductID,
			Name:      item.Name,
			UnitPrice: item.UnitPrice.String(),
			Quantity:  item.Quantity,
			LineTotal: item.LineTotal.String(),
		})
	}
	return doc
}

func newPaymentDocument(payment *domain.OrderPayment) *orderPaymentDocument {
	if payment == nil {
		return nil
	}
	return &orderPaymentDocument{
		Provider:       payment.Provider,
		TransactionRef: payment.TransactionRef,
		PreviousRefs:   payment.PreviousRefs,
		ProviderRef:    payment.ProviderRef,
		Amount:         payment.Amount.String(),
		Currency:       payment.Currency,
		RedirectURL:    payment.RedirectURL,
		ResultCode:     payment.ResultCode,
		InitiatedAt:    payment.InitiatedAt.UTC(),
		SettledAt:      utcPtr(payment.SettledAt),
	}
}

func (d orderDocument) toDomain(id string) (domain.Order, error) {
	var parseErr error
	money := func(field, raw string) decimal.Decimal {
		if raw == "" {
			return decimal.Zero
		}
		v, err := decimal.NewFromString(raw)
		if err != nil && parseErr == nil {
			parseErr = fmt.Errorf("order %s: field %s: %w", id, field, err)
		}
		return v
	}

	order := domain.Order{
		ID:              id,
		UserID:          d.UserID,
		UserEmail:       d.UserEmail,
		FullName:        d.FullName,
		Phone:           d.Phone,
		ShippingAddress: d.ShippingAddress,
		Note:            d.Note,
		PaymentMethod:   domain.PaymentMethod(d.PaymentMethod),
		Status:          domain.OrderStatus(d.Status),
		PaymentStatus:   domain.PaymentStatus(d.PaymentStatus),
		Currency:        d.Currency,
		Totals: domain.OrderTotals{
			Subtotal: money("totals.subtotal", d.Totals.Subtotal),
			Tax:      money("totals.tax", d.Totals.Tax),
			Shipping: money("totals.shipping", d.Totals.Shipping),
			Total:    money("totals.total", d.Totals.Total),
		},
		ItemCount:    d.ItemCount,
		Items:        make([]domain.OrderItem, 0, len(d.Items)),
		CancelReason: d.CancelReason,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
		PaidAt:       d.PaidAt,
		ShippedAt:    d.ShippedAt,
		DeliveredAt:  d.DeliveredAt,
		CancelledAt:  d.CancelledAt,
	}
	for i, item := range d.Items {
		order.Items = append(order.Items, domain.OrderItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			UnitPrice: money(fmt.Sprintf("items[%d].unitPrice", i), item.UnitPrice),
			Quantity:  item.Quantity,
			LineTotal: money(fmt.Sprintf("items[%d].lineTotal", i), item.LineTotal),
		})
	}
	if p := d.Payment; p != nil {
		order.Payment = &domain.OrderPayment{
			Provider:       p.Provider,
			TransactionRef: p.TransactionRef,
			PreviousRefs:   p.PreviousRefs,
			ProviderRef:    p.ProviderRef,
			Amount:         money("payment.amount", p.Amount),
			Currency:       p.Currency,
			RedirectURL:    p.RedirectURL,
			ResultCode:     p.ResultCode,
			InitiatedAt:    p.InitiatedAt,
			SettledAt:      p.SettledAt,
		}
	}
	return order, parseErr
}

func (d productDocument) toDomain(id string) (domain.Product, error) {
	price, err := decimal.NewFromString(d.Price)
	if err != nil {
		return domain.Product{}, fmt.Errorf("product %s: price: %w", id, err)
	}
	return domain.Product{
		ID:        id,
		Name:      d.Name,
		Price:     price,
		Currency:  d.Currency,
		Available: d.Available,
		UpdatedAt: d.UpdatedAt,
	}, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
