package domain

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Page describes offset based paging inputs. Page is zero based.
type Page struct {
	Number int
	Size   int
}

// Offset returns the number of records skipped before the page starts.
func (p Page) Offset() int {
	if p.Number <= 0 || p.Size <= 0 {
		return 0
	}
	return p.Number * p.Size
}

// PageResult packages a single page of list results.
type PageResult[T any] struct {
	Items      []T
	Page       int
	Size       int
	TotalItems int
	TotalPages int
}

// Last reports whether no further pages follow this one.
func (p PageResult[T]) Last() bool {
	return p.Page+1 >= p.TotalPages
}

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// Identity is the authenticated caller passed explicitly into every order operation.
type Identity struct {
	UserID string
	Email  string
	Roles  []string
}

const (
	RoleUser  = "user"
	RoleStaff = "staff"
	RoleAdmin = "admin"
)

// IsStaff reports whether the caller may use the administrative order paths.
func (i Identity) IsStaff() bool {
	return slices.Contains(i.Roles, RoleAdmin) || slices.Contains(i.Roles, RoleStaff)
}

// Order is a frozen financial snapshot plus its fulfilment and payment state.
type Order struct {
	ID              string
	UserID          string
	UserEmail       string
	FullName        string
	Phone           string
	ShippingAddress string
	Note            string
	PaymentMethod   PaymentMethod
	Status          OrderStatus
	PaymentStatus   PaymentStatus
	Currency        string
	Totals          OrderTotals
	ItemCount       int
	Items           []OrderItem
	Payment         *OrderPayment
	CancelReason    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	PaidAt          *time.Time
	ShippedAt       *time.Time
	DeliveredAt     *time.Time
	CancelledAt     *time.Time
}

// State returns the fields a conditional write is keyed on.
func (o Order) State() OrderState {
	state := OrderState{Status: o.Status, PaymentStatus: o.PaymentStatus}
	if o.Payment != nil {
		state.TransactionRef = o.Payment.TransactionRef
	}
	return state
}

// OrderState is the status pair plus the current payment attempt reference. Two payment
// initiations racing on the same order differ only in the reference.
type OrderState struct {
	Status         OrderStatus
	PaymentStatus  PaymentStatus
	TransactionRef string
}

// OrderItem is a line captured at order time. It never changes afterwards.
type OrderItem struct {
	ProductID string
	Name      string
	UnitPrice decimal.Decimal
	Quantity  int
	LineTotal decimal.Decimal
}

// OrderPayment records the latest gateway attempt for an order. PreviousRefs holds the
// references of replaced attempts; they still resolve to the order so a late result for an
// abandoned checkout is not lost.
type OrderPayment struct {
	Provider       string
	TransactionRef string
	PreviousRefs   []string
	ProviderRef    string
	Amount         decimal.Decimal
	Currency       string
	RedirectURL    string
	ResultCode     string
	InitiatedAt    time.Time
	SettledAt      *time.Time
}

// HasReference reports whether ref names the current attempt or a replaced one.
func (p *OrderPayment) HasReference(ref string) bool {
	if p == nil || ref == "" {
		return false
	}
	return p.TransactionRef == ref || slices.Contains(p.PreviousRefs, ref)
}

// Product is the catalogue view consumed when pricing a new order.
type Product struct {
	ID        string
	Name      string
	Price     decimal.Decimal
	Currency  string
	Available bool
	UpdatedAt time.Time
}

// OrderAggregates is the raw projection returned by the order store.
type OrderAggregates struct {
	TotalOrders      int
	ByStatus         map[OrderStatus]int
	ByPaymentStatus  map[PaymentStatus]int
	PaidRevenue      decimal.Decimal
	RefundedRevenue  decimal.Decimal
	OutstandingValue decimal.Decimal
}

// DashboardMetrics is the read-only admin overview.
type DashboardMetrics struct {
	TotalOrders       int
	OrdersByStatus    map[OrderStatus]int
	PaymentsByStatus  map[PaymentStatus]int
	Revenue           decimal.Decimal
	Refunded          decimal.Decimal
	Outstanding       decimal.Decimal
	AverageOrderValue decimal.Decimal
	Currency          string
	GeneratedAt       time.Time
}

// NewPageResult assembles a page from its items and the unpaged total.
func NewPageResult[T any](items []T, page Page, total int) PageResult[T] {
	pages := 0
	if page.Size > 0 {
		pages = (total + page.Size - 1) / page.Size
	}
	if items == nil {
		items = []T{}
	}
	return PageResult[T]{
		Items:      items,
		Page:       page.Number,
		Size:       page.Size,
		TotalItems: total,
		TotalPages: pages,
	}
}
