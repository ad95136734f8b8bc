package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"github.com/pvhao2002/Pharmacy/internal/domain"
	"github.com/pvhao2002/Pharmacy/internal/platform/httpx"
	"github.com/pvhao2002/Pharmacy/internal/services"
)

type orderSummaryPayload struct {
	ID              string     `json:"id"`
	UserID          string     `json:"userId"`
	UserEmail       string     `json:"userEmail,omitempty"`
	FullName        string     `json:"fullName"`
	Phone           string     `json:"phone"`
	ShippingAddress string     `json:"shippingAddress"`
	PaymentMethod   string     `json:"paymentMethod"`
	Status          string     `json:"status"`
	PaymentStatus   string     `json:"paymentStatus"`
	Currency        string     `json:"currency"`
	Subtotal        string     `json:"subtotal"`
	Tax             string     `json:"tax"`
	Shipping        string     `json:"shipping"`
	Total           string     `json:"total"`
	ItemCount       int        `json:"itemCount"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	PaidAt          *time.Time `json:"paidAt,omitempty"`
}

type orderItemPayload struct {
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	UnitPrice string `json:"unitPrice"`
	Quantity  int    `json:"quantity"`
	LineTotal string `json:"lineTotal"`
}

type orderPaymentPayload struct {
	Provider       string     `json:"provider"`
	TransactionRef string     `json:"transactionRef,omitempty"`
	Amount         string     `json:"amount"`
	ResultCode     string     `json:"resultCode,omitempty"`
	InitiatedAt    time.Time  `json:"initiatedAt"`
	SettledAt      *time.Time `json:"settledAt,omitempty"`
}

type orderDetailPayload struct {
	orderSummaryPayload
	Note         string               `json:"note,omitempty"`
	CancelReason string               `json:"cancelReason,omitempty"`
	Items        []orderItemPayload   `json:"items"`
	Payment      *orderPaymentPayload `json:"payment,omitempty"`
	ShippedAt    *time.Time           `json:"shippedAt,omitempty"`
	DeliveredAt  *time.Time           `json:"deliveredAt,omitempty"`
	CancelledAt  *time.Time           `json:"cancelledAt,omitempty"`
}

type pagePayload[T any] struct {
	Items      []T  `json:"items"`
	Page       int  `json:"page"`
	Size       int  `json:"size"`
	TotalItems int  `json:"totalItems"`
	TotalPages int  `json:"totalPages"`
	Last       bool `json:"last"`
}

type paymentPayload struct {
	OrderID        string     `json:"orderId"`
	Provider       string     `json:"provider"`
	TransactionRef string     `json:"transactionRef"`
	RedirectURL    string     `json:"redirectUrl,omitempty"`
	SessionID      string     `json:"sessionId,omitempty"`
	Amount         string     `json:"amount"`
	Currency       string     `json:"currency"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
}

type createOrderResponse struct {
	Order        orderDetailPayload   `json:"order"`
	Payment      *paymentPayload      `json:"payment,omitempty"`
	PaymentError *paymentErrorPayload `json:"paymentError,omitempty"`
}

// paymentErrorPayload reports a failed initiation for an order that was still created.
type paymentErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type paymentUpdateResponse struct {
	Order     orderDetailPayload `json:"order"`
	Applied   bool               `json:"applied"`
	Duplicate bool               `json:"duplicate"`
}

func buildOrderSummary(order domain.Order) orderSummaryPayload {
	return orderSummaryPayload{
		ID:              order.ID,
		UserID:          order.UserID,
		UserEmail:       order.UserEmail,
		FullName:        order.FullName,
		Phone:           order.Phone,
		ShippingAddress: order.ShippingAddress,
		PaymentMethod:   string(order.PaymentMethod),
		Status:          string(order.Status),
		PaymentStatus:   string(order.PaymentStatus),
		Currency:        order.Currency,
		Subtotal:        formatMoney(order.Totals.Subtotal, order.Currency),
		Tax:             formatMoney(order.Totals.Tax, order.Currency),
		Shipping:        formatMoney(order.Totals.Shipping, order.Currency),
		Total:           formatMoney(order.Totals.Total, order.Currency),
		ItemCount:       order.ItemCount,
		CreatedAt:       order.CreatedAt.UTC(),
		UpdatedAt:       order.UpdatedAt.UTC(),
		PaidAt:          order.PaidAt,
	}
}

func buildOrderDetail(order domain.Order) orderDetailPayload {
	detail := orderDetailPayload{
		orderSummaryPayload: buildOrderSummary(order),
		Note:                order.Note,
		CancelReason:        order.CancelReason,
		Items:               make([]orderItemPayload, 0, len(order.Items)),
		ShippedAt:           order.ShippedAt,
		DeliveredAt:         order.DeliveredAt,
		CancelledAt:         order.CancelledAt,
	}
	for _, item := range order.Items {
		detail.Items = append(detail.Items, orderItemPayload{
			ProductID: item.ProductID,
			Name:      item.Name,
			UnitPrice: formatMoney(item.UnitPrice, order.Currency),
			Quantity:  item.Quantity,
			LineTotal: formatMoney(item.LineTotal, order.Currency),
		})
	}
	if p := order.Payment; p != nil {
		detail.Payment = &orderPaymentPayload{
			Provider:       p.Provider,
			TransactionRef: p.TransactionRef,
			Amount:         formatMoney(p.Amount, order.Currency),
			ResultCode:     p.ResultCode,
			InitiatedAt:    p.InitiatedAt.UTC(),
			SettledAt:      p.SettledAt,
		}
	}
	return detail
}

func buildPaymentPayload(result services.PaymentResult) *paymentPayload {
	return &paymentPayload{
		OrderID:        result.OrderID,
		Provider:       result.Provider,
		TransactionRef: result.TransactionRef,
		RedirectURL:    result.RedirectURL,
		SessionID:      result.SessionID,
		Amount:         formatMoney(result.Amount, result.Currency),
		Currency:       result.Currency,
		ExpiresAt:      result.ExpiresAt,
	}
}

func buildPage[T any](page domain.PageResult[domain.Order], build func(domain.Order) T) pagePayload[T] {
	items := make([]T, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, build(order))
	}
	return pagePayload[T]{
		Items:      items,
		Page:       page.Page,
		Size:       page.Size,
		TotalItems: page.TotalItems,
		TotalPages: page.TotalPages,
		Last:       page.Last(),
	}
}

// formatMoney renders amount with the minor unit digits of code, e.g. "30.50" for USD and
// "150000" for VND.
func formatMoney(amount decimal.Decimal, code string) string {
	scale := int32(2)
	if unit, err := currency.ParseISO(strings.TrimSpace(code)); err == nil {
		digits, _ := currency.Standard.Rounding(unit)
		scale = int32(digits)
	}
	return amount.StringFixed(scale)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	httpx.WriteJSON(w, status, payload)
}
