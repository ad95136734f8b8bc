package payments

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func newTestVNPay(t *testing.T) *VNPayGateway {
	t.Helper()
	gw, err := NewVNPayGateway(VNPayConfig{
		TmnCode:    "TESTCODE",
		HashSecret: "secret",
		ReturnURL:  "https://shop.test/payment/return",
		Clock: func() time.Time {
			return time.Date(2024, 3, 1, 3, 0, 0, 0, time.UTC)
		},
	})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	return gw
}

func TestVNPayInitiateBuildsSignedURL(t *testing.T) {
	gw := newTestVNPay(t)
	handle, err := gw.Initiate(context.Background(), InitiateRequest{
		OrderID:  "ord_1",
		TxnRef:   "txn_1",
		Amount:   decimal.NewFromInt(150000),
		Currency: "VND",
		ClientIP: "10.0.0.1",
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	parsed, err := url.Parse(handle.RedirectURL)
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	query := parsed.Query()
	if got := query.Get("vnp_Amount"); got != "15000000" {
		t.Fatalf("expected amount x100, got %s", got)
	}
	if got := query.Get("vnp_CreateDate"); got != "20240301100000" {
		t.Fatalf("expected GMT+7 create date, got %s", got)
	}
	if got := query.Get("vnp_TxnRef"); got != "txn_1" {
		t.Fatalf("unexpected txn ref %s", got)
	}
	if !handle.ExpiresAt.Equal(time.Date(2024, 3, 1, 3, 15, 0, 0, time.UTC)) {
		t.Fatalf("unexpected expiry %s", handle.ExpiresAt)
	}

	// The redirect query round-trips through Verify as if VNPay echoed it back.
	query.Set("vnp_ResponseCode", "00")
	query.Set("vnp_TransactionStatus", "00")
	query.Del(vnpaySecureHashKey)
	query.Set(vnpaySecureHashKey, gw.sign(canonicalQuery(query)))
	verification, err := gw.Verify(context.Background(), Notification{Query: query})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if verification.Status != StatusSucceeded || !verification.Amount.Equal(decimal.NewFromInt(150000)) {
		t.Fatalf("unexpected verification %+v", verification)
	}
}

func TestVNPayInitiateRejectsForeignCurrency(t *testing.T) {
	gw := newTestVNPay(t)
	_, err := gw.Initiate(context.Background(), InitiateRequest{TxnRef: "t", Amount: decimal.NewFromInt(1), Currency: "USD"})
	if !errors.Is(err, ErrGatewayRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
}

func signedIPN(gw *VNPayGateway, responseCode string) url.Values {
	values := url.Values{}
	values.Set("vnp_TmnCode", "TESTCODE")
	values.Set("vnp_TxnRef", "txn_9")
	values.Set("vnp_Amount", "3050")
	values.Set("vnp_ResponseCode", responseCode)
	values.Set("vnp_TransactionStatus", responseCode)
	values.Set("vnp_TransactionNo", "14000001")
	values.Set("vnp_OrderInfo", "Thanh toan don hang")
	values.Set(vnpaySecureHashKey, gw.sign(canonicalQuery(values)))
	values.Set(vnpaySecureHashType, "HmacSHA512")
	return values
}

func TestVNPayVerifyDecodesResult(t *testing.T) {
	gw := newTestVNPay(t)

	ok, err := gw.Verify(context.Background(), Notification{Query: signedIPN(gw, "00")})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok.TxnRef != "txn_9" || ok.Status != StatusSucceeded || ok.ProviderRef != "14000001" {
		t.Fatalf("unexpected verification %+v", ok)
	}
	if !ok.Amount.Equal(decimal.RequireFromString("30.50")) {
		t.Fatalf("expected 30.50, got %s", ok.Amount)
	}

	failed, err := gw.Verify(context.Background(), Notification{Query: signedIPN(gw, "24")})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if failed.Status != StatusFailed || failed.ResponseCode != "24" {
		t.Fatalf("expected failed verification, got %+v", failed)
	}
}

func TestVNPayVerifyRejectsTamperedQuery(t *testing.T) {
	gw := newTestVNPay(t)
	values := signedIPN(gw, "00")
	values.Set("vnp_Amount", "1")
	if _, err := gw.Verify(context.Background(), Notification{Query: values}); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}

	values = signedIPN(gw, "00")
	values.Del(vnpaySecureHashKey)
	if _, err := gw.Verify(context.Background(), Notification{Query: values}); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected invalid signature for missing hash, got %v", err)
	}
}

func TestCanonicalQuerySortsAndEncodes(t *testing.T) {
	values := url.Values{}
	values.Set("vnp_b", "x y")
	values.Set("vnp_a", "1/2")
	got := canonicalQuery(values)
	if got != "vnp_a=1%2F2&vnp_b=x+y" {
		t.Fatalf("unexpected canonical query %s", got)
	}
	if strings.Contains(got, " ") {
		t.Fatalf("spaces must be encoded")
	}
}
