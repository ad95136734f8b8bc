package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	defaultVNPayURL     = "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html"
	vnpayVersion        = "2.1.0"
	vnpayCommandPay     = "pay"
	vnpayCurrency       = "VND"
	vnpayDateLayout     = "20060102150405"
	vnpayDefaultExpiry  = 15 * time.Minute
	vnpaySecureHashKey  = "vnp_SecureHash"
	vnpaySecureHashType = "vnp_SecureHashType"
	vnpaySuccessCode    = "00"
)

// VNPayConfig holds merchant credentials for the VNPay redirect gateway.
type VNPayConfig struct {
	TmnCode    string
	HashSecret string
	PayURL     string
	ReturnURL  string
	OrderType  string
	Locale     string
	Expiry     time.Duration
	Location   *time.Location
	Clock      func() time.Time
	Logger     Logger
}

// VNPayGateway builds signed redirect URLs and verifies IPN callbacks with HMAC-SHA512.
type VNPayGateway struct {
	tmnCode   string
	secret    []byte
	payURL    string
	returnURL string
	orderType string
	locale    string
	expiry    time.Duration
	location  *time.Location
	clock     func() time.Time
	logger    Logger
}

// NewVNPayGateway validates the configuration.
func NewVNPayGateway(cfg VNPayConfig) (*VNPayGateway, error) {
	if strings.TrimSpace(cfg.TmnCode) == "" {
		return nil, errors.New("vnpay: terminal code is required")
	}
	if strings.TrimSpace(cfg.HashSecret) == "" {
		return nil, errors.New("vnpay: hash secret is required")
	}
	payURL := strings.TrimSpace(cfg.PayURL)
	if payURL == "" {
		payURL = defaultVNPayURL
	}
	if _, err := url.Parse(payURL); err != nil {
		return nil, fmt.Errorf("vnpay: invalid pay url: %w", err)
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.FixedZone("ICT", 7*60*60)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = nopLogger
	}
	expiry := cfg.Expiry
	if expiry <= 0 {
		expiry = vnpayDefaultExpiry
	}
	orderType := strings.TrimSpace(cfg.OrderType)
	if orderType == "" {
		orderType = "other"
	}
	locale := strings.TrimSpace(cfg.Locale)
	if locale == "" {
		locale = "vn"
	}
	return &VNPayGateway{
		tmnCode:   strings.TrimSpace(cfg.TmnCode),
		secret:    []byte(cfg.HashSecret),
		payURL:    payURL,
		returnURL: strings.TrimSpace(cfg.ReturnURL),
		orderType: orderType,
		locale:    locale,
		expiry:    expiry,
		location:  loc,
		clock:     clock,
		logger:    logger,
	}, nil
}

// Initiate returns the signed redirect URL. No network call is made.
func (g *VNPayGateway) Initiate(ctx context.Context, req InitiateRequest) (Handle, error) {
	if strings.TrimSpace(req.TxnRef) == "" {
		return Handle{}, fmt.Errorf("%w: vnpay: transaction reference is required", ErrGatewayRejected)
	}
	if !strings.EqualFold(req.Currency, vnpayCurrency) {
		return Handle{}, fmt.Errorf("%w: vnpay: unsupported currency %q", ErrGatewayRejected, req.Currency)
	}
	if !req.Amount.IsPositive() {
		return Handle{}, fmt.Errorf("%w: vnpay: amount must be positive", ErrGatewayRejected)
	}

	returnURL := firstNonEmpty(req.ReturnURL, g.returnURL)
	if returnURL == "" {
		return Handle{}, fmt.Errorf("%w: vnpay: return url is required", ErrGatewayRejected)
	}
	locale := firstNonEmpty(req.Locale, g.locale)
	clientIP := firstNonEmpty(req.ClientIP, "127.0.0.1")
	description := firstNonEmpty(req.Description, "Thanh toan don hang "+req.OrderID)

	now := g.clock().In(g.location)
	expires := now.Add(g.expiry)

	params := url.Values{}
	params.Set("vnp_Version", vnpayVersion)
	params.Set("vnp_Command", vnpayCommandPay)
	params.Set("vnp_TmnCode", g.tmnCode)
	params.Set("vnp_Amount", vnpayAmount(req.Amount))
	params.Set("vnp_CurrCode", vnpayCurrency)
	params.Set("vnp_TxnRef", req.TxnRef)
	params.Set("vnp_OrderInfo", description)
	params.Set("vnp_OrderType", g.orderType)
	params.Set("vnp_Locale", locale)
	params.Set("vnp_ReturnUrl", returnURL)
	params.Set("vnp_IpAddr", clientIP)
	params.Set("vnp_CreateDate", now.Format(vnpayDateLayout))
	params.Set("vnp_ExpireDate", expires.Format(vnpayDateLayout))

	query := canonicalQuery(params)
	signature := g.sign(query)

	g.logger(ctx, "payments.vnpay.initiate", map[string]any{
		"orderId": req.OrderID,
		"txnRef":  req.TxnRef,
		"amount":  req.Amount.String(),
	})

	return Handle{
		TxnRef:      req.TxnRef,
		RedirectURL: g.payURL + "?" + query + "&" + vnpaySecureHashKey + "=" + signature,
		ExpiresAt:   expires.UTC(),
	}, nil
}

// Verify checks the IPN signature and decodes the result.
func (g *VNPayGateway) Verify(_ context.Context, notification Notification) (Verification, error) {
	query := notification.Query
	provided := strings.TrimSpace(query.Get(vnpaySecureHashKey))
	if provided == "" {
		return Verification{}, fmt.Errorf("%w: vnpay: missing secure hash", ErrInvalidSignature)
	}

	signed := url.Values{}
	raw := make(map[string]string, len(query))
	for key, values := range query {
		if len(values) == 0 {
			continue
		}
		raw[key] = values[0]
		if key == vnpaySecureHashKey || key == vnpaySecureHashType {
			continue
		}
		if strings.HasPrefix(key, "vnp_") && values[0] != "" {
			signed.Set(key, values[0])
		}
	}
	expected := g.sign(canonicalQuery(signed))
	if !hmac.Equal([]byte(strings.ToLower(provided)), []byte(expected)) {
		return Verification{}, fmt.Errorf("%w: vnpay", ErrInvalidSignature)
	}

	txnRef := strings.TrimSpace(query.Get("vnp_TxnRef"))
	if txnRef == "" {
		return Verification{}, fmt.Errorf("%w: vnpay: missing transaction reference", ErrGatewayRejected)
	}
	amount, err := parseVNPayAmount(query.Get("vnp_Amount"))
	if err != nil {
		return Verification{}, fmt.Errorf("%w: vnpay: %w", ErrGatewayRejected, err)
	}

	responseCode := query.Get("vnp_ResponseCode")
	status := StatusFailed
	if responseCode == vnpaySuccessCode && query.Get("vnp_TransactionStatus") == vnpaySuccessCode {
		status = StatusSucceeded
	}

	return Verification{
		TxnRef:       txnRef,
		ProviderRef:  query.Get("vnp_TransactionNo"),
		Status:       status,
		Amount:       amount,
		Currency:     vnpayCurrency,
		ResponseCode: responseCode,
		Raw:          raw,
	}, nil
}

func (g *VNPayGateway) sign(data string) string {
	mac := hmac.New(sha512.New, g.secret)
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// canonicalQuery encodes params sorted by key. VNPay signs the encoded form.
func canonicalQuery(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params.Get(k)))
	}
	return b.String()
}

// VNPay expresses amounts in hundredths of a dong.
func vnpayAmount(amount decimal.Decimal) string {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).String()
}

func parseVNPayAmount(value string) (decimal.Decimal, error) {
	if strings.TrimSpace(value) == "" {
		return decimal.Zero, nil
	}
	amount, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q", value)
	}
	return amount.Div(decimal.NewFromInt(100)), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
