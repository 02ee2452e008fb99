package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pquerna/otp/totp"

	"strategy-systemv1/internal/metrics"
	"strategy-systemv1/internal/model"
)

// SmartAPIConfig carries the Angel One SmartAPI credentials.
type SmartAPIConfig struct {
	BaseURL    string // default https://apiconnect.angelone.in
	APIKey     string
	ClientCode string
	PIN        string
	TOTPSecret string // base32 seed, TOTP generated at login
}

const defaultSmartAPIRoot = "https://apiconnect.angelone.in"

var smartAPIRoutes = map[string]string{
	"login":        "/rest/auth/angelbroking/user/v1/loginByPassword",
	"order.place":  "/rest/secure/angelbroking/order/v1/placeOrder",
	"order.cancel": "/rest/secure/angelbroking/order/v1/cancelOrder",
	"order.book":   "/rest/secure/angelbroking/order/v1/getOrderBook",
}

// SmartAPI is a live OrderGateway over Angel One SmartAPI. The in-memory
// order view is updated by postbacks; OrderStatus with refresh=true (or a
// stale view) re-reads the order book. Safe for use by multiple sessions.
type SmartAPI struct {
	cfg  SmartAPIConfig
	http *resty.Client

	mu          sync.RWMutex
	accessToken string
	orders      map[string]model.OrderState
	lastRefresh time.Time
}

// NewSmartAPI builds the adapter. Call Login before placing orders.
func NewSmartAPI(cfg SmartAPIConfig) *SmartAPI {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultSmartAPIRoot
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(7 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetHeader("X-UserType", "USER").
		SetHeader("X-SourceID", "WEB").
		SetHeader("X-PrivateKey", cfg.APIKey)

	return &SmartAPI{
		cfg:    cfg,
		http:   client,
		orders: make(map[string]model.OrderState, 64),
	}
}

type smartAPIEnvelope struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	Data      json.RawMessage `json:"data"`
}

// Login generates the current TOTP and establishes a session.
func (s *SmartAPI) Login(ctx context.Context) error {
	code, err := totp.GenerateCode(s.cfg.TOTPSecret, time.Now())
	if err != nil {
		return fmt.Errorf("broker: totp generate: %w", err)
	}

	var out smartAPIEnvelope
	resp, err := s.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"clientcode": s.cfg.ClientCode,
			"password":   s.cfg.PIN,
			"totp":       code,
		}).
		SetResult(&out).
		Post(smartAPIRoutes["login"])
	if err != nil {
		return fmt.Errorf("broker: login: %w", err)
	}
	if !resp.IsSuccess() || !out.Status {
		return fmt.Errorf("broker: login failed: %s (%s)", out.Message, out.ErrorCode)
	}

	var data struct {
		JWTToken string `json:"jwtToken"`
	}
	if err := json.Unmarshal(out.Data, &data); err != nil {
		return fmt.Errorf("broker: login response: %w", err)
	}

	s.mu.Lock()
	s.accessToken = data.JWTToken
	s.mu.Unlock()
	s.http.SetAuthToken(data.JWTToken)

	log.Printf("[broker] smartapi session established client=%s", s.cfg.ClientCode)
	return nil
}

// PlaceOrder submits a NORMAL variety order.
func (s *SmartAPI) PlaceOrder(ctx context.Context, req model.OrderRequest) (model.OrderAck, error) {
	body := map[string]any{
		"variety":         "NORMAL",
		"tradingsymbol":   req.Symbol,
		"exchange":        req.Exchange,
		"transactiontype": req.Side,
		"ordertype":       req.OrderType,
		"producttype":     req.ProductType,
		"duration":        "DAY",
		"quantity":        strconv.FormatInt(req.Qty, 10),
	}
	if req.OrderType == "LIMIT" && req.Price > 0 {
		body["price"] = paiseToRupeeStr(req.Price)
	}

	var out smartAPIEnvelope
	resp, err := s.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		Post(smartAPIRoutes["order.place"])
	if err != nil {
		return model.OrderAck{}, fmt.Errorf("broker: place order: %w", err)
	}
	if !resp.IsSuccess() || !out.Status {
		return model.OrderAck{}, fmt.Errorf("broker: order rejected at submit: %s (%s)", out.Message, out.ErrorCode)
	}

	var data struct {
		OrderID       string `json:"orderid"`
		UniqueOrderID string `json:"uniqueorderid"`
	}
	if err := json.Unmarshal(out.Data, &data); err != nil {
		return model.OrderAck{}, fmt.Errorf("broker: place order response: %w", err)
	}

	s.mu.Lock()
	s.orders[data.OrderID] = model.OrderState{
		OrderID: data.OrderID,
		Status:  model.OrderPending,
		Qty:     req.Qty,
	}
	s.mu.Unlock()

	metrics.OrdersPlaced.WithLabelValues(req.Side).Inc()
	log.Printf("[broker] placed %s %s:%s qty=%d order=%s node=%s",
		req.Side, req.Exchange, req.Symbol, req.Qty, data.OrderID, req.NodeID)

	return model.OrderAck{OrderID: data.OrderID, BrokerOrderID: data.UniqueOrderID}, nil
}

// OrderStatus returns the postback-updated view. refresh=true forces an
// order book re-read; without it the book is still re-read when the view
// has not been confirmed for a while (postback gap tolerance).
func (s *SmartAPI) OrderStatus(ctx context.Context, orderID string, refresh bool) (model.OrderState, error) {
	s.mu.RLock()
	st, ok := s.orders[orderID]
	stale := time.Since(s.lastRefresh) > 10*time.Second
	s.mu.RUnlock()

	if ok && st.Status.Terminal() {
		return st, nil
	}
	if refresh || !ok || stale {
		if err := s.refreshOrderBook(ctx); err != nil {
			if !ok {
				return model.OrderState{}, err
			}
			return st, nil // keep serving the cached view on fetch failure
		}
		s.mu.RLock()
		st, ok = s.orders[orderID]
		s.mu.RUnlock()
	}
	if !ok {
		return model.OrderState{}, fmt.Errorf("broker: unknown order %s", orderID)
	}
	return st, nil
}

// CancelOrder cancels a NORMAL variety order.
func (s *SmartAPI) CancelOrder(ctx context.Context, orderID string) error {
	var out smartAPIEnvelope
	resp, err := s.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"variety": "NORMAL", "orderid": orderID}).
		SetResult(&out).
		Post(smartAPIRoutes["order.cancel"])
	if err != nil {
		return fmt.Errorf("broker: cancel order: %w", err)
	}
	if !resp.IsSuccess() || !out.Status {
		return fmt.Errorf("broker: cancel failed: %s (%s)", out.Message, out.ErrorCode)
	}

	s.mu.Lock()
	if st, ok := s.orders[orderID]; ok && !st.Status.Terminal() {
		st.Status = model.OrderCancelled
		s.orders[orderID] = st
	}
	s.mu.Unlock()
	return nil
}

// smartAPIOrder is one order book / postback record.
type smartAPIOrder struct {
	OrderID         string `json:"orderid"`
	Status          string `json:"status"` // open, complete, rejected, cancelled
	OrderStatus     string `json:"orderstatus"`
	Quantity        string `json:"quantity"`
	FilledShares    string `json:"filledshares"`
	AveragePrice    string `json:"averageprice"`
	Text            string `json:"text"`
	UpdateTime      string `json:"updatetime"`
	TransactionType string `json:"transactiontype"`
}

func (s *SmartAPI) refreshOrderBook(ctx context.Context) error {
	var out smartAPIEnvelope
	resp, err := s.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get(smartAPIRoutes["order.book"])
	if err != nil {
		return fmt.Errorf("broker: order book: %w", err)
	}
	if !resp.IsSuccess() || !out.Status {
		return fmt.Errorf("broker: order book: %s (%s)", out.Message, out.ErrorCode)
	}

	var book []smartAPIOrder
	if err := json.Unmarshal(out.Data, &book); err != nil {
		return fmt.Errorf("broker: order book decode: %w", err)
	}

	s.mu.Lock()
	for i := range book {
		s.applyLocked(&book[i])
	}
	s.lastRefresh = time.Now()
	s.mu.Unlock()
	return nil
}

// HandlePostback is the webhook the broker calls on order updates. It
// refreshes the in-memory view; nodes pick the change up on their next
// status poll.
func (s *SmartAPI) HandlePostback(w http.ResponseWriter, r *http.Request) {
	var ord smartAPIOrder
	if err := json.NewDecoder(r.Body).Decode(&ord); err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}
	if ord.OrderID == "" {
		http.Error(w, "missing orderid", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.applyLocked(&ord)
	s.mu.Unlock()

	log.Printf("[broker] postback order=%s status=%s", ord.OrderID, ord.Status)
	w.WriteHeader(http.StatusOK)
}

// applyLocked merges one broker record into the order view. Only orders
// this process placed are tracked.
func (s *SmartAPI) applyLocked(ord *smartAPIOrder) {
	st, ok := s.orders[ord.OrderID]
	if !ok {
		return
	}
	if st.Status.Terminal() {
		return // terminal states never regress
	}

	st.Status = mapSmartAPIStatus(ord.Status, ord.OrderStatus)
	if v, err := strconv.ParseInt(ord.Quantity, 10, 64); err == nil && v > 0 {
		st.Qty = v
	}
	if v, err := strconv.ParseInt(ord.FilledShares, 10, 64); err == nil {
		st.FilledQty = v
	}
	if v, err := strconv.ParseFloat(ord.AveragePrice, 64); err == nil && v > 0 {
		st.AvgPrice = int64(math.Round(v * 100))
	}
	if st.Status == model.OrderRejected || st.Status == model.OrderCancelled {
		st.RejectionReason = ord.Text
	}
	if st.Status.Terminal() {
		st.CompletedAt = time.Now()
	}
	s.orders[ord.OrderID] = st
}

func mapSmartAPIStatus(status, orderStatus string) model.OrderStatus {
	v := strings.ToLower(status)
	if v == "" {
		v = strings.ToLower(orderStatus)
	}
	switch v {
	case "complete", "filled":
		return model.OrderComplete
	case "rejected":
		return model.OrderRejected
	case "cancelled", "canceled":
		return model.OrderCancelled
	case "partially filled", "partial":
		return model.OrderPartiallyFilled
	case "open", "trigger pending":
		return model.OrderOpen
	default:
		return model.OrderPending
	}
}

func paiseToRupeeStr(p int64) string {
	return strconv.FormatFloat(float64(p)/100.0, 'f', 2, 64)
}
