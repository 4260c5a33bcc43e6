package clob

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"pm-spread-bot/internal/config"
)

const zeroAddress = "0x0000000000000000000000000000000000000000"

// Credentials are the L2 API credentials derived from the signing key.
type Credentials struct {
	Key        string
	Secret     string
	Passphrase string
}

// Client talks to the CLOB REST API: order placement, cancellation, and
// open-order queries. Every request passes through a shared rate limiter so
// two-leg quote placement cannot trip the exchange's request caps.
type Client struct {
	baseURL string
	http    *http.Client
	signer  *Signer
	creds   *Credentials
	limiter *rate.Limiter
	log     *zap.Logger
}

func NewClient(cfg config.CLOBConfig, signer *Signer, log *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		signer:  signer,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		log:     log,
	}
}

// DeriveCredentials runs the L1 auth flow: sign a ClobAuth message and
// exchange it for HMAC credentials used on every subsequent request.
func (c *Client) DeriveCredentials(ctx context.Context) error {
	timestamp := time.Now().Unix()
	sig, err := c.signer.SignAuth(timestamp, 0)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/derive-api-key", nil)
	if err != nil {
		return err
	}
	req.Header.Set("POLY_ADDRESS", c.signer.Address().Hex())
	req.Header.Set("POLY_SIGNATURE", sig)
	req.Header.Set("POLY_TIMESTAMP", strconv.FormatInt(timestamp, 10))
	req.Header.Set("POLY_NONCE", "0")

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("clob: derive credentials: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if err := statusError(resp.StatusCode, body); err != nil {
		return err
	}
	var out struct {
		APIKey     string `json:"apiKey"`
		Secret     string `json:"secret"`
		Passphrase string `json:"passphrase"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return fmt.Errorf("clob: decode credentials: %w", err)
	}
	c.creds = &Credentials{Key: out.APIKey, Secret: out.Secret, Passphrase: out.Passphrase}
	c.log.Info("derived clob credentials", zap.String("address", c.signer.Address().Hex()))
	return nil
}

// SetCredentials installs pre-provisioned credentials, skipping the derive
// flow.
func (c *Client) SetCredentials(creds Credentials) {
	c.creds = &creds
}

// PlaceOrder signs and submits a limit order. The exchange assigns the order
// ID returned in PlacedOrder; idempotent retry handling belongs to the
// execution layer, not here.
func (c *Client) PlaceOrder(ctx context.Context, args OrderArgs) (PlacedOrder, error) {
	if args.Price <= 0 || args.Price >= 1 {
		return PlacedOrder{}, fmt.Errorf("%w: price %.4f outside (0, 1)", ErrRejected, args.Price)
	}
	if args.Size <= 0 {
		return PlacedOrder{}, fmt.Errorf("%w: non-positive size", ErrRejected)
	}
	orderType := args.Type
	if orderType == "" {
		orderType = OrderTypeGTC
	}
	maker, taker := orderAmounts(args.Side, args.Price, args.Size)
	address := c.signer.Address().Hex()
	order := &signedOrder{
		Salt:        strconv.FormatInt(rand.Int63(), 10),
		Maker:       address,
		Signer:      address,
		Taker:       zeroAddress,
		TokenID:     args.TokenID,
		MakerAmount: maker,
		TakerAmount: taker,
		Expiration:  "0",
		Nonce:       "0",
		FeeRateBps:  "0",
		Side:        string(args.Side),
	}
	sideCode := 0
	if args.Side == SideSell {
		sideCode = 1
	}
	if err := c.signer.SignOrder(order, sideCode); err != nil {
		return PlacedOrder{}, err
	}

	body := map[string]interface{}{
		"order":     order,
		"owner":     address,
		"orderType": string(orderType),
	}
	respBody, err := c.do(ctx, http.MethodPost, "/order", body)
	if err != nil {
		return PlacedOrder{}, err
	}
	var out struct {
		Success  bool   `json:"success"`
		ErrorMsg string `json:"errorMsg"`
		OrderID  string `json:"orderID"`
		Status   string `json:"status"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return PlacedOrder{}, fmt.Errorf("clob: decode place response: %w", err)
	}
	if !out.Success {
		return PlacedOrder{}, fmt.Errorf("%w: %s", ErrRejected, out.ErrorMsg)
	}
	return PlacedOrder{ID: out.OrderID, Status: out.Status}, nil
}

// CancelOrder cancels one resting order. Cancelling an order the exchange no
// longer knows surfaces as ErrNotFound, which callers treat as success.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	respBody, err := c.do(ctx, http.MethodDelete, "/order", map[string]string{"orderID": orderID})
	if err != nil {
		return err
	}
	return decodeAck(respBody, "cancel")
}

// CancelAll cancels every open order for the wallet.
func (c *Client) CancelAll(ctx context.Context) error {
	respBody, err := c.do(ctx, http.MethodDelete, "/cancel-all", nil)
	if err != nil {
		return err
	}
	return decodeAck(respBody, "cancel-all")
}

// OpenOrders lists the wallet's resting orders, used on startup to reconcile
// exchange state against the local active-order map.
func (c *Client) OpenOrders(ctx context.Context) ([]OpenOrder, error) {
	respBody, err := c.do(ctx, http.MethodGet, "/orders", nil)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		ID           string `json:"id"`
		AssetID      string `json:"asset_id"`
		Side         string `json:"side"`
		Price        string `json:"price"`
		OriginalSize string `json:"original_size"`
		SizeMatched  string `json:"size_matched"`
	}
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return nil, fmt.Errorf("clob: decode orders: %w", err)
	}
	orders := make([]OpenOrder, 0, len(raw))
	for _, o := range raw {
		orders = append(orders, OpenOrder{
			ID:           o.ID,
			TokenID:      o.AssetID,
			Side:         Side(o.Side),
			Price:        parseFloat(o.Price),
			OriginalSize: parseFloat(o.OriginalSize),
			SizeMatched:  parseFloat(o.SizeMatched),
		})
	}
	return orders, nil
}

// RedeemablePositions lists resolved positions for the wallet that still
// hold redeemable value.
func (c *Client) RedeemablePositions(ctx context.Context) ([]RedeemablePosition, error) {
	respBody, err := c.do(ctx, http.MethodGet, "/positions?redeemable=true", nil)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		ConditionID  string  `json:"conditionId"`
		Title        string  `json:"title"`
		CurrentValue float64 `json:"currentValue"`
		NegRisk      bool    `json:"negativeRisk"`
	}
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return nil, fmt.Errorf("clob: decode positions: %w", err)
	}
	positions := make([]RedeemablePosition, 0, len(raw))
	for _, p := range raw {
		positions = append(positions, RedeemablePosition{
			ConditionID: p.ConditionID,
			Title:       p.Title,
			ValueUSD:    p.CurrentValue,
			NegRisk:     p.NegRisk,
		})
	}
	return positions, nil
}

// Redeem converts a resolved position back to collateral.
func (c *Client) Redeem(ctx context.Context, conditionID string, negRisk bool) error {
	body := map[string]interface{}{
		"conditionId": conditionID,
		"negRisk":     negRisk,
	}
	respBody, err := c.do(ctx, http.MethodPost, "/redeem", body)
	if err != nil {
		return err
	}
	return decodeAck(respBody, "redeem")
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var bodyStr string
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyStr = string(data)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.creds != nil {
		for k, v := range c.authHeaders(method, path, bodyStr) {
			req.Header.Set(k, v)
		}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("clob: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if err := statusError(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// authHeaders builds the L2 HMAC headers. The secret is base64; a raw
// fallback produces a verifiably wrong signature instead of a panic.
func (c *Client) authHeaders(method, path, body string) map[string]string {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	secret, err := base64.StdEncoding.DecodeString(c.creds.Secret)
	if err != nil {
		secret = []byte(c.creds.Secret)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts + method + path + body))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return map[string]string{
		"POLY_ADDRESS":    c.signer.Address().Hex(),
		"POLY_API_KEY":    c.creds.Key,
		"POLY_TIMESTAMP":  ts,
		"POLY_PASSPHRASE": c.creds.Passphrase,
		"POLY_SIGNATURE":  sig,
	}
}

func decodeAck(body []byte, op string) error {
	var out struct {
		Success  bool   `json:"success"`
		ErrorMsg string `json:"errorMsg"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return fmt.Errorf("clob: decode %s response: %w", op, err)
	}
	if !out.Success {
		return fmt.Errorf("%w: %s: %s", ErrRejected, op, out.ErrorMsg)
	}
	return nil
}

func statusError(code int, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}
	msg := string(body)
	switch code {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, msg)
	default:
		return fmt.Errorf("clob: http %d: %s", code, msg)
	}
}

func parseFloat(raw string) float64 {
	v, _ := strconv.ParseFloat(raw, 64)
	return v
}
