/*
client.go - Partner issuance API client

WIRE CONTRACT:
  Every endpoint answers HTTP 200 with a JSON envelope:

    {status, status_description, messages: [{isError, id, Info}], data}

  Pseudo-status codes:
    2000        success
    4000        validation failure (message id 40028 = order exists)
    4001 / 4003 unauthorized / forbidden (terminal)
    5000 / 5003 server-side, retryable

  Token payloads report a naive ISO datetime; the partner means UTC, so
  the conversion is explicit here and nowhere else.

Every request/response pair is recorded via the Recorder so the task
runtime's audit log captures externally-observable steps.
*/
package fulfillment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// =============================================================================
// PSEUDO-STATUS CODES AND MESSAGE IDS
// =============================================================================

const (
	StatusSuccess            = 2000
	StatusValidationFailure  = 4000
	StatusUnauthorized       = 4001
	StatusForbidden          = 4003
	StatusServerError        = 5000
	StatusServiceUnavailable = 5003
)

const msgOrderExists = "40028"

// Message ids the partner uses for a rejected/expired bearer token.
var tokenInvalidMessageIDs = map[string]bool{
	"40005": true,
	"40006": true,
}

// =============================================================================
// WIRE TYPES
// =============================================================================

type Envelope struct {
	Status            int             `json:"status"`
	StatusDescription string          `json:"status_description"`
	Messages          []Message       `json:"messages"`
	Data              json.RawMessage `json:"data"`
}

type Message struct {
	IsError bool   `json:"isError"`
	ID      string `json:"id"`
	Info    string `json:"Info"`
}

type TokenPayload struct {
	Token    string `json:"Token"`
	Expires  string `json:"Expires"` // naive ISO datetime, UTC by contract
	TestMode bool   `json:"TestMode"`
}

type RegisterRequest struct {
	CustomerCardRef  string `json:"customer_card_ref"`
	Reference        string `json:"reference"`
	TransactionValue int64  `json:"transaction_value"`
}

type RegisterPayload struct {
	CustomerCardRef  string `json:"customer_card_ref"`
	Reference        string `json:"reference"`
	Number           string `json:"number"` // the reward code
	TransactionValue int64  `json:"transaction_value"`
	ExpiryDate       string `json:"expiry_date"`
	Balance          int64  `json:"balance"`
	VoucherURL       string `json:"voucher_url"`
	CardStatus       string `json:"card_status"`
}

type BalancePayload struct {
	CustomerCardRef string `json:"customer_card_ref"`
	Balance         int64  `json:"balance"`
}

// parseNaiveUTC converts the partner's naive timestamps explicitly.
func parseNaiveUTC(s string) (time.Time, error) {
	return time.ParseInLocation("2006-01-02T15:04:05", s, time.UTC)
}

// =============================================================================
// RECORDER - audit hook
// =============================================================================

// Recorder receives one entry per externally-observable request/response.
type Recorder interface {
	Record(label, request, response string)
}

func record(rec Recorder, label, request, response string) {
	if rec != nil {
		rec.Record(label, request, response)
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// Client talks to the partner issuance API. All calls carry bounded
// timeouts via the underlying http.Client.
type Client struct {
	BaseURL  string
	APIKey   string
	Secret   string
	HTTPClient *http.Client
}

func NewClient(baseURL, apiKey, secret string) *Client {
	return &Client{
		BaseURL:  baseURL,
		APIKey:   apiKey,
		Secret:   secret,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// Token fetches a fresh bearer token.
func (c *Client) Token(ctx context.Context, rec Recorder) (*TokenPayload, error) {
	env, err := c.post(ctx, rec, "token", "/token", "", map[string]string{
		"api_key": c.APIKey,
		"secret":  c.Secret,
	})
	if err != nil {
		return nil, err
	}
	var payload TokenPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return nil, retryable("token", env.Status, fmt.Errorf("malformed token payload: %w", err))
	}
	return &payload, nil
}

// Register claims one reward against the card ref.
func (c *Client) Register(ctx context.Context, rec Recorder, token string, req RegisterRequest) (*RegisterPayload, error) {
	env, err := c.post(ctx, rec, "register", "/rewards/register", token, req)
	if err != nil {
		return nil, err
	}
	var payload RegisterPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return nil, retryable("register", env.Status, fmt.Errorf("malformed register payload: %w", err))
	}
	return &payload, nil
}

// Reverse compensates an ambiguous registration. Same request shape as
// Register; success carries an empty payload.
func (c *Client) Reverse(ctx context.Context, rec Recorder, token string, req RegisterRequest) error {
	_, err := c.post(ctx, rec, "reversal", "/rewards/reverse", token, req)
	return err
}

// Balance fetches the partner-side balance for a card ref.
func (c *Client) Balance(ctx context.Context, rec Recorder, token, cardRef string) (int64, error) {
	env, err := c.post(ctx, rec, "balance", "/cards/balance", token, map[string]string{
		"customer_card_ref": cardRef,
	})
	if err != nil {
		return 0, err
	}
	var payload BalancePayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return 0, retryable("balance", env.Status, fmt.Errorf("malformed balance payload: %w", err))
	}
	return payload.Balance, nil
}

// =============================================================================
// TRANSPORT + CLASSIFICATION
// =============================================================================

func (c *Client) post(ctx context.Context, rec Recorder, op, path, token string, body any) (*Envelope, error) {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return nil, terminal(op, 0, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return nil, terminal(op, 0, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		record(rec, op, string(reqBody), err.Error())
		return nil, retryable(op, 0, err)
	}
	defer resp.Body.Close()

	var env Envelope
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(&env); err != nil {
		record(rec, op, string(reqBody), "unparseable response")
		return nil, retryable(op, 0, fmt.Errorf("malformed envelope: %w", err))
	}

	envJSON, _ := json.Marshal(env)
	record(rec, op, string(reqBody), string(envJSON))

	if err := classify(op, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// classify maps the pseudo-status/message-id pair onto the taxonomy.
// Message ids are checked first: a token rejection can ride on more
// than one pseudo-status.
func classify(op string, env *Envelope) error {
	for _, m := range env.Messages {
		if !m.IsError {
			continue
		}
		if tokenInvalidMessageIDs[m.ID] {
			return fmt.Errorf("%s: %w", op, errTokenInvalid)
		}
		if m.ID == msgOrderExists {
			return fmt.Errorf("%s: %w", op, errOrderExists)
		}
	}

	switch env.Status {
	case StatusSuccess:
		return nil
	case StatusServerError, StatusServiceUnavailable:
		return retryable(op, env.Status, errors.New(env.StatusDescription))
	case StatusUnauthorized, StatusForbidden, StatusValidationFailure:
		return terminal(op, env.Status, errors.New(env.StatusDescription))
	default:
		// Unclassified pseudo-codes are terminal: retrying an unknown
		// failure against a non-transactional partner risks duplicates.
		return terminal(op, env.Status, errors.New(env.StatusDescription))
	}
}
