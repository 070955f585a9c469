// Package gateway инкапсулирует взаимодействие с платёжным шлюзом Stripe.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
	"github.com/stripe/stripe-go/v74/webhook"
)

// ErrInvalidSignature возвращается, если подпись вебхука не прошла проверку.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// CheckoutSessionArgs описывает параметры создания платёжной сессии.
type CheckoutSessionArgs struct {
	SuccessURL  string
	CancelURL   string
	Currency    string
	AmountCents int64
	Description string
	Metadata    map[string]string
}

// CheckoutSession содержит данные созданной платёжной сессии.
type CheckoutSession struct {
	ID              string
	URL             string
	PaymentIntentID string
}

// RefundArgs описывает параметры возврата средств по платежу.
type RefundArgs struct {
	PaymentIntentID string
	Metadata        map[string]string
}

// Refund содержит данные созданного возврата.
type Refund struct {
	ID     string
	Status string
}

// Event описывает проверенное событие вебхука платёжного провайдера.
type Event struct {
	ID              string
	Type            string
	SessionID       string
	PaymentIntentID string
}

// Client инкапсулирует вызовы Stripe API и проверку подписи вебхуков.
type Client struct {
	api           *client.API
	webhookSecret string
}

// NewClient создаёт клиент Stripe с указанными секретами.
func NewClient(secretKey, webhookSecret string) *Client {
	api := &client.API{}
	api.Init(secretKey, nil)

	return &Client{
		api:           api,
		webhookSecret: webhookSecret,
	}
}

// CreateCheckoutSession создаёт платёжную сессию на стороне Stripe.
func (c *Client) CreateCheckoutSession(args CheckoutSessionArgs) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(args.SuccessURL),
		CancelURL:  stripe.String(args.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Quantity: stripe.Int64(1),
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(strings.ToLower(args.Currency)),
					UnitAmount: stripe.Int64(args.AmountCents),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(args.Description),
					},
				},
			},
		},
	}
	for k, v := range args.Metadata {
		params.AddMetadata(k, v)
	}

	session, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}

	res := &CheckoutSession{
		ID:  session.ID,
		URL: session.URL,
	}
	if session.PaymentIntent != nil {
		res.PaymentIntentID = session.PaymentIntent.ID
	}

	return res, nil
}

// CreateRefund создаёт возврат средств по платёжному намерению.
func (c *Client) CreateRefund(args RefundArgs) (*Refund, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(args.PaymentIntentID),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	for k, v := range args.Metadata {
		params.AddMetadata(k, v)
	}

	refund, err := c.api.Refunds.New(params)
	if err != nil {
		return nil, fmt.Errorf("create refund: %w", err)
	}

	return &Refund{
		ID:     refund.ID,
		Status: string(refund.Status),
	}, nil
}

type sessionPayload struct {
	ID            string `json:"id"`
	PaymentIntent string `json:"payment_intent"`
}

// ConstructWebhookEvent проверяет подпись вебхука и разбирает событие.
// Любой дефект подписи или тела возвращается как ErrInvalidSignature.
func (c *Client) ConstructWebhookEvent(payload []byte, signature string) (*Event, error) {
	event, err := webhook.ConstructEvent(payload, signature, c.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSignature, err)
	}

	res := &Event{
		ID:   event.ID,
		Type: event.Type,
	}

	if event.Type == "checkout.session.completed" {
		var session sessionPayload
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, fmt.Errorf("%w: decode session payload: %s", ErrInvalidSignature, err)
		}
		res.SessionID = session.ID
		res.PaymentIntentID = session.PaymentIntent
	}

	return res, nil
}
