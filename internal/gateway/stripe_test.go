package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	stripe "github.com/stripe/stripe-go/v74"
)

const testWebhookSecret = "whsec_test_secret"

func signPayload(t *testing.T, payload []byte, secret string, ts time.Time) string {
	t.Helper()

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts.Unix(), payload)

	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func checkoutCompletedPayload() []byte {
	return []byte(fmt.Sprintf(`{
		"id": "evt_test_1",
		"object": "event",
		"api_version": %q,
		"type": "checkout.session.completed",
		"data": {
			"object": {
				"id": "cs_test_1",
				"object": "checkout.session",
				"payment_intent": "pi_test_1"
			}
		}
	}`, stripe.APIVersion))
}

func TestConstructWebhookEvent_ValidSignature(t *testing.T) {
	c := NewClient("sk_test_key", testWebhookSecret)

	payload := checkoutCompletedPayload()
	signature := signPayload(t, payload, testWebhookSecret, time.Now())

	event, err := c.ConstructWebhookEvent(payload, signature)
	if err != nil {
		t.Fatalf("construct event: %v", err)
	}

	if event.ID != "evt_test_1" {
		t.Fatalf("event id = %q, want evt_test_1", event.ID)
	}
	if event.Type != "checkout.session.completed" {
		t.Fatalf("event type = %q, want checkout.session.completed", event.Type)
	}
	if event.SessionID != "cs_test_1" {
		t.Fatalf("session id = %q, want cs_test_1", event.SessionID)
	}
	if event.PaymentIntentID != "pi_test_1" {
		t.Fatalf("payment intent = %q, want pi_test_1", event.PaymentIntentID)
	}
}

func TestConstructWebhookEvent_WrongSecret(t *testing.T) {
	c := NewClient("sk_test_key", testWebhookSecret)

	payload := checkoutCompletedPayload()
	signature := signPayload(t, payload, "whsec_other_secret", time.Now())

	_, err := c.ConstructWebhookEvent(payload, signature)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("err = %v, want %v", err, ErrInvalidSignature)
	}
}

func TestConstructWebhookEvent_TamperedPayload(t *testing.T) {
	c := NewClient("sk_test_key", testWebhookSecret)

	payload := checkoutCompletedPayload()
	signature := signPayload(t, payload, testWebhookSecret, time.Now())

	tampered := append([]byte{}, payload...)
	tampered[len(tampered)-2] = ' '

	_, err := c.ConstructWebhookEvent(tampered, signature)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("err = %v, want %v", err, ErrInvalidSignature)
	}
}

func TestConstructWebhookEvent_StaleTimestamp(t *testing.T) {
	c := NewClient("sk_test_key", testWebhookSecret)

	payload := checkoutCompletedPayload()
	signature := signPayload(t, payload, testWebhookSecret, time.Now().Add(-time.Hour))

	_, err := c.ConstructWebhookEvent(payload, signature)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("err = %v, want %v", err, ErrInvalidSignature)
	}
}

func TestConstructWebhookEvent_MalformedHeader(t *testing.T) {
	c := NewClient("sk_test_key", testWebhookSecret)

	_, err := c.ConstructWebhookEvent(checkoutCompletedPayload(), "not-a-signature")
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("err = %v, want %v", err, ErrInvalidSignature)
	}
}

func TestConstructWebhookEvent_OtherEventType(t *testing.T) {
	c := NewClient("sk_test_key", testWebhookSecret)

	payload := []byte(fmt.Sprintf(`{
		"id": "evt_test_2",
		"object": "event",
		"api_version": %q,
		"type": "payment_intent.created",
		"data": {"object": {"id": "pi_test_2", "object": "payment_intent"}}
	}`, stripe.APIVersion))
	signature := signPayload(t, payload, testWebhookSecret, time.Now())

	event, err := c.ConstructWebhookEvent(payload, signature)
	if err != nil {
		t.Fatalf("construct event: %v", err)
	}
	if event.Type != "payment_intent.created" {
		t.Fatalf("event type = %q, want payment_intent.created", event.Type)
	}
	if event.SessionID != "" {
		t.Fatalf("session id = %q, want empty for non-checkout event", event.SessionID)
	}
}
