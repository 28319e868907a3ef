package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// ReceiptData alimente le gabarit de reçu de paiement côté prestataire email.
type ReceiptData struct {
	To                string `json:"to"`
	SessionID         string `json:"session_id"`
	AmountCents       int64  `json:"amount_cents"`
	Currency          string `json:"currency"`
	RegistrationCount int    `json:"registration_count"`
}

// Mailer envoie les emails transactionnels. Tous les envois sont best-effort:
// un échec est journalisé, jamais remonté à l'appelant du règlement.
type Mailer interface {
	SendPaymentReceipt(ctx context.Context, receipt ReceiptData) error
}

// RestMailer implémente Mailer via l'API REST du prestataire email.
type RestMailer struct {
	client *resty.Client
}

func NewRestMailer(baseURL, apiKey string, timeout time.Duration) *RestMailer {
	client := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(apiKey).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	return &RestMailer{client: client}
}

func (m *RestMailer) SendPaymentReceipt(ctx context.Context, receipt ReceiptData) error {
	resp, err := m.client.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"to":       receipt.To,
			"template": "recu_paiement",
			"variables": map[string]any{
				"session_id":   receipt.SessionID,
				"montant":      receipt.AmountCents,
				"devise":       receipt.Currency,
				"inscriptions": receipt.RegistrationCount,
			},
		}).
		Post("/v1/emails")
	if err != nil {
		return fmt.Errorf("sending receipt email: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("sending receipt email: status %d", resp.StatusCode())
	}
	return nil
}
