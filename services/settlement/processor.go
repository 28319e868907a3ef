package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// ProcessorFacts est l'état normalisé d'une session checkout. Toute la
// variance du payload processeur est absorbée ici, à la frontière: la logique
// interne ne branche jamais sur "quel champ est rempli".
type ProcessorFacts struct {
	SessionID          string
	Settled            bool
	Gross              int64
	Currency           string
	ChargeID           string
	PaymentIntentID    string
	DestinationAccount string
	PlatformFee        int64
	ProcessorFee       int64
	CourseID           string
	OrganizerID        string
	RegistrationID     string
	GroupIDs           []string
	ReceiptEmail       string
}

// ConnectedAccount est le compte de reversement d'un organisateur.
type ConnectedAccount struct {
	ID             string `json:"id"`
	PayoutsEnabled bool   `json:"payouts_enabled"`
	Country        string `json:"country"`
}

// TransferRequest décrit un transfert de fonds vers un compte connecté,
// sourcé sur la charge d'origine pour rester traçable à la vente.
type TransferRequest struct {
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Destination   string `json:"destination"`
	SourceCharge  string `json:"source_transaction"`
	TransferGroup string `json:"transfer_group"`
	Description   string `json:"description"`
}

type TransferResult struct {
	TransferID string
	Amount     int64
}

type RefundResult struct {
	RefundID string
}

// Processor abstrait le prestataire de paiement.
type Processor interface {
	GetCheckoutSession(ctx context.Context, sessionID string) (*ProcessorFacts, error)
	GetAccount(ctx context.Context, accountID string) (*ConnectedAccount, error)
	CreateTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error)
	CreateRefund(ctx context.Context, chargeID string, amount int64) (*RefundResult, error)
}

// RestProcessor implémente Processor via l'API REST du prestataire.
type RestProcessor struct {
	client *resty.Client
}

// NewRestProcessor crée un client avec timeout borné: un timeout est un échec
// transitoire, jamais un "paiement échoué".
func NewRestProcessor(baseURL, secretKey string, timeout time.Duration) *RestProcessor {
	client := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(secretKey).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	return &RestProcessor{client: client}
}

type checkoutSessionPayload struct {
	ID            string `json:"id"`
	PaymentStatus string `json:"payment_status"`
	AmountTotal   int64  `json:"amount_total"`
	Currency      string `json:"currency"`
	ProcessingFee int64  `json:"processing_fee"`
	PaymentIntent struct {
		ID           string `json:"id"`
		Status       string `json:"status"`
		LatestCharge string `json:"latest_charge"`
	} `json:"payment_intent"`
	Metadata map[string]string `json:"metadata"`
}

// GetCheckoutSession relit l'état autoritatif de la session chez le
// prestataire (jamais depuis un payload webhook potentiellement périmé).
func (p *RestProcessor) GetCheckoutSession(ctx context.Context, sessionID string) (*ProcessorFacts, error) {
	var payload checkoutSessionPayload
	resp, err := p.client.R().
		SetContext(ctx).
		SetResult(&payload).
		Get("/v1/checkout/sessions/" + sessionID)
	if err != nil {
		return nil, fmt.Errorf("processor session lookup: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, ErrSessionNotFound
	}
	if resp.IsError() {
		return nil, fmt.Errorf("processor session lookup: status %d", resp.StatusCode())
	}

	return factsFromSession(payload), nil
}

// factsFromSession est l'unique point d'ingestion session -> schéma interne.
func factsFromSession(payload checkoutSessionPayload) *ProcessorFacts {
	md := payload.Metadata
	if md == nil {
		md = map[string]string{}
	}

	currency := payload.Currency
	if currency == "" {
		currency = "eur"
	}

	platformFee, _ := strconv.ParseInt(md["commission_cents"], 10, 64)

	var groupIDs []string
	if raw := md["groupe_ids"]; raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				groupIDs = append(groupIDs, id)
			}
		}
	}

	return &ProcessorFacts{
		SessionID:          payload.ID,
		Settled:            payload.PaymentStatus == "paid" || payload.PaymentIntent.Status == "succeeded",
		Gross:              payload.AmountTotal,
		Currency:           currency,
		ChargeID:           payload.PaymentIntent.LatestCharge,
		PaymentIntentID:    payload.PaymentIntent.ID,
		DestinationAccount: md["destination_account"],
		PlatformFee:        platformFee,
		ProcessorFee:       payload.ProcessingFee,
		CourseID:           md["course_id"],
		OrganizerID:        md["organisateur_id"],
		RegistrationID:     md["inscription_id"],
		GroupIDs:           groupIDs,
		ReceiptEmail:       md["email"],
	}
}

// GetAccount retourne l'éligibilité de reversement d'un compte connecté.
func (p *RestProcessor) GetAccount(ctx context.Context, accountID string) (*ConnectedAccount, error) {
	var account ConnectedAccount
	resp, err := p.client.R().
		SetContext(ctx).
		SetResult(&account).
		Get("/v1/accounts/" + accountID)
	if err != nil {
		return nil, fmt.Errorf("processor account lookup: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("processor account lookup: status %d", resp.StatusCode())
	}
	return &account, nil
}

type transferPayload struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// CreateTransfer demande un transfert de fonds vers le compte connecté.
func (p *RestProcessor) CreateTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	var payload transferPayload
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&payload).
		Post("/v1/transfers")
	if err != nil {
		return nil, fmt.Errorf("processor transfer: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("processor transfer: status %d", resp.StatusCode())
	}
	return &TransferResult{TransferID: payload.ID, Amount: payload.Amount}, nil
}

type refundPayload struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// CreateRefund émet un remboursement partiel contre la charge d'origine.
func (p *RestProcessor) CreateRefund(ctx context.Context, chargeID string, amount int64) (*RefundResult, error) {
	var payload refundPayload
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(map[string]any{"charge": chargeID, "amount": amount}).
		SetResult(&payload).
		Post("/v1/refunds")
	if err != nil {
		return nil, fmt.Errorf("processor refund: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("processor refund: status %d", resp.StatusCode())
	}
	return &RefundResult{RefundID: payload.ID}, nil
}

const (
	// SignatureHeader porte la signature des webhooks du prestataire.
	SignatureHeader = "Processor-Signature"

	signatureTolerance = 5 * time.Minute
)

// VerifyWebhookSignature vérifie l'en-tête `t=<unix>,v1=<hex>` contre le
// secret partagé. Le HMAC couvre `<t>.<corps brut>`; une horodate hors
// tolérance rejette la livraison.
func VerifyWebhookSignature(payload []byte, header, secret string, now time.Time) error {
	if header == "" {
		return ErrInvalidSignature
	}

	var ts int64
	var sig string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			ts, _ = strconv.ParseInt(value, 10, 64)
		case "v1":
			sig = value
		}
	}
	if ts == 0 || sig == "" {
		return ErrInvalidSignature
	}

	if drift := now.Unix() - ts; drift > int64(signatureTolerance.Seconds()) || drift < -int64(signatureTolerance.Seconds()) {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)

	got, err := hex.DecodeString(sig)
	if err != nil || !hmac.Equal(mac.Sum(nil), got) {
		return ErrInvalidSignature
	}
	return nil
}

// Types d'événements webhook pris en charge.
const (
	EventCheckoutSessionCompleted = "checkout.session.completed"
	EventPaymentIntentSucceeded   = "payment_intent.succeeded"
)

// WebhookEvent est l'enveloppe d'un événement signé du prestataire.
type WebhookEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// ParseWebhookEvent décode l'enveloppe après vérification de signature.
func ParseWebhookEvent(body []byte) (*WebhookEvent, error) {
	var event WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("decoding webhook event: %w", err)
	}
	return &event, nil
}

// SessionID extrait l'identifiant de session de l'objet de l'événement,
// quel que soit le type porteur.
func (e *WebhookEvent) SessionID() string {
	switch e.Type {
	case EventCheckoutSessionCompleted:
		var object struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(e.Data.Object, &object); err != nil {
			return ""
		}
		return object.ID
	case EventPaymentIntentSucceeded:
		var object struct {
			Metadata map[string]string `json:"metadata"`
		}
		if err := json.Unmarshal(e.Data.Object, &object); err != nil {
			return ""
		}
		return object.Metadata["session_id"]
	default:
		return ""
	}
}
