package main

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// SettlementHandler contient les handlers HTTP du service de règlement.
type SettlementHandler struct {
	reconcile     *ReconcileUseCase
	transfers     *TransferUseCase
	refunds       *RefundUseCase
	webhookSecret string
	tracer        trace.Tracer
}

func NewSettlementHandler(
	reconcile *ReconcileUseCase,
	transfers *TransferUseCase,
	refunds *RefundUseCase,
	webhookSecret string,
	tracer trace.Tracer,
) *SettlementHandler {
	return &SettlementHandler{
		reconcile:     reconcile,
		transfers:     transfers,
		refunds:       refunds,
		webhookSecret: webhookSecret,
		tracer:        tracer,
	}
}

// HandleProcessorWebhook reçoit les événements signés du prestataire.
// Signature vérifiée avant tout décodage du payload.
func (h *SettlementHandler) HandleProcessorWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	if err := VerifyWebhookSignature(body, c.GetHeader(SignatureHeader), h.webhookSecret, time.Now()); err != nil {
		slog.Warn("webhook signature rejected", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
		return
	}

	event, err := ParseWebhookEvent(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed event"})
		return
	}

	ctx, span := h.tracer.Start(c.Request.Context(), "processor_webhook")
	defer span.End()
	span.SetAttributes(
		attribute.String("event_id", event.ID),
		attribute.String("event_type", event.Type),
	)

	switch event.Type {
	case EventCheckoutSessionCompleted, EventPaymentIntentSucceeded:
		sessionID := event.SessionID()
		if sessionID == "" {
			slog.Warn("webhook event without session id", "event_id", event.ID, "type", event.Type)
			c.JSON(http.StatusOK, gin.H{"received": true, "ignored": true})
			return
		}

		result, err := h.reconcile.Finalize(ctx, sessionID, true)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "session inconnue"})
				return
			}
			// 5xx: le prestataire relivrera l'événement
			slog.Error("webhook reconciliation failed", "session_id", sessionID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"received": true, "paid": result.Paid})
	default:
		c.JSON(http.StatusOK, gin.H{"received": true, "ignored": true})
	}
}

type confirmPaymentRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	SendEmail bool   `json:"send_email"`
}

// ConfirmPayment est la confirmation côté client au retour du checkout. Même
// machine idempotente que le webhook.
func (h *SettlementHandler) ConfirmPayment(c *gin.Context) {
	var req confirmPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, span := h.tracer.Start(c.Request.Context(), "confirm_payment")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", req.SessionID))

	result, err := h.reconcile.Finalize(ctx, req.SessionID, req.SendEmail)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session inconnue"})
			return
		}
		slog.Error("confirmation failed", "session_id", req.SessionID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "confirmation failed"})
		return
	}

	c.JSON(http.StatusOK, result)
}

type runBatchRequest struct {
	Limit int `json:"limit"`
}

// RunTransferBatch est invoqué par l'ordonnanceur externe.
func (h *SettlementHandler) RunTransferBatch(c *gin.Context) {
	var req runBatchRequest
	// Corps optionnel
	_ = c.ShouldBindJSON(&req)

	ctx, span := h.tracer.Start(c.Request.Context(), "transfer_batch")
	defer span.End()

	processed, err := h.transfers.RunBatch(ctx, req.Limit)
	if err != nil {
		slog.Error("transfer batch failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "batch failed"})
		return
	}

	span.SetAttributes(attribute.Int("processed", processed))
	c.JSON(http.StatusOK, gin.H{"processed": processed})
}

type payoutTriggerRequest struct {
	PaymentID      string `json:"paiement_id"`
	RegistrationID string `json:"inscription_id"`
	AmountEUR      int64  `json:"montant_eur"`
}

// TriggerPayout déclenche un reversement manuel (opérateur).
func (h *SettlementHandler) TriggerPayout(c *gin.Context) {
	var req payoutTriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.PaymentID == "" && req.RegistrationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "paiement_id ou inscription_id requis"})
		return
	}

	ctx, span := h.tracer.Start(c.Request.Context(), "manual_payout")
	defer span.End()

	payout, err := h.transfers.TriggerManualPayout(ctx, ManualPayoutRequest{
		PaymentID:      req.PaymentID,
		RegistrationID: req.RegistrationID,
		AmountEUR:      req.AmountEUR,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrPaymentNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "paiement introuvable"})
		case errors.Is(err, ErrNothingToTransfer):
			c.JSON(http.StatusConflict, gin.H{"error": "rien_a_transferer"})
		case errors.Is(err, ErrMissingDestination):
			c.JSON(http.StatusConflict, gin.H{"error": "destination_manquante"})
		case errors.Is(err, ErrPayoutsDisabled):
			c.JSON(http.StatusConflict, gin.H{"error": "reversements_desactives"})
		default:
			slog.Error("manual payout failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "reversement en echec"})
		}
		return
	}

	c.JSON(http.StatusOK, payout)
}

// RequeueObligation repasse une obligation failed|blocked à scheduled.
func (h *SettlementHandler) RequeueObligation(c *gin.Context) {
	obligationID := c.Param("id")

	requeued, err := h.transfers.Requeue(c.Request.Context(), obligationID)
	if err != nil {
		slog.Error("requeue failed", "reversement_id", obligationID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "replanification en echec"})
		return
	}
	if !requeued {
		c.JSON(http.StatusConflict, gin.H{"error": "statut_incompatible"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"replanifie": true})
}

// RequestRefund annule l'inscription de l'appelant et rembourse l'avoir.
func (h *SettlementHandler) RequestRefund(c *gin.Context) {
	registrationID := c.Param("id")
	callerID := c.GetString(ctxKeyCallerID)
	isAdmin := c.GetString(ctxKeyCallerRole) == roleAdmin

	ctx, span := h.tracer.Start(c.Request.Context(), "refund_registration")
	defer span.End()
	span.SetAttributes(attribute.String("inscription_id", registrationID))

	outcome, err := h.refunds.IssueRefund(ctx, registrationID, callerID, isAdmin)
	if err != nil {
		switch {
		case errors.Is(err, ErrRegistrationNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "inscription introuvable"})
		case errors.Is(err, ErrForbidden):
			c.JSON(http.StatusForbidden, gin.H{"error": "inscription non detenue"})
		case errors.Is(err, ErrNoChargeFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "aucun_paiement"})
		case errors.Is(err, ErrNonRefundable):
			c.JSON(http.StatusConflict, gin.H{"error": "fenetre_non_remboursable"})
		case errors.Is(err, ErrCeilingExceeded):
			c.JSON(http.StatusConflict, gin.H{"error": "plafond_depasse"})
		default:
			slog.Error("refund failed", "inscription_id", registrationID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "remboursement en echec"})
		}
		return
	}

	c.JSON(http.StatusOK, outcome)
}

// HealthCheck répond à la sonde de vivacité.
func (h *SettlementHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}
