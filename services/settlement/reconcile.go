package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
)

// bump incrémente un compteur optionnel (nil en test).
func bump(ctx context.Context, counter metric.Int64Counter, n int64) {
	if counter != nil {
		counter.Add(ctx, n)
	}
}

// Summary résume un paiement réconcilié pour l'appelant.
type Summary struct {
	PaymentID       string   `json:"paiement_id"`
	SessionID       string   `json:"session_id"`
	Gross           int64    `json:"montant_total"`
	PlatformFee     int64    `json:"commission_plateforme"`
	ProcessorFee    int64    `json:"frais_processeur"`
	Currency        string   `json:"devise"`
	RegistrationIDs []string `json:"inscription_ids"`
	GroupIDs        []string `json:"groupe_ids"`
}

// FinalizeResult est le résultat de Finalize: paid=false signifie "pas encore
// réglé chez le prestataire", sans aucune écriture.
type FinalizeResult struct {
	Paid    bool     `json:"paid"`
	Summary *Summary `json:"summary,omitempty"`
}

// ReconcileUseCase fait converger webhook et confirmation client vers le même
// état final: les deux déclencheurs exécutent la même machine idempotente.
type ReconcileUseCase struct {
	repository      Repository
	processor       Processor
	mailer          Mailer
	releaseDelayT1  time.Duration
	releaseDelayT2  time.Duration
	reconciliations metric.Int64Counter
}

func NewReconcileUseCase(
	repository Repository,
	processor Processor,
	mailer Mailer,
	releaseDelayT1, releaseDelayT2 time.Duration,
	reconciliations metric.Int64Counter,
) *ReconcileUseCase {
	return &ReconcileUseCase{
		repository:      repository,
		processor:       processor,
		mailer:          mailer,
		releaseDelayT1:  releaseDelayT1,
		releaseDelayT2:  releaseDelayT2,
		reconciliations: reconciliations,
	}
}

// Finalize vérifie le règlement d'une session checkout et applique toutes les
// transitions de paiement. Appelable deux fois (webhook + retour client) sans
// double écriture: transitions en ensemble, ledger à clé unique, tranches à
// contrainte unique.
func (uc *ReconcileUseCase) Finalize(ctx context.Context, sessionID string, sendReceipt bool) (*FinalizeResult, error) {
	// 1. État autoritatif chez le prestataire, pas le payload du webhook
	facts, err := uc.processor.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if !facts.Settled {
		slog.Info("session not settled yet, no writes", "session_id", sessionID)
		return &FinalizeResult{Paid: false}, nil
	}

	// 2. Résolution des inscriptions couvertes: priorité au paiement déjà
	// enregistré, sinon dérivation depuis les métadonnées de session
	registrationIDs, err := uc.resolveRegistrations(ctx, facts)
	if err != nil {
		return nil, err
	}
	if len(registrationIDs) == 0 {
		return nil, fmt.Errorf("session %s resolves to no registrations", sessionID)
	}

	tx, err := uc.repository.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting reconciliation transaction: %w", err)
	}
	defer tx.Rollback()

	record := &PaymentRecord{
		ID:                 uuid.New().String(),
		SessionID:          facts.SessionID,
		ChargeID:           facts.ChargeID,
		DestinationAccount: facts.DestinationAccount,
		CourseID:           facts.CourseID,
		OrganizerID:        facts.OrganizerID,
		RegistrationIDs:    registrationIDs,
		GrossAmount:        facts.Gross,
		PlatformFee:        facts.PlatformFee,
		ProcessorFee:       facts.ProcessorFee,
		Currency:           facts.Currency,
	}

	saved, err := uc.repository.UpsertPaymentPaid(ctx, tx, record)
	if err != nil {
		return nil, fmt.Errorf("upserting payment: %w", err)
	}

	if err := uc.repository.MarkRegistrationsPaid(ctx, tx, registrationIDs); err != nil {
		return nil, err
	}
	if err := uc.repository.ConfirmPendingOptions(ctx, tx, registrationIDs); err != nil {
		return nil, err
	}
	if len(facts.GroupIDs) > 0 {
		if err := uc.repository.MarkGroupsPaid(ctx, tx, facts.GroupIDs); err != nil {
			return nil, err
		}
	}

	entry := NewLedgerEntry(LedgerSourcePayments, saved.ID, LedgerEventSettlement, saved,
		saved.GrossAmount-saved.PlatformFee-saved.ProcessorFee,
		fmt.Sprintf("Encaissement session %s", facts.SessionID))
	entry.Gross = saved.GrossAmount
	entry.PlatformFee = saved.PlatformFee
	entry.ProcessorFee = saved.ProcessorFee

	inserted, err := uc.repository.AppendLedgerEntry(ctx, tx, entry)
	if err != nil {
		return nil, err
	}

	if err := uc.schedulePayouts(ctx, tx, saved); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing reconciliation: %w", err)
	}

	if inserted {
		bump(ctx, uc.reconciliations, 1)
		slog.Info("payment reconciled", "session_id", sessionID, "paiement_id", saved.ID,
			"inscriptions", len(registrationIDs), "net", entry.Net)
	} else {
		slog.Info("payment already reconciled, writes converged", "session_id", sessionID)
	}

	// 3. Reçu best-effort: un échec d'email ne fait pas échouer le règlement
	if sendReceipt && facts.ReceiptEmail != "" {
		receipt := ReceiptData{
			To:                facts.ReceiptEmail,
			SessionID:         facts.SessionID,
			AmountCents:       facts.Gross,
			Currency:          facts.Currency,
			RegistrationCount: len(registrationIDs),
		}
		if err := uc.mailer.SendPaymentReceipt(ctx, receipt); err != nil {
			slog.Warn("receipt email failed", "session_id", sessionID, "error", err)
		}
	}

	return &FinalizeResult{
		Paid: true,
		Summary: &Summary{
			PaymentID:       saved.ID,
			SessionID:       saved.SessionID,
			Gross:           saved.GrossAmount,
			PlatformFee:     saved.PlatformFee,
			ProcessorFee:    saved.ProcessorFee,
			Currency:        saved.Currency,
			RegistrationIDs: registrationIDs,
			GroupIDs:        facts.GroupIDs,
		},
	}, nil
}

func (uc *ReconcileUseCase) resolveRegistrations(ctx context.Context, facts *ProcessorFacts) ([]string, error) {
	existing, err := uc.repository.GetPaymentBySession(ctx, facts.SessionID)
	if err != nil && !errors.Is(err, ErrPaymentNotFound) {
		return nil, err
	}
	if existing != nil && len(existing.RegistrationIDs) > 0 {
		return existing.RegistrationIDs, nil
	}

	if facts.RegistrationID != "" {
		return []string{facts.RegistrationID}, nil
	}
	if len(facts.GroupIDs) > 0 {
		return uc.repository.ListGroupRegistrationIDs(ctx, facts.GroupIDs)
	}
	return nil, nil
}

// schedulePayouts crée les deux tranches: la première peu après encaissement,
// la seconde après la fenêtre de rétention calée sur la date d'épreuve.
func (uc *ReconcileUseCase) schedulePayouts(ctx context.Context, tx Tx, payment *PaymentRecord) error {
	now := time.Now()
	dueT1 := now.Add(uc.releaseDelayT1)
	dueT2 := now.Add(uc.releaseDelayT2)

	if payment.CourseID != "" {
		course, err := uc.repository.GetCourse(ctx, payment.CourseID)
		if err != nil {
			slog.Warn("course lookup failed, tranche 2 falls back to settlement date",
				"course_id", payment.CourseID, "error", err)
		} else if !course.EventDate.IsZero() {
			dueT2 = course.EventDate.Add(uc.releaseDelayT2)
		}
	}

	obligations := []*PayoutObligation{
		NewPayoutObligation(payment, 1, dueT1),
		NewPayoutObligation(payment, 2, dueT2),
	}
	return uc.repository.CreateObligations(ctx, tx, obligations)
}
