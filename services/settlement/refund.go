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

// RefundOutcome porte le résultat d'une demande de remboursement.
// AlreadyIssued signale qu'un avoir existait déjà: même refund_id, aucun
// nouveau débit.
type RefundOutcome struct {
	RefundID      string `json:"refund_id"`
	RefundedCents int64  `json:"refunded_cents"`
	AlreadyIssued bool   `json:"deja_rembourse"`
}

// RefundUseCase calcule l'avoir d'annulation dégressif et émet le
// remboursement contre la charge d'origine.
type RefundUseCase struct {
	repository Repository
	processor  Processor
	refunds    metric.Int64Counter
}

func NewRefundUseCase(repository Repository, processor Processor, refunds metric.Int64Counter) *RefundUseCase {
	return &RefundUseCase{
		repository: repository,
		processor:  processor,
		refunds:    refunds,
	}
}

// ComputeCredit applique le barème d'annulation à une inscription, relative à
// la date d'épreuve de sa course. Un échec de lecture de la course remonte tel
// quel: sans date d'épreuve fiable, aucun palier n'est décidable.
func (uc *RefundUseCase) ComputeCredit(ctx context.Context, registrationID string, now time.Time) (*Credit, error) {
	registration, err := uc.repository.GetRegistration(ctx, registrationID)
	if err != nil {
		return nil, err
	}

	course, err := uc.repository.GetCourse(ctx, registration.CourseID)
	if err != nil {
		return nil, fmt.Errorf("course lookup for refund schedule: %w", err)
	}

	credit := CreditForCancellation(registration.AmountCents, registration.NonRefundableFeeCents, course.EventDate, now)
	return &credit, nil
}

// IssueRefund annule une inscription et rembourse l'avoir calculé. L'appelant
// doit posséder l'inscription (ou être admin). Rejouable: un avoir déjà doté
// d'un refund_id est retourné tel quel, sans nouveau remboursement.
func (uc *RefundUseCase) IssueRefund(ctx context.Context, registrationID, callerID string, isAdmin bool) (*RefundOutcome, error) {
	registration, err := uc.repository.GetRegistration(ctx, registrationID)
	if err != nil {
		return nil, err
	}
	if !isAdmin && registration.RunnerID != callerID {
		return nil, ErrForbidden
	}

	payment, err := uc.repository.GetPaymentByRegistration(ctx, registrationID)
	if errors.Is(err, ErrPaymentNotFound) {
		return nil, ErrNoChargeFound
	}
	if err != nil {
		return nil, err
	}
	if payment.ChargeID == "" {
		return nil, ErrNoChargeFound
	}

	credit, err := uc.ComputeCredit(ctx, registrationID, time.Now())
	if err != nil {
		return nil, err
	}
	if credit.RefundAmount <= 0 {
		return nil, ErrNonRefundable
	}

	tx, err := uc.repository.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting refund transaction: %w", err)
	}
	defer tx.Rollback()

	// Verrou du paiement: sérialise ce remboursement contre le worker de
	// reversement qui partage le même plafond
	locked, err := uc.repository.GetPaymentForUpdate(ctx, tx, payment.ID)
	if err != nil {
		return nil, err
	}

	existing, err := uc.repository.GetCreditByRegistration(ctx, tx, registrationID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.RefundID != "" {
		return uc.convergeIssued(ctx, tx, locked, registrationID, existing)
	}

	// Plafond vérifié avant tout mouvement de fonds: le verrou tenu sur le
	// paiement garantit qu'aucun reversement concurrent ne réduit la marge
	// entre cette lecture et le commit
	netTotal, err := uc.repository.NetTotal(ctx, tx, locked.ID)
	if err != nil {
		return nil, err
	}
	transferred, err := uc.repository.TransferredTotal(ctx, tx, locked.ID)
	if err != nil {
		return nil, err
	}
	if credit.RefundAmount > netTotal-transferred {
		return nil, ErrCeilingExceeded
	}

	result, err := uc.processor.CreateRefund(ctx, locked.ChargeID, credit.RefundAmount)
	if err != nil {
		return nil, fmt.Errorf("processor refund: %w", err)
	}

	record := &CancellationCredit{
		ID:             uuid.New().String(),
		RegistrationID: registrationID,
		PaymentID:      locked.ID,
		Tier:           credit.Tier,
		Percent:        credit.Percent,
		RefundedAmount: credit.RefundAmount,
		NonRefundable:  credit.NonRefundableAmount,
		RefundID:       result.RefundID,
	}
	// Hors transaction: l'avoir portant le refund_id doit survivre à un
	// rollback des écritures comptables, c'est lui qui empêche un second
	// débit au rejeu
	if err := uc.repository.SaveCredit(ctx, nil, record); err != nil {
		return nil, fmt.Errorf("persisting credit for refund %s: %w", result.RefundID, err)
	}

	entry := NewLedgerEntry(LedgerSourceCredits, record.ID, LedgerEventRefund, locked,
		-credit.RefundAmount, fmt.Sprintf("Remboursement inscription %s (%s %d%%)",
			registrationID, credit.Tier, credit.Percent))
	entry.Gross = -credit.RefundAmount
	if _, err := uc.repository.AppendLedgerEntry(ctx, tx, entry); err != nil {
		return nil, err
	}

	if err := uc.repository.IncrementRefunded(ctx, tx, locked.ID, credit.RefundAmount); err != nil {
		return nil, err
	}
	if err := uc.repository.MarkRegistrationCancelled(ctx, tx, registrationID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing refund: %w", err)
	}

	bump(ctx, uc.refunds, 1)
	slog.Info("refund issued", "inscription_id", registrationID, "paiement_id", locked.ID,
		"montant", credit.RefundAmount, "refund_id", result.RefundID)

	return &RefundOutcome{RefundID: result.RefundID, RefundedCents: credit.RefundAmount}, nil
}

// convergeIssued rejoue les écritures comptables d'un avoir déjà débité chez
// le prestataire: si la transaction d'origine a échoué après le remboursement,
// l'entrée ledger et le miroir manquent encore. L'append à clé unique rend le
// rejeu sans effet quand tout était déjà passé.
func (uc *RefundUseCase) convergeIssued(ctx context.Context, tx Tx, locked *PaymentRecord, registrationID string, existing *CancellationCredit) (*RefundOutcome, error) {
	entry := NewLedgerEntry(LedgerSourceCredits, existing.ID, LedgerEventRefund, locked,
		-existing.RefundedAmount, fmt.Sprintf("Remboursement inscription %s (%s %d%%)",
			registrationID, existing.Tier, existing.Percent))
	entry.Gross = -existing.RefundedAmount

	inserted, err := uc.repository.AppendLedgerEntry(ctx, tx, entry)
	if err != nil {
		return nil, err
	}
	if inserted {
		if err := uc.repository.IncrementRefunded(ctx, tx, locked.ID, existing.RefundedAmount); err != nil {
			return nil, err
		}
	}
	if err := uc.repository.MarkRegistrationCancelled(ctx, tx, registrationID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing refund convergence: %w", err)
	}

	slog.Warn("refund already issued, returning existing",
		"inscription_id", registrationID, "refund_id", existing.RefundID)
	return &RefundOutcome{
		RefundID:      existing.RefundID,
		RefundedCents: existing.RefundedAmount,
		AlreadyIssued: true,
	}, nil
}
