package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
)

const defaultBatchLimit = 20

// ManualPayout est le résultat d'un reversement déclenché par un opérateur.
type ManualPayout struct {
	TransferID string `json:"transfer_id"`
	Amount     int64  `json:"montant_cents"`
	PaymentID  string `json:"paiement_id"`
}

// ManualPayoutRequest cible un paiement directement ou via une inscription.
type ManualPayoutRequest struct {
	PaymentID      string
	RegistrationID string
	AmountEUR      int64
}

// TransferUseCase exécute les reversements: lot planifié et déclenchement
// manuel. Chaque obligation est isolée, un échec n'avorte pas le lot.
type TransferUseCase struct {
	repository Repository
	processor  Processor
	transfers  metric.Int64Counter
}

func NewTransferUseCase(repository Repository, processor Processor, transfers metric.Int64Counter) *TransferUseCase {
	return &TransferUseCase{
		repository: repository,
		processor:  processor,
		transfers:  transfers,
	}
}

// RunBatch traite les obligations échues. Retourne le nombre d'obligations
// réclamées et menées à un statut terminal pendant ce passage.
func (uc *TransferUseCase) RunBatch(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultBatchLimit
	}

	due, err := uc.repository.DueObligations(ctx, time.Now(), limit)
	if err != nil {
		return 0, fmt.Errorf("listing due obligations: %w", err)
	}

	processed := 0
	for _, obligation := range due {
		claimed, err := uc.repository.ClaimObligation(ctx, obligation.ID)
		if err != nil {
			slog.Error("obligation claim failed", "reversement_id", obligation.ID, "error", err)
			continue
		}
		if !claimed {
			// Un autre worker a gagné la réclamation
			continue
		}

		if uc.processObligation(ctx, obligation) {
			processed++
		}
	}

	return processed, nil
}

// processObligation mène une obligation réclamée à un statut terminal. Les
// échecs structurels deviennent blocked/failed; les échecs transitoires avant
// tout mouvement de fonds repassent l'obligation à scheduled. Retourne true
// seulement quand un statut terminal a été atteint.
func (uc *TransferUseCase) processObligation(ctx context.Context, obligation *PayoutObligation) bool {
	fail := func(status, reason string) {
		if err := uc.repository.MarkObligationStatus(ctx, obligation.ID, status, reason); err != nil {
			slog.Error("obligation status update failed", "reversement_id", obligation.ID, "error", err)
		}
	}

	payment, err := uc.repository.GetPayment(ctx, obligation.PaymentID)
	if err != nil {
		fail(ObligationStatusFailed, fmt.Sprintf("paiement introuvable: %v", err))
		return true
	}

	if payment.DestinationAccount == "" {
		slog.Warn("obligation blocked, no destination account",
			"reversement_id", obligation.ID, "paiement_id", payment.ID)
		fail(ObligationStatusBlocked, "destination_manquante")
		return true
	}

	account, err := uc.processor.GetAccount(ctx, payment.DestinationAccount)
	if err != nil {
		// Transitoire: aucun fonds n'a bougé, le prochain passage réessaiera
		slog.Warn("account lookup failed, rescheduling", "reversement_id", obligation.ID, "error", err)
		fail(ObligationStatusScheduled, fmt.Sprintf("account lookup: %v", err))
		return false
	}
	if !account.PayoutsEnabled {
		fail(ObligationStatusBlocked, "reversements_desactives")
		return true
	}

	tx, err := uc.repository.BeginTx(ctx)
	if err != nil {
		fail(ObligationStatusScheduled, fmt.Sprintf("begin tx: %v", err))
		return false
	}
	defer tx.Rollback()

	// Le verrou sur le paiement tient pendant l'appel de transfert: un
	// remboursement concurrent ne peut pas réduire le plafond sous nos pieds
	locked, err := uc.repository.GetPaymentForUpdate(ctx, tx, obligation.PaymentID)
	if err != nil {
		fail(ObligationStatusScheduled, fmt.Sprintf("lock payment: %v", err))
		return false
	}

	netTotal, err := uc.repository.NetTotal(ctx, tx, locked.ID)
	if err != nil {
		fail(ObligationStatusScheduled, fmt.Sprintf("net total: %v", err))
		return false
	}
	transferred, err := uc.repository.TransferredTotal(ctx, tx, locked.ID)
	if err != nil {
		fail(ObligationStatusScheduled, fmt.Sprintf("transferred total: %v", err))
		return false
	}

	amount, err := TrancheAmount(obligation.Tranche, netTotal, transferred)
	if err != nil {
		fail(ObligationStatusFailed, err.Error())
		return true
	}
	if amount <= 0 {
		reason := "deja_entierement_verse"
		if netTotal <= 0 {
			reason = "net_nul_apres_remboursements"
		}
		slog.Info("obligation skipped", "reversement_id", obligation.ID, "reason", reason)
		fail(ObligationStatusSkipped, reason)
		return true
	}

	result, err := uc.processor.CreateTransfer(ctx, TransferRequest{
		Amount:        amount,
		Currency:      obligation.Currency,
		Destination:   locked.DestinationAccount,
		SourceCharge:  locked.ChargeID,
		TransferGroup: "course:" + obligation.CourseID,
		Description:   fmt.Sprintf("Reversement tranche %d", obligation.Tranche),
	})
	if err != nil {
		// Pas de nouvel essai automatique: un failed ne repart que via la
		// replanification opérateur, pour garder les mouvements visibles
		slog.Error("transfer failed", "reversement_id", obligation.ID, "error", err)
		fail(ObligationStatusFailed, err.Error())
		return true
	}

	entry := NewLedgerEntry(LedgerSourceObligations, obligation.ID, LedgerEventTransfer, locked,
		amount, fmt.Sprintf("Reversement tranche %d", obligation.Tranche))

	inserted, err := uc.repository.AppendLedgerEntry(ctx, tx, entry)
	if err != nil {
		fail(ObligationStatusFailed, fmt.Sprintf("transfert %s execute mais ledger en echec: %v", result.TransferID, err))
		return true
	}
	if inserted {
		if err := uc.repository.IncrementTransferred(ctx, tx, locked.ID, amount); err != nil {
			fail(ObligationStatusFailed, fmt.Sprintf("transfert %s execute mais plafond refuse: %v", result.TransferID, err))
			return true
		}
	}
	if err := uc.repository.MarkObligationPaid(ctx, tx, obligation.ID, result.TransferID, amount); err != nil {
		fail(ObligationStatusFailed, fmt.Sprintf("transfert %s execute mais statut non persiste: %v", result.TransferID, err))
		return true
	}

	if err := tx.Commit(); err != nil {
		fail(ObligationStatusFailed, fmt.Sprintf("transfert %s execute mais commit en echec: %v", result.TransferID, err))
		return true
	}

	bump(ctx, uc.transfers, 1)
	slog.Info("obligation paid", "reversement_id", obligation.ID, "tranche", obligation.Tranche,
		"montant", amount, "transfer_id", result.TransferID)
	return true
}

// TriggerManualPayout verse le restant transférable d'un paiement, borné par
// montant_eur quand l'opérateur le fournit.
func (uc *TransferUseCase) TriggerManualPayout(ctx context.Context, req ManualPayoutRequest) (*ManualPayout, error) {
	var payment *PaymentRecord
	var err error
	switch {
	case req.PaymentID != "":
		payment, err = uc.repository.GetPayment(ctx, req.PaymentID)
	case req.RegistrationID != "":
		payment, err = uc.repository.GetPaymentByRegistration(ctx, req.RegistrationID)
	default:
		return nil, fmt.Errorf("paiement_id ou inscription_id requis")
	}
	if err != nil {
		return nil, err
	}

	if payment.DestinationAccount == "" {
		return nil, ErrMissingDestination
	}

	// Même éligibilité que le lot planifié: un compte aux reversements
	// désactivés ne reçoit pas de fonds, même à la main
	account, err := uc.processor.GetAccount(ctx, payment.DestinationAccount)
	if err != nil {
		return nil, fmt.Errorf("processor account lookup: %w", err)
	}
	if !account.PayoutsEnabled {
		return nil, ErrPayoutsDisabled
	}

	tx, err := uc.repository.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting payout transaction: %w", err)
	}
	defer tx.Rollback()

	locked, err := uc.repository.GetPaymentForUpdate(ctx, tx, payment.ID)
	if err != nil {
		return nil, err
	}

	netTotal, err := uc.repository.NetTotal(ctx, tx, locked.ID)
	if err != nil {
		return nil, err
	}
	transferred, err := uc.repository.TransferredTotal(ctx, tx, locked.ID)
	if err != nil {
		return nil, err
	}

	amount := netTotal - transferred
	if req.AmountEUR > 0 {
		if capped := req.AmountEUR * 100; capped < amount {
			amount = capped
		}
	}
	if amount <= 0 {
		return nil, ErrNothingToTransfer
	}

	result, err := uc.processor.CreateTransfer(ctx, TransferRequest{
		Amount:        amount,
		Currency:      locked.Currency,
		Destination:   locked.DestinationAccount,
		SourceCharge:  locked.ChargeID,
		TransferGroup: "course:" + locked.CourseID,
		Description:   "Reversement manuel",
	})
	if err != nil {
		return nil, fmt.Errorf("processor transfer: %w", err)
	}

	entry := NewLedgerEntry(LedgerSourceManualTransfers, uuid.New().String(), LedgerEventTransfer,
		locked, amount, "Reversement manuel")
	if _, err := uc.repository.AppendLedgerEntry(ctx, tx, entry); err != nil {
		return nil, err
	}
	if err := uc.repository.IncrementTransferred(ctx, tx, locked.ID, amount); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing manual payout: %w", err)
	}

	bump(ctx, uc.transfers, 1)
	slog.Info("manual payout executed", "paiement_id", locked.ID, "montant", amount,
		"transfer_id", result.TransferID)

	return &ManualPayout{TransferID: result.TransferID, Amount: amount, PaymentID: locked.ID}, nil
}

// Requeue replanifie une obligation failed|blocked (chemin opérateur).
func (uc *TransferUseCase) Requeue(ctx context.Context, obligationID string) (bool, error) {
	return uc.repository.RequeueObligation(ctx, obligationID)
}
