package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSessionNotFound      = errors.New("session not found at processor")
	ErrPaymentNotFound      = errors.New("payment not found")
	ErrRegistrationNotFound = errors.New("registration not found")
	ErrNoChargeFound        = errors.New("no settled charge found for registration")
	ErrNothingToTransfer    = errors.New("rien a transferer")
	ErrMissingDestination   = errors.New("destination manquante")
	ErrPayoutsDisabled      = errors.New("reversements desactives pour ce compte")
	ErrNonRefundable        = errors.New("cancellation inside the non-refundable window")
	ErrForbidden            = errors.New("caller does not own this registration")
	ErrCeilingExceeded      = errors.New("transfer would exceed the net available for this payment")
	ErrInvalidSignature     = errors.New("invalid webhook signature")
)

// Statuts de paiement
const (
	PaymentStatusPending  = "en_attente"
	PaymentStatusPaid     = "paye"
	PaymentStatusRefunded = "rembourse"
	PaymentStatusFailed   = "echoue"
)

// Statuts d'inscription (colonne maintenue par la couche CRUD, on ne touche
// que la transition vers paye / annule)
const (
	RegistrationStatusPending   = "en attente"
	RegistrationStatusPaid      = "paye"
	RegistrationStatusCancelled = "annule"
	RegistrationStatusRejected  = "refuse"
)

// Statuts d'option
const (
	OptionStatusPending   = "en attente"
	OptionStatusConfirmed = "confirme"
)

// Statuts de reversement (PayoutObligation)
const (
	ObligationStatusScheduled  = "scheduled"
	ObligationStatusProcessing = "processing"
	ObligationStatusPaid       = "paid"
	ObligationStatusBlocked    = "blocked"
	ObligationStatusSkipped    = "skipped"
	ObligationStatusFailed     = "failed"
)

// Ledger
const (
	LedgerStatusConfirmed = "confirmed"
	LedgerStatusVoid      = "void"

	LedgerEventSettlement = "encaissement"
	LedgerEventRefund     = "remboursement"
	LedgerEventTransfer   = "reversement"

	LedgerSourcePayments        = "paiements"
	LedgerSourceObligations     = "reversements"
	LedgerSourceManualTransfers = "reversements_manuels"
	LedgerSourceCredits         = "avoirs"
)

// PaymentRecord suit un checkout du processeur: identifiants, montants et les
// compteurs miroirs verse/rembourse. Les miroirs sont rafraîchis dans la même
// transaction que chaque écriture ledger et ne servent jamais d'entrée à une
// décision financière.
type PaymentRecord struct {
	ID                 string    `json:"id" db:"id"`
	SessionID          string    `json:"session_id" db:"session_id"`
	ChargeID           string    `json:"charge_id" db:"charge_id"`
	DestinationAccount string    `json:"destination_account" db:"destination_account"`
	CourseID           string    `json:"course_id" db:"course_id"`
	OrganizerID        string    `json:"organisateur_id" db:"organisateur_id"`
	RegistrationIDs    []string  `json:"inscription_ids" db:"inscription_ids"`
	GrossAmount        int64     `json:"montant_total" db:"montant_total"`
	PlatformFee        int64     `json:"commission_plateforme" db:"commission_plateforme"`
	ProcessorFee       int64     `json:"frais_processeur" db:"frais_processeur"`
	TransferredTotal   int64     `json:"total_verse" db:"total_verse"`
	RefundedTotal      int64     `json:"total_rembourse" db:"total_rembourse"`
	Currency           string    `json:"devise" db:"devise"`
	Status             string    `json:"statut" db:"statut"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time `json:"updated_at" db:"updated_at"`
}

// NetAvailable retourne le plafond transférable restant du paiement.
func (p *PaymentRecord) NetAvailable() int64 {
	return p.GrossAmount - p.PlatformFee - p.ProcessorFee - p.RefundedTotal - p.TransferredTotal
}

// LedgerEntry est une écriture immuable du ledger de règlement. La clé
// (source_table, source_id, source_event) est unique: c'est le verrou
// d'idempotence contre les doubles comptabilisations.
type LedgerEntry struct {
	ID           string    `json:"id" db:"id"`
	SourceTable  string    `json:"source_table" db:"source_table"`
	SourceID     string    `json:"source_id" db:"source_id"`
	SourceEvent  string    `json:"source_event" db:"source_event"`
	OrganizerID  string    `json:"organisateur_id" db:"organisateur_id"`
	CourseID     string    `json:"course_id" db:"course_id"`
	PaymentID    string    `json:"paiement_id" db:"paiement_id"`
	Gross        int64     `json:"montant_brut" db:"montant_brut"`
	PlatformFee  int64     `json:"commission_plateforme" db:"commission_plateforme"`
	ProcessorFee int64     `json:"frais_processeur" db:"frais_processeur"`
	Net          int64     `json:"montant_net" db:"montant_net"`
	Currency     string    `json:"devise" db:"devise"`
	Status       string    `json:"statut" db:"statut"`
	Label        string    `json:"libelle" db:"libelle"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// NewLedgerEntry crée une écriture confirmée pour un paiement donné.
func NewLedgerEntry(sourceTable, sourceID, sourceEvent string, p *PaymentRecord, net int64, label string) *LedgerEntry {
	return &LedgerEntry{
		ID:          uuid.New().String(),
		SourceTable: sourceTable,
		SourceID:    sourceID,
		SourceEvent: sourceEvent,
		OrganizerID: p.OrganizerID,
		CourseID:    p.CourseID,
		PaymentID:   p.ID,
		Net:         net,
		Currency:    p.Currency,
		Status:      LedgerStatusConfirmed,
		Label:       label,
		CreatedAt:   time.Now(),
	}
}

// PayoutObligation est une tâche de reversement planifiée pour une tranche.
type PayoutObligation struct {
	ID          string    `json:"id" db:"id"`
	PaymentID   string    `json:"paiement_id" db:"paiement_id"`
	OrganizerID string    `json:"organisateur_id" db:"organisateur_id"`
	CourseID    string    `json:"course_id" db:"course_id"`
	Tranche     int       `json:"tranche" db:"tranche"`
	DueAt       time.Time `json:"due_at" db:"due_at"`
	Currency    string    `json:"devise" db:"devise"`
	Status      string    `json:"statut" db:"statut"`
	PaidAmount  int64     `json:"montant_verse" db:"montant_verse"`
	TransferID  string    `json:"transfer_id" db:"transfer_id"`
	LastError   string    `json:"dernier_echec" db:"dernier_echec"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// NewPayoutObligation crée une obligation `scheduled` pour une tranche du paiement.
func NewPayoutObligation(p *PaymentRecord, tranche int, dueAt time.Time) *PayoutObligation {
	return &PayoutObligation{
		ID:          uuid.New().String(),
		PaymentID:   p.ID,
		OrganizerID: p.OrganizerID,
		CourseID:    p.CourseID,
		Tranche:     tranche,
		DueAt:       dueAt,
		Currency:    p.Currency,
		Status:      ObligationStatusScheduled,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
}

// TrancheAmount calcule le montant effectivement transférable d'une tranche.
// Tranche 1 vise floor(net/2), tranche 2 solde tout le restant. Le restant
// rétrécit si un remboursement est passé entre-temps; il ne devient jamais
// négatif (clampage documenté, pas une erreur).
func TrancheAmount(tranche int, netTotal, transferred int64) (int64, error) {
	if tranche != 1 && tranche != 2 {
		return 0, fmt.Errorf("invalid tranche %d", tranche)
	}

	remaining := netTotal - transferred
	if remaining <= 0 {
		return 0, nil
	}

	if tranche == 1 {
		target := netTotal / 2
		if target > remaining {
			target = remaining
		}
		if target < 0 {
			target = 0
		}
		return target, nil
	}

	return remaining, nil
}

// Registration est la vue minimale d'une inscription côté règlement.
type Registration struct {
	ID                    string `json:"id" db:"id"`
	RunnerID              string `json:"coureur_id" db:"coureur_id"`
	CourseID              string `json:"course_id" db:"course_id"`
	GroupID               string `json:"groupe_id" db:"groupe_id"`
	Email                 string `json:"email" db:"email"`
	Status                string `json:"statut" db:"statut"`
	AmountCents           int64  `json:"montant_cents" db:"montant_cents"`
	NonRefundableFeeCents int64  `json:"commission_non_remboursable_cents" db:"commission_non_remboursable_cents"`
}

// Course ne porte ici que ce dont le règlement a besoin: organisateur et date
// d'épreuve (échéance tranche 2, barème d'annulation).
type Course struct {
	ID          string    `json:"id" db:"id"`
	OrganizerID string    `json:"organisateur_id" db:"organisateur_id"`
	Name        string    `json:"nom" db:"nom"`
	EventDate   time.Time `json:"date_evenement" db:"date_evenement"`
}

// Credit est le résultat du barème d'annulation dégressif.
type Credit struct {
	Tier                string `json:"palier"`
	Percent             int64  `json:"pourcentage"`
	RefundAmount        int64  `json:"montant_rembourse_cents"`
	NonRefundableAmount int64  `json:"montant_non_remboursable_cents"`
}

type refundTier struct {
	name    string
	minDays int
	percent int64
}

// Barème métier: plus l'annulation est tôt avant l'épreuve, plus le
// pourcentage remboursé est haut. Fenêtre noire en dessous de 3 jours.
var refundSchedule = []refundTier{
	{name: "anticipe", minDays: 30, percent: 90},
	{name: "standard", minDays: 15, percent: 70},
	{name: "tardif", minDays: 7, percent: 50},
	{name: "dernier_delai", minDays: 3, percent: 25},
}

// CreditForCancellation applique le barème au montant payé, hors commission
// non remboursable de la plateforme. refund = floor(base * pct / 100).
func CreditForCancellation(amountPaid, nonRefundableFee int64, eventDate, now time.Time) Credit {
	base := amountPaid - nonRefundableFee
	if base < 0 {
		base = 0
	}

	days := int(eventDate.Sub(now).Hours() / 24)

	tier := "blackout"
	var percent int64
	for _, t := range refundSchedule {
		if days >= t.minDays {
			tier = t.name
			percent = t.percent
			break
		}
	}

	refund := base * percent / 100
	return Credit{
		Tier:                tier,
		Percent:             percent,
		RefundAmount:        refund,
		NonRefundableAmount: amountPaid - refund,
	}
}

// CancellationCredit (avoir) mémorise un remboursement émis; refund_id posé
// une seule fois sert de garde d'idempotence.
type CancellationCredit struct {
	ID             string    `json:"id" db:"id"`
	RegistrationID string    `json:"inscription_id" db:"inscription_id"`
	PaymentID      string    `json:"paiement_id" db:"paiement_id"`
	Tier           string    `json:"palier" db:"palier"`
	Percent        int64     `json:"pourcentage" db:"pourcentage"`
	RefundedAmount int64     `json:"montant_rembourse_cents" db:"montant_rembourse_cents"`
	NonRefundable  int64     `json:"montant_non_remboursable_cents" db:"montant_non_remboursable_cents"`
	RefundID       string    `json:"refund_id" db:"refund_id"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}
