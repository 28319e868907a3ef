package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository définit les opérations de persistance du règlement.
type Repository interface {
	BeginTx(ctx context.Context) (Tx, error)

	GetPayment(ctx context.Context, id string) (*PaymentRecord, error)
	GetPaymentBySession(ctx context.Context, sessionID string) (*PaymentRecord, error)
	GetPaymentByRegistration(ctx context.Context, registrationID string) (*PaymentRecord, error)
	GetPaymentForUpdate(ctx context.Context, tx Tx, id string) (*PaymentRecord, error)
	UpsertPaymentPaid(ctx context.Context, tx Tx, record *PaymentRecord) (*PaymentRecord, error)
	IncrementTransferred(ctx context.Context, tx Tx, paymentID string, amount int64) error
	IncrementRefunded(ctx context.Context, tx Tx, paymentID string, amount int64) error

	GetRegistration(ctx context.Context, id string) (*Registration, error)
	ListGroupRegistrationIDs(ctx context.Context, groupIDs []string) ([]string, error)
	MarkRegistrationsPaid(ctx context.Context, tx Tx, ids []string) error
	MarkRegistrationCancelled(ctx context.Context, tx Tx, id string) error
	ConfirmPendingOptions(ctx context.Context, tx Tx, registrationIDs []string) error
	MarkGroupsPaid(ctx context.Context, tx Tx, groupIDs []string) error

	AppendLedgerEntry(ctx context.Context, tx Tx, entry *LedgerEntry) (bool, error)
	NetTotal(ctx context.Context, tx Tx, paymentID string) (int64, error)
	TransferredTotal(ctx context.Context, tx Tx, paymentID string) (int64, error)

	CreateObligations(ctx context.Context, tx Tx, obligations []*PayoutObligation) error
	DueObligations(ctx context.Context, now time.Time, limit int) ([]*PayoutObligation, error)
	ClaimObligation(ctx context.Context, id string) (bool, error)
	MarkObligationPaid(ctx context.Context, tx Tx, id, transferID string, amount int64) error
	MarkObligationStatus(ctx context.Context, id, status, reason string) error
	RequeueObligation(ctx context.Context, id string) (bool, error)

	GetCourse(ctx context.Context, id string) (*Course, error)

	GetCreditByRegistration(ctx context.Context, tx Tx, registrationID string) (*CancellationCredit, error)
	SaveCredit(ctx context.Context, tx Tx, credit *CancellationCredit) error
}

// Tx interface pour les transactions
type Tx interface {
	Commit() error
	Rollback() error
}

// PostgresTx implémente l'interface Tx
type PostgresTx struct {
	tx pgx.Tx
}

func (t *PostgresTx) Commit() error {
	return t.tx.Commit(context.Background())
}

func (t *PostgresTx) Rollback() error {
	return t.tx.Rollback(context.Background())
}

// PostgresRepository implémente Repository sur PostgreSQL (pgx).
type PostgresRepository struct {
	db *pgxpool.Pool
}

func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// BeginTx démarre une nouvelle transaction
func (r *PostgresRepository) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &PostgresTx{tx: tx}, nil
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// q retourne l'exécuteur courant: la transaction si fournie, sinon le pool.
func (r *PostgresRepository) q(tx Tx) querier {
	if tx != nil {
		return tx.(*PostgresTx).tx
	}
	return r.db
}

const paymentColumns = `id, session_id, charge_id, destination_account, course_id, organisateur_id,
		inscription_ids, montant_total, commission_plateforme, frais_processeur,
		total_verse, total_rembourse, devise, statut, created_at, updated_at`

func scanPayment(row pgx.Row) (*PaymentRecord, error) {
	var p PaymentRecord
	err := row.Scan(
		&p.ID, &p.SessionID, &p.ChargeID, &p.DestinationAccount, &p.CourseID, &p.OrganizerID,
		&p.RegistrationIDs, &p.GrossAmount, &p.PlatformFee, &p.ProcessorFee,
		&p.TransferredTotal, &p.RefundedTotal, &p.Currency, &p.Status, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan payment: %w", err)
	}
	return &p, nil
}

func (r *PostgresRepository) GetPayment(ctx context.Context, id string) (*PaymentRecord, error) {
	return scanPayment(r.db.QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM paiements
		WHERE id = $1
	`, id))
}

func (r *PostgresRepository) GetPaymentBySession(ctx context.Context, sessionID string) (*PaymentRecord, error) {
	return scanPayment(r.db.QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM paiements
		WHERE session_id = $1
	`, sessionID))
}

func (r *PostgresRepository) GetPaymentByRegistration(ctx context.Context, registrationID string) (*PaymentRecord, error) {
	return scanPayment(r.db.QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM paiements
		WHERE $1 = ANY(inscription_ids) AND statut IN ($2, $3)
		ORDER BY created_at DESC
		LIMIT 1
	`, registrationID, PaymentStatusPaid, PaymentStatusRefunded))
}

// GetPaymentForUpdate verrouille la ligne du paiement (FOR UPDATE). C'est le
// point de sérialisation entre reversements et remboursements d'un même
// paiement.
func (r *PostgresRepository) GetPaymentForUpdate(ctx context.Context, tx Tx, id string) (*PaymentRecord, error) {
	return scanPayment(r.q(tx).QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM paiements
		WHERE id = $1
		FOR UPDATE
	`, id))
}

// UpsertPaymentPaid crée ou passe le paiement à `paye`, clé session_id.
// Rejouable sans effet: la ligne converge vers le même état.
func (r *PostgresRepository) UpsertPaymentPaid(ctx context.Context, tx Tx, record *PaymentRecord) (*PaymentRecord, error) {
	return scanPayment(r.q(tx).QueryRow(ctx, `
		INSERT INTO paiements (
			id, session_id, charge_id, destination_account, course_id, organisateur_id,
			inscription_ids, montant_total, commission_plateforme, frais_processeur,
			total_verse, total_rembourse, devise, statut, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, 0, $11, $12, NOW(), NOW())
		ON CONFLICT (session_id) DO UPDATE SET
			statut = EXCLUDED.statut,
			charge_id = EXCLUDED.charge_id,
			destination_account = EXCLUDED.destination_account,
			inscription_ids = EXCLUDED.inscription_ids,
			montant_total = EXCLUDED.montant_total,
			commission_plateforme = EXCLUDED.commission_plateforme,
			frais_processeur = EXCLUDED.frais_processeur,
			updated_at = NOW()
		RETURNING `+paymentColumns+`
	`,
		record.ID, record.SessionID, record.ChargeID, record.DestinationAccount,
		record.CourseID, record.OrganizerID, record.RegistrationIDs,
		record.GrossAmount, record.PlatformFee, record.ProcessorFee,
		record.Currency, PaymentStatusPaid,
	))
}

// IncrementTransferred rafraîchit le miroir total_verse. La clause WHERE porte
// l'invariant de plafond: 0 ligne affectée = violation, on refuse l'écriture.
func (r *PostgresRepository) IncrementTransferred(ctx context.Context, tx Tx, paymentID string, amount int64) error {
	tag, err := r.q(tx).Exec(ctx, `
		UPDATE paiements
		SET total_verse = total_verse + $2,
		    updated_at = NOW()
		WHERE id = $1
		  AND total_verse + $2 <= montant_total - commission_plateforme - frais_processeur - total_rembourse
	`, paymentID, amount)
	if err != nil {
		return fmt.Errorf("failed to increment transferred total: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCeilingExceeded
	}
	return nil
}

// IncrementRefunded rafraîchit le miroir total_rembourse, borné au brut.
func (r *PostgresRepository) IncrementRefunded(ctx context.Context, tx Tx, paymentID string, amount int64) error {
	tag, err := r.q(tx).Exec(ctx, `
		UPDATE paiements
		SET total_rembourse = total_rembourse + $2,
		    statut = CASE
			WHEN total_rembourse + $2 >= montant_total - commission_plateforme - frais_processeur THEN $3
			ELSE statut
		    END,
		    updated_at = NOW()
		WHERE id = $1
		  AND total_rembourse + $2 <= montant_total
	`, paymentID, amount, PaymentStatusRefunded)
	if err != nil {
		return fmt.Errorf("failed to increment refunded total: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCeilingExceeded
	}
	return nil
}

func (r *PostgresRepository) GetRegistration(ctx context.Context, id string) (*Registration, error) {
	var reg Registration
	err := r.db.QueryRow(ctx, `
		SELECT id, coureur_id, course_id, COALESCE(groupe_id::text, ''), COALESCE(email, ''),
		       statut, montant_cents, commission_non_remboursable_cents
		FROM inscriptions
		WHERE id = $1
	`, id).Scan(
		&reg.ID, &reg.RunnerID, &reg.CourseID, &reg.GroupID, &reg.Email,
		&reg.Status, &reg.AmountCents, &reg.NonRefundableFeeCents,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRegistrationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get registration: %w", err)
	}
	return &reg, nil
}

func (r *PostgresRepository) ListGroupRegistrationIDs(ctx context.Context, groupIDs []string) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id FROM inscriptions WHERE groupe_id = ANY($1)
	`, groupIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to expand groups: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan registration id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkRegistrationsPaid est une opération d'ensemble, pas un incrément:
// rejouer la transition est sans effet.
func (r *PostgresRepository) MarkRegistrationsPaid(ctx context.Context, tx Tx, ids []string) error {
	_, err := r.q(tx).Exec(ctx, `
		UPDATE inscriptions
		SET statut = $2, updated_at = NOW()
		WHERE id = ANY($1) AND statut <> $2
	`, ids, RegistrationStatusPaid)
	if err != nil {
		return fmt.Errorf("failed to mark registrations paid: %w", err)
	}
	return nil
}

func (r *PostgresRepository) MarkRegistrationCancelled(ctx context.Context, tx Tx, id string) error {
	_, err := r.q(tx).Exec(ctx, `
		UPDATE inscriptions
		SET statut = $2, updated_at = NOW()
		WHERE id = $1
	`, id, RegistrationStatusCancelled)
	if err != nil {
		return fmt.Errorf("failed to cancel registration: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ConfirmPendingOptions(ctx context.Context, tx Tx, registrationIDs []string) error {
	_, err := r.q(tx).Exec(ctx, `
		UPDATE inscription_options
		SET statut = $2, updated_at = NOW()
		WHERE inscription_id = ANY($1) AND statut = $3
	`, registrationIDs, OptionStatusConfirmed, OptionStatusPending)
	if err != nil {
		return fmt.Errorf("failed to confirm options: %w", err)
	}
	return nil
}

// MarkGroupsPaid ne passe un groupe à `paye` que si tous ses membres sont
// résolus.
func (r *PostgresRepository) MarkGroupsPaid(ctx context.Context, tx Tx, groupIDs []string) error {
	_, err := r.q(tx).Exec(ctx, `
		UPDATE groupes g
		SET statut = $2, updated_at = NOW()
		WHERE g.id = ANY($1)
		  AND NOT EXISTS (
			SELECT 1 FROM inscriptions i
			WHERE i.groupe_id = g.id AND i.statut NOT IN ($2, $3)
		  )
	`, groupIDs, RegistrationStatusPaid, RegistrationStatusCancelled)
	if err != nil {
		return fmt.Errorf("failed to mark groups paid: %w", err)
	}
	return nil
}

// AppendLedgerEntry écrit une ligne du ledger. La contrainte unique sur
// (source_table, source_id, source_event) rend l'append idempotent: retourne
// false si l'écriture existait déjà.
func (r *PostgresRepository) AppendLedgerEntry(ctx context.Context, tx Tx, entry *LedgerEntry) (bool, error) {
	tag, err := r.q(tx).Exec(ctx, `
		INSERT INTO ledger_entries (
			id, source_table, source_id, source_event, organisateur_id, course_id,
			paiement_id, montant_brut, commission_plateforme, frais_processeur,
			montant_net, devise, statut, libelle, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW())
		ON CONFLICT (source_table, source_id, source_event) DO NOTHING
	`,
		entry.ID, entry.SourceTable, entry.SourceID, entry.SourceEvent,
		entry.OrganizerID, entry.CourseID, entry.PaymentID,
		entry.Gross, entry.PlatformFee, entry.ProcessorFee,
		entry.Net, entry.Currency, entry.Status, entry.Label,
	)
	if err != nil {
		return false, fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// NetTotal agrège le net du paiement depuis le ledger (encaissements moins
// remboursements). Source de vérité, pas les miroirs du paiement.
func (r *PostgresRepository) NetTotal(ctx context.Context, tx Tx, paymentID string) (int64, error) {
	var total int64
	err := r.q(tx).QueryRow(ctx, `
		SELECT COALESCE(SUM(montant_net), 0)
		FROM ledger_entries
		WHERE paiement_id = $1
		  AND statut = $2
		  AND source_event IN ($3, $4)
	`, paymentID, LedgerStatusConfirmed, LedgerEventSettlement, LedgerEventRefund).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to compute net total: %w", err)
	}
	return total, nil
}

// TransferredTotal agrège ce qui a déjà été reversé, depuis le ledger.
func (r *PostgresRepository) TransferredTotal(ctx context.Context, tx Tx, paymentID string) (int64, error) {
	var total int64
	err := r.q(tx).QueryRow(ctx, `
		SELECT COALESCE(SUM(montant_net), 0)
		FROM ledger_entries
		WHERE paiement_id = $1
		  AND statut = $2
		  AND source_event = $3
	`, paymentID, LedgerStatusConfirmed, LedgerEventTransfer).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to compute transferred total: %w", err)
	}
	return total, nil
}

// CreateObligations planifie les tranches; la contrainte unique
// (paiement_id, tranche) absorbe les replanifications répétées.
func (r *PostgresRepository) CreateObligations(ctx context.Context, tx Tx, obligations []*PayoutObligation) error {
	for _, ob := range obligations {
		_, err := r.q(tx).Exec(ctx, `
			INSERT INTO reversements (
				id, paiement_id, organisateur_id, course_id, tranche, due_at,
				devise, statut, montant_verse, transfer_id, dernier_echec, created_at, updated_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, '', '', NOW(), NOW())
			ON CONFLICT (paiement_id, tranche) DO NOTHING
		`, ob.ID, ob.PaymentID, ob.OrganizerID, ob.CourseID, ob.Tranche, ob.DueAt, ob.Currency, ob.Status)
		if err != nil {
			return fmt.Errorf("failed to create obligation tranche %d: %w", ob.Tranche, err)
		}
	}
	return nil
}

const obligationColumns = `id, paiement_id, organisateur_id, course_id, tranche, due_at,
		devise, statut, montant_verse, transfer_id, dernier_echec, created_at, updated_at`

func (r *PostgresRepository) DueObligations(ctx context.Context, now time.Time, limit int) ([]*PayoutObligation, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+obligationColumns+`
		FROM reversements
		WHERE statut = $1 AND due_at <= $2
		ORDER BY due_at ASC
		LIMIT $3
	`, ObligationStatusScheduled, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due obligations: %w", err)
	}
	defer rows.Close()

	var obligations []*PayoutObligation
	for rows.Next() {
		var ob PayoutObligation
		err := rows.Scan(
			&ob.ID, &ob.PaymentID, &ob.OrganizerID, &ob.CourseID, &ob.Tranche, &ob.DueAt,
			&ob.Currency, &ob.Status, &ob.PaidAmount, &ob.TransferID, &ob.LastError,
			&ob.CreatedAt, &ob.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan obligation: %w", err)
		}
		obligations = append(obligations, &ob)
	}
	return obligations, rows.Err()
}

// ClaimObligation tente la transition optimiste scheduled -> processing.
// 0 ligne affectée = un autre worker a gagné la réclamation.
func (r *PostgresRepository) ClaimObligation(ctx context.Context, id string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE reversements
		SET statut = $2, updated_at = NOW()
		WHERE id = $1 AND statut = $3
	`, id, ObligationStatusProcessing, ObligationStatusScheduled)
	if err != nil {
		return false, fmt.Errorf("failed to claim obligation: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) MarkObligationPaid(ctx context.Context, tx Tx, id, transferID string, amount int64) error {
	_, err := r.q(tx).Exec(ctx, `
		UPDATE reversements
		SET statut = $2, transfer_id = $3, montant_verse = $4, dernier_echec = '', updated_at = NOW()
		WHERE id = $1
	`, id, ObligationStatusPaid, transferID, amount)
	if err != nil {
		return fmt.Errorf("failed to mark obligation paid: %w", err)
	}
	return nil
}

func (r *PostgresRepository) MarkObligationStatus(ctx context.Context, id, status, reason string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE reversements
		SET statut = $2, dernier_echec = $3, updated_at = NOW()
		WHERE id = $1
	`, id, status, reason)
	if err != nil {
		return fmt.Errorf("failed to mark obligation %s: %w", status, err)
	}
	return nil
}

// RequeueObligation est le chemin de reprise opérateur: failed|blocked
// repassent à scheduled, rien d'autre.
func (r *PostgresRepository) RequeueObligation(ctx context.Context, id string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE reversements
		SET statut = $2, dernier_echec = '', updated_at = NOW()
		WHERE id = $1 AND statut IN ($3, $4)
	`, id, ObligationStatusScheduled, ObligationStatusFailed, ObligationStatusBlocked)
	if err != nil {
		return false, fmt.Errorf("failed to requeue obligation: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) GetCourse(ctx context.Context, id string) (*Course, error) {
	var course Course
	var eventDate *time.Time
	err := r.db.QueryRow(ctx, `
		SELECT id, organisateur_id, COALESCE(nom, ''), date_evenement
		FROM courses
		WHERE id = $1
	`, id).Scan(&course.ID, &course.OrganizerID, &course.Name, &eventDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("course %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get course: %w", err)
	}
	if eventDate != nil {
		course.EventDate = *eventDate
	}
	return &course, nil
}

// GetCreditByRegistration retourne l'avoir existant, nil si aucun.
func (r *PostgresRepository) GetCreditByRegistration(ctx context.Context, tx Tx, registrationID string) (*CancellationCredit, error) {
	var credit CancellationCredit
	err := r.q(tx).QueryRow(ctx, `
		SELECT id, inscription_id, paiement_id, palier, pourcentage,
		       montant_rembourse_cents, montant_non_remboursable_cents, refund_id, created_at
		FROM avoirs
		WHERE inscription_id = $1
	`, registrationID).Scan(
		&credit.ID, &credit.RegistrationID, &credit.PaymentID, &credit.Tier, &credit.Percent,
		&credit.RefundedAmount, &credit.NonRefundable, &credit.RefundID, &credit.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credit: %w", err)
	}
	return &credit, nil
}

func (r *PostgresRepository) SaveCredit(ctx context.Context, tx Tx, credit *CancellationCredit) error {
	_, err := r.q(tx).Exec(ctx, `
		INSERT INTO avoirs (
			id, inscription_id, paiement_id, palier, pourcentage,
			montant_rembourse_cents, montant_non_remboursable_cents, refund_id, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
	`,
		credit.ID, credit.RegistrationID, credit.PaymentID, credit.Tier, credit.Percent,
		credit.RefundedAmount, credit.NonRefundable, credit.RefundID,
	)
	if err != nil {
		return fmt.Errorf("failed to save credit: %w", err)
	}
	return nil
}
