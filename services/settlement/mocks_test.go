package main

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

// MockTx simule une transaction
type MockTx struct {
	mock.Mock
}

func (m *MockTx) Commit() error {
	return m.Called().Error(0)
}

func (m *MockTx) Rollback() error {
	return m.Called().Error(0)
}

// newMockTx retourne une transaction qui accepte commit et rollback.
func newMockTx() *MockTx {
	tx := new(MockTx)
	tx.On("Commit").Return(nil).Maybe()
	tx.On("Rollback").Return(nil).Maybe()
	return tx
}

// MockRepository simule le Repository pour les tests d'usecases
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) BeginTx(ctx context.Context) (Tx, error) {
	args := m.Called(ctx)
	if tx, ok := args.Get(0).(Tx); ok {
		return tx, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRepository) GetPayment(ctx context.Context, id string) (*PaymentRecord, error) {
	args := m.Called(ctx, id)
	if p, ok := args.Get(0).(*PaymentRecord); ok {
		return p, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRepository) GetPaymentBySession(ctx context.Context, sessionID string) (*PaymentRecord, error) {
	args := m.Called(ctx, sessionID)
	if p, ok := args.Get(0).(*PaymentRecord); ok {
		return p, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRepository) GetPaymentByRegistration(ctx context.Context, registrationID string) (*PaymentRecord, error) {
	args := m.Called(ctx, registrationID)
	if p, ok := args.Get(0).(*PaymentRecord); ok {
		return p, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRepository) GetPaymentForUpdate(ctx context.Context, tx Tx, id string) (*PaymentRecord, error) {
	args := m.Called(ctx, tx, id)
	if p, ok := args.Get(0).(*PaymentRecord); ok {
		return p, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRepository) UpsertPaymentPaid(ctx context.Context, tx Tx, record *PaymentRecord) (*PaymentRecord, error) {
	args := m.Called(ctx, tx, record)
	if p, ok := args.Get(0).(*PaymentRecord); ok {
		return p, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRepository) IncrementTransferred(ctx context.Context, tx Tx, paymentID string, amount int64) error {
	return m.Called(ctx, tx, paymentID, amount).Error(0)
}

func (m *MockRepository) IncrementRefunded(ctx context.Context, tx Tx, paymentID string, amount int64) error {
	return m.Called(ctx, tx, paymentID, amount).Error(0)
}

func (m *MockRepository) GetRegistration(ctx context.Context, id string) (*Registration, error) {
	args := m.Called(ctx, id)
	if r, ok := args.Get(0).(*Registration); ok {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRepository) ListGroupRegistrationIDs(ctx context.Context, groupIDs []string) ([]string, error) {
	args := m.Called(ctx, groupIDs)
	if ids, ok := args.Get(0).([]string); ok {
		return ids, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRepository) MarkRegistrationsPaid(ctx context.Context, tx Tx, ids []string) error {
	return m.Called(ctx, tx, ids).Error(0)
}

func (m *MockRepository) MarkRegistrationCancelled(ctx context.Context, tx Tx, id string) error {
	return m.Called(ctx, tx, id).Error(0)
}

func (m *MockRepository) ConfirmPendingOptions(ctx context.Context, tx Tx, registrationIDs []string) error {
	return m.Called(ctx, tx, registrationIDs).Error(0)
}

func (m *MockRepository) MarkGroupsPaid(ctx context.Context, tx Tx, groupIDs []string) error {
	return m.Called(ctx, tx, groupIDs).Error(0)
}

func (m *MockRepository) AppendLedgerEntry(ctx context.Context, tx Tx, entry *LedgerEntry) (bool, error) {
	args := m.Called(ctx, tx, entry)
	return args.Bool(0), args.Error(1)
}

func (m *MockRepository) NetTotal(ctx context.Context, tx Tx, paymentID string) (int64, error) {
	args := m.Called(ctx, tx, paymentID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockRepository) TransferredTotal(ctx context.Context, tx Tx, paymentID string) (int64, error) {
	args := m.Called(ctx, tx, paymentID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockRepository) CreateObligations(ctx context.Context, tx Tx, obligations []*PayoutObligation) error {
	return m.Called(ctx, tx, obligations).Error(0)
}

func (m *MockRepository) DueObligations(ctx context.Context, now time.Time, limit int) ([]*PayoutObligation, error) {
	args := m.Called(ctx, now, limit)
	if obs, ok := args.Get(0).([]*PayoutObligation); ok {
		return obs, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRepository) ClaimObligation(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockRepository) MarkObligationPaid(ctx context.Context, tx Tx, id, transferID string, amount int64) error {
	return m.Called(ctx, tx, id, transferID, amount).Error(0)
}

func (m *MockRepository) MarkObligationStatus(ctx context.Context, id, status, reason string) error {
	return m.Called(ctx, id, status, reason).Error(0)
}

func (m *MockRepository) RequeueObligation(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockRepository) GetCourse(ctx context.Context, id string) (*Course, error) {
	args := m.Called(ctx, id)
	if c, ok := args.Get(0).(*Course); ok {
		return c, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRepository) GetCreditByRegistration(ctx context.Context, tx Tx, registrationID string) (*CancellationCredit, error) {
	args := m.Called(ctx, tx, registrationID)
	if c, ok := args.Get(0).(*CancellationCredit); ok {
		return c, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRepository) SaveCredit(ctx context.Context, tx Tx, credit *CancellationCredit) error {
	return m.Called(ctx, tx, credit).Error(0)
}

// MockProcessor simule le prestataire de paiement
type MockProcessor struct {
	mock.Mock
}

func (m *MockProcessor) GetCheckoutSession(ctx context.Context, sessionID string) (*ProcessorFacts, error) {
	args := m.Called(ctx, sessionID)
	if f, ok := args.Get(0).(*ProcessorFacts); ok {
		return f, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockProcessor) GetAccount(ctx context.Context, accountID string) (*ConnectedAccount, error) {
	args := m.Called(ctx, accountID)
	if a, ok := args.Get(0).(*ConnectedAccount); ok {
		return a, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockProcessor) CreateTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	args := m.Called(ctx, req)
	if t, ok := args.Get(0).(*TransferResult); ok {
		return t, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockProcessor) CreateRefund(ctx context.Context, chargeID string, amount int64) (*RefundResult, error) {
	args := m.Called(ctx, chargeID, amount)
	if r, ok := args.Get(0).(*RefundResult); ok {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

// MockMailer simule le prestataire email
type MockMailer struct {
	mock.Mock
}

func (m *MockMailer) SendPaymentReceipt(ctx context.Context, receipt ReceiptData) error {
	return m.Called(ctx, receipt).Error(0)
}
