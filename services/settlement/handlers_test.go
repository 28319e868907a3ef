package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

func newTestHandler(reconcile *ReconcileUseCase, transfers *TransferUseCase, refunds *RefundUseCase) *SettlementHandler {
	return NewSettlementHandler(reconcile, transfers, refunds, "whsec_test", noop.NewTracerProvider().Tracer("test"))
}

func performRequest(router *gin.Engine, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	return recorder
}

func TestHandleProcessorWebhook_RejectsBadSignature(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := newTestHandler(nil, nil, nil)
	router := gin.New()
	router.POST("/webhooks/processor", handler.HandleProcessorWebhook)

	body := []byte(`{"id":"evt_1","type":"checkout.session.completed","data":{"object":{"id":"cs_123"}}}`)
	recorder := performRequest(router, http.MethodPost, "/webhooks/processor", body, map[string]string{
		SignatureHeader: "t=123,v1=deadbeef",
	})

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestHandleProcessorWebhook_AcksUnknownEventType(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := newTestHandler(nil, nil, nil)
	router := gin.New()
	router.POST("/webhooks/processor", handler.HandleProcessorWebhook)

	body := []byte(`{"id":"evt_1","type":"charge.updated","data":{"object":{"id":"ch_1"}}}`)
	recorder := performRequest(router, http.MethodPost, "/webhooks/processor", body, map[string]string{
		SignatureHeader: signPayload(body, "whsec_test", time.Now().Unix()),
	})

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), `"ignored":true`)
}

func TestHandleProcessorWebhook_FinalizesSession(t *testing.T) {
	// Arrange: session réglée, signature valide -> réconciliation complète
	gin.SetMode(gin.TestMode)
	mockRepo := new(MockRepository)
	mockProcessor := new(MockProcessor)
	mockMailer := new(MockMailer)
	tx := newMockTx()

	mockProcessor.On("GetCheckoutSession", mock.Anything, "cs_123").Return(settledFacts(), nil)
	mockRepo.On("GetPaymentBySession", mock.Anything, "cs_123").Return(nil, ErrPaymentNotFound)
	mockRepo.On("BeginTx", mock.Anything).Return(tx, nil)
	saved := &PaymentRecord{ID: "pay-1", SessionID: "cs_123", RegistrationIDs: []string{"insc-1"}, CourseID: "course-1", Currency: "eur"}
	mockRepo.On("UpsertPaymentPaid", mock.Anything, tx, mock.Anything).Return(saved, nil)
	mockRepo.On("MarkRegistrationsPaid", mock.Anything, tx, mock.Anything).Return(nil)
	mockRepo.On("ConfirmPendingOptions", mock.Anything, tx, mock.Anything).Return(nil)
	mockRepo.On("AppendLedgerEntry", mock.Anything, tx, mock.Anything).Return(true, nil)
	mockRepo.On("GetCourse", mock.Anything, "course-1").Return(&Course{ID: "course-1"}, nil)
	mockRepo.On("CreateObligations", mock.Anything, tx, mock.Anything).Return(nil)
	mockMailer.On("SendPaymentReceipt", mock.Anything, mock.Anything).Return(nil)

	reconcile := NewReconcileUseCase(mockRepo, mockProcessor, mockMailer, 72*time.Hour, 168*time.Hour, nil)
	handler := newTestHandler(reconcile, nil, nil)
	router := gin.New()
	router.POST("/webhooks/processor", handler.HandleProcessorWebhook)

	body := []byte(`{"id":"evt_1","type":"checkout.session.completed","data":{"object":{"id":"cs_123"}}}`)

	// Act
	recorder := performRequest(router, http.MethodPost, "/webhooks/processor", body, map[string]string{
		SignatureHeader: signPayload(body, "whsec_test", time.Now().Unix()),
	})

	// Assert
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), `"paid":true`)
	mockRepo.AssertExpectations(t)
}

func TestHandleProcessorWebhook_UnknownSessionReturns404(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockProcessor := new(MockProcessor)
	mockProcessor.On("GetCheckoutSession", mock.Anything, "cs_missing").Return(nil, ErrSessionNotFound)

	reconcile := NewReconcileUseCase(new(MockRepository), mockProcessor, new(MockMailer), 72*time.Hour, 168*time.Hour, nil)
	handler := newTestHandler(reconcile, nil, nil)
	router := gin.New()
	router.POST("/webhooks/processor", handler.HandleProcessorWebhook)

	body := []byte(`{"id":"evt_1","type":"checkout.session.completed","data":{"object":{"id":"cs_missing"}}}`)
	recorder := performRequest(router, http.MethodPost, "/webhooks/processor", body, map[string]string{
		SignatureHeader: signPayload(body, "whsec_test", time.Now().Unix()),
	})

	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestConfirmPayment_RequiresSessionID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := newTestHandler(nil, nil, nil)
	router := gin.New()
	router.POST("/paiements/confirmation", handler.ConfirmPayment)

	recorder := performRequest(router, http.MethodPost, "/paiements/confirmation", []byte(`{}`), nil)

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestRunTransferBatch_ReturnsProcessedCount(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockRepo := new(MockRepository)
	mockRepo.On("DueObligations", mock.Anything, mock.Anything, 20).Return([]*PayoutObligation{}, nil)

	transfers := NewTransferUseCase(mockRepo, new(MockProcessor), nil)
	handler := newTestHandler(nil, transfers, nil)
	router := gin.New()
	router.POST("/taches/reversements", handler.RunTransferBatch)

	recorder := performRequest(router, http.MethodPost, "/taches/reversements", nil, nil)

	assert.Equal(t, http.StatusOK, recorder.Code)

	var response map[string]int
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Equal(t, 0, response["processed"])
}

func TestTriggerPayout_RequiresTarget(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := newTestHandler(nil, nil, nil)
	router := gin.New()
	router.POST("/admin/reversements", handler.TriggerPayout)

	recorder := performRequest(router, http.MethodPost, "/admin/reversements", []byte(`{"montant_eur":10}`), nil)

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestTriggerPayout_NothingToTransferConflict(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockRepo := new(MockRepository)
	mockProcessor := new(MockProcessor)
	payment := payablePayment()
	tx := newMockTx()
	mockRepo.On("GetPayment", mock.Anything, "pay-1").Return(payment, nil)
	mockProcessor.On("GetAccount", mock.Anything, "acct_org").Return(&ConnectedAccount{PayoutsEnabled: true}, nil)
	mockRepo.On("BeginTx", mock.Anything).Return(tx, nil)
	mockRepo.On("GetPaymentForUpdate", mock.Anything, tx, "pay-1").Return(payment, nil)
	mockRepo.On("NetTotal", mock.Anything, tx, "pay-1").Return(int64(9200), nil)
	mockRepo.On("TransferredTotal", mock.Anything, tx, "pay-1").Return(int64(9200), nil)

	transfers := NewTransferUseCase(mockRepo, mockProcessor, nil)
	handler := newTestHandler(nil, transfers, nil)
	router := gin.New()
	router.POST("/admin/reversements", handler.TriggerPayout)

	recorder := performRequest(router, http.MethodPost, "/admin/reversements", []byte(`{"paiement_id":"pay-1"}`), nil)

	assert.Equal(t, http.StatusConflict, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "rien_a_transferer")
}

func TestRequeueObligation_StatusConflict(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockRepo := new(MockRepository)
	mockRepo.On("RequeueObligation", mock.Anything, "rev-1").Return(false, nil)

	transfers := NewTransferUseCase(mockRepo, new(MockProcessor), nil)
	handler := newTestHandler(nil, transfers, nil)
	router := gin.New()
	router.POST("/admin/reversements/:id/replanifier", handler.RequeueObligation)

	recorder := performRequest(router, http.MethodPost, "/admin/reversements/rev-1/replanifier", nil, nil)

	assert.Equal(t, http.StatusConflict, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "statut_incompatible")
}

func TestRequestRefund_NonRefundableWindow(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockRepo := new(MockRepository)
	registration := refundableRegistration()
	mockRepo.On("GetRegistration", mock.Anything, "insc-1").Return(registration, nil)
	mockRepo.On("GetPaymentByRegistration", mock.Anything, "insc-1").Return(payablePayment(), nil)
	mockRepo.On("GetCourse", mock.Anything, "course-1").Return(&Course{
		ID:        "course-1",
		EventDate: time.Now().AddDate(0, 0, 1),
	}, nil)

	refunds := NewRefundUseCase(mockRepo, new(MockProcessor), nil)
	handler := newTestHandler(nil, nil, refunds)
	router := gin.New()
	router.POST("/inscriptions/:id/remboursement", func(c *gin.Context) {
		c.Set(ctxKeyCallerID, "coureur-1")
		handler.RequestRefund(c)
	})

	recorder := performRequest(router, http.MethodPost, "/inscriptions/insc-1/remboursement", nil, nil)

	assert.Equal(t, http.StatusConflict, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "fenetre_non_remboursable")
}

func TestHealthCheck(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := newTestHandler(nil, nil, nil)
	router := gin.New()
	router.GET("/health", handler.HealthCheck)

	recorder := performRequest(router, http.MethodGet, "/health", nil, nil)

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "healthy")
}
