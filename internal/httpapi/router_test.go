package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/chatgate/internal/ai"
	"github.com/suPer8Hu/chatgate/internal/auth"
	"github.com/suPer8Hu/chatgate/internal/billing"
	"github.com/suPer8Hu/chatgate/internal/chat"
	"github.com/suPer8Hu/chatgate/internal/conversation"
	"github.com/suPer8Hu/chatgate/internal/db"
	"github.com/suPer8Hu/chatgate/internal/entitlement"
	"github.com/suPer8Hu/chatgate/internal/httpapi/handlers"
)

const (
	testSecret   = "test-secret"
	testAdminKey = "admin-key"
)

type echoProvider struct{}

func (echoProvider) Chat(ctx context.Context, req ai.ChatRequest) (*ai.ChatResponse, error) {
	last := req.Messages[len(req.Messages)-1]
	return &ai.ChatResponse{Choices: []ai.Message{{Role: ai.RoleAssistant, Content: "echo: " + last.Content}}}, nil
}

type stubPayments struct {
	mu     sync.Mutex
	status map[string]billing.PaymentStatus
}

func (s *stubPayments) CreatePayment(ctx context.Context, amount int, description string) (*billing.CreatedPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status["pay-1"] = billing.PaymentPending
	return &billing.CreatedPayment{ID: "pay-1", CheckoutURL: "https://pay.example/pay-1"}, nil
}

func (s *stubPayments) GetPaymentStatus(ctx context.Context, paymentID string) (billing.PaymentStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status[paymentID], nil
}

type recordingQueue struct{ ids []string }

func (q *recordingQueue) PublishPaymentCheck(ctx context.Context, paymentID string) error {
	q.ids = append(q.ids, paymentID)
	return nil
}

type testEnv struct {
	router   *gin.Engine
	payments *stubPayments
	handler  *handlers.Handler
}

func newTestEnv(t *testing.T, freeMessages int) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := "file:" + filepath.Join(t.TempDir(), "api.db") + "?_pragma=busy_timeout(5000)"
	gdb, err := db.Connect("sqlite", dsn)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	ledger := entitlement.NewLedger(gdb, entitlement.Defaults{FreeMessages: freeMessages})
	mgr := conversation.NewManager(conversation.NewMemoryStore(), conversation.NewCompactor(echoProvider{}, 10), "system", time.Hour)
	chatSvc := chat.NewService(ledger, mgr, echoProvider{}, chat.Options{})
	payments := &stubPayments{status: map[string]billing.PaymentStatus{}}
	billingSvc := billing.NewService(gdb, ledger, payments, nil, "RUB")

	adminHash, err := auth.HashAdminKey(testAdminKey)
	require.NoError(t, err)

	h := handlers.NewHandler(chatSvc, ledger, billingSvc, nil, testSecret)
	return &testEnv{router: NewRouter(h, testSecret, adminHash), payments: payments, handler: h}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) (int, envelope) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func bearer(t *testing.T, chatID int64) map[string]string {
	tok, err := auth.SignChatToken(chatID, testSecret, time.Hour)
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + tok}
}

func TestPing(t *testing.T) {
	env := newTestEnv(t, 1)
	code, body := env.do(t, http.MethodGet, "/ping", nil, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0, body.Code)
}

func TestChat_RequiresToken(t *testing.T) {
	env := newTestEnv(t, 1)
	code, body := env.do(t, http.MethodPost, "/chat/messages", gin.H{"message": "hi"}, nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, 40100, body.Code)
}

func TestChat_FreeMessagesThenUpsell(t *testing.T) {
	env := newTestEnv(t, 1)
	h := bearer(t, 42)

	code, body := env.do(t, http.MethodPost, "/chat/messages", gin.H{"message": "hi"}, h)
	require.Equal(t, http.StatusOK, code)
	var data struct {
		Reply chat.Reply `json:"reply"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &data))
	assert.Equal(t, "echo: hi", data.Reply.Text)
	assert.NotEmpty(t, data.Reply.Notice)

	code, body = env.do(t, http.MethodPost, "/chat/messages", gin.H{"message": "again"}, h)
	assert.Equal(t, http.StatusPaymentRequired, code)
	assert.Equal(t, 40200, body.Code)

	code, body = env.do(t, http.MethodGet, "/entitlements/me", nil, h)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body.Data), `"allowed":false`)
}

func TestChat_ResetAndBadInput(t *testing.T) {
	env := newTestEnv(t, 5)
	h := bearer(t, 7)

	code, _ := env.do(t, http.MethodPost, "/chat/messages", gin.H{}, h)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := env.do(t, http.MethodPost, "/chat/reset", nil, h)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body.Data), "Done!")
}

func TestPayments_PurchaseAndConfirm(t *testing.T) {
	env := newTestEnv(t, 0)
	h := bearer(t, 9)

	code, body := env.do(t, http.MethodPost, "/payments", gin.H{"plan": "week"}, h)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = env.do(t, http.MethodPost, "/payments", gin.H{"plan": "day"}, h)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body.Data), "https://pay.example/pay-1")

	code, body = env.do(t, http.MethodPost, "/payments/pay-1/confirm", nil, h)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body.Data), `"outcome":"pending"`)

	// someone else's chat cannot confirm it
	code, _ = env.do(t, http.MethodPost, "/payments/pay-1/confirm", nil, bearer(t, 10))
	assert.Equal(t, http.StatusNotFound, code)

	env.payments.mu.Lock()
	env.payments.status["pay-1"] = billing.PaymentSucceeded
	env.payments.mu.Unlock()

	code, body = env.do(t, http.MethodPost, "/payments/pay-1/confirm", nil, h)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body.Data), `"outcome":"credited"`)
	assert.Contains(t, string(body.Data), "1 day")

	code, body = env.do(t, http.MethodPost, "/payments/pay-1/confirm", nil, h)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body.Data), `"outcome":"already_credited"`)

	code, _ = env.do(t, http.MethodPost, "/chat/messages", gin.H{"message": "paid now"}, h)
	assert.Equal(t, http.StatusOK, code)
}

func TestWebhook_QueuesOrConfirms(t *testing.T) {
	env := newTestEnv(t, 0)
	_, _ = env.do(t, http.MethodPost, "/payments", gin.H{"plan": "month"}, bearer(t, 3))

	code, body := env.do(t, http.MethodPost, "/webhooks/payments", gin.H{"event": "payment.waiting_for_capture", "object": gin.H{"id": "pay-1"}}, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body.Data), "ignored")

	q := &recordingQueue{}
	env.handler.Queue = q
	code, _ = env.do(t, http.MethodPost, "/webhooks/payments", gin.H{"event": "payment.succeeded", "object": gin.H{"id": "pay-1"}}, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"pay-1"}, q.ids)

	env.handler.Queue = nil
	env.payments.mu.Lock()
	env.payments.status["pay-1"] = billing.PaymentSucceeded
	env.payments.mu.Unlock()
	code, body = env.do(t, http.MethodPost, "/webhooks/payments", gin.H{"event": "payment.succeeded", "object": gin.H{"id": "pay-1"}}, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body.Data), `"hours_remaining":720`)
}

func TestAdmin(t *testing.T) {
	env := newTestEnv(t, 0)

	code, _ := env.do(t, http.MethodPost, "/admin/tokens", gin.H{"chat_id": 5}, map[string]string{"X-Admin-Key": "wrong"})
	assert.Equal(t, http.StatusForbidden, code)

	admin := map[string]string{"X-Admin-Key": testAdminKey}
	code, body := env.do(t, http.MethodPost, "/admin/tokens", gin.H{"chat_id": 5}, admin)
	require.Equal(t, http.StatusOK, code)
	var tok struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &tok))
	id, err := auth.ParseChatToken(tok.Token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, int64(5), id)

	code, _ = env.do(t, http.MethodPost, "/admin/entitlements/5/credit", gin.H{"hours": -1}, admin)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = env.do(t, http.MethodPost, "/admin/entitlements/5/credit", gin.H{"hours": 48}, admin)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body.Data), `"subscription_hours_remaining":48`)
}

func TestNoRoute(t *testing.T) {
	env := newTestEnv(t, 0)
	code, body := env.do(t, http.MethodGet, "/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, 40400, body.Code)
}
