package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"github.com/lalith-99/echocore/internal/auth"
	"github.com/lalith-99/echocore/internal/conversation"
	"github.com/lalith-99/echocore/internal/events"
	"github.com/lalith-99/echocore/internal/identity"
	"github.com/lalith-99/echocore/internal/ingest"
	"github.com/lalith-99/echocore/internal/merge"
	"github.com/lalith-99/echocore/internal/models"
	"github.com/lalith-99/echocore/internal/repository/memory"
	"github.com/lalith-99/echocore/internal/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "api-test-secret"

var testTenant = uuid.MustParse("00000000-0000-0000-0000-0000000000aa")

type fixture struct {
	router *gin.Engine
	store  *memory.Store
	hub    *websocket.Hub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := zap.NewNop()
	store := memory.New()
	hub := websocket.NewHub(logger)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	resolver := identity.NewResolver(identity.DefaultRanking())
	normalizer := identity.Normalizer{DefaultCountryCode: "1"}

	router := NewRouter(RouterConfig{
		JWTSecret:        testSecret,
		OperationTimeout: 5 * time.Second,
		Ingester:         ingest.NewPipeline(store, resolver, normalizer, hub, logger),
		Identity:         identity.NewService(store, resolver, normalizer, logger),
		Merger:           merge.NewEngine(store, events.Nop{}, logger),
		Conversations:    conversation.NewService(store, events.Nop{}, logger),
		Subscriber:       hub,
		HealthChecks: map[string]HealthCheck{
			"store": func(context.Context) error { return nil },
		},
		Logger: logger,
	})
	return &fixture{router: router, store: store, hub: hub}
}

func token(t *testing.T, role auth.Role) string {
	t.Helper()
	tok, err := auth.GenerateToken("tester", testTenant, role, testSecret, time.Hour)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(t *testing.T, method, path string, role auth.Role, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if role != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, role))
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func TestHealthIsPublic(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"store":"ok"`)
}

func TestHealthReportsFailingCheck(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewHealthHandler(map[string]HealthCheck{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	}, time.Second)
	r.GET("/health", h.Health)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "degraded")
}

func TestRoutesRequireToken(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/v1/customers/resolve?phone=5551234567", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestIngestCreatesThenReportsDuplicate(t *testing.T) {
	f := newFixture(t)
	body := map[string]any{
		"channel":           "whatsapp",
		"sender_identifier": "+1 555 123 4567",
		"content":           "hi, is my order ready?",
		"external_id":       "wamid.1",
		"profile":           map[string]string{"display_name": "Ana"},
	}

	w := f.do(t, http.MethodPost, "/v1/ingest", auth.RoleAdapter, body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var first ingest.Result
	decode(t, w, &first)
	assert.True(t, first.CustomerCreated)

	w = f.do(t, http.MethodPost, "/v1/ingest", auth.RoleAdapter, body)
	require.Equal(t, http.StatusOK, w.Code)
	var second ingest.Result
	decode(t, w, &second)
	assert.True(t, second.WasDuplicate)
	assert.Equal(t, first.MessageID, second.MessageID)

	w = f.do(t, http.MethodGet, "/v1/customers/resolve?phone=5551234567", auth.RoleStaff, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resolved struct {
		CustomerID uuid.UUID       `json:"customer_id"`
		Customer   models.Customer `json:"customer"`
		MatchType  string          `json:"match_type"`
		Confidence float64         `json:"confidence"`
	}
	decode(t, w, &resolved)
	assert.Equal(t, first.CustomerID, resolved.CustomerID)
	assert.Equal(t, first.CustomerID, resolved.Customer.ID)
	assert.Equal(t, "phone", resolved.MatchType)
	assert.Equal(t, "Ana", resolved.Customer.DisplayName)
}

func TestIngestRoleAndValidation(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/v1/ingest", auth.RoleStaff, map[string]any{
		"channel": "whatsapp", "sender_identifier": "+15551234567", "content": "x",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, http.MethodPost, "/v1/ingest", auth.RoleAdapter, map[string]any{
		"channel": "fax", "sender_identifier": "+15551234567", "content": "x",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/v1/ingest", auth.RoleAdapter, map[string]any{"channel": "whatsapp"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestResolveNotFound(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/v1/customers/resolve?email=nobody@example.com", auth.RoleStaff, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, "/v1/customers/resolve", auth.RoleStaff, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLinkIdentityConflictNamesOwner(t *testing.T) {
	f := newFixture(t)
	owner := models.Customer{ID: uuid.New(), TenantID: testTenant, Status: models.CustomerActive, Instagram: models.ChannelIdentity{ID: "ig_7"}}
	other := models.Customer{ID: uuid.New(), TenantID: testTenant, Status: models.CustomerActive}
	f.store.PutCustomer(owner)
	f.store.PutCustomer(other)

	w := f.do(t, http.MethodPost, "/v1/customers/"+other.ID.String()+"/identities", auth.RoleStaff, map[string]any{
		"channel": "instagram", "identifier": "ig_7",
	})
	require.Equal(t, http.StatusConflict, w.Code)
	var body map[string]any
	decode(t, w, &body)
	assert.Equal(t, "already_claimed", body["code"])
	assert.Equal(t, owner.ID.String(), body["conflicting_customer_id"])

	w = f.do(t, http.MethodPost, "/v1/customers/not-a-uuid/identities", auth.RoleStaff, map[string]any{
		"channel": "instagram", "identifier": "ig_8",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMergeAndHistory(t *testing.T) {
	f := newFixture(t)
	a := models.Customer{ID: uuid.New(), TenantID: testTenant, Status: models.CustomerActive, PhoneNormalized: "+15550000001"}
	b := models.Customer{ID: uuid.New(), TenantID: testTenant, Status: models.CustomerActive, Email: "b@example.com"}
	f.store.PutCustomer(a)
	f.store.PutCustomer(b)

	w := f.do(t, http.MethodPost, "/v1/customers/merge", auth.RoleAdapter, map[string]any{
		"primary_id": a.ID, "secondary_id": b.ID,
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, http.MethodPost, "/v1/customers/merge", auth.RoleStaff, map[string]any{
		"primary_id": a.ID, "secondary_id": b.ID,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res merge.Result
	decode(t, w, &res)
	assert.True(t, res.LoyaltyMerged)

	w = f.do(t, http.MethodPost, "/v1/customers/merge", auth.RoleStaff, map[string]any{
		"primary_id": a.ID, "secondary_id": b.ID,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, "secondary is already merged")

	w = f.do(t, http.MethodGet, "/v1/customers/"+b.ID.String()+"/merges", auth.RoleStaff, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var history struct {
		Merges []models.MergeAudit `json:"merges"`
	}
	decode(t, w, &history)
	require.Len(t, history.Merges, 1)
	assert.Equal(t, "tester", history.Merges[0].PerformedBy)
	assert.Equal(t, a.ID, history.Merges[0].PrimaryID)
}

func TestConversationStatus(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/v1/ingest", auth.RoleAdapter, map[string]any{
		"channel": "web", "sender_identifier": "ana@example.com", "content": "hello",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var res ingest.Result
	decode(t, w, &res)
	path := "/v1/conversations/" + res.ConversationID.String() + "/status"

	w = f.do(t, http.MethodPatch, path, auth.RoleStaff, map[string]any{"status": "escalated"})
	require.Equal(t, http.StatusOK, w.Code)
	var conv models.Conversation
	decode(t, w, &conv)
	assert.Equal(t, models.ConversationEscalated, conv.Status)

	w = f.do(t, http.MethodPatch, path, auth.RoleStaff, map[string]any{"status": "active"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = f.do(t, http.MethodPatch, path, auth.RoleAdapter, map[string]any{"status": "resolved"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, http.MethodPatch, "/v1/conversations/"+uuid.NewString()+"/status", auth.RoleStaff, map[string]any{"status": "resolved"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEventStreamDeliversIngestEvents(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events/ws?access_token=" + token(t, auth.RoleStaff)
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return f.hub.TenantClients(testTenant) == 1 }, 2*time.Second, 10*time.Millisecond)

	w := f.do(t, http.MethodPost, "/v1/ingest", auth.RoleAdapter, map[string]any{
		"channel": "tiktok", "sender_identifier": "tt_42", "content": "hey",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	seen := map[events.Kind]bool{}
	for len(seen) < 2 {
		var ev events.Event
		require.NoError(t, conn.ReadJSON(&ev))
		assert.Equal(t, testTenant, ev.TenantID)
		seen[ev.Kind] = true
	}
	assert.True(t, seen[events.KindCustomerCreated])
	assert.True(t, seen[events.KindMessageIngested])
}
