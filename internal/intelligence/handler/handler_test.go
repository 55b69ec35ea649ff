package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"portal_intelligence/internal/intelligence/domain"
	"portal_intelligence/internal/intelligence/repository"
	"portal_intelligence/internal/intelligence/service"
	"portal_intelligence/platform/httpkit"
	"portal_intelligence/platform/logger"
	"portal_intelligence/platform/validator"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var (
	operatorID  = uuid.MustParse("0d6c5d8e-8f57-4b0f-9d0a-4f3a3c2b1a10")
	operatorOrg = uuid.MustParse("5a0b7e36-2f0e-4a51-8d6c-1b2f3e4d5c6b")
)

type fixedWorkers int

func (f fixedWorkers) ActiveWorkers() int { return int(f) }

type fixture struct {
	store  *repository.MemoryStore
	router *gin.Engine
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := repository.NewMemoryStore(clock)
	debouncer := service.NewDebouncer(store, 5*time.Minute, domain.DefaultMaxRetries, clock, logger.NewNop())

	h := New(store, debouncer, fixedWorkers(2), fixedWorkers(1), validator.New(), logger.NewNop())
	h.now = clock

	router := gin.New()
	group := router.Group("/api/v1/admin/intelligence-queue", func(c *gin.Context) {
		httpkit.WithOperator(c, httpkit.Operator{ID: operatorID, OrganizationID: &operatorOrg, Roles: []string{"admin"}})
		c.Next()
	})
	h.RegisterRoutes(group)
	return &fixture{store: store, router: router, now: now}
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

const base = "/api/v1/admin/intelligence-queue"

func TestStatsReportsCountsAndWorkers(t *testing.T) {
	f := newFixture(t)
	opportunity := uuid.New()
	w := f.do(http.MethodPost, base+"/opportunities/"+opportunity.String()+"/reprocess", `{"reason":"contact added"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	w = f.do(http.MethodGet, base+"/stats", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp StatsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, []domain.StatusCount{{Kind: domain.KindBatchReprocess, Status: domain.StatusPending, Count: 1}}, resp.Counts)
	require.Equal(t, ActiveWorkers{Activity: 2, Batch: 1}, resp.ActiveWorkers)
	require.True(t, resp.GeneratedAt.Equal(f.now))
}

func TestScheduleReprocessValidatesBody(t *testing.T) {
	f := newFixture(t)
	path := base + "/opportunities/" + uuid.NewString() + "/reprocess"

	require.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, path, `{}`).Code)
	require.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, path, `not json`).Code)
	require.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, base+"/opportunities/nope/reprocess", `{"reason":"x"}`).Code)
	require.Empty(t, f.store.All())
}

func TestScheduleThenCancelReprocess(t *testing.T) {
	f := newFixture(t)
	path := base + "/opportunities/" + uuid.NewString() + "/reprocess"

	w := f.do(http.MethodPost, path, `{"reason":"contact removed"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	var item domain.QueueItem
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &item))
	require.Equal(t, domain.StatusPending, item.Status)
	require.Equal(t, "contact removed", *item.DebounceReason)
	require.True(t, item.ScheduledFor.Equal(f.now.Add(5*time.Minute)))
	require.Equal(t, operatorOrg, *item.OrganizationID)

	require.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, path, "").Code)
	require.Equal(t, http.StatusNotFound, f.do(http.MethodDelete, path, "").Code)
}

func TestGetItem(t *testing.T) {
	f := newFixture(t)
	item := domain.QueueItem{ID: uuid.New(), Kind: domain.KindActivity, Status: domain.StatusCompleted, AddedAt: f.now, Version: 2}
	f.store.Put(item)

	w := f.do(http.MethodGet, base+"/items/"+item.ID.String(), "")
	require.Equal(t, http.StatusOK, w.Code)
	var got domain.QueueItem
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Equal(t, item.ID, got.ID)

	require.Equal(t, http.StatusNotFound, f.do(http.MethodGet, base+"/items/"+uuid.NewString(), "").Code)
	require.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, base+"/items/123", "").Code)
}

func TestRetryItemOnlyForFailedItems(t *testing.T) {
	f := newFixture(t)
	message := "analytics unavailable"
	failed := domain.QueueItem{
		ID:           uuid.New(),
		Kind:         domain.KindActivity,
		Status:       domain.StatusFailed,
		RetryCount:   4,
		MaxRetries:   3,
		ErrorMessage: &message,
		AddedAt:      f.now,
		Version:      5,
	}
	f.store.Put(failed)

	w := f.do(http.MethodPost, base+"/items/"+failed.ID.String()+"/retry", "")
	require.Equal(t, http.StatusOK, w.Code)
	var got domain.QueueItem
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Equal(t, domain.StatusPending, got.Status)
	require.Zero(t, got.RetryCount)
	require.Nil(t, got.ErrorMessage)

	require.Equal(t, http.StatusConflict, f.do(http.MethodPost, base+"/items/"+failed.ID.String()+"/retry", "").Code)
	require.Equal(t, http.StatusNotFound, f.do(http.MethodPost, base+"/items/"+uuid.NewString()+"/retry", "").Code)
}
