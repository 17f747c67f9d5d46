package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeAlertTrigger struct {
	lastID string
	err    error
}

func (f *fakeAlertTrigger) TriggerAlert(ctx context.Context, alertID string) error {
	f.lastID = alertID
	return f.err
}

type fakeWebhookAcceptor struct {
	lastEventID string
	lastFields  map[string]any
	err         error
}

func (f *fakeWebhookAcceptor) Accept(ctx context.Context, eventID string, fields map[string]any) error {
	f.lastEventID = eventID
	f.lastFields = fields
	return f.err
}

func newTestServer(trigger AlertTrigger) *Server {
	return New(Config{Log: zerolog.Nop(), Port: 0, DevMode: true, AlertTrigger: trigger})
}

func newTestServerWithWebhooks(trigger AlertTrigger, webhooks map[string]WebhookAcceptor) *Server {
	return New(Config{Log: zerolog.Nop(), Port: 0, DevMode: true, AlertTrigger: trigger, Webhooks: webhooks})
}

func TestServer_Healthz_ReportsHealthyStatus(t *testing.T) {
	s := newTestServer(&fakeAlertTrigger{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"healthy"`)
}

func TestServer_Metrics_ExposesPrometheusFormat(t *testing.T) {
	s := newTestServer(&fakeAlertTrigger{})
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_TriggerAlert_CallsUnderlyingTrigger(t *testing.T) {
	trigger := &fakeAlertTrigger{}
	s := newTestServer(trigger)
	req := httptest.NewRequest(http.MethodPost, "/api/alerts/alert-123/trigger", nil)
	rec := httptest.NewRecorder()

	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "alert-123", trigger.lastID)
}

func TestServer_TriggerAlert_ReturnsServerErrorOnFailure(t *testing.T) {
	trigger := &fakeAlertTrigger{err: context.DeadlineExceeded}
	s := newTestServer(trigger)
	req := httptest.NewRequest(http.MethodPost, "/api/alerts/alert-123/trigger", nil)
	rec := httptest.NewRecorder()

	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_IngestWebhook_RoutesToRegisteredSource(t *testing.T) {
	worker := &fakeWebhookAcceptor{}
	s := newTestServerWithWebhooks(&fakeAlertTrigger{}, map[string]WebhookAcceptor{"stockx": worker})
	req := httptest.NewRequest(http.MethodPost, "/api/ingest/stockx/webhook", bytes.NewBufferString(`{"lowestAsk": 210.0}`))
	req.Header.Set("X-Event-ID", "evt-1")
	rec := httptest.NewRecorder()

	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "evt-1", worker.lastEventID)
	require.Equal(t, 210.0, worker.lastFields["lowestAsk"])
}

func TestServer_IngestWebhook_UnknownSourceReturnsNotFound(t *testing.T) {
	s := newTestServerWithWebhooks(&fakeAlertTrigger{}, map[string]WebhookAcceptor{})
	req := httptest.NewRequest(http.MethodPost, "/api/ingest/unknown/webhook", bytes.NewBufferString(`{}`))
	req.Header.Set("X-Event-ID", "evt-1")
	rec := httptest.NewRecorder()

	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_IngestWebhook_MissingEventIDReturnsBadRequest(t *testing.T) {
	worker := &fakeWebhookAcceptor{}
	s := newTestServerWithWebhooks(&fakeAlertTrigger{}, map[string]WebhookAcceptor{"stockx": worker})
	req := httptest.NewRequest(http.MethodPost, "/api/ingest/stockx/webhook", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()

	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}
