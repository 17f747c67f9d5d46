package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// withFastRetries swaps d's retry schedule for a millisecond-scale one
// for the duration of a test, so retry tests don't sleep through the
// real 1s/4s/16s schedule.
func withFastRetries(t *testing.T, d *Dispatcher, n int) {
	t.Helper()
	fast := make([]time.Duration, n)
	for i := range fast {
		fast[i] = time.Millisecond
	}
	d.retryDelays = fast
}

func newTestDispatcher() *Dispatcher {
	return NewDispatcher(zerolog.Nop(), DefaultRequestTimeout, DefaultMaxRetries)
}

func TestDispatcher_SuccessOnFirstAttempt(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Dispatch-Key")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newTestDispatcher()
	payload := NotificationPayload{Alert: AlertRef{ID: "a1"}}

	err := d.Dispatch(context.Background(), srv.URL, payload, "key-123")
	require.NoError(t, err)
	require.Equal(t, "key-123", gotKey)
}

func TestDispatcher_PermanentFailureOn4xxDoesNotRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d := newTestDispatcher()
	err := d.Dispatch(context.Background(), srv.URL, NotificationPayload{}, "key-123")

	require.Error(t, err)
	var permErr *PermanentError
	require.ErrorAs(t, err, &permErr)
	require.Equal(t, http.StatusBadRequest, permErr.StatusCode)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestDispatcher_RetriesOn5xxThenSucceeds(t *testing.T) {
	d := newTestDispatcher()
	withFastRetries(t, d, 3)

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := d.Dispatch(context.Background(), srv.URL, NotificationPayload{}, "key-123")
	require.NoError(t, err)
	require.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestDispatcher_ExhaustsRetriesOnPersistent5xx(t *testing.T) {
	d := newTestDispatcher()
	withFastRetries(t, d, 3)

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := d.Dispatch(context.Background(), srv.URL, NotificationPayload{}, "key-123")
	require.Error(t, err)
	require.EqualValues(t, 4, atomic.LoadInt32(&calls), "initial attempt plus 3 retries")
}

func TestDispatcher_NetworkErrorIsRetried(t *testing.T) {
	d := newTestDispatcher()
	withFastRetries(t, d, 3)

	err := d.Dispatch(context.Background(), "http://127.0.0.1:1", NotificationPayload{}, "key-123")
	require.Error(t, err)
}
