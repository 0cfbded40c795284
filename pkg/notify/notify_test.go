package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kubeflow/agent-trust/pkg/config"
	"github.com/kubeflow/agent-trust/pkg/events"
)

func fastBackOff() backoff.BackOff {
	return backoff.WithMaxRetries(&backoff.ConstantBackOff{Interval: time.Millisecond}, 3)
}

func testMessage() Message {
	return Message{
		Kind:       "healing",
		Severity:   "critical",
		Subject:    "agent unresponsive",
		AgentID:    "a1",
		Summary:    "no heartbeat for 3m",
		OccurredAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestWebhookNotifierSignsBody(t *testing.T) {
	const secret = "notify-secret"
	var got Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.NoError(t, events.VerifySignature([]byte(secret), body, r.Header.Get(events.HeaderSignature)))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, secret, time.Second, nil)
	require.NoError(t, n.Notify(context.Background(), testMessage()))
	assert.Equal(t, "a1", got.AgentID)
	assert.Equal(t, "critical", got.Severity)
}

func TestWebhookNotifierRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "", time.Second, nil)
	n.newBackOff = fastBackOff
	require.NoError(t, n.Notify(context.Background(), testMessage()))
	assert.EqualValues(t, 3, calls.Load())
}

func TestWebhookNotifierDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "", time.Second, nil)
	n.newBackOff = fastBackOff
	err := n.Notify(context.Background(), testMessage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.EqualValues(t, 1, calls.Load())
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(ctx context.Context, msg Message) error {
	return m.Called(ctx, msg).Error(0)
}

func TestMultiTriesEveryNotifier(t *testing.T) {
	msg := testMessage()
	failing := &mockNotifier{}
	failing.On("Notify", mock.Anything, msg).Return(errors.New("down")).Once()
	ok := &mockNotifier{}
	ok.On("Notify", mock.Anything, msg).Return(nil).Once()

	err := Multi{failing, ok}.Notify(context.Background(), msg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "down")
	failing.AssertExpectations(t)
	ok.AssertExpectations(t)
}

func TestNewSelectsWebhookWhenConfigured(t *testing.T) {
	n := New(config.NotifyConfig{Timeout: time.Second}, nil)
	require.Len(t, n.(Multi), 1)

	n = New(config.NotifyConfig{WebhookURL: "http://example.invalid/hook", Timeout: time.Second}, nil)
	require.Len(t, n.(Multi), 2)
	assert.IsType(t, &WebhookNotifier{}, n.(Multi)[1])
}
