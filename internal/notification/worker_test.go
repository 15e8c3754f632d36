package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mes-execution-backend/internal/testutil"
)

type mockSender struct {
	SendFunc func(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

func (m *mockSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return m.SendFunc(payload, sub, options)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func subscriptionRows(endpoint string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"endpoint", "p256dh", "auth", "user_id", "role", "created_at"}).
		AddRow(endpoint, "test_p256dh", "test_auth", "sup-1", "supervisor", time.Now())
}

func TestWorkerPool_Notify(t *testing.T) {
	db, _ := testutil.NewMockDB(t)
	wp := NewWorkerPool(1, db, &webpush.Options{}, discard())

	require.NoError(t, wp.Notify(context.Background(), Notification{Recipients: []string{"supervisor"}, Title: "t"}))
	require.NoError(t, wp.Notify(context.Background(), Notification{Title: "nobody"}))

	select {
	case n := <-wp.Jobs():
		assert.Equal(t, "t", n.Title)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification to be queued")
	}
	assert.Empty(t, wp.Jobs(), "notifications without recipients are not queued")
}

func TestWorkerPool_NotifyFull(t *testing.T) {
	db, _ := testutil.NewMockDB(t)
	wp := &WorkerPool{jobs: make(chan Notification, 1), db: db, logger: discard()}

	n := Notification{Recipients: []string{"r"}}
	require.NoError(t, wp.Notify(context.Background(), n))
	assert.ErrorIs(t, wp.Notify(context.Background(), n), ErrQueueFull)
}

func TestWorkerPool_WorkerLogic(t *testing.T) {
	gormDB, mock := testutil.NewMockDB(t)
	wp := NewWorkerPool(1, gormDB, &webpush.Options{}, discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wp.Start(ctx)

	t.Run("sends notification to matching subscription", func(t *testing.T) {
		var wg sync.WaitGroup
		wg.Add(1)

		wp.sender = &mockSender{
			SendFunc: func(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
				defer wg.Done()
				assert.Equal(t, "https://example.com/push", sub.Endpoint)
				var body map[string]any
				assert.NoError(t, json.Unmarshal(payload, &body))
				assert.Equal(t, "Time rule expired", body["title"])
				assert.Equal(t, PriorityHigh, body["priority"])
				return &http.Response{StatusCode: http.StatusCreated, Body: io.NopCloser(bytes.NewBufferString(""))}, nil
			},
		}

		mock.ExpectQuery(`SELECT \* FROM "push_subscriptions" WHERE user_id IN \(\$1\) OR role IN \(\$2\)`).
			WithArgs("supervisor", "supervisor").
			WillReturnRows(subscriptionRows("https://example.com/push"))

		require.NoError(t, wp.Notify(ctx, Notification{
			Recipients: []string{"supervisor"},
			Title:      "Time rule expired",
			Message:    "R-1 wash window exceeded",
			Priority:   PriorityHigh,
		}))
		wg.Wait()
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("deletes expired subscription", func(t *testing.T) {
		wp.sender = &mockSender{
			SendFunc: func(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
				return &http.Response{StatusCode: http.StatusGone, Body: io.NopCloser(bytes.NewBufferString(""))}, nil
			},
		}

		mock.ExpectQuery(`SELECT \* FROM "push_subscriptions" WHERE user_id IN \(\$1\) OR role IN \(\$2\)`).
			WithArgs("sup-1", "sup-1").
			WillReturnRows(subscriptionRows("https://example.com/expired"))
		mock.ExpectBegin()
		mock.ExpectExec(`DELETE FROM "push_subscriptions" WHERE "push_subscriptions"."endpoint" = \$1`).
			WithArgs("https://example.com/expired").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		require.NoError(t, wp.Notify(ctx, Notification{Recipients: []string{"sup-1"}, Title: "warning"}))

		assert.Eventually(t, func() bool {
			return mock.ExpectationsWereMet() == nil
		}, time.Second, 10*time.Millisecond)
	})
}

func TestLogSink(t *testing.T) {
	assert.NoError(t, LogSink{Logger: discard()}.Notify(context.Background(), Notification{Title: "x"}))
}
