package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/revoagent/fabric/kv"
)

func newTestManager(t *testing.T, workers int) *Manager {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	store, err := kv.NewRedisStore(kv.RedisStoreOptions{RedisURL: "redis://" + mr.Addr(), Namespace: "wh-test"})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return NewManager(store, workers, nil)
}

func signPayload(secret string, payload []byte) string {
	var v interface{}
	json.Unmarshal(payload, &v)
	canon, _ := json.Marshal(v)
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(canon)
	return hex.EncodeToString(h.Sum(nil))
}

func TestManager_ReceiveRejectsUnknownEventType(t *testing.T) {
	m := newTestManager(t, 1)
	_, err := m.Receive(context.Background(), "ghost", "src", nil, []byte(`{}`), "")
	require.Error(t, err)
}

func TestManager_ReceiveRejectsInvalidSignature(t *testing.T) {
	m := newTestManager(t, 1)
	require.NoError(t, m.RegisterWebhook(Config{EventType: "order.created", Secret: "s3cr3t", Algorithm: SignatureHMACSHA256, MaxRetries: 1, RetryDelay: time.Millisecond, RetryBackoff: 2}))

	_, err := m.Receive(context.Background(), "order.created", "src", nil, []byte(`{"a":1}`), "bogus")
	require.Error(t, err)
}

func TestManager_ReceiveAndDispatchSuccess(t *testing.T) {
	m := newTestManager(t, 2)
	require.NoError(t, m.RegisterWebhook(Config{EventType: "order.created", MaxRetries: 2, RetryDelay: time.Millisecond, RetryBackoff: 2, DeadLetterAfter: 5}))

	var mu sync.Mutex
	var seen []string
	require.NoError(t, m.RegisterHandler(Handler{
		EventType: "order.created",
		Priority:  10,
		Fn: func(ctx context.Context, evt *Event) error {
			mu.Lock()
			seen = append(seen, "high")
			mu.Unlock()
			return nil
		},
	}))
	require.NoError(t, m.RegisterHandler(Handler{
		EventType: "order.created",
		Priority:  1,
		Fn: func(ctx context.Context, evt *Event) error {
			mu.Lock()
			seen = append(seen, "low")
			mu.Unlock()
			return nil
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	defer func() { cancel(); m.Stop() }()

	id, err := m.Receive(ctx, "order.created", "src", nil, []byte(`{"id":1}`), "")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	require.Equal(t, []string{"high", "low"}, seen)
	mu.Unlock()

	require.Eventually(t, func() bool {
		return m.Stats().TotalProcessed == 1
	}, time.Second, 10*time.Millisecond)
}

func TestManager_FailedHandlerRetriesThenDeadLetters(t *testing.T) {
	m := newTestManager(t, 2)
	require.NoError(t, m.RegisterWebhook(Config{EventType: "order.created", MaxRetries: 1, RetryDelay: time.Millisecond, RetryBackoff: 2, DeadLetterAfter: 2}))

	var attempts int32
	var mu sync.Mutex
	require.NoError(t, m.RegisterHandler(Handler{
		EventType: "order.created",
		Fn: func(ctx context.Context, evt *Event) error {
			mu.Lock()
			attempts++
			mu.Unlock()
			return context.DeadlineExceeded
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	defer func() { cancel(); m.Stop() }()

	_, err := m.Receive(ctx, "order.created", "src", nil, []byte(`{}`), "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return m.Stats().TotalDeadLettered == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	require.GreaterOrEqual(t, attempts, int32(2))
	mu.Unlock()
}

func TestManager_SignatureVerificationAccepted(t *testing.T) {
	m := newTestManager(t, 1)
	require.NoError(t, m.RegisterWebhook(Config{EventType: "order.created", Secret: "s3cr3t", Algorithm: SignatureHMACSHA256}))

	payload := []byte(`{"a":1,"b":2}`)
	sig := signPayload("s3cr3t", payload)

	id, err := m.Receive(context.Background(), "order.created", "src", nil, payload, sig)
	require.NoError(t, err)
	require.NotEmpty(t, id)
}
