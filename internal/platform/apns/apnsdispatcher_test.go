// --- File: internal/platform/apns/apnsdispatcher_test.go ---
package apns

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sideshow/apns2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-push-service/pkg/push"
	"github.com/tinywideclouds/go-push-service/pushservice/config"
)

type MockAPNSClient struct {
	mock.Mock
}

func (m *MockAPNSClient) PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error) {
	args := m.Called(ctx, n)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*apns2.Response), args.Error(1)
}

// recordingClient records every request and answers through respond.
type recordingClient struct {
	mu      sync.Mutex
	sent    []*apns2.Notification
	respond func(ctx context.Context, n *apns2.Notification) (*apns2.Response, error)
}

func (c *recordingClient) PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error) {
	c.mu.Lock()
	c.sent = append(c.sent, n)
	c.mu.Unlock()
	if c.respond == nil {
		return &apns2.Response{StatusCode: http.StatusOK, ApnsID: n.ApnsID}, nil
	}
	return c.respond(ctx, n)
}

func (c *recordingClient) requests() []*apns2.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]*apns2.Notification(nil), c.sent...)
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceToken < out[j].DeviceToken })
	return out
}

type stubConnector struct {
	conn  *Connection
	err   error
	calls int
}

func (s *stubConnector) Connect(applicationID string) (*Connection, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.conn, nil
}

var fixedNow = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newTestDispatcher(client Client, cfg config.APNsConfig) (*Dispatcher, *stubConnector) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	connector := &stubConnector{conn: &Connection{ApplicationID: "app", Client: client, Topic: "com.test.app"}}
	d := NewDispatcher(connector, cfg, logger)
	d.now = func() time.Time { return fixedNow }
	return d, connector
}

func payloadJSON(t *testing.T, n *apns2.Notification) map[string]any {
	t.Helper()
	raw, err := n.MarshalJSON()
	require.NoError(t, err)
	return decodeJSON(t, raw)
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()
	hello := push.Options{}.Notification(push.TextAlert("Hello world"))

	t.Run("Happy Path - Success", func(t *testing.T) {
		mockClient := new(MockAPNSClient)
		dispatcher, _ := newTestDispatcher(mockClient, config.APNsConfig{})

		mockResponse := &apns2.Response{StatusCode: http.StatusOK, ApnsID: "apns-1"}
		mockClient.On("PushWithContext", mock.Anything, mock.MatchedBy(func(n *apns2.Notification) bool {
			return n.DeviceToken == "token-1" && n.Topic == "com.test.app" && n.ApnsID != ""
		})).Return(mockResponse, nil)

		report, err := dispatcher.Dispatch(ctx, []string{"token-1"}, hello, push.DeliveryOptions{})

		require.NoError(t, err)
		require.Len(t, report, 1)
		assert.True(t, report["token-1"].Success())
		assert.Equal(t, "success:1 invalid:0 total_fail:0", report.Summary())
		mockClient.AssertExpectations(t)
	})

	t.Run("Valid Priorities Pass Validation", func(t *testing.T) {
		for _, p := range []push.Priority{0, push.PriorityNormal, push.PriorityHigh} {
			client := &recordingClient{}
			dispatcher, _ := newTestDispatcher(client, config.APNsConfig{})

			report, err := dispatcher.Dispatch(ctx, []string{"abc"}, hello, push.DeliveryOptions{Priority: p})

			require.NoError(t, err, "priority %d", p)
			assert.Len(t, report, 1)
			require.Len(t, client.requests(), 1)
			assert.Equal(t, int(push.DeliveryOptions{Priority: p}.EffectivePriority()), client.requests()[0].Priority)
		}
	})

	t.Run("Invalid Priority Fails Fast Without Sending", func(t *testing.T) {
		mockClient := new(MockAPNSClient)
		dispatcher, connector := newTestDispatcher(mockClient, config.APNsConfig{})

		report, err := dispatcher.Dispatch(ctx, []string{"abc", "def"}, hello, push.DeliveryOptions{Priority: 24})

		require.Error(t, err)
		assert.ErrorIs(t, err, push.ErrUnsupportedPriority)
		assert.True(t, push.IsConfigError(err))
		assert.Nil(t, report)
		assert.Zero(t, connector.calls)
		mockClient.AssertNotCalled(t, "PushWithContext", mock.Anything, mock.Anything)
	})

	t.Run("Report Holds Exactly One Entry Per Distinct Token", func(t *testing.T) {
		client := &recordingClient{}
		dispatcher, _ := newTestDispatcher(client, config.APNsConfig{MaxConcurrentPushes: 2})
		tokens := []string{"a", "b", "c", "a", "d", "b"}

		report, err := dispatcher.Dispatch(ctx, tokens, hello, push.DeliveryOptions{})

		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c", "d"}, report.Tokens())
		assert.Len(t, client.requests(), 4)
	})

	t.Run("Empty Token Set Yields Empty Report", func(t *testing.T) {
		client := &recordingClient{}
		dispatcher, connector := newTestDispatcher(client, config.APNsConfig{})

		report, err := dispatcher.Dispatch(ctx, nil, hello, push.DeliveryOptions{})

		require.NoError(t, err)
		assert.NotNil(t, report)
		assert.Empty(t, report)
		assert.Zero(t, connector.calls)
	})

	t.Run("Expiration Resolves TTL For Every Token", func(t *testing.T) {
		client := &recordingClient{}
		dispatcher, _ := newTestDispatcher(client, config.APNsConfig{})
		opts := push.Options{Expiration: 1}

		report, err := dispatcher.Dispatch(ctx, []string{"abc", "def"}, opts.Notification(push.TextAlert("Hello world")), opts.Delivery())

		require.NoError(t, err)
		assert.Len(t, report, 2)
		sent := client.requests()
		require.Len(t, sent, 2)
		for _, n := range sent {
			assert.Equal(t, fixedNow.Add(time.Second), n.Expiration)
			assert.Equal(t, "Hello world", payloadJSON(t, n)["aps"].(map[string]any)["alert"])
		}
	})

	t.Run("Default TTL Is Thirty Days", func(t *testing.T) {
		client := &recordingClient{}
		dispatcher, _ := newTestDispatcher(client, config.APNsConfig{})

		_, err := dispatcher.Dispatch(ctx, []string{"abc"}, hello, push.DeliveryOptions{})

		require.NoError(t, err)
		assert.Equal(t, fixedNow.Add(30*24*time.Hour), client.requests()[0].Expiration)
	})

	t.Run("Badge Sound Extra And Time To Live", func(t *testing.T) {
		client := &recordingClient{}
		dispatcher, _ := newTestDispatcher(client, config.APNsConfig{})
		badge := 1
		opts := push.Options{
			Badge:      &badge,
			Sound:      "chime",
			Extra:      map[string]any{"custom_data": 12345},
			TimeToLive: 3,
			CollapseID: "thread-7",
		}

		_, err := dispatcher.Dispatch(ctx, []string{"abc"}, opts.Notification(push.TextAlert("Hello world")), opts.Delivery())

		require.NoError(t, err)
		sent := client.requests()
		require.Len(t, sent, 1)
		body := payloadJSON(t, sent[0])
		aps := body["aps"].(map[string]any)
		assert.Equal(t, "chime", aps["sound"])
		assert.Equal(t, float64(1), aps["badge"])
		assert.Equal(t, float64(12345), body["custom_data"])
		assert.Equal(t, fixedNow.Add(3*time.Second), sent[0].Expiration)
		assert.Equal(t, "thread-7", sent[0].CollapseID)
		assert.Equal(t, apns2.PushTypeAlert, sent[0].PushType)
	})

	t.Run("Silent Content Available Push Is Sent As Background", func(t *testing.T) {
		client := &recordingClient{}
		dispatcher, _ := newTestDispatcher(client, config.APNsConfig{})
		opts := push.Options{ContentAvailable: true}

		_, err := dispatcher.Dispatch(ctx, []string{"abc"}, opts.Notification(nil), opts.Delivery())

		require.NoError(t, err)
		assert.Equal(t, apns2.PushTypeBackground, client.requests()[0].PushType)
	})

	t.Run("Per Token Rejection Does Not Abort Siblings", func(t *testing.T) {
		client := &recordingClient{respond: func(_ context.Context, n *apns2.Notification) (*apns2.Response, error) {
			switch n.DeviceToken {
			case "ghi":
				return &apns2.Response{StatusCode: http.StatusGone, Reason: apns2.ReasonUnregistered}, nil
			case "big":
				return &apns2.Response{StatusCode: http.StatusRequestEntityTooLarge, Reason: apns2.ReasonPayloadTooLarge}, nil
			default:
				return &apns2.Response{StatusCode: http.StatusOK}, nil
			}
		}}
		dispatcher, _ := newTestDispatcher(client, config.APNsConfig{})

		report, err := dispatcher.Dispatch(ctx, []string{"abc", "def", "ghi", "big"}, hello, push.DeliveryOptions{})

		require.NoError(t, err)
		require.Len(t, report, 4)
		assert.True(t, report["abc"].Success())
		assert.True(t, report["def"].Success())
		assert.Equal(t, push.ResultUnregistered, report["ghi"].Kind)
		assert.Equal(t, "Unregistered", report["ghi"].String())
		assert.Equal(t, push.ResultPayloadTooLarge, report["big"].Kind)
		assert.Equal(t, []string{"ghi"}, report.Invalid())
	})

	t.Run("Transport Failure Aborts The Batch", func(t *testing.T) {
		mockClient := new(MockAPNSClient)
		dispatcher, _ := newTestDispatcher(mockClient, config.APNsConfig{})
		mockClient.On("PushWithContext", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused"))

		report, err := dispatcher.Dispatch(ctx, []string{"token-1", "token-2"}, hello, push.DeliveryOptions{})

		require.Error(t, err)
		var transportErr *push.TransportError
		assert.ErrorAs(t, err, &transportErr)
		assert.Nil(t, report)
	})

	t.Run("Connection Failure Is Returned Before Any Send", func(t *testing.T) {
		mockClient := new(MockAPNSClient)
		dispatcher, connector := newTestDispatcher(mockClient, config.APNsConfig{})
		connector.err = &push.ConfigError{ApplicationID: "missing", Err: push.ErrUnknownApplication}

		report, err := dispatcher.Dispatch(ctx, []string{"abc"}, hello, push.DeliveryOptions{ApplicationID: "missing"})

		assert.ErrorIs(t, err, push.ErrUnknownApplication)
		assert.Nil(t, report)
		mockClient.AssertNotCalled(t, "PushWithContext", mock.Anything, mock.Anything)
	})

	t.Run("Batch Deadline Produces Partial Timeout Report", func(t *testing.T) {
		client := &recordingClient{respond: func(ctx context.Context, n *apns2.Notification) (*apns2.Response, error) {
			if n.DeviceToken == "slow" {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return &apns2.Response{StatusCode: http.StatusOK}, nil
		}}
		dispatcher, _ := newTestDispatcher(client, config.APNsConfig{BatchTimeout: 50 * time.Millisecond})

		report, err := dispatcher.Dispatch(ctx, []string{"fast", "slow"}, hello, push.DeliveryOptions{})

		require.NoError(t, err)
		require.Len(t, report, 2)
		assert.True(t, report["fast"].Success())
		assert.Equal(t, push.ResultTimeout, report["slow"].Kind)
		assert.Empty(t, report.Invalid())
	})

	t.Run("Transport Failure After The Deadline Is Not A Timeout", func(t *testing.T) {
		client := &recordingClient{respond: func(ctx context.Context, n *apns2.Notification) (*apns2.Response, error) {
			<-ctx.Done()
			return nil, errors.New("stream reset by peer")
		}}
		dispatcher, _ := newTestDispatcher(client, config.APNsConfig{BatchTimeout: 20 * time.Millisecond})

		report, err := dispatcher.Dispatch(ctx, []string{"abc"}, hello, push.DeliveryOptions{})

		require.Error(t, err)
		var transportErr *push.TransportError
		assert.ErrorAs(t, err, &transportErr)
		assert.Equal(t, "abc", transportErr.Token)
		assert.Nil(t, report)
	})

	t.Run("Wrapped Deadline Error Is Still A Timeout", func(t *testing.T) {
		client := &recordingClient{respond: func(ctx context.Context, n *apns2.Notification) (*apns2.Response, error) {
			<-ctx.Done()
			return nil, fmt.Errorf("Post \"https://api.push.apple.com\": %w", ctx.Err())
		}}
		dispatcher, _ := newTestDispatcher(client, config.APNsConfig{BatchTimeout: 20 * time.Millisecond})

		report, err := dispatcher.Dispatch(ctx, []string{"abc"}, hello, push.DeliveryOptions{})

		require.NoError(t, err)
		assert.Equal(t, push.ResultTimeout, report["abc"].Kind)
	})

	t.Run("Caller Cancellation Is An Error", func(t *testing.T) {
		callerCtx, cancel := context.WithCancel(ctx)
		client := &recordingClient{respond: func(ctx context.Context, n *apns2.Notification) (*apns2.Response, error) {
			cancel()
			<-ctx.Done()
			return nil, ctx.Err()
		}}
		dispatcher, _ := newTestDispatcher(client, config.APNsConfig{})

		report, err := dispatcher.Dispatch(callerCtx, []string{"abc"}, hello, push.DeliveryOptions{})

		assert.ErrorIs(t, err, context.Canceled)
		assert.Nil(t, report)
	})

	t.Run("Per Token Badge Resolver", func(t *testing.T) {
		client := &recordingClient{}
		dispatcher, _ := newTestDispatcher(client, config.APNsConfig{})
		counts := map[string]int{"abc": 3, "def": 7}
		opts := push.Options{BadgeFunc: func(token string) int { return counts[token] }}

		_, err := dispatcher.Dispatch(ctx, []string{"abc", "def"}, opts.Notification(push.TextAlert("hi")), opts.Delivery())

		require.NoError(t, err)
		sent := client.requests()
		require.Len(t, sent, 2)
		assert.Equal(t, float64(3), payloadJSON(t, sent[0])["aps"].(map[string]any)["badge"])
		assert.Equal(t, float64(7), payloadJSON(t, sent[1])["aps"].(map[string]any)["badge"])
	})
}
