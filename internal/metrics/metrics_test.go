package metrics_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-push-service/internal/metrics"
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

type stubDispatcher struct {
	report push.DispatchReport
	err    error
}

func (s stubDispatcher) Dispatch(context.Context, []string, push.Notification, push.DeliveryOptions) (push.DispatchReport, error) {
	return s.report, s.err
}

type stubRegistry struct {
	changed int
}

func (s stubRegistry) Register(context.Context, push.Device) error { return nil }
func (s stubRegistry) Unregister(context.Context, urn.URN, string) error { return nil }
func (s stubRegistry) FindActive(context.Context, push.Platform, []string) ([]push.Device, error) {
	return nil, nil
}
func (s stubRegistry) ActiveDevices(context.Context, urn.URN, push.Platform) ([]push.Device, error) {
	return nil, nil
}
func (s stubRegistry) Deactivate(context.Context, []string) (int, error) { return s.changed, nil }

func TestCollector(t *testing.T) {
	ctx := context.Background()

	t.Run("Dispatcher Counts Each Outcome", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		collector := metrics.NewCollector(reg)
		d := collector.WrapDispatcher(push.PlatformAPNs, stubDispatcher{report: push.DispatchReport{
			"abc": {Kind: push.ResultSuccess},
			"def": {Kind: push.ResultSuccess},
			"ghi": {Kind: push.ResultUnregistered},
		}})

		_, err := d.Dispatch(ctx, []string{"abc", "def", "ghi"}, push.Notification{}, push.DeliveryOptions{})

		require.NoError(t, err)
		expected := `
# HELP push_deliveries_total Per-token delivery outcomes by platform and result.
# TYPE push_deliveries_total counter
push_deliveries_total{platform="apns",result="Success"} 2
push_deliveries_total{platform="apns",result="Unregistered"} 1
`
		assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "push_deliveries_total"))
		assert.Equal(t, 1, testutil.CollectAndCount(reg, "push_dispatch_duration_seconds"))
	})

	t.Run("Batch Failures Are Counted Separately", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		collector := metrics.NewCollector(reg)
		d := collector.WrapDispatcher(push.PlatformFCM, stubDispatcher{err: errors.New("down")})

		_, err := d.Dispatch(ctx, []string{"abc"}, push.Notification{}, push.DeliveryOptions{})

		require.Error(t, err)
		assert.Equal(t, 0, testutil.CollectAndCount(reg, "push_deliveries_total"))
		expected := `
# HELP push_dispatch_failures_total Batch dispatches that failed as a whole.
# TYPE push_dispatch_failures_total counter
push_dispatch_failures_total{platform="fcm"} 1
`
		assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "push_dispatch_failures_total"))
	})

	t.Run("Registry Counts Deactivated Devices", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		collector := metrics.NewCollector(reg)
		r := collector.WrapRegistry(stubRegistry{changed: 3})

		changed, err := r.Deactivate(ctx, []string{"a", "b", "c"})

		require.NoError(t, err)
		assert.Equal(t, 3, changed)
		expected := `
# HELP push_devices_deactivated_total Devices switched to inactive after a permanent delivery failure.
# TYPE push_devices_deactivated_total counter
push_devices_deactivated_total 3
`
		assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "push_devices_deactivated_total"))
	})

	t.Run("Handler Serves The Registry", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		collector := metrics.NewCollector(reg)
		_, _ = collector.WrapRegistry(stubRegistry{changed: 1}).Deactivate(ctx, []string{"a"})

		rr := httptest.NewRecorder()
		metrics.Handler(reg).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), "push_devices_deactivated_total 1")
	})
}
