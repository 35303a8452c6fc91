package health

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_UpdateAndGet(t *testing.T) {
	m := NewMonitor()

	m.Update("stream", Status{Component: "ignored", Status: StateHealthy, Healthy: true})
	s, ok := m.Get("stream")
	require.True(t, ok)
	assert.Equal(t, "stream", s.Component)
	assert.False(t, s.Timestamp.IsZero())

	m.UpdateDegraded("websocket", "no viewers")
	m.UpdateUnhealthy("nats", "circuit open")
	m.UpdateHealthy("fits", "writing")
	assert.Equal(t, []string{"fits", "nats", "stream", "websocket"}, m.ListComponents())

	m.Remove("nats")
	_, ok = m.Get("nats")
	assert.False(t, ok)
}

func TestMonitor_UpdateFromError(t *testing.T) {
	m := NewMonitor()
	m.UpdateFromError("stream", nil)

	s, _ := m.Get("stream")
	assert.True(t, s.IsHealthy())
	assert.Equal(t, "ok", s.Message)
}

func TestMonitor_AggregateHealth(t *testing.T) {
	m := NewMonitor()
	assert.True(t, m.AggregateHealth("shmview").IsHealthy())

	m.UpdateHealthy("b", "")
	m.UpdateDegraded("a", "")
	agg := m.AggregateHealth("shmview")
	assert.True(t, agg.IsDegraded())
	require.Len(t, agg.SubStatuses, 2)
	assert.Equal(t, "a", agg.SubStatuses[0].Component, "sorted by name")
}

func TestMonitor_Handler(t *testing.T) {
	m := NewMonitor()
	m.UpdateDegraded("stream", "waiting for producer")

	rec := httptest.NewRecorder()
	m.Handler("shmview").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body Status
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "shmview", body.Component)
	assert.Equal(t, StateDegraded, body.Status)

	m.UpdateUnhealthy("journal", "disk full")
	rec = httptest.NewRecorder()
	m.Handler("shmview").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMonitor_ConcurrentAccess(t *testing.T) {
	m := NewMonitor()
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			m.UpdateHealthy(fmt.Sprintf("c%d", i%5), "ok")
		}(i)
		go func() {
			defer wg.Done()
			_ = m.AggregateHealth("shmview")
		}()
	}
	wg.Wait()

	assert.Len(t, m.ListComponents(), 5)
}
