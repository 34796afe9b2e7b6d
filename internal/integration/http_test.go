package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openambit/ambit-sync/internal/config"
	"github.com/openambit/ambit-sync/pkg/ambit"
)

func testDocument() *Document {
	start := time.Date(2024, 5, 12, 7, 31, 0, 0, time.UTC)
	entry := &ambit.LogEntry{
		Header: ambit.LogHeader{ID: 42, Timestamp: start, Duration: 90 * time.Second, Distance: 310},
		Stats:  ambit.Stats{AvgHeartRate: 140, Calories: 12},
		HeartRate: ambit.NewHeartRateSeries([]ambit.HeartRateSample{
			{Offset: 0, BPM: 120},
			{Offset: 2 * time.Second, BPM: 124},
		}),
		Track: ambit.NewGPSSeries([]ambit.GPSSample{
			{Offset: time.Second, LatitudeE7: 601699820, LongitudeE7: 249384590},
		}),
		Partial: []ambit.SampleKind{ambit.KindAltitude},
	}
	return NewDocument("SN-1", entry)
}

func TestNewDocument(t *testing.T) {
	doc := testDocument()

	assert.Equal(t, "SN-1", doc.Serial)
	assert.Equal(t, uint32(42), doc.LogID)
	assert.Equal(t, int64(90000), doc.Duration)
	assert.Equal(t, "SN-1-42", doc.Key())
	assert.Equal(t, []string{"altitude"}, doc.Partial)

	require.Len(t, doc.HeartRate, 2)
	assert.Equal(t, HeartRatePoint{Offset: 2000, BPM: 124}, doc.HeartRate[1])
	require.Len(t, doc.Track, 1)
	assert.InDelta(t, 60.169982, doc.Track[0].Latitude, 1e-9)
	assert.Empty(t, doc.Altitude)
	assert.Empty(t, doc.Pace)
}

func TestHTTPClient_Submit(t *testing.T) {
	ctx := context.Background()

	t.Run("acknowledged", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
			assert.Equal(t, "SN-1-42", r.Header.Get("Idempotency-Key"))

			var doc Document
			require.NoError(t, json.NewDecoder(r.Body).Decode(&doc))
			assert.Equal(t, uint32(42), doc.LogID)

			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]string{"id": "cloud-7"})
		}))
		defer srv.Close()

		ack, err := NewHTTPClient(srv.URL, "secret", time.Second).Submit(ctx, testDocument())
		require.NoError(t, err)
		assert.Equal(t, "cloud-7", ack)
	})

	t.Run("empty acknowledgment body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))
		defer srv.Close()

		ack, err := NewHTTPClient(srv.URL, "", time.Second).Submit(ctx, testDocument())
		require.NoError(t, err)
		assert.Equal(t, "SN-1-42", ack)
	})

	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"rate limited", http.StatusTooManyRequests, ErrTransient},
		{"server error", http.StatusInternalServerError, ErrTransient},
		{"unavailable", http.StatusServiceUnavailable, ErrTransient},
		{"gateway timeout", http.StatusGatewayTimeout, ErrTransient},
		{"bad request", http.StatusBadRequest, ErrPermanent},
		{"unauthorized", http.StatusUnauthorized, ErrPermanent},
		{"conflict", http.StatusConflict, ErrPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			_, err := NewHTTPClient(srv.URL, "", time.Second).Submit(ctx, testDocument())
			assert.ErrorIs(t, err, tt.want)
		})
	}

	t.Run("timeout is transient", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
		}))
		defer srv.Close()

		_, err := NewHTTPClient(srv.URL, "", 20*time.Millisecond).Submit(ctx, testDocument())
		assert.ErrorIs(t, err, ErrTransient)
	})

	t.Run("connection refused is transient", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		_, err := NewHTTPClient(url, "", time.Second).Submit(ctx, testDocument())
		assert.ErrorIs(t, err, ErrTransient)
	})

	t.Run("bad endpoint is permanent", func(t *testing.T) {
		_, err := NewHTTPClient("ftp://example.invalid/upload", "", time.Second).Submit(ctx, testDocument())
		assert.ErrorIs(t, err, ErrPermanent)
	})
}

func TestHTTPOrbitalSource_Fetch(t *testing.T) {
	blob := []byte("orbit-data-0123456789")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Write(blob)
	}))
	defer srv.Close()

	data, err := NewHTTPOrbitalSource(srv.URL+"/orbit", "").Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, blob, data)

	_, err = NewHTTPOrbitalSource(srv.URL+"/missing", "").Fetch(context.Background())
	assert.Error(t, err)
}

func TestMQTTClient(t *testing.T) {
	c := NewMQTTClient(&config.MQTTConfig{Broker: "tcp://127.0.0.1:1", ClientID: "test"})
	doc := testDocument()

	assert.Equal(t, "ambit/SN-1/logs/42", c.Topic(doc))

	// publishing without a connection is retried later
	_, err := c.Submit(context.Background(), doc)
	assert.ErrorIs(t, err, ErrTransient)
}
