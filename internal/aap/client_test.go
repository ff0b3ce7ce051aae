package aap

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ignatij/leappflow/internal/config"
	"github.com/ignatij/leappflow/internal/retry"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}

func testOptions() Options {
	return Options{PageSize: 2, MaxPages: 10, Timeout: 5 * time.Second, Retry: retry.Policy{MaxRetries: 2, InitialBackoff: time.Millisecond}}
}

func newTestClient(t *testing.T, handler http.HandlerFunc, opts Options) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient([]config.RegionConfig{{Name: "amrs", BaseURL: srv.URL, Cookie: "sessionid=abc"}}, opts, nopLogger{})
	require.NoError(t, err)
	return client
}

func TestListJobs(t *testing.T) {
	t.Run("FollowsRelativeAndAbsoluteNext", func(t *testing.T) {
		var srvURL string
		handler := func(w http.ResponseWriter, r *http.Request) {
			if cookie, err := r.Cookie("sessionid"); assert.NoError(t, err) {
				assert.Equal(t, "abc", cookie.Value)
			}

			q := r.URL.Query()
			switch q.Get("page") {
			case "":
				assert.Equal(t, "/api/v2/jobs/", r.URL.Path)
				assert.Equal(t, "leapp", q.Get("name__icontains"))
				assert.Equal(t, "true", q.Get("not__finished__isnull"))
				assert.Equal(t, "job", q.Get("type"))
				assert.Equal(t, "2024-02-01T06:00:00Z", q.Get("created__gt"))
				assert.Equal(t, "2", q.Get("page_size"))
				fmt.Fprint(w, `{"next": "/api/v2/jobs/?page=2", "results": [{"id": 1}, {"id": 2}]}`)
			case "2":
				fmt.Fprintf(w, `{"next": "%s/api/v2/jobs/?page=3", "results": [{"id": 3}]}`, srvURL)
			default:
				fmt.Fprint(w, `{"next": null, "results": [{"id": 4}]}`)
			}
		}
		srv := httptest.NewServer(http.HandlerFunc(handler))
		defer srv.Close()
		srvURL = srv.URL

		client, err := NewClient([]config.RegionConfig{{Name: "amrs", BaseURL: srv.URL, Cookie: "sessionid=abc"}}, testOptions(), nopLogger{})
		require.NoError(t, err)

		jobs, err := client.ListJobs(context.Background(), "amrs", config.DefaultStart)
		require.NoError(t, err)
		require.Len(t, jobs, 4)
		assert.EqualValues(t, 1, jobs[0]["id"])
		assert.EqualValues(t, 4, jobs[3]["id"])
	})

	t.Run("MaxPagesGuard", func(t *testing.T) {
		var calls int32
		opts := testOptions()
		opts.MaxPages = 3
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			fmt.Fprint(w, `{"next": "/api/v2/jobs/?page=again", "results": [{"id": 1}]}`)
		}, opts)

		jobs, err := client.ListJobs(context.Background(), "amrs", time.Now())
		require.NoError(t, err)
		assert.Len(t, jobs, 3)
		assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
	})

	t.Run("RetriesServerErrors", func(t *testing.T) {
		var calls int32
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			fmt.Fprint(w, `{"next": null, "results": [{"id": 9}]}`)
		}, testOptions())

		jobs, err := client.ListJobs(context.Background(), "amrs", time.Now())
		require.NoError(t, err)
		assert.Len(t, jobs, 1)
		assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
	})

	t.Run("DoesNotRetryClientErrors", func(t *testing.T) {
		var calls int32
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusUnauthorized)
		}, testOptions())

		_, err := client.ListJobs(context.Background(), "amrs", time.Now())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 401")
		assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	})

	t.Run("GivesUpAfterMaxRetries", func(t *testing.T) {
		var calls int32
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusTooManyRequests)
		}, testOptions())

		_, err := client.ListJobs(context.Background(), "amrs", time.Now())
		require.Error(t, err)
		assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
	})

	t.Run("UnknownRegion", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {}, testOptions())
		_, err := client.ListJobs(context.Background(), "mars", time.Now())
		assert.True(t, errors.Is(err, ErrUnknownRegion))
	})
}

func TestListFailedJobEvents(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/jobs/42/job_events/", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("failed"))
		fmt.Fprint(w, `{"next": null, "results": [
			{"id": 1, "event_level": 0, "task": "play"},
			{"id": 2, "event_level": 3, "task": "leapp preupgrade"},
			{"id": 3, "event_level": 2, "task": "noise"},
			{"id": 4, "task": "no level"}
		]}`)
	}, testOptions())

	events, err := client.ListFailedJobEvents(context.Background(), "amrs", "42")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "play", events[0]["task"])
	assert.Equal(t, "leapp preupgrade", events[1]["task"])
}

func TestNewRegionClient(t *testing.T) {
	_, err := NewRegionClient(config.RegionConfig{Name: "emea"}, testOptions(), nopLogger{})
	assert.Error(t, err)
}
