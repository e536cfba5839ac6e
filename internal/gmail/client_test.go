package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const notFoundBody = `{"error":{"code":404,"message":"Requested entity was not found.","errors":[{"reason":"notFound"}]}}`

func newTestClient(t *testing.T, mux *http.ServeMux, opts ...ClientOption) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	svc, err := gmailapi.NewService(context.Background(),
		option.WithHTTPClient(srv.Client()),
		option.WithEndpoint(srv.URL+"/"),
	)
	require.NoError(t, err)
	return NewClient(svc, opts...)
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func TestClient_Profile(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/profile", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"emailAddress":"me@example.com","historyId":"200"}`)
	})
	c := newTestClient(t, mux)

	p, err := c.Profile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "me@example.com", p.EmailAddress)
	assert.Equal(t, uint64(200), p.HistoryId)
}

func TestClient_ListHistory(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/history", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("startHistoryId") == "1" {
			writeJSON(w, http.StatusNotFound, notFoundBody)
			return
		}
		assert.Equal(t, "100", q.Get("startHistoryId"))
		assert.ElementsMatch(t, []string{HistoryMessageAdded, HistoryLabelAdded}, q["historyTypes"])

		if q.Get("pageToken") == "" {
			writeJSON(w, http.StatusOK, `{
				"history":[{"id":"101","messagesAdded":[{"message":{"id":"m1"}}]}],
				"historyId":"150",
				"nextPageToken":"p2"}`)
			return
		}
		assert.Equal(t, "p2", q.Get("pageToken"))
		writeJSON(w, http.StatusOK, `{
			"history":[{"id":"120","labelsAdded":[{"message":{"id":"m2"},"labelIds":["INBOX"]}]}],
			"historyId":"150"}`)
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	page, err := c.ListHistory(ctx, 100, "")
	require.NoError(t, err)
	assert.Equal(t, uint64(150), page.HistoryId)
	assert.Equal(t, "p2", page.NextPageToken)
	require.Len(t, page.History, 1)
	assert.Equal(t, "m1", page.History[0].MessagesAdded[0].Message.Id)

	page, err = c.ListHistory(ctx, 100, "p2")
	require.NoError(t, err)
	assert.Empty(t, page.NextPageToken)
	assert.Equal(t, "m2", page.History[0].LabelsAdded[0].Message.Id)

	_, err = c.ListHistory(ctx, 1, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHistoryExpired)
}

func TestClient_WatchAndStop(t *testing.T) {
	var stopped atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/watch", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var req gmailapi.WatchRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "projects/p/topics/gmail", req.TopicName)
		assert.Equal(t, []string{LabelInbox, LabelSent}, req.LabelIds)
		assert.Equal(t, "include", req.LabelFilterAction)
		writeJSON(w, http.StatusOK, `{"historyId":"300","expiration":"1700000000000"}`)
	})
	mux.HandleFunc("/gmail/v1/users/me/stop", func(w http.ResponseWriter, r *http.Request) {
		stopped.Store(true)
		w.WriteHeader(http.StatusNoContent)
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	resp, err := c.Watch(ctx, "projects/p/topics/gmail", []string{LabelInbox, LabelSent})
	require.NoError(t, err)
	assert.Equal(t, uint64(300), resp.HistoryId)
	assert.Equal(t, int64(1700000000000), resp.Expiration)

	require.NoError(t, c.Stop(ctx))
	assert.True(t, stopped.Load())
}

func TestClient_GetMessageAndAttachment(t *testing.T) {
	content := []byte("%PDF-1.4 binary\xff\xfe content")
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/messages/m1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "full", r.URL.Query().Get("format"))
		writeJSON(w, http.StatusOK, `{"id":"m1","threadId":"t1","labelIds":["INBOX"],"internalDate":"1709294400000"}`)
	})
	mux.HandleFunc("/gmail/v1/users/me/messages/m1/attachments/a1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, fmt.Sprintf(`{"size":%d,"data":%q}`, len(content), base64.URLEncoding.EncodeToString(content)))
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	msg, err := c.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "t1", msg.ThreadId)
	assert.Equal(t, int64(1709294400000), msg.InternalDate)

	data, err := c.GetAttachment(ctx, "m1", "a1")
	require.NoError(t, err)
	assert.Equal(t, content, data)

	_, err = c.GetAttachment(ctx, "m1", "")
	assert.Error(t, err)
}

func TestClient_ListMessageIDs(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		q := r.URL.Query()
		assert.Equal(t, "(from:alice@example.com OR to:alice@example.com)", q.Get("q"))
		switch q.Get("pageToken") {
		case "":
			assert.Equal(t, "3", q.Get("maxResults"))
			writeJSON(w, http.StatusOK, `{"messages":[{"id":"a"},{"id":"b"}],"nextPageToken":"n"}`)
		case "n":
			assert.Equal(t, "1", q.Get("maxResults"))
			writeJSON(w, http.StatusOK, `{"messages":[{"id":"c"}],"nextPageToken":"more"}`)
		default:
			t.Errorf("unexpected page token %q", q.Get("pageToken"))
		}
	})
	c := newTestClient(t, mux)

	ids, err := c.ListMessageIDs(context.Background(), "(from:alice@example.com OR to:alice@example.com)", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids)
	assert.Equal(t, int32(2), calls.Load(), "stops once max is reached")

	ids, err = c.ListMessageIDs(context.Background(), "x", 0)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestClient_BreakerTripsOnServerErrors(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/history", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusInternalServerError, `{"error":{"code":500,"message":"backend error"}}`)
	})
	settings := BreakerSettings{MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, ConsecutiveFailures: 2}
	c := newTestClient(t, mux, WithBreaker(newBreaker("test", settings, nil)))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := c.ListHistory(ctx, 100, "")
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, c.State())

	_, err := c.ListHistory(ctx, 100, "")
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.True(t, IsRetryable(err))
	assert.Equal(t, int32(2), calls.Load(), "open breaker fails fast")
}

func TestClient_GetMessageBypassesBreaker(t *testing.T) {
	var gets atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/messages/", func(w http.ResponseWriter, r *http.Request) {
		if gets.Add(1) <= 5 {
			writeJSON(w, http.StatusInternalServerError, `{"error":{"code":500,"message":"backend error"}}`)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/gmail/v1/users/me/messages/")
		writeJSON(w, http.StatusOK, fmt.Sprintf(`{"id":%q,"labelIds":["INBOX"]}`, id))
	})
	settings := BreakerSettings{MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, ConsecutiveFailures: 2}
	c := newTestClient(t, mux, WithBreaker(newBreaker("test", settings, nil)))
	ctx := context.Background()

	var fetched, retryable int
	for i := 0; i < 50; i++ {
		msg, err := c.GetMessage(ctx, fmt.Sprintf("m%02d", i))
		if err != nil {
			assert.True(t, IsRetryable(err))
			retryable++
			continue
		}
		assert.Equal(t, fmt.Sprintf("m%02d", i), msg.Id)
		fetched++
	}
	assert.Equal(t, 5, retryable)
	assert.Equal(t, 45, fetched, "server errors on single messages do not cut off the rest")
	assert.Equal(t, gobreaker.StateClosed, c.State())
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"not found", &googleapi.Error{Code: http.StatusNotFound}, false},
		{"forbidden", fmt.Errorf("wrapped: %w", &googleapi.Error{Code: http.StatusForbidden}), false},
		{"throttled", &googleapi.Error{Code: http.StatusTooManyRequests}, true},
		{"server error", fmt.Errorf("wrapped: %w", &googleapi.Error{Code: http.StatusServiceUnavailable}), true},
		{"breaker open", fmt.Errorf("wrapped: %w", gobreaker.ErrOpenState), true},
		{"deadline", context.DeadlineExceeded, true},
		{"transport", errors.New("connection reset by peer"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestClient_NotFoundDoesNotTripBreaker(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, notFoundBody)
	})
	settings := BreakerSettings{MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, ConsecutiveFailures: 2}
	c := newTestClient(t, mux, WithBreaker(newBreaker("test", settings, nil)))

	for i := 0; i < 5; i++ {
		_, err := c.ListMessageIDs(context.Background(), "from:gone@example.com", 10)
		require.Error(t, err)
		assert.True(t, IsNotFound(err))
		assert.False(t, IsRetryable(err))
	}
	assert.Equal(t, gobreaker.StateClosed, c.State())
}

func TestDecodeData(t *testing.T) {
	raw := []byte("hello?>world~~")
	tests := []struct {
		name string
		in   string
	}{
		{"url padded", base64.URLEncoding.EncodeToString(raw)},
		{"url unpadded", base64.RawURLEncoding.EncodeToString(raw)},
		{"standard", base64.StdEncoding.EncodeToString(raw)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := DecodeData(tt.in)
			require.NoError(t, err)
			assert.Equal(t, raw, out)
		})
	}

	out, err := DecodeData("")
	require.NoError(t, err)
	assert.Nil(t, out)

	_, err = DecodeData("!!!")
	assert.Error(t, err)
}

func TestCountsAsSuccess(t *testing.T) {
	assert.True(t, countsAsSuccess(nil))
	assert.True(t, countsAsSuccess(context.Canceled))
	assert.False(t, countsAsSuccess(errors.New("connection reset")))
}
