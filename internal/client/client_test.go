package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shini4i/bandwhich-bridge/internal/control/protocol"
)

// fakeControlPlane records requests and answers with a scripted reply.
type fakeControlPlane struct {
	mu       sync.Mutex
	requests []protocol.Request
	ids      []string
	reply    func(req protocol.Request) *protocol.Response
}

func (f *fakeControlPlane) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req protocol.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = protocol.NewErrorResponse(http.StatusBadRequest, protocol.ErrCodeInvalidRequest, "invalid JSON").Write(w)
		return
	}

	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.ids = append(f.ids, r.Header.Get(protocol.RequestIDHeader))
	reply := f.reply
	f.mu.Unlock()

	resp := protocol.NewEmptyResponse()
	if reply != nil {
		resp = reply(req)
	}
	_ = resp.Write(w)
}

func (f *fakeControlPlane) received() []protocol.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Request(nil), f.requests...)
}

func newTestClient(t *testing.T, fake *fakeControlPlane) *Client {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return New(srv.URL + "/")
}

func TestClient_Ping(t *testing.T) {
	tests := []struct {
		name    string
		reply   *protocol.Response
		wantErr bool
	}{
		{"pong", protocol.NewPongResponse(), false},
		{"empty body", protocol.NewEmptyResponse(), true},
		{"server error", protocol.NewErrorResponse(http.StatusInternalServerError, protocol.ErrCodeInternalError, "boom"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeControlPlane{reply: func(protocol.Request) *protocol.Response { return tt.reply }}
			c := newTestClient(t, fake)

			err := c.Ping(context.Background())
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}

			received := fake.received()
			require.Len(t, received, 1)
			assert.Equal(t, protocol.MethodPing, received[0].Method)
		})
	}
}

func TestClient_SendsRequests(t *testing.T) {
	fake := &fakeControlPlane{}
	c := newTestClient(t, fake)
	ctx := context.Background()

	require.NoError(t, c.SetInterface(ctx, "wlan0"))
	require.NoError(t, c.Limit(ctx, "firefox"))
	require.NoError(t, c.Stop(ctx))

	assert.Equal(t, []protocol.Request{
		{Method: protocol.MethodInterface, Interface: "wlan0"},
		{Method: protocol.MethodLimit, App: "firefox"},
		{Method: protocol.MethodStop},
	}, fake.received())

	fake.mu.Lock()
	defer fake.mu.Unlock()
	for _, id := range fake.ids {
		assert.NotEmpty(t, id)
	}
	assert.NotEqual(t, fake.ids[0], fake.ids[1])
}

func TestClient_Poll(t *testing.T) {
	tests := []struct {
		name     string
		programs []string
		stop     bool
	}{
		{"empty", []string{}, false},
		{"programs", []string{"firefox", "curl"}, false},
		{"stopped", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeControlPlane{reply: func(protocol.Request) *protocol.Response {
				resp, _ := protocol.NewPollResponse(tt.programs, tt.stop)
				return resp
			}}
			c := newTestClient(t, fake)

			programs, stop, err := c.Poll(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.stop, stop)
			if !tt.stop {
				assert.Equal(t, tt.programs, programs)
			}
		})
	}
}

func TestClient_ErrorReply(t *testing.T) {
	fake := &fakeControlPlane{reply: func(protocol.Request) *protocol.Response {
		return protocol.NewErrorResponse(http.StatusConflict, protocol.ErrCodeInvalidState, "session is stopped")
	}}
	c := newTestClient(t, fake)

	err := c.SetInterface(context.Background(), "eth0")

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, protocol.ErrCodeInvalidState, apiErr.Code)
	assert.Equal(t, "session is stopped", apiErr.Message)
	assert.Contains(t, err.Error(), "INVALID_STATE")
	assert.False(t, IsGone(err))
}

func TestClient_Unavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := New(url).Ping(context.Background())

	assert.ErrorIs(t, err, ErrUnavailable)
	assert.True(t, IsGone(err))
}

func TestError_Error(t *testing.T) {
	assert.Equal(t, "control plane returned status 502", (&Error{Status: 502}).Error())
	assert.Equal(t, "control plane returned LIMIT_FAILED (500): exit status 1",
		(&Error{Status: 500, Code: "LIMIT_FAILED", Message: "exit status 1"}).Error())
}

func TestNew_TrimsTrailingSlash(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:8421", New("http://127.0.0.1:8421/").BaseURL())
}

func TestIsGone(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"api error", &Error{Status: 500}, false},
		{"plain deadline", context.DeadlineExceeded, false},
		{"unavailable deadline", wrapUnavailable(context.DeadlineExceeded), true},
		{"unavailable other", wrapUnavailable(errors.New("tls: bad certificate")), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsGone(tt.err))
		})
	}
}

func wrapUnavailable(err error) error {
	return errors.Join(ErrUnavailable, err)
}
