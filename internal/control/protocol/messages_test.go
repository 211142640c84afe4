package protocol

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMethod_IsKnown(t *testing.T) {
	tests := []struct {
		method   Method
		expected bool
	}{
		{MethodPing, true},
		{MethodInterface, true},
		{MethodLimit, true},
		{MethodPoll, true},
		{MethodStop, true},
		{Method("reboot"), false},
		{Method(""), false},
		{Method("PING"), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.method), func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.method.IsKnown())
		})
	}
}

func TestDecodeRequest(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    *Request
		wantErr bool
	}{
		{
			name: "ping",
			body: `{"method":"ping"}`,
			want: &Request{Method: MethodPing},
		},
		{
			name: "interface",
			body: `{"method":"interface","interface":"wlan0"}`,
			want: &Request{Method: MethodInterface, Interface: "wlan0"},
		},
		{
			name: "limit",
			body: `{"method":"limit","app":"firefox"}`,
			want: &Request{Method: MethodLimit, App: "firefox"},
		},
		{
			name: "unknown fields are ignored",
			body: `{"method":"poll","extra":1}`,
			want: &Request{Method: MethodPoll},
		},
		{
			name: "unknown method decodes",
			body: `{"method":"dance"}`,
			want: &Request{Method: Method("dance")},
		},
		{
			name:    "not json",
			body:    `method=ping`,
			wantErr: true,
		},
		{
			name:    "empty body",
			body:    ``,
			wantErr: true,
		},
		{
			name:    "wrong type",
			body:    `{"method":42}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := DecodeRequest(strings.NewReader(tt.body))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedRequest)
				assert.Nil(t, req)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, req)
		})
	}
}

func TestRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     *Request
		wantErr bool
	}{
		{"ping", NewRequest(MethodPing), false},
		{"poll", NewRequest(MethodPoll), false},
		{"stop", NewRequest(MethodStop), false},
		{"interface with name", NewInterfaceRequest("eth0"), false},
		{"interface without name", NewInterfaceRequest(""), true},
		{"limit with app", NewLimitRequest("curl"), false},
		{"limit without app", NewLimitRequest(""), true},
		{"unknown method", NewRequest(Method("dance")), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidParams)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewPollResponse(t *testing.T) {
	tests := []struct {
		name     string
		programs []string
		stop     bool
		body     string
	}{
		{"nil programs", nil, false, `[]`},
		{"empty programs", []string{}, false, `[]`},
		{"programs in order", []string{"firefox", "curl"}, false, `["firefox","curl"]`},
		{"stop", []string{"ignored"}, true, `{"stop":true}`},
		{"unicode name", []string{"🦀 curl"}, false, `["🦀 curl"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := NewPollResponse(tt.programs, tt.stop)
			require.NoError(t, err)
			assert.Equal(t, http.StatusOK, resp.Status)
			assert.Equal(t, contentTypeJSON, resp.ContentType)
			assert.JSONEq(t, tt.body, string(resp.Body))
		})
	}
}

func TestResponse_Write(t *testing.T) {
	t.Run("pong", func(t *testing.T) {
		rec := httptest.NewRecorder()
		require.NoError(t, NewPongResponse().Write(rec))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "pong", rec.Body.String())
		assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	})

	t.Run("empty", func(t *testing.T) {
		rec := httptest.NewRecorder()
		require.NoError(t, NewEmptyResponse().Write(rec))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Body.String())
		assert.Equal(t, "0", rec.Header().Get("Content-Length"))
	})

	t.Run("error", func(t *testing.T) {
		rec := httptest.NewRecorder()
		require.NoError(t, NewErrorResponse(http.StatusConflict, ErrCodeInvalidState, "session is stopped").Write(rec))

		assert.Equal(t, http.StatusConflict, rec.Code)
		info, err := DecodeError(rec.Body.Bytes())
		require.NoError(t, err)
		assert.Equal(t, ErrCodeInvalidState, info.Code)
		assert.Equal(t, "session is stopped", info.Message)
	})
}

func TestDecodePoll(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		programs []string
		stop     bool
		wantErr  bool
	}{
		{name: "empty array", body: `[]`, programs: []string{}},
		{name: "programs", body: `["a","b"]`, programs: []string{"a", "b"}},
		{name: "with whitespace", body: " [\"a\"]\n", programs: []string{"a"}},
		{name: "stop", body: `{"stop":true}`, stop: true},
		{name: "object without stop", body: `{"stop":false}`, wantErr: true},
		{name: "empty", body: ``, wantErr: true},
		{name: "garbage", body: `pong`, wantErr: true},
		{name: "wrong element type", body: `[1,2]`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			programs, stop, err := DecodePoll([]byte(tt.body))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.programs, programs)
			assert.Equal(t, tt.stop, stop)
		})
	}
}
