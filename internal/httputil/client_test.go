package httputil

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetJSON(t *testing.T) {
	mock := NewMockHTTPClient().AddResponse(http.StatusOK, `{"phase":"done","calibration_points":9}`)

	var got struct {
		Phase  string `json:"phase"`
		Points int    `json:"calibration_points"`
	}
	require.NoError(t, GetJSON(context.Background(), mock, "http://tracker/api/state", &got))
	assert.Equal(t, "done", got.Phase)
	assert.Equal(t, 9, got.Points)

	req := mock.GetRequest(0)
	require.NotNil(t, req)
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "/api/state", req.URL.Path)
	assert.Equal(t, "application/json", req.Header.Get("Accept"))
}

func TestGetJSON_Errors(t *testing.T) {
	var out map[string]any

	mock := NewMockHTTPClient().AddResponse(http.StatusNotFound, `{"error":"no session"}`)
	err := GetJSON(context.Background(), mock, "http://tracker/api/state", &out)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
	assert.Equal(t, "no session", se.Message)

	mock = NewMockHTTPClient().AddResponse(http.StatusOK, `not json`)
	err = GetJSON(context.Background(), mock, "http://tracker/api/state", &out)
	assert.ErrorContains(t, err, "decode")

	boom := errors.New("connection refused")
	mock = NewMockHTTPClient().AddErrorResponse(boom)
	err = GetJSON(context.Background(), mock, "http://tracker/api/state", &out)
	assert.ErrorIs(t, err, boom)
}

func TestPostForm(t *testing.T) {
	mock := NewMockHTTPClient().AddResponse(http.StatusAccepted, `{"status":"accepted"}`)

	body, err := PostForm(context.Background(), mock, "http://tracker/api/calibration", url.Values{"action": {"abort"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"accepted"}`, string(body))

	req := mock.GetRequest(0)
	require.NotNil(t, req)
	assert.Equal(t, "application/x-www-form-urlencoded", req.Header.Get("Content-Type"))
	sent, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, "action=abort", string(sent))
}

func TestPostForm_PlainTextError(t *testing.T) {
	mock := NewMockHTTPClient().AddResponse(http.StatusInternalServerError, "Failed to write command\n")
	_, err := PostForm(context.Background(), mock, "http://tracker/debug/send-command-api", url.Values{"command": {"PING"}})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "Failed to write command", se.Message)
	assert.Equal(t, "http 500: Failed to write command", se.Error())
}

func TestMockHTTPClient_DefaultsToEmptyOK(t *testing.T) {
	mock := NewMockHTTPClient()
	req := httptest.NewRequest(http.MethodGet, "http://tracker/", nil)
	resp, err := mock.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, mock.RequestCount())
	assert.Nil(t, mock.GetRequest(5))
}

func TestAgainstRealServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			WriteJSON(w, http.StatusAccepted, map[string]string{"action": r.FormValue("action")})
			return
		}
		WriteJSONOK(w, map[string]int{"aois": 4})
	}))
	defer srv.Close()

	var state map[string]int
	require.NoError(t, GetJSON(context.Background(), srv.Client(), srv.URL, &state))
	assert.Equal(t, 4, state["aois"])

	body, err := PostForm(context.Background(), srv.Client(), srv.URL, url.Values{"action": {"recalibrate"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"recalibrate"}`, string(body))
}
