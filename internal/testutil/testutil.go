// Package testutil holds helpers shared by the HTTP handler tests.
package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
)

// loopbackAddr passes tsweb's debug access check.
const loopbackAddr = "127.0.0.1:12345"

// LoopbackRequest creates a test request that appears to come from
// localhost.
func LoopbackRequest(method, target string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, target, body)
	req.RemoteAddr = loopbackAddr
	return req
}

// Serve runs a loopback request through h and returns the recorded
// response.
func Serve(h http.Handler, method, target string, body io.Reader) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, LoopbackRequest(method, target, body))
	return w
}

// Loopback wraps h so requests from a real test server look local.
func Loopback(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.RemoteAddr = loopbackAddr
		h.ServeHTTP(w, r)
	})
}
