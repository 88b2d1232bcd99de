// Copyright (c) 2025-2026 The Dropforge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package system carries the HTTP plumbing shared by the API and event
// servers: the JSON response envelope, request logging, rate limiting,
// admin token auth and the captcha glue.
package system

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"strconv"

	"github.com/zenazn/goji/web"
	"google.golang.org/grpc/codes"

	"github.com/dropforge/dropd/dropapi"
)

// APIResponse is the response struct used by the server to marshal to
// a JSON object. Data should be another struct with JSON tags; error
// envelopes carry an APIErrorData.
type APIResponse struct {
	Status  string      `json:"status"`
	Code    codes.Code  `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// NewAPIResponse is a constructor for APIResponse.
func NewAPIResponse(status string, code codes.Code, message string, data interface{}) *APIResponse {
	return &APIResponse{status, code, message, data}
}

// APIErrorData is the machine-readable payload attached to error
// envelopes.
type APIErrorData struct {
	ErrorCode  string `json:"errorCode"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

// APIHandler executes an API processing function and writes either its
// data under a success envelope or the mapped error. It returns a
// web.HandlerFunc so it can be used with a goji router.
func APIHandler(apiFun func(web.C, *http.Request) (interface{}, error)) web.HandlerFunc {
	return func(c web.C, w http.ResponseWriter, r *http.Request) {
		data, err := apiFun(c, r)
		if err != nil {
			WriteAPIError(w, err)
			return
		}
		WriteAPIResponse(NewAPIResponse("success", codes.OK, "", data), http.StatusOK, w)
	}
}

// WriteAPIError maps err onto the HTTP status, the grpc code in the
// envelope, and a Retry-After header when the error carries one.
func WriteAPIError(w http.ResponseWriter, err error) {
	apiErr := dropapi.AsError(err)
	if apiErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(apiErr.RetryAfter))
	}
	resp := NewAPIResponse("error", apiErr.GRPCCode(), apiErr.Message,
		&APIErrorData{ErrorCode: apiErr.Code, RetryAfter: apiErr.RetryAfter})
	WriteAPIResponse(resp, apiErr.HTTPStatus(), w)
}

// WriteAPIResponse marshals the given envelope into the
// http.ResponseWriter and sets the HTTP status code.
func WriteAPIResponse(resp *APIResponse, code int, w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Warnf("JSON encode error: %v", err)
	}
}

// APIInvalidHandler responds to unroutable API requests. It matches
// the signature of http.HandlerFunc.
func APIInvalidHandler(w http.ResponseWriter, _ *http.Request) {
	resp := NewAPIResponse("error", codes.NotFound, "invalid API command", nil)
	WriteAPIResponse(resp, http.StatusNotFound, w)
}

// GojiWebHandlerFunc is an adaptor that allows an http.HandlerFunc
// where a web.HandlerFunc is required.
func GojiWebHandlerFunc(h http.HandlerFunc) web.HandlerFunc {
	return func(_ web.C, w http.ResponseWriter, r *http.Request) {
		h(w, r)
	}
}

// ClientIP gets the client's real IP address using the configured real
// IP header, or if that is empty, http.Request.RemoteAddr. A reverse
// proxy must be trusted to set the header for it to mean anything.
func ClientIP(r *http.Request, realIPHeader string) string {
	// getHost returns the host portion of a string containing either a
	// host:port formatted name or just a host.
	getHost := func(hostPort string) string {
		ip, _, err := net.SplitHostPort(hostPort)
		if err != nil {
			return hostPort
		}
		return ip
	}

	if realIPHeader == "" {
		return getHost(r.RemoteAddr)
	}
	return getHost(r.Header.Get(realIPHeader))
}

// HashIP derives the anonymized key used for per-address counters. Raw
// addresses never reach the KV store or the queue records. The salt is
// an operator secret so the hashes cannot be reversed by enumeration.
func HashIP(salt, ip string) string {
	if ip == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(salt + ip))
	return hex.EncodeToString(sum[:8])
}
