// Copyright (c) 2025-2026 The Dropforge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package controllers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zenazn/goji/web"
	"golang.org/x/crypto/bcrypt"

	"github.com/dropforge/dropd/bus"
	"github.com/dropforge/dropd/drop"
	"github.com/dropforge/dropd/dropapi"
	"github.com/dropforge/dropd/kvstore"
	"github.com/dropforge/dropd/storage"
	"github.com/dropforge/dropd/system"
	"github.com/dropforge/dropd/trust"
)

type testAPI struct {
	eng        *drop.Engine
	bus        *bus.MemBus
	kv         *kvstore.Store
	challenger *trust.Challenger
	controller *APIController
}

// newTestAPI wires a controller over a live engine. The trust gate
// runs at proof-of-work difficulty zero, so any nonce clears it.
func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	kv := kvstore.NewStore()
	t.Cleanup(kv.Close)
	b := bus.NewMemBus()
	t.Cleanup(func() { b.Close() })
	eng, err := drop.NewEngine(drop.Config{PurchaseTokenSecret: "purchase-secret"},
		storage.NewMemStore(), b, kv)
	require.NoError(t, err)
	t.Cleanup(eng.Close)

	challenger := trust.NewChallenger(0, time.Minute, 1024)
	gate := trust.NewGate(trust.Config{
		MinTrustScore: 50,
		Weights:       trust.DefaultWeights,
	}, challenger)

	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)

	controller := NewAPIController(eng, gate, system.NewCaptchaService(),
		system.NewAdminAuth("api-secret", string(hash), 0),
		system.NewRateLimiter(kv, "pow_test", 1000, 1000, 1000, time.Minute),
		"", "pepper", 5*time.Second, "1.0.0-test")
	return &testAPI{eng: eng, bus: b, kv: kv, challenger: challenger, controller: controller}
}

// createDrop initializes a drop open for the next hour unless the
// config says otherwise.
func (ta *testAPI) createDrop(t *testing.T, cfg drop.DropConfig) {
	t.Helper()
	if cfg.Inventory == 0 {
		cfg.Inventory = 5
	}
	if cfg.RegistrationEnd.IsZero() {
		cfg.RegistrationEnd = time.Now().UTC().Add(time.Hour)
	}
	if cfg.TicketPriceUnit == 0 {
		cfg.TicketPriceUnit = 1.0
	}
	if cfg.MaxTicketsPerUser == 0 {
		cfg.MaxTicketsPerUser = 10
	}
	_, err := ta.eng.InitializeDrop(cfg)
	require.NoError(t, err)
}

// solvedValidation mints a fresh challenge; at difficulty zero the
// literal nonce "0" always solves it.
func (ta *testAPI) solvedValidation(t *testing.T, fingerprint string) trust.Validation {
	t.Helper()
	ch, err := ta.challenger.Mint()
	require.NoError(t, err)
	return trust.Validation{
		Fingerprint:           fingerprint,
		FingerprintConfidence: 80,
		TimingMs:              5000,
		PowChallenge:          ch.Challenge,
		PowSolution:           "0",
	}
}

func humanSignals() *trust.BehaviorSignals {
	return &trust.BehaviorSignals{
		MouseMoves:         50,
		Clicks:             3,
		Scrolls:            5,
		KeyPresses:         12,
		DwellMs:            20000,
		InterEventMeanMs:   140,
		InterEventStddevMs: 80,
		PointerSpeedMean:   300,
		PointerSpeedStddev: 120,
	}
}

func params(pairs ...string) web.C {
	m := make(map[string]string, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		m[pairs[i]] = pairs[i+1]
	}
	return web.C{URLParams: m}
}

func jsonBody(t *testing.T, v interface{}) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(v))
	req := httptest.NewRequest("POST", "/", &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func getRequest() *http.Request {
	return httptest.NewRequest("GET", "/", nil)
}

func TestHealth(t *testing.T) {
	ta := newTestAPI(t)

	data, err := ta.controller.Health(web.C{}, getRequest())
	require.NoError(t, err)
	h := data.(*dropapi.HealthResponse)
	require.Equal(t, "1.0.0-test", h.Version)
	require.Zero(t, h.ActiveDrops)

	ta.createDrop(t, drop.DropConfig{DropID: "h1"})
	data, err = ta.controller.Health(web.C{}, getRequest())
	require.NoError(t, err)
	require.Equal(t, 1, data.(*dropapi.HealthResponse).ActiveDrops)
}

func TestPowChallengeRateLimit(t *testing.T) {
	ta := newTestAPI(t)
	ta.controller.powLimiter = system.NewRateLimiter(ta.kv, "pow_tight", 1000, 1000, 2, time.Minute)

	for i := 0; i < 2; i++ {
		data, err := ta.controller.PowChallenge(web.C{}, getRequest())
		require.NoError(t, err)
		ch := data.(trust.Challenge)
		require.NotEmpty(t, ch.Challenge)
		require.Zero(t, ch.Difficulty)
	}

	_, err := ta.controller.PowChallenge(web.C{}, getRequest())
	apiErr := dropapi.AsError(err)
	require.Equal(t, dropapi.KindRateLimited, apiErr.Kind)
	require.Positive(t, apiErr.RetryAfter)
}

func TestQueueJoinDisabledIsImmediatelyReady(t *testing.T) {
	ta := newTestAPI(t)
	ta.createDrop(t, drop.DropConfig{DropID: "plain"})

	_, err := ta.controller.QueueJoin(params("dropId", "plain"),
		jsonBody(t, &dropapi.JoinQueueRequest{}))
	require.Equal(t, dropapi.CodeMissingField, dropapi.AsError(err).Code)

	data, err := ta.controller.QueueJoin(params("dropId", "plain"),
		jsonBody(t, &dropapi.JoinQueueRequest{Fingerprint: "fp-a"}))
	require.NoError(t, err)
	join := data.(*dropapi.JoinQueueResponse)
	require.Equal(t, drop.QueueReady, join.Status)
	require.NotEmpty(t, join.QueueToken)

	st, err := ta.controller.QueueStatus(params("dropId", "plain", "token", join.QueueToken),
		getRequest())
	require.NoError(t, err)
	require.Equal(t, drop.QueueReady, st.(*dropapi.QueueStatusResponse).Status)

	_, err = ta.controller.QueueJoin(params("dropId", "ghost"),
		jsonBody(t, &dropapi.JoinQueueRequest{Fingerprint: "fp-a"}))
	require.Equal(t, dropapi.KindNotFound, dropapi.AsError(err).Kind)
}

func TestRegisterValidation(t *testing.T) {
	ta := newTestAPI(t)
	ta.createDrop(t, drop.DropConfig{DropID: "v1"})

	req := httptest.NewRequest("POST", "/", bytes.NewReader([]byte("{")))
	_, err := ta.controller.Register(params("dropId", "v1"), req)
	require.Equal(t, dropapi.KindValidation, dropapi.AsError(err).Kind)

	_, err = ta.controller.Register(params("dropId", "v1"),
		jsonBody(t, &dropapi.RegisterRequest{Tickets: 1}))
	require.Equal(t, dropapi.CodeMissingField, dropapi.AsError(err).Code)

	_, err = ta.controller.Register(params("dropId", "nope"),
		jsonBody(t, &dropapi.RegisterRequest{UserID: "alice", Tickets: 1}))
	require.Equal(t, dropapi.KindNotFound, dropapi.AsError(err).Kind)
}

func TestRegisterBotRejected(t *testing.T) {
	ta := newTestAPI(t)
	ta.createDrop(t, drop.DropConfig{DropID: "b1"})

	// No proof-of-work at all.
	_, err := ta.controller.Register(params("dropId", "b1"),
		jsonBody(t, &dropapi.RegisterRequest{UserID: "alice", Tickets: 1}))
	apiErr := dropapi.AsError(err)
	require.Equal(t, dropapi.KindBotRejected, apiErr.Kind)
	require.Equal(t, trust.CodePowFailed, apiErr.Code)
}

func TestRegisterSuccess(t *testing.T) {
	ta := newTestAPI(t)
	ta.createDrop(t, drop.DropConfig{DropID: "s1"})

	data, err := ta.controller.Register(params("dropId", "s1"),
		jsonBody(t, &dropapi.RegisterRequest{
			UserID:          "alice",
			Tickets:         3,
			BotValidation:   ta.solvedValidation(t, "fp-alice"),
			BehaviorSignals: humanSignals(),
		}))
	require.NoError(t, err)
	res := data.(*drop.RegisterResult)
	require.True(t, res.Success)
	require.Equal(t, 3, res.UserTickets)
	require.EqualValues(t, 3, res.EffectiveTickets)
	require.Equal(t, 1, res.ParticipantCount)
	require.Equal(t, 1, res.Position)
	require.Equal(t, 2, res.PaidEntries) // first entry free
	require.InDelta(t, 5.0, res.Cost, 0.001)

	_, err = ta.controller.Register(params("dropId", "s1"),
		jsonBody(t, &dropapi.RegisterRequest{
			UserID:        "alice",
			Tickets:       1,
			BotValidation: ta.solvedValidation(t, "fp-alice"),
		}))
	require.Equal(t, dropapi.KindAlreadyRegistered, dropapi.AsError(err).Kind)
}

func TestRegisterQueueChecks(t *testing.T) {
	ta := newTestAPI(t)
	// The hour-long tick keeps every token waiting for the whole test.
	ta.createDrop(t, drop.DropConfig{DropID: "qslow", Queue: &drop.QueueConfig{
		Enabled:         true,
		AdmissionTickMs: 3600000,
	}})

	_, err := ta.controller.Register(params("dropId", "qslow"),
		jsonBody(t, &dropapi.RegisterRequest{UserID: "alice", Tickets: 1}))
	require.Equal(t, dropapi.CodeMissingField, dropapi.AsError(err).Code)

	data, err := ta.controller.QueueJoin(params("dropId", "qslow"),
		jsonBody(t, &dropapi.JoinQueueRequest{Fingerprint: "fp-alice"}))
	require.NoError(t, err)
	join := data.(*dropapi.JoinQueueResponse)
	require.Equal(t, drop.QueueWaiting, join.Status)

	// Token minted for another device.
	_, err = ta.controller.Register(params("dropId", "qslow"),
		jsonBody(t, &dropapi.RegisterRequest{
			UserID:        "alice",
			Tickets:       1,
			QueueToken:    join.QueueToken,
			BotValidation: trust.Validation{Fingerprint: "fp-other"},
		}))
	require.Equal(t, dropapi.KindFingerprintMismatch, dropapi.AsError(err).Kind)

	// Right device, still waiting.
	_, err = ta.controller.Register(params("dropId", "qslow"),
		jsonBody(t, &dropapi.RegisterRequest{
			UserID:        "alice",
			Tickets:       1,
			QueueToken:    join.QueueToken,
			BotValidation: trust.Validation{Fingerprint: "fp-alice"},
		}))
	apiErr := dropapi.AsError(err)
	require.Equal(t, dropapi.KindQueueNotReady, apiErr.Kind)
	require.Positive(t, apiErr.RetryAfter)

	_, err = ta.controller.Register(params("dropId", "qslow"),
		jsonBody(t, &dropapi.RegisterRequest{
			UserID:        "alice",
			Tickets:       1,
			QueueToken:    "no-such-token",
			BotValidation: trust.Validation{Fingerprint: "fp-alice"},
		}))
	require.Equal(t, dropapi.KindNotFound, dropapi.AsError(err).Kind)
}

func TestRegisterThroughQueue(t *testing.T) {
	ta := newTestAPI(t)
	ta.createDrop(t, drop.DropConfig{DropID: "qfast", Queue: &drop.QueueConfig{
		Enabled:                true,
		AdmissionRatePerSecond: 1000,
		MaxConcurrentReady:     100,
		AdmissionTickMs:        20,
	}})

	data, err := ta.controller.QueueJoin(params("dropId", "qfast"),
		jsonBody(t, &dropapi.JoinQueueRequest{Fingerprint: "fp-bob"}))
	require.NoError(t, err)
	tok := data.(*dropapi.JoinQueueResponse).QueueToken

	require.Eventually(t, func() bool {
		st, err := ta.controller.QueueStatus(params("dropId", "qfast", "token", tok), getRequest())
		return err == nil && st.(*dropapi.QueueStatusResponse).Status == drop.QueueReady
	}, 3*time.Second, 20*time.Millisecond)

	data, err = ta.controller.Register(params("dropId", "qfast"),
		jsonBody(t, &dropapi.RegisterRequest{
			UserID:          "bob",
			Tickets:         2,
			QueueToken:      tok,
			BotValidation:   ta.solvedValidation(t, "fp-bob"),
			BehaviorSignals: humanSignals(),
		}))
	require.NoError(t, err)
	require.True(t, data.(*drop.RegisterResult).Success)

	// The token was burned with the registration.
	_, err = ta.controller.Register(params("dropId", "qfast"),
		jsonBody(t, &dropapi.RegisterRequest{
			UserID:        "carol",
			Tickets:       1,
			QueueToken:    tok,
			BotValidation: trust.Validation{Fingerprint: "fp-bob"},
		}))
	require.Equal(t, dropapi.KindValidation, dropapi.AsError(err).Kind)
}

func TestRegisterCaptchaRequired(t *testing.T) {
	ta := newTestAPI(t)
	ta.createDrop(t, drop.DropConfig{DropID: "c1", RequireCaptcha: true})

	_, err := ta.controller.Register(params("dropId", "c1"),
		jsonBody(t, &dropapi.RegisterRequest{UserID: "alice", Tickets: 1}))
	apiErr := dropapi.AsError(err)
	require.Equal(t, dropapi.CodeMissingField, apiErr.Code)
	require.Contains(t, apiErr.Message, "Captcha")

	data, err := ta.controller.NewCaptcha(web.C{}, getRequest())
	require.NoError(t, err)
	id := data.(*dropapi.CaptchaResponse).CaptchaID
	require.NotEmpty(t, id)

	_, err = ta.controller.Register(params("dropId", "c1"),
		jsonBody(t, &dropapi.RegisterRequest{
			UserID:          "alice",
			Tickets:         1,
			CaptchaID:       id,
			CaptchaSolution: "000000",
		}))
	require.Equal(t, dropapi.KindBotRejected, dropapi.AsError(err).Kind)
}

func TestCaptchaImage(t *testing.T) {
	ta := newTestAPI(t)
	data, err := ta.controller.NewCaptcha(web.C{}, getRequest())
	require.NoError(t, err)
	id := data.(*dropapi.CaptchaResponse).CaptchaID

	rec := httptest.NewRecorder()
	ta.controller.CaptchaImage(web.C{}, rec,
		httptest.NewRequest("GET", "/api/captcha/image/"+id+".png", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	rec = httptest.NewRecorder()
	ta.controller.CaptchaImage(web.C{}, rec,
		httptest.NewRequest("GET", "/api/captcha/image/"+id+".gif", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPurchaseFlow(t *testing.T) {
	ta := newTestAPI(t)
	now := time.Now().UTC()
	ta.createDrop(t, drop.DropConfig{
		DropID:            "p1",
		Inventory:         1,
		RegistrationStart: now,
		RegistrationEnd:   now.Add(500 * time.Millisecond),
	})

	data, err := ta.controller.Register(params("dropId", "p1"),
		jsonBody(t, &dropapi.RegisterRequest{
			UserID:        "alice",
			Tickets:       1,
			BotValidation: ta.solvedValidation(t, "fp-alice"),
		}))
	require.NoError(t, err)
	require.True(t, data.(*drop.RegisterResult).Success)

	// Nothing published before the deadline fires.
	_, err = ta.controller.Proof(params("dropId", "p1"), getRequest())
	require.Equal(t, dropapi.KindNotFound, dropapi.AsError(err).Kind)

	require.Eventually(t, func() bool {
		st, err := ta.controller.DropStatus(params("dropId", "p1"), getRequest())
		return err == nil && st.(drop.StateProjection).Phase == drop.PhasePurchase
	}, 5*time.Second, 25*time.Millisecond)

	_, err = ta.controller.Register(params("dropId", "p1"),
		jsonBody(t, &dropapi.RegisterRequest{
			UserID:        "late",
			Tickets:       1,
			BotValidation: ta.solvedValidation(t, "fp-late"),
		}))
	require.Equal(t, dropapi.KindValidation, dropapi.AsError(err).Kind)

	_, err = ta.controller.PurchaseStart(params("dropId", "p1"),
		jsonBody(t, &dropapi.PurchaseStartRequest{UserID: "ghost"}))
	require.Equal(t, dropapi.KindTokenInvalid, dropapi.AsError(err).Kind)

	data, err = ta.controller.PurchaseStart(params("dropId", "p1"),
		jsonBody(t, &dropapi.PurchaseStartRequest{UserID: "alice"}))
	require.NoError(t, err)
	start := data.(*dropapi.PurchaseStartResponse)
	require.NotEmpty(t, start.PurchaseToken)

	_, err = ta.controller.Purchase(params("dropId", "p1"),
		jsonBody(t, &dropapi.PurchaseRequest{UserID: "alice", PurchaseToken: "tampered"}))
	require.Error(t, err)

	data, err = ta.controller.Purchase(params("dropId", "p1"),
		jsonBody(t, &dropapi.PurchaseRequest{UserID: "alice", PurchaseToken: start.PurchaseToken}))
	require.NoError(t, err)
	require.True(t, data.(*dropapi.PurchaseResponse).Success)

	_, err = ta.controller.PurchaseStart(params("dropId", "p1"),
		jsonBody(t, &dropapi.PurchaseStartRequest{UserID: "alice"}))
	require.Equal(t, dropapi.KindAlreadyPurchased, dropapi.AsError(err).Kind)

	// The published proof names the lone participant as winner.
	data, err = ta.controller.Proof(params("dropId", "p1"), getRequest())
	require.NoError(t, err)
	proof := data.(*drop.LotteryProof)
	require.Equal(t, []string{"alice"}, proof.Winners)
	require.NotEmpty(t, proof.Secret)

	data, err = ta.controller.InclusionProof(params("dropId", "p1", "userId", "alice"), getRequest())
	require.NoError(t, err)
	require.Equal(t, proof.ParticipantMerkleRoot, data.(*drop.InclusionProof).Root)

	_, err = ta.controller.InclusionProof(params("dropId", "p1", "userId", "ghost"), getRequest())
	require.Equal(t, dropapi.KindNotFound, dropapi.AsError(err).Kind)
}

func TestRollover(t *testing.T) {
	ta := newTestAPI(t)

	_, err := ta.controller.Rollover(params(), getRequest())
	require.Equal(t, dropapi.CodeMissingField, dropapi.AsError(err).Code)

	data, err := ta.controller.Rollover(params("userId", "alice"), getRequest())
	require.NoError(t, err)
	ro := data.(*dropapi.RolloverResponse)
	require.Equal(t, "alice", ro.UserID)
	require.Zero(t, ro.Balance)
}

func TestAdminEndpoints(t *testing.T) {
	ta := newTestAPI(t)

	_, err := ta.controller.AdminLogin(web.C{},
		jsonBody(t, &dropapi.AdminLoginRequest{Password: "wrong"}))
	require.Equal(t, dropapi.KindNotAuthorized, dropapi.AsError(err).Kind)

	data, err := ta.controller.AdminLogin(web.C{},
		jsonBody(t, &dropapi.AdminLoginRequest{Password: "hunter2"}))
	require.NoError(t, err)
	login := data.(*dropapi.AdminLoginResponse)
	require.NotEmpty(t, login.Token)
	require.Positive(t, login.ExpiresIn)

	cfg := drop.DropConfig{
		DropID:          "admin-drop",
		Inventory:       10,
		RegistrationEnd: time.Now().UTC().Add(time.Hour),
	}

	_, err = ta.controller.AdminCreateDrop(web.C{}, jsonBody(t, cfg))
	require.Equal(t, dropapi.KindNotAuthorized, dropapi.AsError(err).Kind)

	authed := func(body interface{}) *http.Request {
		req := jsonBody(t, body)
		req.Header.Set("Authorization", "Bearer "+login.Token)
		return req
	}

	data, err = ta.controller.AdminCreateDrop(web.C{}, authed(cfg))
	require.NoError(t, err)
	created := data.(*drop.InitializeResult)
	require.Equal(t, "admin-drop", created.DropID)
	require.NotEmpty(t, created.LotteryCommitment)

	bad := cfg
	bad.DropID = "bad-drop"
	bad.Inventory = 0
	_, err = ta.controller.AdminCreateDrop(web.C{}, authed(bad))
	require.Equal(t, dropapi.KindValidation, dropapi.AsError(err).Kind)

	_, err = ta.controller.AdminDrops(web.C{}, getRequest())
	require.Equal(t, dropapi.KindNotAuthorized, dropapi.AsError(err).Kind)

	req := getRequest()
	req.Header.Set("Authorization", "Bearer "+login.Token)
	data, err = ta.controller.AdminDrops(web.C{}, req)
	require.NoError(t, err)
	require.Len(t, data.([]drop.StateProjection), 1)
}

func TestEnvelopeWireShape(t *testing.T) {
	ta := newTestAPI(t)
	ta.createDrop(t, drop.DropConfig{DropID: "wire", Queue: &drop.QueueConfig{
		Enabled:         true,
		AdmissionTickMs: 3600000,
	}})

	rec := httptest.NewRecorder()
	system.APIHandler(ta.controller.Health)(web.C{}, rec, getRequest())
	require.Equal(t, http.StatusOK, rec.Code)
	var ok struct {
		Status string `json:"status"`
		Data   struct {
			Version string `json:"version"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ok))
	require.Equal(t, "success", ok.Status)
	require.Equal(t, "1.0.0-test", ok.Data.Version)

	data, err := ta.controller.QueueJoin(params("dropId", "wire"),
		jsonBody(t, &dropapi.JoinQueueRequest{Fingerprint: "fp-w"}))
	require.NoError(t, err)
	tok := data.(*dropapi.JoinQueueResponse).QueueToken

	rec = httptest.NewRecorder()
	system.APIHandler(ta.controller.Register)(params("dropId", "wire"), rec,
		jsonBody(t, &dropapi.RegisterRequest{
			UserID:        "alice",
			Tickets:       1,
			QueueToken:    tok,
			BotValidation: trust.Validation{Fingerprint: "fp-w"},
		}))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))

	var env struct {
		Status  string              `json:"status"`
		Message string              `json:"message"`
		Data    system.APIErrorData `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Equal(t, "error", env.Status)
	require.Equal(t, dropapi.CodeQueueNotReady, env.Data.ErrorCode)
	require.Positive(t, env.Data.RetryAfter)
}
