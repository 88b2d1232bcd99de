// Copyright (c) 2025-2026 The Dropforge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package controllers holds the route handlers for the public JSON API
// and the event stream endpoints.
package controllers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/zenazn/goji/web"

	"github.com/dropforge/dropd/drop"
	"github.com/dropforge/dropd/dropapi"
	"github.com/dropforge/dropd/system"
	"github.com/dropforge/dropd/trust"
)

// maxRequestBody bounds decoded JSON bodies. Registration payloads with
// full behavior signals stay well under this.
const maxRequestBody = 64 * 1024

// APIController is the public API controller type. Its methods include
// the route handlers.
type APIController struct {
	eng          *drop.Engine
	gate         *trust.Gate
	captcha      *system.CaptchaService
	adminAuth    *system.AdminAuth
	powLimiter   *system.RateLimiter
	realIPHeader string
	ipHashSalt   string
	apiTimeout   time.Duration
	version      string
}

// NewAPIController is the constructor for the API controller.
func NewAPIController(eng *drop.Engine, gate *trust.Gate,
	captcha *system.CaptchaService, adminAuth *system.AdminAuth,
	powLimiter *system.RateLimiter, realIPHeader, ipHashSalt string,
	apiTimeout time.Duration, version string) *APIController {

	return &APIController{
		eng:          eng,
		gate:         gate,
		captcha:      captcha,
		adminAuth:    adminAuth,
		powLimiter:   powLimiter,
		realIPHeader: realIPHeader,
		ipHashSalt:   ipHashSalt,
		apiTimeout:   apiTimeout,
		version:      version,
	}
}

// decodeJSON unmarshals a bounded JSON body into dst. Oversized and
// malformed bodies surface the same validation error.
func decodeJSON(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(dst); err != nil {
		return dropapi.Validationf("Malformed JSON body")
	}
	return nil
}

func (controller *APIController) clientKey(r *http.Request) string {
	return system.HashIP(controller.ipHashSalt, system.ClientIP(r, controller.realIPHeader))
}

// Health reports the version, uptime and active drop count.
func (controller *APIController) Health(c web.C, r *http.Request) (interface{}, error) {
	return &dropapi.HealthResponse{
		Version:       controller.version,
		UptimeSeconds: int64(time.Since(controller.eng.Started()) / time.Second),
		ActiveDrops:   controller.eng.ActiveCount(),
	}, nil
}

// PowChallenge mints a proof-of-work challenge. The endpoint is rate
// limited per hashed client address on top of the global bucket, so a
// scripted fleet cannot drain the challenge cache.
func (controller *APIController) PowChallenge(c web.C, r *http.Request) (interface{}, error) {
	if err := controller.powLimiter.Allow(controller.clientKey(r)); err != nil {
		return nil, err
	}
	ch, err := controller.gate.Challenger().Mint()
	if err != nil {
		return nil, dropapi.Internalf("mint challenge: %v", err)
	}
	return ch, nil
}

// QueueJoin enqueues a device for admission to a drop; with the drop's
// queue disabled the token comes back ready immediately. The caller's
// address is hashed before it touches any queue record.
func (controller *APIController) QueueJoin(c web.C, r *http.Request) (interface{}, error) {
	var req dropapi.JoinQueueRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	if req.Fingerprint == "" {
		return nil, dropapi.MissingField("fingerprint")
	}
	q, err := controller.eng.Queue(c.URLParams["dropId"])
	if err != nil {
		return nil, err
	}
	return q.Join(req.Fingerprint, controller.clientKey(r))
}

// QueueStatus reports where a queue token stands.
func (controller *APIController) QueueStatus(c web.C, r *http.Request) (interface{}, error) {
	q, err := controller.eng.Queue(c.URLParams["dropId"])
	if err != nil {
		return nil, err
	}
	return q.Status(c.URLParams["token"])
}

// Register runs the admission pipeline for one registration: queue
// token checks, captcha, the trust gate, then the drop itself. The
// queue token is burned only after the registration has succeeded, so
// a rejected user keeps their ready window.
func (controller *APIController) Register(c web.C, r *http.Request) (interface{}, error) {
	ctx, cancel := context.WithTimeout(r.Context(), controller.apiTimeout)
	defer cancel()

	var req dropapi.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	if req.UserID == "" {
		return nil, dropapi.MissingField("userId")
	}
	d, err := controller.eng.GetDrop(c.URLParams["dropId"])
	if err != nil {
		return nil, err
	}
	q, err := controller.eng.Queue(d.ID())
	if err != nil {
		return nil, err
	}

	if q.QueueEnabled() {
		if req.QueueToken == "" {
			return nil, dropapi.MissingField("queueToken")
		}
		rec, err := q.Token(req.QueueToken)
		if err != nil {
			return nil, err
		}
		if rec.Fingerprint != req.BotValidation.Fingerprint {
			return nil, dropapi.New(dropapi.KindFingerprintMismatch,
				dropapi.CodeFingerprintMismatch,
				"Queue token was issued to a different device")
		}
		switch rec.Status {
		case drop.QueueReady:
		case drop.QueueWaiting:
			st, err := q.Status(req.QueueToken)
			if err != nil {
				return nil, err
			}
			return nil, dropapi.QueueNotReady(st.EstimatedWaitSeconds)
		case drop.QueueExpired:
			return nil, dropapi.New(dropapi.KindTokenExpired,
				dropapi.CodeTokenExpired, "Queue token expired")
		default:
			return nil, dropapi.Validationf("Queue token already used")
		}
	}

	if d.Config().RequireCaptcha {
		if err := controller.captcha.Verify(req.CaptchaID, req.CaptchaSolution); err != nil {
			return nil, err
		}
	}

	res := controller.gate.Check(ctx, req.BotValidation, req.BehaviorSignals)
	if !res.Allowed {
		log.Debugf("registration rejected: drop=%s user=%s code=%s score=%.1f",
			d.ID(), req.UserID, res.Code, res.TrustScore)
		return nil, dropapi.BotRejected(res.Code, res.Reason)
	}
	if ctx.Err() != nil {
		return nil, dropapi.New(dropapi.KindUpstreamTimeout,
			dropapi.CodeUpstreamTimeout, "Registration timed out")
	}

	result, err := d.Register(drop.RegisterParams{
		UserID:   req.UserID,
		Tickets:  req.Tickets,
		Location: req.Location,
	})
	if err != nil {
		return nil, err
	}
	if q.QueueEnabled() {
		// The token already passed the ready check; a burn failure here
		// means it lapsed mid-request and is only worth a log line.
		if err := q.MarkUsed(req.QueueToken); err != nil {
			log.Warnf("burn queue token for %s: %v", req.UserID, err)
		}
	}
	log.Infof("registered: drop=%s user=%s tickets=%d effective=%d",
		d.ID(), req.UserID, result.UserTickets, result.EffectiveTickets)
	return result, nil
}

// PurchaseStart opens the checkout window for a winner and hands them
// their purchase token.
func (controller *APIController) PurchaseStart(c web.C, r *http.Request) (interface{}, error) {
	var req dropapi.PurchaseStartRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	if req.UserID == "" {
		return nil, dropapi.MissingField("userId")
	}
	d, err := controller.eng.GetDrop(c.URLParams["dropId"])
	if err != nil {
		return nil, err
	}
	return d.PurchaseStart(req.UserID)
}

// Purchase completes a purchase inside the window.
func (controller *APIController) Purchase(c web.C, r *http.Request) (interface{}, error) {
	var req dropapi.PurchaseRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	if req.UserID == "" {
		return nil, dropapi.MissingField("userId")
	}
	if req.PurchaseToken == "" {
		return nil, dropapi.MissingField("purchaseToken")
	}
	d, err := controller.eng.GetDrop(c.URLParams["dropId"])
	if err != nil {
		return nil, err
	}
	if err := d.CompletePurchase(req.UserID, req.PurchaseToken); err != nil {
		return nil, err
	}
	return &dropapi.PurchaseResponse{Success: true}, nil
}

// DropStatus returns the public projection of one drop.
func (controller *APIController) DropStatus(c web.C, r *http.Request) (interface{}, error) {
	d, err := controller.eng.GetDrop(c.URLParams["dropId"])
	if err != nil {
		return nil, err
	}
	return d.State(), nil
}

// ActiveDrops lists every non-completed drop, soonest deadline first.
func (controller *APIController) ActiveDrops(c web.C, r *http.Request) (interface{}, error) {
	return controller.eng.ActiveDrops(), nil
}

// Proof returns the published lottery proof.
func (controller *APIController) Proof(c web.C, r *http.Request) (interface{}, error) {
	d, err := controller.eng.GetDrop(c.URLParams["dropId"])
	if err != nil {
		return nil, err
	}
	return d.Proof()
}

// InclusionProof returns the Merkle path binding one participant to
// the published root.
func (controller *APIController) InclusionProof(c web.C, r *http.Request) (interface{}, error) {
	d, err := controller.eng.GetDrop(c.URLParams["dropId"])
	if err != nil {
		return nil, err
	}
	return d.InclusionProof(c.URLParams["userId"])
}

// Rollover reports a user's cross-drop consolation balance.
func (controller *APIController) Rollover(c web.C, r *http.Request) (interface{}, error) {
	userID := c.URLParams["userId"]
	if userID == "" {
		return nil, dropapi.MissingField("userId")
	}
	return &dropapi.RolloverResponse{
		UserID:  userID,
		Balance: controller.eng.RolloverBalance(userID),
	}, nil
}

// NewCaptcha mints a captcha id for drops that require a human check.
func (controller *APIController) NewCaptcha(c web.C, r *http.Request) (interface{}, error) {
	return &dropapi.CaptchaResponse{CaptchaID: controller.captcha.New()}, nil
}

// CaptchaImage serves the challenge PNG for a minted captcha id. It
// writes the image directly rather than through the JSON envelope.
func (controller *APIController) CaptchaImage(c web.C, w http.ResponseWriter, r *http.Request) {
	controller.captcha.ServeImage(w, r)
}

// AdminLogin exchanges the operator password for a bearer token.
func (controller *APIController) AdminLogin(c web.C, r *http.Request) (interface{}, error) {
	var req dropapi.AdminLoginRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	token, expiresIn, err := controller.adminAuth.Login(req.Password)
	if err != nil {
		return nil, err
	}
	return &dropapi.AdminLoginResponse{Token: token, ExpiresIn: int(expiresIn)}, nil
}

// AdminCreateDrop initializes a drop from a posted configuration.
func (controller *APIController) AdminCreateDrop(c web.C, r *http.Request) (interface{}, error) {
	if err := controller.adminAuth.ValidateToken(r.Header.Get("Authorization")); err != nil {
		return nil, err
	}
	var cfg drop.DropConfig
	if err := decodeJSON(r, &cfg); err != nil {
		return nil, err
	}
	res, err := controller.eng.InitializeDrop(cfg)
	if err != nil {
		return nil, err
	}
	log.Infof("drop created: id=%s inventory=%d", res.DropID, cfg.Inventory)
	return res, nil
}

// AdminDrops lists every drop in storage regardless of phase.
func (controller *APIController) AdminDrops(c web.C, r *http.Request) (interface{}, error) {
	if err := controller.adminAuth.ValidateToken(r.Header.Get("Authorization")); err != nil {
		return nil, err
	}
	return controller.eng.AllDrops(), nil
}
