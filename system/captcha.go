// Copyright (c) 2025-2026 The Dropforge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package system

import (
	"bytes"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/dchest/captcha"

	"github.com/dropforge/dropd/dropapi"
)

// CaptchaService mints and verifies image challenges for drops that
// require a human check at registration. Challenge state lives in the
// captcha package's in-memory store and lapses on its own.
type CaptchaService struct {
	ImgWidth  int
	ImgHeight int
}

// NewCaptchaService returns a service rendering standard-size images.
func NewCaptchaService() *CaptchaService {
	return &CaptchaService{
		ImgWidth:  captcha.StdWidth,
		ImgHeight: captcha.StdHeight,
	}
}

// New mints a challenge id for the register form.
func (s *CaptchaService) New() string {
	return captcha.New()
}

// Verify burns the solution. Each challenge id is single use whether
// the solution was right or not.
func (s *CaptchaService) Verify(id, solution string) error {
	if id == "" || solution == "" {
		return dropapi.New(dropapi.KindValidation, dropapi.CodeMissingField, "Captcha required")
	}
	if !captcha.VerifyString(id, solution) {
		return dropapi.New(dropapi.KindBotRejected, dropapi.CodeBotDetected, "Captcha failed")
	}
	return nil
}

// ServeImage writes the challenge PNG. The id is the request file's
// base name; ?reload=1 redraws the image for the same id.
func (s *CaptchaService) ServeImage(w http.ResponseWriter, r *http.Request) {
	_, file := path.Split(r.URL.Path)
	ext := path.Ext(file)
	id := strings.TrimSuffix(file, ext)
	if ext != ".png" || id == "" {
		http.NotFound(w, r)
		return
	}

	if r.FormValue("reload") != "" {
		captcha.Reload(id)
	}

	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")

	var content bytes.Buffer
	if err := captcha.WriteImage(&content, id, s.ImgWidth, s.ImgHeight); err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	http.ServeContent(w, r, id+ext, time.Time{}, bytes.NewReader(content.Bytes()))
}
