// Copyright (c) 2025-2026 The Dropforge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package email sends drop lifecycle notifications over SMTP. Mail is
// strictly best-effort: the engine never waits on it and a delivery
// failure never affects drop state.
package email

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/dajohi/goemail"
)

// Sender wraps an authenticated SMTP connection.
type Sender struct {
	smtpFrom   string
	smtpServer *goemail.SMTP
}

// NewSender connects to the SMTP server. The URL is assembled as
// smtp://[username[:password]@]host, or smtps:// when useSMTPS is set.
func NewSender(smtpHost string, smtpUsername string, smtpPassword string,
	smtpFrom string, useSMTPS bool) (Sender, error) {

	smtpURL := "smtp://"
	if useSMTPS {
		smtpURL = "smtps://"
	}

	if smtpUsername != "" {
		smtpURL += smtpUsername
		if smtpPassword != "" {
			smtpURL += ":" + smtpPassword
		}
		smtpURL += "@"
	}
	smtpURL += smtpHost

	tlsConfig := tls.Config{}
	smtpServer, err := goemail.NewSMTP(smtpURL, &tlsConfig)
	if err != nil {
		return Sender{}, err
	}

	// Validate smtpFrom address
	mailMsg := goemail.NewMessage(smtpFrom, "", "")
	if mailMsg == nil {
		return Sender{}, fmt.Errorf(`invalid smtpfrom address "%s"`, smtpFrom)
	}

	return Sender{
		smtpServer: smtpServer,
		smtpFrom:   smtpFrom,
	}, nil
}

// sendMail sends an email with the passed data using the system's SMTP
// configuration.
func (s *Sender) sendMail(emailaddress, subject, body string) error {
	// Connect to the server, authenticate, set the sender and recipient,
	// and send the email all in one step.
	mailMsg := goemail.NewMessage(s.smtpFrom, subject, body)
	if mailMsg == nil {
		return fmt.Errorf(`invalid smtpfrom address "%s"`, s.smtpFrom)
	}
	mailMsg.AddTo(emailaddress)

	return s.smtpServer.Send(mailMsg)
}

// WinnerNotification tells a winner their purchase window is open.
func (s *Sender) WinnerNotification(addr, dropID string, expiresAt time.Time) error {
	body := "Good news: you were selected in the drop " + dropID + ".\r\n\n" +
		"Complete your purchase before " +
		expiresAt.UTC().Format(time.RFC1123) + ".\r\n\n" +
		"After that the seat is released to a backup winner.\r\n"

	return s.sendMail(addr, "You won a spot in drop "+dropID, body)
}

// PromotionNotification tells a backup winner a seat opened up.
func (s *Sender) PromotionNotification(addr, dropID string, expiresAt time.Time) error {
	body := "A seat opened up in the drop " + dropID +
		" and it is now yours.\r\n\n" +
		"Complete your purchase before " +
		expiresAt.UTC().Format(time.RFC1123) + ".\r\n"

	return s.sendMail(addr, "A spot opened up in drop "+dropID, body)
}

// expiryBody never names a rollover share; the granted fraction is an
// engine tunable.
func expiryBody(dropID string) string {
	return "Your purchase window for the drop " + dropID +
		" has expired and the seat was released.\r\n\n" +
		"A portion of your paid entries was added to your rollover " +
		"balance for the next drop.\r\n"
}

// ExpiryNotification tells a winner their unused window lapsed.
func (s *Sender) ExpiryNotification(addr, dropID string) error {
	return s.sendMail(addr, "Purchase window expired for drop "+dropID, expiryBody(dropID))
}
