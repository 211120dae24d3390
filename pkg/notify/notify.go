// Package notify delivers verification codes over email and SMS.
// Both senders degrade to logging the code when no provider is
// configured, which keeps local development flows usable.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/smtp"
	"time"

	"github.com/stiapanreha-dev/xbmc/pkg/httpx"
)

// Sender delivers a one-time code to a destination (email address or
// phone number depending on the implementation).
type Sender interface {
	SendCode(ctx context.Context, to, code string) error
}

// EmailSender ships codes over SMTP.
type EmailSender struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string

	// sendMail is swappable in tests.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmailSender(host, port, username, password, from string) *EmailSender {
	return &EmailSender{
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
		From:     from,
		sendMail: smtp.SendMail,
	}
}

func (s *EmailSender) SendCode(ctx context.Context, to, code string) error {
	if s.Host == "" {
		log.Printf("email sender disabled, code for %s: %s", to, code)
		return nil
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: Verification code\r\n\r\nYour verification code: %s\r\n", s.From, to, code)
	var auth smtp.Auth
	if s.Username != "" {
		auth = smtp.PlainAuth("", s.Username, s.Password, s.Host)
	}
	send := s.sendMail
	if send == nil {
		send = smtp.SendMail
	}
	if err := send(s.Host+":"+s.Port, auth, s.From, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("send verification email: %w", err)
	}
	return nil
}

// SMSSender ships codes through an HTTP SMS provider.
type SMSSender struct {
	APIURL string
	APIKey string
	Sender string
	HTTP   *http.Client
}

func NewSMSSender(apiURL, apiKey, sender string, httpClient *http.Client) *SMSSender {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &SMSSender{APIURL: apiURL, APIKey: apiKey, Sender: sender, HTTP: httpClient}
}

func (s *SMSSender) SendCode(ctx context.Context, to, code string) error {
	if s.APIURL == "" {
		log.Printf("sms sender disabled, code for %s: %s", to, code)
		return nil
	}
	body, err := json.Marshal(map[string]string{
		"to":     to,
		"from":   s.Sender,
		"text":   "Verification code: " + code,
		"apikey": s.APIKey,
	})
	if err != nil {
		return err
	}
	status, respBody, err := httpx.RequestJSON(ctx, s.HTTP, http.MethodPost, s.APIURL, body, nil, 2, 500*time.Millisecond)
	if err != nil {
		return fmt.Errorf("send verification sms: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("sms provider returned %d: %s", status, respBody)
	}
	return nil
}
