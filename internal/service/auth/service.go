package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"regexp"
	"strings"

	"github.com/shipth-is/shipgo/internal/domain"
	"github.com/shipth-is/shipgo/internal/session"
)

var (
	// ErrInvalidEmail is returned before any request for a malformed address.
	ErrInvalidEmail = errors.New("invalid email address")
	// ErrInvalidCode is returned for a code that is not six digits.
	ErrInvalidCode = errors.New("code must be 6 digits")
	// ErrSendFailed is returned when the backend does not confirm the OTP email.
	ErrSendFailed = errors.New("Failed to send code")
	// ErrSignedOut is returned by operations that need a session.
	ErrSignedOut = errors.New("not signed in")
)

var otpPattern = regexp.MustCompile(`^[0-9]{6}$`)

// API is the subset of the backend client used for authentication.
type API interface {
	RequestOTP(ctx context.Context, email string) (string, error)
	VerifyOTP(ctx context.Context, email, otp, source string) (domain.Session, error)
	Me(ctx context.Context) (domain.Self, error)
	AcceptTerms(ctx context.Context) (domain.Self, error)
	GDPRStatus(ctx context.Context) ([]domain.GDPRRequest, error)
	RequestGDPRExport(ctx context.Context) error
	RequestGDPRDelete(ctx context.Context) error
}

// Service handles authentication workflows.
type Service struct {
	api      API
	sessions *session.Store
	logger   *slog.Logger
	source   string
}

// New constructs a Service. version is reported to the backend as the
// sign-in source.
func New(api API, sessions *session.Store, logger *slog.Logger, version string) Service {
	return Service{api: api, sessions: sessions, logger: logger.With("component", "auth"), source: "shipgo-" + version}
}

// RequestOTP emails a one-time code to email.
func (s Service) RequestOTP(ctx context.Context, email string) error {
	email, err := normaliseEmail(email)
	if err != nil {
		return err
	}
	status, err := s.api.RequestOTP(ctx, email)
	if err != nil {
		return err
	}
	if status != "ok" {
		return ErrSendFailed
	}
	s.logger.Info("otp requested")
	return nil
}

// VerifyOTP exchanges the code for a session, persists it and accepts the
// terms. A terms failure does not fail sign-in.
func (s Service) VerifyOTP(ctx context.Context, email, code string) (domain.Session, error) {
	email, err := normaliseEmail(email)
	if err != nil {
		return domain.Session{}, err
	}
	code = strings.TrimSpace(code)
	if !otpPattern.MatchString(code) {
		return domain.Session{}, ErrInvalidCode
	}
	sess, err := s.api.VerifyOTP(ctx, email, code, s.source)
	if err != nil {
		return domain.Session{}, err
	}
	if !sess.Valid() {
		return domain.Session{}, fmt.Errorf("verify otp: response carried no credential")
	}
	if err := s.sessions.Save(ctx, sess); err != nil {
		return domain.Session{}, err
	}
	s.logger.Info("signed in", "user_id", sess.ID)

	if !sess.AcceptedTerms() {
		self, err := s.api.AcceptTerms(ctx)
		if err != nil {
			s.logger.Warn("accept terms", "error", err)
			return sess, nil
		}
		sess.Self = self
		if err := s.sessions.Save(ctx, sess); err != nil {
			s.logger.Warn("store accepted terms", "error", err)
		}
	}
	return sess, nil
}

// Validate refreshes the identity of the stored session. Any failure clears
// the session.
func (s Service) Validate(ctx context.Context) (*domain.Session, error) {
	cur := s.sessions.Current()
	if cur == nil {
		return nil, ErrSignedOut
	}
	self, err := s.api.Me(ctx)
	if err != nil {
		s.logger.Warn("session validation failed", "error", err)
		if clearErr := s.sessions.Clear(ctx); clearErr != nil {
			s.logger.Warn("clear session", "error", clearErr)
		}
		return nil, err
	}
	cur.Self = self
	if err := s.sessions.Save(ctx, *cur); err != nil {
		return nil, err
	}
	return cur, nil
}

// Logout forgets the session.
func (s Service) Logout(ctx context.Context) error {
	if err := s.sessions.Clear(ctx); err != nil {
		return err
	}
	s.logger.Info("signed out")
	return nil
}

// GDPRStatus returns the latest export and delete requests, if any.
func (s Service) GDPRStatus(ctx context.Context) (export, deletion *domain.GDPRRequest, err error) {
	if s.sessions.Current() == nil {
		return nil, nil, ErrSignedOut
	}
	reqs, err := s.api.GDPRStatus(ctx)
	if err != nil {
		return nil, nil, err
	}
	if r, ok := domain.LatestGDPR(reqs, domain.GDPRExport); ok {
		export = &r
	}
	if r, ok := domain.LatestGDPR(reqs, domain.GDPRDelete); ok {
		deletion = &r
	}
	return export, deletion, nil
}

// RequestExport asks for a copy of the user's data.
func (s Service) RequestExport(ctx context.Context) error {
	if s.sessions.Current() == nil {
		return ErrSignedOut
	}
	return s.api.RequestGDPRExport(ctx)
}

// RequestDelete asks for the account to be deleted.
func (s Service) RequestDelete(ctx context.Context) error {
	if s.sessions.Current() == nil {
		return ErrSignedOut
	}
	return s.api.RequestGDPRDelete(ctx)
}

func normaliseEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", ErrInvalidEmail
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email[strings.LastIndex(email, "@")+1:], ".") {
		return "", ErrInvalidEmail
	}
	return email, nil
}
