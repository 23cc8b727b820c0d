// Package directory orchestrates sessions, invitations and account
// lifecycle on top of the token codec, the provider gateway, the lock
// manager and the persistence interfaces. It owns every decision that
// combines those parts; transports stay thin.
package directory

import (
	"strings"
	"time"

	"go.pilab.hu/directory/domain"
	"go.pilab.hu/directory/internal/lock"
	"go.pilab.hu/directory/internal/mail"
	"go.pilab.hu/directory/internal/notify"
	"go.pilab.hu/directory/internal/token"
)

// Options carries the orchestrator's tunables.
type Options struct {
	// PublicURL is the externally visible base URL, no trailing slash.
	PublicURL string
	// InvitationRedirect is where accepted invitations land when the
	// invitation itself names no redirect. Empty means PublicURL+"/invitation".
	InvitationRedirect string
	// DefaultLoginRedirect is where completed logins land by default.
	DefaultLoginRedirect string
	// Passwordless permits accounts without a password. When off, users who
	// never set one are routed through the password-setup step.
	Passwordless bool

	SessionTTL    time.Duration
	InitialTTL    time.Duration
	InvitationTTL time.Duration

	// AdminEmails grants the service-wide admin flag.
	AdminEmails []string
}

func (o Options) withDefaults() Options {
	if o.SessionTTL == 0 {
		o.SessionTTL = 30 * 24 * time.Hour
	}
	if o.InitialTTL == 0 {
		o.InitialTTL = 15 * time.Minute
	}
	if o.InvitationTTL == 0 {
		o.InvitationTTL = 10 * 24 * time.Hour
	}
	if o.DefaultLoginRedirect == "" {
		o.DefaultLoginRedirect = o.PublicURL + "/me"
	}
	return o
}

// Service is the orchestrator.
type Service struct {
	store  domain.Store
	limits domain.LimitsRepository
	codec  *token.Codec
	locks  *lock.Manager
	mail   mail.Sender
	notify notify.Sink
	opts   Options

	admins map[string]struct{}
}

func NewService(store domain.Store, limits domain.LimitsRepository, codec *token.Codec, locks *lock.Manager, mailer mail.Sender, sink notify.Sink, opts Options) *Service {
	opts = opts.withDefaults()
	admins := make(map[string]struct{}, len(opts.AdminEmails))
	for _, email := range opts.AdminEmails {
		admins[strings.ToLower(email)] = struct{}{}
	}
	return &Service{
		store:  store,
		limits: limits,
		codec:  codec,
		locks:  locks,
		mail:   mailer,
		notify: sink,
		opts:   opts,
		admins: admins,
	}
}

func (s *Service) isAdmin(email string) bool {
	_, ok := s.admins[strings.ToLower(email)]
	return ok
}

func validEmail(email string) bool {
	at := strings.IndexByte(email, '@')
	return at > 0 && at < len(email)-1 && !strings.ContainsAny(email, " \t\r\n")
}
