package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	TokensIssuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "directory_tokens_issued_total",
		Help: "Total number of session tokens signed.",
	})
	TokensRenewedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "directory_tokens_renewed_total",
		Help: "Total number of session tokens renewed through exchange.",
	})
	LocksAcquiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "directory_locks_acquired_total",
		Help: "Total number of advisory locks acquired.",
	})
	LocksContendedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "directory_locks_contended_total",
		Help: "Total number of lock acquisitions that found the row held.",
	})
	InvitationsSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "directory_invitations_sent_total",
		Help: "Total number of invitation tokens issued.",
	})
	InvitationsAcceptedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "directory_invitations_accepted_total",
		Help: "Total number of invitations accepted with a membership write.",
	})
	FederatedLoginsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "directory_federated_logins_total",
		Help: "Total number of identities fetched from federated providers.",
	})
)

// Register attaches the custom metrics to the given registry. Call once at
// startup.
func Register(reg prometheus.Registerer) {
	for _, c := range []prometheus.Collector{
		TokensIssuedTotal,
		TokensRenewedTotal,
		LocksAcquiredTotal,
		LocksContendedTotal,
		InvitationsSentTotal,
		InvitationsAcceptedTotal,
		FederatedLoginsTotal,
	} {
		if err := reg.Register(c); err != nil {
			log.Warn().Err(err).Msg("failed to register metric")
		}
	}
}
