// Package api exposes the chat engine of a running node over HTTP for a UI
// process on the same machine.
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"lindachat/chat"
	"lindachat/discovery"
	"lindachat/relay"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultRateLimit      = 600
)

// RelayPeers lists the live relay connections.
type RelayPeers interface {
	Peers() []relay.PeerInfo
}

// DiscoveredPeers lists peers found on the local network.
type DiscoveredPeers interface {
	Peers() []discovery.Peer
}

// Options configures the router.
type Options struct {
	Client *chat.Client
	// Relay and Discovery are optional; their routes answer with empty lists when nil.
	Relay     RelayPeers
	Discovery DiscoveredPeers
	Logger    zerolog.Logger
	// Gatherer backs /metrics; the default registry when nil.
	Gatherer prometheus.Gatherer

	CORSOrigins    []string
	RequestTimeout time.Duration
	// RateLimit is the number of requests per minute allowed from one address.
	RateLimit int
}

type handler struct {
	client    *chat.Client
	relay     RelayPeers
	discovery DiscoveredPeers
	log       zerolog.Logger
}

// NewRouter builds the control API.
func NewRouter(opts Options) http.Handler {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = defaultRateLimit
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	h := &handler{
		client:    opts.Client,
		relay:     opts.Relay,
		discovery: opts.Discovery,
		log:       opts.Logger.With().Str("component", "api").Logger(),
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(opts.RequestTimeout))
	r.Use(httprate.LimitByIP(opts.RateLimit, time.Minute))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins(opts.CORSOrigins),
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))
	r.Use(withMetrics)
	r.Use(withAccessLog(h.log))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))

	r.Get("/me", h.me)
	r.Get("/profiles/{pub}", h.profile)

	r.Route("/conversations", func(r chi.Router) {
		r.Post("/", h.createConversation)
		r.Get("/", h.searchConversations)
		r.Get("/mine", h.myConversations)

		r.Route("/{id}", func(r chi.Router) {
			r.Delete("/", h.deleteConversation)
			r.Post("/join", h.joinConversation)
			r.Post("/leave", h.leaveConversation)
			r.Get("/members", h.members)
			r.Get("/count", h.countMembers)
			r.Get("/messages", h.history)
			r.Post("/messages", h.send)
			r.Get("/last", h.lastMessage)
			r.Post("/clear", h.clearConversation)
			r.Get("/admins", h.admins)
			r.Post("/admins", h.promoteAdmin)
		})
	})

	r.Post("/direct", h.openDirect)

	r.Route("/selection", func(r chi.Router) {
		r.Get("/", h.view)
		r.Post("/", h.selectConversation)
		r.Delete("/", h.deselect)
		r.Post("/visible", h.markVisible)
	})

	r.Route("/blocks/{pub}", func(r chi.Router) {
		r.Get("/", h.blockStatus)
		r.Put("/", h.block)
		r.Delete("/", h.unblock)
	})

	r.Route("/friends", func(r chi.Router) {
		r.Get("/", h.friends)
		r.Get("/requests", h.friendRequests)
		r.Post("/requests", h.sendFriendRequest)
		r.Post("/requests/{pub}/accept", h.acceptFriendRequest)
		r.Post("/requests/{pub}/reject", h.rejectFriendRequest)
		r.Delete("/{pub}", h.removeFriend)
	})

	r.Get("/relay/peers", h.relayPeers)
	r.Get("/discovery/peers", h.discoveredPeers)

	return r
}

func allowedOrigins(in []string) []string {
	out := []string{}
	for _, o := range in {
		if s := strings.TrimSpace(o); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
