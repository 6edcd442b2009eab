// Package chat is the messaging and receipt synchronization engine. It
// decides what is written to the replicated graph, folds live updates into
// an ordered view of the selected conversation, and gates sends on blocks
// and group roles.
package chat

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog"

	"lindachat/graph"
	"lindachat/models"
)

const (
	defaultBlockCheckInterval = 2 * time.Second
	defaultPreviewLength      = 50
)

// Options configures a Client.
type Options struct {
	Graph  graph.Graph
	Cipher Cipher
	// Certifier signs the certificates published at login. Without one,
	// friend requests can be sent but not received.
	Certifier          Certifier
	Logger             zerolog.Logger
	Clock              Clock
	BlockCheckInterval time.Duration
	PreviewLength      int
	// Random feeds message id suffixes; crypto/rand when nil.
	Random io.Reader
	// OnViewChange receives a snapshot whenever the selected view changes.
	OnViewChange func(View)
}

// Client wires the engine components for one principal.
type Client struct {
	Session       *Session
	Blocks        *BlockRegistry
	Permissions   *PermissionResolver
	Messages      *MessageStore
	Receipts      *ReceiptTracker
	Subscriptions *SubscriptionManager
	Membership    *MembershipService
	Friends       *FriendService
	Certificates  *CertificateService

	log zerolog.Logger
}

// New builds a Client. Nothing is read or written until Login.
func New(opts Options) (*Client, error) {
	if opts.Graph == nil {
		return nil, errors.New("graph is required")
	}
	if opts.Cipher == nil {
		return nil, errors.New("cipher is required")
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.BlockCheckInterval <= 0 {
		opts.BlockCheckInterval = defaultBlockCheckInterval
	}
	if opts.PreviewLength <= 0 {
		opts.PreviewLength = defaultPreviewLength
	}
	log := opts.Logger.With().Str("component", "chat").Logger()

	c := &Client{log: log}
	c.Session = newSession(opts.Graph, opts.Clock)
	c.Blocks = newBlockRegistry(opts.Graph, c.Session, opts.Clock, opts.BlockCheckInterval, log)
	c.Permissions = &PermissionResolver{graph: opts.Graph, blocks: c.Blocks}
	c.Messages = &MessageStore{
		graph:      opts.Graph,
		session:    c.Session,
		blocks:     c.Blocks,
		perms:      c.Permissions,
		cipher:     opts.Cipher,
		clock:      opts.Clock,
		previewLen: opts.PreviewLength,
		random:     opts.Random,
		log:        log,
	}
	c.Receipts = &ReceiptTracker{
		graph:    opts.Graph,
		session:  c.Session,
		clock:    opts.Clock,
		log:      log,
		inflight: make(map[string]struct{}),
		tracked:  make(map[string]*receiptFeed),
	}
	c.Subscriptions = &SubscriptionManager{
		graph:    opts.Graph,
		session:  c.Session,
		perms:    c.Permissions,
		blocks:   c.Blocks,
		receipts: c.Receipts,
		messages: c.Messages,
		log:      log,
		onChange: opts.OnViewChange,
	}
	c.Receipts.manager = c.Subscriptions
	c.Membership = &MembershipService{
		graph:   opts.Graph,
		session: c.Session,
		cipher:  opts.Cipher,
		clock:   opts.Clock,
		log:     log,
	}
	c.Certificates = &CertificateService{
		graph:     opts.Graph,
		session:   c.Session,
		certifier: opts.Certifier,
		log:       log,
	}
	c.Friends = &FriendService{
		graph:       opts.Graph,
		session:     c.Session,
		blocks:      c.Blocks,
		certs:       c.Certificates,
		members:     c.Membership,
		manager:     c.Subscriptions,
		clock:       opts.Clock,
		log:         log,
		friendships: make(map[string]models.Friendship),
	}
	return c, nil
}

// Login authenticates id, publishes its profile and friend request
// certificate, and starts following friendships.
func (c *Client) Login(ctx context.Context, id Identity) error {
	c.Logout()
	if err := c.Session.Login(ctx, id); err != nil {
		return err
	}
	if err := c.Friends.start(ctx); err != nil {
		return err
	}
	if c.Certificates.certifier != nil {
		if _, err := c.Certificates.EnsureFriendRequestsCertificate(ctx); err != nil {
			c.log.Warn().Err(err).Msg("friend request certificate not published")
		}
	}
	c.log.Info().Str("pub", id.Pub).Str("alias", id.Alias).Msg("logged in")
	return nil
}

// Logout closes the selected feed and every watch, then clears the principal.
func (c *Client) Logout() {
	c.Subscriptions.Deselect()
	c.Blocks.UnwatchAll()
	c.Friends.stop()
	c.Session.Logout()
}

// Close releases every subscription the client holds.
func (c *Client) Close() {
	c.Logout()
}

// Send is a shorthand for Messages.Send.
func (c *Client) Send(ctx context.Context, conversationID, recipient, content string) (string, error) {
	return c.Messages.Send(ctx, conversationID, recipient, content)
}

// Select is a shorthand for Subscriptions.Select.
func (c *Client) Select(ctx context.Context, conversationID string) (View, error) {
	return c.Subscriptions.Select(ctx, conversationID)
}

// MarkVisible is a shorthand for Receipts.MarkVisible.
func (c *Client) MarkVisible(ctx context.Context, messageID string) error {
	return c.Receipts.MarkVisible(ctx, messageID)
}
