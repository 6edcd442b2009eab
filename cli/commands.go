package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"lindachat/chat"
	"lindachat/discovery"
	"lindachat/models"
	"lindachat/relay"
)

// call runs fn against the node and prints its result. API refusals are
// printed through the formatter and turned into a silent ExitFailure.
func call(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, c *apiClient) (any, error)) error {
	f := opts.formatter(cmd)
	data, err := fn(cmd.Context(), opts.client())
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			if ferr := f.Error(apiErr.Code, apiErr.Message); ferr != nil {
				return ferr
			}
			return &ExitError{Code: ExitFailure, Err: err}
		}
		return err
	}
	return f.Success(data)
}

type done string

func (d done) renderText(w io.Writer) { fmt.Fprintln(w, string(d)) }

type identityView chat.Identity

func (v identityView) renderText(w io.Writer) {
	fmt.Fprintf(w, "Alias:  %s\n", v.Alias)
	fmt.Fprintf(w, "Pub:    %s\n", v.Pub)
	fmt.Fprintf(w, "EPub:   %s\n", v.EPub)
}

type messageList []chat.ViewMessage

func (l messageList) renderText(w io.Writer) {
	if len(l) == 0 {
		fmt.Fprintln(w, "no messages")
		return
	}
	for _, m := range l {
		who := m.SenderAlias
		if who == "" {
			who = shortKey(m.Sender)
		}
		if m.Outgoing {
			who = "me"
		}
		fmt.Fprintf(w, "[%s] %s: %s (%s)\n", time.UnixMilli(m.Timestamp).Format("2006-01-02 15:04"), who, m.Text, m.Status)
	}
}

type blockView chat.BlockStatus

func (v blockView) renderText(w io.Writer) {
	fmt.Fprintf(w, "blocked by me:    %t\n", v.BlockedByMe)
	fmt.Fprintf(w, "blocked by other: %t\n", v.BlockedByOther)
}

type conversationView models.Conversation

func (v conversationView) renderText(w io.Writer) {
	fmt.Fprintf(w, "%s\t%s\t%s\n", v.ID, v.Type, v.Name)
}

type discoveryList []models.DiscoveryRecord

func (l discoveryList) renderText(w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tNAME\tCREATOR")
	for _, r := range l {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ID, r.Type, r.Name, shortKey(r.Creator))
	}
	_ = tw.Flush()
}

type refList []models.ConversationRef

func (l refList) renderText(w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tNAME\tJOINED")
	for _, r := range l {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ConversationID, r.Type, r.Name, time.UnixMilli(r.Joined).Format(time.DateTime))
	}
	_ = tw.Flush()
}

type memberList []models.Member

func (l memberList) renderText(w io.Writer) {
	for _, m := range l {
		fmt.Fprintf(w, "%s\t%s\n", m.Pub, m.Alias)
	}
}

type adminList []models.Admin

func (l adminList) renderText(w io.Writer) {
	for _, a := range l {
		fmt.Fprintln(w, a.Pub)
	}
}

type friendList []models.Friendship

func (l friendList) renderText(w io.Writer) {
	for _, f := range l {
		fmt.Fprintf(w, "%s\t%s\t%s\n", f.ID, f.User1, f.User2)
	}
}

type requestList []models.FriendRequest

func (l requestList) renderText(w io.Writer) {
	if len(l) == 0 {
		fmt.Fprintln(w, "no pending requests")
		return
	}
	for _, r := range l {
		fmt.Fprintf(w, "%s\t%s\n", r.From, r.Alias)
	}
}

type peersView struct {
	Relay      []relay.PeerInfo `json:"relay"`
	Discovered []discovery.Peer `json:"discovered"`
}

func (v peersView) renderText(w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CONNECTED\tADDRESS\tINBOUND")
	for _, p := range v.Relay {
		fmt.Fprintf(tw, "%s\t%s\t%t\n", p.PeerID, p.Address, p.Inbound)
	}
	fmt.Fprintln(tw, "DISCOVERED\tADDRESS\tALIAS")
	for _, p := range v.Discovered {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", p.PeerID, p.Address(), p.Alias)
	}
	_ = tw.Flush()
}

func shortKey(key string) string {
	if len(key) <= 12 {
		return key
	}
	return key[:12]
}

// NewWhoamiCommand prints the node's principal.
func NewWhoamiCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the identity the node is logged in as",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, func(ctx context.Context, c *apiClient) (any, error) {
				var id chat.Identity
				err := c.do(ctx, http.MethodGet, "/me", nil, &id)
				return identityView(id), err
			})
		},
	}
}

// NewSendCommand sends a message into a conversation.
func NewSendCommand(opts *RootOptions) *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "send <conversation-id> <text>...",
		Short: "Send a message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, func(ctx context.Context, c *apiClient) (any, error) {
				var out struct {
					ID string `json:"id"`
				}
				body := map[string]string{"content": strings.Join(args[1:], " ")}
				if to != "" {
					body["recipient"] = to
				}
				err := c.do(ctx, http.MethodPost, "/conversations/"+escape(args[0])+"/messages", body, &out)
				return done(out.ID), err
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "recipient public key (direct chats only)")
	return cmd
}

// NewHistoryCommand prints a conversation's messages.
func NewHistoryCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <conversation-id>",
		Short: "Print the messages of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, func(ctx context.Context, c *apiClient) (any, error) {
				var out []chat.ViewMessage
				err := c.do(ctx, http.MethodGet, "/conversations/"+escape(args[0])+"/messages", nil, &out)
				return messageList(out), err
			})
		},
	}
}

// NewBlockCommand blocks a principal.
func NewBlockCommand(opts *RootOptions) *cobra.Command {
	return simpleCommand(opts, "block <pub>", "Block a principal", http.MethodPut, func(args []string) string {
		return "/blocks/" + escape(args[0])
	}, "blocked")
}

// NewUnblockCommand removes a block.
func NewUnblockCommand(opts *RootOptions) *cobra.Command {
	return simpleCommand(opts, "unblock <pub>", "Unblock a principal", http.MethodDelete, func(args []string) string {
		return "/blocks/" + escape(args[0])
	}, "unblocked")
}

// NewBlockStatusCommand shows both block directions with a principal.
func NewBlockStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "block-status <pub>",
		Short: "Show whether either side blocks the other",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, func(ctx context.Context, c *apiClient) (any, error) {
				var out chat.BlockStatus
				err := c.do(ctx, http.MethodGet, "/blocks/"+escape(args[0]), nil, &out)
				return blockView(out), err
			})
		},
	}
}

// NewConversationCommand groups group and channel management.
func NewConversationCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversation",
		Aliases: []string{"conv"},
		Short:   "Manage groups and channels",
	}

	var kind string
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a group or channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, func(ctx context.Context, c *apiClient) (any, error) {
				var out models.Conversation
				err := c.do(ctx, http.MethodPost, "/conversations", map[string]string{"name": args[0], "type": kind}, &out)
				return conversationView(out), err
			})
		},
	}
	create.Flags().StringVar(&kind, "type", models.ConversationGroup, "group or channel")

	search := &cobra.Command{
		Use:   "search [query]",
		Short: "Search discoverable groups and channels",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, func(ctx context.Context, c *apiClient) (any, error) {
				path := "/conversations"
				if len(args) == 1 {
					path += "?q=" + escape(args[0])
				}
				var out []models.DiscoveryRecord
				err := c.do(ctx, http.MethodGet, path, nil, &out)
				return discoveryList(out), err
			})
		},
	}

	mine := &cobra.Command{
		Use:   "mine",
		Short: "List conversations you belong to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, func(ctx context.Context, c *apiClient) (any, error) {
				var out []models.ConversationRef
				err := c.do(ctx, http.MethodGet, "/conversations/mine", nil, &out)
				return refList(out), err
			})
		},
	}

	members := &cobra.Command{
		Use:   "members <conversation-id>",
		Short: "List members",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, func(ctx context.Context, c *apiClient) (any, error) {
				var out []models.Member
				err := c.do(ctx, http.MethodGet, "/conversations/"+escape(args[0])+"/members", nil, &out)
				return memberList(out), err
			})
		},
	}

	admins := &cobra.Command{
		Use:   "admins <conversation-id>",
		Short: "List admins",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, func(ctx context.Context, c *apiClient) (any, error) {
				var out []models.Admin
				err := c.do(ctx, http.MethodGet, "/conversations/"+escape(args[0])+"/admins", nil, &out)
				return adminList(out), err
			})
		},
	}

	promote := &cobra.Command{
		Use:   "promote <conversation-id> <pub>",
		Short: "Make a member an admin",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, func(ctx context.Context, c *apiClient) (any, error) {
				err := c.do(ctx, http.MethodPost, "/conversations/"+escape(args[0])+"/admins", map[string]string{"pub": args[1]}, nil)
				return done("promoted"), err
			})
		},
	}

	last := &cobra.Command{
		Use:   "last <conversation-id>",
		Short: "Show the last message preview",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, func(ctx context.Context, c *apiClient) (any, error) {
				var out chat.LastMessageView
				err := c.do(ctx, http.MethodGet, "/conversations/"+escape(args[0])+"/last", nil, &out)
				return done(out.Text), err
			})
		},
	}

	conversationPath := func(suffix string) func([]string) string {
		return func(args []string) string { return "/conversations/" + escape(args[0]) + suffix }
	}

	cmd.AddCommand(
		create,
		simpleCommand(opts, "join <conversation-id>", "Join a group or channel", http.MethodPost, conversationPath("/join"), "joined"),
		simpleCommand(opts, "leave <conversation-id>", "Leave a group or channel", http.MethodPost, conversationPath("/leave"), "left"),
		simpleCommand(opts, "delete <conversation-id>", "Delete a group or channel", http.MethodDelete, conversationPath(""), "deleted"),
		simpleCommand(opts, "clear <conversation-id>", "Remove every message of a conversation", http.MethodPost, conversationPath("/clear"), "cleared"),
		search,
		mine,
		members,
		admins,
		promote,
		last,
	)
	return cmd
}

// NewFriendCommand groups friend requests and friendships.
func NewFriendCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "friend",
		Short: "Manage friend requests and friendships",
	}

	request := &cobra.Command{
		Use:   "request <pub>",
		Short: "Send a friend request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, func(ctx context.Context, c *apiClient) (any, error) {
				err := c.do(ctx, http.MethodPost, "/friends/requests", map[string]string{"pub": args[0]}, nil)
				return done("request sent"), err
			})
		},
	}

	accept := &cobra.Command{
		Use:   "accept <pub>",
		Short: "Accept a friend request and open the direct chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, func(ctx context.Context, c *apiClient) (any, error) {
				var out models.Conversation
				err := c.do(ctx, http.MethodPost, "/friends/requests/"+escape(args[0])+"/accept", nil, &out)
				return conversationView(out), err
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List friendships",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, func(ctx context.Context, c *apiClient) (any, error) {
				var out []models.Friendship
				err := c.do(ctx, http.MethodGet, "/friends", nil, &out)
				return friendList(out), err
			})
		},
	}

	requests := &cobra.Command{
		Use:   "requests",
		Short: "List pending incoming requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, func(ctx context.Context, c *apiClient) (any, error) {
				var out []models.FriendRequest
				err := c.do(ctx, http.MethodGet, "/friends/requests", nil, &out)
				return requestList(out), err
			})
		},
	}

	cmd.AddCommand(
		request,
		accept,
		simpleCommand(opts, "reject <pub>", "Reject a friend request", http.MethodPost, func(args []string) string {
			return "/friends/requests/" + escape(args[0]) + "/reject"
		}, "rejected"),
		simpleCommand(opts, "remove <pub>", "Remove a friend", http.MethodDelete, func(args []string) string {
			return "/friends/" + escape(args[0])
		}, "removed"),
		list,
		requests,
	)
	return cmd
}

// NewDirectCommand opens direct chats.
func NewDirectCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "direct",
		Short: "Direct chats",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "open <pub>",
		Short: "Open (or create) the direct chat with a principal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, func(ctx context.Context, c *apiClient) (any, error) {
				var out models.Conversation
				err := c.do(ctx, http.MethodPost, "/direct", map[string]string{"pub": args[0]}, &out)
				return conversationView(out), err
			})
		},
	})
	return cmd
}

// NewPeersCommand lists relay connections and discovered peers.
func NewPeersCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "List connected and discovered relay peers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, func(ctx context.Context, c *apiClient) (any, error) {
				var out peersView
				if err := c.do(ctx, http.MethodGet, "/relay/peers", nil, &out.Relay); err != nil {
					return nil, err
				}
				err := c.do(ctx, http.MethodGet, "/discovery/peers", nil, &out.Discovered)
				return out, err
			})
		},
	}
}

func simpleCommand(opts *RootOptions, use, short, method string, path func([]string) string, result string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(strings.Count(use, "<")),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, func(ctx context.Context, c *apiClient) (any, error) {
				return done(result), c.do(ctx, method, path(args), nil, nil)
			})
		},
	}
}
