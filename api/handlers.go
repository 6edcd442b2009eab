package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"lindachat/chat"
	"lindachat/discovery"
	"lindachat/relay"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type createConversationRequest struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type sendRequest struct {
	Recipient string `json:"recipient,omitempty"`
	Content   string `json:"content"`
}

type sendResponse struct {
	ID string `json:"id"`
}

type peerRequest struct {
	Pub string `json:"pub"`
}

type selectRequest struct {
	ConversationID string `json:"conversation_id"`
}

type visibleRequest struct {
	MessageID string `json:"message_id"`
}

type countResponse struct {
	Count int `json:"count"`
}

func (h *handler) me(w http.ResponseWriter, r *http.Request) {
	id, err := h.client.Session.Current()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, id)
}

func (h *handler) profile(w http.ResponseWriter, r *http.Request) {
	profile, err := h.client.Session.Profile(r.Context(), chi.URLParam(r, "pub"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (h *handler) createConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if !h.decode(w, r, &req) {
		return
	}
	conv, err := h.client.Membership.Create(r.Context(), req.Name, req.Type)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	conv.Secret = ""
	writeJSON(w, http.StatusCreated, conv)
}

func (h *handler) searchConversations(w http.ResponseWriter, r *http.Request) {
	records, err := h.client.Membership.Search(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *handler) myConversations(w http.ResponseWriter, r *http.Request) {
	refs, err := h.client.Membership.MyConversations(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, refs)
}

func (h *handler) deleteConversation(w http.ResponseWriter, r *http.Request) {
	h.noContent(w, r, h.client.Membership.Delete(r.Context(), chi.URLParam(r, "id")))
}

func (h *handler) joinConversation(w http.ResponseWriter, r *http.Request) {
	h.noContent(w, r, h.client.Membership.Join(r.Context(), chi.URLParam(r, "id")))
}

func (h *handler) leaveConversation(w http.ResponseWriter, r *http.Request) {
	h.noContent(w, r, h.client.Membership.Leave(r.Context(), chi.URLParam(r, "id")))
}

func (h *handler) members(w http.ResponseWriter, r *http.Request) {
	members, err := h.client.Membership.Members(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, members)
}

func (h *handler) countMembers(w http.ResponseWriter, r *http.Request) {
	n, err := h.client.Membership.CountMembers(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: n})
}

func (h *handler) history(w http.ResponseWriter, r *http.Request) {
	messages, err := h.client.Messages.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (h *handler) send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !h.decode(w, r, &req) {
		return
	}
	id, err := h.client.Send(r.Context(), chi.URLParam(r, "id"), req.Recipient, req.Content)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sendResponse{ID: id})
}

func (h *handler) lastMessage(w http.ResponseWriter, r *http.Request) {
	last, err := h.client.Messages.LastMessage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, last)
}

func (h *handler) clearConversation(w http.ResponseWriter, r *http.Request) {
	h.noContent(w, r, h.client.Messages.ClearConversation(r.Context(), chi.URLParam(r, "id")))
}

func (h *handler) admins(w http.ResponseWriter, r *http.Request) {
	admins, err := h.client.Membership.Admins(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, admins)
}

func (h *handler) promoteAdmin(w http.ResponseWriter, r *http.Request) {
	var req peerRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.noContent(w, r, h.client.Membership.PromoteAdmin(r.Context(), chi.URLParam(r, "id"), req.Pub))
}

func (h *handler) openDirect(w http.ResponseWriter, r *http.Request) {
	var req peerRequest
	if !h.decode(w, r, &req) {
		return
	}
	conv, err := h.client.Membership.OpenDirect(r.Context(), req.Pub)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *handler) view(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.client.Subscriptions.View())
}

func (h *handler) selectConversation(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if !h.decode(w, r, &req) {
		return
	}
	view, err := h.client.Select(r.Context(), req.ConversationID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *handler) deselect(w http.ResponseWriter, r *http.Request) {
	h.client.Subscriptions.Deselect()
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) markVisible(w http.ResponseWriter, r *http.Request) {
	var req visibleRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.noContent(w, r, h.client.MarkVisible(r.Context(), req.MessageID))
}

func (h *handler) blockStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.client.Blocks.Status(r.Context(), chi.URLParam(r, "pub"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *handler) block(w http.ResponseWriter, r *http.Request) {
	h.noContent(w, r, h.client.Blocks.Block(r.Context(), chi.URLParam(r, "pub")))
}

func (h *handler) unblock(w http.ResponseWriter, r *http.Request) {
	h.noContent(w, r, h.client.Blocks.Unblock(r.Context(), chi.URLParam(r, "pub")))
}

func (h *handler) friends(w http.ResponseWriter, r *http.Request) {
	friends, err := h.client.Friends.Friends()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, friends)
}

func (h *handler) friendRequests(w http.ResponseWriter, r *http.Request) {
	requests, err := h.client.Friends.IncomingRequests(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, requests)
}

func (h *handler) sendFriendRequest(w http.ResponseWriter, r *http.Request) {
	var req peerRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.client.Friends.SendFriendRequest(r.Context(), req.Pub); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *handler) acceptFriendRequest(w http.ResponseWriter, r *http.Request) {
	conv, err := h.client.Friends.AcceptFriendRequest(r.Context(), chi.URLParam(r, "pub"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *handler) rejectFriendRequest(w http.ResponseWriter, r *http.Request) {
	h.noContent(w, r, h.client.Friends.RejectFriendRequest(r.Context(), chi.URLParam(r, "pub")))
}

func (h *handler) removeFriend(w http.ResponseWriter, r *http.Request) {
	h.noContent(w, r, h.client.Friends.RemoveFriend(r.Context(), chi.URLParam(r, "pub")))
}

func (h *handler) relayPeers(w http.ResponseWriter, r *http.Request) {
	peers := []relay.PeerInfo{}
	if h.relay != nil {
		peers = append(peers, h.relay.Peers()...)
	}
	writeJSON(w, http.StatusOK, peers)
}

func (h *handler) discoveredPeers(w http.ResponseWriter, r *http.Request) {
	peers := []discovery.Peer{}
	if h.discovery != nil {
		peers = append(peers, h.discovery.Peers()...)
	}
	writeJSON(w, http.StatusOK, peers)
}

// decode reads a JSON body into v and answers 400 itself when it cannot.
func (h *handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.fail(w, r, fmt.Errorf("%w: request body: %w", chat.ErrInvalidArgument, err))
		return false
	}
	return true
}

func (h *handler) noContent(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := chat.Reason(err)
	status := statusFor(code)
	event := h.log.Warn()
	if status >= http.StatusInternalServerError {
		event = h.log.Error()
	}
	event.Err(err).Str("code", code).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
	writeJSON(w, status, errorResponse{Error: errorText(err), Code: code})
}

func statusFor(code string) int {
	switch code {
	case chat.ReasonAuthenticationRequired:
		return http.StatusUnauthorized
	case chat.ReasonNotFound:
		return http.StatusNotFound
	case chat.ReasonPermissionDenied:
		return http.StatusForbidden
	case chat.ReasonBlocked:
		return http.StatusConflict
	case chat.ReasonInvalidArgument:
		return http.StatusBadRequest
	case chat.ReasonStoreWriteFailure, chat.ReasonSubscriptionFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// errorText drops the package prefix of chat sentinels.
func errorText(err error) string {
	return strings.TrimPrefix(err.Error(), "chat: ")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
