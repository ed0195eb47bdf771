package wsserver

import (
	"net/http"

	convsvc "github.com/tidewave/strand/internal/services/conversations"
	logpkg "github.com/tidewave/strand/pkg/log"
)

type conversationCreateReq struct {
	Participants []string `json:"participants"`
	ChannelID    string   `json:"channelId,omitempty"`
}

func (s *Server) handleConversationCreate(w http.ResponseWriter, r *http.Request) {
	var req conversationCreateReq
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Participants) == 0 {
		http.Error(w, "participants required", http.StatusBadRequest)
		return
	}
	conv, err := s.rt.Conversations().Create(r.Context(), req.ChannelID, req.Participants...)
	if err != nil {
		s.logger.Error("create conversation", logpkg.Err(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if conv == nil {
		// Lost the create race; the winner's row is authoritative.
		existing, err := s.rt.Conversations().Get(r.Context(), convsvc.ConversationID(req.Participants))
		if err != nil || existing == nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, existing)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}
	conv, err := s.rt.Conversations().Get(r.Context(), id)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if conv == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "missing user", http.StatusBadRequest)
		return
	}
	convs, err := s.rt.Conversations().GetUserConversations(r.Context(), userID)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

type channelCreateReq struct {
	ConversationID string `json:"conversationId"`
	ChannelID      string `json:"channelId,omitempty"`
}

func (s *Server) handleChannelCreate(w http.ResponseWriter, r *http.Request) {
	var req channelCreateReq
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ConversationID == "" {
		http.Error(w, "conversationId required", http.StatusBadRequest)
		return
	}
	ch, err := s.rt.Conversations().CreateChannel(r.Context(), req.ConversationID, req.ChannelID)
	if err != nil {
		s.logger.Error("create channel", logpkg.Err(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if ch == nil {
		w.WriteHeader(http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusCreated, ch)
}

type messagePublishReq struct {
	ChannelID string `json:"channelId"`
	MessageID string `json:"messageId,omitempty"`
	AuthorID  string `json:"authorId"`
	Content   string `json:"content"`
}

func (s *Server) handleMessagePublish(w http.ResponseWriter, r *http.Request) {
	var req messagePublishReq
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ChannelID == "" || req.AuthorID == "" {
		http.Error(w, "channelId and authorId required", http.StatusBadRequest)
		return
	}
	msg, err := s.rt.Conversations().PublishMessage(r.Context(), req.ChannelID, req.MessageID, req.AuthorID, req.Content)
	if err != nil {
		s.logger.Error("publish message", logpkg.Err(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if msg == nil {
		w.WriteHeader(http.StatusConflict)
		return
	}
	s.queueNotifications(r, req.ChannelID, req.AuthorID, msg.ID)
	writeJSON(w, http.StatusCreated, msg)
}

// queueNotifications marks the message unread for every participant except
// the author. Notification bookkeeping never fails a publish.
func (s *Server) queueNotifications(r *http.Request, channelID, authorID, messageID string) {
	ctx := r.Context()
	convID, err := s.rt.Conversations().ConversationForChannel(ctx, channelID)
	if err != nil || convID == "" {
		return
	}
	conv, err := s.rt.Conversations().Get(ctx, convID)
	if err != nil || conv == nil {
		return
	}
	for _, userID := range conv.Participants {
		if userID == authorID {
			continue
		}
		if err := s.rt.Notify().QueueEmailNotification(ctx, userID, channelID, messageID, true); err != nil {
			s.logger.Warn("queue notification",
				logpkg.Str("user", userID), logpkg.Str("channel", channelID), logpkg.Err(err))
		}
	}
}

func (s *Server) handleMessageList(w http.ResponseWriter, r *http.Request) {
	channelID := r.URL.Query().Get("channel")
	if channelID == "" {
		http.Error(w, "missing channel", http.StatusBadRequest)
		return
	}
	msgs, err := s.rt.Conversations().Messages(r.Context(), channelID, 0, false)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

type markReadReq struct {
	UserID     string   `json:"userId"`
	ChannelID  string   `json:"channelId"`
	MessageIDs []string `json:"messageIds"`
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	var req markReadReq
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" || req.ChannelID == "" {
		http.Error(w, "userId and channelId required", http.StatusBadRequest)
		return
	}
	if err := s.rt.Notify().MarkRead(r.Context(), req.UserID, req.ChannelID, req.MessageIDs); err != nil {
		s.logger.Error("mark read", logpkg.Err(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type emailOptInReq struct {
	UserID string `json:"userId"`
	OptIn  bool   `json:"optIn"`
}

func (s *Server) handleEmailOptIn(w http.ResponseWriter, r *http.Request) {
	var req emailOptInReq
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" {
		http.Error(w, "userId required", http.StatusBadRequest)
		return
	}
	if err := s.rt.Notify().WantsEmailNotifications(r.Context(), req.UserID, req.OptIn); err != nil {
		s.logger.Error("email opt-in", logpkg.Err(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConversationUpdatesOptIn(w http.ResponseWriter, r *http.Request) {
	var req emailOptInReq
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" {
		http.Error(w, "userId required", http.StatusBadRequest)
		return
	}
	if err := s.rt.Connections().WantsConversationUpdates(r.Context(), req.UserID, req.OptIn); err != nil {
		s.logger.Error("conversation-updates opt-in", logpkg.Err(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
