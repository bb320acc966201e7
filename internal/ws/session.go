package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/evetabi/crash/internal/config"
	"github.com/evetabi/crash/internal/domain"
	"github.com/evetabi/crash/internal/events"
	"github.com/evetabi/crash/internal/game"
	"github.com/evetabi/crash/internal/obs"
	"github.com/evetabi/crash/internal/service"
)

// ──────────────────────────────────────────────────────────────────────────────
// Tunables
// ──────────────────────────────────────────────────────────────────────────────

const (
	writeDeadline  = 10 * time.Second
	pingInterval   = 30 * time.Second
	pongWait       = 35 * time.Second // must be > pingInterval
	maxMessageSize = 1024             // bytes per inbound command
	directBufSize  = 64               // session-level replies in flight
	commandTimeout = 10 * time.Second
	maxChatLen     = 200
	chatPerSecond  = 1.0 // sustained chat rate per session
	chatBurst      = 5   // token bucket capacity
)

// UserDirectory resolves wallet logins to accounts, creating on first sight.
type UserDirectory interface {
	GetOrCreateByWallet(ctx context.Context, wallet string) (*domain.User, error)
}

// HistorySource supplies recent revealed rounds for resync snapshots.
type HistorySource interface {
	RecentRevealed(ctx context.Context, limit int) ([]domain.RevealedRound, error)
}

// ──────────────────────────────────────────────────────────────────────────────
// Server
// ──────────────────────────────────────────────────────────────────────────────

// Server upgrades connections and runs one Session per client.  Broadcast
// traffic flows from the event bus; commands dispatch into the scheduler and
// the balance engine on the session's read goroutine.
type Server struct {
	auth        config.AuthConfig
	historySize int
	bus         *events.Bus
	sched       *game.Scheduler
	engine      *service.BalanceEngine
	users       UserDirectory
	history     HistorySource
	logger      *slog.Logger
	upgrader    websocket.Upgrader
}

// NewServer builds the WebSocket server.  allowedOrigins empty means dev
// mode: every origin is accepted.
func NewServer(
	auth config.AuthConfig,
	historySize int,
	allowedOrigins []string,
	bus *events.Bus,
	sched *game.Scheduler,
	engine *service.BalanceEngine,
	users UserDirectory,
	history HistorySource,
	logger *slog.Logger,
) *Server {
	return &Server{
		auth:        auth,
		historySize: historySize,
		bus:         bus,
		sched:       sched,
		engine:      engine,
		users:       users,
		history:     history,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowedOrigins) == 0 {
					return true
				}
				origin := r.Header.Get("Origin")
				for _, o := range allowedOrigins {
					if o == "*" || o == origin {
						return true
					}
				}
				return false
			},
		},
	}
}

// ServeWS upgrades the request and starts the session pumps.  A client may
// pass ?last_event_id= to resume its feed across the reconnect.
func (srv *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	s := &Session{
		srv:    srv,
		conn:   conn,
		direct: make(chan []byte, directBufSize),
	}

	var lastEventID uint64
	if raw := r.URL.Query().Get("last_event_id"); raw != "" {
		lastEventID, _ = strconv.ParseUint(raw, 10, 64)
	}
	sub, err := srv.bus.Subscribe([]string{events.TopicGlobal, events.TopicRoom}, lastEventID)
	if errors.Is(err, domain.ErrResyncRequired) {
		sub, err = srv.bus.Subscribe([]string{events.TopicGlobal, events.TopicRoom}, 0)
		if err == nil {
			s.sendResyncSnapshot()
		}
	}
	if err != nil {
		srv.logger.Error("ws subscribe failed", "error", err)
		conn.Close()
		return
	}
	s.sub = sub

	obs.Sessions.Inc()
	go s.writePump()
	go s.readPump()
}

// ──────────────────────────────────────────────────────────────────────────────
// Session
// ──────────────────────────────────────────────────────────────────────────────

// Session is one connected client: a bus subscription, a direct reply queue,
// and the authenticated user, if any.
type Session struct {
	srv    *Server
	conn   *websocket.Conn
	direct chan []byte
	chat   chatBucket

	mu        sync.Mutex
	sub       *events.Subscription
	swapped   *events.Subscription
	userID    uuid.UUID
	challenge string // outstanding login nonce, consumed on use

	lastSent atomic.Uint64
}

func (s *Session) currentSub() *events.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sub
}

// swapSub installs a replacement subscription and retires the old one.  The
// write pump picks the replacement up when the old channel closes.
func (s *Session) swapSub(next *events.Subscription) {
	s.mu.Lock()
	old := s.sub
	s.sub = next
	s.swapped = next
	s.mu.Unlock()
	s.srv.bus.Unsubscribe(old)
}

func (s *Session) takeSwap() *events.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.swapped
	s.swapped = nil
	return next
}

// takeChallenge consumes the outstanding login nonce, if any.  One signature
// per issued nonce: a second auth attempt needs a fresh hello.
func (s *Session) takeChallenge() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	nonce := s.challenge
	s.challenge = ""
	return nonce
}

func (s *Session) user() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *Session) setUser(id uuid.UUID) {
	s.mu.Lock()
	s.userID = id
	s.mu.Unlock()
}

// reply queues a session-level message; dropped if the client is stalled
// (the stalled connection itself dies via write deadline).
func (s *Session) reply(v interface{}) {
	raw, err := json.Marshal(v)
	if err != nil {
		s.srv.logger.Error("marshal reply", "error", err)
		return
	}
	select {
	case s.direct <- raw:
	default:
	}
}

func (s *Session) replyErr(err error) {
	s.reply(ErrorReply{Type: MsgError, Code: domain.ErrorCode(err), Message: err.Error()})
}

// ──────────────────────────────────────────────────────────────────────────────
// Pumps
// ──────────────────────────────────────────────────────────────────────────────

// writePump serializes all outbound traffic: bus events, direct replies, and
// protocol pings.  One writer per connection, as gorilla requires.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	sub := s.currentSub()
	for {
		select {
		case e, ok := <-sub.C:
			if !ok {
				if next := s.takeSwap(); next != nil {
					sub = next
					continue
				}
				// Dropped as a slow consumer: the client reconnects and
				// resyncs from its last_event_id.
				_ = s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
				_ = s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "resync required"))
				return
			}
			// Event ids are monotonic; anything at or below the last write is
			// a replay straddling a subscription swap.
			if e.ID <= s.lastSent.Load() {
				continue
			}
			raw, err := json.Marshal(e)
			if err != nil {
				continue
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
			s.lastSent.Store(e.ID)

		case raw, ok := <-s.direct:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads and dispatches client commands until the connection drops.
func (s *Session) readPump() {
	defer func() {
		s.srv.bus.Unsubscribe(s.currentSub())
		s.conn.Close()
		obs.Sessions.Dec()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.srv.logger.Debug("ws closed unexpectedly", "user", s.user(), "error", err)
			}
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.reply(ErrorReply{Type: MsgError, Code: "invalid_message", Message: "malformed json"})
			continue
		}
		s.handle(msg)
	}
}

// handle dispatches one command.  Panics are contained to the command: the
// session and the round loop survive a malformed request.
func (s *Session) handle(msg ClientMessage) {
	defer func() {
		if r := recover(); r != nil {
			s.srv.logger.Error("command panicked", "type", msg.Type, "panic", r)
			s.reply(ErrorReply{Type: MsgError, Code: "internal", Message: "internal error"})
		}
	}()

	switch msg.Type {
	case MsgPing:
		s.reply(PongReply{Type: MsgPong, LastEventID: s.lastSent.Load()})
	case MsgHello:
		s.handleHello()
	case MsgAuth:
		s.handleAuth(msg)
	case MsgPlaceBet:
		s.handlePlaceBet(msg)
	case MsgCashOut:
		s.handleCashOut()
	case MsgChat:
		s.handleChat(msg)
	case MsgResume:
		s.handleResume(msg)
	default:
		s.reply(ErrorReply{Type: MsgError, Code: "invalid_message", Message: "unknown message type"})
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Command handlers
// ──────────────────────────────────────────────────────────────────────────────

// handleHello issues the login challenge nonce for a wallet auth.
func (s *Session) handleHello() {
	nonce, err := newChallenge()
	if err != nil {
		s.replyErr(err)
		return
	}
	s.mu.Lock()
	s.challenge = nonce
	s.mu.Unlock()
	s.reply(ChallengeReply{Type: MsgChallenge, Nonce: nonce})
}

func (s *Session) handleAuth(msg ClientMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	var userID uuid.UUID
	switch {
	case msg.Token != "":
		id, err := parseToken([]byte(s.srv.auth.JWTSecret), msg.Token)
		if err != nil {
			s.replyErr(err)
			return
		}
		userID = id
	case msg.Wallet != "" && msg.Signature != "":
		nonce := s.takeChallenge()
		if nonce == "" {
			s.replyErr(fmt.Errorf("%w: no challenge outstanding, send hello first", domain.ErrUnauthenticated))
			return
		}
		if err := verifyWalletSignature(msg.Wallet, nonce, msg.Signature); err != nil {
			s.replyErr(err)
			return
		}
		user, err := s.srv.users.GetOrCreateByWallet(ctx, strings.ToLower(msg.Wallet))
		if err != nil {
			s.replyErr(err)
			return
		}
		userID = user.ID
	default:
		s.replyErr(domain.ErrUnauthenticated)
		return
	}

	token, err := issueToken([]byte(s.srv.auth.JWTSecret), userID, s.srv.auth.TokenTTL)
	if err != nil {
		s.replyErr(err)
		return
	}
	s.setUser(userID)

	// Re-subscribe with the user topic attached, resuming from the last
	// event already delivered so nothing is lost in the swap.
	topics := []string{events.TopicGlobal, events.TopicRoom, events.UserTopic(userID)}
	next, err := s.srv.bus.Subscribe(topics, s.lastSent.Load())
	if errors.Is(err, domain.ErrResyncRequired) {
		next, err = s.srv.bus.Subscribe(topics, 0)
	}
	if err != nil {
		s.replyErr(err)
		return
	}
	s.swapSub(next)

	balance, err := s.srv.engine.GetBalance(ctx, userID)
	if err != nil {
		s.replyErr(err)
		return
	}
	s.reply(AuthOKReply{Type: MsgAuthOK, UserID: userID, Token: token, Balance: balance})
}

func (s *Session) handlePlaceBet(msg ClientMessage) {
	userID := s.user()
	if userID == uuid.Nil {
		s.replyErr(domain.ErrUnauthenticated)
		return
	}
	stake, err := domain.ParseToken(msg.Amount)
	if err != nil {
		s.replyErr(err)
		return
	}
	clientID, err := uuid.Parse(msg.ClientID)
	if err != nil {
		s.reply(ErrorReply{Type: MsgError, Code: "invalid_message", Message: "client_id must be a uuid"})
		return
	}
	var auto *uint64
	if msg.AutoCashout != "" {
		x100, err := parseMultiplier(msg.AutoCashout)
		if err != nil {
			s.replyErr(err)
			return
		}
		auto = &x100
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	bet, balance, err := s.srv.sched.PlaceBet(ctx, userID, stake, auto, clientID, msg.ExpectedVersion)
	if err != nil {
		s.replyErr(err)
		return
	}
	s.reply(BetAckReply{Type: MsgBetAck, Bet: bet, Balance: balance})
}

func (s *Session) handleCashOut() {
	userID := s.user()
	if userID == uuid.Nil {
		s.replyErr(domain.ErrUnauthenticated)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	bet, balance, err := s.srv.sched.CashOut(ctx, userID)
	if err != nil {
		s.replyErr(err)
		return
	}
	s.reply(CashOutAckReply{Type: MsgCashOutAck, Bet: bet, Balance: balance})
}

// chatBucket rate-limits one session's chat: refills at chatPerSecond up to
// chatBurst, starting full.
type chatBucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

func (b *chatBucket) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lastRefill.IsZero() {
		b.tokens = chatBurst
	} else {
		b.tokens += now.Sub(b.lastRefill).Seconds() * chatPerSecond
		if b.tokens > chatBurst {
			b.tokens = chatBurst
		}
	}
	b.lastRefill = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (s *Session) handleChat(msg ClientMessage) {
	userID := s.user()
	if userID == uuid.Nil {
		s.replyErr(domain.ErrUnauthenticated)
		return
	}
	if !s.chat.allow(time.Now()) {
		s.reply(ErrorReply{Type: MsgError, Code: "rate_limited",
			Message: "too many chat messages, slow down"})
		return
	}
	text := strings.TrimSpace(msg.Message)
	if text == "" || len(text) > maxChatLen {
		s.reply(ErrorReply{Type: MsgError, Code: "invalid_message",
			Message: "chat message must be 1-200 characters"})
		return
	}
	s.srv.bus.Publish(events.TopicRoom, events.KindChat, events.Chat{UserID: userID, Message: text})
	s.reply(struct {
		Type MsgType `json:"type"`
	}{MsgChatAck})
}

func (s *Session) handleResume(msg ClientMessage) {
	topics := []string{events.TopicGlobal, events.TopicRoom}
	if userID := s.user(); userID != uuid.Nil {
		topics = append(topics, events.UserTopic(userID))
	}
	next, err := s.srv.bus.Subscribe(topics, msg.LastEventID)
	if errors.Is(err, domain.ErrResyncRequired) {
		next, err = s.srv.bus.Subscribe(topics, 0)
		if err == nil {
			s.sendResyncSnapshot()
		}
	}
	if err != nil {
		s.replyErr(err)
		return
	}
	s.swapSub(next)
}

// sendResyncSnapshot replaces an unresumable backlog with current ground
// truth: round status, the caller's balance, the live bet list, and history.
func (s *Session) sendResyncSnapshot() {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	snap := ResyncReply{
		Type:  MsgResync,
		Round: s.srv.sched.Status(),
		Bets:  s.srv.sched.Book().All(),
	}
	if userID := s.user(); userID != uuid.Nil {
		if balance, err := s.srv.engine.GetBalance(ctx, userID); err == nil {
			snap.Balance = &balance
		}
	}
	if history, err := s.srv.history.RecentRevealed(ctx, s.srv.historySize); err == nil {
		snap.History = history
	}
	s.reply(snap)
}

// parseMultiplier converts "2.00" into x100 hundredths, rejecting finer
// precision and targets below 1.01.
func parseMultiplier(s string) (uint64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, domain.ErrInvalidAmount
	}
	shifted := d.Shift(2)
	if !shifted.IsInteger() || !shifted.IsPositive() {
		return 0, domain.ErrInvalidAmount
	}
	x100 := shifted.IntPart()
	if x100 < domain.MinAutoCashoutX100 {
		return 0, domain.ErrInvalidAmount
	}
	return uint64(x100), nil
}
