package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	socketio "github.com/googollee/go-socket.io"
	"github.com/rs/zerolog/log"

	"github.com/promptduel/promptduel/internal/battle"
)

// ConnCtx binds a socket connection to a battle participant.
type ConnCtx struct {
	BattleID string
	UserID   string
}

// Server is the realtime gateway: one socket.io room per battle id, with
// every machine event fanned out to the room. It implements
// battle.Broadcaster.
type Server struct {
	sup *battle.Supervisor

	mu      sync.Mutex
	members map[string]map[string]socketio.Conn // battleID -> socketID -> Conn
	byUser  map[string]map[string]string        // battleID -> userID -> authoritative socketID

	io *socketio.Server
}

func New(sup *battle.Supervisor) *Server {
	return &Server{
		sup:     sup,
		members: make(map[string]map[string]socketio.Conn),
		byUser:  make(map[string]map[string]string),
	}
}

// Mount attaches the Socket.IO server with handlers to the given Gin engine.
func (srv *Server) Mount(r *gin.Engine) *socketio.Server {
	io := socketio.NewServer(nil)
	srv.io = io

	io.OnConnect("/", func(s socketio.Conn) error {
		s.SetContext(&ConnCtx{})
		log.Info().Str("sid", s.ID()).Msg("socket connected")
		return nil
	})

	// battle:connect joins a battle channel. The same event serves first
	// join and reconnect: the reply snapshot is the resynchronization path,
	// and a newer connection supersedes any older one for the participant.
	io.OnEvent("/", "battle:connect", func(s socketio.Conn, payload struct {
		BattleID string `json:"battleId"`
		UserID   string `json:"userId"`
	}) map[string]any {
		return srv.connect(s, payload.BattleID, payload.UserID)
	})

	// battle:submit
	io.OnEvent("/", "battle:submit", func(s socketio.Conn, payload struct {
		Text string `json:"text"`
	}) map[string]any {
		ctx := s.Context().(*ConnCtx)
		if ctx.BattleID == "" {
			return srv.err(s, "not_connected", "join a battle first")
		}
		err := srv.sup.SubmitPrompt(context.Background(), ctx.BattleID, ctx.UserID, payload.Text)
		if err != nil {
			return srv.err(s, commandErrCode(err), err.Error())
		}
		log.Info().Str("battleId", ctx.BattleID).Str("user", ctx.UserID).Msg("battle:submit")
		return map[string]any{"ok": true}
	})

	// battle:forfeit
	io.OnEvent("/", "battle:forfeit", func(s socketio.Conn) map[string]any {
		ctx := s.Context().(*ConnCtx)
		if ctx.BattleID == "" {
			return srv.err(s, "not_connected", "join a battle first")
		}
		if err := srv.sup.Forfeit(ctx.BattleID, ctx.UserID); err != nil {
			return srv.err(s, commandErrCode(err), err.Error())
		}
		log.Info().Str("battleId", ctx.BattleID).Str("user", ctx.UserID).Msg("battle:forfeit")
		return map[string]any{"ok": true}
	})

	io.OnError("/", func(s socketio.Conn, e error) {
		log.Error().Str("sid", s.ID()).Err(e).Msg("socket error")
	})

	// disconnecting never forfeits; only phase deadlines do
	io.OnDisconnect("/", func(s socketio.Conn, reason string) {
		if ctx, ok := s.Context().(*ConnCtx); ok && ctx.BattleID != "" {
			srv.removeMember(ctx.BattleID, ctx.UserID, s)
		}
		log.Info().Str("sid", s.ID()).Str("reason", reason).Msg("socket disconnected")
	})

	go io.Serve()

	r.GET("/socket.io/*any", gin.WrapH(io))
	r.POST("/socket.io/*any", gin.WrapH(io))

	r.OPTIONS("/socket.io/*any", func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		c.Status(http.StatusNoContent)
	})

	return io
}

// connect binds the session to a battle channel. The channel is for
// participants only: an empty user id gets no spectator view here, that is
// the REST snapshot's job.
func (srv *Server) connect(s socketio.Conn, battleID, userID string) map[string]any {
	if userID == "" {
		return srv.err(s, "not_a_participant", "a battle channel requires a participant id")
	}
	snap, err := srv.sup.Snapshot(battleID, userID)
	if err != nil {
		return srv.err(s, connectErrCode(err), err.Error())
	}
	s.SetContext(&ConnCtx{BattleID: battleID, UserID: userID})
	s.Join(battleID)
	srv.addMember(battleID, userID, s)
	log.Info().Str("sid", s.ID()).Str("battleId", battleID).
		Str("user", userID).Msg("battle:connect")
	s.Emit("battle:state", snap)
	return map[string]any{"ok": true}
}

// Broadcast fans a machine event out to every session of one battle. Sessions
// of other battles never receive it.
func (srv *Server) Broadcast(battleID, event string, payload map[string]any) {
	srv.mu.Lock()
	conns := make([]socketio.Conn, 0, len(srv.members[battleID]))
	for _, c := range srv.members[battleID] {
		conns = append(conns, c)
	}
	srv.mu.Unlock()
	for _, c := range conns {
		c.Emit(event, payload)
	}
}

// addMember registers the connection and supersedes any previous connection
// for the same participant, so exactly one authoritative session receives
// broadcasts per participant.
func (srv *Server) addMember(battleID, userID string, c socketio.Conn) {
	var stale socketio.Conn
	srv.mu.Lock()
	if srv.members[battleID] == nil {
		srv.members[battleID] = make(map[string]socketio.Conn)
		srv.byUser[battleID] = make(map[string]string)
	}
	if oldID, ok := srv.byUser[battleID][userID]; ok && oldID != c.ID() {
		stale = srv.members[battleID][oldID]
		delete(srv.members[battleID], oldID)
	}
	srv.members[battleID][c.ID()] = c
	srv.byUser[battleID][userID] = c.ID()
	srv.mu.Unlock()

	if stale != nil {
		log.Info().Str("battleId", battleID).Str("user", userID).Msg("superseding stale session")
		_ = stale.Close()
	}
}

func (srv *Server) removeMember(battleID, userID string, c socketio.Conn) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if m := srv.members[battleID]; m != nil {
		delete(m, c.ID())
		if len(m) == 0 {
			delete(srv.members, battleID)
			delete(srv.byUser, battleID)
			return
		}
	}
	if u := srv.byUser[battleID]; u != nil && u[userID] == c.ID() {
		delete(u, userID)
	}
}

func (srv *Server) err(s socketio.Conn, code, message string) map[string]any {
	s.Emit("error", map[string]any{"code": code, "message": message})
	return map[string]any{"error": code}
}

func connectErrCode(err error) string {
	switch {
	case errors.Is(err, battle.ErrBattleNotFound), errors.Is(err, battle.ErrBattleStopped):
		return "battle_not_found"
	case errors.Is(err, battle.ErrNotParticipant):
		return "not_a_participant"
	default:
		return "bad_request"
	}
}

func commandErrCode(err error) string {
	switch {
	case errors.Is(err, battle.ErrBattleNotFound), errors.Is(err, battle.ErrBattleStopped):
		return "battle_not_found"
	case errors.Is(err, battle.ErrNotParticipant):
		return "not_a_participant"
	case errors.Is(err, battle.ErrWrongPhase):
		return "wrong_phase"
	case errors.Is(err, battle.ErrAlreadySubmitted):
		return "already_submitted"
	default:
		return "bad_request"
	}
}
