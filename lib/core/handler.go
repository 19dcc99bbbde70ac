package core

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/mucore/lib/auth"
	"github.com/ValentinKolb/mucore/lib/persistence"
	"github.com/ValentinKolb/mucore/lib/protocol"
	"golang.org/x/time/rate"
)

// authSession is a session that presented a valid session token
type authSession struct {
	accountID   uint64
	expiresAtMs uint64
	claims      *auth.SessionClaims
}

func (s *authSession) expired(nowMs uint64) bool {
	return nowMs >= s.expiresAtMs
}

// pendingTransfer is a MapTransfer waiting for its acknowledgement
type pendingTransfer struct {
	sessionID   uint64
	transferID  uint64
	characterID uint64
	route       protocol.RouteKey
	expiresAtMs uint64
}

func (t pendingTransfer) expired(nowMs uint64) bool {
	return nowMs >= t.expiresAtMs
}

// sessionRoute is the map a session's character is in
type sessionRoute struct {
	characterID uint64
	route       protocol.RouteKey
}

// --------------------------------------------------------------------------
// Ingress
// --------------------------------------------------------------------------

// HandleDatagram decodes one datagram frame and handles its packet
func (o *Orchestrator) HandleDatagram(ctx context.Context, data []byte, nowMs uint64) (*protocol.WirePacket, error) {
	in, err := o.protocol.DecodeV2Datagram(data)
	if err != nil {
		o.metrics.rejectedFrames.Inc()
		return nil, err
	}
	return o.HandleClientPacket(ctx, in.Packet, nowMs)
}

// HandleStreamBytes handles every complete frame in buf. It returns the replies
// and the number of bytes consumed; the caller keeps the rest for the next read.
// Packets the runtime refuses are dropped, only codec errors are returned.
func (o *Orchestrator) HandleStreamBytes(ctx context.Context, buf []byte, nowMs uint64) ([]protocol.WirePacket, int, error) {
	frames, consumed, err := o.protocol.DecodeV2StreamBatch(buf)
	if err != nil {
		o.metrics.rejectedFrames.Inc()
	}
	if consumed < len(buf) {
		log.Debugf("stream buffer keeps %d trailing bytes", len(buf)-consumed)
	}

	var replies []protocol.WirePacket
	for _, in := range frames {
		reply, herr := o.HandleClientPacket(ctx, in.Packet, nowMs)
		if herr != nil {
			log.Warningf("dropped %s frame of session %d: %v", in.Channel, in.Packet.SessionID, herr)
			continue
		}
		if reply != nil {
			replies = append(replies, *reply)
		}
	}
	return replies, consumed, err
}

// HandleClientPacket runs one client packet through the session state machine
// and returns the reply, if any
func (o *Orchestrator) HandleClientPacket(ctx context.Context, packet protocol.WirePacket, nowMs uint64) (*protocol.WirePacket, error) {
	msg, ok := packet.ClientMessage()
	if !ok {
		o.metrics.rejectedFrames.Inc()
		return nil, protocol.ErrUnexpectedPacketDirection
	}
	o.metrics.packets.Inc()

	switch m := msg.(type) {
	case protocol.Hello:
		return o.reply(o.handleHello(packet, m, nowMs)), nil
	case protocol.KeepAlive:
		return o.protocol.BaselineResponse(packet, nowMs)
	case protocol.Logout:
		// an expired token must not keep the character in its map
		o.endSession(ctx, packet.SessionID)
		log.Infof("session %d logged out", packet.SessionID)
		return o.protocol.BaselineResponse(packet, nowMs)
	}

	session, ok := o.authenticated(ctx, packet.SessionID, nowMs)
	if !ok {
		return o.fail(packet, nowMs, protocol.ErrKindInvalidSession, "Session is not authenticated"), nil
	}

	switch m := msg.(type) {
	case protocol.SelectCharacter:
		if !session.claims.HasCharacter(m.CharacterID) {
			return o.fail(packet, nowMs, protocol.ErrKindCharacterNotFound, "Character does not belong to authenticated session"), nil
		}
		return o.reply(o.handleSelectCharacter(packet, m.CharacterID, nowMs)), nil

	case protocol.MapTransferAck:
		return o.reply(o.handleTransferAck(ctx, packet, m, nowMs)), nil

	case protocol.Move, protocol.UseSkill, protocol.ClientChat:
		return o.handleGameplay(ctx, packet, msg, nowMs)
	}

	return o.protocol.BaselineResponse(packet, nowMs)
}

// --------------------------------------------------------------------------
// Handshake
// --------------------------------------------------------------------------

func (o *Orchestrator) handleHello(packet protocol.WirePacket, hello protocol.Hello, nowMs uint64) protocol.WirePacket {
	claims, err := o.tokens.Verify(hello.AuthToken, nowMs)
	if err != nil {
		log.Warningf("hello of session %d rejected: %v", packet.SessionID, err)
		return protocol.ErrorFor(packet, nowMs, protocol.ErrKindInvalidSession, "Invalid auth token")
	}
	if claims.AccountID != hello.AccountID {
		log.Warningf("hello of session %d rejected: account mismatch (packet=%d claims=%d)",
			packet.SessionID, hello.AccountID, claims.AccountID)
		return protocol.ErrorFor(packet, nowMs, protocol.ErrKindInvalidSession, "Account mismatch in auth token")
	}

	o.sessions.Store(packet.SessionID, &authSession{
		accountID:   claims.AccountID,
		expiresAtMs: claims.ExpiresAtMs,
		claims:      claims,
	})
	characters := claims.CharacterList()
	log.Infof("session %d authenticated: account %d, %d characters", packet.SessionID, claims.AccountID, len(characters))

	return protocol.ResponseFor(packet, nowMs, protocol.HelloAck{
		SessionID:           packet.SessionID,
		HeartbeatIntervalMs: o.protocol.HeartbeatIntervalMs(),
		Motd:                o.protocol.Motd(),
		Characters:          characters,
	})
}

// authenticated returns the session if its token is still valid. An expired
// session is ended as if it had logged out.
func (o *Orchestrator) authenticated(ctx context.Context, sessionID, nowMs uint64) (*authSession, bool) {
	s, ok := o.sessions.Load(sessionID)
	if !ok {
		return nil, false
	}
	if s.expired(nowMs) {
		o.endSession(ctx, sessionID)
		log.Infof("session %d expired", sessionID)
		return nil, false
	}
	return s, true
}

// endSession leaves the session's map and forgets everything kept for it
func (o *Orchestrator) endSession(ctx context.Context, sessionID uint64) {
	o.detach(ctx, sessionID)
	o.sessions.Delete(sessionID)
	o.limiters.Delete(sessionID)
	if id, ok := o.sessionTransfers.LoadAndDelete(sessionID); ok {
		o.transfers.Delete(id)
	}
}

func (o *Orchestrator) handleSelectCharacter(packet protocol.WirePacket, characterID, nowMs uint64) protocol.WirePacket {
	sessionID := packet.SessionID
	if _, inShard := o.routes.Load(sessionID); inShard {
		return protocol.ErrorFor(packet, nowMs, protocol.ErrKindInvalidAction, "Character already entered a map")
	}

	worldID, ok := o.directory.DefaultWorld()
	if !ok {
		return protocol.ErrorFor(packet, nowMs, protocol.ErrKindRouteUnavailable, "No route available")
	}
	entry, ok := o.directory.SelectBestEntry(worldID)
	if !ok {
		return protocol.ErrorFor(packet, nowMs, protocol.ErrKindRouteUnavailable, "No route available")
	}
	mapRoute, ok := o.resolveOrScale(entry.WorldID, entry.EntryID, DefaultMapID)
	if !ok {
		return protocol.ErrorFor(packet, nowMs, protocol.ErrKindRouteUnavailable, "No route available")
	}

	transfer := pendingTransfer{
		sessionID:   sessionID,
		transferID:  o.transferSeq.Add(1),
		characterID: characterID,
		route:       mapRoute.Route,
		expiresAtMs: nowMs + uint64(o.cfg.TransferTTL.Milliseconds()),
	}
	token, err := o.tokens.IssueTransferToken(&auth.TransferClaims{
		SessionID:   sessionID,
		TransferID:  transfer.transferID,
		CharacterID: characterID,
		Route:       transfer.route,
		IssuedAtMs:  nowMs,
		ExpiresAtMs: transfer.expiresAtMs,
	})
	if err != nil {
		log.Errorf("failed to issue route token for session %d: %v", sessionID, err)
		return protocol.ErrorFor(packet, nowMs, protocol.ErrKindInternal, "Failed to issue route token")
	}

	o.transfers.Store(transfer.transferID, transfer)
	if previous, loaded := o.sessionTransfers.LoadAndStore(sessionID, transfer.transferID); loaded {
		o.transfers.Delete(previous)
	}
	log.Debugf("session %d character %d: transfer %d to %s", sessionID, characterID, transfer.transferID, transfer.route)

	return protocol.ResponseFor(packet, nowMs, protocol.MapTransfer{
		TransferID:  transfer.transferID,
		Route:       transfer.route,
		Host:        entry.Host,
		Port:        entry.Port,
		RouteToken:  token,
		ExpiresAtMs: transfer.expiresAtMs,
	})
}

func (o *Orchestrator) handleTransferAck(ctx context.Context, packet protocol.WirePacket, ack protocol.MapTransferAck, nowMs uint64) protocol.WirePacket {
	sessionID := packet.SessionID

	transfer, ok := o.transfers.Load(ack.TransferID)
	if !ok {
		return protocol.ErrorFor(packet, nowMs, protocol.ErrKindInvalidAction, "Invalid transfer ack")
	}
	if transfer.sessionID != sessionID {
		return protocol.ErrorFor(packet, nowMs, protocol.ErrKindInvalidSession, "Transfer does not belong to this session")
	}
	if transfer.expired(nowMs) {
		if _, ok := o.transfers.LoadAndDelete(ack.TransferID); ok {
			o.forgetSessionTransfer(sessionID, ack.TransferID)
		}
		return protocol.ErrorFor(packet, nowMs, protocol.ErrKindInvalidAction, "Transfer expired")
	}

	claims, err := o.tokens.VerifyTransferToken(ack.RouteToken, nowMs)
	if err != nil || claims.SessionID != sessionID || claims.TransferID != ack.TransferID || claims.Route != transfer.route {
		log.Warningf("session %d presented an invalid route token for transfer %d: %v", sessionID, ack.TransferID, err)
		return protocol.ErrorFor(packet, nowMs, protocol.ErrKindInvalidSession, "Invalid route token")
	}

	// only one ack may consume the transfer
	if _, ok := o.transfers.LoadAndDelete(ack.TransferID); !ok {
		return protocol.ErrorFor(packet, nowMs, protocol.ErrKindInvalidAction, "Invalid transfer ack")
	}
	o.forgetSessionTransfer(sessionID, ack.TransferID)

	server, ok := o.maps.Load(transfer.route)
	if !ok {
		return protocol.ErrorFor(packet, nowMs, protocol.ErrKindRouteUnavailable, "Map instance unavailable")
	}
	o.detach(ctx, sessionID)
	if err := server.Join(ctx, sessionID, transfer.characterID, SpawnX, SpawnY); err != nil {
		log.Warningf("join of character %d into %s failed: %v", transfer.characterID, transfer.route, err)
		return protocol.ErrorFor(packet, nowMs, protocol.ErrKindRouteUnavailable, "Map instance unavailable")
	}
	o.routes.Store(sessionID, sessionRoute{characterID: transfer.characterID, route: transfer.route})
	log.Infof("session %d character %d entered %s", sessionID, transfer.characterID, transfer.route)

	return protocol.ResponseOnRoute(packet, transfer.route, nowMs, protocol.EnterMap{
		EntityID: uint32(transfer.characterID),
		MapID:    transfer.route.MapID,
		X:        SpawnX,
		Y:        SpawnY,
	})
}

// forgetSessionTransfer removes the session's transfer pointer if it still points to id
func (o *Orchestrator) forgetSessionTransfer(sessionID, id uint64) {
	o.sessionTransfers.Compute(sessionID, func(current uint64, loaded bool) (uint64, bool) {
		return current, !loaded || current == id
	})
}

// detach removes the session from its map, if any
func (o *Orchestrator) detach(ctx context.Context, sessionID uint64) {
	r, ok := o.routes.LoadAndDelete(sessionID)
	if !ok {
		return
	}
	if server, ok := o.maps.Load(r.route); ok {
		if err := server.Leave(ctx, r.characterID); err != nil {
			log.Warningf("leave of character %d from %s failed: %v", r.characterID, r.route, err)
		}
	}
}

// --------------------------------------------------------------------------
// Gameplay
// --------------------------------------------------------------------------

func (o *Orchestrator) handleGameplay(ctx context.Context, packet protocol.WirePacket, msg protocol.ClientMessage, nowMs uint64) (*protocol.WirePacket, error) {
	r, ok := o.routes.Load(packet.SessionID)
	if !ok {
		return o.fail(packet, nowMs, protocol.ErrKindInvalidAction, "Character must enter a map first"), nil
	}
	if !o.allow(packet.SessionID) {
		return o.fail(packet, nowMs, protocol.ErrKindRateLimited, "Too many requests"), nil
	}
	server, ok := o.maps.Load(r.route)
	if !ok {
		return o.fail(packet, nowMs, protocol.ErrKindRouteUnavailable, "Map route is not available"), nil
	}

	switch m := msg.(type) {
	case protocol.Move:
		if err := server.MovePlayer(ctx, r.characterID, m); err != nil {
			return o.fail(packet, nowMs, protocol.ErrKindRouteUnavailable, "Map route is not available"), nil
		}
		resp := protocol.ResponseOnRoute(packet, r.route, nowMs, protocol.StateDelta{
			ServerTick: m.ClientTick,
			Entities: []protocol.EntityDelta{{
				EntityID: uint32(r.characterID),
				X:        m.X,
				Y:        m.Y,
				HP:       100,
			}},
		})
		return &resp, nil

	case protocol.UseSkill:
		if m.SkillID >= CriticalSkillThreshold {
			err := o.persistence.RecordCritical(ctx, persistence.CriticalEvent{
				EventID:      persistence.NewEventID(packet.SessionID, packet.Sequence),
				CharacterID:  r.characterID,
				Route:        r.route,
				Kind:         persistence.EconomyMutation,
				Payload:      fmt.Sprintf("skill:%d", m.SkillID),
				OccurredAtMs: nowMs,
			})
			if err != nil {
				log.Errorf("critical event of session %d failed: %v", packet.SessionID, err)
				return o.fail(packet, nowMs, protocol.ErrKindInternal, "Failed to persist critical action"), nil
			}
		}
		_ = server.UseSkill(ctx, r.characterID, m)

	case protocol.ClientChat:
		_ = server.LocalChat(ctx, packet.SessionID, r.characterID, m.ChatPayload)
	}

	return o.protocol.BaselineResponse(packet, nowMs)
}

// allow consumes one token of the session's rate limiter
func (o *Orchestrator) allow(sessionID uint64) bool {
	if o.cfg.RateLimit <= 0 {
		return true
	}
	limiter, _ := o.limiters.LoadOrCompute(sessionID, func() *rate.Limiter {
		return rate.NewLimiter(rate.Limit(o.cfg.RateLimit), o.cfg.RateBurst)
	})
	return limiter.Allow()
}

// --------------------------------------------------------------------------
// Replies
// --------------------------------------------------------------------------

func (o *Orchestrator) reply(p protocol.WirePacket) *protocol.WirePacket {
	if e, ok := p.Payload.(protocol.ServerError); ok {
		o.metrics.errorReplies.Inc()
		log.Debugf("session %d: %s: %s", p.SessionID, e.Kind, e.Message)
	}
	return &p
}

func (o *Orchestrator) fail(packet protocol.WirePacket, nowMs uint64, kind protocol.ServerErrorKind, message string) *protocol.WirePacket {
	return o.reply(protocol.ErrorFor(packet, nowMs, kind, "%s", message))
}
