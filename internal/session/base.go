package session

import (
	"context"

	"HeimLog/internal/protocol"
)

// Base returns the protocol housekeeping table every session needs
func Base() *Table {
	return &Table{
		Handlers: map[protocol.PacketType]Handler{
			protocol.HelloEventType:      handleHello,
			protocol.PingEventType:       handlePing,
			protocol.SnapshotEventType:   handleSnapshot,
			protocol.BounceEventType:     handleBounce,
			protocol.DisconnectEventType: handleDisconnect,
			protocol.NickReplyType:       handleNickReply,
		},
		Unknown: func(_ context.Context, s *Session, _ *State, env *protocol.Envelope) error {
			s.logger.Debug("ignoring packet", "type", env.Type, "id", env.ID)
			return nil
		},
	}
}

func handleHello(_ context.Context, s *Session, st *State, env *protocol.Envelope) error {
	var hello protocol.HelloEvent
	if err := env.Unmarshal(&hello); err != nil {
		return err
	}
	st.WhoAmI = hello.ID
	if st.WhoAmI == "" {
		st.WhoAmI = hello.Session.ID
	}
	s.logger.Info("hello from server", "whoami", st.WhoAmI, "version", hello.Version)

	if s.cfg.Nick == "" {
		return nil
	}
	nick, err := protocol.NewEnvelope(protocol.NickType, s.nextPacketID(), protocol.NickCommand{Name: s.cfg.Nick})
	if err != nil {
		return err
	}
	return s.Send(nick)
}

func handlePing(_ context.Context, s *Session, _ *State, env *protocol.Envelope) error {
	var ping protocol.PingEvent
	if err := env.Unmarshal(&ping); err != nil {
		return err
	}
	reply, err := protocol.NewEnvelope(protocol.PingReplyType, "", protocol.PingReply{Time: ping.Time})
	if err != nil {
		return err
	}
	return s.SendUrgent(reply)
}

func handleSnapshot(_ context.Context, s *Session, st *State, env *protocol.Envelope) error {
	var snap protocol.SnapshotEvent
	if err := env.Unmarshal(&snap); err != nil {
		return err
	}
	s.logger.Info("joined room", "identity", snap.Identity, "sessions", len(snap.Listing))
	return st.Transition(Joined)
}

func handleBounce(_ context.Context, s *Session, st *State, env *protocol.Envelope) error {
	var bounce protocol.BounceEvent
	if len(env.Data) > 0 {
		if err := env.Unmarshal(&bounce); err != nil {
			return err
		}
	}
	s.logger.Warn("room requires authentication", "reason", bounce.Reason, "options", bounce.AuthOptions)
	return st.Transition(Authing)
}

func handleDisconnect(_ context.Context, s *Session, st *State, env *protocol.Envelope) error {
	var ev protocol.DisconnectEvent
	if len(env.Data) > 0 {
		if err := env.Unmarshal(&ev); err != nil {
			return err
		}
	}
	s.logger.Warn("server requested disconnect", "reason", ev.Reason)
	return st.Transition(Ending)
}

func handleNickReply(_ context.Context, s *Session, _ *State, env *protocol.Envelope) error {
	if env.Error != "" {
		s.logger.Warn("nick rejected", "error", env.Error)
		return nil
	}
	var reply protocol.NickReply
	if err := env.Unmarshal(&reply); err != nil {
		return err
	}
	s.logger.Info("nick set", "from", reply.From, "to", reply.To)
	return nil
}
