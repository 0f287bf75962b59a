package server

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"

	"github.com/whispr-chat/whispr/internal/crypto"
)

// maxVoiceDatagram bounds a single audio datagram: the 16-byte header plus
// a generous ceiling on the sealed Opus frame plus AEAD tag.
const maxVoiceDatagram = crypto.VoiceHeaderSize + 4096

// minVoiceDatagramSize is the smallest datagram that could possibly carry a
// real sealed frame: the 16-byte header plus a minimum AEAD tag. Anything
// shorter is missing its nonce or tag outright and is dropped before it
// reaches any relay logic.
const minVoiceDatagramSize = 28

// StartVoice starts the UDP audio relay.
func (s *Server) StartVoice() error {
	addr, err := net.ResolveUDPAddr("udp", s.cfg.VoiceAddr)
	if err != nil {
		return fmt.Errorf("server: resolve voice addr: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("server: listen voice: %w", err)
	}
	s.voiceConn = conn

	if err := conn.SetReadBuffer(1024 * 1024); err != nil {
		slog.Warn("failed to set UDP read buffer", "err", err)
	}
	if err := conn.SetWriteBuffer(1024 * 1024); err != nil {
		slog.Warn("failed to set UDP write buffer", "err", err)
	}

	slog.Info("voice plane listening", "addr", s.cfg.VoiceAddr)
	go s.voiceLoop()
	return nil
}

// voiceLoop relays audio datagrams unchanged: it parses the 16-byte header
// (client id + nonce) to learn who sent the packet and never opens the
// AEAD-sealed payload. The server is a pure forwarder — it cannot read
// voice content even if it wanted to.
func (s *Server) voiceLoop() {
	buf := make([]byte, maxVoiceDatagram)

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		n, remoteAddr, err := s.voiceConn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				slog.Error("voice read error", "err", err)
				continue
			}
		}

		if n < minVoiceDatagramSize {
			s.metrics.VoicePacketsDropped.Add(1)
			continue // header-only or tag-truncated, not a real sealed frame
		}

		s.metrics.VoicePacketsIn.Add(1)
		s.metrics.VoiceBytesIn.Add(int64(n))

		clientID := binary.BigEndian.Uint32(buf[0:4])

		userID, ok := s.udp.UserFor(clientID)
		if !ok {
			s.metrics.VoicePacketsDropped.Add(1)
			continue // unregistered client id, discard
		}

		bound, limiter := s.udp.BindEndpoint(clientID, remoteAddr)
		if !bound {
			s.metrics.VoicePacketsDropped.Add(1)
			continue // client id no longer matches its user's registration
		}
		if limiter != nil && !limiter.Allow() {
			s.metrics.VoicePacketsDropped.Add(1)
			continue // over the per-client datagram rate limit
		}

		conn, connected := s.sessions.Get(userID)
		if !connected || conn.Muted {
			s.metrics.VoicePacketsDropped.Add(1)
			continue
		}

		channelID := conn.ChannelID
		if channelID == 0 {
			s.metrics.VoicePacketsDropped.Add(1)
			continue // not in any channel, nothing to relay to
		}

		rawPacket := buf[:n] // forward raw bytes, no decryption

		for _, memberUserID := range s.channels.Members(channelID) {
			if memberUserID == userID {
				continue // never echo back to the sender
			}
			memberConn, ok := s.sessions.Get(memberUserID)
			if !ok || memberConn.Deafened {
				continue
			}
			memberAddr := s.udp.EndpointFor(memberUserID)
			if memberAddr == nil {
				continue // member hasn't registered a UDP endpoint yet
			}
			if _, err := s.voiceConn.WriteToUDP(rawPacket, memberAddr); err != nil {
				slog.Debug("voice forward error", "target_user", memberUserID, "err", err)
				continue
			}
			s.metrics.VoicePacketsOut.Add(1)
			s.metrics.VoiceBytesOut.Add(int64(n))
		}
	}
}
