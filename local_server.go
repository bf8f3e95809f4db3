package main

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ergochat/irc-go/ircmsg"
)

// LocalServer holds information about a directly linked server.
//
// The link protocol is line based IRC like everything else. After the
// handshake we burst our view of the network with SNICK/SJOIN/STOPIC, and
// afterwards everything is relayed as the familiar client commands with a
// nick prefix saying who did it.
type LocalServer struct {
	*LocalClient

	Server *Server

	// Whether we've finished receiving their burst. Flipped by the PING that
	// ends it.
	GotBurst bool
}

// NewLocalServer promotes a LocalClient that registered as a server.
func NewLocalServer(c *LocalClient) *LocalServer {
	return &LocalServer{
		LocalClient: c,
	}
}

func (s *LocalServer) String() string {
	return fmt.Sprintf("%s (%s)", s.Server.Name, s.Conn.RemoteAddr())
}

// sendBurst introduces every user and channel we know to the new link. A
// PING at the end marks the burst as over.
func (s *LocalServer) sendBurst() {
	ob := s.Owlbox

	for _, u := range ob.Users {
		// Users we heard about through this very link are theirs already.
		if u.isRemote() && u.ClosestServer == s {
			continue
		}
		s.maybeQueueMessage(snickMessage(u))
	}

	for _, channel := range ob.Channels {
		var members []string
		for uid, rank := range channel.Members {
			member := ob.Users[uid]
			if member.isRemote() && member.ClosestServer == s {
				continue
			}
			members = append(members, rankPrefix(rank)+member.DisplayNick)
		}
		if len(members) == 0 {
			continue
		}

		s.maybeQueueMessage(ircmsg.MakeMessage(nil, "", "SJOIN", channel.Name,
			fmt.Sprintf("%d", channel.TS), strings.Join(members, " ")))

		if len(channel.Topic) > 0 {
			s.maybeQueueMessage(ircmsg.MakeMessage(nil, "", "STOPIC",
				channel.Name, fmt.Sprintf("%d", channel.TopicTS),
				channel.TopicSetter, channel.Topic))
		}
	}

	s.maybeQueueMessage(ircmsg.MakeMessage(nil, "", "PING",
		ob.Config.ServerName))
}

// snickMessage builds the user introduction sent during burst and when a
// new user registers.
func snickMessage(u *User) ircmsg.Message {
	return ircmsg.MakeMessage(nil, "", "SNICK", u.DisplayNick, u.ServerName,
		u.Username, u.Hostname, u.IP, u.modesString(), u.RealName)
}

// handleMessage takes a message from a linked server and deals with it.
func (s *LocalServer) handleMessage(m ircmsg.Message) {
	s.LastActivityTime = time.Now()

	switch strings.ToUpper(m.Command) {
	case "SNICK":
		s.snickCommand(m)
	case "SJOIN":
		s.sjoinCommand(m)
	case "STOPIC":
		s.stopicCommand(m)
	case "PRIVMSG":
		s.relayedMessageCommand(m, MsgPrivmsg)
	case "NOTICE":
		s.relayedMessageCommand(m, MsgNotice)
	case "NICK":
		s.relayedNickCommand(m)
	case "JOIN":
		s.relayedJoinCommand(m)
	case "PART":
		s.relayedPartCommand(m)
	case "TOPIC":
		s.relayedTopicCommand(m)
	case "MODE":
		s.relayedModeCommand(m)
	case "AWAY":
		s.relayedAwayCommand(m)
	case "QUIT":
		reason := "Quit"
		if len(m.Params) > 0 {
			reason = m.Params[0]
		}
		if u := s.sourceUser(m); u != nil {
			s.Owlbox.quitUser(u, reason)
			s.Owlbox.relayToLinks(s, m, nil)
		}
	case "PING":
		if len(m.Params) > 0 {
			s.maybeQueueMessage(ircmsg.MakeMessage(nil, "", "PONG",
				s.Owlbox.Config.ServerName, m.Params[0]))
		}
		s.GotBurst = true
	case "PONG":
		// Activity time updated above is all we need.
	case "ERROR":
		s.Owlbox.quitServer(s, "Received ERROR")
	default:
		// Numerics travel between servers too, e.g. an error raised while
		// dispatching a relayed message on a remote server.
		if isNumericCommand(m.Command) {
			s.deliverNumeric(m)
			return
		}

		slog.Debug("unknown command from server", "server", s.String(),
			"command", m.Command)
	}
}

// sourceUser resolves the message's nick prefix to a user. The prefix may
// be the bare nick or the full nick!user@host form. Messages from a link
// about users we don't know get dropped with a log.
func (s *LocalServer) sourceUser(m ircmsg.Message) *User {
	nick := m.Source
	if i := strings.IndexByte(nick, '!'); i != -1 {
		nick = nick[:i]
	}

	u := s.Owlbox.findUser(nick)
	if u == nil {
		slog.Debug("message from unknown user", "server", s.String(),
			"source", m.Source, "command", m.Command)
	}
	return u
}

// deliverNumeric routes a numeric from a link to the user it names, who may
// be local or behind another link.
func (s *LocalServer) deliverNumeric(m ircmsg.Message) {
	if len(m.Params) == 0 {
		return
	}

	u := s.Owlbox.findUser(m.Params[0])
	if u == nil {
		return
	}

	if u.isLocal() {
		u.LocalUser.maybeQueueMessage(m)
		return
	}

	if u.ClosestServer != s {
		u.ClosestServer.maybeQueueMessage(m)
	}
}

func (s *LocalServer) snickCommand(m ircmsg.Message) {
	ob := s.Owlbox

	if len(m.Params) < 7 {
		slog.Debug("malformed SNICK", "server", s.String())
		return
	}

	nick := m.Params[0]

	if !isValidNick(ob.Config.MaxNickLength, nick) {
		slog.Debug("SNICK with invalid nick", "server", s.String(),
			"nick", nick)
		return
	}

	// A collision kills the link. A real network would resolve by TS; we
	// keep links honest instead.
	if _, exists := ob.Nicks[ob.canonNick(nick)]; exists {
		ob.quitServer(s, "Nick collision: "+nick)
		return
	}

	u := &User{
		UID:           ob.nextUID(),
		DisplayNick:   nick,
		ServerName:    m.Params[1],
		Username:      m.Params[2],
		Hostname:      m.Params[3],
		IP:            m.Params[4],
		RealName:      m.Params[6],
		Modes:         make(map[byte]struct{}),
		Privs:         make(map[string]struct{}),
		Channels:      make(map[string]*Channel),
		ClosestServer: s,
	}

	for _, mode := range m.Params[5] {
		if mode == '+' {
			continue
		}
		u.Modes[byte(mode)] = struct{}{}
	}

	ob.Users[u.UID] = u
	ob.Nicks[ob.canonNick(nick)] = u.UID

	ob.relayToLinks(s, snickMessage(u), nil)
}

func (s *LocalServer) sjoinCommand(m ircmsg.Message) {
	ob := s.Owlbox

	if len(m.Params) < 3 {
		slog.Debug("malformed SJOIN", "server", s.String())
		return
	}

	canonical := ob.canonChannel(m.Params[0])
	if !isValidChannel(canonical) {
		slog.Debug("SJOIN with invalid channel", "server", s.String())
		return
	}

	ts, err := strconv.ParseInt(m.Params[1], 10, 64)
	if err != nil {
		slog.Debug("SJOIN with invalid TS", "server", s.String())
		return
	}

	channel, exists := ob.Channels[canonical]
	if !exists {
		channel = &Channel{
			Name:    canonical,
			Members: make(map[UID]int),
			Modes:   make(map[byte]struct{}),
			TS:      ts,
		}
		ob.Channels[canonical] = channel
	}

	for _, prefixed := range strings.Fields(m.Params[2]) {
		rank := 0
		nick := prefixed
		if len(nick) > 0 && isStatusPrefix(nick[0]) {
			rank = statusPrefixRank[nick[0]]
			nick = nick[1:]
		}

		u := ob.findUser(nick)
		if u == nil {
			slog.Debug("SJOIN with unknown member", "server", s.String(),
				"nick", nick)
			continue
		}
		if channel.hasMember(u) {
			continue
		}

		channel.Members[u.UID] = rank
		u.Channels[canonical] = channel

		channel.writeToMembers(ob,
			ircmsg.MakeMessage(nil, u.nickUhost(), "JOIN", channel.Name),
			0, map[UID]struct{}{u.UID: {}})
	}

	ob.relayToLinks(s, m, nil)
}

func (s *LocalServer) stopicCommand(m ircmsg.Message) {
	ob := s.Owlbox

	if len(m.Params) < 4 {
		slog.Debug("malformed STOPIC", "server", s.String())
		return
	}

	channel, exists := ob.Channels[ob.canonChannel(m.Params[0])]
	if !exists {
		return
	}

	ts, err := strconv.ParseInt(m.Params[1], 10, 64)
	if err != nil {
		return
	}

	// An older topic never replaces a newer one.
	if channel.TopicTS >= ts && len(channel.Topic) > 0 {
		return
	}

	channel.TopicTS = ts
	channel.TopicSetter = m.Params[2]
	channel.Topic = m.Params[3]

	ob.relayToLinks(s, m, nil)
}

// relayedMessageCommand feeds a remote user's PRIVMSG/NOTICE into the same
// dispatcher local messages use. Error numerics raised during dispatch go
// back towards the sender over the link.
func (s *LocalServer) relayedMessageCommand(m ircmsg.Message, mt MessageType) {
	source := s.sourceUser(m)
	if source == nil {
		return
	}

	if len(m.Params) < 2 {
		return
	}

	s.Owlbox.dispatchMessage(source, m.Params[0], m.Params[1], m.AllTags(), mt)
}

func (s *LocalServer) relayedNickCommand(m ircmsg.Message) {
	ob := s.Owlbox

	u := s.sourceUser(m)
	if u == nil || len(m.Params) == 0 {
		return
	}

	nick := m.Params[0]
	newCanonical := ob.canonNick(nick)
	oldCanonical := ob.canonNick(u.DisplayNick)

	if newCanonical != oldCanonical {
		if _, exists := ob.Nicks[newCanonical]; exists {
			ob.quitServer(s, "Nick collision: "+nick)
			return
		}
	}

	announce := ircmsg.MakeMessage(nil, u.nickUhost(), "NICK", nick)
	told := make(map[UID]struct{})
	for _, channel := range u.Channels {
		for uid := range channel.Members {
			if _, done := told[uid]; done {
				continue
			}
			told[uid] = struct{}{}

			member := ob.Users[uid]
			if member.isLocal() {
				member.LocalUser.maybeQueueMessage(announce)
			}
		}
	}

	delete(ob.Nicks, oldCanonical)
	ob.Nicks[newCanonical] = u.UID
	u.DisplayNick = nick

	ob.relayToLinks(s, m, nil)
}

func (s *LocalServer) relayedJoinCommand(m ircmsg.Message) {
	ob := s.Owlbox

	u := s.sourceUser(m)
	if u == nil || len(m.Params) == 0 {
		return
	}

	canonical := ob.canonChannel(m.Params[0])
	if !isValidChannel(canonical) {
		return
	}

	channel, exists := ob.Channels[canonical]
	if !exists {
		channel = &Channel{
			Name:    canonical,
			Members: make(map[UID]int),
			Modes:   make(map[byte]struct{}),
			TS:      time.Now().Unix(),
		}
		ob.Channels[canonical] = channel
	}

	if channel.hasMember(u) {
		return
	}

	channel.Members[u.UID] = 0
	u.Channels[canonical] = channel

	channel.writeToMembers(ob,
		ircmsg.MakeMessage(nil, u.nickUhost(), "JOIN", channel.Name),
		0, map[UID]struct{}{u.UID: {}})

	ob.relayToLinks(s, m, nil)
}

func (s *LocalServer) relayedPartCommand(m ircmsg.Message) {
	ob := s.Owlbox

	u := s.sourceUser(m)
	if u == nil || len(m.Params) == 0 {
		return
	}

	channel, exists := ob.Channels[ob.canonChannel(m.Params[0])]
	if !exists || !channel.hasMember(u) {
		return
	}

	params := []string{channel.Name}
	if len(m.Params) > 1 {
		params = append(params, m.Params[1])
	}
	channel.writeToMembers(ob,
		ircmsg.MakeMessage(nil, u.nickUhost(), "PART", params...),
		0, map[UID]struct{}{u.UID: {}})

	channel.removeUser(u)
	if len(channel.Members) == 0 {
		delete(ob.Channels, channel.Name)
	}

	ob.relayToLinks(s, m, nil)
}

func (s *LocalServer) relayedTopicCommand(m ircmsg.Message) {
	ob := s.Owlbox

	u := s.sourceUser(m)
	if u == nil || len(m.Params) < 2 {
		return
	}

	channel, exists := ob.Channels[ob.canonChannel(m.Params[0])]
	if !exists {
		return
	}

	channel.Topic = m.Params[1]
	channel.TopicSetter = u.nickUhost()
	channel.TopicTS = time.Now().Unix()

	channel.writeToMembers(ob,
		ircmsg.MakeMessage(nil, u.nickUhost(), "TOPIC", channel.Name,
			channel.Topic),
		0, map[UID]struct{}{u.UID: {}})

	ob.relayToLinks(s, m, nil)
}

// relayedModeCommand applies a remote channel mode change. We trust the
// remote server to have checked permissions, so there are no numerics here.
func (s *LocalServer) relayedModeCommand(m ircmsg.Message) {
	ob := s.Owlbox

	u := s.sourceUser(m)
	if u == nil || len(m.Params) < 2 {
		return
	}

	if !strings.HasPrefix(m.Params[0], "#") {
		return
	}

	channel, exists := ob.Channels[ob.canonChannel(m.Params[0])]
	if !exists {
		return
	}

	args := m.Params[2:]
	adding := true
	for i := 0; i < len(m.Params[1]); i++ {
		mode := m.Params[1][i]
		switch mode {
		case '+':
			adding = true
		case '-':
			adding = false

		case 'm', 'n', 't', 's', 'c':
			if adding {
				channel.Modes[mode] = struct{}{}
			} else {
				delete(channel.Modes, mode)
			}

		case 'b':
			if len(args) == 0 {
				continue
			}
			mask := args[0]
			args = args[1:]
			if adding {
				channel.Bans = append(channel.Bans, mask)
			} else {
				kept := channel.Bans[:0]
				for _, b := range channel.Bans {
					if b != mask {
						kept = append(kept, b)
					}
				}
				channel.Bans = kept
			}

		case 'o', 'h', 'v':
			if len(args) == 0 {
				continue
			}
			target := ob.findUser(args[0])
			args = args[1:]
			if target == nil || !channel.hasMember(target) {
				continue
			}
			if adding {
				channel.setRank(target, modeLetterRank[mode])
			} else {
				channel.setRank(target, 0)
			}
		}
	}

	channel.writeToMembers(ob,
		ircmsg.MakeMessage(nil, u.nickUhost(), "MODE", m.Params...),
		0, map[UID]struct{}{u.UID: {}})

	ob.relayToLinks(s, m, nil)
}

func (s *LocalServer) relayedAwayCommand(m ircmsg.Message) {
	u := s.sourceUser(m)
	if u == nil {
		return
	}

	if len(m.Params) > 0 && len(m.Params[0]) > 0 {
		u.AwayReason = m.Params[0]
	} else {
		u.AwayReason = ""
	}

	s.Owlbox.relayToLinks(s, m, nil)
}
