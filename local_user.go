package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/ergochat/irc-go/ircmsg"
)

// LocalUser holds information relevant only to a regular user (non-server)
// client connected to us.
type LocalUser struct {
	*LocalClient

	User *User

	// The last time the user sent a message that counts against idle time.
	LastMessageTime time.Time
}

// NewLocalUser promotes a LocalClient that registered as a user.
func NewLocalUser(c *LocalClient) *LocalUser {
	return &LocalUser{
		LocalClient:     c,
		LastMessageTime: time.Now(),
	}
}

func (u *LocalUser) String() string {
	return u.User.String()
}

// messageFromServer queues a message to the user with this server as the
// source. Numerics get the user's nick prepended.
func (u *LocalUser) messageFromServer(command string, params []string) {
	if isNumericCommand(command) {
		params = append([]string{u.User.DisplayNick}, params...)
	}

	u.maybeQueueMessage(ircmsg.MakeMessage(nil, u.Owlbox.Config.ServerName,
		command, params...))
}

// handleMessage takes a message from an authorized user and deals with it.
func (u *LocalUser) handleMessage(m ircmsg.Message) {
	u.LastActivityTime = time.Now()

	switch strings.ToUpper(m.Command) {
	case "PRIVMSG":
		u.privmsgCommand(m, MsgPrivmsg)
	case "NOTICE":
		u.privmsgCommand(m, MsgNotice)
	case "NICK":
		u.nickCommand(m)
	case "USER":
		// 462 ERR_ALREADYREGISTRED
		u.messageFromServer("462", []string{"Unauthorized command (already registered)"})
	case "JOIN":
		u.joinCommand(m)
	case "PART":
		u.partCommand(m)
	case "TOPIC":
		u.topicCommand(m)
	case "MODE":
		u.modeCommand(m)
	case "AWAY":
		u.awayCommand(m)
	case "OPER":
		u.operCommand(m)
	case "WHOIS":
		u.whoisCommand(m)
	case "QUIT":
		reason := "Quit"
		if len(m.Params) > 0 {
			reason = "Quit: " + m.Params[0]
		}
		u.Owlbox.quitUser(u.User, reason)
	case "PING":
		if len(m.Params) == 0 {
			// 409 ERR_NOORIGIN
			u.messageFromServer("409", []string{"No origin specified"})
			return
		}
		u.messageFromServer("PONG", []string{u.Owlbox.Config.ServerName,
			m.Params[0]})
	case "PONG":
		// LastActivityTime updated above is all we need.
	case "LUSERS":
		u.lusersCommand()
	case "MOTD":
		u.motdCommand()
	default:
		// 421 ERR_UNKNOWNCOMMAND
		u.messageFromServer("421", []string{m.Command, "Unknown command"})
	}
}

// privmsgCommand is the entry for both PRIVMSG and NOTICE, which differ
// only in their MessageType. The target parameter may be a comma separated
// list; each sub-target is dispatched on its own, so one bad target does
// not stop the rest.
func (u *LocalUser) privmsgCommand(m ircmsg.Message, mt MessageType) {
	if len(m.Params) == 0 {
		// 411 ERR_NORECIPIENT
		u.messageFromServer("411", []string{fmt.Sprintf(
			"No recipient given (%s)", mt.Command())})
		return
	}

	if len(m.Params) < 2 {
		// 412 ERR_NOTEXTTOSEND
		u.messageFromServer("412", []string{"No text to send"})
		return
	}

	targets := splitCommaList(m.Params[0])
	if len(targets) == 0 {
		// 411 ERR_NORECIPIENT
		u.messageFromServer("411", []string{fmt.Sprintf(
			"No recipient given (%s)", mt.Command())})
		return
	}

	clientTags := m.AllTags()

	for _, target := range targets {
		u.Owlbox.dispatchMessage(u.User, target, m.Params[1], clientTags, mt)
	}
}

// nickCommand is a nick change. New nick registration happens on
// LocalClient.
func (u *LocalUser) nickCommand(m ircmsg.Message) {
	ob := u.Owlbox

	if len(m.Params) == 0 {
		// 431 ERR_NONICKNAMEGIVEN
		u.messageFromServer("431", []string{"No nickname given"})
		return
	}

	nick := m.Params[0]

	if !isValidNick(ob.Config.MaxNickLength, nick) {
		// 432 ERR_ERRONEUSNICKNAME
		u.messageFromServer("432", []string{nick, "Erroneous nickname"})
		return
	}

	newCanonical := ob.canonNick(nick)
	oldCanonical := ob.canonNick(u.User.DisplayNick)

	// Changing only the case of your own nick is fine.
	if newCanonical != oldCanonical {
		if _, exists := ob.Nicks[newCanonical]; exists {
			// 433 ERR_NICKNAMEINUSE
			u.messageFromServer("433", []string{nick,
				"Nickname is already in use"})
			return
		}
	}

	announce := ircmsg.MakeMessage(nil, u.User.nickUhost(), "NICK", nick)

	// Tell the user and everyone sharing a channel with them, each local
	// user once.
	told := map[UID]struct{}{u.User.UID: {}}
	u.maybeQueueMessage(announce)
	for _, channel := range u.User.Channels {
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
	ob.Nicks[newCanonical] = u.User.UID
	u.User.DisplayNick = nick

	ob.relayToLinks(nil, announce, nil)
}

func (u *LocalUser) joinCommand(m ircmsg.Message) {
	ob := u.Owlbox

	if len(m.Params) == 0 {
		// 461 ERR_NEEDMOREPARAMS
		u.messageFromServer("461", []string{"JOIN", "Not enough parameters"})
		return
	}

	for _, name := range splitCommaList(m.Params[0]) {
		canonical := ob.canonChannel(name)
		if !isValidChannel(canonical) {
			// 403 ERR_NOSUCHCHANNEL
			u.messageFromServer("403", []string{name, "Invalid channel name"})
			continue
		}

		if channel, exists := ob.Channels[canonical]; exists &&
			channel.hasMember(u.User) {
			continue
		}

		u.joinChannel(name)
	}
}

func (u *LocalUser) joinChannel(name string) {
	ob := u.Owlbox
	canonical := ob.canonChannel(name)

	channel, exists := ob.Channels[canonical]

	rank := 0
	if !exists {
		// Fresh channel. The creator gets ops and the conventional default
		// modes are set.
		channel = &Channel{
			Name:    canonical,
			Members: make(map[UID]int),
			Modes:   map[byte]struct{}{'n': {}, 't': {}},
			TS:      time.Now().Unix(),
		}
		ob.Channels[canonical] = channel
		rank = OpRank
	}

	channel.Members[u.User.UID] = rank
	u.User.Channels[canonical] = channel

	announce := ircmsg.MakeMessage(nil, u.User.nickUhost(), "JOIN",
		channel.Name)
	channel.writeToMembers(ob, announce, 0, nil)

	if len(channel.Topic) > 0 {
		// 332 RPL_TOPIC
		u.messageFromServer("332", []string{channel.Name, channel.Topic})
	}

	u.sendNames(channel)

	ob.relayToLinks(nil, announce, nil)
}

// sendNames sends RPL_NAMREPLY and RPL_ENDOFNAMES for a channel.
func (u *LocalUser) sendNames(channel *Channel) {
	var names []string
	for uid, rank := range channel.Members {
		member := u.Owlbox.Users[uid]
		names = append(names, rankPrefix(rank)+member.DisplayNick)
	}

	// 353 RPL_NAMREPLY
	u.messageFromServer("353", []string{"=", channel.Name,
		strings.Join(names, " ")})

	// 366 RPL_ENDOFNAMES
	u.messageFromServer("366", []string{channel.Name, "End of NAMES list"})
}

func (u *LocalUser) partCommand(m ircmsg.Message) {
	ob := u.Owlbox

	if len(m.Params) == 0 {
		// 461 ERR_NEEDMOREPARAMS
		u.messageFromServer("461", []string{"PART", "Not enough parameters"})
		return
	}

	reason := ""
	if len(m.Params) > 1 {
		reason = m.Params[1]
	}

	for _, name := range splitCommaList(m.Params[0]) {
		canonical := ob.canonChannel(name)

		channel, exists := ob.Channels[canonical]
		if !exists || !channel.hasMember(u.User) {
			// 442 ERR_NOTONCHANNEL
			u.messageFromServer("442", []string{name,
				"You're not on that channel"})
			continue
		}

		params := []string{channel.Name}
		if len(reason) > 0 {
			params = append(params, reason)
		}
		announce := ircmsg.MakeMessage(nil, u.User.nickUhost(), "PART",
			params...)

		// Announce first so the leaver sees it too.
		channel.writeToMembers(ob, announce, 0, nil)

		channel.removeUser(u.User)
		if len(channel.Members) == 0 {
			delete(ob.Channels, canonical)
		}

		ob.relayToLinks(nil, announce, nil)
	}
}

func (u *LocalUser) topicCommand(m ircmsg.Message) {
	ob := u.Owlbox

	if len(m.Params) == 0 {
		// 461 ERR_NEEDMOREPARAMS
		u.messageFromServer("461", []string{"TOPIC", "Not enough parameters"})
		return
	}

	channel, exists := ob.Channels[ob.canonChannel(m.Params[0])]
	if !exists {
		// 403 ERR_NOSUCHCHANNEL
		u.messageFromServer("403", []string{m.Params[0], "No such channel"})
		return
	}

	// Query.
	if len(m.Params) < 2 {
		if len(channel.Topic) == 0 {
			// 331 RPL_NOTOPIC
			u.messageFromServer("331", []string{channel.Name, "No topic is set"})
			return
		}

		// 332 RPL_TOPIC
		u.messageFromServer("332", []string{channel.Name, channel.Topic})

		// 333 RPL_TOPICWHOTIME
		u.messageFromServer("333", []string{channel.Name, channel.TopicSetter,
			fmt.Sprintf("%d", channel.TopicTS)})
		return
	}

	// Change.
	if !channel.hasMember(u.User) {
		// 442 ERR_NOTONCHANNEL
		u.messageFromServer("442", []string{channel.Name,
			"You're not on that channel"})
		return
	}

	if channel.hasMode('t') && channel.prefixRank(u.User) < HalfopRank {
		// 482 ERR_CHANOPRIVSNEEDED
		u.messageFromServer("482", []string{channel.Name,
			"You're not channel operator"})
		return
	}

	topic := m.Params[1]
	if len(topic) > maxTopicLength {
		topic = topic[:maxTopicLength]
	}

	channel.Topic = topic
	channel.TopicSetter = u.User.nickUhost()
	channel.TopicTS = time.Now().Unix()

	announce := ircmsg.MakeMessage(nil, u.User.nickUhost(), "TOPIC",
		channel.Name, channel.Topic)
	channel.writeToMembers(ob, announce, 0, nil)

	ob.relayToLinks(nil, announce, nil)
}

func (u *LocalUser) modeCommand(m ircmsg.Message) {
	if len(m.Params) == 0 {
		// 461 ERR_NEEDMOREPARAMS
		u.messageFromServer("461", []string{"MODE", "Not enough parameters"})
		return
	}

	if strings.HasPrefix(m.Params[0], "#") {
		u.channelModeCommand(m)
		return
	}

	u.userModeCommand(m)
}

func (u *LocalUser) userModeCommand(m ircmsg.Message) {
	ob := u.Owlbox

	if ob.canonNick(m.Params[0]) != ob.canonNick(u.User.DisplayNick) {
		// 502 ERR_USERSDONTMATCH
		u.messageFromServer("502", []string{"Can't change mode for other users"})
		return
	}

	if len(m.Params) < 2 {
		// 221 RPL_UMODEIS
		u.messageFromServer("221", []string{u.User.modesString()})
		return
	}

	adding := true
	for i := 0; i < len(m.Params[1]); i++ {
		mode := m.Params[1][i]
		switch mode {
		case '+':
			adding = true
		case '-':
			adding = false
		case 'i':
			if adding {
				u.User.Modes['i'] = struct{}{}
			} else {
				delete(u.User.Modes, 'i')
			}
		case 'o':
			// You can't OPER yourself this way, but deopping is fine.
			if !adding {
				delete(u.User.Modes, 'o')
				delete(u.User.Privs, PrivMassMessage)
			}
		default:
			// 501 ERR_UMODEUNKNOWNFLAG
			u.messageFromServer("501", []string{"Unknown MODE flag"})
		}
	}

	u.maybeQueueMessage(ircmsg.MakeMessage(nil, u.User.nickUhost(), "MODE",
		u.User.DisplayNick, u.User.modesString()))
}

func (u *LocalUser) channelModeCommand(m ircmsg.Message) {
	ob := u.Owlbox

	channel, exists := ob.Channels[ob.canonChannel(m.Params[0])]
	if !exists {
		// 403 ERR_NOSUCHCHANNEL
		u.messageFromServer("403", []string{m.Params[0], "No such channel"})
		return
	}

	// Query.
	if len(m.Params) < 2 {
		modes := "+"
		for mode := range channel.Modes {
			modes += string(mode)
		}
		// 324 RPL_CHANNELMODEIS
		u.messageFromServer("324", []string{channel.Name, modes})
		return
	}

	// Ban list query.
	if m.Params[1] == "b" || m.Params[1] == "+b" {
		if len(m.Params) < 3 {
			for _, mask := range channel.Bans {
				// 367 RPL_BANLIST
				u.messageFromServer("367", []string{channel.Name, mask})
			}
			// 368 RPL_ENDOFBANLIST
			u.messageFromServer("368", []string{channel.Name,
				"End of channel ban list"})
			return
		}
	}

	if channel.prefixRank(u.User) < OpRank {
		// 482 ERR_CHANOPRIVSNEEDED
		u.messageFromServer("482", []string{channel.Name,
			"You're not channel operator"})
		return
	}

	applied, appliedParams := u.applyChannelModes(channel, m.Params[1],
		m.Params[2:])
	if len(applied) == 0 {
		return
	}

	params := append([]string{channel.Name, applied}, appliedParams...)
	announce := ircmsg.MakeMessage(nil, u.User.nickUhost(), "MODE", params...)
	channel.writeToMembers(ob, announce, 0, nil)

	ob.relayToLinks(nil, announce, nil)
}

// applyChannelModes applies a mode string and its arguments to a channel.
// It returns the modes and arguments that actually took effect so the
// caller can announce exactly those.
func (u *LocalUser) applyChannelModes(channel *Channel, modes string,
	args []string) (string, []string) {
	ob := u.Owlbox

	applied := ""
	var appliedParams []string
	adding := true
	lastSign := byte(0)

	takeArg := func() (string, bool) {
		if len(args) == 0 {
			return "", false
		}
		arg := args[0]
		args = args[1:]
		return arg, true
	}

	appendMode := func(mode byte) {
		sign := byte('+')
		if !adding {
			sign = '-'
		}
		if lastSign != sign {
			applied += string(sign)
			lastSign = sign
		}
		applied += string(mode)
	}

	for i := 0; i < len(modes); i++ {
		mode := modes[i]
		switch mode {
		case '+':
			adding = true
		case '-':
			adding = false

		case 'm', 'n', 't', 's', 'c':
			if adding {
				if channel.hasMode(mode) {
					continue
				}
				channel.Modes[mode] = struct{}{}
			} else {
				if !channel.hasMode(mode) {
					continue
				}
				delete(channel.Modes, mode)
			}
			appendMode(mode)

		case 'b':
			mask, ok := takeArg()
			if !ok {
				continue
			}
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
			appendMode(mode)
			appliedParams = append(appliedParams, mask)

		case 'o', 'h', 'v':
			nick, ok := takeArg()
			if !ok {
				continue
			}

			target := ob.findUser(nick)
			if target == nil {
				// 401 ERR_NOSUCHNICK
				u.messageFromServer("401", []string{nick,
					"No such nick/channel"})
				continue
			}

			if !channel.hasMember(target) {
				// 441 ERR_USERNOTINCHANNEL
				u.messageFromServer("441", []string{target.DisplayNick,
					channel.Name, "They aren't on that channel"})
				continue
			}

			if adding {
				channel.setRank(target, modeLetterRank[mode])
			} else {
				channel.setRank(target, 0)
			}
			appendMode(mode)
			appliedParams = append(appliedParams, target.DisplayNick)

		default:
			// 472 ERR_UNKNOWNMODE
			u.messageFromServer("472", []string{string(mode),
				"is unknown mode char to me"})
		}
	}

	return applied, appliedParams
}

// awayCommand sets or clears the user's away message.
func (u *LocalUser) awayCommand(m ircmsg.Message) {
	ob := u.Owlbox

	if len(m.Params) > 0 && len(m.Params[0]) > 0 {
		u.User.AwayReason = m.Params[0]
		// 306 RPL_NOWAWAY
		u.messageFromServer("306", []string{"You have been marked as being away"})
	} else {
		u.User.AwayReason = ""
		// 305 RPL_UNAWAY
		u.messageFromServer("305",
			[]string{"You are no longer marked as being away"})
	}

	params := []string{}
	if len(u.User.AwayReason) > 0 {
		params = append(params, u.User.AwayReason)
	}
	ob.relayToLinks(nil,
		ircmsg.MakeMessage(nil, u.User.DisplayNick, "AWAY", params...), nil)
}

// operCommand makes the user an operator, which among other things grants
// the mass-message privilege.
func (u *LocalUser) operCommand(m ircmsg.Message) {
	if len(m.Params) < 2 {
		// 461 ERR_NEEDMOREPARAMS
		u.messageFromServer("461", []string{"OPER", "Not enough parameters"})
		return
	}

	if u.User.isOperator() {
		// 381 RPL_YOUREOPER
		u.messageFromServer("381", []string{"You are already an IRC operator"})
		return
	}

	pass, exists := u.Owlbox.Config.Opers[m.Params[0]]
	if !exists || pass != m.Params[1] {
		// 464 ERR_PASSWDMISMATCH
		u.messageFromServer("464", []string{"Password incorrect"})
		return
	}

	u.User.Modes['o'] = struct{}{}
	u.User.Privs[PrivMassMessage] = struct{}{}

	u.maybeQueueMessage(ircmsg.MakeMessage(nil, u.Owlbox.Config.ServerName,
		"MODE", u.User.DisplayNick, "+o"))

	// 381 RPL_YOUREOPER
	u.messageFromServer("381", []string{"You are now an IRC operator"})
}

func (u *LocalUser) whoisCommand(m ircmsg.Message) {
	ob := u.Owlbox

	if len(m.Params) == 0 {
		// 431 ERR_NONICKNAMEGIVEN
		u.messageFromServer("431", []string{"No nickname given"})
		return
	}

	target := ob.findUser(m.Params[0])
	if target == nil {
		// 401 ERR_NOSUCHNICK
		u.messageFromServer("401", []string{m.Params[0],
			"No such nick/channel"})
		return
	}

	// 311 RPL_WHOISUSER
	u.messageFromServer("311", []string{target.DisplayNick, target.Username,
		target.Hostname, "*", target.RealName})

	if len(target.Channels) > 0 {
		var names []string
		for _, channel := range target.Channels {
			names = append(names,
				rankPrefix(channel.prefixRank(target))+channel.Name)
		}
		// 319 RPL_WHOISCHANNELS
		u.messageFromServer("319", []string{target.DisplayNick,
			strings.Join(names, " ")})
	}

	// 312 RPL_WHOISSERVER
	u.messageFromServer("312", []string{target.DisplayNick, target.ServerName,
		ob.Config.ServerInfo})

	if target.isOperator() {
		// 313 RPL_WHOISOPERATOR
		u.messageFromServer("313", []string{target.DisplayNick,
			"is an IRC operator"})
	}

	if target.isAway() {
		// 301 RPL_AWAY
		u.messageFromServer("301", []string{target.DisplayNick,
			target.AwayReason})
	}

	// Idle time is only known for local users.
	if target.isLocal() {
		idle := int64(time.Since(target.LocalUser.LastMessageTime).Seconds())
		signon := target.LocalUser.ConnectionStartTime.Unix()

		// 317 RPL_WHOISIDLE
		u.messageFromServer("317", []string{target.DisplayNick,
			fmt.Sprintf("%d", idle), fmt.Sprintf("%d", signon),
			"seconds idle, signon time"})
	}

	// 318 RPL_ENDOFWHOIS
	u.messageFromServer("318", []string{target.DisplayNick,
		"End of WHOIS list"})
}

func (u *LocalUser) lusersCommand() {
	ob := u.Owlbox

	// 251 RPL_LUSERCLIENT
	u.messageFromServer("251", []string{fmt.Sprintf(
		"There are %d users and 0 services on %d servers", len(ob.Users),
		1+len(ob.Servers))})

	// 255 RPL_LUSERME
	u.messageFromServer("255", []string{fmt.Sprintf(
		"I have %d clients and %d servers", len(ob.LocalUsers),
		len(ob.LocalServers))})
}

func (u *LocalUser) motdCommand() {
	ob := u.Owlbox

	// 375 RPL_MOTDSTART
	u.messageFromServer("375", []string{fmt.Sprintf(
		"- %s Message of the day - ", ob.Config.ServerName)})

	// 372 RPL_MOTD
	u.messageFromServer("372", []string{"- " + ob.Config.MOTD})

	// 376 RPL_ENDOFMOTD
	u.messageFromServer("376", []string{"End of MOTD command"})
}
