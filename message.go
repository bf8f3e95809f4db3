package main

import (
	"strings"
	"time"

	"github.com/ergochat/irc-go/ircmsg"
)

// This file is the message routing core: everything between a parsed
// PRIVMSG/NOTICE and the recipients' write queues. Target resolution,
// channel send permissions, the hook chain, and the fan-out itself all
// live here. Only the server goroutine calls into it.

// MessageType says whether a message is a PRIVMSG or a NOTICE. The two are
// near identical on the wire but differ in whether automatic replies (like
// RPL_AWAY) are allowed and in idle accounting.
type MessageType int

const (
	// MsgPrivmsg is a PRIVMSG.
	MsgPrivmsg MessageType = iota

	// MsgNotice is a NOTICE. Notices never generate automatic replies.
	MsgNotice
)

// Command gives the wire command token.
func (t MessageType) Command() string {
	if t == MsgNotice {
		return "NOTICE"
	}
	return "PRIVMSG"
}

// TargetKind discriminates MessageTarget.
type TargetKind int

const (
	// TargetUser means the message goes to a single user.
	TargetUser TargetKind = iota

	// TargetChannel means the message goes to a channel's members.
	TargetChannel

	// TargetServerMask means the message goes to all users on servers
	// matching a mask. The $ has been stripped.
	TargetServerMask
)

// MessageTarget is a resolved message target.
type MessageTarget struct {
	Kind TargetKind

	// Set for TargetUser.
	User *User

	// Set for TargetChannel.
	Channel *Channel

	// Optional status prefix restricting channel delivery, e.g. '@' for
	// @#chan. 0 if none.
	StatusPrefix byte

	// Set for TargetServerMask.
	ServerMask string
}

// MessageDetails is the per message state threaded through the hook chain.
// Hooks may mutate Text, TagsOut, and Exemptions before fan-out begins;
// after that the value is read only. It lives on the stack of one dispatch
// and must not be retained.
type MessageDetails struct {
	Type MessageType

	// The message body. A hook emptying this zaps the message.
	Text string

	// Client supplied message tags, as received.
	TagsIn map[string]string

	// Tags to serialize outbound. Starts empty; hooks decide what crosses
	// the wire.
	TagsOut map[string]string

	// Users to skip during fan-out. The sender is inserted for channel
	// targets so they don't hear their own message back.
	Exemptions map[UID]struct{}
}

func newMessageDetails(t MessageType, text string,
	clientTags map[string]string) *MessageDetails {
	tagsIn := make(map[string]string, len(clientTags))
	for k, v := range clientTags {
		tagsIn[k] = v
	}

	return &MessageDetails{
		Type:       t,
		Text:       text,
		TagsIn:     tagsIn,
		TagsOut:    make(map[string]string),
		Exemptions: make(map[UID]struct{}),
	}
}

// IsCTCP reports whether the current message body is CTCP framed.
func (d *MessageDetails) IsCTCP() bool {
	return isCTCP(d.Text)
}

// DecodeCTCP splits the body into CTCP name and body. ok is false if the
// body is not a CTCP.
func (d *MessageDetails) DecodeCTCP() (name, body string, ok bool) {
	return decodeCTCP(d.Text)
}

// RouteKind classifies how a dispatch propagates beyond this server.
type RouteKind int

const (
	// RouteLocalOnly: the dispatcher handles everything; any inter-server
	// propagation happens inside the post-message hooks.
	RouteLocalOnly RouteKind = iota

	// RouteToTarget: a remote-originated message that the link layer should
	// forward towards the server holding the target.
	RouteToTarget

	// RouteBroadcast: a remote-originated server-mask message for all links.
	RouteBroadcast
)

// messageRouting classifies a dispatch. Local senders are always
// local-only: the serverlinks post hook does their propagation. Remote
// senders came in over a link, and the classification says which links
// still need the message.
func messageRouting(source *User, target *MessageTarget) RouteKind {
	if source.isLocal() {
		return RouteLocalOnly
	}
	if target.Kind == TargetServerMask {
		return RouteBroadcast
	}
	return RouteToTarget
}

// dispatchMessage routes one PRIVMSG/NOTICE to one target. The command
// layer has already split comma lists; each sub-target arrives here
// independently. Returns whether the dispatch succeeded, which the command
// layer may use for penalty accounting. All failures are terminal for this
// dispatch only.
func (ob *Owlbox) dispatchMessage(source *User, rawTarget, text string,
	clientTags map[string]string, mt MessageType) bool {
	if strings.HasPrefix(rawTarget, "$") {
		return ob.dispatchServerMask(source, rawTarget, text, clientTags, mt)
	}

	target, ok := ob.resolveMessageTarget(source, rawTarget)
	if !ok {
		return false
	}

	if target.Kind == TargetChannel {
		return ob.dispatchChannel(source, target, text, clientTags, mt)
	}

	return ob.dispatchUser(source, target, text, clientTags, mt)
}

// resolveMessageTarget parses and looks up a non-mask target. On failure it
// sends the numeric to the sender and returns ok false.
func (ob *Owlbox) resolveMessageTarget(source *User,
	rawTarget string) (MessageTarget, bool) {
	// A leading status prefix character restricts channel delivery by rank.
	var status byte
	rest := rawTarget
	if len(rest) > 0 && isStatusPrefix(rest[0]) {
		status = rest[0]
		rest = rest[1:]
	}

	if strings.HasPrefix(rest, "#") {
		channel, exists := ob.Channels[ob.canonChannel(rest)]
		if !exists {
			// 403 ERR_NOSUCHCHANNEL
			ob.numericTo(source, "403", []string{rawTarget, "No such channel"})
			return MessageTarget{}, false
		}

		return MessageTarget{
			Kind:         TargetChannel,
			Channel:      channel,
			StatusPrefix: status,
		}, true
	}

	// A nickname. Note the status prefix, if we peeled one, is part of the
	// nick again here: PRIVMSG +nick is a lookup of "+nick", not of "nick"
	// restricted to voiced. That can only fail, which is the intent.
	var dest *User

	if source.isLocal() {
		// Local senders may use nick@server. The nick is looked up alone and
		// the server part must then match where the user actually is.
		if at := strings.IndexByte(rawTarget, '@'); at != -1 {
			dest = ob.findUser(rawTarget[:at])
			if dest != nil &&
				!strings.EqualFold(dest.ServerName, rawTarget[at+1:]) {
				// 401 ERR_NOSUCHNICK
				ob.numericTo(source, "401",
					[]string{rawTarget, "No such nick/channel"})
				return MessageTarget{}, false
			}
		} else {
			dest = ob.findUser(rawTarget)
		}
	} else {
		dest = ob.findUser(rawTarget)
	}

	// Users enter the table only once fully registered, so a hit here is a
	// registered user.
	if dest == nil {
		// 401 ERR_NOSUCHNICK
		ob.numericTo(source, "401", []string{rawTarget, "No such nick/channel"})
		return MessageTarget{}, false
	}

	return MessageTarget{Kind: TargetUser, User: dest}, true
}

// dispatchChannel handles a resolved channel target: permission gate, hook
// chain, then fan-out to members meeting the status floor.
func (ob *Owlbox) dispatchChannel(source *User, target MessageTarget,
	text string, clientTags map[string]string, mt MessageType) bool {
	channel := target.Channel

	// Send permissions apply to local senders below voice. Remote messages
	// were vetted by their own server.
	if source.isLocal() && channel.prefixRank(source) < VoiceRank {
		if channel.hasMode('n') && !channel.hasMember(source) {
			// 404 ERR_CANNOTSENDTOCHAN
			ob.numericTo(source, "404", []string{channel.Name,
				"Cannot send to channel (no external messages)"})
			return false
		}

		if channel.hasMode('m') {
			// 404 ERR_CANNOTSENDTOCHAN
			ob.numericTo(source, "404", []string{channel.Name,
				"Cannot send to channel (+m)"})
			return false
		}

		if ob.Config.BanPolicy != BanPolicyNormal &&
			channel.isBanned(ob.Config.Casemapping, source) {
			if ob.Config.BanPolicy == BanPolicyRestrictNotify {
				// 404 ERR_CANNOTSENDTOCHAN
				ob.numericTo(source, "404", []string{channel.Name,
					"Cannot send to channel (you're banned)"})
			}
			return false
		}
	}

	details := newMessageDetails(mt, text, clientTags)
	details.Exemptions[source.UID] = struct{}{}

	if !ob.firePreEvents(source, &target, details) {
		return false
	}

	// The wire target carries the status prefix so recipients can tell a
	// @#chan message from a plain one.
	wireTarget := channel.Name
	if target.StatusPrefix != 0 {
		wireTarget = string(target.StatusPrefix) + channel.Name
	}

	m := ircmsg.MakeMessage(details.TagsOut, source.nickUhost(), mt.Command(),
		wireTarget, details.Text)
	channel.writeToMembers(ob, m, target.StatusPrefix, details.Exemptions)

	return ob.firePostEvent(source, &target, details)
}

// dispatchUser handles a resolved user target.
func (ob *Owlbox) dispatchUser(source *User, target MessageTarget,
	text string, clientTags map[string]string, mt MessageType) bool {
	dest := target.User

	// For user targets the empty body check happens before any hook runs.
	if len(text) == 0 {
		// 412 ERR_NOTEXTTOSEND
		ob.numericTo(source, "412", []string{"No text to send"})
		return false
	}

	// Auto respond with the away message. Only for PRIVMSG: a NOTICE must
	// never generate an automatic reply.
	if dest.isAway() && mt == MsgPrivmsg {
		// 301 RPL_AWAY
		ob.numericTo(source, "301", []string{dest.DisplayNick, dest.AwayReason})
	}

	details := newMessageDetails(mt, text, clientTags)

	if !ob.firePreEvents(source, &target, details) {
		return false
	}

	if dest.isLocal() {
		// Direct write, same server. Remote targets are forwarded by the
		// serverlinks post hook.
		m := ircmsg.MakeMessage(details.TagsOut, source.nickUhost(),
			mt.Command(), dest.DisplayNick, details.Text)
		dest.LocalUser.maybeQueueMessage(m)
	}

	return ob.firePostEvent(source, &target, details)
}

// dispatchServerMask handles $mask targets: a message to every user on
// every server matching the mask.
func (ob *Owlbox) dispatchServerMask(source *User, rawTarget, text string,
	clientTags map[string]string, mt MessageType) bool {
	// The privilege only applies to our own users. A relayed mass message
	// was authorized by the sender's server. For our users it's a silent
	// no-op without the privilege. Deliberate: an error here would let
	// anyone probe who holds mass-message.
	if source.isLocal() && !source.hasPriv(PrivMassMessage) {
		return true
	}

	target := MessageTarget{
		Kind:       TargetServerMask,
		ServerMask: rawTarget[1:],
	}

	details := newMessageDetails(mt, text, clientTags)

	if !ob.firePreEvents(source, &target, details) {
		return false
	}

	if matchGlob(ob.Config.Casemapping, target.ServerMask,
		ob.Config.ServerName) {
		ob.sendToAllLocalUsers(source, details)
	}

	return ob.firePostEvent(source, &target, details)
}

// sendToAllLocalUsers delivers a mass-message to every local, registered
// user that is not exempt. The wire target is the conventional $*.
func (ob *Owlbox) sendToAllLocalUsers(source *User, details *MessageDetails) {
	m := ircmsg.MakeMessage(details.TagsOut, source.nickUhost(),
		details.Type.Command(), "$*", details.Text)

	for _, lu := range ob.LocalUsers {
		if _, exempt := details.Exemptions[lu.User.UID]; exempt {
			continue
		}
		lu.maybeQueueMessage(m)
	}
}

// firePreEvents runs the pre-message hooks and the empty body check. False
// means the dispatch is over and the post hook must not fire.
func (ob *Owlbox) firePreEvents(source *User, target *MessageTarget,
	details *MessageDetails) bool {
	if ob.Hooks.preMessage(source, target, details) == HookDeny {
		ob.Hooks.messageBlocked(source, target, details)
		return false
	}

	// A hook may have zapped the message body.
	if len(details.Text) == 0 {
		// 412 ERR_NOTEXTTOSEND
		ob.numericTo(source, "412", []string{"No text to send"})
		return false
	}

	ob.Hooks.messageAboutToSend(source, target, details)
	return true
}

// firePostEvent does the post fan-out bookkeeping: idle time and the
// post-message hooks. A CTCP NOTICE is an automated reply and must not
// reset idle time.
func (ob *Owlbox) firePostEvent(source *User, target *MessageTarget,
	details *MessageDetails) bool {
	if source.isLocal() &&
		(details.Type != MsgNotice || !details.IsCTCP()) {
		source.LocalUser.LastMessageTime = time.Now()
	}

	ob.Hooks.postMessage(source, target, details)
	return true
}
