package main

import (
	"github.com/ergochat/irc-go/ircfmt"
	"github.com/ergochat/irc-go/ircmsg"
)

// Built in modules. These hang off the hook registry and give the
// dispatcher its channel mode +c behaviour and its inter-server
// propagation. They run on the server goroutine like everything else.

// BlockColorModule enforces channel mode +c: messages carrying formatting
// codes (colour, bold, etc.) do not reach the channel.
type BlockColorModule struct {
	ob *Owlbox
}

// OnPreMessage denies formatted messages to +c channels. Ops and halfops
// are exempt.
func (m *BlockColorModule) OnPreMessage(source *User, target *MessageTarget,
	details *MessageDetails) HookResult {
	if target.Kind != TargetChannel {
		return HookContinue
	}

	channel := target.Channel
	if !channel.hasMode('c') {
		return HookContinue
	}

	if channel.prefixRank(source) >= HalfopRank {
		return HookContinue
	}

	if ircfmt.Strip(details.Text) == details.Text {
		return HookContinue
	}

	// 404 ERR_CANNOTSENDTOCHAN
	m.ob.numericTo(source, "404", []string{channel.Name,
		"Cannot send to channel (+c)"})
	return HookDeny
}

// ServerLinksModule propagates messages to linked servers after local
// fan-out. It is registered last so every other module has had its say
// about the text and tags before anything crosses the wire.
type ServerLinksModule struct {
	ob *Owlbox
}

// OnPostMessage forwards the message to the links that need it:
//
// Channel: once to each link with at least one member behind it.
// User:    to the link leading towards the target, if remote.
// Mask:    to every link.
//
// The link the message arrived on, if any, never gets it back.
func (m *ServerLinksModule) OnPostMessage(source *User,
	target *MessageTarget, details *MessageDetails) {
	var origin *LocalServer
	if messageRouting(source, target) != RouteLocalOnly {
		// Relayed onward: everything except where it came from.
		origin = source.ClosestServer
	}

	switch target.Kind {
	case TargetChannel:
		wireTarget := target.Channel.Name
		if target.StatusPrefix != 0 {
			wireTarget = string(target.StatusPrefix) + target.Channel.Name
		}

		// Collect each link hosting a member. A link shows up once no matter
		// how many members are behind it.
		toServers := make(map[*LocalServer]struct{})
		for uid := range target.Channel.Members {
			member, exists := m.ob.Users[uid]
			if !exists || member.isLocal() {
				continue
			}
			if member.ClosestServer == origin {
				continue
			}
			toServers[member.ClosestServer] = struct{}{}
		}

		for ls := range toServers {
			m.send(ls, source, details, wireTarget)
		}

	case TargetUser:
		dest := target.User
		if dest.isLocal() || dest.ClosestServer == origin {
			return
		}
		m.send(dest.ClosestServer, source, details, dest.DisplayNick)

	case TargetServerMask:
		for _, ls := range m.ob.LocalServers {
			if ls == origin {
				continue
			}
			m.send(ls, source, details, "$"+target.ServerMask)
		}
	}
}

func (m *ServerLinksModule) send(ls *LocalServer, source *User,
	details *MessageDetails, wireTarget string) {
	ls.maybeQueueMessage(ircmsg.MakeMessage(details.TagsOut,
		source.DisplayNick, details.Type.Command(), wireTarget, details.Text))
}
