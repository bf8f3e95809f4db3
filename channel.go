package main

import "github.com/ergochat/irc-go/ircmsg"

// Membership ranks. A member's rank decides which status-prefixed messages
// reach them and what they may change. Values ordered so comparisons work.
const (
	VoiceRank  = 10000
	HalfopRank = 20000
	OpRank     = 30000
)

// statusPrefixRank maps a channel status prefix character to the minimum
// rank a member needs for a message targeted with that prefix.
var statusPrefixRank = map[byte]int{
	'+': VoiceRank,
	'%': HalfopRank,
	'@': OpRank,
}

// modeLetterRank maps a membership mode letter to its rank.
var modeLetterRank = map[byte]int{
	'v': VoiceRank,
	'h': HalfopRank,
	'o': OpRank,
}

// rankPrefix is the status prefix shown for a rank, e.g. in NAMES.
func rankPrefix(rank int) string {
	switch {
	case rank >= OpRank:
		return "@"
	case rank >= HalfopRank:
		return "%"
	case rank >= VoiceRank:
		return "+"
	}
	return ""
}

func isStatusPrefix(b byte) bool {
	_, exists := statusPrefixRank[b]
	return exists
}

// Channel holds everything to do with a channel.
type Channel struct {
	// Canonicalized name.
	Name string

	// Member UID to rank. Rank 0 is a plain member.
	// If we have zero members, we should not exist.
	Members map[UID]int

	// Current topic. May be blank.
	Topic string

	// The person who set the topic. nick!user@host
	TopicSetter string

	// Topic TS. Changes on TOPIC command.
	TopicTS int64

	// Modes set on the channel.
	Modes map[byte]struct{}

	// Ban masks, matched against nick!user@host.
	Bans []string

	// Channel TS. Set at creation.
	TS int64
}

func (c *Channel) hasMode(mode byte) bool {
	_, exists := c.Modes[mode]
	return exists
}

func (c *Channel) hasMember(u *User) bool {
	_, exists := c.Members[u.UID]
	return exists
}

// prefixRank gives the member's rank, or 0 for non-members and plain
// members alike. The permission gate compares this against VoiceRank.
func (c *Channel) prefixRank(u *User) int {
	return c.Members[u.UID]
}

// isBanned checks the user against the channel's ban masks. Masks match
// against both the hostname and IP forms of the user.
func (c *Channel) isBanned(cm Casemapping, u *User) bool {
	uhost := u.nickUhost()
	uip := u.DisplayNick + "!" + u.Username + "@" + u.IP

	for _, mask := range c.Bans {
		if matchGlob(cm, mask, uhost) || matchGlob(cm, mask, uip) {
			return true
		}
	}

	return false
}

// Remove a user from the channel.
func (c *Channel) removeUser(u *User) {
	delete(c.Members, u.UID)
	delete(u.Channels, c.Name)
}

// Grant or remove a membership rank.
func (c *Channel) setRank(u *User, rank int) {
	if _, exists := c.Members[u.UID]; exists {
		c.Members[u.UID] = rank
	}
}

// writeToMembers is the fan-out primitive. It queues the message to every
// local member whose rank meets the status prefix floor (if any) and who is
// not exempt. Remote members are the link layer's problem.
func (c *Channel) writeToMembers(ob *Owlbox, m ircmsg.Message, statusPrefix byte,
	exemptions map[UID]struct{}) {
	floor := 0
	if statusPrefix != 0 {
		floor = statusPrefixRank[statusPrefix]
	}

	for uid, rank := range c.Members {
		if _, exempt := exemptions[uid]; exempt {
			continue
		}

		if rank < floor {
			continue
		}

		member, exists := ob.Users[uid]
		if !exists || !member.isLocal() {
			continue
		}

		member.LocalUser.maybeQueueMessage(m)
	}
}
