package main

import "fmt"

// UID is a server local user identifier. Stable for the lifetime of the
// user and cheap to hash, so fan-out exemption sets key on it.
type UID uint64

// PrivMassMessage lets a user message $server-mask targets.
const PrivMassMessage = "mass-message"

// User holds information about a user. It may be remote or local.
type User struct {
	UID UID

	DisplayNick string

	Username string
	Hostname string
	IP       string
	RealName string

	Modes map[byte]struct{}

	// Capabilities beyond the mode flags, e.g. mass-message. Granted on OPER.
	Privs map[string]struct{}

	// Away reason. Blank means they are here.
	AwayReason string

	// Name of the server the user is on.
	ServerName string

	// Channel name (canonicalized) to Channel.
	Channels map[string]*Channel

	// Set for local users only.
	LocalUser *LocalUser

	// For remote users, the local link we heard about them through. Messages
	// towards them go out on this link.
	ClosestServer *LocalServer
}

func (u *User) String() string {
	return fmt.Sprintf("%d: %s", u.UID, u.nickUhost())
}

func (u *User) nickUhost() string {
	return fmt.Sprintf("%s!%s@%s", u.DisplayNick, u.Username, u.Hostname)
}

func (u *User) isLocal() bool {
	return u.LocalUser != nil
}

func (u *User) isRemote() bool {
	return !u.isLocal()
}

func (u *User) isAway() bool {
	return len(u.AwayReason) > 0
}

func (u *User) isOperator() bool {
	_, exists := u.Modes['o']
	return exists
}

func (u *User) hasPriv(name string) bool {
	_, exists := u.Privs[name]
	return exists
}

func (u *User) onChannel(channel *Channel) bool {
	_, exists := u.Channels[channel.Name]
	return exists
}

func (u *User) modesString() string {
	s := "+"
	for m := range u.Modes {
		s += string(m)
	}
	return s
}
