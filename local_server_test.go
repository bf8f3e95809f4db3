package main

import (
	"testing"

	"github.com/ergochat/irc-go/ircmsg"
	"github.com/stretchr/testify/require"
)

func serverCommand(source, cmd string, params ...string) ircmsg.Message {
	return ircmsg.MakeMessage(nil, source, cmd, params...)
}

func TestSnickCommand(t *testing.T) {
	ob := newTestServer()
	link := newTestLink(ob, "irc2.example.org")

	link.handleMessage(serverCommand("", "SNICK", "remote1",
		"irc2.example.org", "ruser", "rhost.example.com", "10.9.9.9", "+",
		"A remote user"))

	u := ob.findUser("remote1")
	require.NotNil(t, u)
	require.True(t, u.isRemote())
	require.Equal(t, link, u.ClosestServer)
	require.Equal(t, "irc2.example.org", link.Server.String())
	require.Equal(t, "irc2.example.org", u.ServerName)
	require.Equal(t, "ruser", u.Username)
	require.Equal(t, "rhost.example.com", u.Hostname)
}

func TestSnickCollisionDropsLink(t *testing.T) {
	ob := newTestServer()
	newTestUser(ob, "alice")
	link := newTestLink(ob, "irc2.example.org")

	link.handleMessage(serverCommand("", "SNICK", "alice",
		"irc2.example.org", "other", "rhost", "10.9.9.9", "+", "Impostor"))

	_, exists := ob.LocalServers[link.ID]
	require.False(t, exists, "a nick collision must drop the link")
}

func TestSjoinCommand(t *testing.T) {
	ob := newTestServer()
	local := newTestUser(ob, "alice")
	link := newTestLink(ob, "irc2.example.org")

	channel := newTestChannel(ob, "#test")
	addMember(channel, local.User, 0)

	link.handleMessage(serverCommand("", "SNICK", "remote1",
		"irc2.example.org", "ruser", "rhost", "10.9.9.9", "+", "Remote"))

	link.handleMessage(serverCommand("", "SJOIN", "#test", "1000",
		"@remote1"))

	remote := ob.findUser("remote1")
	require.True(t, channel.hasMember(remote))
	require.Equal(t, OpRank, channel.prefixRank(remote))

	// The local member sees the join.
	got := drainMessages(local.LocalClient)
	require.Len(t, got, 1)
	require.Equal(t, "JOIN", got[0].Command)
	require.Equal(t, "remote1!ruser@rhost", got[0].Source)
}

func TestRelayedMessage(t *testing.T) {
	ob := newTestServer()
	local := newTestUser(ob, "alice")
	link := newTestLink(ob, "irc2.example.org")
	remote := newTestRemoteUser(ob, "remote1", link)

	channel := newTestChannel(ob, "#test")
	addMember(channel, local.User, 0)
	addMember(channel, remote, 0)

	link.handleMessage(serverCommand("remote1", "PRIVMSG", "#test", "hello"))

	got := drainMessages(local.LocalClient)
	require.Len(t, got, 1)
	require.Equal(t, "PRIVMSG", got[0].Command)
	require.Equal(t, []string{"#test", "hello"}, got[0].Params)
	require.Equal(t, remote.nickUhost(), got[0].Source)
}

func TestRelayedMessageNumericGoesBack(t *testing.T) {
	ob := newTestServer()
	link := newTestLink(ob, "irc2.example.org")
	newTestRemoteUser(ob, "remote1", link)

	// Remote user messages a nick that doesn't exist here. The 401 goes
	// back over the link.
	link.handleMessage(serverCommand("remote1", "PRIVMSG", "ghost", "hi"))

	got := drainMessages(link.LocalClient)
	require.Len(t, got, 1)
	require.Equal(t, "401", got[0].Command)
	require.Equal(t, "remote1", got[0].Params[0])
}

func TestRemoteChannelMessageSkipsLocalGate(t *testing.T) {
	ob := newTestServer()
	local := newTestUser(ob, "alice")
	link := newTestLink(ob, "irc2.example.org")
	remote := newTestRemoteUser(ob, "remote1", link)

	channel := newTestChannel(ob, "#test")
	channel.Modes['m'] = struct{}{}
	addMember(channel, local.User, 0)
	addMember(channel, remote, 0)

	// The remote server vetted this already; +m does not apply here.
	link.handleMessage(serverCommand("remote1", "PRIVMSG", "#test", "hello"))

	require.Len(t, drainMessages(local.LocalClient), 1)
}

func TestRelayedQuit(t *testing.T) {
	ob := newTestServer()
	local := newTestUser(ob, "alice")
	link := newTestLink(ob, "irc2.example.org")
	remote := newTestRemoteUser(ob, "remote1", link)

	channel := newTestChannel(ob, "#test")
	addMember(channel, local.User, 0)
	addMember(channel, remote, 0)

	link.handleMessage(serverCommand("remote1", "QUIT", "Leaving"))

	require.Nil(t, ob.findUser("remote1"))
	require.False(t, channel.hasMember(remote))

	got := drainMessages(local.LocalClient)
	require.Len(t, got, 1)
	require.Equal(t, "QUIT", got[0].Command)
}

func TestQuitServerSplitsUsers(t *testing.T) {
	ob := newTestServer()
	local := newTestUser(ob, "alice")
	link := newTestLink(ob, "irc2.example.org")
	remote := newTestRemoteUser(ob, "remote1", link)

	channel := newTestChannel(ob, "#test")
	addMember(channel, local.User, 0)
	addMember(channel, remote, 0)

	ob.quitServer(link, "Connection lost")

	require.Nil(t, ob.findUser("remote1"))
	_, exists := ob.Servers["irc2.example.org"]
	require.False(t, exists)

	// The local member sees the netsplit quit.
	got := drainMessages(local.LocalClient)
	require.Len(t, got, 1)
	require.Equal(t, "QUIT", got[0].Command)
}

func TestSendBurst(t *testing.T) {
	ob := newTestServer()
	alice := newTestUser(ob, "alice")

	channel := newTestChannel(ob, "#test")
	channel.TS = 900
	channel.Topic = "hello"
	channel.TopicSetter = "alice!alice@10.1.1.1"
	channel.TopicTS = 1000
	addMember(channel, alice.User, OpRank)

	link := newTestLink(ob, "irc2.example.org")
	link.sendBurst()

	got := drainMessages(link.LocalClient)
	require.Len(t, got, 4)
	require.Equal(t, "SNICK", got[0].Command)
	require.Equal(t, "alice", got[0].Params[0])
	require.Equal(t, "SJOIN", got[1].Command)
	require.Equal(t, []string{"#test", "900", "@alice"}, got[1].Params)
	require.Equal(t, "STOPIC", got[2].Command)
	require.Equal(t, "PING", got[3].Command)
}
