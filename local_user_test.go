package main

import (
	"testing"

	"github.com/ergochat/irc-go/ircmsg"
	"github.com/stretchr/testify/require"
)

func command(cmd string, params ...string) ircmsg.Message {
	return ircmsg.MakeMessage(nil, "", cmd, params...)
}

func TestPrivmsgCommandNumerics(t *testing.T) {
	ob := newTestServer()
	lu := newTestUser(ob, "alice")

	t.Run("no-recipient", func(t *testing.T) {
		lu.handleMessage(command("PRIVMSG"))

		got := drainMessages(lu.LocalClient)
		require.Len(t, got, 1)
		require.Equal(t, "411", got[0].Command)
	})

	t.Run("no-text", func(t *testing.T) {
		lu.handleMessage(command("NOTICE", "bob"))

		got := drainMessages(lu.LocalClient)
		require.Len(t, got, 1)
		require.Equal(t, "412", got[0].Command)
	})
}

func TestAwayCommand(t *testing.T) {
	ob := newTestServer()
	lu := newTestUser(ob, "alice")

	lu.handleMessage(command("AWAY", "gone fishing"))
	require.Equal(t, "gone fishing", lu.User.AwayReason)

	got := drainMessages(lu.LocalClient)
	require.Len(t, got, 1)
	require.Equal(t, "306", got[0].Command)

	lu.handleMessage(command("AWAY"))
	require.Empty(t, lu.User.AwayReason)

	got = drainMessages(lu.LocalClient)
	require.Len(t, got, 1)
	require.Equal(t, "305", got[0].Command)
}

func TestOperCommand(t *testing.T) {
	ob := newTestServer()
	lu := newTestUser(ob, "alice")

	t.Run("bad-password", func(t *testing.T) {
		lu.handleMessage(command("OPER", "oper1", "wrong"))

		got := drainMessages(lu.LocalClient)
		require.Len(t, got, 1)
		require.Equal(t, "464", got[0].Command)
		require.False(t, lu.User.isOperator())
		require.False(t, lu.User.hasPriv(PrivMassMessage))
	})

	t.Run("success", func(t *testing.T) {
		lu.handleMessage(command("OPER", "oper1", "pass1"))

		got := drainMessages(lu.LocalClient)
		require.Len(t, got, 2)
		require.Equal(t, "MODE", got[0].Command)
		require.Equal(t, "381", got[1].Command)
		require.True(t, lu.User.isOperator())
		require.True(t, lu.User.hasPriv(PrivMassMessage),
			"opering up must grant mass-message")
	})
}

func TestJoinAndPart(t *testing.T) {
	ob := newTestServer()
	alice := newTestUser(ob, "alice")
	bob := newTestUser(ob, "bob")

	alice.handleMessage(command("JOIN", "#test"))

	channel, exists := ob.Channels["#test"]
	require.True(t, exists)
	require.Equal(t, OpRank, channel.prefixRank(alice.User),
		"channel creator gets ops")
	require.True(t, channel.hasMode('n'))
	require.True(t, channel.hasMode('t'))

	got := drainMessages(alice.LocalClient)
	require.NotEmpty(t, got)
	require.Equal(t, "JOIN", got[0].Command)

	bob.handleMessage(command("JOIN", "#test"))
	require.Equal(t, 0, channel.prefixRank(bob.User))
	drainMessages(bob.LocalClient)

	// Alice sees bob join.
	got = drainMessages(alice.LocalClient)
	require.Len(t, got, 1)
	require.Equal(t, "JOIN", got[0].Command)
	require.Equal(t, "bob!bob@10.1.1.1", got[0].Source)

	bob.handleMessage(command("PART", "#test", "bye"))

	require.False(t, channel.hasMember(bob.User))
	got = drainMessages(alice.LocalClient)
	require.Len(t, got, 1)
	require.Equal(t, "PART", got[0].Command)
	require.Equal(t, []string{"#test", "bye"}, got[0].Params)

	// Last one out removes the channel.
	alice.handleMessage(command("PART", "#test"))
	_, exists = ob.Channels["#test"]
	require.False(t, exists)
}

func TestChannelModeCommand(t *testing.T) {
	ob := newTestServer()
	op := newTestUser(ob, "alice")
	member := newTestUser(ob, "bob")

	channel := newTestChannel(ob, "#test")
	addMember(channel, op.User, OpRank)
	addMember(channel, member.User, 0)

	t.Run("non-op-denied", func(t *testing.T) {
		member.handleMessage(command("MODE", "#test", "+m"))

		got := drainMessages(member.LocalClient)
		require.Len(t, got, 1)
		require.Equal(t, "482", got[0].Command)
		require.False(t, channel.hasMode('m'))
	})

	t.Run("set-flags", func(t *testing.T) {
		op.handleMessage(command("MODE", "#test", "+mc"))

		require.True(t, channel.hasMode('m'))
		require.True(t, channel.hasMode('c'))

		// Both members see the change.
		got := drainMessages(member.LocalClient)
		require.Len(t, got, 1)
		require.Equal(t, "MODE", got[0].Command)
		require.Equal(t, []string{"#test", "+mc"}, got[0].Params)
		drainMessages(op.LocalClient)
	})

	t.Run("voice-member", func(t *testing.T) {
		op.handleMessage(command("MODE", "#test", "+v", "bob"))

		require.Equal(t, VoiceRank, channel.prefixRank(member.User))

		got := drainMessages(member.LocalClient)
		require.Len(t, got, 1)
		require.Equal(t, []string{"#test", "+v", "bob"}, got[0].Params)
		drainMessages(op.LocalClient)
	})

	t.Run("ban-mask", func(t *testing.T) {
		op.handleMessage(command("MODE", "#test", "+b", "bad!*@*"))
		require.Equal(t, []string{"bad!*@*"}, channel.Bans)

		op.handleMessage(command("MODE", "#test", "-b", "bad!*@*"))
		require.Empty(t, channel.Bans)

		drainMessages(op.LocalClient)
		drainMessages(member.LocalClient)
	})

	t.Run("unset-flags", func(t *testing.T) {
		op.handleMessage(command("MODE", "#test", "-mc"))
		require.False(t, channel.hasMode('m'))
		require.False(t, channel.hasMode('c'))
		drainMessages(op.LocalClient)
		drainMessages(member.LocalClient)
	})
}

func TestNickChange(t *testing.T) {
	ob := newTestServer()
	alice := newTestUser(ob, "alice")
	bob := newTestUser(ob, "bob")

	channel := newTestChannel(ob, "#test")
	addMember(channel, alice.User, 0)
	addMember(channel, bob.User, 0)

	t.Run("in-use", func(t *testing.T) {
		alice.handleMessage(command("NICK", "bob"))

		got := drainMessages(alice.LocalClient)
		require.Len(t, got, 1)
		require.Equal(t, "433", got[0].Command)
		require.Equal(t, "alice", alice.User.DisplayNick)
	})

	t.Run("success", func(t *testing.T) {
		alice.handleMessage(command("NICK", "carol"))

		require.Equal(t, "carol", alice.User.DisplayNick)
		require.NotNil(t, ob.findUser("carol"))
		require.Nil(t, ob.findUser("alice"))

		// Both alice and bob hear about it.
		got := drainMessages(alice.LocalClient)
		require.Len(t, got, 1)
		require.Equal(t, "NICK", got[0].Command)

		got = drainMessages(bob.LocalClient)
		require.Len(t, got, 1)
		require.Equal(t, "NICK", got[0].Command)
		require.Equal(t, []string{"carol"}, got[0].Params)
	})
}

func TestWhoisIdleTime(t *testing.T) {
	ob := newTestServer()
	asker := newTestUser(ob, "alice")
	target := newTestUser(ob, "bob")

	asker.handleMessage(command("WHOIS", "bob"))

	var sawIdle bool
	for _, m := range drainMessages(asker.LocalClient) {
		if m.Command == "317" {
			sawIdle = true
			require.Equal(t, "bob", m.Params[1])
		}
	}
	require.True(t, sawIdle, "WHOIS of a local user must include 317")
	_ = target
}

func TestTopicCommand(t *testing.T) {
	ob := newTestServer()
	op := newTestUser(ob, "alice")
	member := newTestUser(ob, "bob")

	channel := newTestChannel(ob, "#test")
	channel.Modes['t'] = struct{}{}
	addMember(channel, op.User, OpRank)
	addMember(channel, member.User, 0)

	t.Run("restricted", func(t *testing.T) {
		member.handleMessage(command("TOPIC", "#test", "my topic"))

		got := drainMessages(member.LocalClient)
		require.Len(t, got, 1)
		require.Equal(t, "482", got[0].Command)
		require.Empty(t, channel.Topic)
	})

	t.Run("set-and-query", func(t *testing.T) {
		op.handleMessage(command("TOPIC", "#test", "welcome"))
		require.Equal(t, "welcome", channel.Topic)
		drainMessages(op.LocalClient)
		drainMessages(member.LocalClient)

		member.handleMessage(command("TOPIC", "#test"))
		got := drainMessages(member.LocalClient)
		require.Len(t, got, 2)
		require.Equal(t, "332", got[0].Command)
		require.Equal(t, "333", got[1].Command)
	})
}
