package main

import (
	"fmt"
	"strings"
	"testing"

	"github.com/horgh/irc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func joinChannel(t *testing.T, a *Alder, lu *LocalUser, name, key string) {
	t.Helper()
	params := []string{name}
	if len(key) > 0 {
		params = append(params, key)
	}
	a.dispatchUserCommand(lu, irc.Message{Command: "JOIN", Params: params})
}

// Creating a channel makes the creator an op; a second joiner comes
// in bare. Membership is mirrored between user and channel.
func TestJoinCreatesChannel(t *testing.T) {
	a := newTestDaemon()
	alice := registerTestUser(t, a, "alice")
	bob := registerTestUser(t, a, "bob")

	joinChannel(t, a, alice, "#test", "")

	channel, exists := a.Channels["#test"]
	require.True(t, exists)
	assert.True(t, channel.status(alice.User.UID).has(StatusOp))

	joinChannel(t, a, bob, "#test", "")
	assert.Equal(t, MemberStatus(0), channel.status(bob.User.UID))

	// Mirror invariant: each membership appears on both sides.
	for uid := range channel.Members {
		member := a.Users[uid]
		require.NotNil(t, member)
		_, onChan := member.Channels[channel.Name]
		assert.True(t, onChan, "member %s lacks back reference", uid)
	}

	// Both sides heard both JOINs.
	bobMsgs := drainMessages(bob.LocalClient)
	joinMsg := findMessage(bobMsgs, "JOIN")
	require.NotNil(t, joinMsg)

	// The second joiner got NAMES with the op prefix visible.
	names := findMessage(bobMsgs, "353")
	require.NotNil(t, names)
	assert.Contains(t, names.Params[len(names.Params)-1], "@alice")
}

// The last member leaving destroys the channel.
func TestPartDestroysEmptyChannel(t *testing.T) {
	a := newTestDaemon()
	alice := registerTestUser(t, a, "alice")

	joinChannel(t, a, alice, "#test", "")
	require.Contains(t, a.Channels, "#test")

	a.dispatchUserCommand(alice, irc.Message{Command: "PART",
		Params: []string{"#test"}})

	assert.NotContains(t, a.Channels, "#test")
	assert.NotContains(t, alice.User.Channels, "#test")
}

// Quit removes the user from every channel and from the maps, with
// one QUIT per co-channel user.
func TestQuitCleansUp(t *testing.T) {
	a := newTestDaemon()
	alice := registerTestUser(t, a, "alice")
	bob := registerTestUser(t, a, "bob")

	joinChannel(t, a, alice, "#one", "")
	joinChannel(t, a, alice, "#two", "")
	joinChannel(t, a, bob, "#one", "")
	joinChannel(t, a, bob, "#two", "")
	drainMessages(bob.LocalClient)

	uid := alice.User.UID
	a.dispatchUserCommand(alice, irc.Message{Command: "QUIT",
		Params: []string{"bye"}})

	assert.NotContains(t, a.Users, uid)
	assert.NotContains(t, a.Nicks, "alice")
	assert.NotContains(t, a.Channels["#one"].Members, uid)
	assert.NotContains(t, a.Channels["#two"].Members, uid)

	// Bob shares two channels but hears exactly one QUIT.
	quits := 0
	for _, m := range drainMessages(bob.LocalClient) {
		if m.Command == "QUIT" {
			quits++
			assert.Equal(t, "Quit: bye", m.Params[0])
		}
	}
	assert.Equal(t, 1, quits)
}

// Scenario: channel key enforced, then bypassed by an oper with the
// override permission, with a snomask G notice.
func TestJoinKeyAndOperOverride(t *testing.T) {
	a := newTestDaemon()
	alice := registerTestUser(t, a, "alice")
	joinChannel(t, a, alice, "#k", "")

	channel := a.Channels["#k"]
	a.dispatchUserCommand(alice, irc.Message{Command: "MODE",
		Params: []string{"#k", "+k", "secret"}})
	require.Equal(t, "secret", channel.Key)

	bob := registerTestUser(t, a, "bob")
	joinChannel(t, a, bob, "#k", "wrong")

	msgs := drainMessages(bob.LocalClient)
	numeric := findMessage(msgs, "475")
	require.NotNil(t, numeric, "wrong key should draw 475: %v",
		commandsOf(msgs))
	assert.Equal(t, "Cannot join channel (+k)",
		numeric.Params[len(numeric.Params)-1])
	assert.False(t, bob.User.onChannel(channel))

	// Oper up with override and join without the key.
	a.makeOper(bob, "admin")
	drainMessages(bob.LocalClient)

	joinChannel(t, a, bob, "#k", "")
	assert.True(t, bob.User.onChannel(channel))

	// The override emitted a snomask G notice to subscribed opers.
	found := false
	for _, m := range drainMessages(bob.LocalClient) {
		if m.Command == "NOTICE" &&
			len(m.Params) > 1 &&
			strings.Contains(m.Params[1], "G: ") &&
			strings.Contains(m.Params[1], "override") {
			found = true
		}
	}
	assert.True(t, found, "override should emit a snomask G notice")
}

// Scenario: the list mode cap. 64 bans accepted, the 65th draws 478
// and leaves state unchanged.
func TestBanListCap(t *testing.T) {
	a := newTestDaemon()
	alice := registerTestUser(t, a, "alice")
	joinChannel(t, a, alice, "#cap", "")
	channel := a.Channels["#cap"]

	for i := 0; i < 64; i++ {
		a.dispatchUserCommand(alice, irc.Message{Command: "MODE",
			Params: []string{"#cap", "+b",
				fmt.Sprintf("bad%d!*@*", i)}})
	}
	require.Len(t, channel.listEntries('b'), 64)
	drainMessages(alice.LocalClient)

	a.dispatchUserCommand(alice, irc.Message{Command: "MODE",
		Params: []string{"#cap", "+b", "bad64!*@*"}})

	msgs := drainMessages(alice.LocalClient)
	numeric := findMessage(msgs, "478")
	require.NotNil(t, numeric, "65th ban should draw 478: %v",
		commandsOf(msgs))
	assert.Equal(t, "Channel ban/ignore list is full",
		numeric.Params[len(numeric.Params)-1])
	assert.Len(t, channel.listEntries('b'), 64)
}

// Ban masks canonicalize and dedupe case-insensitively.
func TestBanCanonicalization(t *testing.T) {
	a := newTestDaemon()
	alice := registerTestUser(t, a, "alice")
	joinChannel(t, a, alice, "#b", "")
	channel := a.Channels["#b"]

	a.dispatchUserCommand(alice, irc.Message{Command: "MODE",
		Params: []string{"#b", "+b", "Evil"}})
	require.Len(t, channel.listEntries('b'), 1)
	assert.Equal(t, "evil!*@*", channel.listEntries('b')[0].Mask)

	// The same mask in different case is a duplicate.
	a.dispatchUserCommand(alice, irc.Message{Command: "MODE",
		Params: []string{"#b", "+b", "EVIL!*@*"}})
	assert.Len(t, channel.listEntries('b'), 1)

	// Extbans store verbatim.
	a.dispatchUserCommand(alice, irc.Message{Command: "MODE",
		Params: []string{"#b", "+b", "O:Oper*"}})
	assert.Equal(t, "O:Oper*", channel.listEntries('b')[1].Mask)
}

// A banned user cannot join unless a matching except exists.
func TestJoinBanAndExcept(t *testing.T) {
	a := newTestDaemon()
	alice := registerTestUser(t, a, "alice")
	joinChannel(t, a, alice, "#b", "")
	channel := a.Channels["#b"]

	a.dispatchUserCommand(alice, irc.Message{Command: "MODE",
		Params: []string{"#b", "+b", "bob!*@*"}})

	bob := registerTestUser(t, a, "bob")
	joinChannel(t, a, bob, "#b", "")

	msgs := drainMessages(bob.LocalClient)
	require.NotNil(t, findMessage(msgs, "474"), "banned join: %v",
		commandsOf(msgs))
	assert.False(t, bob.User.onChannel(channel))

	a.dispatchUserCommand(alice, irc.Message{Command: "MODE",
		Params: []string{"#b", "+e", "bob!*@*"}})

	joinChannel(t, a, bob, "#b", "")
	assert.True(t, bob.User.onChannel(channel))
}

// Mode round trip: setting then unsetting restores original state.
func TestModeRoundTrip(t *testing.T) {
	a := newTestDaemon()
	alice := registerTestUser(t, a, "alice")
	bob := registerTestUser(t, a, "bob")
	joinChannel(t, a, alice, "#m", "")
	joinChannel(t, a, bob, "#m", "")
	channel := a.Channels["#m"]

	before := channel.modesString(true)
	beforeStatus := channel.status(bob.User.UID)

	a.dispatchUserCommand(alice, irc.Message{Command: "MODE",
		Params: []string{"#m", "+mikl", "s3cret", "10"}})
	a.dispatchUserCommand(alice, irc.Message{Command: "MODE",
		Params: []string{"#m", "+ov", "bob", "bob"}})

	assert.True(t, channel.hasMode('m'))
	assert.True(t, channel.hasMode('i'))
	assert.Equal(t, "s3cret", channel.Key)
	assert.Equal(t, 10, channel.Limit)
	assert.True(t, channel.status(bob.User.UID).has(StatusOp))
	assert.True(t, channel.status(bob.User.UID).has(StatusVoice))

	a.dispatchUserCommand(alice, irc.Message{Command: "MODE",
		Params: []string{"#m", "-mikl", "s3cret"}})
	a.dispatchUserCommand(alice, irc.Message{Command: "MODE",
		Params: []string{"#m", "-ov", "bob", "bob"}})

	assert.Equal(t, before, channel.modesString(true))
	assert.Equal(t, beforeStatus, channel.status(bob.User.UID))
}

// Non-ops cannot change channel modes.
func TestModeRequiresOp(t *testing.T) {
	a := newTestDaemon()
	alice := registerTestUser(t, a, "alice")
	bob := registerTestUser(t, a, "bob")
	joinChannel(t, a, alice, "#m", "")
	joinChannel(t, a, bob, "#m", "")
	drainMessages(bob.LocalClient)

	a.dispatchUserCommand(bob, irc.Message{Command: "MODE",
		Params: []string{"#m", "+t"}})

	msgs := drainMessages(bob.LocalClient)
	require.NotNil(t, findMessage(msgs, "482"), "non-op mode: %v",
		commandsOf(msgs))
	assert.False(t, a.Channels["#m"].hasMode('t'))
}

// Topic with +t requires channel op; topic state records the triple.
func TestTopic(t *testing.T) {
	a := newTestDaemon()
	alice := registerTestUser(t, a, "alice")
	bob := registerTestUser(t, a, "bob")
	joinChannel(t, a, alice, "#t", "")
	joinChannel(t, a, bob, "#t", "")
	channel := a.Channels["#t"]

	a.dispatchUserCommand(alice, irc.Message{Command: "MODE",
		Params: []string{"#t", "+t"}})

	drainMessages(bob.LocalClient)
	a.dispatchUserCommand(bob, irc.Message{Command: "TOPIC",
		Params: []string{"#t", "bob was here"}})
	require.NotNil(t,
		findMessage(drainMessages(bob.LocalClient), "482"))
	assert.Equal(t, "", channel.Topic)

	a.dispatchUserCommand(alice, irc.Message{Command: "TOPIC",
		Params: []string{"#t", "release day"}})
	assert.Equal(t, "release day", channel.Topic)
	assert.Equal(t, alice.User.nickUhost(), channel.TopicSetter)
	assert.NotZero(t, channel.TopicTS)

	// Both members heard the TOPIC.
	require.NotNil(t,
		findMessage(drainMessages(bob.LocalClient), "TOPIC"))
}

// Kick requires rank and respects protection.
func TestKickRanks(t *testing.T) {
	a := newTestDaemon()
	alice := registerTestUser(t, a, "alice")
	bob := registerTestUser(t, a, "bob")
	joinChannel(t, a, alice, "#k", "")
	joinChannel(t, a, bob, "#k", "")
	channel := a.Channels["#k"]

	// Bob (no status) cannot kick.
	drainMessages(bob.LocalClient)
	a.dispatchUserCommand(bob, irc.Message{Command: "KICK",
		Params: []string{"#k", "alice"}})
	require.NotNil(t,
		findMessage(drainMessages(bob.LocalClient), "482"))

	// Bob gains protection (+a is founder/services territory, so set
	// it as a server would); now alice cannot kick him.
	channel.setStatus(bob.User.UID, StatusProtected, true)
	require.True(t, channel.status(bob.User.UID).has(StatusProtected))

	drainMessages(alice.LocalClient)
	a.dispatchUserCommand(alice, irc.Message{Command: "KICK",
		Params: []string{"#k", "bob"}})
	require.NotNil(t,
		findMessage(drainMessages(alice.LocalClient), "484"))
	assert.True(t, bob.User.onChannel(channel))

	// Bob (protected, but not op) kicks nobody; give him ops and he
	// can kick alice (op rank equal).
	a.dispatchUserCommand(alice, irc.Message{Command: "MODE",
		Params: []string{"#k", "+o", "bob"}})
	a.dispatchUserCommand(bob, irc.Message{Command: "KICK",
		Params: []string{"#k", "alice", "out"}})
	assert.False(t, alice.User.onChannel(channel))
}

// Invite lets a user through +i.
func TestInvite(t *testing.T) {
	a := newTestDaemon()
	alice := registerTestUser(t, a, "alice")
	bob := registerTestUser(t, a, "bob")
	joinChannel(t, a, alice, "#i", "")
	channel := a.Channels["#i"]

	a.dispatchUserCommand(alice, irc.Message{Command: "MODE",
		Params: []string{"#i", "+i"}})

	joinChannel(t, a, bob, "#i", "")
	require.NotNil(t,
		findMessage(drainMessages(bob.LocalClient), "473"))
	require.False(t, bob.User.onChannel(channel))

	a.dispatchUserCommand(alice, irc.Message{Command: "INVITE",
		Params: []string{"bob", "#i"}})
	require.NotNil(t,
		findMessage(drainMessages(alice.LocalClient), "341"))
	require.NotNil(t,
		findMessage(drainMessages(bob.LocalClient), "INVITE"))

	joinChannel(t, a, bob, "#i", "")
	assert.True(t, bob.User.onChannel(channel))
}

// PRIVMSG fans out to members but not the sender; +n blocks outside
// senders; +m silences the unvoiced.
func TestPrivmsgChannel(t *testing.T) {
	a := newTestDaemon()
	alice := registerTestUser(t, a, "alice")
	bob := registerTestUser(t, a, "bob")
	carol := registerTestUser(t, a, "carol")
	joinChannel(t, a, alice, "#p", "")
	joinChannel(t, a, bob, "#p", "")
	drainMessages(alice.LocalClient)
	drainMessages(bob.LocalClient)

	a.dispatchUserCommand(alice, irc.Message{Command: "PRIVMSG",
		Params: []string{"#p", "hello"}})

	bobMsgs := drainMessages(bob.LocalClient)
	msg := findMessage(bobMsgs, "PRIVMSG")
	require.NotNil(t, msg)
	assert.Equal(t, []string{"#p", "hello"}, msg.Params)
	assert.Equal(t, alice.User.nickUhost(), msg.Prefix)
	assert.Nil(t, findMessage(drainMessages(alice.LocalClient),
		"PRIVMSG"), "sender should not echo")

	// Outside sender blocked by +n (set it first).
	a.dispatchUserCommand(alice, irc.Message{Command: "MODE",
		Params: []string{"#p", "+n"}})
	a.dispatchUserCommand(carol, irc.Message{Command: "PRIVMSG",
		Params: []string{"#p", "psst"}})
	require.NotNil(t,
		findMessage(drainMessages(carol.LocalClient), "404"))

	// +m silences bob.
	a.dispatchUserCommand(alice, irc.Message{Command: "MODE",
		Params: []string{"#p", "+m"}})
	drainMessages(bob.LocalClient)
	a.dispatchUserCommand(bob, irc.Message{Command: "PRIVMSG",
		Params: []string{"#p", "quiet?"}})
	require.NotNil(t,
		findMessage(drainMessages(bob.LocalClient), "404"))

	// Voice lets him speak again.
	a.dispatchUserCommand(alice, irc.Message{Command: "MODE",
		Params: []string{"#p", "+v", "bob"}})
	drainMessages(bob.LocalClient)
	a.dispatchUserCommand(bob, irc.Message{Command: "PRIVMSG",
		Params: []string{"#p", "better"}})
	assert.Nil(t, findMessage(drainMessages(bob.LocalClient), "404"))
}

// The comma target loop dispatches per channel and respects the
// max targets bound.
func TestLoopCall(t *testing.T) {
	a := newTestDaemon()
	alice := registerTestUser(t, a, "alice")

	a.dispatchUserCommand(alice, irc.Message{Command: "JOIN",
		Params: []string{"#one,#two,#three"}})

	assert.Contains(t, a.Channels, "#one")
	assert.Contains(t, a.Channels, "#two")
	assert.Contains(t, a.Channels, "#three")

	// MaxTargets is 4 in the test config.
	drainMessages(alice.LocalClient)
	a.dispatchUserCommand(alice, irc.Message{Command: "JOIN",
		Params: []string{"#a,#b,#c,#d,#e"}})
	require.NotNil(t,
		findMessage(drainMessages(alice.LocalClient), "407"))
	assert.NotContains(t, a.Channels, "#a")
}
