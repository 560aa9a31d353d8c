package main

import (
	"testing"

	"github.com/horgh/irc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// FMODE at equal TS applies and propagates.
func TestFModeEqualTSApplies(t *testing.T) {
	a := newTestDaemon()
	alice := registerTestUser(t, a, "alice")
	joinChannel(t, a, alice, "#f", "")
	channel := a.Channels["#f"]
	channel.TS = 1000

	link := registerTestLink(t, a, "2BB", "peer.example.com")
	other := registerTestLink(t, a, "3CC", "third.example.com")
	drainMessages(link.LocalClient)
	drainMessages(other.LocalClient)

	link.handleMessage(irc.Message{
		Prefix:  "2BB",
		Command: "FMODE",
		Params:  []string{"#f", "1000", "+nt"},
	})

	assert.True(t, channel.hasMode('n'))
	assert.True(t, channel.hasMode('t'))

	// Propagated onward, not back.
	require.NotNil(t,
		findMessage(drainMessages(other.LocalClient), "FMODE"))
	assert.Nil(t,
		findMessage(drainMessages(link.LocalClient), "FMODE"))
}

// FMODE at equal TS with a parameter conflict: the deterministic
// comparison keeps the higher value and bounces it to the sender so
// both sides converge without replay.
func TestFModeEqualTSParameterConflict(t *testing.T) {
	a := newTestDaemon()
	alice := registerTestUser(t, a, "alice")
	joinChannel(t, a, alice, "#f", "")
	channel := a.Channels["#f"]
	channel.TS = 1000
	channel.Key = "zebra"

	link := registerTestLink(t, a, "2BB", "peer.example.com")
	drainMessages(link.LocalClient)

	link.handleMessage(irc.Message{
		Prefix:  "2BB",
		Command: "FMODE",
		Params:  []string{"#f", "1000", "+k", "apple"},
	})

	// zebra > apple: ours stands and gets bounced back.
	assert.Equal(t, "zebra", channel.Key)

	bounce := findMessage(drainMessages(link.LocalClient), "FMODE")
	require.NotNil(t, bounce)
	assert.Equal(t, []string{"#f", "1000", "+k", "zebra"}, bounce.Params)

	// The lower key loses the comparison on the other side too.
	channel.Key = "apple"
	link.handleMessage(irc.Message{
		Prefix:  "2BB",
		Command: "FMODE",
		Params:  []string{"#f", "1000", "+k", "zebra"},
	})
	assert.Equal(t, "zebra", channel.Key)
}

// FMODE with a TS below ours is not applied; we answer with a
// reinforcement of our current state, sent only to the sender.
func TestFModeLowerTSReinforces(t *testing.T) {
	a := newTestDaemon()
	alice := registerTestUser(t, a, "alice")
	joinChannel(t, a, alice, "#f", "")
	channel := a.Channels["#f"]
	channel.TS = 1000
	channel.Modes['n'] = struct{}{}

	link := registerTestLink(t, a, "2BB", "peer.example.com")
	other := registerTestLink(t, a, "3CC", "third.example.com")
	drainMessages(link.LocalClient)
	drainMessages(other.LocalClient)

	link.handleMessage(irc.Message{
		Prefix:  "2BB",
		Command: "FMODE",
		Params:  []string{"#f", "900", "-n+t"},
	})

	// State unchanged.
	assert.True(t, channel.hasMode('n'))
	assert.False(t, channel.hasMode('t'))

	// The sender got a reinforcement: +n (still set here), -t (not
	// set here). Nothing went to the third server.
	bounce := findMessage(drainMessages(link.LocalClient), "FMODE")
	require.NotNil(t, bounce)
	assert.Equal(t, "#f", bounce.Params[0])
	assert.Equal(t, "1000", bounce.Params[1])
	assert.Equal(t, "+n-t", bounce.Params[2])

	assert.Nil(t, findMessage(drainMessages(other.LocalClient), "FMODE"))
}

// A U-lined sender bypasses the TS check entirely.
func TestFModeULineBypassesTS(t *testing.T) {
	a := newTestDaemon()
	a.Config.ULines["services.example.com"] = struct{}{}

	alice := registerTestUser(t, a, "alice")
	joinChannel(t, a, alice, "#f", "")
	channel := a.Channels["#f"]
	channel.TS = 1000

	link := registerTestLink(t, a, "9SV", "services.example.com")
	drainMessages(link.LocalClient)

	link.handleMessage(irc.Message{
		Prefix:  "9SV",
		Command: "FMODE",
		Params:  []string{"#f", "900", "+t"},
	})

	assert.True(t, channel.hasMode('t'),
		"U-lined mode change must apply regardless of TS")
}

// FMODE against a user applies only at an exact nick-TS match.
func TestFModeUserTSCheck(t *testing.T) {
	a := newTestDaemon()
	bob := registerTestUser(t, a, "bob")
	bob.User.NickTS = 1000

	link := registerTestLink(t, a, "2BB", "peer.example.com")
	drainMessages(link.LocalClient)

	link.handleMessage(irc.Message{
		Prefix:  "2BB",
		Command: "FMODE",
		Params:  []string{string(bob.User.UID), "999", "+w"},
	})
	assert.False(t, bob.User.hasMode('w'), "stale TS must not apply")

	link.handleMessage(irc.Message{
		Prefix:  "2BB",
		Command: "FMODE",
		Params:  []string{string(bob.User.UID), "1000", "+w"},
	})
	assert.True(t, bob.User.hasMode('w'))
}

// FTOPIC applies when the incoming TS is no older than ours, or when
// we have no topic at all.
func TestFTopic(t *testing.T) {
	a := newTestDaemon()
	alice := registerTestUser(t, a, "alice")
	joinChannel(t, a, alice, "#t", "")
	channel := a.Channels["#t"]

	link := registerTestLink(t, a, "2BB", "peer.example.com")
	drainMessages(link.LocalClient)

	// No topic set: anything lands.
	link.handleMessage(irc.Message{
		Prefix:  "2BB",
		Command: "FTOPIC",
		Params:  []string{"#t", "500", "setter!s@s", "old topic"},
	})
	assert.Equal(t, "old topic", channel.Topic)
	assert.Equal(t, int64(500), channel.TopicTS)

	// An older topic than the current one is refused.
	link.handleMessage(irc.Message{
		Prefix:  "2BB",
		Command: "FTOPIC",
		Params:  []string{"#t", "400", "setter!s@s", "stale"},
	})
	assert.Equal(t, "old topic", channel.Topic)

	// A newer topic wins.
	link.handleMessage(irc.Message{
		Prefix:  "2BB",
		Command: "FTOPIC",
		Params:  []string{"#t", "600", "other!s@s", "new topic"},
	})
	assert.Equal(t, "new topic", channel.Topic)
	assert.Equal(t, "other!s@s", channel.TopicSetter)
}

// Remote PRIVMSG reaches local members and routes toward other
// links only when members live there.
func TestRemotePrivmsg(t *testing.T) {
	a := newTestDaemon()
	alice := registerTestUser(t, a, "alice")
	joinChannel(t, a, alice, "#p", "")

	link := registerTestLink(t, a, "2BB", "peer.example.com")
	other := registerTestLink(t, a, "3CC", "third.example.com")
	remc := introduceTestUser(t, a, link, "2BBAAAAAC", "remc", 500,
		"c", "h")
	require.NotNil(t, remc)

	link.handleMessage(irc.Message{
		Prefix:  "2BB",
		Command: "FJOIN",
		Params:  []string{"#p", "99999", "+", ",2BBAAAAAC"},
	})
	drainMessages(alice.LocalClient)
	drainMessages(other.LocalClient)

	link.handleMessage(irc.Message{
		Prefix:  "2BBAAAAAC",
		Command: "PRIVMSG",
		Params:  []string{"#p", "hello from afar"},
	})

	msg := findMessage(drainMessages(alice.LocalClient), "PRIVMSG")
	require.NotNil(t, msg)
	assert.Equal(t, remc.nickUhost(), msg.Prefix)
	assert.Equal(t, "hello from afar", msg.Params[1])

	// No members behind the third link: nothing routed there.
	assert.Nil(t,
		findMessage(drainMessages(other.LocalClient), "PRIVMSG"))
}

// ADDLINE during a burst defers enforcement until ENDBURST.
func TestAddLineDeferredDuringBurst(t *testing.T) {
	a := newTestDaemon()
	victim := registerTestUser(t, a, "victim")
	victim.User.Ident = "banned"
	victim.User.Hostname = "evil.example.com"

	link := registerTestLink(t, a, "2BB", "peer.example.com")
	link.Server.Bursting = true
	drainMessages(link.LocalClient)

	link.handleMessage(irc.Message{
		Prefix:  "2BB",
		Command: "ADDLINE",
		Params: []string{"G", "banned@evil.example.com", "oper", "500",
			"0", "bad people"},
	})

	// Stored but not yet enforced.
	require.NotNil(t, a.userByNick("victim"))
	require.Len(t, a.XLines, 1)

	link.handleMessage(irc.Message{
		Prefix:  "2BB",
		Command: "ENDBURST",
	})

	assert.Nil(t, a.userByNick("victim"),
		"G-line must apply at ENDBURST")
}
