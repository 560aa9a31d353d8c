package main

import (
	"testing"

	"github.com/horgh/irc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func operFixture(t *testing.T, a *Alder, password string) {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(password),
		bcrypt.MinCost)
	require.NoError(t, err)

	a.Config.Opers["root"] = OperDefinition{
		Name: "root",
		Hash: string(hash),
		Mask: "*@*",
		Type: "admin",
	}
}

func TestOperSuccess(t *testing.T) {
	a := newTestDaemon()
	operFixture(t, a, "hunter2")
	lu := registerTestUser(t, a, "alice")
	link := registerTestLink(t, a, "2BB", "peer.example.com")
	drainMessages(link.LocalClient)

	a.dispatchUserCommand(lu, irc.Message{Command: "OPER",
		Params: []string{"root", "hunter2"}})

	msgs := drainMessages(lu.LocalClient)
	require.NotNil(t, findMessage(msgs, "381"), "wanted 381: %v",
		commandsOf(msgs))

	assert.True(t, lu.User.isOperator())
	assert.Equal(t, "admin", lu.User.OperType)
	assert.Contains(t, a.Opers, lu.User.UID)
	assert.True(t, lu.hasSnomask('k'))

	// Peers hear MODE +o and OPERTYPE.
	linkMsgs := drainMessages(link.LocalClient)
	require.NotNil(t, findMessage(linkMsgs, "OPERTYPE"))
	modeMsg := findMessage(linkMsgs, "MODE")
	require.NotNil(t, modeMsg)
	assert.Equal(t, "+o", modeMsg.Params[1])
}

func TestOperBadPassword(t *testing.T) {
	a := newTestDaemon()
	operFixture(t, a, "hunter2")
	lu := registerTestUser(t, a, "alice")

	a.dispatchUserCommand(lu, irc.Message{Command: "OPER",
		Params: []string{"root", "wrong"}})

	msgs := drainMessages(lu.LocalClient)
	require.NotNil(t, findMessage(msgs, "464"))
	assert.False(t, lu.User.isOperator())
}

func TestOperUnknownNameOrBadHost(t *testing.T) {
	a := newTestDaemon()
	operFixture(t, a, "hunter2")
	a.Config.Opers["locked"] = OperDefinition{
		Name: "locked",
		Hash: a.Config.Opers["root"].Hash,
		Mask: "*@10.9.9.9",
		Type: "admin",
	}
	lu := registerTestUser(t, a, "alice")

	a.dispatchUserCommand(lu, irc.Message{Command: "OPER",
		Params: []string{"nobody", "hunter2"}})
	require.NotNil(t,
		findMessage(drainMessages(lu.LocalClient), "491"))

	a.dispatchUserCommand(lu, irc.Message{Command: "OPER",
		Params: []string{"locked", "hunter2"}})
	require.NotNil(t,
		findMessage(drainMessages(lu.LocalClient), "491"))
	assert.False(t, lu.User.isOperator())
}

// Oper-only commands are gated by the dispatcher.
func TestOperOnlyGate(t *testing.T) {
	a := newTestDaemon()
	lu := registerTestUser(t, a, "alice")

	a.dispatchUserCommand(lu, irc.Message{Command: "KILL",
		Params: []string{"alice", "no"}})

	msgs := drainMessages(lu.LocalClient)
	require.NotNil(t, findMessage(msgs, "481"))
}

// A local oper KILL destroys the target and broadcasts the KILL.
func TestOperKill(t *testing.T) {
	a := newTestDaemon()
	operFixture(t, a, "hunter2")
	alice := registerTestUser(t, a, "alice")
	bob := registerTestUser(t, a, "bob")
	link := registerTestLink(t, a, "2BB", "peer.example.com")

	a.dispatchUserCommand(alice, irc.Message{Command: "OPER",
		Params: []string{"root", "hunter2"}})
	drainMessages(link.LocalClient)

	a.dispatchUserCommand(alice, irc.Message{Command: "KILL",
		Params: []string{"bob", "misbehaving"}})

	assert.Nil(t, a.userByNick("bob"))
	assert.NotContains(t, a.Users, bob.User.UID)

	linkMsgs := drainMessages(link.LocalClient)
	killMsg := findMessage(linkMsgs, "KILL")
	require.NotNil(t, killMsg)
	assert.Equal(t, string(bob.User.UID), killMsg.Params[0])
}

// GLINE adds a line, enforces it, and propagates ADDLINE; the bare
// mask form removes it with DELLINE.
func TestGlineAddRemove(t *testing.T) {
	a := newTestDaemon()
	operFixture(t, a, "hunter2")
	alice := registerTestUser(t, a, "alice")
	a.dispatchUserCommand(alice, irc.Message{Command: "OPER",
		Params: []string{"root", "hunter2"}})

	victim := registerTestUser(t, a, "victim")
	victim.User.Ident = "spam"
	victim.User.Hostname = "spam.example.com"

	link := registerTestLink(t, a, "2BB", "peer.example.com")
	drainMessages(link.LocalClient)

	a.dispatchUserCommand(alice, irc.Message{Command: "GLINE",
		Params: []string{"600", "spam@spam.example.com", "flooding"}})

	require.Len(t, a.XLines, 1)
	assert.Equal(t, XLineG, a.XLines[0].Type)
	assert.Equal(t, int64(600), a.XLines[0].Duration)
	assert.Nil(t, a.userByNick("victim"), "G-line must disconnect")

	addline := findMessage(drainMessages(link.LocalClient), "ADDLINE")
	require.NotNil(t, addline)
	assert.Equal(t, "G", addline.Params[0])

	a.dispatchUserCommand(alice, irc.Message{Command: "GLINE",
		Params: []string{"spam@spam.example.com"}})
	assert.Empty(t, a.XLines)
	require.NotNil(t,
		findMessage(drainMessages(link.LocalClient), "DELLINE"))
}

// An oper SQUIT on a direct link tears it down.
func TestOperSquit(t *testing.T) {
	a := newTestDaemon()
	operFixture(t, a, "hunter2")
	alice := registerTestUser(t, a, "alice")
	a.dispatchUserCommand(alice, irc.Message{Command: "OPER",
		Params: []string{"root", "hunter2"}})

	registerTestLink(t, a, "2BB", "peer.example.com")
	require.Contains(t, a.Servers, SID("2BB"))

	a.dispatchUserCommand(alice, irc.Message{Command: "SQUIT",
		Params: []string{"peer.example.com", "admin request"}})

	assert.NotContains(t, a.Servers, SID("2BB"))
}
