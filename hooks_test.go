package main

import (
	"testing"

	"github.com/horgh/irc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHookPriorityOrder(t *testing.T) {
	a := newTestDaemon()

	var order []string
	a.Hooks.Subscribe(HookUserConnect, 10, func(a *Alder,
		ev *HookEvent) HookResult {
		order = append(order, "second")
		return HookPass
	})
	a.Hooks.Subscribe(HookUserConnect, 0, func(a *Alder,
		ev *HookEvent) HookResult {
		order = append(order, "first")
		return HookPass
	})
	a.Hooks.Subscribe(HookUserConnect, 10, func(a *Alder,
		ev *HookEvent) HookResult {
		order = append(order, "third")
		return HookPass
	})

	a.notifyHook(HookUserConnect, &HookEvent{})

	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestHookShortCircuit(t *testing.T) {
	a := newTestDaemon()

	ran := false
	a.Hooks.Subscribe(HookCheckJoin, 0, func(a *Alder,
		ev *HookEvent) HookResult {
		return HookDeny
	})
	a.Hooks.Subscribe(HookCheckJoin, 10, func(a *Alder,
		ev *HookEvent) HookResult {
		ran = true
		return HookPass
	})

	result := a.callHook(HookCheckJoin, &HookEvent{})

	assert.Equal(t, HookDeny, result)
	assert.False(t, ran, "deny must stop the chain")
}

func TestHookPanicIsPass(t *testing.T) {
	a := newTestDaemon()

	a.Hooks.Subscribe(HookPreCommand, 0, func(a *Alder,
		ev *HookEvent) HookResult {
		panic("subscriber bug")
	})

	// A panicking subscriber must not abort the server; the chain
	// treats it as pass-through.
	result := a.callHook(HookPreCommand, &HookEvent{})
	assert.Equal(t, HookPass, result)
}

// A pre-command deny swallows the command entirely.
func TestPreCommandHookDenies(t *testing.T) {
	a := newTestDaemon()
	lu := registerTestUser(t, a, "alice")

	a.Hooks.Subscribe(HookPreCommand, 0, func(a *Alder,
		ev *HookEvent) HookResult {
		if ev.Command == "JOIN" {
			return HookDeny
		}
		return HookPass
	})

	a.dispatchUserCommand(lu, irc.Message{Command: "JOIN",
		Params: []string{"#blocked"}})

	assert.NotContains(t, a.Channels, "#blocked")
}

// A pre-message hook can rewrite the text before delivery.
func TestPreMessageHookRewrites(t *testing.T) {
	a := newTestDaemon()
	alice := registerTestUser(t, a, "alice")
	bob := registerTestUser(t, a, "bob")
	joinChannel(t, a, alice, "#h", "")
	joinChannel(t, a, bob, "#h", "")
	drainMessages(bob.LocalClient)

	a.Hooks.Subscribe(HookPreMessage, 0, func(a *Alder,
		ev *HookEvent) HookResult {
		ev.Text = "[filtered]"
		return HookPass
	})

	a.dispatchUserCommand(alice, irc.Message{Command: "PRIVMSG",
		Params: []string{"#h", "something rude"}})

	msg := findMessage(drainMessages(bob.LocalClient), "PRIVMSG")
	require.NotNil(t, msg)
	assert.Equal(t, "[filtered]", msg.Params[1])
}

// An explicit allow from the join hook skips the ban checks.
func TestCheckJoinHookAllows(t *testing.T) {
	a := newTestDaemon()
	alice := registerTestUser(t, a, "alice")
	joinChannel(t, a, alice, "#h", "")

	a.dispatchUserCommand(alice, irc.Message{Command: "MODE",
		Params: []string{"#h", "+k", "secret"}})

	a.Hooks.Subscribe(HookCheckJoin, 0, func(a *Alder,
		ev *HookEvent) HookResult {
		return HookAllow
	})

	bob := registerTestUser(t, a, "bob")
	joinChannel(t, a, bob, "#h", "")

	assert.True(t, bob.User.onChannel(a.Channels["#h"]),
		"explicit allow must bypass the key")
}
