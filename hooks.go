package main

import (
	"log"
	"sort"
)

// HookID enumerates the events behavior extensions can subscribe to.
type HookID int

const (
	// HookPreRegister runs before a connection completes user
	// registration. A deny rejects the connection.
	HookPreRegister HookID = iota

	// HookUserConnect fires once a local user registers.
	HookUserConnect

	// HookUserQuit fires as a user is destroyed, before map removal.
	HookUserQuit

	// HookUserNick fires after a nick change commits.
	HookUserNick

	// HookPreCommand runs before dispatch. A deny swallows the
	// command.
	HookPreCommand

	// HookPostCommand fires after a handler returns success.
	HookPostCommand

	// HookCheckJoin may override the key/invite/limit/ban checks. An
	// explicit allow skips them all.
	HookCheckJoin

	// HookCheckBan may override ban matching on join.
	HookCheckBan

	// HookUserJoin fires after a join commits.
	HookUserJoin

	// HookUserPart fires after a part commits.
	HookUserPart

	// HookPreMessage runs before PRIVMSG/NOTICE delivery. A deny
	// drops the message. Subscribers may rewrite the text.
	HookPreMessage

	// HookTopicChange fires after a topic change commits.
	HookTopicChange

	// HookModeChange fires per committed mode change.
	HookModeChange

	// HookXLineMatch fires when an X-line disconnects a user.
	HookXLineMatch

	// HookSyncChannel fires per channel during netburst send, letting
	// subscribers append METADATA.
	HookSyncChannel

	hookCount
)

// HookResult is the tri-valued predicate convention.
type HookResult int

const (
	// HookAllow short circuits remaining subscribers and permits the
	// action.
	HookAllow HookResult = -1

	// HookPass defers to the next subscriber.
	HookPass HookResult = 0

	// HookDeny stops the chain and fails the action.
	HookDeny HookResult = 1
)

// HookEvent carries the subjects of a hook call. Which fields are set
// depends on the hook.
type HookEvent struct {
	User    *User
	Target  *User
	Channel *Channel
	Server  *Server

	// Command and Params for command hooks; Text for message hooks
	// (subscribers may rewrite it).
	Command string
	Params  []string
	Text    string

	// Mode change details for HookModeChange.
	Adding bool
	Mode   byte
	Param  string
}

// HookFn is a hook subscriber. Notification hooks ignore the result.
type HookFn func(a *Alder, ev *HookEvent) HookResult

type hookSub struct {
	priority int
	seq      int
	fn       HookFn
}

// HookRegistry holds per-event ordered subscriber lists.
type HookRegistry struct {
	subs [hookCount][]hookSub
	seq  int
}

// Subscribe registers fn for the event. Lower priority runs first;
// ties run in subscription order.
func (r *HookRegistry) Subscribe(id HookID, priority int, fn HookFn) {
	r.seq++
	subs := append(r.subs[id], hookSub{priority: priority, seq: r.seq, fn: fn})
	sort.SliceStable(subs, func(i, j int) bool {
		if subs[i].priority != subs[j].priority {
			return subs[i].priority < subs[j].priority
		}
		return subs[i].seq < subs[j].seq
	})
	r.subs[id] = subs
}

// call runs a predicate hook chain. The first explicit allow or deny
// wins; otherwise pass.
//
// Subscribers must be idempotent with respect to re-entry: a hook may
// trigger operations that fire more hooks.
func (a *Alder) callHook(id HookID, ev *HookEvent) HookResult {
	for _, sub := range a.Hooks.subs[id] {
		result := runHook(a, sub.fn, ev)
		if result != HookPass {
			return result
		}
	}
	return HookPass
}

// notifyHook runs a notification hook. All subscribers run to
// completion; results are ignored.
func (a *Alder) notifyHook(id HookID, ev *HookEvent) {
	for _, sub := range a.Hooks.subs[id] {
		runHook(a, sub.fn, ev)
	}
}

// runHook guards a single subscriber. A panicking subscriber is
// logged and treated as pass; hook failures never abort the server.
func runHook(a *Alder, fn HookFn, ev *HookEvent) (result HookResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Hook subscriber panic: %v", r)
			result = HookPass
		}
	}()
	return fn(a, ev)
}
