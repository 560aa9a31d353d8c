package main

import "fmt"

// CollisionOutcome says which side of a nick collision dies.
type CollisionOutcome int

const (
	// KillLocal removes the existing user; the incoming introduction
	// is accepted.
	KillLocal CollisionOutcome = iota

	// KillRemote rejects the introduction; the existing user stays.
	KillRemote

	// KillBoth removes both.
	KillBoth
)

func (o CollisionOutcome) String() string {
	switch o {
	case KillLocal:
		return "kill local"
	case KillRemote:
		return "kill remote"
	}
	return "kill both"
}

// decideCollision applies the timestamp collision rules to a remote
// introduction clashing with an existing user.
//
// The rule is symmetric: given identical inputs every server in the
// network computes the same outcome, so no confirmation traffic is
// needed.
//
// sameUserhost is whether the two identities share user@host. If they
// do, the collision is likely the same person reconnecting, and the
// OLDER introduction is the stale one. If they don't, it's two
// different people, and the NEWER nick change loses.
func decideCollision(sameUserhost bool, newTS, oldTS int64) CollisionOutcome {
	if newTS == oldTS {
		return KillBoth
	}

	if sameUserhost {
		if newTS < oldTS {
			return KillLocal
		}
		return KillRemote
	}

	if newTS > oldTS {
		return KillLocal
	}
	return KillRemote
}

// collideNick resolves a remote introduction (newUID/newTS/user@host)
// against the existing holder of the same nick. from is the link the
// introduction arrived on.
//
// It reports whether the introduction should be accepted.
func (a *Alder) collideNick(from *LocalServer, existing *User, newUID UID,
	newTS int64, newIdent, newHost string) bool {

	sameUserhost := canonicalize(a.Config.CaseMapping, existing.Ident) ==
		canonicalize(a.Config.CaseMapping, newIdent) &&
		canonicalize(a.Config.CaseMapping, existing.Hostname) ==
			canonicalize(a.Config.CaseMapping, newHost)

	outcome := decideCollision(sameUserhost, newTS, existing.NickTS)

	a.noticeOpers(fmt.Sprintf("Nick collision on %s (%s vs %s): %s",
		existing.DisplayNick, newUID, existing.UID, outcome))

	if existing.isLocal() && outcome != KillRemote {
		// 436 ERR_NICKCOLLISION
		existing.LocalUser.messageFromServer("436",
			[]string{existing.DisplayNick, "Nickname collision KILL"})
	}

	switch outcome {
	case KillLocal:
		a.killUser(existing, nil, "Nickname collision")
		return true

	case KillRemote:
		a.sendKill(from, newUID, "Nickname collision")
		return false

	default:
		a.sendKill(from, newUID, "Nickname collision")
		a.killUser(existing, nil, "Nickname collision")
		return false
	}
}

// sendKill sends a server-sourced KILL for a UID down one link only.
// Used against colliding introductions: the KILL goes back the way
// the introduction came and is not forwarded further.
func (a *Alder) sendKill(to *LocalServer, uid UID, reason string) {
	to.maybeQueueMessage(newMessage(string(a.Config.SID), "KILL",
		string(uid), reason))
}

// killUser removes a user from the network with a kill. source is nil
// for server-sourced kills. The removal generates QUIT fanout to
// local users and, for our own users, a QUIT to all peers.
func (a *Alder) killUser(u *User, source *User, reason string) {
	killer := a.Config.ServerName
	if source != nil {
		killer = source.DisplayNick
	}

	quitReason := fmt.Sprintf("Killed (%s (%s))", killer, reason)

	if u.isLocal() {
		u.LocalUser.messageFromServer("KILL",
			[]string{u.DisplayNick, reason})
		u.LocalUser.quit(quitReason, true)
		return
	}

	// Remote user. Drop our record; the KILL we send (or saw) handles
	// the rest of the network.
	a.removeUser(u, quitReason)
}
