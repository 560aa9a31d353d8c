package main

import (
	"fmt"

	"github.com/horgh/irc"
)

// MODE command applies either to nicknames or to channels.
func (u *LocalUser) modeCommand(m irc.Message) CommandResult {
	a := u.Alder

	target := m.Params[0]

	if targetUser := a.userByNick(target); targetUser != nil {
		return u.userModeCommand(targetUser, m.Params[1:])
	}

	if channel, exists := a.Channels[a.canonicalizeChannel(
		target)]; exists {
		return u.channelModeCommand(channel, m.Params[1:])
	}

	// 403 ERR_NOSUCHCHANNEL
	u.messageFromServer("403", []string{target, "No such channel"})
	return CmdFailure
}

func (u *LocalUser) userModeCommand(targetUser *User,
	params []string) CommandResult {
	a := u.Alder

	// They can only change (or view) their own mode.
	if targetUser != u.User {
		// 502 ERR_USERSDONTMATCH
		u.messageFromServer("502", []string{
			"Cannot change mode for other users"})
		return CmdFailure
	}

	// No modes given means we should send back their current mode.
	if len(params) == 0 {
		// 221 RPL_UMODEIS
		u.messageFromServer("221", []string{u.User.modesString()})
		return CmdSuccess
	}

	changes, unknown := a.Modes.parseModeChanges(UserMode, params)

	var stacker ModeStacker
	for _, change := range changes {
		h := a.Modes.find(UserMode, change.Letter)

		if h.Change != nil && !h.Change(a, ModeSource{User: u.User},
			nil, change.Adding, &change.Param) {
			continue
		}

		if change.Adding {
			if u.User.hasMode(change.Letter) {
				continue
			}
			u.User.Modes[change.Letter] = struct{}{}
		} else {
			if !u.User.hasMode(change.Letter) {
				continue
			}
			delete(u.User.Modes, change.Letter)
			if change.Letter == 'o' {
				delete(a.Opers, u.User.UID)
				u.User.OperType = ""
			}
		}

		stacker.add(change.Adding, change.Letter, "")
	}

	// We only inform the user or servers if there was a change.
	if !stacker.empty() {
		for _, line := range stacker.lines() {
			u.maybeQueueMessage(irc.Message{
				Prefix:  u.User.nickUhost(),
				Command: "MODE",
				Params:  append([]string{u.User.DisplayNick}, line...),
			})

			a.broadcastServers(nil, irc.Message{
				Prefix:  string(u.User.UID),
				Command: "MODE",
				Params:  append([]string{string(u.User.UID)}, line...),
			})
		}
	}

	if len(unknown) > 0 {
		// 501 ERR_UMODEUNKNOWNFLAG
		u.messageFromServer("501", []string{"Unknown MODE flag"})
	}

	return CmdSuccess
}

func (u *LocalUser) channelModeCommand(channel *Channel,
	params []string) CommandResult {
	a := u.Alder

	// No modes? Send back the channel's modes.
	if len(params) == 0 {
		showParams := u.User.onChannel(channel)
		// 324 RPL_CHANNELMODEIS
		u.messageFromServer("324", []string{channel.Name,
			channel.modesString(showParams)})
		// 329 RPL_CREATIONTIME
		u.messageFromServer("329", []string{channel.Name,
			fmt.Sprintf("%d", channel.TS)})
		return CmdSuccess
	}

	changes, unknown := a.Modes.parseModeChanges(ChannelMode, params)

	for _, letter := range unknown {
		// 472 ERR_UNKNOWNMODE
		u.messageFromServer("472", []string{string(letter),
			"is unknown mode char to me"})
	}

	// A bare list mode is a listing request.
	onlyListing := true
	for _, change := range changes {
		h := a.Modes.find(ChannelMode, change.Letter)
		if h.List && len(change.Param) == 0 {
			u.sendListMode(channel, change.Letter)
			continue
		}
		onlyListing = false
	}
	if onlyListing && len(changes) > 0 {
		return CmdSuccess
	}

	if !u.User.onChannel(channel) {
		// 442 ERR_NOTONCHANNEL
		u.messageFromServer("442", []string{channel.Name,
			"You're not on that channel"})
		return CmdFailure
	}

	src := ModeSource{User: u.User}
	applied := a.applyChannelModes(src, channel, changes, false, u)
	if applied.empty() {
		return CmdSuccess
	}

	a.emitChannelModes(src, channel, applied, nil)
	return CmdSuccess
}

// sendListMode replies with a channel's list mode entries.
func (u *LocalUser) sendListMode(channel *Channel, letter byte) {
	switch letter {
	case 'b':
		for _, entry := range channel.listEntries('b') {
			// 367 RPL_BANLIST
			u.messageFromServer("367", []string{channel.Name, entry.Mask,
				entry.Setter, fmt.Sprintf("%d", entry.SetTS)})
		}
		// 368 RPL_ENDOFBANLIST
		u.messageFromServer("368", []string{channel.Name,
			"End of channel ban list"})

	case 'e':
		for _, entry := range channel.listEntries('e') {
			// 348 RPL_EXCEPTLIST
			u.messageFromServer("348", []string{channel.Name, entry.Mask,
				entry.Setter, fmt.Sprintf("%d", entry.SetTS)})
		}
		// 349 RPL_ENDOFEXCEPTLIST
		u.messageFromServer("349", []string{channel.Name,
			"End of channel exception list"})

	case 'I':
		for _, entry := range channel.listEntries('I') {
			// 346 RPL_INVITELIST
			u.messageFromServer("346", []string{channel.Name, entry.Mask,
				entry.Setter, fmt.Sprintf("%d", entry.SetTS)})
		}
		// 347 RPL_ENDOFINVITELIST
		u.messageFromServer("347", []string{channel.Name,
			"End of channel invite list"})
	}
}

// applyChannelModes runs parsed toggles against a channel. force
// bypasses authority checks (server-sourced changes, accepted TS
// changes). replyTo receives numerics for refused toggles and may be
// nil.
//
// The returned stacker holds exactly the changes that took effect,
// with canonicalized parameters.
func (a *Alder) applyChannelModes(src ModeSource, channel *Channel,
	changes []ModeChange, force bool, replyTo *LocalUser) ModeStacker {

	var applied ModeStacker

	srcRank := src.rank(channel)

	for _, change := range changes {
		h := a.Modes.find(ChannelMode, change.Letter)
		if h == nil {
			continue
		}

		if h.List && len(change.Param) == 0 {
			continue
		}

		if !force && srcRank < h.MinRank {
			if replyTo != nil {
				// 482 ERR_CHANOPRIVSNEEDED
				replyTo.messageFromServer("482", []string{channel.Name,
					"You're not channel operator"})
			}
			continue
		}

		if h.isPrefix() {
			if a.applyPrefixChange(src, channel, h, change, force,
				replyTo) {
				applied.add(change.Adding, change.Letter, change.Param)
			}
			continue
		}

		if h.List {
			if a.applyListChange(channel, h, &change, replyTo) {
				applied.add(change.Adding, change.Letter, change.Param)
			}
			continue
		}

		if h.Change != nil {
			if !h.Change(a, src, channel, change.Adding, &change.Param) {
				continue
			}
			applied.add(change.Adding, change.Letter, change.Param)
			a.notifyHook(HookModeChange, &HookEvent{
				User: src.User, Channel: channel,
				Adding: change.Adding, Mode: change.Letter,
				Param: change.Param,
			})
			continue
		}

		// Simple flag.
		if change.Adding {
			if channel.hasMode(change.Letter) {
				continue
			}
			channel.Modes[change.Letter] = struct{}{}
		} else {
			if !channel.hasMode(change.Letter) {
				continue
			}
			delete(channel.Modes, change.Letter)
		}

		applied.add(change.Adding, change.Letter, "")
		a.notifyHook(HookModeChange, &HookEvent{
			User: src.User, Channel: channel,
			Adding: change.Adding, Mode: change.Letter,
		})
	}

	return applied
}

// applyPrefixChange grants or removes a member status bit. The
// parameter is a nick from clients or a UID from servers; the applied
// line always carries the nick for clients and the UID for peers, so
// we canonicalize to the nick here and translate when emitting FMODE.
func (a *Alder) applyPrefixChange(src ModeSource, channel *Channel,
	h *ModeHandler, change ModeChange, force bool,
	replyTo *LocalUser) bool {

	target := a.userByParam(change.Param)
	if target == nil {
		if replyTo != nil {
			// 401 ERR_NOSUCHNICK
			replyTo.messageFromServer("401", []string{change.Param,
				"No such nick/channel"})
		}
		return false
	}

	status, exists := channel.Members[target.UID]
	if !exists {
		if replyTo != nil {
			// 441 ERR_USERNOTINCHANNEL
			replyTo.messageFromServer("441", []string{target.DisplayNick,
				channel.Name, "They aren't on that channel"})
		}
		return false
	}

	if change.Adding == status.has(h.StatusBit) {
		return false
	}

	// Removing status from someone who outranks you is not on,
	// except from yourself.
	if !force && !change.Adding && target != src.User &&
		status.rank() > src.rank(channel) {
		if replyTo != nil {
			// 484 ERR_ATTACKDENY
			replyTo.messageFromServer("484", []string{target.DisplayNick,
				channel.Name, "Cannot alter a more privileged user"})
		}
		return false
	}

	channel.setStatus(target.UID, h.StatusBit, change.Adding)

	a.notifyHook(HookModeChange, &HookEvent{
		User: src.User, Target: target, Channel: channel,
		Adding: change.Adding, Mode: change.Letter,
	})

	return true
}

// applyListChange adds or removes a list mode entry, enforcing the
// per-channel cap and canonicalizing masks.
func (a *Alder) applyListChange(channel *Channel, h *ModeHandler,
	change *ModeChange, replyTo *LocalUser) bool {

	mask := canonicalizeBanMask(a.Config.CaseMapping, change.Param)
	if len(mask) == 0 {
		return false
	}
	change.Param = mask

	if !change.Adding {
		return channel.removeListEntry(h.Letter, mask)
	}

	if channel.onList(h.Letter, mask) {
		return false
	}

	if len(channel.listEntries(h.Letter)) >=
		a.Config.maxListEntriesFor(channel.Name) {
		if replyTo != nil {
			// 478 ERR_BANLISTFULL
			replyTo.messageFromServer("478", []string{channel.Name, mask,
				"Channel ban/ignore list is full"})
		}
		return false
	}

	setter := a.Config.ServerName
	if replyTo != nil {
		setter = replyTo.User.DisplayNick
	}

	channel.addListEntry(h.Letter, ListEntry{
		Mask:   mask,
		Setter: setter,
		SetTS:  a.now().Unix(),
	})

	return true
}

// emitChannelModes shows applied changes to channel members and
// propagates them to peers as FMODE. exclude is the link a remote
// change arrived on, nil for local changes.
//
// Member-targeting parameters go out as nicks to clients and as UIDs
// to servers.
func (a *Alder) emitChannelModes(src ModeSource, channel *Channel,
	applied ModeStacker, exclude *LocalServer) {

	srcPrefix := string(a.Config.SID)
	if src.User != nil {
		srcPrefix = string(src.User.UID)
	} else if src.Server != nil {
		srcPrefix = string(src.Server.SID)
	}

	clientStacker, serverStacker := a.translateModeParams(applied)

	for _, line := range clientStacker.lines() {
		a.messageLocalUsersOnChannel(channel, irc.Message{
			Prefix:  src.displayPrefix(a.Config.ServerName),
			Command: "MODE",
			Params:  append([]string{channel.Name}, line...),
		})
	}

	for _, line := range serverStacker.lines() {
		a.broadcastServers(exclude, irc.Message{
			Prefix:  srcPrefix,
			Command: "FMODE",
			Params: append([]string{channel.Name,
				fmt.Sprintf("%d", channel.TS)}, line...),
		})
	}
}

// translateModeParams splits a stacker into client-facing (nick
// parameters) and server-facing (UID parameters) variants.
func (a *Alder) translateModeParams(
	applied ModeStacker) (ModeStacker, ModeStacker) {

	var clients, servers ModeStacker

	for _, change := range applied.changes {
		h := a.Modes.find(ChannelMode, change.Letter)

		if h != nil && h.isPrefix() {
			if target := a.userByParam(change.Param); target != nil {
				clients.add(change.Adding, change.Letter,
					target.DisplayNick)
				servers.add(change.Adding, change.Letter,
					string(target.UID))
				continue
			}
		}

		clients.add(change.Adding, change.Letter, change.Param)
		servers.add(change.Adding, change.Letter, change.Param)
	}

	return clients, servers
}
