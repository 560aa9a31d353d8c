package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/horgh/irc"
)

// LocalUser holds information relevant only to a regular user
// (non-server) client.
type LocalUser struct {
	*LocalClient

	User *User

	// The last time we heard anything from the client.
	LastActivityTime time.Time

	// The last time we sent the client a PING.
	LastPingTime time.Time

	// The last time the client sent a PRIVMSG/NOTICE. We use this to
	// decide idle time.
	LastMessageTime time.Time

	// Connection class limits.
	Class ClassDefinition

	// Snomask letters the user subscribes to. Opers only.
	Snomasks map[byte]struct{}

	// Channels (canonicalized) we have a live INVITE for.
	Invites map[string]struct{}
}

// NewLocalUser makes a LocalUser from a LocalClient.
func NewLocalUser(c *LocalClient) *LocalUser {
	now := time.Now()

	return &LocalUser{
		LocalClient:      c,
		LastActivityTime: now,
		LastPingTime:     now,
		LastMessageTime:  now,
		Snomasks:         make(map[byte]struct{}),
		Invites:          make(map[string]struct{}),
	}
}

func (u *LocalUser) String() string {
	return fmt.Sprintf("%s %s", u.User.String(), u.Conn.RemoteAddr())
}

func (u *LocalUser) hasSnomask(letter byte) bool {
	_, exists := u.Snomasks[letter]
	return exists
}

// hasOperPerm checks the user's oper type for a permission string.
func (u *LocalUser) hasOperPerm(perm string) bool {
	if !u.User.isOperator() {
		return false
	}
	for _, p := range u.Alder.Config.OperTypes[u.User.OperType] {
		if p == perm || p == "*" {
			return true
		}
	}
	return false
}

// Message from this local user to another user, remote or local.
func (u *LocalUser) messageUser(to *User, command string, params []string) {
	if to.isLocal() {
		to.LocalUser.maybeQueueMessage(irc.Message{
			Prefix:  u.User.nickUhost(),
			Command: command,
			Params:  params,
		})
		return
	}

	to.Server.Route.maybeQueueMessage(irc.Message{
		Prefix:  string(u.User.UID),
		Command: command,
		Params:  params,
	})
}

func (u *LocalUser) serverNotice(s string) {
	u.messageFromServer("NOTICE", []string{
		u.User.DisplayNick,
		fmt.Sprintf("*** Notice --- %s", s),
	})
}

// Send an IRC message to a client. Appears to be from the server.
//
// Note: Only the event loop goroutine may call this.
func (u *LocalUser) messageFromServer(command string, params []string) {
	// For numeric messages, we need to prepend the nick.
	if isNumericCommand(command) {
		newParams := []string{u.User.DisplayNick}
		newParams = append(newParams, params...)
		params = newParams
	}

	u.maybeQueueMessage(irc.Message{
		Prefix:  u.Alder.Config.ServerName,
		Command: command,
		Params:  params,
	})
}

// sendISupport emits the 005 tokens clients parse for our limits.
func (u *LocalUser) sendISupport() {
	cfg := u.Alder.Config

	tokens := []string{
		fmt.Sprintf("NETWORK=%s", cfg.NetworkName),
		fmt.Sprintf("CASEMAPPING=%s", cfg.CaseMapping),
		"CHANTYPES=#",
		fmt.Sprintf("PREFIX=%s", u.Alder.Modes.prefixToken()),
		fmt.Sprintf("CHANMODES=%s", u.Alder.Modes.chanModesToken()),
		fmt.Sprintf("NICKLEN=%d", cfg.MaxNickLength),
		fmt.Sprintf("CHANNELLEN=%d", cfg.MaxChannelLength),
		fmt.Sprintf("TOPICLEN=%d", cfg.MaxTopicLength),
		fmt.Sprintf("KICKLEN=%d", cfg.MaxKickLength),
		fmt.Sprintf("AWAYLEN=%d", cfg.MaxAwayLength),
		fmt.Sprintf("MAXTARGETS=%d", cfg.MaxTargets),
		fmt.Sprintf("MODES=%d", maxModesPerLine),
	}

	// 005 RPL_ISUPPORT. 13 params max per message; stay well under.
	for start := 0; start < len(tokens); start += 10 {
		end := start + 10
		if end > len(tokens) {
			end = len(tokens)
		}
		params := append([]string(nil), tokens[start:end]...)
		params = append(params, "are supported by this server")
		u.messageFromServer("005", params)
	}
}

// quit removes the user. We inform servers if propagate is true. You
// may not want to do so if the client is getting cut off for another
// reason, such as KILL, where servers hear a KILL instead.
//
// Note: Only the event loop goroutine may call this.
func (u *LocalUser) quit(msg string, propagate bool) {
	// May already be cleaning up.
	if _, exists := u.Alder.LocalUsers[u.ID]; !exists {
		return
	}

	u.Alder.removeUser(u.User, msg)

	// removeUser told our neighbors, but not us.
	u.maybeQueueMessage(irc.Message{
		Prefix:  u.User.nickUhost(),
		Command: "QUIT",
		Params:  []string{msg},
	})

	if propagate {
		u.Alder.broadcastServers(nil, irc.Message{
			Prefix:  string(u.User.UID),
			Command: "QUIT",
			Params:  []string{msg},
		})
	}

	u.messageFromServer("ERROR", []string{msg})

	close(u.WriteChan)

	delete(u.Alder.LocalUsers, u.ID)
}

//
// Command handlers. The dispatcher in commands.go enforces parameter
// minimums, oper gating, and comma target expansion before we run.
//

// The NICK command after registration. Pre-registration NICK lives on
// LocalClient.
func (u *LocalUser) nickCommand(m irc.Message) CommandResult {
	if len(m.Params) == 0 {
		// 431 ERR_NONICKNAMEGIVEN
		u.messageFromServer("431", []string{"No nickname given"})
		return CmdFailure
	}
	nick := m.Params[0]

	if len(nick) > u.Alder.Config.MaxNickLength {
		nick = nick[0:u.Alder.Config.MaxNickLength]
	}

	if !isValidNick(u.Alder.Config.MaxNickLength, nick) {
		// 432 ERR_ERRONEUSNICKNAME
		u.messageFromServer("432", []string{nick, "Erroneous nickname"})
		return CmdFailure
	}

	if !u.User.isOperator() {
		if x := u.Alder.nickForbidden(nick); x != nil {
			// 432 ERR_ERRONEUSNICKNAME
			u.messageFromServer("432", []string{nick,
				fmt.Sprintf("Erroneous nickname (%s)", x.Reason)})
			return CmdFailure
		}
	}

	nickCanon := u.Alder.canonicalizeNick(nick)
	oldCanon := u.Alder.canonicalizeNick(u.User.DisplayNick)

	if uid, exists := u.Alder.Nicks[nickCanon]; exists {
		if uid == u.User.UID {
			// Same user. A pure case change is fine; an identical
			// nick is a no-op.
			if nick == u.User.DisplayNick {
				return CmdSuccess
			}
		} else {
			// 433 ERR_NICKNAMEINUSE
			u.messageFromServer("433", []string{nick,
				"Nickname is already in use"})
			return CmdFailure
		}
	}

	u.changeNick(nick, nickCanon, oldCanon, u.Alder.now().Unix())
	return CmdSuccess
}

// changeNick commits a nick change and fans it out. The caller has
// validated and resolved collisions.
func (u *LocalUser) changeNick(nick, nickCanon, oldCanon string, ts int64) {
	delete(u.Alder.Nicks, oldCanon)
	u.Alder.Nicks[nickCanon] = u.User.UID
	u.User.NickTS = ts

	// Message needs to come from the OLD nick.
	nickMsg := irc.Message{
		Prefix:  u.User.nickUhost(),
		Command: "NICK",
		Params:  []string{nick},
	}
	u.Alder.messageNeighbors(u.User, true, nickMsg)

	u.User.DisplayNick = nick

	u.Alder.broadcastServers(nil, irc.Message{
		Prefix:  string(u.User.UID),
		Command: "NICK",
		Params:  []string{nick, fmt.Sprintf("%d", ts)},
	})

	u.Alder.notifyHook(HookUserNick, &HookEvent{User: u.User})
}

// The USER command only occurs during connection registration.
func (u *LocalUser) userCommand(m irc.Message) CommandResult {
	// 462 ERR_ALREADYREGISTRED
	u.messageFromServer("462", []string{"You may not reregister"})
	return CmdFailure
}

func (u *LocalUser) passCommand(m irc.Message) CommandResult {
	// 462 ERR_ALREADYREGISTRED
	u.messageFromServer("462", []string{"You may not reregister"})
	return CmdFailure
}

func (u *LocalUser) capCommand(m irc.Message) CommandResult {
	// Post-registration CAP is a no-op; we advertise nothing.
	return CmdSuccess
}

func (u *LocalUser) pingCommand(m irc.Message) CommandResult {
	// Parameters: <server> (I choose to not support forwarding)
	if len(m.Params) == 0 {
		// 409 ERR_NOORIGIN
		u.messageFromServer("409", []string{"No origin specified"})
		return CmdFailure
	}

	// Certain clients don't send PING following any standard. Reply
	// with our server name as if they issued a correct PING to us.
	u.messageFromServer("PONG", []string{u.Alder.Config.ServerName,
		m.Params[0]})
	return CmdSuccess
}

func (u *LocalUser) pongCommand(m irc.Message) CommandResult {
	// Not doing anything with this. Just accept it; it updated
	// LastActivityTime already.
	return CmdSuccess
}

func (u *LocalUser) quitCommand(m irc.Message) CommandResult {
	msg := "Quit:"
	if len(m.Params) > 0 {
		reason := m.Params[0]
		if len(reason) > u.Alder.Config.MaxQuitLength {
			reason = reason[:u.Alder.Config.MaxQuitLength]
		}
		msg += " " + reason
	}

	u.quit(msg, true)
	return CmdUserDeleted
}

func (u *LocalUser) joinCommand(m irc.Message) CommandResult {
	// Parameters: <channel> [key]. The dispatcher already expanded
	// comma lists.

	// JOIN 0 is a special case. Client leaves all channels.
	if m.Params[0] == "0" {
		for _, channel := range u.User.Channels {
			u.part(channel.Name, "")
		}
		return CmdSuccess
	}

	key := ""
	if len(m.Params) > 1 {
		key = m.Params[1]
	}

	return u.join(m.Params[0], key)
}

// join tries to join the client to a channel.
func (u *LocalUser) join(channelName, key string) CommandResult {
	a := u.Alder

	channelName = a.canonicalizeChannel(channelName)
	if !isValidChannel(a.Config.MaxChannelLength, channelName) {
		// 476 ERR_BADCHANMASK
		u.messageFromServer("476", []string{channelName,
			"Bad Channel Mask"})
		return CmdFailure
	}

	// Is the client in the channel already? Ignore it if so.
	if _, exists := u.User.Channels[channelName]; exists {
		return CmdSuccess
	}

	if len(u.User.Channels) >= u.Class.MaxChannels {
		// 405 ERR_TOOMANYCHANNELS
		u.messageFromServer("405", []string{channelName,
			"You have joined too many channels"})
		return CmdFailure
	}

	// Look up the channel. Create it if necessary.
	channel, exists := a.Channels[channelName]
	created := false
	if !exists {
		channel = newChannel(channelName, a.now().Unix())
		created = true
	}

	if !created {
		if result := u.checkJoin(channel, key); result != CmdSuccess {
			return result
		}
	}

	if created {
		a.Channels[channelName] = channel
	}

	// The creator of a new channel starts with ops.
	status := MemberStatus(0)
	if created {
		status = StatusOp
	}
	channel.Members[u.User.UID] = status
	u.User.Channels[channelName] = channel
	delete(u.Invites, channelName)

	// Tell local members (including the client) about the join.
	joinMsg := irc.Message{
		Prefix:  u.User.nickUhost(),
		Command: "JOIN",
		Params:  []string{channel.Name},
	}
	a.messageLocalUsersOnChannel(channel, joinMsg)

	if len(channel.Topic) > 0 {
		// 332 RPL_TOPIC
		u.messageFromServer("332", []string{channel.Name, channel.Topic})
		// 333 RPL_TOPICWHOTIME
		u.messageFromServer("333", []string{channel.Name,
			channel.TopicSetter, fmt.Sprintf("%d", channel.TopicTS)})
	}

	u.sendNames(channel)

	// Tell servers. Each join travels as a one member FJOIN carrying
	// the channel TS, so TS rules arbitrate either side.
	prefixes := channel.Members[u.User.UID].allPrefixes()
	a.broadcastServers(nil, irc.Message{
		Prefix:  string(a.Config.SID),
		Command: "FJOIN",
		Params: []string{
			channel.Name,
			fmt.Sprintf("%d", channel.TS),
			"+",
			fmt.Sprintf("%s,%s", prefixes, u.User.UID),
		},
	})

	a.notifyHook(HookUserJoin, &HookEvent{User: u.User, Channel: channel})

	return CmdSuccess
}

// checkJoin enforces key, invite, limit, and ban checks, in that
// order. Hooks may override everything; opers with the override
// permission bypass with a notice.
func (u *LocalUser) checkJoin(channel *Channel, key string) CommandResult {
	a := u.Alder

	switch a.callHook(HookCheckJoin,
		&HookEvent{User: u.User, Channel: channel, Text: key}) {
	case HookAllow:
		return CmdSuccess
	case HookDeny:
		// 474 ERR_BANNEDFROMCHAN
		u.messageFromServer("474", []string{channel.Name,
			"Cannot join channel (+b)"})
		return CmdFailure
	}

	override := func(check string) bool {
		if !u.hasOperPerm("override") {
			return false
		}
		a.snomaskNotice('G', fmt.Sprintf(
			"%s used oper override to bypass %s on %s",
			u.User.DisplayNick, check, channel.Name))
		return true
	}

	if len(channel.Key) > 0 && key != channel.Key {
		if !override("+k") {
			// 475 ERR_BADCHANNELKEY
			u.messageFromServer("475", []string{channel.Name,
				"Cannot join channel (+k)"})
			return CmdFailure
		}
		return CmdSuccess
	}

	if channel.hasMode('i') {
		_, invited := u.Invites[channel.Name]
		if !invited &&
			!channel.matchesLists(a.Config.CaseMapping, 'I', u.User) {
			if !override("+i") {
				// 473 ERR_INVITEONLYCHAN
				u.messageFromServer("473", []string{channel.Name,
					"Cannot join channel (+i)"})
				return CmdFailure
			}
			return CmdSuccess
		}
	}

	if channel.Limit > 0 && len(channel.Members) >= channel.Limit {
		if !override("+l") {
			// 471 ERR_CHANNELISFULL
			u.messageFromServer("471", []string{channel.Name,
				"Cannot join channel (+l)"})
			return CmdFailure
		}
		return CmdSuccess
	}

	banned := channel.matchesLists(a.Config.CaseMapping, 'b', u.User) &&
		!channel.matchesLists(a.Config.CaseMapping, 'e', u.User)
	if banned &&
		a.callHook(HookCheckBan,
			&HookEvent{User: u.User, Channel: channel}) != HookAllow {
		if !override("+b") {
			// 474 ERR_BANNEDFROMCHAN
			u.messageFromServer("474", []string{channel.Name,
				"Cannot join channel (+b)"})
			return CmdFailure
		}
	}

	return CmdSuccess
}

// sendNames sends 353/366 for a channel.
func (u *LocalUser) sendNames(channel *Channel) {
	// Channel flag: = (public), * (private), @ (secret)
	channelFlag := "="
	if channel.hasMode('s') {
		channelFlag = "@"
	} else if channel.hasMode('p') {
		channelFlag = "*"
	}

	var names []string
	for memberUID, status := range channel.Members {
		member := u.Alder.Users[memberUID]
		if member == nil {
			continue
		}
		names = append(names, status.prefix()+member.DisplayNick)
	}

	// Pack several nicks per 353 RPL_NAMREPLY.
	for start := 0; start < len(names); start += 12 {
		end := start + 12
		if end > len(names) {
			end = len(names)
		}
		u.messageFromServer("353", []string{
			channelFlag, channel.Name, strings.Join(names[start:end], " "),
		})
	}

	// 366 RPL_ENDOFNAMES
	u.messageFromServer("366", []string{channel.Name, "End of NAMES list"})
}

func (u *LocalUser) partCommand(m irc.Message) CommandResult {
	partMessage := ""
	if len(m.Params) >= 2 {
		partMessage = m.Params[1]
	}

	return u.part(m.Params[0], partMessage)
}

// part tries to remove the client from the channel.
//
// We send a reply to the client. We also inform any other clients
// that need to know.
//
// Note: Only the event loop goroutine may call this.
func (u *LocalUser) part(channelName, message string) CommandResult {
	a := u.Alder

	channelName = a.canonicalizeChannel(channelName)

	if !isValidChannel(a.Config.MaxChannelLength, channelName) {
		// 403 ERR_NOSUCHCHANNEL
		u.messageFromServer("403", []string{channelName,
			"Invalid channel name"})
		return CmdFailure
	}

	channel, exists := a.Channels[channelName]
	if !exists {
		// 403 ERR_NOSUCHCHANNEL
		u.messageFromServer("403", []string{channelName, "No such channel"})
		return CmdFailure
	}

	if !u.User.onChannel(channel) {
		// 442 ERR_NOTONCHANNEL
		u.messageFromServer("442", []string{channelName,
			"You're not on that channel"})
		return CmdFailure
	}

	partParams := []string{channel.Name}
	if len(message) > 0 {
		partParams = append(partParams, message)
	}

	// Tell local clients (including the client) about the part.
	a.messageLocalUsersOnChannel(channel, irc.Message{
		Prefix:  u.User.nickUhost(),
		Command: "PART",
		Params:  partParams,
	})

	// Tell all servers. Channel membership is known globally.
	a.broadcastServers(nil, irc.Message{
		Prefix:  string(u.User.UID),
		Command: "PART",
		Params:  partParams,
	})

	channel.removeUser(u.User)
	if len(channel.Members) == 0 {
		delete(a.Channels, channel.Name)
	}

	a.notifyHook(HookUserPart, &HookEvent{User: u.User, Channel: channel})

	return CmdSuccess
}

// Per RFC 2812, PRIVMSG and NOTICE are essentially the same, so both
// use this command function.
func (u *LocalUser) privmsgCommand(m irc.Message) CommandResult {
	if len(m.Params) == 0 {
		// 411 ERR_NORECIPIENT
		u.messageFromServer("411", []string{
			fmt.Sprintf("No recipient given (%s)", m.Command)})
		return CmdFailure
	}

	if len(m.Params) == 1 || len(m.Params[1]) == 0 {
		// 412 ERR_NOTEXTTOSEND
		u.messageFromServer("412", []string{"No text to send"})
		return CmdFailure
	}

	a := u.Alder
	target := m.Params[0]
	msg := m.Params[1]

	// The message may be too long once we add the prefix. Strip
	// trailing characters until it fits.
	overhead := len(":") + len(u.User.nickUhost()) + len(" ") +
		len(m.Command) + len(" ") + len(target) + len(" :") + len("\r\n")
	if overhead+len(msg) > irc.MaxLineLength {
		msg = msg[:irc.MaxLineLength-overhead]
	}

	if target[0] == '#' {
		return u.privmsgChannel(m.Command, target, msg)
	}

	targetUser := a.userByNick(target)
	if targetUser == nil {
		// 401 ERR_NOSUCHNICK
		u.messageFromServer("401", []string{target, "No such nick/channel"})
		return CmdFailure
	}

	ev := &HookEvent{User: u.User, Target: targetUser,
		Command: m.Command, Text: msg}
	if a.callHook(HookPreMessage, ev) == HookDeny {
		return CmdFailure
	}
	msg = ev.Text

	u.LastMessageTime = a.now()

	if m.Command == "PRIVMSG" && targetUser.isAway() {
		// 301 RPL_AWAY
		u.messageFromServer("301", []string{targetUser.DisplayNick,
			targetUser.Away})
	}

	if targetUser.isLocal() {
		u.messageUser(targetUser, m.Command,
			[]string{targetUser.DisplayNick, msg})
	} else {
		u.messageUser(targetUser, m.Command,
			[]string{string(targetUser.UID), msg})
	}

	return CmdSuccess
}

func (u *LocalUser) privmsgChannel(command, target,
	msg string) CommandResult {
	a := u.Alder

	channelName := a.canonicalizeChannel(target)
	channel, exists := a.Channels[channelName]
	if !exists {
		// 403 ERR_NOSUCHCHANNEL
		u.messageFromServer("403", []string{channelName,
			"No such channel"})
		return CmdFailure
	}

	status := channel.status(u.User.UID)
	onChannel := u.User.onChannel(channel)

	// +n: no external messages. +m: only voiced and up may speak.
	// Banned members may not speak either.
	canSpeak := onChannel || !channel.hasMode('n')
	if channel.hasMode('m') && status.rank() < RankVoice {
		canSpeak = false
	}
	if canSpeak && onChannel && status.rank() == RankNone &&
		channel.matchesLists(a.Config.CaseMapping, 'b', u.User) &&
		!channel.matchesLists(a.Config.CaseMapping, 'e', u.User) {
		canSpeak = false
	}

	if !canSpeak {
		// 404 ERR_CANNOTSENDTOCHAN
		u.messageFromServer("404", []string{channel.Name,
			"Cannot send to channel"})
		return CmdFailure
	}

	ev := &HookEvent{User: u.User, Channel: channel, Command: command,
		Text: msg}
	if a.callHook(HookPreMessage, ev) == HookDeny {
		return CmdFailure
	}
	msg = ev.Text

	u.LastMessageTime = a.now()

	// Send to all members of the channel, except the client itself.
	// Tell local users directly. If a user is remote, record the
	// link we should propagate the message towards. Tell each link
	// only once.
	toServers := make(map[*LocalServer]struct{})
	for memberUID := range channel.Members {
		member := a.Users[memberUID]
		if member == nil || member.UID == u.User.UID {
			continue
		}

		if member.isLocal() {
			u.messageUser(member, command, []string{channel.Name, msg})
			continue
		}

		toServers[member.Server.Route] = struct{}{}
	}

	for server := range toServers {
		server.maybeQueueMessage(irc.Message{
			Prefix:  string(u.User.UID),
			Command: command,
			Params:  []string{channel.Name, msg},
		})
	}

	return CmdSuccess
}

func (u *LocalUser) topicCommand(m irc.Message) CommandResult {
	a := u.Alder

	channelName := a.canonicalizeChannel(m.Params[0])
	channel, exists := a.Channels[channelName]
	if !exists {
		// 403 ERR_NOSUCHCHANNEL
		u.messageFromServer("403", []string{m.Params[0],
			"No such channel"})
		return CmdFailure
	}

	if !u.User.onChannel(channel) {
		// 442 ERR_NOTONCHANNEL
		u.messageFromServer("442", []string{channel.Name,
			"You're not on that channel"})
		return CmdFailure
	}

	// If there is no new topic, then just send back the current one.
	if len(m.Params) < 2 {
		if len(channel.Topic) == 0 {
			// 331 RPL_NOTOPIC
			u.messageFromServer("331", []string{channel.Name,
				"No topic is set"})
			return CmdSuccess
		}

		// 332 RPL_TOPIC
		u.messageFromServer("332", []string{channel.Name, channel.Topic})
		// 333 RPL_TOPICWHOTIME
		u.messageFromServer("333", []string{channel.Name,
			channel.TopicSetter, fmt.Sprintf("%d", channel.TopicTS)})
		return CmdSuccess
	}

	// +t: only ops and up may change the topic.
	if channel.hasMode('t') &&
		channel.status(u.User.UID).rank() < RankHalfop {
		// 482 ERR_CHANOPRIVSNEEDED
		u.messageFromServer("482", []string{channel.Name,
			"You're not channel operator"})
		return CmdFailure
	}

	topic := m.Params[1]
	if len(topic) > a.Config.MaxTopicLength {
		topic = topic[:a.Config.MaxTopicLength]
	}

	channel.Topic = topic
	channel.TopicSetter = u.User.nickUhost()
	channel.TopicTS = a.now().Unix()

	// Tell all members of the channel, including the client.
	a.messageLocalUsersOnChannel(channel, irc.Message{
		Prefix:  u.User.nickUhost(),
		Command: "TOPIC",
		Params:  []string{channel.Name, channel.Topic},
	})

	// Topic propagates globally with its TS for merge arbitration.
	a.broadcastServers(nil, irc.Message{
		Prefix:  string(u.User.UID),
		Command: "FTOPIC",
		Params: []string{channel.Name,
			fmt.Sprintf("%d", channel.TopicTS),
			channel.TopicSetter, channel.Topic},
	})

	a.notifyHook(HookTopicChange,
		&HookEvent{User: u.User, Channel: channel, Text: topic})

	return CmdSuccess
}

func (u *LocalUser) namesCommand(m irc.Message) CommandResult {
	if len(m.Params) == 0 {
		// 366 RPL_ENDOFNAMES
		u.messageFromServer("366", []string{"*", "End of NAMES list"})
		return CmdSuccess
	}

	channelName := u.Alder.canonicalizeChannel(m.Params[0])
	channel, exists := u.Alder.Channels[channelName]
	if !exists || (channel.hasMode('s') && !u.User.onChannel(channel)) {
		u.messageFromServer("366", []string{m.Params[0],
			"End of NAMES list"})
		return CmdSuccess
	}

	u.sendNames(channel)
	return CmdSuccess
}

func (u *LocalUser) listCommand(m irc.Message) CommandResult {
	// 321 RPL_LISTSTART
	u.messageFromServer("321", []string{"Channel", "Users Name"})

	var only map[string]struct{}
	if len(m.Params) > 0 {
		only = make(map[string]struct{})
		for _, name := range commaList(m.Params[0]) {
			only[u.Alder.canonicalizeChannel(name)] = struct{}{}
		}
	}

	for _, channel := range u.Alder.Channels {
		if only != nil {
			if _, exists := only[channel.Name]; !exists {
				continue
			}
		}

		// Secret channels stay hidden from outsiders.
		if channel.hasMode('s') && !u.User.onChannel(channel) {
			continue
		}

		// 322 RPL_LIST
		u.messageFromServer("322", []string{
			channel.Name,
			fmt.Sprintf("%d", len(channel.Members)),
			channel.Topic,
		})
	}

	// 323 RPL_LISTEND
	u.messageFromServer("323", []string{"End of LIST"})
	return CmdSuccess
}

func (u *LocalUser) inviteCommand(m irc.Message) CommandResult {
	a := u.Alder

	targetUser := a.userByNick(m.Params[0])
	if targetUser == nil {
		// 401 ERR_NOSUCHNICK
		u.messageFromServer("401", []string{m.Params[0],
			"No such nick/channel"})
		return CmdFailure
	}

	channelName := a.canonicalizeChannel(m.Params[1])
	channel, exists := a.Channels[channelName]
	if !exists {
		// 403 ERR_NOSUCHCHANNEL
		u.messageFromServer("403", []string{m.Params[1],
			"No such channel"})
		return CmdFailure
	}

	if !u.User.onChannel(channel) {
		// 442 ERR_NOTONCHANNEL
		u.messageFromServer("442", []string{channel.Name,
			"You're not on that channel"})
		return CmdFailure
	}

	if targetUser.onChannel(channel) {
		// 443 ERR_USERONCHANNEL
		u.messageFromServer("443", []string{targetUser.DisplayNick,
			channel.Name, "is already on channel"})
		return CmdFailure
	}

	// Inviting past +i requires channel op.
	if channel.hasMode('i') &&
		channel.status(u.User.UID).rank() < RankOp {
		// 482 ERR_CHANOPRIVSNEEDED
		u.messageFromServer("482", []string{channel.Name,
			"You're not channel operator"})
		return CmdFailure
	}

	// 341 RPL_INVITING
	u.messageFromServer("341", []string{targetUser.DisplayNick,
		channel.Name})

	if targetUser.isLocal() {
		targetUser.LocalUser.Invites[channel.Name] = struct{}{}
		u.messageUser(targetUser, "INVITE",
			[]string{targetUser.DisplayNick, channel.Name})
	} else {
		targetUser.Server.Route.maybeQueueMessage(irc.Message{
			Prefix:  string(u.User.UID),
			Command: "INVITE",
			Params: []string{string(targetUser.UID), channel.Name,
				fmt.Sprintf("%d", channel.TS)},
		})
	}

	return CmdSuccess
}

func (u *LocalUser) kickCommand(m irc.Message) CommandResult {
	a := u.Alder

	channelName := a.canonicalizeChannel(m.Params[0])
	channel, exists := a.Channels[channelName]
	if !exists {
		// 403 ERR_NOSUCHCHANNEL
		u.messageFromServer("403", []string{m.Params[0],
			"No such channel"})
		return CmdFailure
	}

	if !u.User.onChannel(channel) {
		// 442 ERR_NOTONCHANNEL
		u.messageFromServer("442", []string{channel.Name,
			"You're not on that channel"})
		return CmdFailure
	}

	targetUser := a.userByNick(m.Params[1])
	if targetUser == nil || !targetUser.onChannel(channel) {
		// 441 ERR_USERNOTINCHANNEL
		u.messageFromServer("441", []string{m.Params[1], channel.Name,
			"They aren't on that channel"})
		return CmdFailure
	}

	kickerRank := channel.status(u.User.UID).rank()
	targetRank := channel.status(targetUser.UID).rank()

	if kickerRank < RankHalfop {
		// 482 ERR_CHANOPRIVSNEEDED
		u.messageFromServer("482", []string{channel.Name,
			"You're not channel operator"})
		return CmdFailure
	}

	if targetRank > kickerRank {
		// 484 ERR_ATTACKDENY
		u.messageFromServer("484", []string{targetUser.DisplayNick,
			channel.Name, "Cannot kick a more privileged user"})
		return CmdFailure
	}

	reason := u.User.DisplayNick
	if len(m.Params) > 2 && len(m.Params[2]) > 0 {
		reason = m.Params[2]
		if len(reason) > a.Config.MaxKickLength {
			reason = reason[:a.Config.MaxKickLength]
		}
	}

	u.Alder.commitKick(ModeSource{User: u.User}, channel, targetUser,
		reason, nil)
	return CmdSuccess
}

// commitKick removes a member, tells the channel, and propagates.
// from is the link a remote KICK arrived on, nil for local kicks.
func (a *Alder) commitKick(src ModeSource, channel *Channel,
	target *User, reason string, from *LocalServer) {

	a.messageLocalUsersOnChannel(channel, irc.Message{
		Prefix:  src.displayPrefix(a.Config.ServerName),
		Command: "KICK",
		Params:  []string{channel.Name, target.DisplayNick, reason},
	})

	srcPrefix := string(a.Config.SID)
	if src.User != nil {
		srcPrefix = string(src.User.UID)
	} else if src.Server != nil {
		srcPrefix = string(src.Server.SID)
	}
	a.broadcastServers(from, irc.Message{
		Prefix:  srcPrefix,
		Command: "KICK",
		Params:  []string{channel.Name, string(target.UID), reason},
	})

	channel.removeUser(target)
	if len(channel.Members) == 0 {
		delete(a.Channels, channel.Name)
	}
}

func (u *LocalUser) awayCommand(m irc.Message) CommandResult {
	if len(m.Params) == 0 || len(m.Params[0]) == 0 {
		u.User.Away = ""
		// 305 RPL_UNAWAY
		u.messageFromServer("305", []string{
			"You are no longer marked as being away"})
		return CmdSuccess
	}

	away := m.Params[0]
	if len(away) > u.Alder.Config.MaxAwayLength {
		away = away[:u.Alder.Config.MaxAwayLength]
	}
	u.User.Away = away

	// 306 RPL_NOWAWAY
	u.messageFromServer("306", []string{
		"You have been marked as being away"})
	return CmdSuccess
}

func (u *LocalUser) isonCommand(m irc.Message) CommandResult {
	var found []string
	for _, nick := range strings.Fields(strings.Join(m.Params, " ")) {
		if user := u.Alder.userByNick(nick); user != nil {
			found = append(found, user.DisplayNick)
		}
	}

	// 303 RPL_ISON
	u.messageFromServer("303", []string{strings.Join(found, " ")})
	return CmdSuccess
}

func (u *LocalUser) userhostCommand(m irc.Message) CommandResult {
	var replies []string
	for i, nick := range m.Params {
		if i >= 5 {
			break
		}
		user := u.Alder.userByNick(nick)
		if user == nil {
			continue
		}
		oper := ""
		if user.isOperator() {
			oper = "*"
		}
		away := "+"
		if user.isAway() {
			away = "-"
		}
		replies = append(replies, fmt.Sprintf("%s%s=%s%s@%s",
			user.DisplayNick, oper, away, user.Ident, user.DisplayHost))
	}

	// 302 RPL_USERHOST
	u.messageFromServer("302", []string{strings.Join(replies, " ")})
	return CmdSuccess
}

func (u *LocalUser) motdCommandWrap(m irc.Message) CommandResult {
	if len(m.Params) > 0 && u.remoteQuery("MOTD", m.Params[0]) {
		return CmdSuccess
	}
	u.motdCommand()
	return CmdSuccess
}

func (u *LocalUser) motdCommand() {
	// 375 RPL_MOTDSTART
	u.messageFromServer("375", []string{
		fmt.Sprintf("- %s Message of the day - ",
			u.Alder.Config.ServerName),
	})

	// 372 RPL_MOTD
	for _, line := range u.Alder.Config.MOTD {
		u.messageFromServer("372", []string{fmt.Sprintf("- %s", line)})
	}

	// 376 RPL_ENDOFMOTD
	u.messageFromServer("376", []string{"End of MOTD command"})
}

func (u *LocalUser) lusersCommandWrap(m irc.Message) CommandResult {
	u.lusersCommand()
	return CmdSuccess
}

func (u *LocalUser) lusersCommand() {
	a := u.Alder

	invisible := 0
	operCount := 0
	for _, user := range a.Users {
		if user.hasMode('i') {
			invisible++
		}
		if user.isOperator() {
			operCount++
		}
	}

	serverCount := len(a.Servers) + 1

	// 251 RPL_LUSERCLIENT
	u.messageFromServer("251", []string{
		fmt.Sprintf("There are %d users and %d invisible on %d servers",
			len(a.Users)-invisible, invisible, serverCount),
	})

	// 252 RPL_LUSEROP
	u.messageFromServer("252", []string{
		fmt.Sprintf("%d", operCount), "operator(s) online",
	})

	// 253 RPL_LUSERUNKNOWN
	u.messageFromServer("253", []string{
		fmt.Sprintf("%d", len(a.LocalClients)), "unknown connection(s)",
	})

	// 254 RPL_LUSERCHANNELS
	u.messageFromServer("254", []string{
		fmt.Sprintf("%d", len(a.Channels)), "channels formed",
	})

	// 255 RPL_LUSERME
	u.messageFromServer("255", []string{
		fmt.Sprintf("I have %d clients and %d servers",
			len(a.LocalUsers), len(a.LocalServers)),
	})

	// 265 RPL_LOCALUSERS
	u.messageFromServer("265", []string{
		fmt.Sprintf("Current local users: %d Max: %d",
			len(a.LocalUsers), len(a.LocalUsers)),
	})

	// 266 RPL_GLOBALUSERS
	u.messageFromServer("266", []string{
		fmt.Sprintf("Current global users: %d Max: %d",
			len(a.Users), len(a.Users)),
	})
}

// remoteQuery forwards MOTD/VERSION/TIME/ADMIN/STATS to the server a
// parameter names, if it is not us. Reports whether it forwarded.
func (u *LocalUser) remoteQuery(command string, target string,
	extra ...string) bool {
	a := u.Alder

	if a.canonicalizeServer(target) ==
		a.canonicalizeServer(a.Config.ServerName) {
		return false
	}

	s := a.serverByParam(target)
	if s == nil {
		// 402 ERR_NOSUCHSERVER
		u.messageFromServer("402", []string{target, "No such server"})
		return true
	}

	params := append(extra, string(s.SID))
	s.Route.maybeQueueMessage(irc.Message{
		Prefix:  string(u.User.UID),
		Command: command,
		Params:  params,
	})
	return true
}

func (u *LocalUser) versionCommand(m irc.Message) CommandResult {
	if len(m.Params) > 0 && u.remoteQuery("VERSION", m.Params[0]) {
		return CmdSuccess
	}

	// 351 RPL_VERSION
	u.messageFromServer("351", []string{
		alderVersion, u.Alder.Config.ServerName, "",
	})
	u.sendISupport()
	return CmdSuccess
}

func (u *LocalUser) timeCommand(m irc.Message) CommandResult {
	if len(m.Params) > 0 && u.remoteQuery("TIME", m.Params[0]) {
		return CmdSuccess
	}

	// 391 RPL_TIME
	u.messageFromServer("391", []string{
		u.Alder.Config.ServerName, dispatchTime(u.Alder.now()),
	})
	return CmdSuccess
}

func (u *LocalUser) adminCommand(m irc.Message) CommandResult {
	if len(m.Params) > 0 && u.remoteQuery("ADMIN", m.Params[0]) {
		return CmdSuccess
	}

	// 256 RPL_ADMINME
	u.messageFromServer("256", []string{u.Alder.Config.ServerName,
		"Administrative info"})
	// 257 RPL_ADMINLOC1
	u.messageFromServer("257", []string{u.Alder.Config.ServerInfo})
	// 258 RPL_ADMINLOC2
	u.messageFromServer("258", []string{u.Alder.Config.NetworkName})
	// 259 RPL_ADMINEMAIL
	u.messageFromServer("259", []string{u.Alder.Config.AdminInfo})
	return CmdSuccess
}

func (u *LocalUser) linksCommand(m irc.Message) CommandResult {
	a := u.Alder

	// Ourself first.
	// 364 RPL_LINKS: <mask> <server> :<hopcount> <server info>
	u.messageFromServer("364", []string{
		a.Config.ServerName,
		a.Config.ServerName,
		fmt.Sprintf("%d %s", 0, a.Config.ServerInfo),
	})

	for _, s := range a.Servers {
		u.messageFromServer("364", []string{
			s.Name,
			s.Name,
			fmt.Sprintf("%d %s", s.HopCount, s.Description),
		})
	}

	// 365 RPL_ENDOFLINKS
	u.messageFromServer("365", []string{"*", "End of LINKS list"})
	return CmdSuccess
}

func (u *LocalUser) whoCommand(m irc.Message) CommandResult {
	a := u.Alder

	// Contrary to RFC 2812, we support only 'WHO #channel'.
	channel, exists := a.Channels[a.canonicalizeChannel(m.Params[0])]
	if !exists {
		// 315 RPL_ENDOFWHO
		u.messageFromServer("315", []string{m.Params[0],
			"End of WHO list"})
		return CmdSuccess
	}

	if channel.hasMode('s') && !u.User.onChannel(channel) {
		u.messageFromServer("315", []string{channel.Name,
			"End of WHO list"})
		return CmdSuccess
	}

	for memberUID, status := range channel.Members {
		member := a.Users[memberUID]
		if member == nil {
			continue
		}

		serverName := a.Config.ServerName
		if member.isRemote() {
			serverName = member.Server.Name
		}

		// H here, G gone (away).
		flags := "H"
		if member.isAway() {
			flags = "G"
		}
		if member.isOperator() {
			flags += "*"
		}
		flags += status.prefix()

		// 352 RPL_WHOREPLY
		u.messageFromServer("352", []string{
			channel.Name,
			member.Ident,
			member.DisplayHost,
			serverName,
			member.DisplayNick,
			flags,
			fmt.Sprintf("%d %s", member.hopCount(a), member.RealName),
		})
	}

	// 315 RPL_ENDOFWHO
	u.messageFromServer("315", []string{channel.Name, "End of WHO list"})
	return CmdSuccess
}

func (u *User) hopCount(a *Alder) int {
	if u.isLocal() {
		return 0
	}
	return u.Server.HopCount
}

func (u *LocalUser) whoisCommand(m irc.Message) CommandResult {
	a := u.Alder

	user := a.userByNick(m.Params[0])
	if user == nil {
		// 401 ERR_NOSUCHNICK
		u.messageFromServer("401", []string{m.Params[0],
			"No such nick/channel"})
		// 318 RPL_ENDOFWHOIS
		u.messageFromServer("318", []string{m.Params[0],
			"End of WHOIS list"})
		return CmdFailure
	}

	// 311 RPL_WHOISUSER
	u.messageFromServer("311", []string{
		user.DisplayNick, user.Ident, user.DisplayHost, "*",
		user.RealName,
	})

	// 319 RPL_WHOISCHANNELS
	var chans []string
	for _, channel := range user.Channels {
		if channel.hasMode('s') && !u.User.onChannel(channel) {
			continue
		}
		chans = append(chans,
			channel.status(user.UID).prefix()+channel.Name)
	}
	if len(chans) > 0 {
		u.messageFromServer("319", []string{user.DisplayNick,
			strings.Join(chans, " ")})
	}

	// 312 RPL_WHOISSERVER
	serverName := a.Config.ServerName
	serverInfo := a.Config.ServerInfo
	if user.isRemote() {
		serverName = user.Server.Name
		serverInfo = user.Server.Description
	}
	u.messageFromServer("312", []string{user.DisplayNick, serverName,
		serverInfo})

	if user.isAway() {
		// 301 RPL_AWAY
		u.messageFromServer("301", []string{user.DisplayNick, user.Away})
	}

	if user.isOperator() {
		// 313 RPL_WHOISOPERATOR
		u.messageFromServer("313", []string{user.DisplayNick,
			"is an IRC operator"})
	}

	if user.isLocal() {
		// 317 RPL_WHOISIDLE
		idle := int64(a.now().Sub(user.LocalUser.LastMessageTime).Seconds())
		u.messageFromServer("317", []string{
			user.DisplayNick,
			fmt.Sprintf("%d", idle),
			fmt.Sprintf("%d", user.SignonTS),
			"seconds idle, signon time",
		})

		// 318 RPL_ENDOFWHOIS
		u.messageFromServer("318", []string{user.DisplayNick,
			"End of WHOIS list"})
		return CmdSuccess
	}

	// Ask the user's server for idle details; 317/318 follow when the
	// IDLE reply comes back.
	user.Server.Route.maybeQueueMessage(irc.Message{
		Prefix:  string(u.User.UID),
		Command: "IDLE",
		Params:  []string{string(user.UID)},
	})

	return CmdSuccess
}

func (u *LocalUser) statsCommand(m irc.Message) CommandResult {
	if len(m.Params) > 1 &&
		u.remoteQuery("STATS", m.Params[1], m.Params[0]) {
		return CmdSuccess
	}

	u.Alder.sendStats(u, m.Params[0])
	return CmdSuccess
}

// sendStats answers a STATS query for a local or remote asker.
func (a *Alder) sendStats(u *LocalUser, query string) {
	if len(query) == 0 {
		query = "*"
	}

	switch query[0] {
	case 'u':
		uptime := int64(a.now().Sub(a.StartTime).Seconds())
		// 242 RPL_STATSUPTIME
		u.messageFromServer("242", []string{
			fmt.Sprintf("Server Up %d days %d:%02d:%02d",
				uptime/86400, (uptime/3600)%24, (uptime/60)%60,
				uptime%60),
		})

	case 'k', 'K', 'g', 'G', 'q', 'Q', 'z', 'Z', 'e', 'E':
		if !u.User.isOperator() {
			// 481 ERR_NOPRIVILEGES
			u.messageFromServer("481", []string{
				"Permission Denied- You're not an IRC operator"})
			return
		}

		t := XLineType(query[0])
		if t >= 'a' {
			t -= 'a' - 'A'
		}

		for _, x := range a.XLines {
			if x.Type != t {
				continue
			}
			// 216 RPL_STATSKLINE (shape shared by the line families)
			u.messageFromServer("216", []string{
				string(x.Type), x.Mask, "*", x.Setter, x.Reason,
			})
		}
	}

	// 219 RPL_ENDOFSTATS
	u.messageFromServer("219", []string{query, "End of /STATS report"})
}

func (u *LocalUser) wallopsCommand(m irc.Message) CommandResult {
	text := m.Params[0]

	u.Alder.sendWallops(u.User, text)

	u.Alder.broadcastServers(nil, irc.Message{
		Prefix:  string(u.User.UID),
		Command: "WALLOPS",
		Params:  []string{text},
	})
	return CmdSuccess
}

// sendWallops shows a WALLOPS to all local opers.
func (a *Alder) sendWallops(from *User, text string) {
	prefix := a.Config.ServerName
	if from != nil {
		prefix = from.nickUhost()
	}

	for _, user := range a.Opers {
		if !user.isLocal() {
			continue
		}
		user.LocalUser.maybeQueueMessage(irc.Message{
			Prefix:  prefix,
			Command: "WALLOPS",
			Params:  []string{text},
		})
	}
}

func (u *LocalUser) connectCommand(m irc.Message) CommandResult {
	serverName := m.Params[0]

	linkInfo, exists := u.Alder.Config.Servers[serverName]
	if !exists {
		// 402 ERR_NOSUCHSERVER
		u.messageFromServer("402", []string{serverName, "No such server"})
		return CmdFailure
	}

	if u.Alder.isLinkedToServer(serverName) {
		u.serverNotice(fmt.Sprintf("I am already linked to %s.",
			serverName))
		return CmdFailure
	}

	u.Alder.connectToServer(linkInfo)
	return CmdSuccess
}

func (u *LocalUser) rehashCommand(m irc.Message) CommandResult {
	a := u.Alder

	cfg, err := checkAndParseConfig(a.ConfigFile)
	if err != nil {
		a.noticeOpers(fmt.Sprintf("Rehash: Configuration problem: %s",
			err))
		return CmdFailure
	}

	// Only certain config options can change during rehash. Listeners
	// and identity stay as they were.
	a.Config.MOTD = cfg.MOTD
	a.Config.Opers = cfg.Opers
	a.Config.OperTypes = cfg.OperTypes
	a.Config.Servers = cfg.Servers
	a.Config.Classes = cfg.Classes
	a.Config.DisabledCommands = cfg.DisabledCommands
	a.Config.ULines = cfg.ULines
	a.Config.ListEntryLimits = cfg.ListEntryLimits
	a.Config.MaxListEntries = cfg.MaxListEntries

	a.noticeOpers(fmt.Sprintf("%s rehashed configuration.",
		u.User.DisplayNick))
	return CmdSuccess
}

func (u *LocalUser) dieCommand(m irc.Message) CommandResult {
	u.Alder.shutdown(ExitDie)
	return CmdUserDeleted
}

func (u *LocalUser) squitCommand(m irc.Message) CommandResult {
	a := u.Alder

	s := a.serverByParam(m.Params[0])
	if s == nil {
		// 402 ERR_NOSUCHSERVER
		u.messageFromServer("402", []string{m.Params[0],
			"No such server"})
		return CmdFailure
	}

	reason := "No reason given"
	if len(m.Params) > 1 {
		reason = m.Params[1]
	}

	if s.isDirect() {
		a.squitServer(s, nil, reason)
		return CmdSuccess
	}

	// Remote server: route the SQUIT towards it.
	s.Route.maybeQueueMessage(irc.Message{
		Prefix:  string(u.User.UID),
		Command: "SQUIT",
		Params:  []string{string(s.SID), reason},
	})
	return CmdSuccess
}

func (u *LocalUser) killCommand(m irc.Message) CommandResult {
	a := u.Alder

	targetUser := a.userByParam(m.Params[0])
	if targetUser == nil {
		// 401 ERR_NOSUCHNICK
		u.messageFromServer("401", []string{m.Params[0],
			"No such nick/channel"})
		return CmdFailure
	}

	reason := "<No reason given>"
	if len(m.Params) >= 2 && len(m.Params[1]) > 0 {
		reason = m.Params[1]
	}

	a.snomaskNotice('k', fmt.Sprintf(
		"Received KILL message for %s. From %s (%s)",
		targetUser.DisplayNick, u.User.DisplayNick, reason))

	killedSelf := targetUser == u.User

	// Tell all servers before we destroy the target.
	a.broadcastServers(nil, irc.Message{
		Prefix:  string(u.User.UID),
		Command: "KILL",
		Params: []string{string(targetUser.UID),
			fmt.Sprintf("%s (%s)", u.User.DisplayNick, reason)},
	})

	a.killUser(targetUser, u.User, reason)

	if killedSelf {
		return CmdUserDeleted
	}
	return CmdSuccess
}

//
// X-line commands. GLINE/KLINE/ZLINE/QLINE/ELINE share a grammar:
// [duration] <mask> <reason> adds; a bare mask removes.
//

func (u *LocalUser) glineCommand(m irc.Message) CommandResult {
	return u.xlineCommand(XLineG, true, m)
}

func (u *LocalUser) klineCommand(m irc.Message) CommandResult {
	return u.xlineCommand(XLineK, false, m)
}

func (u *LocalUser) zlineCommand(m irc.Message) CommandResult {
	return u.xlineCommand(XLineZ, true, m)
}

func (u *LocalUser) qlineCommand(m irc.Message) CommandResult {
	return u.xlineCommand(XLineQ, true, m)
}

func (u *LocalUser) elineCommand(m irc.Message) CommandResult {
	return u.xlineCommand(XLineE, true, m)
}

func (u *LocalUser) xlineCommand(t XLineType, propagate bool,
	m irc.Message) CommandResult {
	a := u.Alder

	params := m.Params

	// Removal: a single mask parameter.
	if len(params) == 1 {
		if !a.removeXLine(t, params[0]) {
			u.serverNotice(fmt.Sprintf("No such %c-line: %s", t,
				params[0]))
			return CmdFailure
		}

		a.noticeOpers(fmt.Sprintf("%s removed %c-line for %s",
			u.User.DisplayNick, t, params[0]))

		if propagate {
			a.broadcastServers(nil, irc.Message{
				Prefix:  string(u.User.UID),
				Command: "DELLINE",
				Params:  []string{string(t), params[0]},
			})
		}
		return CmdSuccess
	}

	var duration int64
	if d, err := strconv.ParseInt(params[0], 10, 64); err == nil {
		duration = d
		params = params[1:]
	}

	if len(params) < 2 {
		// 461 ERR_NEEDMOREPARAMS
		u.messageFromServer("461", []string{m.Command,
			"Not enough parameters"})
		return CmdFailure
	}

	mask := params[0]
	reason := strings.Join(params[1:], " ")

	if (t == XLineG || t == XLineK || t == XLineE) &&
		!strings.Contains(mask, "@") {
		// 415 ERR_BADMASK
		u.messageFromServer("415", []string{mask,
			"Bad Server/host mask"})
		return CmdFailure
	}

	x := XLine{
		Type:     t,
		Mask:     mask,
		Reason:   reason,
		Setter:   u.User.DisplayNick,
		SetTS:    a.now().Unix(),
		Duration: duration,
	}

	a.addXLine(x)
	a.applyXLine(x)

	a.noticeOpers(fmt.Sprintf("%s added %s for %s [%s]",
		u.User.DisplayNick, x, formatXLineDuration(duration), reason))

	if propagate {
		a.broadcastServers(nil, x.addLineMessage(string(u.User.UID)))
	}

	return CmdSuccess
}

// addLineMessage builds the ADDLINE for an X-line. from is the UID or
// SID sourcing it.
func (x XLine) addLineMessage(from string) irc.Message {
	return irc.Message{
		Prefix:  from,
		Command: "ADDLINE",
		Params: []string{
			string(x.Type),
			x.Mask,
			x.Setter,
			fmt.Sprintf("%d", x.SetTS),
			fmt.Sprintf("%d", x.Duration),
			x.Reason,
		},
	}
}

func formatXLineDuration(seconds int64) string {
	if seconds == 0 {
		return "permanent"
	}
	return fmt.Sprintf("%d seconds", seconds)
}
