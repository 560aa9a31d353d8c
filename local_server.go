package main

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/horgh/irc"
)

// Clock skew bounds checked against the epoch a peer sends in BURST.
const (
	burstSkewWarn  = 30 * time.Second
	burstSkewAbort = 600 * time.Second
)

// LocalServer means the connection registered as a server. This holds
// its link session state.
type LocalServer struct {
	*LocalClient

	Server *Server

	// The last time we heard anything from it.
	LastActivityTime time.Time

	// The last time we sent it a PING.
	LastPingTime time.Time
}

// NewLocalServer upgrades a LocalClient to a LocalServer.
func NewLocalServer(c *LocalClient) *LocalServer {
	now := time.Now()

	return &LocalServer{
		LocalClient:      c,
		LastActivityTime: now,
		LastPingTime:     now,
	}
}

func (s *LocalServer) String() string {
	return s.Server.String()
}

// quit closes the link session itself. Callers wanting full netsplit
// semantics use squitServer, which calls here.
func (s *LocalServer) quit(msg string) {
	// May already be cleaning up.
	if _, exists := s.Alder.LocalServers[s.ID]; !exists {
		return
	}

	s.messageFromServer("ERROR", []string{msg})

	close(s.WriteChan)

	delete(s.Alder.LocalServers, s.ID)
}

func (s *LocalServer) sendPING() {
	// PING <my SID> <their SID>
	s.maybeQueueMessage(irc.Message{
		Prefix:  string(s.Alder.Config.SID),
		Command: "PING",
		Params: []string{string(s.Alder.Config.SID),
			string(s.Server.SID)},
	})
}

// registerServer promotes an authenticated connection to a server
// link, announces it, and bursts our state.
func (c *LocalClient) registerServer() {
	a := c.Alder

	ls := NewLocalServer(c)

	s := &Server{
		SID:         SID(c.PreRegSID),
		Name:        c.PreRegServerName,
		Description: c.PreRegServerDesc,
		HopCount:    1,
		LocalServer: ls,
		Bursting:    true,
	}
	s.Route = ls
	ls.Server = s

	delete(a.LocalClients, c.ID)
	a.LocalServers[ls.ID] = ls
	a.Servers[s.SID] = s
	a.ServerNames[a.canonicalizeServer(s.Name)] = s.SID

	a.snomaskNotice('l', fmt.Sprintf("Established link to %s.", s.Name))

	// Tell other linked servers about the new server.
	a.broadcastServers(ls, irc.Message{
		Prefix:  string(a.Config.SID),
		Command: "SERVER",
		Params: []string{s.Name, "*",
			fmt.Sprintf("%d", s.HopCount+1), string(s.SID),
			s.Description},
	})

	ls.sendBurst()
}

// sendBurst transfers our view of the network: servers, users, their
// opers and aways, channels with their modes and topics and lists,
// and X-lines, bracketed by BURST/ENDBURST.
func (s *LocalServer) sendBurst() {
	a := s.Alder
	mySID := string(a.Config.SID)

	s.maybeQueueMessage(newMessage(mySID, "BURST",
		fmt.Sprintf("%d", a.now().Unix())))

	// Introduce the tree, parents before children, skipping the peer
	// itself.
	var introduce func(parent SID, servers []*Server)
	introduce = func(parent SID, servers []*Server) {
		for _, srv := range servers {
			s.maybeQueueMessage(newMessage(string(parent), "SERVER",
				srv.Name, "*", fmt.Sprintf("%d", srv.HopCount+1),
				string(srv.SID), srv.Description))
			introduce(srv.SID, srv.Children)
		}
	}
	for _, srv := range a.Servers {
		if srv.Parent != nil || srv == s.Server {
			continue
		}
		s.maybeQueueMessage(newMessage(mySID, "SERVER",
			srv.Name, "*", fmt.Sprintf("%d", srv.HopCount+1),
			string(srv.SID), srv.Description))
		introduce(srv.SID, srv.Children)
	}

	// Users.
	for _, u := range a.Users {
		from := a.Config.SID
		if u.isRemote() {
			from = u.Server.SID
		}
		s.maybeQueueMessage(u.uidIntroduction(from))

		if u.isOperator() {
			s.maybeQueueMessage(newMessage(string(u.UID), "OPERTYPE",
				u.OperType))
		}
		if u.isAway() {
			s.maybeQueueMessage(newMessage(string(u.UID), "AWAY", u.Away))
		}
	}

	// Channels.
	for _, channel := range a.Channels {
		for _, m := range a.fjoinMessages(channel) {
			s.maybeQueueMessage(m)
		}

		if len(channel.Topic) > 0 {
			s.maybeQueueMessage(newMessage(mySID, "FTOPIC",
				channel.Name, fmt.Sprintf("%d", channel.TopicTS),
				channel.TopicSetter, channel.Topic))
		}

		for _, m := range a.listModeMessages(channel) {
			s.maybeQueueMessage(m)
		}

		a.notifyHook(HookSyncChannel, &HookEvent{Channel: channel})
	}

	// X-lines.
	for _, x := range a.XLines {
		s.maybeQueueMessage(x.addLineMessage(mySID))
	}

	s.maybeQueueMessage(newMessage(mySID, "ENDBURST"))
}

// fjoinMessages renders a channel as FJOIN lines, splitting the
// member list across messages as needed to stay under the line limit.
func (a *Alder) fjoinMessages(channel *Channel) []irc.Message {
	modeStr := channel.modesString(true)
	modeParams := strings.Fields(modeStr)

	var members []string
	for uid, status := range channel.Members {
		members = append(members,
			fmt.Sprintf("%s,%s", status.allPrefixes(), uid))
	}

	var out []irc.Message
	const membersPerLine = 12

	for start := 0; start < len(members); start += membersPerLine {
		end := start + membersPerLine
		if end > len(members) {
			end = len(members)
		}

		params := []string{channel.Name, fmt.Sprintf("%d", channel.TS)}
		if start == 0 {
			params = append(params, modeParams...)
		} else {
			params = append(params, "+")
		}
		params = append(params, strings.Join(members[start:end], " "))

		out = append(out, irc.Message{
			Prefix:  string(a.Config.SID),
			Command: "FJOIN",
			Params:  params,
		})
	}

	return out
}

// listModeMessages renders a channel's list modes as FMODE lines.
func (a *Alder) listModeMessages(channel *Channel) []irc.Message {
	var stacker ModeStacker
	for _, letter := range []byte{'b', 'e', 'I'} {
		for _, entry := range channel.listEntries(letter) {
			stacker.add(true, letter, entry.Mask)
		}
	}

	var out []irc.Message
	for _, line := range stacker.lines() {
		out = append(out, irc.Message{
			Prefix:  string(a.Config.SID),
			Command: "FMODE",
			Params: append([]string{channel.Name,
				fmt.Sprintf("%d", channel.TS)}, line...),
		})
	}
	return out
}

// originOf resolves a message prefix to its source. A blank prefix
// means the directly connected peer.
//
// We also verify fake direction here: the link that delivered the
// message must be the route to the origin. A message failing that is
// dropped silently; it is either a loop or a peer impersonating a
// user it does not stand behind.
func (s *LocalServer) originOf(prefix string) (*User, *Server, bool) {
	if len(prefix) == 0 {
		return nil, s.Server, true
	}

	if isValidSID(prefix) {
		srv, exists := s.Alder.Servers[SID(prefix)]
		if !exists {
			return nil, nil, false
		}
		if srv.Route != s {
			log.Printf("Fake direction: %s from %s", prefix, s)
			return nil, nil, false
		}
		return nil, srv, true
	}

	if isValidUID(prefix) {
		u, exists := s.Alder.Users[UID(prefix)]
		if !exists {
			return nil, nil, false
		}
		if u.isLocal() || u.Server.Route != s {
			log.Printf("Fake direction: %s from %s", prefix, s)
			return nil, nil, false
		}
		return u, u.Server, true
	}

	return nil, nil, false
}

// The peer sent us a message. Deal with it.
func (s *LocalServer) handleMessage(m irc.Message) {
	// Record that the peer said something to us just now.
	s.LastActivityTime = s.Alder.now()

	srcUser, srcServer, ok := s.originOf(m.Prefix)
	if !ok {
		return
	}

	switch m.Command {
	case "PING":
		s.pingCommand(m)
	case "PONG":
		// Nothing beyond the activity bump.
	case "ERROR":
		s.errorCommand(m)
	case "BURST":
		s.burstCommand(srcServer, m)
	case "ENDBURST":
		s.endburstCommand(srcServer)
	case "SERVER":
		s.serverIntroCommand(srcServer, m)
	case "UID":
		s.uidCommand(srcServer, m)
	case "NICK":
		s.nickCommand(srcUser, m)
	case "QUIT":
		s.quitCommand(srcUser, m)
	case "FJOIN":
		s.fjoinCommand(srcServer, m)
	case "PART":
		s.partCommand(srcUser, m)
	case "KICK":
		s.kickCommand(srcUser, srcServer, m)
	case "FMODE":
		s.fmodeCommand(srcUser, srcServer, m)
	case "MODE":
		s.modeCommand(srcUser, m)
	case "FTOPIC":
		s.ftopicCommand(srcUser, srcServer, m)
	case "PRIVMSG", "NOTICE":
		s.privmsgCommand(srcUser, srcServer, m)
	case "KILL":
		s.killCommand(srcUser, srcServer, m)
	case "SQUIT":
		s.squitCommand(srcUser, srcServer, m)
	case "AWAY":
		s.awayCommand(srcUser, m)
	case "OPERTYPE":
		s.opertypeCommand(srcUser, m)
	case "INVITE":
		s.inviteCommand(srcUser, m)
	case "ADDLINE":
		s.addlineCommand(srcUser, srcServer, m)
	case "DELLINE":
		s.dellineCommand(srcUser, srcServer, m)
	case "SVSNICK":
		s.svsnickCommand(srcServer, m)
	case "SVSJOIN":
		s.svsjoinCommand(srcServer, m)
	case "SVSPART":
		s.svspartCommand(srcServer, m)
	case "METADATA", "ENCAP":
		// We store nothing for these; route them on for interested
		// parties.
		s.Alder.broadcastServers(s, m)
	case "PUSH":
		s.pushCommand(m)
	case "IDLE":
		s.idleCommand(srcUser, m)
	case "VERSION", "TIME", "MOTD", "ADMIN", "STATS":
		s.remoteQueryCommand(srcUser, m)
	case "REHASH":
		s.rehashCommand(srcUser, m)
	case "WALLOPS":
		s.wallopsCommand(srcUser, m)
	case "TOPIC":
		s.topicCommand(srcUser, m)
	default:
		log.Printf("Server %s: unhandled command %s", s, m.Command)
	}
}

func (s *LocalServer) pingCommand(m irc.Message) {
	if len(m.Params) < 1 {
		return
	}

	// PONG <my server name> <their SID>
	s.maybeQueueMessage(irc.Message{
		Prefix:  string(s.Alder.Config.SID),
		Command: "PONG",
		Params:  []string{s.Alder.Config.ServerName, m.Params[0]},
	})
}

func (s *LocalServer) errorCommand(m irc.Message) {
	reason := "Peer sent ERROR"
	if len(m.Params) > 0 {
		reason = fmt.Sprintf("Peer sent ERROR: %s", m.Params[0])
	}
	s.Alder.squitServer(s.Server, nil, reason)
}

func (s *LocalServer) burstCommand(src *Server, m irc.Message) {
	src.Bursting = true

	if len(m.Params) == 0 || src != s.Server {
		return
	}

	epoch, err := strconv.ParseInt(m.Params[0], 10, 64)
	if err != nil {
		return
	}

	skew := time.Duration(epoch-s.Alder.now().Unix()) * time.Second
	if skew < 0 {
		skew = -skew
	}

	if skew > burstSkewAbort {
		s.Alder.noticeOpers(fmt.Sprintf(
			"Link %s aborted: clock skew of %s", s.Server.Name, skew))
		s.Alder.squitServer(s.Server, nil, "Excessive clock skew")
		return
	}
	if skew > burstSkewWarn {
		s.Alder.noticeOpers(fmt.Sprintf(
			"Warning: link %s has clock skew of %s; TS rules may act on "+
				"bad data. Sync your clocks.", s.Server.Name, skew))
	}
}

func (s *LocalServer) endburstCommand(src *Server) {
	src.Bursting = false

	// X-line side effects were deferred during the burst.
	for _, x := range s.Alder.XLines {
		s.Alder.applyXLine(x)
	}

	if src == s.Server {
		s.Alder.snomaskNotice('l', fmt.Sprintf("Burst with %s over.",
			src.Name))
	}
}

// serverIntroCommand hears about a server deeper in the tree.
// :<parent SID> SERVER <name> * <hops> <SID> :<desc>
func (s *LocalServer) serverIntroCommand(parent *Server, m irc.Message) {
	a := s.Alder

	if len(m.Params) < 5 {
		a.squitServer(s.Server, nil, "Malformed SERVER")
		return
	}

	name := m.Params[0]
	sid := m.Params[3]
	desc := m.Params[4]

	if !isValidSID(sid) {
		a.squitServer(s.Server, nil, "Malformed SID")
		return
	}

	if SID(sid) == a.Config.SID {
		a.squitServer(s.Server, nil, "SID collision")
		return
	}
	if _, exists := a.Servers[SID(sid)]; exists {
		a.squitServer(s.Server, nil, "SID collision")
		return
	}
	if a.serverByName(name) != nil ||
		a.canonicalizeServer(name) ==
			a.canonicalizeServer(a.Config.ServerName) {
		a.squitServer(s.Server, nil, "Server name collision")
		return
	}

	srv := &Server{
		SID:         SID(sid),
		Name:        name,
		Description: desc,
		HopCount:    parent.HopCount + 1,
		Route:       s,
		Bursting:    s.Server.Bursting,
	}
	parent.addChild(srv)

	a.Servers[srv.SID] = srv
	a.ServerNames[a.canonicalizeServer(name)] = srv.SID

	a.snomaskNotice('l', fmt.Sprintf("Server %s introduced %s (%s)",
		parent.Name, name, desc))

	a.broadcastServers(s, m)
}

// uidCommand introduces a remote user.
// :<SID> UID <uid> <nickTS> <nick> <host> <dhost> <ident> <ip>
//   <signonTS> +<modes> [mode params] :<gecos>
func (s *LocalServer) uidCommand(src *Server, m irc.Message) {
	a := s.Alder

	if len(m.Params) < 10 {
		a.squitServer(s.Server, nil, "Malformed UID")
		return
	}

	uid := m.Params[0]
	nick := m.Params[2]
	host := m.Params[3]
	dhost := m.Params[4]
	ident := m.Params[5]
	ip := m.Params[6]
	modes := m.Params[8]
	gecos := m.Params[len(m.Params)-1]

	nickTS, err := strconv.ParseInt(m.Params[1], 10, 64)
	if err != nil {
		a.squitServer(s.Server, nil, "Malformed UID TS")
		return
	}
	signonTS, err := strconv.ParseInt(m.Params[7], 10, 64)
	if err != nil {
		a.squitServer(s.Server, nil, "Malformed UID TS")
		return
	}

	if !isValidUID(uid) || UID(uid).SID() != src.SID {
		a.squitServer(s.Server, nil, "Invalid UID")
		return
	}

	if _, exists := a.Users[UID(uid)]; exists {
		a.squitServer(s.Server, nil, "Duplicate UID")
		return
	}

	// Nick collision?
	if existing := a.userByNick(nick); existing != nil {
		if !a.collideNick(s, existing, UID(uid), nickTS, ident, host) {
			return
		}
	}

	u := &User{
		UID:         UID(uid),
		DisplayNick: nick,
		NickTS:      nickTS,
		SignonTS:    signonTS,
		Ident:       ident,
		Hostname:    host,
		DisplayHost: dhost,
		IP:          ip,
		RealName:    gecos,
		Modes:       make(map[byte]struct{}),
		Channels:    make(map[string]*Channel),
		Server:      src,
	}

	for i := 0; i < len(modes); i++ {
		if modes[i] == '+' {
			continue
		}
		u.Modes[modes[i]] = struct{}{}
	}
	if u.isOperator() {
		a.Opers[u.UID] = u
	}

	a.Users[u.UID] = u
	a.Nicks[a.canonicalizeNick(nick)] = u.UID

	a.broadcastServers(s, m)
}

// nickCommand is a remote nick change. :<uid> NICK <new> <ts>
func (s *LocalServer) nickCommand(src *User, m irc.Message) {
	a := s.Alder

	if src == nil || len(m.Params) < 1 {
		return
	}

	nick := m.Params[0]
	ts := a.now().Unix()
	if len(m.Params) > 1 {
		if parsed, err := strconv.ParseInt(m.Params[1], 10, 64); err == nil {
			ts = parsed
		}
	}

	if existing := a.userByNick(nick); existing != nil &&
		existing != src {
		if !a.collideNick(s, existing, src.UID, ts, src.Ident,
			src.Hostname) {
			// The changer lost; they got our KILL.
			return
		}
	}

	delete(a.Nicks, a.canonicalizeNick(src.DisplayNick))
	a.Nicks[a.canonicalizeNick(nick)] = src.UID
	src.NickTS = ts

	a.messageNeighbors(src, false, irc.Message{
		Prefix:  src.nickUhost(),
		Command: "NICK",
		Params:  []string{nick},
	})

	src.DisplayNick = nick

	a.notifyHook(HookUserNick, &HookEvent{User: src})

	a.broadcastServers(s, m)
}

func (s *LocalServer) quitCommand(src *User, m irc.Message) {
	if src == nil {
		return
	}

	reason := ""
	if len(m.Params) > 0 {
		reason = m.Params[0]
	}

	s.Alder.removeUser(src, reason)

	s.Alder.broadcastServers(s, m)
}

// fjoinCommand merges a channel under the TS rules.
// :<SID> FJOIN <chan> <TS> <+modes> <mode params...> :<prefixes,uid>...
func (s *LocalServer) fjoinCommand(src *Server, m irc.Message) {
	a := s.Alder

	if len(m.Params) < 4 {
		a.squitServer(s.Server, nil, "Malformed FJOIN")
		return
	}

	channelName := a.canonicalizeChannel(m.Params[0])
	theirTS, err := strconv.ParseInt(m.Params[1], 10, 64)
	if err != nil {
		a.squitServer(s.Server, nil, "Malformed FJOIN TS")
		return
	}

	// Forward first, so our own mode confirmations follow it at every
	// other server.
	a.broadcastServers(s, m)

	channel, exists := a.Channels[channelName]
	created := false
	if !exists {
		channel = newChannel(channelName, theirTS)
		a.Channels[channelName] = channel
		created = true
	}

	weWin := !created && channel.TS < theirTS
	weLose := !created && channel.TS > theirTS

	if weLose {
		// We lose: lower our TS and strip every prefix from every
		// existing member, confirming the removals to the network so
		// every server converges without replaying TS rules.
		channel.TS = theirTS

		var stripped ModeStacker
		for uid, status := range channel.Members {
			letters := status.modeLetters()
			for i := 0; i < len(letters); i++ {
				stripped.add(false, letters[i], string(uid))
			}
			channel.Members[uid] = 0
		}

		if !stripped.empty() {
			a.emitChannelModes(ModeSource{}, channel, stripped, nil)
		}
	}

	// Apply their simple modes unless we won the merge.
	if !weWin {
		modeParams := m.Params[2 : len(m.Params)-1]
		changes, _ := a.Modes.parseModeChanges(ChannelMode, modeParams)
		a.applyChannelModes(ModeSource{Server: src}, channel, changes,
			true, nil)
	}

	// Add the members.
	var granted ModeStacker
	for _, item := range strings.Fields(m.Params[len(m.Params)-1]) {
		idx := strings.IndexByte(item, ',')
		if idx == -1 {
			continue
		}
		prefixes := item[:idx]
		uid := UID(item[idx+1:])

		u, userExists := a.Users[uid]
		if !userExists {
			// A user we never heard of. We pass the line on (above)
			// in case we're desynced, but can't place them locally.
			log.Printf("FJOIN for %s names unknown user %s",
				channelName, uid)
			continue
		}

		// Fake direction per member: the origin of the FJOIN may
		// differ from the home of each nick in it.
		if u.isLocal() || u.Server.Route != s {
			log.Printf("Fake direction in FJOIN, user %s", u.DisplayNick)
			continue
		}

		existing, alreadyMember := channel.Members[uid]

		status := MemberStatus(0)
		if !weWin {
			// We keep their prefixes only if we lost or drew. The
			// losing side's users rejoin bare. At equal TS an
			// existing member's prefixes union with the incoming
			// ones.
			for i := 0; i < len(prefixes); i++ {
				if h := a.Modes.findPrefix(prefixes[i]); h != nil {
					if !existing.has(h.StatusBit) {
						granted.add(true, h.Letter, string(uid))
					}
					status |= h.StatusBit
				}
			}
		}

		if alreadyMember {
			channel.Members[uid] = existing | status
			continue
		}

		channel.Members[uid] = status
		u.Channels[channel.Name] = channel

		a.messageLocalUsersOnChannel(channel, irc.Message{
			Prefix:  u.nickUhost(),
			Command: "JOIN",
			Params:  []string{channel.Name},
		})

		a.notifyHook(HookUserJoin, &HookEvent{User: u, Channel: channel})
	}

	// Show accepted prefixes to our local members. Peers saw the
	// forwarded FJOIN.
	if !granted.empty() {
		clientStacker, _ := a.translateModeParams(granted)
		for _, line := range clientStacker.lines() {
			a.messageLocalUsersOnChannel(channel, irc.Message{
				Prefix:  src.Name,
				Command: "MODE",
				Params:  append([]string{channel.Name}, line...),
			})
		}
	}

	if len(channel.Members) == 0 {
		delete(a.Channels, channel.Name)
	}
}

func (s *LocalServer) partCommand(src *User, m irc.Message) {
	a := s.Alder

	if src == nil || len(m.Params) < 1 {
		return
	}

	channel, exists := a.Channels[a.canonicalizeChannel(m.Params[0])]
	if !exists || !src.onChannel(channel) {
		return
	}

	partParams := []string{channel.Name}
	if len(m.Params) > 1 {
		partParams = append(partParams, m.Params[1])
	}

	a.messageLocalUsersOnChannel(channel, irc.Message{
		Prefix:  src.nickUhost(),
		Command: "PART",
		Params:  partParams,
	})

	channel.removeUser(src)
	if len(channel.Members) == 0 {
		delete(a.Channels, channel.Name)
	}

	a.broadcastServers(s, m)
}

// kickCommand is a remote kick. :<src> KICK <chan> <uid> :<reason>
func (s *LocalServer) kickCommand(srcUser *User, srcServer *Server,
	m irc.Message) {
	a := s.Alder

	if len(m.Params) < 2 {
		return
	}

	channel, exists := a.Channels[a.canonicalizeChannel(m.Params[0])]
	if !exists {
		return
	}

	target := a.userByParam(m.Params[1])
	if target == nil || !target.onChannel(channel) {
		return
	}

	reason := target.DisplayNick
	if len(m.Params) > 2 {
		reason = m.Params[2]
	}

	src := ModeSource{User: srcUser}
	if srcUser == nil {
		src = ModeSource{Server: srcServer}
	}

	a.commitKick(src, channel, target, reason, s)
}

// fmodeCommand is a TS-checked mode change.
// :<src> FMODE <target> <TS> <modes> [params...]
func (s *LocalServer) fmodeCommand(srcUser *User, srcServer *Server,
	m irc.Message) {
	a := s.Alder

	if len(m.Params) < 3 {
		return
	}

	ts, err := strconv.ParseInt(m.Params[1], 10, 64)
	if err != nil {
		return
	}

	src := ModeSource{User: srcUser}
	if srcUser == nil {
		src = ModeSource{Server: srcServer}
	}

	// User target: apply iff the TS matches the nick TS exactly.
	if target := a.userByParam(m.Params[0]); target != nil {
		if ts != target.NickTS {
			return
		}
		a.applyRemoteUserModes(target, m.Params[2:])
		a.broadcastServers(s, m)
		return
	}

	channel, exists := a.Channels[a.canonicalizeChannel(m.Params[0])]
	if !exists {
		return
	}

	changes, _ := a.Modes.parseModeChanges(ChannelMode, m.Params[2:])
	if len(changes) == 0 {
		return
	}

	uline := srcServer != nil && a.Config.isULine(srcServer.Name)

	switch {
	case ts == channel.TS:
		a.mergeEqualTSModes(src, s, channel, changes)

	case ts < channel.TS && !uline:
		// Do not apply; answer with a reinforcement so the sender
		// converges on our state.
		s.maybeQueueMessage(a.reinforceModes(channel, changes))

	default:
		// Their TS is higher than ours, or the sender is trusted
		// services. Apply and propagate.
		if uline && ts > channel.TS {
			a.noticeOpers(fmt.Sprintf(
				"U-lined server %s has bad TS for %s (accepted "+
					"change): sync your clocks", srcServer.Name,
				channel.Name))
		}
		applied := a.applyChannelModes(src, channel, changes, true, nil)
		if !applied.empty() {
			a.emitChannelModes(src, channel, applied, s)
		}
	}
}

// mergeEqualTSModes handles FMODE at equal TS: parametric modes ask
// their handler which side wins; winners we keep get bounced back to
// the sender, the rest applies and flows onward.
func (a *Alder) mergeEqualTSModes(src ModeSource, from *LocalServer,
	channel *Channel, changes []ModeChange) {

	var keep []ModeChange
	var bounce ModeStacker

	for _, change := range changes {
		h := a.Modes.find(ChannelMode, change.Letter)
		if h == nil {
			continue
		}

		if change.Adding && !h.List && h.ParamsAdding > 0 &&
			!h.isPrefix() {
			ourParam, set := channel.parametricValue(change.Letter)
			if set && keepOurs(change.Letter, ourParam, change.Param) {
				bounce.add(true, change.Letter, ourParam)
				continue
			}
		}

		keep = append(keep, change)
	}

	if !bounce.empty() {
		for _, line := range bounce.lines() {
			from.maybeQueueMessage(irc.Message{
				Prefix:  string(a.Config.SID),
				Command: "FMODE",
				Params: append([]string{channel.Name,
					fmt.Sprintf("%d", channel.TS)}, line...),
			})
		}
	}

	if len(keep) > 0 {
		applied := a.applyChannelModes(src, channel, keep, true, nil)
		if !applied.empty() {
			a.emitChannelModes(src, channel, applied, from)
		}
	}
}

// parametricValue returns the current value of a parametric channel
// mode and whether it is set.
func (c *Channel) parametricValue(letter byte) (string, bool) {
	switch letter {
	case 'k':
		return c.Key, len(c.Key) > 0
	case 'l':
		if c.Limit > 0 {
			return strconv.Itoa(c.Limit), true
		}
		return "", false
	}
	return "", false
}

// keepOurs decides an equal-TS parameter conflict deterministically:
// both sides run the same comparison, so both converge without
// another round trip. The higher value wins.
func keepOurs(letter byte, ours, theirs string) bool {
	if letter == 'l' {
		ourN, err1 := strconv.Atoi(ours)
		theirN, err2 := strconv.Atoi(theirs)
		if err1 == nil && err2 == nil {
			return ourN >= theirN
		}
	}
	return ours >= theirs
}

// reinforceModes builds the response to a stale FMODE: for each mode
// they touched, reinforce our current state rather than inverting
// theirs blindly, so repeated exchanges cannot oscillate.
func (a *Alder) reinforceModes(channel *Channel,
	changes []ModeChange) irc.Message {

	var stacker ModeStacker

	for _, change := range changes {
		h := a.Modes.find(ChannelMode, change.Letter)
		if h == nil {
			continue
		}

		switch {
		case h.isPrefix():
			target := a.userByParam(change.Param)
			if target == nil {
				continue
			}
			has := channel.status(target.UID).has(h.StatusBit)
			stacker.add(has, change.Letter, string(target.UID))

		case h.List:
			mask := canonicalizeBanMask(a.Config.CaseMapping,
				change.Param)
			stacker.add(channel.onList(h.Letter, mask), change.Letter,
				mask)

		case h.ParamsAdding > 0:
			if param, set := channel.parametricValue(
				change.Letter); set {
				stacker.add(true, change.Letter, param)
			} else {
				stacker.add(false, change.Letter, "")
			}

		default:
			stacker.add(channel.hasMode(change.Letter), change.Letter, "")
		}
	}

	params := []string{channel.Name, fmt.Sprintf("%d", channel.TS)}
	lines := stacker.lines()
	if len(lines) > 0 {
		params = append(params, lines[0]...)
	}

	return irc.Message{
		Prefix:  string(a.Config.SID),
		Command: "FMODE",
		Params:  params,
	}
}

// applyRemoteUserModes applies a peer's user mode string.
func (a *Alder) applyRemoteUserModes(target *User, params []string) {
	changes, _ := a.Modes.parseModeChanges(UserMode, params)
	for _, change := range changes {
		if change.Adding {
			target.Modes[change.Letter] = struct{}{}
			if change.Letter == 'o' {
				a.Opers[target.UID] = target
			}
		} else {
			delete(target.Modes, change.Letter)
			if change.Letter == 'o' {
				delete(a.Opers, target.UID)
				target.OperType = ""
			}
		}
	}

	if target.isLocal() && len(params) > 0 {
		target.LocalUser.maybeQueueMessage(irc.Message{
			Prefix:  target.nickUhost(),
			Command: "MODE",
			Params:  append([]string{target.DisplayNick}, params...),
		})
	}
}

// modeCommand is a peer's plain user MODE change. :<uid> MODE <uid>
// <modes>
func (s *LocalServer) modeCommand(src *User, m irc.Message) {
	if src == nil || len(m.Params) < 2 {
		return
	}

	target := s.Alder.userByParam(m.Params[0])
	if target == nil {
		return
	}

	s.Alder.applyRemoteUserModes(target, m.Params[1:])
	s.Alder.broadcastServers(s, m)
}

// ftopicCommand applies a remote topic if it is no older than ours.
// :<src> FTOPIC <chan> <ts> <setter> :<text>
func (s *LocalServer) ftopicCommand(srcUser *User, srcServer *Server,
	m irc.Message) {
	a := s.Alder

	if len(m.Params) < 4 {
		return
	}

	channel, exists := a.Channels[a.canonicalizeChannel(m.Params[0])]
	if !exists {
		return
	}

	ts, err := strconv.ParseInt(m.Params[1], 10, 64)
	if err != nil {
		return
	}

	if ts < channel.TopicTS && len(channel.Topic) > 0 {
		return
	}

	oldTopic := channel.Topic
	channel.Topic = m.Params[3]
	channel.TopicSetter = m.Params[2]
	channel.TopicTS = ts

	// If the text is unchanged we update setter and time silently.
	if oldTopic != channel.Topic {
		prefix := s.Server.Name
		if srcUser != nil {
			prefix = srcUser.nickUhost()
		} else if srcServer != nil {
			prefix = srcServer.Name
		}
		a.messageLocalUsersOnChannel(channel, irc.Message{
			Prefix:  prefix,
			Command: "TOPIC",
			Params:  []string{channel.Name, channel.Topic},
		})
	}

	a.broadcastServers(s, m)
}

// topicCommand handles a plain TOPIC from a remote user (services
// sometimes send these). Applied without TS checks, then converted
// outward as FTOPIC.
func (s *LocalServer) topicCommand(src *User, m irc.Message) {
	a := s.Alder

	if src == nil || len(m.Params) < 2 {
		return
	}

	channel, exists := a.Channels[a.canonicalizeChannel(m.Params[0])]
	if !exists {
		return
	}

	channel.Topic = m.Params[1]
	channel.TopicSetter = src.nickUhost()
	channel.TopicTS = a.now().Unix()

	a.messageLocalUsersOnChannel(channel, irc.Message{
		Prefix:  src.nickUhost(),
		Command: "TOPIC",
		Params:  []string{channel.Name, channel.Topic},
	})

	a.broadcastServers(s, newMessage(string(src.UID), "FTOPIC",
		channel.Name, fmt.Sprintf("%d", channel.TopicTS),
		channel.TopicSetter, channel.Topic))
}

// privmsgCommand relays a message from a remote user.
func (s *LocalServer) privmsgCommand(srcUser *User, srcServer *Server,
	m irc.Message) {
	a := s.Alder

	if len(m.Params) < 2 {
		return
	}

	target := m.Params[0]
	text := m.Params[1]

	prefix := ""
	if srcUser != nil {
		prefix = srcUser.nickUhost()
	} else if srcServer != nil {
		prefix = srcServer.Name
	}

	if len(target) > 0 && target[0] == '#' {
		channel, exists := a.Channels[a.canonicalizeChannel(target)]
		if !exists {
			return
		}

		toServers := make(map[*LocalServer]struct{})
		for memberUID := range channel.Members {
			member := a.Users[memberUID]
			if member == nil {
				continue
			}
			if srcUser != nil && member.UID == srcUser.UID {
				continue
			}

			if member.isLocal() {
				member.LocalUser.maybeQueueMessage(irc.Message{
					Prefix:  prefix,
					Command: m.Command,
					Params:  []string{channel.Name, text},
				})
				continue
			}

			if member.Server.Route != s {
				toServers[member.Server.Route] = struct{}{}
			}
		}

		for server := range toServers {
			server.maybeQueueMessage(m)
		}
		return
	}

	targetUser := a.userByParam(target)
	if targetUser == nil {
		return
	}

	if targetUser.isLocal() {
		targetUser.LocalUser.maybeQueueMessage(irc.Message{
			Prefix:  prefix,
			Command: m.Command,
			Params:  []string{targetUser.DisplayNick, text},
		})
		return
	}

	targetUser.Server.Route.maybeQueueMessage(m)
}

// killCommand removes a user on a peer's say-so.
// :<src> KILL <uid> :<reason>
func (s *LocalServer) killCommand(srcUser *User, srcServer *Server,
	m irc.Message) {
	a := s.Alder

	if len(m.Params) < 1 {
		return
	}

	target := a.userByParam(m.Params[0])
	if target == nil {
		// Already gone; kills race with quits routinely.
		return
	}

	reason := "Killed"
	if len(m.Params) > 1 {
		reason = m.Params[1]
	}

	killerName := s.Server.Name
	if srcUser != nil {
		killerName = srcUser.DisplayNick
	} else if srcServer != nil {
		killerName = srcServer.Name
	}

	a.snomaskNotice('k', fmt.Sprintf(
		"Received KILL message for %s. From %s (%s)",
		target.DisplayNick, killerName, reason))

	if target.isLocal() {
		// We are the endpoint; the KILL stops here and our QUIT
		// fanout tells everyone else.
		target.LocalUser.messageFromServer("KILL",
			[]string{target.DisplayNick, reason})
		target.LocalUser.quit(fmt.Sprintf("Killed (%s (%s))",
			killerName, reason), true)
		return
	}

	a.removeUser(target, fmt.Sprintf("Killed (%s (%s))", killerName,
		reason))
	a.broadcastServers(s, m)
}

// squitCommand handles netsplit instructions.
// :<src> SQUIT <SID|name> :<reason>
func (s *LocalServer) squitCommand(srcUser *User, srcServer *Server,
	m irc.Message) {
	a := s.Alder

	if len(m.Params) < 1 {
		return
	}

	reason := "No reason given"
	if len(m.Params) > 1 {
		reason = m.Params[1]
	}

	target := a.serverByParam(m.Params[0])
	if target == nil {
		return
	}

	if target.Route != s && !target.isDirect() {
		// An SQUIT for a server we route elsewhere: pass it along.
		target.Route.maybeQueueMessage(m)
		return
	}

	a.squitServer(target, s, reason)
}

func (s *LocalServer) awayCommand(src *User, m irc.Message) {
	if src == nil {
		return
	}

	if len(m.Params) == 0 || len(m.Params[0]) == 0 {
		src.Away = ""
	} else {
		src.Away = m.Params[0]
	}

	s.Alder.broadcastServers(s, m)
}

func (s *LocalServer) opertypeCommand(src *User, m irc.Message) {
	if src == nil || len(m.Params) < 1 {
		return
	}

	src.Modes['o'] = struct{}{}
	src.OperType = m.Params[0]
	s.Alder.Opers[src.UID] = src

	s.Alder.broadcastServers(s, m)
}

func (s *LocalServer) inviteCommand(src *User, m irc.Message) {
	a := s.Alder

	if src == nil || len(m.Params) < 2 {
		return
	}

	target := a.userByParam(m.Params[0])
	if target == nil {
		return
	}

	channelName := a.canonicalizeChannel(m.Params[1])

	if target.isLocal() {
		target.LocalUser.Invites[channelName] = struct{}{}
		target.LocalUser.maybeQueueMessage(irc.Message{
			Prefix:  src.nickUhost(),
			Command: "INVITE",
			Params:  []string{target.DisplayNick, channelName},
		})
		return
	}

	target.Server.Route.maybeQueueMessage(m)
}

// addlineCommand stores a remote X-line. Side effects are deferred
// while the source is bursting.
// :<src> ADDLINE <type> <mask> <setter> <setTS> <duration> :<reason>
func (s *LocalServer) addlineCommand(srcUser *User, srcServer *Server,
	m irc.Message) {
	a := s.Alder

	if len(m.Params) < 6 {
		return
	}

	if len(m.Params[0]) != 1 {
		return
	}
	t := XLineType(m.Params[0][0])
	switch t {
	case XLineG, XLineZ, XLineQ, XLineE:
	case XLineK:
		// K-lines are local by definition; ignore remote ones.
		return
	default:
		return
	}

	setTS, err := strconv.ParseInt(m.Params[3], 10, 64)
	if err != nil {
		return
	}
	duration, err := strconv.ParseInt(m.Params[4], 10, 64)
	if err != nil {
		return
	}

	x := XLine{
		Type:     t,
		Mask:     m.Params[1],
		Reason:   m.Params[5],
		Setter:   m.Params[2],
		SetTS:    setTS,
		Duration: duration,
	}

	a.addXLine(x)

	bursting := srcServer != nil && srcServer.Bursting
	if !bursting {
		a.applyXLine(x)
	}

	a.broadcastServers(s, m)
}

// dellineCommand removes an X-line network wide.
// :<src> DELLINE <type> <mask>
func (s *LocalServer) dellineCommand(srcUser *User, srcServer *Server,
	m irc.Message) {
	if len(m.Params) < 2 || len(m.Params[0]) != 1 {
		return
	}

	if s.Alder.removeXLine(XLineType(m.Params[0][0]), m.Params[1]) {
		s.Alder.broadcastServers(s, m)
	}
}

// svsnickCommand forces a nick change, services only.
// :<src> SVSNICK <uid> <newnick> <ts>
func (s *LocalServer) svsnickCommand(srcServer *Server, m irc.Message) {
	a := s.Alder

	if srcServer == nil || !a.Config.isULine(srcServer.Name) {
		return
	}
	if len(m.Params) < 2 {
		return
	}

	target := a.userByParam(m.Params[0])
	if target == nil {
		return
	}

	if !target.isLocal() {
		target.Server.Route.maybeQueueMessage(m)
		return
	}

	nick := m.Params[1]
	if !isValidNick(a.Config.MaxNickLength, nick) {
		return
	}
	if existing := a.userByNick(nick); existing != nil &&
		existing != target {
		return
	}

	lu := target.LocalUser
	lu.changeNick(nick, a.canonicalizeNick(nick),
		a.canonicalizeNick(target.DisplayNick), a.now().Unix())
}

// svsjoinCommand forces a local user into a channel, services only.
func (s *LocalServer) svsjoinCommand(srcServer *Server, m irc.Message) {
	a := s.Alder

	if srcServer == nil || !a.Config.isULine(srcServer.Name) {
		return
	}
	if len(m.Params) < 2 {
		return
	}

	target := a.userByParam(m.Params[0])
	if target == nil {
		return
	}

	if !target.isLocal() {
		target.Server.Route.maybeQueueMessage(m)
		return
	}

	target.LocalUser.join(m.Params[1], "")
}

// svspartCommand forces a local user out of a channel, services only.
func (s *LocalServer) svspartCommand(srcServer *Server, m irc.Message) {
	a := s.Alder

	if srcServer == nil || !a.Config.isULine(srcServer.Name) {
		return
	}
	if len(m.Params) < 2 {
		return
	}

	target := a.userByParam(m.Params[0])
	if target == nil {
		return
	}

	if !target.isLocal() {
		target.Server.Route.maybeQueueMessage(m)
		return
	}

	target.LocalUser.part(m.Params[1], "Services")
}

// pushCommand delivers a pre-built line to one of our users.
// :<src> PUSH <uid> :<raw line>
func (s *LocalServer) pushCommand(m irc.Message) {
	a := s.Alder

	if len(m.Params) < 2 {
		return
	}

	target := a.userByParam(m.Params[0])
	if target == nil {
		return
	}

	if !target.isLocal() {
		target.Server.Route.maybeQueueMessage(m)
		return
	}

	inner, err := irc.ParseMessage(m.Params[1] + "\r\n")
	if err != nil && err != irc.ErrTruncated {
		return
	}

	target.LocalUser.maybeQueueMessage(inner)
}

// idleCommand serves cross-server WHOIS idle queries.
// Query: :<asker uid> IDLE <target uid>
// Reply: :<target uid> IDLE <asker uid> <signon> <idle seconds>
func (s *LocalServer) idleCommand(src *User, m irc.Message) {
	a := s.Alder

	if src == nil || len(m.Params) < 1 {
		return
	}

	target := a.userByParam(m.Params[0])
	if target == nil {
		return
	}

	if len(m.Params) >= 3 {
		// This is a reply travelling back to the asker.
		if !target.isLocal() {
			target.Server.Route.maybeQueueMessage(m)
			return
		}

		lu := target.LocalUser
		// 317 RPL_WHOISIDLE
		lu.messageFromServer("317", []string{
			src.DisplayNick, m.Params[2], m.Params[1],
			"seconds idle, signon time",
		})
		// 318 RPL_ENDOFWHOIS
		lu.messageFromServer("318", []string{src.DisplayNick,
			"End of WHOIS list"})
		return
	}

	// A query. Answer for our own users, route otherwise.
	if !target.isLocal() {
		target.Server.Route.maybeQueueMessage(m)
		return
	}

	lu := target.LocalUser
	idle := int64(a.now().Sub(lu.LastMessageTime).Seconds())
	src.Server.Route.maybeQueueMessage(irc.Message{
		Prefix:  string(target.UID),
		Command: "IDLE",
		Params: []string{string(src.UID),
			fmt.Sprintf("%d", target.SignonTS),
			fmt.Sprintf("%d", idle)},
	})
}

// remoteQueryCommand serves VERSION/TIME/MOTD/ADMIN/STATS requests
// from remote users, or routes them to their destination.
func (s *LocalServer) remoteQueryCommand(src *User, m irc.Message) {
	a := s.Alder

	if src == nil || len(m.Params) < 1 {
		return
	}

	// Destination is the last parameter.
	dest := m.Params[len(m.Params)-1]
	if SID(dest) != a.Config.SID &&
		a.canonicalizeServer(dest) !=
			a.canonicalizeServer(a.Config.ServerName) {
		if target := a.serverByParam(dest); target != nil {
			target.Route.maybeQueueMessage(m)
		}
		return
	}

	switch m.Command {
	case "VERSION":
		a.pushNumeric(src, "351",
			[]string{alderVersion, a.Config.ServerName, ""})

	case "TIME":
		a.pushNumeric(src, "391",
			[]string{a.Config.ServerName, dispatchTime(a.now())})

	case "MOTD":
		a.pushNumeric(src, "375", []string{
			fmt.Sprintf("- %s Message of the day - ",
				a.Config.ServerName)})
		for _, line := range a.Config.MOTD {
			a.pushNumeric(src, "372",
				[]string{fmt.Sprintf("- %s", line)})
		}
		a.pushNumeric(src, "376", []string{"End of MOTD command"})

	case "ADMIN":
		a.pushNumeric(src, "256",
			[]string{a.Config.ServerName, "Administrative info"})
		a.pushNumeric(src, "257", []string{a.Config.ServerInfo})
		a.pushNumeric(src, "258", []string{a.Config.NetworkName})
		a.pushNumeric(src, "259", []string{a.Config.AdminInfo})

	case "STATS":
		if len(m.Params) >= 2 {
			a.sendRemoteStats(src, m.Params[0])
		}
	}
}

// sendRemoteStats answers STATS for a remote asker via PUSH.
func (a *Alder) sendRemoteStats(src *User, query string) {
	if len(query) == 0 {
		query = "*"
	}

	if query[0] == 'u' {
		uptime := int64(a.now().Sub(a.StartTime).Seconds())
		a.pushNumeric(src, "242", []string{
			fmt.Sprintf("Server Up %d days %d:%02d:%02d",
				uptime/86400, (uptime/3600)%24, (uptime/60)%60,
				uptime%60)})
	}

	a.pushNumeric(src, "219", []string{query, "End of /STATS report"})
}

// pushNumeric delivers a numeric to a remote user with PUSH.
func (a *Alder) pushNumeric(target *User, numeric string,
	params []string) {
	inner := irc.Message{
		Prefix:  a.Config.ServerName,
		Command: numeric,
		Params:  append([]string{target.DisplayNick}, params...),
	}

	encoded, err := inner.Encode()
	if err != nil && err != irc.ErrTruncated {
		return
	}
	encoded = strings.TrimSuffix(encoded, "\r\n")

	target.Server.Route.maybeQueueMessage(irc.Message{
		Prefix:  string(a.Config.SID),
		Command: "PUSH",
		Params:  []string{string(target.UID), encoded},
	})
}

// rehashCommand lets a remote oper rehash us. :<uid> REHASH <target>
func (s *LocalServer) rehashCommand(src *User, m irc.Message) {
	a := s.Alder

	if src == nil || len(m.Params) < 1 {
		return
	}

	dest := m.Params[0]
	if SID(dest) != a.Config.SID &&
		a.canonicalizeServer(dest) !=
			a.canonicalizeServer(a.Config.ServerName) {
		if target := a.serverByParam(dest); target != nil {
			target.Route.maybeQueueMessage(m)
		}
		return
	}

	cfg, err := checkAndParseConfig(a.ConfigFile)
	if err != nil {
		a.noticeOpers(fmt.Sprintf("Rehash: Configuration problem: %s",
			err))
		return
	}

	a.Config.MOTD = cfg.MOTD
	a.Config.Opers = cfg.Opers
	a.Config.OperTypes = cfg.OperTypes
	a.Config.Servers = cfg.Servers

	a.noticeOpers(fmt.Sprintf("%s rehashed configuration remotely.",
		src.DisplayNick))
}

func (s *LocalServer) wallopsCommand(src *User, m irc.Message) {
	if len(m.Params) < 1 {
		return
	}

	s.Alder.sendWallops(src, m.Params[0])
	s.Alder.broadcastServers(s, m)
}

// squitServer removes a server and its whole subtree: the netsplit.
// from is the link the SQUIT arrived on (nil when we originate it).
func (a *Alder) squitServer(target *Server, from *LocalServer,
	reason string) {

	// The visible quit reason names the two sides of the lost link.
	parentName := a.Config.ServerName
	if target.Parent != nil {
		parentName = target.Parent.Name
	}
	splitReason := fmt.Sprintf("%s.%s", target.Name, parentName)

	subtree := target.subtree()

	inSubtree := make(map[SID]struct{})
	for _, srv := range subtree {
		inSubtree[srv.SID] = struct{}{}
	}

	// Every user homed in the subtree quits.
	lostUsers := 0
	for _, u := range a.Users {
		if u.isLocal() {
			continue
		}
		if _, lost := inSubtree[u.Server.SID]; !lost {
			continue
		}
		a.removeUser(u, splitReason)
		lostUsers++
	}

	// Drop the subtree nodes.
	for _, srv := range subtree {
		delete(a.Servers, srv.SID)
		delete(a.ServerNames, a.canonicalizeServer(srv.Name))
	}
	if target.Parent != nil {
		target.Parent.removeChild(target)
	}

	// Close the physical link if this was a direct peer.
	if target.LocalServer != nil {
		target.LocalServer.quit(reason)
	}

	// Tell the rest of the network. Peers behind the lost link heard
	// nothing from us; everyone else computes the same user removals
	// from this SQUIT.
	a.broadcastServers(from, irc.Message{
		Prefix:  string(a.Config.SID),
		Command: "SQUIT",
		Params:  []string{string(target.SID), reason},
	})

	a.snomaskNotice('l', fmt.Sprintf(
		"Netsplit complete, lost %d users on %d servers.", lostUsers,
		len(subtree)))
}
