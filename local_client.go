package main

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/horgh/irc"
)

// LinkState tracks where a server handshake is.
type LinkState int

const (
	// LinkListener is an inbound connection which has not yet spoken.
	LinkListener LinkState = iota

	// LinkConnecting is an outbound connection we just opened.
	LinkConnecting

	// LinkWaitAuth1 means we have seen CAPAB but not SERVER.
	LinkWaitAuth1

	// LinkWaitAuth2 means we sent our SERVER and await theirs.
	LinkWaitAuth2

	// LinkConnected means both sides authenticated.
	LinkConnected
)

// LocalClient holds state about a local connection.
// All connections are in this state until they register as either a
// user or as a server.
type LocalClient struct {
	// Conn is the TCP connection to the client.
	Conn Conn

	// Locally unique identifier.
	ID uint64

	// WriteChan is the channel to send to to write to the client.
	WriteChan chan irc.Message

	ConnectionStartTime time.Time

	Alder *Alder

	// Track if we overflow our send queue. If we do, we'll kill the
	// client.
	SendQueueExceeded bool

	// Whether the connection arrived on a server listen port.
	ServerPort bool

	// For outbound links, the link block name we dialed.
	OutboundLink string

	// Info a client may send us before we complete its registration
	// and promote it to a user or server.

	// NICK
	PreRegDisplayNick string

	// USER
	PreRegIdent    string
	PreRegRealName string

	// PASS
	PreRegPass string
	GotPASS    bool

	// CAP negotiation holds registration until CAP END.
	CapLatch bool
	GotCAP   bool

	// Server link handshake state.

	LinkState LinkState

	GotCapabStart bool
	TheirModules  []string
	TheirCapabs   map[string]string
	GotCapabEnd   bool

	PreRegServerName string
	PreRegServerDesc string
	PreRegSID        string
	PreRegServerPass string
	GotSERVER        bool

	SentCAPAB  bool
	SentSERVER bool

	// OurChallenge is the nonce we offered for HMAC authentication.
	// TheirChallenge is the nonce they offered us.
	OurChallenge   string
	TheirChallenge string
}

// NewLocalClient creates a LocalClient.
func NewLocalClient(a *Alder, id uint64, conn net.Conn,
	serverPort bool) *LocalClient {
	return &LocalClient{
		Conn: NewConn(conn, a.Config.DeadTime),
		ID:   id,

		// Buffered channel. We don't want to block sending to the
		// client from the server. The client may be stuck. Make the
		// buffer large enough that it should only max out in case of
		// connection issues.
		WriteChan: make(chan irc.Message, 32768),

		ConnectionStartTime: time.Now(),
		Alder:               a,
		ServerPort:          serverPort,
		TheirCapabs:         make(map[string]string),
	}
}

func (c *LocalClient) String() string {
	return fmt.Sprintf("%d %s", c.ID, c.Conn.RemoteAddr())
}

// Send a message to the connection. We send it to its write channel,
// which in turn leads to writing it to its TCP socket.
//
// This function won't block. If the connection's queue is full, we
// flag it as having a full send queue and the liveness check drops it.
//
// Not blocking is important because the server sends connections
// messages this way, and if we blocked on a problem connection,
// everything would grind to a halt.
func (c *LocalClient) maybeQueueMessage(m irc.Message) {
	if c.SendQueueExceeded {
		return
	}

	select {
	case c.WriteChan <- m:
	default:
		c.SendQueueExceeded = true
	}
}

// readLoop endlessly reads from the connection. It parses each IRC
// protocol message and passes it to the server through the server's
// channel.
func (c *LocalClient) readLoop() {
	defer c.Alder.WG.Done()

	for {
		if c.Alder.isShuttingDown() {
			break
		}

		buf, err := c.Conn.Read()
		if err != nil {
			log.Printf("Connection %s: %s", c, err)
			c.Alder.newEvent(Event{Type: DeadClientEvent, ID: c.ID})
			break
		}

		message, err := irc.ParseMessage(buf)
		if err != nil && err != irc.ErrTruncated {
			// Silently ignore malformed messages.
			continue
		}

		c.Alder.newEvent(Event{
			Type:    MessageFromClientEvent,
			ID:      c.ID,
			Message: message,
		})
	}

	log.Printf("Connection %s: Reader shutting down.", c)
}

// writeLoop endlessly reads from the connection's channel, encodes
// each message, and writes it to the TCP connection.
//
// When the channel is closed, or if we have a write error, close the
// TCP connection. I have this here so that we try to deliver messages
// to the connection before closing its socket and giving up.
func (c *LocalClient) writeLoop() {
	defer c.Alder.WG.Done()

	// Ensure we also stop if the server is shutting down (indicated
	// by the ShutdownChan being closed). If we don't, there is
	// potential for us to leak this goroutine.
Loop:
	for {
		select {
		case message, ok := <-c.WriteChan:
			if !ok {
				break Loop
			}

			if err := c.Conn.WriteMessage(message); err != nil {
				log.Printf("Connection %s: %s", c, err)
				c.Alder.newEvent(Event{Type: DeadClientEvent, ID: c.ID})
				break Loop
			}
		case <-c.Alder.ShutdownChan:
			break Loop
		}
	}

	if err := c.Conn.Close(); err != nil {
		log.Printf("Connection %s: Problem closing connection: %s", c, err)
	}

	log.Printf("Connection %s: Writer shutting down.", c)
}

// quit means the connection is going away. Tell it why and clean up.
func (c *LocalClient) quit(msg string) {
	// May already be cleaning up.
	if _, exists := c.Alder.LocalClients[c.ID]; !exists {
		return
	}

	c.messageFromServer("ERROR", []string{msg})

	close(c.WriteChan)

	delete(c.Alder.LocalClients, c.ID)
}

// Send an IRC message to a connection. Appears to be from the server.
//
// Note: Only the event loop goroutine may call this.
func (c *LocalClient) messageFromServer(command string, params []string) {
	// For numeric messages, we need to prepend the nick. Use * for
	// the nick in cases where the client doesn't have one yet.
	if isNumericCommand(command) {
		nick := "*"
		if len(c.PreRegDisplayNick) > 0 {
			nick = c.PreRegDisplayNick
		}
		newParams := []string{nick}
		newParams = append(newParams, params...)
		params = newParams
	}

	c.maybeQueueMessage(irc.Message{
		Prefix:  c.Alder.Config.ServerName,
		Command: command,
		Params:  params,
	})
}

// handleMessage deals with a message from an unregistered connection.
func (c *LocalClient) handleMessage(m irc.Message) {
	// Clients SHOULD NOT send a prefix before registration. Disallow
	// it completely.
	if m.Prefix != "" {
		c.quit("No prefix permitted")
		return
	}

	switch m.Command {
	case "NICK":
		c.nickCommand(m)
	case "USER":
		c.userCommand(m)
	case "PASS":
		c.passCommand(m)
	case "CAP":
		c.capCommand(m)
	case "CAPAB":
		c.capabCommand(m)
	case "SERVER":
		c.serverCommand(m)
	case "QUIT":
		c.quit("Client quit")
	case "ERROR":
		c.quit("Bye")
	case "PING", "PONG", "NOTICE":
		// We may receive these when initiating a connection to a
		// server. Ignore them.
	default:
		// 451 ERR_NOTREGISTERED
		c.messageFromServer("451", []string{"You have not registered"})
	}
}

func (c *LocalClient) nickCommand(m irc.Message) {
	if len(m.Params) == 0 {
		// 431 ERR_NONICKNAMEGIVEN
		c.messageFromServer("431", []string{"No nickname given"})
		return
	}
	nick := m.Params[0]

	if len(nick) > c.Alder.Config.MaxNickLength {
		nick = nick[0:c.Alder.Config.MaxNickLength]
	}

	if !isValidNick(c.Alder.Config.MaxNickLength, nick) {
		// 432 ERR_ERRONEUSNICKNAME
		c.messageFromServer("432", []string{nick, "Erroneous nickname"})
		return
	}

	if x := c.Alder.nickForbidden(nick); x != nil {
		// 432 ERR_ERRONEUSNICKNAME
		c.messageFromServer("432", []string{nick,
			fmt.Sprintf("Erroneous nickname (%s)", x.Reason)})
		return
	}

	// Nick must be unique.
	if _, exists := c.Alder.Nicks[c.Alder.canonicalizeNick(nick)]; exists {
		// 433 ERR_NICKNAMEINUSE
		c.messageFromServer("433", []string{nick,
			"Nickname is already in use"})
		return
	}

	// We don't reserve the nick until registration completes.
	c.PreRegDisplayNick = nick

	c.maybeCompleteRegistration()
}

func (c *LocalClient) userCommand(m irc.Message) {
	if len(c.PreRegIdent) > 0 {
		// 462 ERR_ALREADYREGISTRED
		c.messageFromServer("462", []string{"You may not reregister"})
		return
	}

	// 4 parameters: <user> <mode> <unused> <realname>
	if len(m.Params) != 4 {
		// 461 ERR_NEEDMOREPARAMS
		c.messageFromServer("461", []string{"USER", "Not enough parameters"})
		return
	}

	ident := m.Params[0]
	if len(ident) > c.Alder.Config.MaxIdentLength {
		ident = ident[0:c.Alder.Config.MaxIdentLength]
	}

	if !isValidIdent(c.Alder.Config.MaxIdentLength, ident) {
		c.messageFromServer("ERROR", []string{"Invalid username"})
		return
	}
	c.PreRegIdent = ident

	realName := m.Params[3]
	if len(realName) > c.Alder.Config.MaxGecosLength {
		realName = realName[:c.Alder.Config.MaxGecosLength]
	}
	c.PreRegRealName = realName

	c.maybeCompleteRegistration()
}

func (c *LocalClient) passCommand(m irc.Message) {
	if c.GotPASS {
		// 462 ERR_ALREADYREGISTRED
		c.messageFromServer("462", []string{"You may not reregister"})
		return
	}

	if len(m.Params) == 0 {
		// 461 ERR_NEEDMOREPARAMS
		c.messageFromServer("461", []string{"PASS", "Not enough parameters"})
		return
	}

	c.PreRegPass = m.Params[0]
	c.GotPASS = true
}

// capCommand implements enough of client capability negotiation to
// hold registration between CAP LS/REQ and CAP END.
func (c *LocalClient) capCommand(m irc.Message) {
	if len(m.Params) == 0 {
		// 461 ERR_NEEDMOREPARAMS
		c.messageFromServer("461", []string{"CAP", "Not enough parameters"})
		return
	}

	nick := "*"
	if len(c.PreRegDisplayNick) > 0 {
		nick = c.PreRegDisplayNick
	}

	switch strings.ToUpper(m.Params[0]) {
	case "LS":
		c.GotCAP = true
		c.CapLatch = true
		c.maybeQueueMessage(newMessage(c.Alder.Config.ServerName, "CAP",
			nick, "LS", ""))

	case "LIST":
		c.maybeQueueMessage(newMessage(c.Alder.Config.ServerName, "CAP",
			nick, "LIST", ""))

	case "REQ":
		c.GotCAP = true
		c.CapLatch = true
		requested := ""
		if len(m.Params) > 1 {
			requested = m.Params[1]
		}
		// We advertise no capabilities, so nothing is acknowledgeable.
		c.maybeQueueMessage(newMessage(c.Alder.Config.ServerName, "CAP",
			nick, "NAK", requested))

	case "END":
		c.CapLatch = false
		c.maybeCompleteRegistration()
	}
}

// maybeCompleteRegistration promotes the connection to a user once
// all required registration bits are present and no CAP latch is
// held.
func (c *LocalClient) maybeCompleteRegistration() {
	if c.CapLatch {
		return
	}
	if len(c.PreRegDisplayNick) == 0 || len(c.PreRegIdent) == 0 {
		return
	}
	c.registerUser()
}

func (c *LocalClient) registerUser() {
	// Check NICK is still available. We don't reserve it in the Nicks
	// map until registration completes, so check now.
	if _, exists := c.Alder.Nicks[c.Alder.canonicalizeNick(
		c.PreRegDisplayNick)]; exists {
		// 433 ERR_NICKNAMEINUSE
		c.messageFromServer("433", []string{c.PreRegDisplayNick,
			"Nickname is already in use"})
		return
	}

	lu := NewLocalUser(c)

	hostname := c.Conn.IP.String()

	now := c.Alder.now().Unix()

	u := &User{
		DisplayNick: c.PreRegDisplayNick,
		NickTS:      now,
		SignonTS:    now,
		Modes:       make(map[byte]struct{}),
		Ident:       "~" + c.PreRegIdent,
		Hostname:    hostname,
		DisplayHost: hostname,
		IP:          c.Conn.IP.String(),
		RealName:    c.PreRegRealName,
		Channels:    make(map[string]*Channel),
		LocalUser:   lu,
	}

	lu.User = u
	lu.Class = c.Alder.Config.classFor("default")

	// Check bans. Z-lines first (cheapest), then K/G.
	for _, t := range []XLineType{XLineZ, XLineK, XLineG} {
		x := c.Alder.findXLine(t, u)
		if x == nil {
			continue
		}

		// 465 ERR_YOUREBANNEDCREEP
		c.messageFromServer("465", []string{
			"You are banned from this server"})
		c.quit(fmt.Sprintf("Connection closed: %s", x.Reason))

		c.Alder.snomaskNotice('k', fmt.Sprintf(
			"Rejecting connection from %s!%s@%s: %s",
			u.DisplayNick, u.Ident, u.Hostname, x))
		c.Alder.notifyHook(HookXLineMatch, &HookEvent{User: u})
		return
	}

	if c.Alder.callHook(HookPreRegister,
		&HookEvent{User: u}) == HookDeny {
		c.quit("Connection refused")
		return
	}

	uid, err := c.Alder.newUID()
	if err != nil {
		log.Printf("Unable to allocate UID: %s", err)
		c.quit("Server too busy")
		return
	}
	u.UID = uid

	delete(c.Alder.LocalClients, c.ID)
	c.Alder.LocalUsers[lu.ID] = lu
	c.Alder.Nicks[c.Alder.canonicalizeNick(u.DisplayNick)] = u.UID
	c.Alder.Users[u.UID] = u

	// 001 RPL_WELCOME
	lu.messageFromServer("001", []string{
		fmt.Sprintf("Welcome to the %s Internet Relay Chat Network %s",
			c.Alder.Config.NetworkName, u.DisplayNick),
	})

	// 002 RPL_YOURHOST
	lu.messageFromServer("002", []string{
		fmt.Sprintf("Your host is %s, running version %s",
			c.Alder.Config.ServerName, alderVersion),
	})

	// 003 RPL_CREATED
	lu.messageFromServer("003", []string{
		fmt.Sprintf("This server was created %s",
			c.Alder.StartTime.Format("Mon Jan 2 2006 at 15:04:05 MST")),
	})

	// 004 RPL_MYINFO
	lu.messageFromServer("004", []string{
		c.Alder.Config.ServerName,
		alderVersion,
		"iows",
		"behiklmnopqstv",
	})

	lu.sendISupport()

	lu.lusersCommand()
	lu.motdCommand()

	// Everyone starts out +i.
	u.Modes['i'] = struct{}{}
	lu.maybeQueueMessage(newMessage(u.nickUhost(), "MODE",
		u.DisplayNick, "+i"))

	// Tell linked servers about this new client.
	c.Alder.broadcastServers(nil, u.uidIntroduction(c.Alder.Config.SID))

	c.Alder.notifyHook(HookUserConnect, &HookEvent{User: u})

	c.Alder.snomaskNotice('c', fmt.Sprintf(
		"Client connecting: %s (%s@%s) [%s]",
		u.DisplayNick, u.Ident, u.Hostname, u.RealName))
}

// uidIntroduction builds the UID line introducing a user to a peer.
func (u *User) uidIntroduction(from SID) irc.Message {
	params := []string{
		string(u.UID),
		fmt.Sprintf("%d", u.NickTS),
		u.DisplayNick,
		u.Hostname,
		u.DisplayHost,
		u.Ident,
		u.IP,
		fmt.Sprintf("%d", u.SignonTS),
		u.modesString(),
	}
	params = append(params, u.RealName)

	return irc.Message{
		Prefix:  string(from),
		Command: "UID",
		Params:  params,
	}
}

// Server link handshake.
//
// The initiating side sends:
//
// > CAPAB START
// > CAPAB MODULES <comma list>
// > CAPAB CAPABILITIES <key=value list>
// > CAPAB END
// > SERVER <name> <sendpass> 0 <sid> :<desc>
//
// The receiving side validates, replies with its own CAPAB batch and
// SERVER, and both sides burst.

// sendLinkIntro begins the handshake on an outbound connection.
func (c *LocalClient) sendLinkIntro() {
	link, exists := c.Alder.Config.Servers[c.OutboundLink]
	if !exists {
		c.quit("Link block vanished")
		return
	}

	c.LinkState = LinkConnecting

	c.sendCapabBatch()

	pass := link.SendPass
	if len(c.TheirChallenge) > 0 {
		pass = hmacChallenge(link.SendPass, c.TheirChallenge)
	}

	c.maybeQueueMessage(newMessage("", "SERVER",
		c.Alder.Config.ServerName, pass, "0", string(c.Alder.Config.SID),
		c.Alder.Config.ServerInfo))
	c.SentSERVER = true

	c.LinkState = LinkWaitAuth2
}

// sendCapabBatch emits CAPAB START/MODULES/CAPABILITIES/END with a
// fresh challenge nonce.
func (c *LocalClient) sendCapabBatch() {
	c.SentCAPAB = true
	c.OurChallenge = makeChallenge()

	c.maybeQueueMessage(newMessage("", "CAPAB", "START"))
	c.maybeQueueMessage(newMessage("", "CAPAB", "MODULES",
		strings.Join(coreModuleList(), ",")))
	c.maybeQueueMessage(newMessage("", "CAPAB", "CAPABILITIES",
		c.capabilitiesString()))
	c.maybeQueueMessage(newMessage("", "CAPAB", "END"))
}

// coreModuleList is what we exchange in CAPAB MODULES. With no
// loadable modules the list is a constant; both sides must agree.
func coreModuleList() []string {
	return []string{"core"}
}

// capabilitiesString serializes the wire-compatibility constants.
func (c *LocalClient) capabilitiesString() string {
	cfg := c.Alder.Config

	pairs := []string{
		"PROTOCOL=1201",
		fmt.Sprintf("NICKMAX=%d", cfg.MaxNickLength),
		fmt.Sprintf("IDENTMAX=%d", cfg.MaxIdentLength),
		fmt.Sprintf("CHANMAX=%d", cfg.MaxChannelLength),
		fmt.Sprintf("MAXTOPIC=%d", cfg.MaxTopicLength),
		fmt.Sprintf("MAXKICK=%d", cfg.MaxKickLength),
		fmt.Sprintf("MAXQUIT=%d", cfg.MaxQuitLength),
		fmt.Sprintf("MAXAWAY=%d", cfg.MaxAwayLength),
		fmt.Sprintf("HALFOP=%d", boolToInt(cfg.EnableHalfop)),
		fmt.Sprintf("CASEMAPPING=%s", cfg.CaseMapping),
		"IP6SUPPORT=1",
		fmt.Sprintf("CHALLENGE=%s", c.OurChallenge),
	}

	return strings.Join(pairs, " ")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// capabCommand accumulates the peer's CAPAB batch.
func (c *LocalClient) capabCommand(m irc.Message) {
	if len(m.Params) == 0 {
		c.quit("Malformed CAPAB")
		return
	}

	switch m.Params[0] {
	case "START":
		if !c.ServerPort {
			c.quit("This port is for clients")
			return
		}
		c.GotCapabStart = true
		c.LinkState = LinkWaitAuth1
		// An inbound peer needs our batch (and challenge) before it
		// sends SERVER.
		if !c.SentCAPAB {
			c.sendCapabBatch()
		}

	case "MODULES":
		if len(m.Params) > 1 {
			c.TheirModules = append(c.TheirModules,
				commaList(m.Params[1])...)
		}

	case "CAPABILITIES":
		if len(m.Params) > 1 {
			for _, pair := range strings.Fields(m.Params[1]) {
				idx := strings.IndexByte(pair, '=')
				if idx <= 0 {
					continue
				}
				c.TheirCapabs[pair[:idx]] = pair[idx+1:]
			}
		}

	case "END":
		c.GotCapabEnd = true
		if challenge, exists := c.TheirCapabs["CHALLENGE"]; exists {
			c.TheirChallenge = challenge
		}
		if reason := c.capabMismatch(); len(reason) > 0 {
			c.Alder.noticeOpers(fmt.Sprintf(
				"Link handshake failed: %s", reason))
			c.quit(fmt.Sprintf("CAPAB negotiation failed: %s", reason))
			return
		}

	default:
		c.quit("Malformed CAPAB")
	}
}

// capabMismatch compares the peer's advertised constants and module
// list against ours. Any mismatch that affects wire compatibility
// aborts the link.
func (c *LocalClient) capabMismatch() string {
	theirModules := append([]string(nil), c.TheirModules...)
	ourModules := coreModuleList()
	sort.Strings(theirModules)
	sort.Strings(ourModules)
	if strings.Join(theirModules, ",") != strings.Join(ourModules, ",") {
		return fmt.Sprintf("module list differs: %s vs %s",
			strings.Join(theirModules, ","), strings.Join(ourModules, ","))
	}

	ours := make(map[string]string)
	for _, pair := range strings.Fields(c.capabilitiesString()) {
		idx := strings.IndexByte(pair, '=')
		ours[pair[:idx]] = pair[idx+1:]
	}

	// CHALLENGE differs by construction; it is an auth nonce, not a
	// compatibility constant.
	for key, theirValue := range c.TheirCapabs {
		if key == "CHALLENGE" {
			continue
		}
		ourValue, exists := ours[key]
		if !exists {
			continue
		}
		if ourValue != theirValue {
			return fmt.Sprintf("%s differs: ours %s, theirs %s", key,
				ourValue, theirValue)
		}
	}

	return ""
}

// serverCommand authenticates a peer. SERVER <name> <pass> 0 <sid>
// :<desc>
func (c *LocalClient) serverCommand(m irc.Message) {
	if !c.ServerPort {
		c.quit("This port is for clients")
		return
	}

	if len(m.Params) < 5 {
		c.quit("Malformed SERVER")
		return
	}

	if c.GotSERVER {
		c.quit("Double SERVER")
		return
	}

	if !c.GotCapabEnd {
		c.quit("SERVER before CAPAB")
		return
	}

	name := m.Params[0]
	pass := m.Params[1]
	sid := m.Params[3]
	desc := m.Params[4]

	link, exists := c.Alder.Config.Servers[name]
	if !exists {
		c.Alder.noticeOpers(fmt.Sprintf(
			"Refusing link from unknown server %s", name))
		c.quit("No link block")
		return
	}

	if !c.checkLinkPassword(link, pass) {
		c.Alder.noticeOpers(fmt.Sprintf(
			"Refusing link from %s: bad password", name))
		c.quit("Invalid credentials")
		return
	}

	if !isValidSID(sid) {
		c.quit("Malformed SID")
		return
	}

	if SID(sid) == c.Alder.Config.SID {
		c.quit("SID collision")
		return
	}
	if _, exists := c.Alder.Servers[SID(sid)]; exists {
		c.quit("SID collision")
		return
	}
	if c.Alder.serverByName(name) != nil {
		c.quit("Server name collision")
		return
	}

	c.GotSERVER = true
	c.PreRegServerName = name
	c.PreRegSID = sid
	c.PreRegServerDesc = desc

	// If they initiated, we have not yet identified ourselves.
	if !c.SentSERVER {
		reply := link.SendPass
		if len(c.TheirChallenge) > 0 {
			reply = hmacChallenge(link.SendPass, c.TheirChallenge)
		}
		c.maybeQueueMessage(newMessage("", "SERVER",
			c.Alder.Config.ServerName, reply, "0",
			string(c.Alder.Config.SID), c.Alder.Config.ServerInfo))
		c.SentSERVER = true
	}

	c.LinkState = LinkConnected
	c.registerServer()
}

// checkLinkPassword accepts either the plaintext recvpass or an HMAC
// response to the challenge we offered. Links flagged require-hmac
// refuse plaintext.
func (c *LocalClient) checkLinkPassword(link ServerDefinition,
	pass string) bool {
	if strings.HasPrefix(pass, "AUTH:") {
		if len(c.OurChallenge) == 0 {
			return false
		}
		expected := hmacChallenge(link.RecvPass, c.OurChallenge)
		return hmac.Equal([]byte(pass), []byte(expected))
	}

	if link.RequireHMAC {
		return false
	}

	return pass == link.RecvPass
}

// hmacChallenge computes the HMAC-SHA256 response for a challenge
// nonce.
func hmacChallenge(password, challenge string) string {
	mac := hmac.New(sha256.New, []byte(password))
	mac.Write([]byte(challenge))
	return "AUTH:" + hex.EncodeToString(mac.Sum(nil))
}

// makeChallenge produces a random nonce for HMAC link auth.
func makeChallenge() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// Fall back to plaintext-only auth by offering no challenge.
		return ""
	}
	return hex.EncodeToString(buf)
}
