package main

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/horgh/irc"
)

// newTestDaemon builds a daemon with an in-memory config and no
// sockets. Handlers are driven directly; queued messages accumulate
// in per-connection write channels where tests can inspect them.
func newTestDaemon() *Alder {
	cfg := &Config{
		ListenHost:  "127.0.0.1",
		ServerName:  "irc.example.com",
		ServerInfo:  "Test server",
		NetworkName: "TestNet",
		AdminInfo:   "admin@example.com",
		SID:         "1AL",
		MOTD:        []string{"Welcome to the test server"},

		CaseMapping:  CaseMappingRFC1459,
		EnableHalfop: true,

		MaxNickLength:    30,
		MaxIdentLength:   10,
		MaxChannelLength: 50,
		MaxTopicLength:   300,
		MaxKickLength:    255,
		MaxQuitLength:    255,
		MaxGecosLength:   128,
		MaxAwayLength:    200,
		MaxTargets:       4,
		MaxListEntries:   64,

		DisabledCommands: make(map[string]struct{}),
		ULines:           make(map[string]struct{}),

		WakeupTime:       10 * time.Second,
		PingTime:         60 * time.Second,
		DeadTime:         240 * time.Second,
		RegistrationTime: 60 * time.Second,

		Opers: make(map[string]OperDefinition),
		OperTypes: map[string][]string{
			"admin": {"override"},
		},
		Classes: map[string]ClassDefinition{
			"default": {
				Name:        "default",
				SendQ:       1048576,
				RecvQ:       8192,
				PingFreq:    60 * time.Second,
				Timeout:     60 * time.Second,
				MaxChannels: 30,
			},
		},
		Servers: make(map[string]ServerDefinition),
	}

	return newAlderWithConfig(cfg, Args{})
}

// newTestConnection builds a LocalClient that is not backed by a real
// socket. Its write channel is large enough that tests never block.
func newTestConnection(a *Alder) *LocalClient {
	c := &LocalClient{
		Conn:                Conn{IP: net.ParseIP("127.0.0.1")},
		ID:                  a.nextConnectionID(),
		WriteChan:           make(chan irc.Message, 32768),
		ConnectionStartTime: time.Now(),
		Alder:               a,
		TheirCapabs:         make(map[string]string),
	}
	a.LocalClients[c.ID] = c
	return c
}

// registerTestUser runs a connection through the real registration
// path and returns the resulting local user with its welcome burst
// drained.
func registerTestUser(t *testing.T, a *Alder, nick string) *LocalUser {
	t.Helper()

	c := newTestConnection(a)
	c.PreRegDisplayNick = nick
	c.PreRegIdent = nick
	c.PreRegRealName = nick + " tester"

	c.registerUser()

	u := a.userByNick(nick)
	if u == nil || u.LocalUser == nil {
		t.Fatalf("registration of %s did not produce a local user", nick)
	}

	drainMessages(u.LocalUser.LocalClient)
	return u.LocalUser
}

// registerTestLink runs a connection through server registration and
// returns the link with its burst drained.
func registerTestLink(t *testing.T, a *Alder, sid SID,
	name string) *LocalServer {
	t.Helper()

	c := newTestConnection(a)
	c.ServerPort = true
	c.GotCapabEnd = true
	c.GotSERVER = true
	c.PreRegSID = string(sid)
	c.PreRegServerName = name
	c.PreRegServerDesc = name + " test link"

	c.registerServer()

	srv, exists := a.Servers[sid]
	if !exists || srv.LocalServer == nil {
		t.Fatalf("link registration for %s did not produce a server", name)
	}

	srv.Bursting = false
	drainMessages(srv.LocalServer.LocalClient)
	return srv.LocalServer
}

// introduceTestUser introduces a remote user over a link using the
// real UID handler.
func introduceTestUser(t *testing.T, a *Alder, link *LocalServer,
	uid UID, nick string, nickTS int64, ident, host string) *User {
	t.Helper()

	link.handleMessage(irc.Message{
		Prefix:  string(link.Server.SID),
		Command: "UID",
		Params: []string{
			string(uid), formatInt(nickTS), nick, host, host, ident,
			"10.0.0.5", formatInt(nickTS), "+i", nick + " tester",
		},
	})

	return a.Users[uid]
}

func formatInt(n int64) string {
	return strconv.FormatInt(n, 10)
}

// drainMessages empties a connection's write queue, returning what
// was there.
func drainMessages(c *LocalClient) []irc.Message {
	var out []irc.Message
	for {
		select {
		case m, ok := <-c.WriteChan:
			if !ok {
				return out
			}
			out = append(out, m)
		default:
			return out
		}
	}
}

// findMessage returns the first queued message with the given
// command, or nil.
func findMessage(msgs []irc.Message, command string) *irc.Message {
	for i := range msgs {
		if msgs[i].Command == command {
			return &msgs[i]
		}
	}
	return nil
}

func commandsOf(msgs []irc.Message) []string {
	var out []string
	for _, m := range msgs {
		out = append(out, m.Command)
	}
	return out
}
