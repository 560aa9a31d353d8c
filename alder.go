package main

import (
	"fmt"
	"io/ioutil"
	"log"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/horgh/irc"
)

// alderVersion goes out in 004/VERSION replies and link handshakes.
const alderVersion = "alder-1.0"

// Alder holds the state for a server.
//
// Everything global to the server lives in an instance of this struct
// rather than in package variables. The event loop goroutine owns all
// of it; no other goroutine may touch these fields.
type Alder struct {
	Config     *Config
	ConfigFile string

	Args Args

	// Connection id to unregistered connection.
	LocalClients map[uint64]*LocalClient

	// Connection id to local user.
	LocalUsers map[uint64]*LocalUser

	// Connection id to local server link.
	LocalServers map[uint64]*LocalServer

	// UID to user, local or remote.
	Users map[UID]*User

	// Canonicalized nickname to UID.
	Nicks map[string]UID

	// Channel name (canonicalized) to Channel.
	Channels map[string]*Channel

	// SID to server tree node, remote servers only.
	Servers map[SID]*Server

	// Canonicalized server name to SID.
	ServerNames map[string]SID

	// UID to user, opers only.
	Opers map[UID]*User

	XLines []XLine

	Hooks *HookRegistry

	Modes *ModeRegistry

	Timers *timerHeap

	// When we close this channel, this indicates that we're shutting
	// down. Other goroutines can check if this channel is closed.
	ShutdownChan chan struct{}

	// Tell the server something on this channel.
	ToServerChan chan Event

	// TCP listeners, one per port.
	Listeners []net.Listener

	// WaitGroup to ensure all goroutines clean up before we end.
	WG sync.WaitGroup

	// The wall clock, sampled once per event loop iteration.
	cachedTime time.Time

	StartTime time.Time

	// Next connection id and next user id counter.
	nextConnID uint64
	nextUserID uint64

	// Exit code to use once the event loop drains.
	exitCode int
}

// Event holds a message containing something to tell the server.
type Event struct {
	Type EventType

	// We don't always know what type of connection we're sending
	// about. Use ID where possible.
	ID uint64

	Client *LocalClient

	Message irc.Message
}

// EventType is a type of event we can tell the server about.
type EventType int

const (
	// NullEvent is a default event. This means the event was not
	// populated.
	NullEvent EventType = iota

	// NewClientEvent means a new connection arrived.
	NewClientEvent

	// DeadClientEvent means a connection died for some reason. Clean
	// it up.
	DeadClientEvent

	// MessageFromClientEvent means a connection sent us a message.
	MessageFromClientEvent
)

func main() {
	log.SetFlags(0)

	args, err := getArgs()
	if err != nil {
		log.Print(err)
		os.Exit(ExitConfig)
	}

	if args.Version {
		fmt.Println(alderVersion)
		os.Exit(ExitSuccess)
	}

	if os.Geteuid() == 0 && !args.RunAsRoot {
		log.Print("Refusing to run with root privileges. Use -runasroot to override.")
		os.Exit(ExitRootRefused)
	}

	if err := setUpLogging(args); err != nil {
		log.Print(err)
		os.Exit(ExitLog)
	}
	if args.Debug {
		log.SetFlags(log.Ldate | log.Lmicroseconds)
	}

	server, err := newAlder(args)
	if err != nil {
		log.Print(err)
		os.Exit(ExitConfig)
	}

	if args.TestConfig {
		log.Printf("Configuration OK.")
		os.Exit(ExitSuccess)
	}

	code := server.start()
	if code == ExitSuccess {
		log.Printf("Server shutdown cleanly.")
	}
	os.Exit(code)
}

func setUpLogging(args Args) error {
	if args.NoLog {
		log.SetOutput(ioutil.Discard)
		return nil
	}

	if len(args.LogFile) > 0 {
		fh, err := os.OpenFile(args.LogFile,
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return fmt.Errorf("unable to open log file: %s", err)
		}
		log.SetOutput(fh)
	}

	return nil
}

func newAlder(args Args) (*Alder, error) {
	cfg, err := checkAndParseConfig(args.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("configuration problem: %s", err)
	}

	return newAlderWithConfig(cfg, args), nil
}

func newAlderWithConfig(cfg *Config, args Args) *Alder {
	a := &Alder{
		Config:     cfg,
		ConfigFile: args.ConfigFile,
		Args:       args,

		LocalClients: make(map[uint64]*LocalClient),
		LocalUsers:   make(map[uint64]*LocalUser),
		LocalServers: make(map[uint64]*LocalServer),
		Users:        make(map[UID]*User),
		Nicks:        make(map[string]UID),
		Channels:     make(map[string]*Channel),
		Servers:      make(map[SID]*Server),
		ServerNames:  make(map[string]SID),
		Opers:        make(map[UID]*User),

		Hooks:  &HookRegistry{},
		Modes:  newModeRegistry(cfg.EnableHalfop),
		Timers: newTimerHeap(),

		// shutdown() closes this channel.
		ShutdownChan: make(chan struct{}),

		// We never manually close this channel.
		ToServerChan: make(chan Event),

		StartTime:  time.Now(),
		cachedTime: time.Now(),
	}

	return a
}

// now returns the wall clock as sampled at the top of the current
// event loop iteration. All timestamps committed by one handler agree.
func (a *Alder) now() time.Time {
	return a.cachedTime
}

// sampleClock refreshes the cached time and notices jumps. A jump has
// no correctness consequence (TS rules arbitrate between servers); we
// log it for the operator.
func (a *Alder) sampleClock() {
	sampled := time.Now()

	delta := sampled.Sub(a.cachedTime)
	if delta < -2*time.Second {
		log.Printf("Clock went backward %s", -delta)
	}
	if delta > a.Config.WakeupTime+2*time.Second {
		log.Printf("Clock jumped forward %s", delta)
	}

	a.cachedTime = sampled
}

// start starts up the server.
//
// We open the TCP ports, start goroutines, and then receive messages
// on our channels.
func (a *Alder) start() int {
	if err := a.writePIDFile(); err != nil {
		log.Printf("Unable to write PID file: %s", err)
		return ExitPID
	}

	for _, port := range a.Config.Ports {
		a.listen(port, false)
	}
	for _, port := range a.Config.ServerPorts {
		a.listen(port, true)
	}

	if len(a.Listeners) == 0 {
		log.Printf("Unable to bind any port.")
		return ExitNoPorts
	}

	a.schedulePeriodicTasks()

	a.eventLoop()

	// We don't need to drain any channels. None close that will have
	// any goroutines blocked on them.

	a.WG.Wait()

	return a.exitCode
}

// listen opens one port and starts its accept goroutine.
func (a *Alder) listen(port string, serverPort bool) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(a.Config.ListenHost, port))
	if err != nil {
		log.Printf("Unable to listen on port %s: %s", port, err)
		return false
	}
	a.Listeners = append(a.Listeners, ln)

	a.WG.Add(1)
	go a.acceptConnections(ln, serverPort)
	return true
}

// schedulePeriodicTasks arms the self-rescheduling timers: liveness
// checks, X-line expiry, and autoconnect attempts.
func (a *Alder) schedulePeriodicTasks() {
	a.scheduleTimer(a.Config.WakeupTime, func(a *Alder) time.Duration {
		a.checkAndPingClients()
		return a.Config.WakeupTime
	})

	a.scheduleTimer(time.Minute, func(a *Alder) time.Duration {
		a.expireXLines()
		return time.Minute
	})

	a.scheduleTimer(a.Config.WakeupTime, func(a *Alder) time.Duration {
		a.tryAutoconnects()
		return time.Minute
	})
}

// eventLoop processes events on the server's channel and runs due
// timers.
//
// It continues until the shutdown channel closes, indicating shutdown.
//
// Within one connection, lines are processed strictly in order. Side
// effects of one command are fully committed before the next event is
// taken.
func (a *Alder) eventLoop() {
	wake := time.NewTimer(a.Config.WakeupTime)
	defer wake.Stop()

	for {
		a.sampleClock()
		a.Timers.runDue(a, a.now())

		timeout := a.Config.WakeupTime
		if deadline, ok := a.Timers.next(); ok {
			until := deadline.Sub(a.now())
			if until < timeout {
				timeout = until
			}
			if timeout < 0 {
				timeout = 0
			}
		}

		if !wake.Stop() {
			select {
			case <-wake.C:
			default:
			}
		}
		wake.Reset(timeout)

		select {
		case evt := <-a.ToServerChan:
			a.handleEvent(evt)

		case <-wake.C:
			// Fall through to run timers at the top of the loop.

		case <-a.ShutdownChan:
			return
		}
	}
}

func (a *Alder) handleEvent(evt Event) {
	switch evt.Type {
	case NewClientEvent:
		log.Printf("New connection: %s", evt.Client)
		a.LocalClients[evt.Client.ID] = evt.Client
		if len(evt.Client.OutboundLink) > 0 {
			evt.Client.sendLinkIntro()
		}

	case DeadClientEvent:
		if client, exists := a.LocalClients[evt.ID]; exists {
			log.Printf("Connection %s died.", client)
			client.quit("I/O error")
		}
		if lu, exists := a.LocalUsers[evt.ID]; exists {
			log.Printf("User %s died.", lu)
			lu.quit("I/O error", true)
		}
		if ls, exists := a.LocalServers[evt.ID]; exists {
			log.Printf("Server link %s died.", ls)
			a.squitServer(ls.Server, nil, "I/O error")
		}

	case MessageFromClientEvent:
		if client, exists := a.LocalClients[evt.ID]; exists {
			client.handleMessage(evt.Message)
			return
		}
		if lu, exists := a.LocalUsers[evt.ID]; exists {
			a.dispatchUserCommand(lu, evt.Message)
			return
		}
		if ls, exists := a.LocalServers[evt.ID]; exists {
			ls.handleMessage(evt.Message)
			return
		}

	default:
		log.Fatalf("Unexpected event: %d", evt.Type)
	}
}

// shutdown starts server shutdown.
func (a *Alder) shutdown(code int) {
	log.Printf("Server shutdown initiated.")

	a.exitCode = code

	// Closing ShutdownChan indicates to other goroutines that we're
	// shutting down.
	close(a.ShutdownChan)

	for _, ln := range a.Listeners {
		if err := ln.Close(); err != nil {
			log.Printf("Problem closing TCP listener: %s", err)
		}
	}

	// All connections need to be told. This also closes their write
	// channels.
	for _, client := range a.LocalClients {
		client.quit("Server shutting down")
	}
	for _, lu := range a.LocalUsers {
		lu.quit("Server shutting down", false)
	}
	for _, ls := range a.LocalServers {
		ls.quit("Server shutting down")
	}

	a.removePIDFile()
}

// acceptConnections accepts TCP connections and tells the main server
// loop through a channel. It sets up separate goroutines for reading
// and writing to and from the connection.
func (a *Alder) acceptConnections(ln net.Listener, serverPort bool) {
	defer a.WG.Done()

	for {
		if a.isShuttingDown() {
			break
		}

		conn, err := ln.Accept()
		if err != nil {
			if a.isShuttingDown() {
				break
			}
			log.Printf("Failed to accept connection: %s", err)
			continue
		}

		a.introduceConnection(conn, serverPort)
	}

	log.Printf("Connection accepter shutting down.")
}

// introduceConnection wraps a TCP connection and hands it to the
// event loop. Called from accept goroutines and the outbound connect
// goroutine.
func (a *Alder) introduceConnection(conn net.Conn, serverPort bool) {
	id := a.nextConnectionID()

	client := NewLocalClient(a, id, conn, serverPort)

	// ToServerChan is synchronous. We want to make sure the server
	// knows about the connection before it starts hearing anything
	// from its other channels about it.
	a.newEvent(Event{Type: NewClientEvent, Client: client})

	a.WG.Add(1)
	go client.readLoop()
	a.WG.Add(1)
	go client.writeLoop()
}

// nextConnectionID allocates a locally unique connection id. Multiple
// accept goroutines call this, hence the atomic.
func (a *Alder) nextConnectionID() uint64 {
	return atomic.AddUint64(&a.nextConnID, 1) - 1
}

// isShuttingDown returns true if the server is shutting down.
func (a *Alder) isShuttingDown() bool {
	// No messages get sent to this channel, so if we receive a
	// message on it, then we know the channel was closed.
	select {
	case <-a.ShutdownChan:
		return true
	default:
		return false
	}
}

// newEvent tells the server something happened.
//
// Any goroutine can call this function.
//
// It will not block on shutdown as we select on the shutdown channel
// which we close when shutting down the server.
func (a *Alder) newEvent(evt Event) {
	select {
	case a.ToServerChan <- evt:
	case <-a.ShutdownChan:
	}
}

func (a *Alder) writePIDFile() error {
	if len(a.Config.PIDFile) == 0 {
		return nil
	}
	content := fmt.Sprintf("%d\n", os.Getpid())
	return ioutil.WriteFile(a.Config.PIDFile, []byte(content), 0644)
}

func (a *Alder) removePIDFile() {
	if len(a.Config.PIDFile) == 0 {
		return
	}
	if err := os.Remove(a.Config.PIDFile); err != nil {
		log.Printf("Unable to remove PID file: %s", err)
	}
}

// canonicalizeNick and friends bind the configured case mapping.
func (a *Alder) canonicalizeNick(n string) string {
	return canonicalize(a.Config.CaseMapping, n)
}

func (a *Alder) canonicalizeChannel(c string) string {
	return canonicalize(a.Config.CaseMapping, c)
}

func (a *Alder) canonicalizeServer(s string) string {
	return canonicalize(a.Config.CaseMapping, s)
}

// userByNick resolves a nickname.
func (a *Alder) userByNick(nick string) *User {
	uid, exists := a.Nicks[a.canonicalizeNick(nick)]
	if !exists {
		return nil
	}
	return a.Users[uid]
}

// userByParam resolves a command parameter that may be a nick (from
// clients) or a UID (from servers).
func (a *Alder) userByParam(param string) *User {
	if isValidUID(param) {
		if u, exists := a.Users[UID(param)]; exists {
			return u
		}
	}
	return a.userByNick(param)
}

// serverByName resolves a server name case-insensitively.
func (a *Alder) serverByName(name string) *Server {
	sid, exists := a.ServerNames[a.canonicalizeServer(name)]
	if !exists {
		return nil
	}
	return a.Servers[sid]
}

// serverByParam resolves a SID or a server name.
func (a *Alder) serverByParam(param string) *Server {
	if isValidSID(param) {
		if s, exists := a.Servers[SID(param)]; exists {
			return s
		}
	}
	return a.serverByName(param)
}

// isLinkedToServer reports whether we have a live direct link to the
// named server.
func (a *Alder) isLinkedToServer(serverName string) bool {
	s := a.serverByName(serverName)
	return s != nil && s.isDirect()
}

// newUID mints a UID for a local user.
func (a *Alder) newUID() (UID, error) {
	id, err := makeUserID(a.nextUserID)
	if err != nil {
		return "", err
	}
	a.nextUserID++
	return UID(string(a.Config.SID) + id), nil
}

// broadcastServers queues a message on every directly linked server,
// except exclude (may be nil).
func (a *Alder) broadcastServers(exclude *LocalServer, m irc.Message) {
	for _, ls := range a.LocalServers {
		if ls == exclude {
			continue
		}
		ls.maybeQueueMessage(m)
	}
}

// noticeOpers sends a server notice to all local opers and logs it.
func (a *Alder) noticeOpers(message string) {
	log.Printf("Oper notice: %s", message)

	for _, oper := range a.Opers {
		if !oper.isLocal() {
			continue
		}
		oper.LocalUser.serverNotice(message)
	}
}

// snomaskNotice sends a server notice to local opers subscribed to a
// snomask letter.
func (a *Alder) snomaskNotice(letter byte, message string) {
	log.Printf("Snomask %c: %s", letter, message)

	for _, oper := range a.Opers {
		if !oper.isLocal() {
			continue
		}
		if !oper.LocalUser.hasSnomask(letter) {
			continue
		}
		oper.LocalUser.serverNotice(fmt.Sprintf("*** %c: %s", letter,
			message))
	}
}

// messageLocalUsersOnChannel queues a message on every local member
// of a channel.
func (a *Alder) messageLocalUsersOnChannel(channel *Channel, m irc.Message) {
	for memberUID := range channel.Members {
		member := a.Users[memberUID]
		if member == nil || !member.isLocal() {
			continue
		}
		member.LocalUser.maybeQueueMessage(m)
	}
}

// messageNeighbors queues a message on every local user who shares at
// least one channel with u, at most once each. If includeSelf is set
// and u is local, u gets it too.
func (a *Alder) messageNeighbors(u *User, includeSelf bool, m irc.Message) {
	told := make(map[UID]struct{})

	for _, channel := range u.Channels {
		for memberUID := range channel.Members {
			member := a.Users[memberUID]
			if member == nil || !member.isLocal() {
				continue
			}
			if member.UID == u.UID {
				continue
			}
			if _, exists := told[member.UID]; exists {
				continue
			}
			told[member.UID] = struct{}{}
			member.LocalUser.maybeQueueMessage(m)
		}
	}

	if includeSelf && u.isLocal() {
		u.LocalUser.maybeQueueMessage(m)
	}
}

// removeUser takes a user out of all maps and channels, telling local
// co-channel users with a QUIT. It does not tell peers; callers
// decide whether and what to propagate.
func (a *Alder) removeUser(u *User, quitReason string) {
	a.notifyHook(HookUserQuit, &HookEvent{User: u, Text: quitReason})

	quitMsg := irc.Message{
		Prefix:  u.nickUhost(),
		Command: "QUIT",
		Params:  []string{quitReason},
	}
	a.messageNeighbors(u, false, quitMsg)

	for _, channel := range u.Channels {
		channel.removeUser(u)
		if len(channel.Members) == 0 {
			delete(a.Channels, channel.Name)
		}
	}

	delete(a.Nicks, a.canonicalizeNick(u.DisplayNick))
	delete(a.Users, u.UID)
	delete(a.Opers, u.UID)
}

// checkAndPingClients looks at each connection.
//
// Unregistered connections get dropped once they exceed the
// registration window. Registered connections are pinged when idle
// and dropped when idle past the dead time.
func (a *Alder) checkAndPingClients() {
	now := a.now()

	for _, client := range a.LocalClients {
		if client.SendQueueExceeded {
			client.quit("SendQ exceeded")
			continue
		}

		timeConnected := now.Sub(client.ConnectionStartTime)

		if timeConnected > a.Config.RegistrationTime {
			client.quit("Connection timeout")
		}
	}

	for _, lu := range a.LocalUsers {
		if lu.SendQueueExceeded {
			lu.quit("SendQ exceeded", true)
			continue
		}

		timeIdle := now.Sub(lu.LastActivityTime)
		timeSincePing := now.Sub(lu.LastPingTime)

		pingFreq := lu.Class.PingFreq

		if timeIdle < pingFreq {
			continue
		}

		if timeIdle > a.Config.DeadTime {
			lu.quit(fmt.Sprintf("Ping timeout: %d seconds",
				int(timeIdle.Seconds())), true)
			continue
		}

		if timeSincePing < pingFreq {
			continue
		}

		lu.messageFromServer("PING", []string{a.Config.ServerName})
		lu.LastPingTime = now
	}

	for _, ls := range a.LocalServers {
		if ls.SendQueueExceeded {
			a.squitServer(ls.Server, nil, "SendQ exceeded")
			continue
		}

		timeIdle := now.Sub(ls.LastActivityTime)
		timeSincePing := now.Sub(ls.LastPingTime)

		if timeIdle < a.Config.PingTime {
			continue
		}

		if timeIdle > a.Config.DeadTime {
			a.squitServer(ls.Server, nil,
				fmt.Sprintf("Ping timeout: %d seconds",
					int(timeIdle.Seconds())))
			continue
		}

		if timeSincePing < a.Config.PingTime {
			continue
		}

		ls.sendPING()
		ls.LastPingTime = now
	}
}

// tryAutoconnects initiates outbound links for autoconnect blocks we
// are not currently linked to.
func (a *Alder) tryAutoconnects() {
	for _, link := range a.Config.Servers {
		if !link.Autoconnect {
			continue
		}
		if a.isLinkedToServer(link.Name) {
			continue
		}
		a.connectToServer(link)
	}
}

// connectToServer initiates an outbound server link.
func (a *Alder) connectToServer(link ServerDefinition) {
	a.noticeOpers(fmt.Sprintf("Connecting to %s...", link.Name))

	a.WG.Add(1)
	go func() {
		defer a.WG.Done()

		conn, err := net.DialTimeout("tcp",
			fmt.Sprintf("%s:%d", link.Hostname, link.Port),
			a.Config.DeadTime)
		if err != nil {
			log.Printf("Unable to connect to %s: %s", link.Name, err)
			return
		}

		if a.isShuttingDown() {
			_ = conn.Close()
			return
		}

		id := a.nextConnectionID()
		client := NewLocalClient(a, id, conn, true)
		client.OutboundLink = link.Name

		a.newEvent(Event{Type: NewClientEvent, Client: client})

		a.WG.Add(1)
		go client.readLoop()
		a.WG.Add(1)
		go client.writeLoop()
	}()
}

// newMessage is sugar for building protocol messages.
func newMessage(prefix, command string, params ...string) irc.Message {
	return irc.Message{
		Prefix:  prefix,
		Command: command,
		Params:  params,
	}
}
