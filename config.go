package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/horgh/config"
	"github.com/pkg/errors"
)

// Config holds a server's configuration.
type Config struct {
	ListenHost string

	// Client and server listen ports.
	Ports       []string
	ServerPorts []string

	ServerName string
	ServerInfo string
	NetworkName string
	AdminInfo   string

	// SID must be unique in the network. Format: [0-9][A-Z0-9]{2}.
	SID SID

	MOTD []string

	CaseMapping CaseMapping

	EnableHalfop bool

	MaxNickLength    int
	MaxIdentLength   int
	MaxChannelLength int
	MaxTopicLength   int
	MaxKickLength    int
	MaxQuitLength    int
	MaxGecosLength   int
	MaxAwayLength    int

	MaxTargets int

	// Default list mode cap, plus pattern overrides checked in order.
	MaxListEntries int
	ListEntryLimits []ListEntryLimit

	DisabledCommands map[string]struct{}

	// Server names whose mode changes bypass TS checks (services).
	ULines map[string]struct{}

	// Period of time to wait before waking the event loop (maximum).
	WakeupTime time.Duration

	// Period of time a connection can be idle before we send a PING.
	PingTime time.Duration

	// Period of time a connection can be idle before we consider it
	// dead.
	DeadTime time.Duration

	// How long an unregistered connection may take to register.
	RegistrationTime time.Duration

	PIDFile string

	// Oper name to credentials.
	Opers map[string]OperDefinition

	// Oper type name to its permissions.
	OperTypes map[string][]string

	// Connection class name to limits. The class named "default"
	// applies when no other matches.
	Classes map[string]ClassDefinition

	// Server name to its link information.
	Servers map[string]ServerDefinition
}

// OperDefinition is one entry in the opers config.
type OperDefinition struct {
	Name string

	// Hash is a bcrypt hash of the oper's password.
	Hash string

	// Mask is a user@host the oper must connect from.
	Mask string

	// Type names an entry in the oper types config.
	Type string
}

// ClassDefinition bounds connections assigned to a class.
type ClassDefinition struct {
	Name        string
	SendQ       int
	RecvQ       int
	PingFreq    time.Duration
	Timeout     time.Duration
	MaxChannels int
}

// ServerDefinition defines how to link to a server.
type ServerDefinition struct {
	Name        string
	Hostname    string
	Port        int
	SendPass    string
	RecvPass    string
	Autoconnect bool

	// RequireHMAC refuses plaintext PASS authentication on incoming
	// links from this server.
	RequireHMAC bool
}

// ListEntryLimit overrides the ban list cap for channels matching a
// pattern.
type ListEntryLimit struct {
	Pattern string
	Limit   int
}

// checkAndParseConfig checks configuration keys are present and in an
// acceptable format.
//
// We parse some values into alternate representations.
func checkAndParseConfig(file string) (*Config, error) {
	configMap, err := config.ReadStringMap(file)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read config")
	}

	requiredKeys := []string{
		"listen-host",
		"listen-ports",
		"server-name",
		"server-info",
		"server-sid",
		"network-name",
		"motd",
		"opers-config",
		"servers-config",
	}

	// Check each key we want is present and non-blank.
	for _, key := range requiredKeys {
		v, exists := configMap[key]
		if !exists {
			return nil, fmt.Errorf("missing required key: %s", key)
		}

		if len(v) == 0 {
			return nil, fmt.Errorf("configuration value is blank: %s", key)
		}
	}

	c := &Config{}

	c.ListenHost = configMap["listen-host"]
	c.Ports = commaList(configMap["listen-ports"])
	c.ServerPorts = commaList(configMap["listen-ports-servers"])
	c.ServerName = configMap["server-name"]
	c.ServerInfo = configMap["server-info"]
	c.NetworkName = configMap["network-name"]
	c.AdminInfo = configMap["admin-info"]
	c.MOTD = strings.Split(configMap["motd"], "\\n")
	c.PIDFile = configMap["pid-file"]

	if !isValidSID(configMap["server-sid"]) {
		return nil, fmt.Errorf("invalid server SID")
	}
	c.SID = SID(configMap["server-sid"])

	switch configMap["case-mapping"] {
	case "", "rfc1459":
		c.CaseMapping = CaseMappingRFC1459
	case "ascii":
		c.CaseMapping = CaseMappingASCII
	default:
		return nil, fmt.Errorf("unknown case-mapping: %s",
			configMap["case-mapping"])
	}

	c.EnableHalfop = configMap["enable-halfop"] == "yes"

	intKeys := []struct {
		key  string
		def  int
		into *int
	}{
		{"max-nick-length", 30, &c.MaxNickLength},
		{"max-ident-length", 10, &c.MaxIdentLength},
		{"max-channel-length", 50, &c.MaxChannelLength},
		{"max-topic-length", 307, &c.MaxTopicLength},
		{"max-kick-length", 255, &c.MaxKickLength},
		{"max-quit-length", 255, &c.MaxQuitLength},
		{"max-gecos-length", 128, &c.MaxGecosLength},
		{"max-away-length", 200, &c.MaxAwayLength},
		{"max-targets", 20, &c.MaxTargets},
		{"max-list-entries", 64, &c.MaxListEntries},
	}
	for _, ik := range intKeys {
		*ik.into = ik.def
		v, exists := configMap[ik.key]
		if !exists || len(v) == 0 {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%s is not valid: %s", ik.key, v)
		}
		*ik.into = n
	}

	for _, piece := range commaList(configMap["list-entry-limits"]) {
		idx := strings.LastIndexByte(piece, ':')
		if idx <= 0 {
			return nil, fmt.Errorf("malformed list-entry-limits entry: %s",
				piece)
		}
		n, err := strconv.Atoi(piece[idx+1:])
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("malformed list-entry-limits entry: %s",
				piece)
		}
		c.ListEntryLimits = append(c.ListEntryLimits, ListEntryLimit{
			Pattern: piece[:idx],
			Limit:   n,
		})
	}

	c.DisabledCommands = make(map[string]struct{})
	for _, name := range commaList(configMap["disabled-commands"]) {
		c.DisabledCommands[strings.ToUpper(name)] = struct{}{}
	}

	c.ULines = make(map[string]struct{})
	for _, name := range commaList(configMap["ulines"]) {
		c.ULines[canonicalize(c.CaseMapping, name)] = struct{}{}
	}

	durationKeys := []struct {
		key  string
		def  time.Duration
		into *time.Duration
	}{
		{"wakeup-time", 10 * time.Second, &c.WakeupTime},
		{"ping-time", 60 * time.Second, &c.PingTime},
		{"dead-time", 240 * time.Second, &c.DeadTime},
		{"registration-time", 60 * time.Second, &c.RegistrationTime},
	}
	for _, dk := range durationKeys {
		*dk.into = dk.def
		v, exists := configMap[dk.key]
		if !exists || len(v) == 0 {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("%s is in invalid format: %s", dk.key, v)
		}
		*dk.into = d
	}

	if err := c.parseOpers(configMap["opers-config"]); err != nil {
		return nil, err
	}

	if err := c.parseOperTypes(configMap["oper-types-config"]); err != nil {
		return nil, err
	}

	if err := c.parseClasses(configMap["classes-config"]); err != nil {
		return nil, err
	}

	if err := c.parseServers(configMap["servers-config"]); err != nil {
		return nil, err
	}

	return c, nil
}

// parseOpers loads the opers config. Format per oper:
// <name> = <bcrypt hash>,<user@host mask>,<type>
func (c *Config) parseOpers(file string) error {
	c.Opers = make(map[string]OperDefinition)

	opers, err := config.ReadStringMap(file)
	if err != nil {
		return errors.Wrap(err, "unable to load opers config")
	}

	for name, v := range opers {
		pieces := strings.Split(v, ",")
		if len(pieces) != 3 {
			return fmt.Errorf("malformed oper: %s: expected hash,mask,type",
				name)
		}
		c.Opers[name] = OperDefinition{
			Name: name,
			Hash: strings.TrimSpace(pieces[0]),
			Mask: strings.TrimSpace(pieces[1]),
			Type: strings.TrimSpace(pieces[2]),
		}
	}

	return nil
}

// parseOperTypes loads oper type permissions. Format per type:
// <name> = <perm> <perm> ...
//
// The file is optional. Opers referencing a missing type get no
// permissions beyond the baseline.
func (c *Config) parseOperTypes(file string) error {
	c.OperTypes = make(map[string][]string)

	if len(file) == 0 {
		return nil
	}

	types, err := config.ReadStringMap(file)
	if err != nil {
		return errors.Wrap(err, "unable to load oper types config")
	}

	for name, v := range types {
		c.OperTypes[name] = strings.Fields(v)
	}

	return nil
}

// parseClasses loads connection classes. Format per class:
// <name> = <sendq>,<recvq>,<ping freq>,<timeout>,<max chans>
//
// The file is optional; a built-in default class applies otherwise.
func (c *Config) parseClasses(file string) error {
	c.Classes = map[string]ClassDefinition{
		"default": {
			Name:        "default",
			SendQ:       1048576,
			RecvQ:       8192,
			PingFreq:    60 * time.Second,
			Timeout:     60 * time.Second,
			MaxChannels: 30,
		},
	}

	if len(file) == 0 {
		return nil
	}

	classes, err := config.ReadStringMap(file)
	if err != nil {
		return errors.Wrap(err, "unable to load classes config")
	}

	for name, v := range classes {
		pieces := strings.Split(v, ",")
		if len(pieces) != 5 {
			return fmt.Errorf("malformed class: %s", name)
		}

		sendQ, err := strconv.Atoi(strings.TrimSpace(pieces[0]))
		if err != nil || sendQ <= 0 {
			return fmt.Errorf("class %s: invalid sendq", name)
		}
		recvQ, err := strconv.Atoi(strings.TrimSpace(pieces[1]))
		if err != nil || recvQ <= 0 {
			return fmt.Errorf("class %s: invalid recvq", name)
		}
		pingFreq, err := time.ParseDuration(strings.TrimSpace(pieces[2]))
		if err != nil || pingFreq <= 0 {
			return fmt.Errorf("class %s: invalid ping freq", name)
		}
		timeout, err := time.ParseDuration(strings.TrimSpace(pieces[3]))
		if err != nil || timeout <= 0 {
			return fmt.Errorf("class %s: invalid timeout", name)
		}
		maxChans, err := strconv.Atoi(strings.TrimSpace(pieces[4]))
		if err != nil || maxChans <= 0 {
			return fmt.Errorf("class %s: invalid max chans", name)
		}

		c.Classes[name] = ClassDefinition{
			Name:        name,
			SendQ:       sendQ,
			RecvQ:       recvQ,
			PingFreq:    pingFreq,
			Timeout:     timeout,
			MaxChannels: maxChans,
		}
	}

	return nil
}

// parseServers loads server link blocks. Format per link:
// <name> = <hostname>,<port>,<sendpass>,<recvpass>[,autoconnect][,require-hmac]
func (c *Config) parseServers(file string) error {
	c.Servers = make(map[string]ServerDefinition)

	servers, err := config.ReadStringMap(file)
	if err != nil {
		return errors.Wrap(err, "unable to load servers config")
	}

	for name, v := range servers {
		link, err := parseLink(name, v)
		if err != nil {
			return fmt.Errorf("malformed server link information: %s: %s",
				name, err)
		}
		c.Servers[name] = link
	}

	return nil
}

// parseLink parses the value side of a server definition from the
// servers config.
func parseLink(name, s string) (ServerDefinition, error) {
	pieces := strings.Split(s, ",")
	if len(pieces) < 4 {
		return ServerDefinition{}, fmt.Errorf("unexpected number of fields")
	}

	hostname := strings.TrimSpace(pieces[0])
	if len(hostname) == 0 {
		return ServerDefinition{}, fmt.Errorf("you must specify a hostname")
	}

	port, err := strconv.ParseInt(strings.TrimSpace(pieces[1]), 10, 32)
	if err != nil {
		return ServerDefinition{}, fmt.Errorf("invalid port: %s: %s",
			pieces[1], err)
	}

	sendPass := strings.TrimSpace(pieces[2])
	recvPass := strings.TrimSpace(pieces[3])
	if len(sendPass) == 0 || len(recvPass) == 0 {
		return ServerDefinition{}, fmt.Errorf("you must specify passwords")
	}

	def := ServerDefinition{
		Name:     name,
		Hostname: hostname,
		Port:     int(port),
		SendPass: sendPass,
		RecvPass: recvPass,
	}

	for _, flag := range pieces[4:] {
		switch strings.TrimSpace(flag) {
		case "autoconnect":
			def.Autoconnect = true
		case "require-hmac":
			def.RequireHMAC = true
		case "":
		default:
			return ServerDefinition{}, fmt.Errorf("unknown flag: %s", flag)
		}
	}

	return def, nil
}

// maxListEntriesFor resolves the ban list cap for a channel name from
// the pattern table, first match wins.
func (c *Config) maxListEntriesFor(channelName string) int {
	for _, limit := range c.ListEntryLimits {
		if matchMask(c.CaseMapping, limit.Pattern, channelName) {
			return limit.Limit
		}
	}
	return c.MaxListEntries
}

// classFor resolves the connection class for a newly registering
// user. Opers get the class named by their oper block's type when it
// exists.
func (c *Config) classFor(name string) ClassDefinition {
	if class, exists := c.Classes[name]; exists {
		return class
	}
	return c.Classes["default"]
}

// isULine reports whether a server name is configured as trusted
// services.
func (c *Config) isULine(serverName string) bool {
	_, exists := c.ULines[canonicalize(c.CaseMapping, serverName)]
	return exists
}
