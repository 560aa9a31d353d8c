package main

import "fmt"

// User holds information about a user. It may be remote or local.
type User struct {
	UID UID

	DisplayNick string

	// NickTS changes when the nick does. It arbitrates collisions.
	NickTS int64

	// SignonTS is when the connection registered.
	SignonTS int64

	Ident string

	// Hostname is the real host. DisplayHost is what we show, which
	// cloaking hooks may alter.
	Hostname    string
	DisplayHost string

	IP string

	RealName string

	Modes map[byte]struct{}

	Away string

	// OperType is the oper class name, set by OPER/OPERTYPE. Blank for
	// regular users.
	OperType string

	// Channel name (canonicalized) to Channel.
	Channels map[string]*Channel

	// LocalUser is set if this user owns a connection to us.
	LocalUser *LocalUser

	// Server is the user's home server. nil for local users.
	Server *Server
}

func (u *User) String() string {
	return fmt.Sprintf("%s: %s", u.UID, u.nickUhost())
}

func (u *User) nickUhost() string {
	return fmt.Sprintf("%s!%s@%s", u.DisplayNick, u.Ident, u.DisplayHost)
}

func (u *User) isLocal() bool {
	return u.LocalUser != nil
}

func (u *User) isRemote() bool {
	return !u.isLocal()
}

func (u *User) isOperator() bool {
	_, exists := u.Modes['o']
	return exists
}

func (u *User) isAway() bool {
	return len(u.Away) > 0
}

func (u *User) hasMode(mode byte) bool {
	_, exists := u.Modes[mode]
	return exists
}

func (u *User) modesString() string {
	s := "+"
	for m := byte('A'); m <= 'z'; m++ {
		if _, exists := u.Modes[m]; exists {
			s += string(m)
		}
	}
	return s
}

func (u *User) onChannel(channel *Channel) bool {
	_, exists := u.Channels[channel.Name]
	return exists
}

// matchesMask checks the user's ident and hostname against masks with
// wildcards. We check both the real host and the IP.
func (u *User) matchesMask(mapping CaseMapping, userMask, hostMask string) bool {
	if !matchMask(mapping, userMask, u.Ident) {
		return false
	}

	if matchMask(mapping, hostMask, u.Hostname) {
		return true
	}

	return matchMask(mapping, hostMask, u.IP)
}
