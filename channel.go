package main

import "strconv"

// MemberStatus is a bitset of the prefix modes a member holds in a
// channel.
type MemberStatus uint8

const (
	// StatusVoice through StatusFounder are ordered by rank.
	StatusVoice MemberStatus = 1 << iota
	StatusHalfop
	StatusOp
	StatusProtected
	StatusFounder
)

// Ranks for authority comparisons. The highest set bit decides.
const (
	RankNone      = 0
	RankVoice     = 10000
	RankHalfop    = 20000
	RankOp        = 30000
	RankProtected = 40000
	RankFounder   = 50000
)

func (s MemberStatus) has(bit MemberStatus) bool {
	return s&bit != 0
}

// rank returns the rank of the highest status bit set.
func (s MemberStatus) rank() int {
	switch {
	case s.has(StatusFounder):
		return RankFounder
	case s.has(StatusProtected):
		return RankProtected
	case s.has(StatusOp):
		return RankOp
	case s.has(StatusHalfop):
		return RankHalfop
	case s.has(StatusVoice):
		return RankVoice
	}
	return RankNone
}

// prefix returns the display prefix for the highest status bit set,
// or blank for a plain member.
func (s MemberStatus) prefix() string {
	switch {
	case s.has(StatusFounder):
		return "~"
	case s.has(StatusProtected):
		return "&"
	case s.has(StatusOp):
		return "@"
	case s.has(StatusHalfop):
		return "%"
	case s.has(StatusVoice):
		return "+"
	}
	return ""
}

// allPrefixes returns every prefix the member holds, highest first.
// Server to server FJOIN lines carry the full set.
func (s MemberStatus) allPrefixes() string {
	out := ""
	if s.has(StatusFounder) {
		out += "~"
	}
	if s.has(StatusProtected) {
		out += "&"
	}
	if s.has(StatusOp) {
		out += "@"
	}
	if s.has(StatusHalfop) {
		out += "%"
	}
	if s.has(StatusVoice) {
		out += "+"
	}
	return out
}

// modeLetters returns the prefix mode letters for the bits set,
// highest first. Used when building deop/devoice mode lines.
func (s MemberStatus) modeLetters() string {
	out := ""
	if s.has(StatusFounder) {
		out += "q"
	}
	if s.has(StatusProtected) {
		out += "a"
	}
	if s.has(StatusOp) {
		out += "o"
	}
	if s.has(StatusHalfop) {
		out += "h"
	}
	if s.has(StatusVoice) {
		out += "v"
	}
	return out
}

// ListEntry is one entry on a channel list mode (ban, except, invex).
type ListEntry struct {
	Mask   string
	Setter string
	SetTS  int64
}

// Channel holds everything to do with a channel. A channel exists iff
// it has at least one member.
type Channel struct {
	// Canonicalized name.
	Name string

	// Members in the channel, with their status bits.
	// If we have zero members, we should not exist.
	Members map[UID]MemberStatus

	// Current topic. May be blank.
	Topic string

	// The person who set the topic. nick!user@host.
	TopicSetter string

	// Topic TS. Changes on TOPIC command (or if a server tells us one).
	TopicTS int64

	// Simple modes set on the channel (+nt and friends). Parametric
	// and list modes live in their own fields.
	Modes map[byte]struct{}

	// +k key. Blank when unset.
	Key string

	// +l limit. Zero when unset.
	Limit int

	// List modes by letter (b, e, I).
	Lists map[byte][]ListEntry

	// Channel TS. Changes on channel creation (or if another server
	// tells us a lower TS).
	TS int64
}

func newChannel(name string, ts int64) *Channel {
	return &Channel{
		Name:    name,
		Members: make(map[UID]MemberStatus),
		Modes:   make(map[byte]struct{}),
		Lists:   make(map[byte][]ListEntry),
		TS:      ts,
	}
}

func (c *Channel) hasMode(mode byte) bool {
	_, exists := c.Modes[mode]
	return exists
}

// modesString returns the simple and parametric modes as a display
// string. Key and limit values are appended for those who may see
// them.
func (c *Channel) modesString(showParams bool) string {
	s := "+"
	for m := byte('A'); m <= 'z'; m++ {
		if _, exists := c.Modes[m]; exists {
			s += string(m)
		}
	}
	params := ""
	if c.Limit > 0 {
		s += "l"
		if showParams {
			params += " " + strconv.Itoa(c.Limit)
		}
	}
	if len(c.Key) > 0 {
		s += "k"
		if showParams {
			params += " " + c.Key
		}
	}
	return s + params
}

// status returns the member's status bits, or zero if they are not a
// member.
func (c *Channel) status(uid UID) MemberStatus {
	return c.Members[uid]
}

func (c *Channel) setStatus(uid UID, bit MemberStatus, on bool) {
	st, exists := c.Members[uid]
	if !exists {
		return
	}
	if on {
		st |= bit
	} else {
		st &^= bit
	}
	c.Members[uid] = st
}

// listEntries returns the entries for a list mode letter.
func (c *Channel) listEntries(letter byte) []ListEntry {
	return c.Lists[letter]
}

// onList checks a canonicalized mask for presence on a list mode.
func (c *Channel) onList(letter byte, mask string) bool {
	for _, entry := range c.Lists[letter] {
		if entry.Mask == mask {
			return true
		}
	}
	return false
}

// addListEntry appends to a list mode. The caller enforces the cap
// and canonicalizes the mask.
func (c *Channel) addListEntry(letter byte, entry ListEntry) {
	c.Lists[letter] = append(c.Lists[letter], entry)
}

// removeListEntry removes a mask from a list mode. It reports whether
// anything was removed.
func (c *Channel) removeListEntry(letter byte, mask string) bool {
	entries := c.Lists[letter]
	for i, entry := range entries {
		if entry.Mask == mask {
			c.Lists[letter] = append(entries[:i], entries[i+1:]...)
			if len(c.Lists[letter]) == 0 {
				delete(c.Lists, letter)
			}
			return true
		}
	}
	return false
}

// removeUser takes a user out of the channel and the channel out of
// the user. The caller destroys the channel if it empties.
func (c *Channel) removeUser(u *User) {
	delete(c.Members, u.UID)
	delete(u.Channels, c.Name)
}

// matchesLists checks a user against a list mode, extbans excluded.
func (c *Channel) matchesLists(mapping CaseMapping, letter byte, u *User) bool {
	for _, entry := range c.Lists[letter] {
		if isExtban(entry.Mask) {
			continue
		}
		nick, user, host := splitUserhostMask(entry.Mask)
		if !matchMask(mapping, nick, u.DisplayNick) {
			continue
		}
		if !matchMask(mapping, user, u.Ident) {
			continue
		}
		if matchMask(mapping, host, u.DisplayHost) ||
			matchMask(mapping, host, u.Hostname) ||
			matchMask(mapping, host, u.IP) {
			return true
		}
	}
	return false
}
