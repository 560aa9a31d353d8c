package main

import (
	"strconv"
	"strings"
)

// ModeKind says whether a letter applies to users or channels. Mode
// letters are case sensitive ASCII.
type ModeKind int

const (
	// UserMode letters apply to users.
	UserMode ModeKind = iota

	// ChannelMode letters apply to channels.
	ChannelMode
)

// ModeSource is who is changing a mode: a user, or a server acting
// with its own authority (bursts, TS corrections, services).
type ModeSource struct {
	User   *User
	Server *Server
}

func (s ModeSource) isServer() bool {
	return s.User == nil
}

// displayPrefix is what goes in the prefix of MODE lines we emit for
// this source.
func (s ModeSource) displayPrefix(serverName string) string {
	if s.User != nil {
		return s.User.nickUhost()
	}
	if s.Server != nil {
		return s.Server.Name
	}
	return serverName
}

// rank is the source's authority over a channel. Servers outrank
// everyone.
func (s ModeSource) rank(c *Channel) int {
	if s.isServer() {
		return RankFounder + 1
	}
	return c.status(s.User.UID).rank()
}

// ModeChange is a single parsed mode toggle.
type ModeChange struct {
	Adding bool
	Letter byte
	Param  string
}

// ModeHandler describes one mode letter.
type ModeHandler struct {
	Letter byte
	Kind   ModeKind

	// Parameter arity per direction.
	ParamsAdding   int
	ParamsRemoving int

	// List modes keep an ordered mask list per channel.
	List bool

	// Prefix modes grant a member status bit with a display prefix
	// and a rank.
	PrefixChar byte
	Rank       int
	StatusBit  MemberStatus

	// MinRank is the channel authority required to change the mode.
	MinRank int

	// Change validates and may canonicalize the parameter. A nil
	// Change accepts the toggle as-is. Returning false denies it.
	Change func(a *Alder, src ModeSource, ch *Channel, adding bool,
		param *string) bool
}

func (h *ModeHandler) isPrefix() bool {
	return h.PrefixChar != 0
}

// numParams says how many parameters the letter consumes for the
// given direction.
func (h *ModeHandler) numParams(adding bool) int {
	if adding {
		return h.ParamsAdding
	}
	return h.ParamsRemoving
}

// ModeRegistry maps (kind, letter) to handlers.
type ModeRegistry struct {
	user     map[byte]*ModeHandler
	channel  map[byte]*ModeHandler
	byPrefix map[byte]*ModeHandler
}

func (r *ModeRegistry) find(kind ModeKind, letter byte) *ModeHandler {
	if kind == UserMode {
		return r.user[letter]
	}
	return r.channel[letter]
}

func (r *ModeRegistry) findPrefix(prefix byte) *ModeHandler {
	return r.byPrefix[prefix]
}

func (r *ModeRegistry) register(h *ModeHandler) {
	if h.Kind == UserMode {
		r.user[h.Letter] = h
	} else {
		r.channel[h.Letter] = h
	}
	if h.isPrefix() {
		r.byPrefix[h.PrefixChar] = h
	}
}

// prefixModesDescending returns prefix handlers from highest rank to
// lowest. Used for ISUPPORT PREFIX and FJOIN emission.
func (r *ModeRegistry) prefixModesDescending() []*ModeHandler {
	var out []*ModeHandler
	for _, h := range r.channel {
		if h.isPrefix() {
			out = append(out, h)
		}
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].Rank > out[i].Rank {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}

// newModeRegistry registers the core mode letters.
//
// Channel: n t i m s p (flags), k key, l limit, b/e/I lists, and the
// prefix ladder q a o h v. Halfop registration is configurable.
// User: i invisible, w wallops, o oper, s server notices.
func newModeRegistry(enableHalfop bool) *ModeRegistry {
	r := &ModeRegistry{
		user:     make(map[byte]*ModeHandler),
		channel:  make(map[byte]*ModeHandler),
		byPrefix: make(map[byte]*ModeHandler),
	}

	for _, letter := range []byte{'n', 't', 'i', 'm', 's', 'p'} {
		r.register(&ModeHandler{
			Letter:  letter,
			Kind:    ChannelMode,
			MinRank: RankOp,
		})
	}

	r.register(&ModeHandler{
		Letter:         'k',
		Kind:           ChannelMode,
		ParamsAdding:   1,
		ParamsRemoving: 1,
		MinRank:        RankOp,
		Change: func(a *Alder, src ModeSource, ch *Channel, adding bool,
			param *string) bool {
			if adding {
				// Keys cannot contain spaces or commas; strip a
				// leading colon that some clients send.
				key := strings.TrimPrefix(*param, ":")
				if len(key) == 0 || strings.ContainsAny(key, " ,") {
					return false
				}
				ch.Key = key
				*param = key
				return true
			}
			if len(ch.Key) == 0 {
				return false
			}
			ch.Key = ""
			*param = "*"
			return true
		},
	})

	r.register(&ModeHandler{
		Letter:       'l',
		Kind:         ChannelMode,
		ParamsAdding: 1,
		MinRank:      RankOp,
		Change: func(a *Alder, src ModeSource, ch *Channel, adding bool,
			param *string) bool {
			if adding {
				n, err := strconv.Atoi(*param)
				if err != nil || n <= 0 {
					return false
				}
				ch.Limit = n
				*param = strconv.Itoa(n)
				return true
			}
			if ch.Limit == 0 {
				return false
			}
			ch.Limit = 0
			return true
		},
	})

	for _, letter := range []byte{'b', 'e', 'I'} {
		r.register(&ModeHandler{
			Letter:         letter,
			Kind:           ChannelMode,
			ParamsAdding:   1,
			ParamsRemoving: 1,
			List:           true,
			MinRank:        RankOp,
		})
	}

	prefixes := []struct {
		letter byte
		prefix byte
		rank   int
		bit    MemberStatus
		min    int
	}{
		{'q', '~', RankFounder, StatusFounder, RankFounder},
		{'a', '&', RankProtected, StatusProtected, RankFounder},
		{'o', '@', RankOp, StatusOp, RankOp},
		{'v', '+', RankVoice, StatusVoice, RankHalfop},
	}
	if enableHalfop {
		prefixes = append(prefixes, struct {
			letter byte
			prefix byte
			rank   int
			bit    MemberStatus
			min    int
		}{'h', '%', RankHalfop, StatusHalfop, RankOp})
	}
	for _, p := range prefixes {
		r.register(&ModeHandler{
			Letter:         p.letter,
			Kind:           ChannelMode,
			ParamsAdding:   1,
			ParamsRemoving: 1,
			PrefixChar:     p.prefix,
			Rank:           p.rank,
			StatusBit:      p.bit,
			MinRank:        p.min,
		})
	}

	for _, letter := range []byte{'i', 'w', 's'} {
		r.register(&ModeHandler{Letter: letter, Kind: UserMode})
	}
	// +o can only be removed with MODE; OPER grants it.
	r.register(&ModeHandler{
		Letter: 'o',
		Kind:   UserMode,
		Change: func(a *Alder, src ModeSource, ch *Channel, adding bool,
			param *string) bool {
			return !adding || src.isServer()
		},
	})

	return r
}

// chanModesToken builds the ISUPPORT CHANMODES value: list, always-
// param, param-when-set, flag.
func (r *ModeRegistry) chanModesToken() string {
	var lists, always, whenSet, flags []byte
	for letter, h := range r.channel {
		switch {
		case h.List:
			lists = append(lists, letter)
		case h.isPrefix():
			// Prefix modes appear in PREFIX, not CHANMODES.
		case h.ParamsAdding > 0 && h.ParamsRemoving > 0:
			always = append(always, letter)
		case h.ParamsAdding > 0:
			whenSet = append(whenSet, letter)
		default:
			flags = append(flags, letter)
		}
	}
	sortBytes(lists)
	sortBytes(always)
	sortBytes(whenSet)
	sortBytes(flags)
	return string(lists) + "," + string(always) + "," + string(whenSet) +
		"," + string(flags)
}

// prefixToken builds the ISUPPORT PREFIX value, e.g. (qaohv)~&@%+.
func (r *ModeRegistry) prefixToken() string {
	letters := ""
	chars := ""
	for _, h := range r.prefixModesDescending() {
		letters += string(h.Letter)
		chars += string(h.PrefixChar)
	}
	return "(" + letters + ")" + chars
}

func sortBytes(b []byte) {
	for i := 0; i < len(b); i++ {
		for j := i + 1; j < len(b); j++ {
			if b[j] < b[i] {
				b[i], b[j] = b[j], b[i]
			}
		}
	}
}

// maxModesPerLine is how many mode toggles we pack into one outbound
// MODE or FMODE line.
const maxModesPerLine = 20

// ModeStacker coalesces mode toggles into packed lines with correct
// +/- transitions, honoring the per-line mode limit. It is used for
// local MODE echo and for FMODE emission.
type ModeStacker struct {
	changes []ModeChange
}

func (s *ModeStacker) add(adding bool, letter byte, param string) {
	s.changes = append(s.changes, ModeChange{
		Adding: adding,
		Letter: letter,
		Param:  param,
	})
}

func (s *ModeStacker) empty() bool {
	return len(s.changes) == 0
}

// lines renders the stacked changes. Each element is a parameter
// list: the packed mode string followed by its parameters.
func (s *ModeStacker) lines() [][]string {
	var out [][]string

	for start := 0; start < len(s.changes); start += maxModesPerLine {
		end := start + maxModesPerLine
		if end > len(s.changes) {
			end = len(s.changes)
		}

		var modeStr strings.Builder
		var params []string
		lastSign := byte(0)

		for _, change := range s.changes[start:end] {
			sign := byte('-')
			if change.Adding {
				sign = '+'
			}
			if sign != lastSign {
				modeStr.WriteByte(sign)
				lastSign = sign
			}
			modeStr.WriteByte(change.Letter)
			if len(change.Param) > 0 {
				params = append(params, change.Param)
			}
		}

		out = append(out, append([]string{modeStr.String()}, params...))
	}

	return out
}

// parseModeChanges tokenizes a MODE/FMODE parameter sequence into
// toggles, consuming one tail parameter per letter that takes one.
// Unknown letters come back separately.
func (r *ModeRegistry) parseModeChanges(kind ModeKind,
	params []string) (changes []ModeChange, unknown []byte) {

	if len(params) == 0 {
		return nil, nil
	}

	adding := true
	paramIdx := 1

	for i := 0; i < len(params[0]); i++ {
		letter := params[0][i]

		switch letter {
		case '+':
			adding = true
			continue
		case '-':
			adding = false
			continue
		}

		h := r.find(kind, letter)
		if h == nil {
			unknown = append(unknown, letter)
			continue
		}

		change := ModeChange{Adding: adding, Letter: letter}

		if h.numParams(adding) > 0 {
			if paramIdx < len(params) {
				change.Param = params[paramIdx]
				paramIdx++
			} else if h.List && adding {
				// A bare list mode is a listing request.
				change.Param = ""
			} else if h.isPrefix() || (adding && !h.List) {
				// Prefix and parametric modes with no parameter are
				// dropped.
				continue
			}
		}

		changes = append(changes, change)
	}

	return changes, unknown
}
