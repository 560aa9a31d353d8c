package main

import "fmt"

// XLineType is the single letter ban record type.
type XLineType byte

const (
	// XLineG bans user@host network wide.
	XLineG XLineType = 'G'

	// XLineK bans user@host on this server only.
	XLineK XLineType = 'K'

	// XLineZ bans an IP mask. Checked before DNS, so cheap.
	XLineZ XLineType = 'Z'

	// XLineQ forbids a nick mask.
	XLineQ XLineType = 'Q'

	// XLineE exempts user@host from G/K/Z at match time.
	XLineE XLineType = 'E'
)

// XLine is a typed ban record.
type XLine struct {
	Type XLineType

	// Mask is user@host for G/K/E, an IP mask for Z, a nick mask for
	// Q.
	Mask string

	Reason string

	// Setter is a display string, nick or server name.
	Setter string

	SetTS int64

	// Duration in seconds. 0 is permanent.
	Duration int64
}

func (x XLine) String() string {
	return fmt.Sprintf("%c-line %s (%s)", x.Type, x.Mask, x.Reason)
}

// expired reports whether the line has run out at the given time.
func (x XLine) expired(now int64) bool {
	return x.Duration != 0 && now >= x.SetTS+x.Duration
}

// matchesUser checks a G/K/E mask (user@host) against a user.
func (x XLine) matchesUser(mapping CaseMapping, u *User) bool {
	userMask, hostMask := splitAtMask(x.Mask)
	return u.matchesMask(mapping, userMask, hostMask)
}

// splitAtMask splits user@host, treating a missing @ as a host mask.
func splitAtMask(mask string) (string, string) {
	for i := 0; i < len(mask); i++ {
		if mask[i] == '@' {
			user := mask[:i]
			host := mask[i+1:]
			if len(user) == 0 {
				user = "*"
			}
			if len(host) == 0 {
				host = "*"
			}
			return user, host
		}
	}
	return "*", mask
}

// findXLine locates a user's first matching active line of the given
// type. E-lines shadow G/K/Z: a match is suppressed if any E-line also
// matches.
func (a *Alder) findXLine(t XLineType, u *User) *XLine {
	now := a.now().Unix()

	for i := range a.XLines {
		x := &a.XLines[i]
		if x.Type != t || x.expired(now) {
			continue
		}

		matched := false
		switch t {
		case XLineG, XLineK, XLineE:
			matched = x.matchesUser(a.Config.CaseMapping, u)
		case XLineZ:
			matched = matchMask(a.Config.CaseMapping, x.Mask, u.IP)
		case XLineQ:
			matched = matchMask(a.Config.CaseMapping, x.Mask, u.DisplayNick)
		}
		if !matched {
			continue
		}

		if t != XLineE && t != XLineQ && a.findXLine(XLineE, u) != nil {
			return nil
		}

		return x
	}

	return nil
}

// nickForbidden checks a prospective nick against active Q-lines.
func (a *Alder) nickForbidden(nick string) *XLine {
	now := a.now().Unix()
	for i := range a.XLines {
		x := &a.XLines[i]
		if x.Type != XLineQ || x.expired(now) {
			continue
		}
		if matchMask(a.Config.CaseMapping, x.Mask, nick) {
			return x
		}
	}
	return nil
}

// addXLine stores a line, replacing any of the same type and mask.
// Side effects (disconnecting matching users) are the caller's job
// since they are deferred during bursts.
func (a *Alder) addXLine(x XLine) {
	x.Mask = canonicalize(a.Config.CaseMapping, x.Mask)
	for i := range a.XLines {
		if a.XLines[i].Type == x.Type && a.XLines[i].Mask == x.Mask {
			a.XLines[i] = x
			return
		}
	}
	a.XLines = append(a.XLines, x)
}

// removeXLine deletes a line by type and mask. It reports whether
// anything was removed.
func (a *Alder) removeXLine(t XLineType, mask string) bool {
	mask = canonicalize(a.Config.CaseMapping, mask)
	for i := range a.XLines {
		if a.XLines[i].Type == t && a.XLines[i].Mask == mask {
			a.XLines = append(a.XLines[:i], a.XLines[i+1:]...)
			return true
		}
	}
	return false
}

// expireXLines drops lines that have run out.
func (a *Alder) expireXLines() {
	now := a.now().Unix()
	kept := a.XLines[:0]
	for _, x := range a.XLines {
		if !x.expired(now) {
			kept = append(kept, x)
		}
	}
	a.XLines = kept
}

// applyXLine enforces a new G/K/Z line against connected local users.
// Deferred while the originating server is bursting.
func (a *Alder) applyXLine(x XLine) {
	if x.Type != XLineG && x.Type != XLineK && x.Type != XLineZ {
		return
	}

	for _, lu := range a.LocalUsers {
		u := lu.User

		matched := false
		switch x.Type {
		case XLineG, XLineK:
			matched = x.matchesUser(a.Config.CaseMapping, u)
		case XLineZ:
			matched = matchMask(a.Config.CaseMapping, x.Mask, u.IP)
		}
		if !matched {
			continue
		}

		if a.findXLine(XLineE, u) != nil {
			continue
		}

		a.noticeOpers(fmt.Sprintf("%s closed for %s: %s", x,
			u.DisplayNick, x.Reason))
		lu.quit(fmt.Sprintf("%c-lined: %s", x.Type, x.Reason), true)
	}
}
