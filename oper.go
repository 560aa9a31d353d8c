package main

import (
	"fmt"

	"github.com/horgh/irc"
	"golang.org/x/crypto/bcrypt"
)

// coreSnomasks are the notice categories the core emits: G oper
// override, c client connects, k kills and bans, l links and splits.
var coreSnomasks = []byte{'G', 'c', 'k', 'l'}

// operCommand authenticates a user against an oper block.
// Parameters: <name> <password>
func (u *LocalUser) operCommand(m irc.Message) CommandResult {
	a := u.Alder

	if u.User.isOperator() {
		// 381 RPL_YOUREOPER
		u.messageFromServer("381", []string{
			"You are already an IRC operator"})
		return CmdSuccess
	}

	def, exists := a.Config.Opers[m.Params[0]]
	if !exists {
		// 491 ERR_NOOPERHOST
		u.messageFromServer("491", []string{
			"No O-lines for your host"})
		a.snomaskNotice('k', fmt.Sprintf(
			"Failed OPER attempt by %s: no such oper %s",
			u.User.DisplayNick, m.Params[0]))
		return CmdFailure
	}

	// The oper block binds a user@host the oper must come from.
	userMask, hostMask := splitAtMask(def.Mask)
	if !u.User.matchesMask(a.Config.CaseMapping, userMask, hostMask) {
		// 491 ERR_NOOPERHOST
		u.messageFromServer("491", []string{
			"No O-lines for your host"})
		a.snomaskNotice('k', fmt.Sprintf(
			"Failed OPER attempt by %s: host mismatch for %s",
			u.User.DisplayNick, def.Name))
		return CmdFailure
	}

	if bcrypt.CompareHashAndPassword([]byte(def.Hash),
		[]byte(m.Params[1])) != nil {
		// 464 ERR_PASSWDMISMATCH
		u.messageFromServer("464", []string{"Password incorrect"})
		a.snomaskNotice('k', fmt.Sprintf(
			"Failed OPER attempt by %s: bad password for %s",
			u.User.DisplayNick, def.Name))
		return CmdFailure
	}

	a.makeOper(u, def.Type)
	return CmdSuccess
}

// makeOper grants oper status to a local user and tells the network.
func (a *Alder) makeOper(u *LocalUser, operType string) {
	u.User.Modes['o'] = struct{}{}
	u.User.OperType = operType
	a.Opers[u.User.UID] = u.User

	for _, letter := range coreSnomasks {
		u.Snomasks[letter] = struct{}{}
	}

	// From themselves to themselves.
	u.maybeQueueMessage(irc.Message{
		Prefix:  u.User.nickUhost(),
		Command: "MODE",
		Params:  []string{u.User.DisplayNick, "+o"},
	})

	// 381 RPL_YOUREOPER
	u.messageFromServer("381", []string{"You are now an IRC operator"})

	a.snomaskNotice('k', fmt.Sprintf("%s is now an operator (%s)",
		u.User.DisplayNick, operType))

	// Tell all servers about the mode change and the oper type.
	a.broadcastServers(nil, irc.Message{
		Prefix:  string(u.User.UID),
		Command: "MODE",
		Params:  []string{string(u.User.UID), "+o"},
	})
	a.broadcastServers(nil, irc.Message{
		Prefix:  string(u.User.UID),
		Command: "OPERTYPE",
		Params:  []string{operType},
	})
}
