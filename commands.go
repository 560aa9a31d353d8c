package main

import (
	"strings"
	"time"

	"github.com/horgh/irc"
)

// CommandResult is what a handler tells the dispatcher.
type CommandResult int

const (
	// CmdSuccess means the command did its thing.
	CmdSuccess CommandResult = iota

	// CmdFailure means the command failed; the handler sent any
	// numeric.
	CmdFailure

	// CmdInvalid means the parameters made no sense.
	CmdInvalid

	// CmdUserDeleted means the handler destroyed the invoking user
	// (QUIT, self-kill). The dispatcher must touch nothing further.
	CmdUserDeleted
)

// Command describes a client command.
type Command struct {
	Name string

	// Minimum parameter count. Fewer draws a 461.
	MinParams int

	// OperOnly commands draw a 481 for regular users.
	OperOnly bool

	// LoopParam is the index of a comma separated target list
	// parameter, or -1. The dispatcher re-invokes the handler once
	// per target with that parameter rewritten, stopping on the first
	// terminal failure.
	LoopParam int

	// Routable commands have their original line forwarded to all
	// peers under the user's UID prefix after success.
	Routable bool

	Handler func(lu *LocalUser, m irc.Message) CommandResult
}

// userCommands builds the dispatch table. Handlers live on LocalUser.
func userCommands() map[string]*Command {
	cmds := []*Command{
		{Name: "NICK", MinParams: 0, LoopParam: -1,
			Handler: (*LocalUser).nickCommand},
		{Name: "USER", MinParams: 0, LoopParam: -1,
			Handler: (*LocalUser).userCommand},
		{Name: "PASS", MinParams: 0, LoopParam: -1,
			Handler: (*LocalUser).passCommand},
		{Name: "CAP", MinParams: 0, LoopParam: -1,
			Handler: (*LocalUser).capCommand},
		{Name: "PING", MinParams: 0, LoopParam: -1,
			Handler: (*LocalUser).pingCommand},
		{Name: "PONG", MinParams: 0, LoopParam: -1,
			Handler: (*LocalUser).pongCommand},
		{Name: "QUIT", MinParams: 0, LoopParam: -1,
			Handler: (*LocalUser).quitCommand},
		{Name: "JOIN", MinParams: 1, LoopParam: 0,
			Handler: (*LocalUser).joinCommand},
		{Name: "PART", MinParams: 1, LoopParam: 0,
			Handler: (*LocalUser).partCommand},
		{Name: "TOPIC", MinParams: 1, LoopParam: -1,
			Handler: (*LocalUser).topicCommand},
		{Name: "NAMES", MinParams: 0, LoopParam: 0,
			Handler: (*LocalUser).namesCommand},
		{Name: "LIST", MinParams: 0, LoopParam: -1,
			Handler: (*LocalUser).listCommand},
		{Name: "INVITE", MinParams: 2, LoopParam: -1,
			Handler: (*LocalUser).inviteCommand},
		{Name: "KICK", MinParams: 2, LoopParam: 1,
			Handler: (*LocalUser).kickCommand},
		{Name: "MODE", MinParams: 1, LoopParam: -1,
			Handler: (*LocalUser).modeCommand},
		{Name: "PRIVMSG", MinParams: 0, LoopParam: 0,
			Handler: (*LocalUser).privmsgCommand},
		{Name: "NOTICE", MinParams: 0, LoopParam: 0,
			Handler: (*LocalUser).privmsgCommand},
		{Name: "WHO", MinParams: 1, LoopParam: -1,
			Handler: (*LocalUser).whoCommand},
		{Name: "WHOIS", MinParams: 1, LoopParam: -1,
			Handler: (*LocalUser).whoisCommand},
		{Name: "AWAY", MinParams: 0, LoopParam: -1, Routable: true,
			Handler: (*LocalUser).awayCommand},
		{Name: "ISON", MinParams: 1, LoopParam: -1,
			Handler: (*LocalUser).isonCommand},
		{Name: "USERHOST", MinParams: 1, LoopParam: -1,
			Handler: (*LocalUser).userhostCommand},
		{Name: "MOTD", MinParams: 0, LoopParam: -1,
			Handler: (*LocalUser).motdCommandWrap},
		{Name: "LUSERS", MinParams: 0, LoopParam: -1,
			Handler: (*LocalUser).lusersCommandWrap},
		{Name: "VERSION", MinParams: 0, LoopParam: -1,
			Handler: (*LocalUser).versionCommand},
		{Name: "TIME", MinParams: 0, LoopParam: -1,
			Handler: (*LocalUser).timeCommand},
		{Name: "ADMIN", MinParams: 0, LoopParam: -1,
			Handler: (*LocalUser).adminCommand},
		{Name: "LINKS", MinParams: 0, LoopParam: -1,
			Handler: (*LocalUser).linksCommand},
		{Name: "STATS", MinParams: 1, LoopParam: -1,
			Handler: (*LocalUser).statsCommand},
		{Name: "OPER", MinParams: 2, LoopParam: -1,
			Handler: (*LocalUser).operCommand},
		{Name: "WALLOPS", MinParams: 1, LoopParam: -1, OperOnly: true,
			Handler: (*LocalUser).wallopsCommand},
		{Name: "KILL", MinParams: 1, LoopParam: -1, OperOnly: true,
			Handler: (*LocalUser).killCommand},
		{Name: "SQUIT", MinParams: 1, LoopParam: -1, OperOnly: true,
			Handler: (*LocalUser).squitCommand},
		{Name: "CONNECT", MinParams: 1, LoopParam: -1, OperOnly: true,
			Handler: (*LocalUser).connectCommand},
		{Name: "REHASH", MinParams: 0, LoopParam: -1, OperOnly: true,
			Handler: (*LocalUser).rehashCommand},
		{Name: "DIE", MinParams: 0, LoopParam: -1, OperOnly: true,
			Handler: (*LocalUser).dieCommand},
		{Name: "GLINE", MinParams: 1, LoopParam: -1, OperOnly: true,
			Handler: (*LocalUser).glineCommand},
		{Name: "KLINE", MinParams: 1, LoopParam: -1, OperOnly: true,
			Handler: (*LocalUser).klineCommand},
		{Name: "ZLINE", MinParams: 1, LoopParam: -1, OperOnly: true,
			Handler: (*LocalUser).zlineCommand},
		{Name: "QLINE", MinParams: 1, LoopParam: -1, OperOnly: true,
			Handler: (*LocalUser).qlineCommand},
		{Name: "ELINE", MinParams: 1, LoopParam: -1, OperOnly: true,
			Handler: (*LocalUser).elineCommand},
	}

	table := make(map[string]*Command)
	for _, cmd := range cmds {
		table[cmd.Name] = cmd
	}
	return table
}

var userCommandTable = userCommands()

// dispatchUserCommand routes one line from a registered user.
//
// Side effects of the command, including outbound fanout, are fully
// committed before we return, and so before the next event is taken.
func (a *Alder) dispatchUserCommand(lu *LocalUser, m irc.Message) {
	// Record that the client said something to us just now.
	lu.LastActivityTime = a.now()

	// Clients SHOULD NOT send a prefix. Disallow it completely for
	// all commands.
	if m.Prefix != "" {
		lu.messageFromServer("ERROR", []string{"Do not send a prefix"})
		return
	}

	name := strings.ToUpper(m.Command)

	cmd, exists := userCommandTable[name]
	if !exists {
		// 421 ERR_UNKNOWNCOMMAND
		lu.messageFromServer("421", []string{name, "Unknown command"})
		return
	}

	if _, disabled := a.Config.DisabledCommands[name]; disabled {
		// 421 ERR_UNKNOWNCOMMAND
		lu.messageFromServer("421", []string{name, "This command has been disabled"})
		return
	}

	if len(m.Params) < cmd.MinParams {
		// 461 ERR_NEEDMOREPARAMS
		lu.messageFromServer("461", []string{name, "Not enough parameters"})
		return
	}

	if cmd.OperOnly && !lu.User.isOperator() {
		// 481 ERR_NOPRIVILEGES
		lu.messageFromServer("481", []string{
			"Permission Denied- You're not an IRC operator"})
		return
	}

	ev := &HookEvent{User: lu.User, Command: name, Params: m.Params}
	if a.callHook(HookPreCommand, ev) == HookDeny {
		return
	}

	m.Command = name
	result := a.invokeCommand(lu, cmd, m)

	if result == CmdUserDeleted {
		return
	}

	if result == CmdSuccess {
		a.notifyHook(HookPostCommand, ev)

		if cmd.Routable {
			a.broadcastServers(nil, irc.Message{
				Prefix:  string(lu.User.UID),
				Command: name,
				Params:  m.Params,
			})
		}
	}
}

// invokeCommand runs a handler, expanding comma separated target
// lists into one invocation per target. The loop stops at the first
// terminal failure.
func (a *Alder) invokeCommand(lu *LocalUser, cmd *Command,
	m irc.Message) CommandResult {

	if cmd.LoopParam < 0 || cmd.LoopParam >= len(m.Params) ||
		!strings.Contains(m.Params[cmd.LoopParam], ",") {
		return cmd.Handler(lu, m)
	}

	targets := commaList(m.Params[cmd.LoopParam])
	if len(targets) > a.Config.MaxTargets {
		// 407 ERR_TOOMANYTARGETS
		lu.messageFromServer("407", []string{m.Params[cmd.LoopParam],
			"Too many targets"})
		return CmdFailure
	}

	result := CmdSuccess
	for _, target := range targets {
		params := append([]string(nil), m.Params...)
		params[cmd.LoopParam] = target

		result = cmd.Handler(lu, irc.Message{
			Command: m.Command,
			Params:  params,
		})
		if result == CmdFailure || result == CmdUserDeleted {
			return result
		}
	}

	return result
}

// dispatchTime is used by WHOIS idle replies.
func dispatchTime(t time.Time) string {
	return t.Format("Mon Jan 2 15:04:05 2006")
}
