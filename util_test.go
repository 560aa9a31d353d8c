package main

import (
	"testing"
)

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		mapping CaseMapping
		input   string
		output  string
	}{
		{CaseMappingRFC1459, "Nick", "nick"},
		{CaseMappingRFC1459, "NICK123", "nick123"},
		{CaseMappingRFC1459, "foo[]\\~", "foo{}|^"},
		{CaseMappingRFC1459, "{already}", "{already}"},
		{CaseMappingASCII, "Nick", "nick"},
		{CaseMappingASCII, "foo[]\\~", "foo[]\\~"},
		{CaseMappingRFC1459, "#Chan[1]", "#chan{1}"},
	}

	for _, test := range tests {
		got := canonicalize(test.mapping, test.input)
		if got != test.output {
			t.Errorf("canonicalize(%s, %q) = %q, wanted %q", test.mapping,
				test.input, got, test.output)
		}
	}
}

func TestIsValidNick(t *testing.T) {
	tests := []struct {
		input  string
		output bool
	}{
		{"will", true},
		{"Will", true},
		{"will-", true},
		{"w1ll", true},
		{"[away]", true},
		{"`quote", true},
		{"1will", false},
		{"-will", false},
		{"", false},
		{"will iam", false},
		{"thisnickiswaytoolongforanyone31", false},
	}

	for _, test := range tests {
		got := isValidNick(30, test.input)
		if got != test.output {
			t.Errorf("isValidNick(%q) = %v, wanted %v", test.input, got,
				test.output)
		}
	}
}

func TestIsValidChannel(t *testing.T) {
	tests := []struct {
		input  string
		output bool
	}{
		{"#test", true},
		{"#", false},
		{"test", false},
		{"#te st", false},
		{"#te,st", false},
		{"#tëst", true},
	}

	for _, test := range tests {
		got := isValidChannel(50, test.input)
		if got != test.output {
			t.Errorf("isValidChannel(%q) = %v, wanted %v", test.input,
				got, test.output)
		}
	}
}

func TestIsValidUIDAndSID(t *testing.T) {
	if !isValidSID("1AL") || !isValidSID("9Z9") {
		t.Errorf("valid SIDs rejected")
	}
	if isValidSID("ALL") || isValidSID("1al") || isValidSID("1ALX") {
		t.Errorf("invalid SIDs accepted")
	}

	if !isValidUID("1ALAAAAAB") {
		t.Errorf("valid UID rejected")
	}
	if isValidUID("1AL0AAAAB") || isValidUID("1ALAAAAB") ||
		isValidUID("XALAAAAAB") {
		t.Errorf("invalid UIDs accepted")
	}

	if UID("1ALAAAAAB").SID() != SID("1AL") {
		t.Errorf("UID.SID() wrong")
	}
}

func TestMakeUserID(t *testing.T) {
	tests := []struct {
		input   uint64
		output  string
		success bool
	}{
		{0, "AAAAAA", true},
		{1, "AAAAAB", true},
		{25, "AAAAAZ", true},
		{26, "AAAAA0", true},
		{35, "AAAAA9", true},
		{36, "AAAABA", true},
		{72, "AAAACA", true},
		{1572120575, "Z99999", true},
		{1572120576, "", false},
	}

	for _, test := range tests {
		id, err := makeUserID(test.input)
		if err != nil {
			if test.success {
				t.Errorf("makeUserID(%d) = error %s, wanted %s",
					test.input, err, test.output)
			}
			continue
		}

		if !test.success {
			t.Errorf("makeUserID(%d) = %s, wanted error", test.input, id)
			continue
		}

		if id != test.output {
			t.Errorf("makeUserID(%d) = %s, wanted %s", test.input, id,
				test.output)
		}
	}
}

func TestMatchMask(t *testing.T) {
	tests := []struct {
		mask   string
		s      string
		output bool
	}{
		{"*", "anything", true},
		{"a*c", "abc", true},
		{"a*c", "abbbc", true},
		{"a*c", "ab", false},
		{"a?c", "abc", true},
		{"a?c", "abbc", false},
		{"*.example.com", "host.example.com", true},
		{"*.example.com", "example.com", false},
		{"Te*T", "test", true},
		{"", "", true},
		{"", "x", false},
	}

	for _, test := range tests {
		got := matchMask(CaseMappingRFC1459, test.mask, test.s)
		if got != test.output {
			t.Errorf("matchMask(%q, %q) = %v, wanted %v", test.mask,
				test.s, got, test.output)
		}
	}
}

func TestSplitUserhostMask(t *testing.T) {
	tests := []struct {
		input string
		nick  string
		user  string
		host  string
	}{
		{"nick!user@host", "nick", "user", "host"},
		{"nick", "nick", "*", "*"},
		{"user@host", "*", "user", "host"},
		{"nick!@host", "nick", "*", "host"},
		{"!user@", "*", "user", "*"},
		{"nick!user", "nick", "user", "*"},
	}

	for _, test := range tests {
		nick, user, host := splitUserhostMask(test.input)
		if nick != test.nick || user != test.user || host != test.host {
			t.Errorf("splitUserhostMask(%q) = %s!%s@%s, wanted %s!%s@%s",
				test.input, nick, user, host, test.nick, test.user,
				test.host)
		}
	}
}

func TestCanonicalizeBanMask(t *testing.T) {
	tests := []struct {
		input  string
		output string
	}{
		{"nick", "nick!*@*"},
		{"Nick!User@Host", "nick!user@host"},
		{"user@host", "*!user@host"},
		{"O:oper*", "O:oper*"},
		{" nick ", "nick!*@*"},
	}

	for _, test := range tests {
		got := canonicalizeBanMask(CaseMappingRFC1459, test.input)
		if got != test.output {
			t.Errorf("canonicalizeBanMask(%q) = %q, wanted %q",
				test.input, got, test.output)
		}
	}
}
