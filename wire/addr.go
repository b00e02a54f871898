// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package wire

import "strings"

// SplitAddress guesses the network for an address string.
//
// An address of the form host:port is "tcp", where port is a number or a
// service name made of ASCII letters, digits, and "-", and host has no "/".
// Any other address is "unix". The address is returned unchanged and is not
// checked for validity.
func SplitAddress(s string) (network, address string) {
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return "unix", s
	}
	host, port := s[:i], s[i+1:]
	if port != "" && strings.IndexFunc(port, notServiceRune) < 0 && !strings.Contains(host, "/") {
		return "tcp", s
	}
	return "unix", s
}

// notServiceRune reports whether r cannot appear in a services(5) port name.
func notServiceRune(r rune) bool {
	switch {
	case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '-':
		return false
	}
	return true
}
