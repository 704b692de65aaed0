package site

import (
	"fmt"
	"strings"
)

// Identity names the logical site a request belongs to.
type Identity int

const (
	Main Identity = iota
	Events
	Donations
)

func (id Identity) String() string {
	switch id {
	case Events:
		return "events"
	case Donations:
		return "donations"
	default:
		return "main"
	}
}

// ParseIdentity accepts the String form of an identity. Matching is
// case-insensitive because the values usually come from config or query
// parameters.
func ParseIdentity(value string) (Identity, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "main", "":
		return Main, nil
	case "events", "event":
		return Events, nil
	case "donations", "donasi":
		return Donations, nil
	default:
		return Main, fmt.Errorf("site: unknown identity %q", value)
	}
}

// Classify maps a raw Host header onto a site identity. The match is a plain
// case-sensitive prefix comparison so the port never matters, and anything
// unrecognized (including an empty host) is Main.
func Classify(host string) Identity {
	for _, entry := range table {
		if strings.HasPrefix(host, entry.label) {
			return entry.identity
		}
	}
	return Main
}
