package monitor

import (
	"fmt"
	"time"

	"github.com/shmrymbd/haier-decoder-sub000/internal/protocol"
)

// CheckKind selects the structural plausibility check a rule applies
// before accepting a response.
type CheckKind int

const (
	// CheckNone accepts any response the rule's command and window allow.
	CheckNone CheckKind = iota
	// CheckAuthHeader requires the 4-byte authentication header
	// sub-field to match between request and response, and screens out
	// degenerate challenge/response values.
	CheckAuthHeader
)

// Rule maps a request command to its expected response command, the
// time window a response may arrive in, and a human-readable category.
// Rules are immutable once loaded.
type Rule struct {
	Request  byte
	Response byte
	Window   time.Duration
	Category string
	Check    CheckKind
}

// RuleSet is the pairing rule table keyed by request command.
type RuleSet map[byte]Rule

// DefaultRules returns the pairing table distilled from captured
// initialization and control sequences.
func DefaultRules() []Rule {
	return []Rule{
		{Request: protocol.CmdAuthChallenge, Response: protocol.CmdAuthResponse, Window: 10 * time.Second, Category: "authentication", Check: CheckAuthHeader},
		{Request: protocol.CmdSessionStart, Response: protocol.CmdAck, Window: 2 * time.Second, Category: "session announce"},
		{Request: protocol.CmdControllerReady, Response: protocol.CmdAck, Window: 2 * time.Second, Category: "controller ready"},
		{Request: protocol.CmdHandshake, Response: protocol.CmdHandshakeAck, Window: 5 * time.Second, Category: "handshake"},
		{Request: protocol.CmdDeviceInfo, Response: protocol.CmdDeviceInfo, Window: 5 * time.Second, Category: "identity exchange"},
		{Request: protocol.CmdStatusQuery, Response: protocol.CmdStatusAck, Window: 2 * time.Second, Category: "status query"},
		{Request: protocol.CmdNetworkQuery, Response: protocol.CmdStatusAck, Window: 3 * time.Second, Category: "network query"},
		{Request: protocol.CmdProgramStart, Response: protocol.CmdAck, Window: 5 * time.Second, Category: "program start"},
		{Request: protocol.CmdTimeSync, Response: protocol.CmdAck, Window: 2 * time.Second, Category: "time sync"},
	}
}

// NewRuleSet indexes rules by request command. Duplicate request
// commands are rejected so the table stays unambiguous.
func NewRuleSet(rules []Rule) (RuleSet, error) {
	set := make(RuleSet, len(rules))
	for _, r := range rules {
		if _, exists := set[r.Request]; exists {
			return nil, fmt.Errorf("duplicate pairing rule for request 0x%02x", r.Request)
		}
		if r.Window <= 0 {
			return nil, fmt.Errorf("pairing rule 0x%02x has non-positive window", r.Request)
		}
		set[r.Request] = r
	}
	return set, nil
}
