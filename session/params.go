package session

import (
	"strconv"
	"strings"
	"time"

	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/telegram"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/transport"
)

const (
	MinKeepAliveSend    = 5000 // ms
	MinKeepAliveReceive = 6000 // ms

	NoVersion int32 = -1

	AuthorityDelimiter = ":"
)

// SelectVersion returns first of peer versions supported locally, NoVersion if none.
// Local order is not consulted.
func SelectVersion(peer, local []int32) int32 {
	for _, p := range peer {
		if containsVersion(local, p) {
			return p
		}
	}
	return NoVersion
}

func containsVersion(list []int32, v int32) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// ClampParameters raises keep-alive timeouts to their floors, everything else passes.
func ClampParameters(p telegram.ComParameters) telegram.ComParameters {
	if p.KeepAliveSendTimeout < MinKeepAliveSend {
		p.KeepAliveSendTimeout = MinKeepAliveSend
	}
	if p.KeepAliveReceiveTimeout < MinKeepAliveReceive {
		p.KeepAliveReceiveTimeout = MinKeepAliveReceive
	}
	return p
}

func applyParameters(ch transport.Channel, p telegram.ComParameters) {
	ch.SetKeepAliveParameters(
		time.Duration(p.KeepAliveSendTimeout)*time.Millisecond,
		time.Duration(p.KeepAliveReceiveTimeout)*time.Millisecond)
	ch.SetThroughputParameters(
		float32(p.CacheThresholdPercent)/100,
		time.Duration(int64(p.FlowControlThresholdTime)*1000)*time.Millisecond,
		p.MinConnectionSpeed)
}

// ParseAuthority splits "pid:123" into pid and numeric id.
// Empty identifier maps to alias; missing or non-numeric suffix gives id=0.
func ParseAuthority(s, alias string) (pid string, id int64) {
	if s == "" {
		return alias, 0
	}
	if i := strings.LastIndex(s, AuthorityDelimiter); i >= 0 {
		if n, err := strconv.ParseInt(s[i+len(AuthorityDelimiter):], 10, 64); err == nil {
			pid = s[:i]
			if pid == "" {
				pid = alias
			}
			return pid, n
		}
	}
	return s, 0
}
