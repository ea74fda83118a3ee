package heartbeatutil

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

const (
	heartbeatFailureThreshold = 3

	// AckToken is what the assistant is asked to reply with when nothing
	// needs attention.
	AckToken = "HEARTBEAT_OK"

	DefaultPrompt = "Heartbeat check. If nothing needs the user's attention, reply with exactly " + AckToken +
		". Otherwise reply with a short summary of what needs attention."

	ackRemainderMax = 30
)

var ackPhrases = map[string]bool{
	"ok":                      true,
	"okay":                    true,
	"ack":                     true,
	"noted":                   true,
	"all good":                true,
	"nothing to do":           true,
	"nothing to add":          true,
	"no action needed":        true,
	"nothing needs attention": true,
}

var ackTrim = regexp.MustCompile(`[\s\p{P}]+`)

// IsSuppressible reports whether a heartbeat reply carries nothing worth
// surfacing: empty, the ack token with at most a short remainder, or a bare
// acknowledgment phrase.
func IsSuppressible(reply string) bool {
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return true
	}
	if strings.Contains(reply, AckToken) {
		rest := strings.TrimSpace(strings.ReplaceAll(reply, AckToken, ""))
		return len([]rune(rest)) <= ackRemainderMax
	}
	norm := strings.ToLower(strings.TrimSpace(ackTrim.ReplaceAllString(reply, " ")))
	return ackPhrases[norm]
}

// State tracks one scheduler's tick in flight and its failure streak.
type State struct {
	mu          sync.Mutex
	running     bool
	failures    int
	lastSuccess time.Time
	lastError   string
	skipped     int
}

func (s *State) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	return true
}

func (s *State) EndSkipped() {
	s.mu.Lock()
	s.running = false
	s.skipped++
	s.mu.Unlock()
}

func (s *State) EndSuccess(now time.Time) {
	s.mu.Lock()
	s.running = false
	s.failures = 0
	s.lastError = ""
	s.lastSuccess = now
	s.mu.Unlock()
}

// EndFailure records a failed tick. Every third consecutive failure yields
// an alert line and resets the streak.
func (s *State) EndFailure(err error) (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.failures++
	if err != nil {
		s.lastError = strings.TrimSpace(err.Error())
	}
	if s.failures >= heartbeatFailureThreshold {
		msg := "heartbeat_failed"
		if s.lastError != "" {
			msg = fmt.Sprintf("heartbeat_failed (%s)", s.lastError)
		}
		s.failures = 0
		return true, "ALERT: " + msg
	}
	return false, ""
}

type Snapshot struct {
	Failures    int
	LastSuccess time.Time
	LastError   string
	Running     bool
	Skipped     int
}

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Failures:    s.failures,
		LastSuccess: s.lastSuccess,
		LastError:   s.lastError,
		Running:     s.running,
		Skipped:     s.skipped,
	}
}
