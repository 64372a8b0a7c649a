// Package tvwire implements the provider's socket message framing and decodes
// inbound payloads into a closed set of message variants. Framing is
// "~m~<len>~m~<payload>"; a payload of the form "~h~<digits>" is a heartbeat
// that must be echoed verbatim (re-wrapped) to keep the connection alive.
package tvwire

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const frameMarker = "~m~"

var heartbeatRe = regexp.MustCompile(`^~h~\d+$`)

// Wrap wraps a payload in frame syntax: "~m~<len>~m~<payload>". Length is the
// byte length of the payload, so the frame round-trips exactly.
func Wrap(payload string) string {
	return frameMarker + strconv.Itoa(len(payload)) + frameMarker + payload
}

// Encode builds an outbound method-call frame: the payload is
// {"m":method,"p":params} serialized compactly (encoding/json emits no
// extraneous whitespace, so the declared length always matches).
func Encode(method string, params []interface{}) ([]byte, error) {
	payload, err := json.Marshal(struct {
		M string        `json:"m"`
		P []interface{} `json:"p"`
	}{M: method, P: params})
	if err != nil {
		return nil, fmt.Errorf("tvwire: encode %s: %w", method, err)
	}
	return []byte(Wrap(string(payload))), nil
}

// Bodies drains one receive buffer into its framed payload bodies. It scans
// for the "~m~<len>~m~" prefix, extracts exactly <len> bytes per frame, and
// resumes immediately after. Anything that does not match frame syntax ends
// the scan; a truncated trailing frame is silently dropped.
func Bodies(raw string) []string {
	var bodies []string
	i := 0
	for {
		if !strings.HasPrefix(raw[i:], frameMarker) {
			return bodies
		}
		end := strings.Index(raw[i+len(frameMarker):], frameMarker)
		if end < 0 {
			return bodies
		}
		lenStr := raw[i+len(frameMarker) : i+len(frameMarker)+end]
		n, err := strconv.Atoi(lenStr)
		if err != nil || n < 0 {
			return bodies
		}
		start := i + 2*len(frameMarker) + len(lenStr)
		if start+n > len(raw) {
			return bodies
		}
		bodies = append(bodies, raw[start:start+n])
		i = start + n
		if i >= len(raw) {
			return bodies
		}
	}
}

// IsHeartbeat reports whether body is a "~h~<digits>" heartbeat chunk.
// Heartbeats must never be JSON-parsed.
func IsHeartbeat(body string) bool {
	return heartbeatRe.MatchString(body)
}
