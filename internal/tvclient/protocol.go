package tvclient

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log"

	"github.com/gorilla/websocket"

	"github.com/hanhvu87/Sen13-project/internal/tvwire"
)

// seriesLimitText is the provider's diagnostic for too many concurrent
// series on one connection. It is matched as a substring of the raw error
// frame, which is how the provider surfaces it.
const seriesLimitText = "exceed limit of series"

// askMargin is added to every bar request so the still-forming bar can be
// filtered out and the requested count of closed bars remains.
const askMargin = 2

// send encodes and writes one method-call frame. Write failures are logged
// and swallowed: a dead socket surfaces on the next read, where the
// abandon-and-advance policy handles it.
func send(conn Conn, method string, params ...interface{}) {
	frame, err := tvwire.Encode(method, params)
	if err != nil {
		log.Printf("[tvclient] encode %s: %v", method, err)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		log.Printf("[tvclient] write %s: %v", method, err)
	}
}

// echoHeartbeat sends the heartbeat body back verbatim, re-wrapped in frame
// syntax. Called for every heartbeat regardless of protocol state.
func echoHeartbeat(conn Conn, body string) {
	if err := conn.WriteMessage(websocket.TextMessage, []byte(tvwire.Wrap(body))); err != nil {
		log.Printf("[tvclient] heartbeat echo: %v", err)
	}
}

// genID produces a short random identifier with the given prefix, e.g.
// "cs_a1b2c3". Uniqueness only matters within one connection.
func genID(prefix string) string {
	b := make([]byte, 3)
	rand.Read(b)
	return prefix + "_" + hex.EncodeToString(b)
}

// symbolPayload builds the resolve_symbol argument: "=" followed by a JSON
// object selecting the symbol with split adjustment.
func symbolPayload(symbol string) string {
	spec, _ := json.Marshal(struct {
		Symbol     string `json:"symbol"`
		Adjustment string `json:"adjustment"`
	}{Symbol: symbol, Adjustment: "splits"})
	return "=" + string(spec)
}
