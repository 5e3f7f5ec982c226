package api

import (
	"encoding/json"
	"errors"
	"syscall"
	"time"

	"github.com/gofiber/contrib/websocket"

	customlog "github.com/j-secco/ur10-kiosk-controller/pkg/log"
	"github.com/j-secco/ur10-kiosk-controller/pkg/telemetry"
)

const (
	// pingInterval is how often the server pings each client; a client that
	// goes pongWait without answering is considered stale and dropped.
	pingInterval = 20 * time.Second
	pongWait     = 2*pingInterval + 5*time.Second

	// readIdleTimeout guards the read loop against a peer that vanishes
	// without a close frame. Longer than pongWait so the keepalive verdict
	// lands first.
	readIdleTimeout = 60 * time.Second
	writeTimeout    = 5 * time.Second
)

// keepalive tracks pong freshness for one connection.
type keepalive struct {
	lastPong time.Time
}

func (k *keepalive) notePong(now time.Time) { k.lastPong = now }

func (k *keepalive) stale(now time.Time) bool { return now.Sub(k.lastPong) > pongWait }

// attachBudget charges one reconnect attempt against the client and returns
// the backoff it should observe before trying again. ok is false once the
// client has exhausted its attempts; anonymous clients are always admitted.
func attachBudget(bc *telemetry.Broadcaster, clientID string) (time.Duration, bool) {
	if clientID == "" {
		return 0, true
	}
	return bc.Reconnect().NextDelay(clientID)
}

// ChannelWebSocketHandler streams one broadcast channel to a connected
// client. The server pings on a fixed interval and drops clients whose pongs
// stop; a client that reconnects too many times in a row is refused until its
// attempt history is cleared by a stable connection.
func ChannelWebSocketHandler(conn *websocket.Conn, channel string, bc *telemetry.Broadcaster, logger customlog.Logger) {
	clientID := conn.Query("clientId")
	retry, ok := attachBudget(bc, clientID)
	if !ok {
		logger.Warnf("Rejecting WS client %s: reconnect attempts exhausted", clientID)
		conn.WriteJSON(Envelope{
			Type:      TypeSystemAlert,
			Timestamp: time.Now().UnixMilli(),
			Data: map[string]interface{}{
				"message": "Too many reconnect attempts",
				"failed":  true,
			},
		})
		conn.Close()
		return
	}
	if clientID != "" {
		// The client learns its backoff in case this attach drops too; a
		// connection that outlives the cap counts as stable and clears the
		// attempt history.
		if err := writeEnvelope(conn, Envelope{
			Type:      TypeSystemAlert,
			Timestamp: time.Now().UnixMilli(),
			Data: map[string]interface{}{
				"message":        "attached",
				"retryBackoffMs": retry.Milliseconds(),
			},
		}); err != nil {
			conn.Close()
			return
		}
		stable := time.AfterFunc(telemetry.DefaultReconnectCap, func() {
			bc.Reconnect().Reset(clientID)
		})
		defer stable.Stop()
	}

	logger.Infof("WebSocket connected on channel %s: %s", channel, conn.RemoteAddr())

	sub := bc.Subscribe(channel)
	defer bc.Unsubscribe(sub)

	pings := make(chan struct{}, 1)
	pongs := make(chan struct{}, 1)
	done := make(chan struct{})
	go readLoop(conn, channel, pings, pongs, done, logger)

	ka := &keepalive{lastPong: time.Now()}
	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-done:
			logger.Infof("WebSocket disconnected from channel %s: %s", channel, conn.RemoteAddr())
			return
		case <-pingTicker.C:
			if ka.stale(time.Now()) {
				logger.Warnf("WS client on %s missed pongs for %s, dropping", channel, pongWait)
				return
			}
			if err := writeEnvelope(conn, Envelope{
				Type:      TypePing,
				Timestamp: time.Now().UnixMilli(),
			}); err != nil {
				logger.Debugf("WS ping write failed on %s: %v", channel, err)
				return
			}
		case <-pongs:
			ka.notePong(time.Now())
		case <-pings:
			if err := writeEnvelope(conn, Envelope{
				Type:      TypePong,
				Timestamp: time.Now().UnixMilli(),
			}); err != nil {
				logger.Debugf("WS pong write failed on %s: %v", channel, err)
				return
			}
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeEnvelope(conn, Envelope{
				Type:      ev.Type,
				Timestamp: ev.Timestamp,
				Data:      ev.Data,
			}); err != nil {
				logger.Debugf("WS write failed on %s, dropping client: %v", channel, err)
				return
			}
		}
	}
}

func writeEnvelope(conn *websocket.Conn, env Envelope) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(env)
}

// readLoop consumes client messages, refreshing the idle deadline on each
// one and forwarding ping requests and pong replies.
func readLoop(conn *websocket.Conn, channel string, pings, pongs chan<- struct{}, done chan<- struct{}, logger customlog.Logger) {
	defer close(done)

	for {
		conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Errorf("WS read error on %s: %v", channel, err)
			} else if err != websocket.ErrCloseSent && !errors.Is(err, syscall.EPIPE) && !errors.Is(err, syscall.ECONNRESET) {
				logger.Infof("WS connection on %s closed: %v", channel, err)
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}

		var env Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			logger.Warnf("Discarding malformed WS message on %s: %v", channel, err)
			continue
		}
		switch env.Type {
		case TypePing:
			select {
			case pings <- struct{}{}:
			default:
			}
		case TypePong:
			select {
			case pongs <- struct{}{}:
			default:
			}
		}
	}
}
