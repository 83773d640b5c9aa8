package http

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/richardliu001/wallet-ledger/internal/notifier"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// parseCursor reads "acct:seq,acct:seq" into a resume map.
func parseCursor(raw string) (map[string]uint64, error) {
	out := make(map[string]uint64)
	for _, part := range strings.Split(raw, ",") {
		id, seq, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok || id == "" {
			return nil, errors.New("cursor entries look like <account>:<seq>")
		}
		n, err := strconv.ParseUint(seq, 10, 64)
		if err != nil {
			return nil, errors.New("cursor seq must be a number")
		}
		out[id] = n
	}
	return out, nil
}

// stream upgrades to a websocket carrying change events for one account
// (?account=) or for all of the caller's accounts. after_seq (account) or
// cursor (owner) replays retained events first.
func (h *Handler) stream(c *gin.Context) {
	owner := c.GetString(ownerKey)
	topic := notifier.OwnerTopic(owner)
	var resume map[string]uint64

	if id := c.Query("account"); id != "" {
		if _, err := h.svc.Account(c.Request.Context(), id); err != nil {
			writeError(c, err)
			return
		}
		topic = notifier.AccountTopic(id)
		if raw := c.Query("after_seq"); raw != "" {
			n, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				badRequest(c, "after_seq must be a number")
				return
			}
			resume = map[string]uint64{id: n}
		}
	} else if raw := c.Query("cursor"); raw != "" {
		var err error
		if resume, err = parseCursor(raw); err != nil {
			badRequest(c, err.Error())
			return
		}
	}

	sub, err := h.sub.Subscribe(topic, resume)
	if err != nil {
		writeError(c, err)
		return
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warnw("websocket upgrade", "err", err)
		return
	}
	defer conn.Close()

	// the reader only watches for the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case evt, ok := <-sub.C():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				code, reason := websocket.CloseNormalClosure, "closed"
				if errors.Is(sub.Err(), notifier.ErrLagged) {
					code, reason = websocket.CloseTryAgainLater, "lagged"
					h.log.Infow("stream lagged", "account_id", sub.Topic().AccountID, "owner_id", sub.Topic().OwnerID)
				}
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
