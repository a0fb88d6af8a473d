package push

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Inbound accepts push connections from a remote bridge and feeds its
// snapshots into the cache. This is the receiving half of the protocol
// the Hub speaks.
type Inbound struct {
	token    string
	cache    *Cache
	upgrader websocket.Upgrader
	log      *logrus.Entry
}

func NewInbound(token string, cache *Cache) *Inbound {
	return &Inbound{
		token: token,
		cache: cache,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: logrus.WithField("component", "push_inbound"),
	}
}

// Handler upgrades the request and serves the connection until the peer
// disconnects. Token auth happens before the upgrade, so a bad client
// gets a plain JSON error instead of a half-open websocket.
func (i *Inbound) Handler(c *gin.Context) {
	if i.token != "" && c.Query("token") != i.token {
		i.log.WithField("remote", c.ClientIP()).Warn("Push connection rejected, invalid token")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := i.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		i.log.WithError(err).Warn("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	log := i.log.WithField("remote", c.ClientIP())
	log.Info("Push connection established")

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Warn("Push connection lost")
			} else {
				log.Info("Push connection closed")
			}
			return
		}

		switch msg.Type {
		case TypeUpdate:
			if msg.Data == nil {
				log.Warn("Update frame without payload")
				continue
			}
			i.cache.Store(msg.Data)
			log.WithField("inverters", len(msg.Data.Inverters)).Debug("Push update received")
		case TypePing:
			if err := conn.WriteJSON(Message{Type: TypePong}); err != nil {
				log.WithError(err).Warn("Failed to answer ping")
				return
			}
		default:
			log.WithField("type", msg.Type).Debug("Ignoring unknown frame type")
		}
	}
}
