package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mileusna/useragent"

	"github.com/beamlink/beamlink/pkg/protocol"
)

const writeTimeout = 10 * time.Second

// client is one connected websocket with its relay-assigned identity.
// Writes are serialized; gorilla connections allow one concurrent writer.
type client struct {
	conn *websocket.Conn
	info protocol.Client

	mu        sync.Mutex
	sessionID string
}

func newClient(conn *websocket.Conn, userAgent, displayName string) *client {
	if displayName == "" {
		displayName = RandomName()
	}
	return &client{
		conn: conn,
		info: protocol.Client{
			ID:          uuid.NewString(),
			DisplayName: displayName,
			DeviceType:  deviceType(userAgent),
			DeviceName:  deviceName(userAgent),
		},
	}
}

func (c *client) session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *client) setSession(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

func (c *client) send(msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(msg)
}

func (c *client) sendError(code, message string) error {
	msg, err := protocol.NewMessage(protocol.TypeError, protocol.ErrorPayload{
		Code:    code,
		Message: message,
	})
	if err != nil {
		return err
	}
	return c.send(msg)
}

func deviceType(userAgent string) string {
	ua := useragent.Parse(userAgent)
	switch {
	case ua.Mobile:
		return protocol.DeviceTypeMobile
	case ua.Tablet:
		return protocol.DeviceTypeTablet
	case ua.Desktop:
		return protocol.DeviceTypeDesktop
	default:
		return protocol.DeviceTypeUnknown
	}
}

func deviceName(userAgent string) string {
	ua := useragent.Parse(userAgent)
	switch {
	case ua.OS != "" && ua.Name != "":
		return ua.OS + " " + ua.Name
	case ua.OS != "":
		return ua.OS
	case ua.Name != "":
		return ua.Name
	default:
		return "Unknown Device"
	}
}
