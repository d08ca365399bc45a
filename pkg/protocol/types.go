package protocol

// Message type constants for relay envelopes.
const (
	TypeError          = "error"
	TypeIdentity       = "identity"
	TypeRequestSession = "request-session"
	TypeSessionCreated = "session-created"
	TypeJoinSession    = "join-session"
	TypeSessionInfo    = "session-info"
	TypeSessionJoined  = "session-joined"
	TypeLeaveSession   = "leave-session"
	TypeSessionLeft    = "session-left"
	TypeClientJoined   = "client-joined"
	TypeClientLeft     = "client-left"
	TypeOffer          = "offer"
	TypeAnswer         = "answer"
	TypeICECandidate   = "ice-candidate"
)

// Device types reported in a client identity.
const (
	DeviceTypeDesktop = "desktop"
	DeviceTypeTablet  = "tablet"
	DeviceTypeMobile  = "mobile"
	DeviceTypeUnknown = "unknown"
)

// Client is the relay-assigned identity of a connected client. It is
// immutable for the lifetime of the connection.
type Client struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	DeviceType  string `json:"device_type"`
	DeviceName  string `json:"device_name"`
}

// Session is a two-party room identified by a 6-character share code.
type Session struct {
	ID      string   `json:"id"`
	Host    string   `json:"host"`
	Clients []Client `json:"clients"`
}

// Find returns the session member with the given client id.
func (s Session) Find(clientID string) (Client, bool) {
	for _, c := range s.Clients {
		if c.ID == clientID {
			return c, true
		}
	}
	return Client{}, false
}
