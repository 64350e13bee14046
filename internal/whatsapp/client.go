package whatsapp

import (
	"context"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	waTypes "go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

// Events translated from the underlying protocol client. The state machine
// switches on these instead of raw whatsmeow event types so the protocol
// surface stays swappable.
type (
	// QREvent carries a scan payload for qr-method devices.
	QREvent struct{ Code string }
	// RegisteredEvent fires when the session authenticates.
	RegisteredEvent struct{ JID string }
	// DisconnectedEvent fires when the transport drops.
	DisconnectedEvent struct{}
	// LoggedOutEvent fires when the remote invalidates the session.
	LoggedOutEvent struct{}
)

// ProtocolClient is the capability surface the state machine needs from one
// live session connection.
type ProtocolClient interface {
	Connect() error
	Disconnect()
	IsRegistered() bool
	AuthenticatedJID() string
	RequestPairingCode(ctx context.Context, phoneDigits string) (string, error)
	SendText(ctx context.Context, toJID string, text string) error
	AddEventHandler(h func(evt interface{}))
}

// meowClient adapts a whatsmeow client to ProtocolClient.
type meowClient struct {
	cli *whatsmeow.Client
}

func (c *meowClient) Connect() error {
	return c.cli.Connect()
}

func (c *meowClient) Disconnect() {
	c.cli.Disconnect()
}

func (c *meowClient) IsRegistered() bool {
	return c.cli.Store.ID != nil
}

func (c *meowClient) AuthenticatedJID() string {
	return c.cli.Store.GetJID().String()
}

func (c *meowClient) RequestPairingCode(ctx context.Context, phoneDigits string) (string, error) {
	code, err := c.cli.PairPhone(ctx, phoneDigits, true, whatsmeow.PairClientChrome, "Chrome (Linux)")
	if err != nil {
		return "", err
	}
	if code == "" {
		return "", ErrPairingUnsupported
	}
	return code, nil
}

func (c *meowClient) SendText(ctx context.Context, toJID string, text string) error {
	parsed, err := waTypes.ParseJID(toJID)
	if err != nil {
		return fmt.Errorf("invalid jid %s: %w", toJID, err)
	}
	msg := &waE2E.Message{Conversation: proto.String(text)}
	_, err = c.cli.SendMessage(ctx, parsed, msg)
	return err
}

func (c *meowClient) AddEventHandler(h func(evt interface{})) {
	c.cli.AddEventHandler(func(evt interface{}) {
		switch e := evt.(type) {
		case *events.QR:
			if len(e.Codes) > 0 {
				h(QREvent{Code: e.Codes[0]})
			}
		case *events.PairSuccess:
			h(RegisteredEvent{JID: e.ID.String()})
		case *events.Connected:
			h(RegisteredEvent{JID: c.AuthenticatedJID()})
		case *events.Disconnected:
			h(DisconnectedEvent{})
		case *events.LoggedOut:
			h(LoggedOutEvent{})
		}
	})
}

// userJID builds a messaging address from normalized phone digits.
func userJID(phoneDigits string) string {
	return phoneDigits + "@" + waTypes.DefaultUserServer
}

// phoneFromJID extracts the bare phone digits from an authenticated JID.
func phoneFromJID(jid string) string {
	if i := strings.IndexAny(jid, ":@"); i >= 0 {
		return jid[:i]
	}
	return jid
}
