// Package whatsapp connects FlowPipe directly to WhatsApp through whatsmeow.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
)

const (
	// DefaultSQLitePath is where the whatsmeow device store lives when no DSN is given.
	DefaultSQLitePath = "/var/lib/flowpipe/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID server for regular users.
	JIDSuffix = "s.whatsapp.net"
)

// Sender sends a text message to a phone number.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Opts holds the whatsmeow device store and login settings.
type Opts struct {
	DBDSN       string // whatsmeow database connection string
	QRPath      string // path to write the login QR code to
	NumericCode bool   // print the pairing code instead of a QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

func WithDBDSN(dsn string) Option {
	return func(o *Opts) { o.DBDSN = dsn }
}

// WithQRCodeOutput writes the login QR code to path instead of stdout.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) { o.QRPath = path }
}

func WithNumericCode() Option {
	return func(o *Opts) { o.NumericCode = true }
}

// Client wraps a connected whatsmeow client.
type Client struct {
	wa *whatsmeow.Client
}

// driverFor picks the database/sql driver for a device store DSN.
func driverFor(dsn string) string {
	if store.DetectDSNType(dsn) == store.DSNTypePostgres {
		return store.DSNTypePostgres
	}
	return store.DSNTypeSQLite
}

// NewClient opens the device store, logs in if the device is not paired yet,
// and connects.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	dsn := cfg.DBDSN
	if dsn == "" {
		dsn = DefaultSQLitePath
		slog.Debug("WhatsApp.NewClient: no database DSN provided, using default", "path", dsn)
	}
	driver := driverFor(dsn)
	if driver == store.DSNTypeSQLite && !strings.Contains(dsn, "foreign_keys") {
		slog.Warn("WhatsApp.NewClient: SQLite device store without foreign keys; whatsmeow recommends enabling them",
			"dsn_example", "file:"+dsn+"?_foreign_keys=on")
	}

	container, err := sqlstore.New(ctx, driver, dsn, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	c := &Client{wa: whatsmeow.NewClient(device, waLog.Stdout("Client", "INFO", true))}
	if c.wa.Store.ID == nil {
		if err := c.login(ctx, cfg); err != nil {
			return nil, err
		}
	} else if err := c.wa.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
	}
	slog.Info("WhatsApp.NewClient: connected")
	return c, nil
}

// login pairs a new device by QR code or pairing code and blocks until the
// pairing flow ends.
func (c *Client) login(ctx context.Context, cfg Opts) error {
	slog.Info("WhatsApp.login: login required; starting QR code flow")
	qrChan, err := c.wa.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("failed to open QR channel: %w", err)
	}
	if err := c.wa.Connect(); err != nil {
		return fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}

	writer := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			return fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		writer = f
	}
	for evt := range qrChan {
		if evt.Event != "code" {
			slog.Info("WhatsApp.login: login event", "event", evt.Event)
			continue
		}
		if cfg.NumericCode {
			fmt.Fprintln(writer, evt.Code)
		} else {
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
		}
	}
	return nil
}

// SendMessage sends a plain text message to a phone number.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if c.wa == nil || c.wa.Store == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	if to == "" {
		return fmt.Errorf("recipient cannot be empty")
	}
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}

	msg := &waE2E.Message{Conversation: &body}
	if _, err := c.wa.SendMessage(ctx, types.NewJID(to, JIDSuffix), msg); err != nil {
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("WhatsApp.SendMessage: sent", "to", to, "body_length", len(body))
	return nil
}

// OnMessage registers fn for every inbound direct text message.
func (c *Client) OnMessage(fn func(models.Response)) {
	c.wa.AddEventHandler(func(evt interface{}) {
		msg, ok := evt.(*events.Message)
		if !ok {
			return
		}
		if resp, ok := ResponseFromEvent(msg); ok {
			fn(resp)
		}
	})
}

// Disconnect closes the connection to WhatsApp.
func (c *Client) Disconnect() {
	if c.wa != nil {
		c.wa.Disconnect()
	}
}

// ResponseFromEvent extracts the sender and text of a direct message. Group
// messages, own messages and non-text messages are not responses.
func ResponseFromEvent(evt *events.Message) (models.Response, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return models.Response{}, false
	}
	var text string
	switch {
	case evt.Message.Conversation != nil:
		text = evt.Message.GetConversation()
	case evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil:
		text = evt.Message.ExtendedTextMessage.GetText()
	default:
		return models.Response{}, false
	}
	return models.Response{
		From:      evt.Info.Sender.User,
		Body:      text,
		Time:      evt.Info.Timestamp.Unix(),
		MessageID: string(evt.Info.ID),
	}, true
}

// SentMessage is one message recorded by MockClient.
type SentMessage struct {
	To   string
	Body string
}

// MockClient records sends instead of talking to WhatsApp.
type MockClient struct {
	mu   sync.Mutex
	sent []SentMessage
	Err  error
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.sent = append(m.sent, SentMessage{To: to, Body: body})
	return nil
}

// Sent returns a copy of the recorded messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}
