// Package whatsapp wraps the whatsmeow client so a linked WhatsApp Web device
// can carry the course conversation.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/BTreeMap/ScriptPipe/internal/store"
)

// Constants for WhatsApp client configuration
const (
	// DefaultSQLitePath is the default path for the whatsmeow device database.
	DefaultSQLitePath = "/var/lib/scriptpipe/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID server for regular users.
	JIDSuffix = types.DefaultUserServer
)

var (
	// ErrNotInitialized is returned when sending through a client without a connection.
	ErrNotInitialized = errors.New("whatsapp client not initialized")
	// ErrEmptyRecipient is returned for sends without a recipient.
	ErrEmptyRecipient = errors.New("recipient cannot be empty")
	// ErrEmptyBody is returned for sends without text.
	ErrEmptyBody = errors.New("message body cannot be empty")
)

// Sender sends plain text and returns the message id.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) (string, error)
}

// Opts holds the device database and login settings.
type Opts struct {
	DBDSN       string // whatsmeow database connection string
	QRPath      string // path to write the login QR code
	NumericCode bool   // print the raw pairing code instead of a QR code
	LogLevel    string // whatsmeow log level
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) { o.DBDSN = dsn }
}

// WithQRCodeOutput writes the login QR code to path instead of stdout.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) { o.QRPath = path }
}

// WithNumericCode prints the login code as text instead of a QR code.
func WithNumericCode() Option {
	return func(o *Opts) { o.NumericCode = true }
}

// WithLogLevel sets the whatsmeow log level (DEBUG, INFO, WARN, ERROR).
func WithLogLevel(level string) Option {
	return func(o *Opts) { o.LogLevel = level }
}

// Client wraps the whatsmeow client.
type Client struct {
	waClient *whatsmeow.Client
}

// driverFor picks the database/sql driver for a whatsmeow DSN.
func driverFor(dsn string) string {
	if store.DetectDSNType(dsn) == "postgres" {
		return "postgres"
	}
	return "sqlite3"
}

// NewClient opens the device store, logs in when the device is not paired
// yet, and connects.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	cfg := Opts{DBDSN: DefaultSQLitePath, LogLevel: "INFO"}
	for _, opt := range opts {
		opt(&cfg)
	}
	driver := driverFor(cfg.DBDSN)
	slog.Debug("whatsapp.NewClient: options set", "driver", driver, "qr_path_set", cfg.QRPath != "", "numeric_code", cfg.NumericCode)

	if driver == "sqlite3" && !strings.Contains(cfg.DBDSN, "foreign_keys") {
		slog.Warn("whatsapp.NewClient: SQLite device store without foreign keys; whatsmeow expects them",
			"dsn_example", "file:"+cfg.DBDSN+"?_foreign_keys=on")
	}

	container, err := sqlstore.New(ctx, driver, cfg.DBDSN, waLog.Stdout("Database", cfg.LogLevel, true))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	waClient := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", cfg.LogLevel, true))
	if waClient.Store.ID == nil {
		if err := login(ctx, waClient, cfg); err != nil {
			return nil, err
		}
	} else if err := waClient.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
	}
	slog.Info("whatsapp.NewClient: connected", "device", waClient.Store.ID)
	return &Client{waClient: waClient}, nil
}

// login pairs a new device by QR code and blocks until pairing ends.
func login(ctx context.Context, waClient *whatsmeow.Client, cfg Opts) error {
	slog.Info("whatsapp.login: device not paired, starting QR login")
	qrChan, err := waClient.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("failed to open QR channel: %w", err)
	}
	if err := waClient.Connect(); err != nil {
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
		switch evt.Event {
		case whatsmeow.QRChannelEventCode:
			if cfg.NumericCode {
				fmt.Fprintln(writer, evt.Code)
			} else {
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
			}
		case whatsmeow.QRChannelSuccess.Event:
			slog.Info("whatsapp.login: device paired")
		default:
			slog.Warn("whatsapp.login: login event", "event", evt.Event)
		}
	}
	if waClient.Store.ID == nil {
		return errors.New("whatsapp login did not complete")
	}
	return nil
}

// SendMessage sends a text message to a phone number and returns its id.
func (c *Client) SendMessage(ctx context.Context, to string, body string) (string, error) {
	if c.waClient == nil || c.waClient.Store == nil {
		return "", ErrNotInitialized
	}
	if to == "" {
		return "", ErrEmptyRecipient
	}
	if body == "" {
		return "", ErrEmptyBody
	}

	jid := types.NewJID(to, JIDSuffix)
	resp, err := c.waClient.SendMessage(ctx, jid, &waE2E.Message{Conversation: &body})
	if err != nil {
		slog.Error("Client.SendMessage: send failed", "to", to, "error", err)
		return "", fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("Client.SendMessage: message sent", "to", to, "message_id", resp.ID)
	return resp.ID, nil
}

// AddEventHandler registers fn for every whatsmeow event.
func (c *Client) AddEventHandler(fn func(evt interface{})) uint32 {
	return c.waClient.AddEventHandler(fn)
}

// RemoveEventHandler unregisters a handler added with AddEventHandler.
func (c *Client) RemoveEventHandler(id uint32) bool {
	return c.waClient.RemoveEventHandler(id)
}

// Disconnect closes the websocket.
func (c *Client) Disconnect() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}

// MockClient records sends instead of talking to WhatsApp.
type MockClient struct {
	Sent []string
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) (string, error) {
	m.Sent = append(m.Sent, to+": "+body)
	return fmt.Sprintf("3EB0%04d", len(m.Sent)), nil
}
