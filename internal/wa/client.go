package wa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"economy-bot/internal/ledger"
	"economy-bot/internal/metrics"
	"economy-bot/internal/ranking"
	"economy-bot/internal/rewards"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"
)

// Config holds configuration to initialise the WhatsApp client.
type Config struct {
	StorePath string
	LogLevel  string
	// RankingChat is the JID that receives published ranking boards. Empty
	// disables the broadcast.
	RankingChat string
	Metrics     *metrics.Metrics
}

// MessageProcessor handles inbound chat messages.
type MessageProcessor interface {
	OnMessage(ctx context.Context, msg rewards.Message) rewards.MessageOutcome
}

// Client wraps the WhatsMeow client and acts as the chat collaborator of the
// economy: it feeds messages to the reward tracker and delivers notices.
type Client struct {
	client      *whatsmeow.Client
	logger      *slog.Logger
	metrics     *metrics.Metrics
	processor   MessageProcessor
	rankingChat types.JID
}

// New creates a new WhatsApp client instance backed by an SQLite store.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.StorePath == "" {
		return nil, errors.New("store path is required")
	}

	var rankingChat types.JID
	if strings.TrimSpace(cfg.RankingChat) != "" {
		jid, err := types.ParseJID(strings.TrimSpace(cfg.RankingChat))
		if err != nil {
			return nil, fmt.Errorf("parse ranking chat: %w", err)
		}
		rankingChat = jid
	}

	if err := ensureDir(filepath.Dir(cfg.StorePath)); err != nil {
		return nil, fmt.Errorf("ensure store dir: %w", err)
	}

	storeLogger := waLog.Stdout("whatsmeow/sqlstore", cfg.LogLevel, true)
	container, err := sqlstore.New(ctx, "sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout=10000&_pragma=foreign_keys(ON)", cfg.StorePath), storeLogger)
	if err != nil {
		return nil, fmt.Errorf("create sqlstore: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}

	waLogger := waLog.Stdout("whatsmeow/client", cfg.LogLevel, true)
	client := whatsmeow.NewClient(deviceStore, waLogger)

	wc := &Client{
		client:      client,
		logger:      logger.With("component", "wa"),
		metrics:     cfg.Metrics,
		rankingChat: rankingChat,
	}
	client.AddEventHandler(wc.handleEvent)

	return wc, nil
}

// Start connects the client and handles login/QR pairing flow.
func (c *Client) Start(ctx context.Context) error {
	if c.client.Store.ID == nil {
		c.logger.Info("pairing required, waiting for QR scan")
		qrChan, err := c.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("get qr channel: %w", err)
		}

		go func() {
			for evt := range qrChan {
				if evt.Event == "code" {
					c.logger.Info("scan the QR code with WhatsApp", "qr", evt.Code)
				} else {
					c.logger.Info("pairing event received", "event", evt.Event)
				}
			}
		}()
	}

	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("connect wa client: %w", err)
	}

	c.logger.Info("whatsapp client connected")
	return nil
}

// Close disconnects the WhatsApp client.
func (c *Client) Close() {
	if c.client != nil {
		c.client.Disconnect()
	}
}

// SetMessageProcessor registers the inbound message consumer.
func (c *Client) SetMessageProcessor(processor MessageProcessor) {
	c.processor = processor
}

func (c *Client) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		c.handleMessage(v)
	case *events.Connected:
		c.logger.Info("device connected")
	case *events.Disconnected:
		c.logger.Warn("device disconnected")
	}
}

func (c *Client) handleMessage(evt *events.Message) {
	if evt.Message == nil {
		return
	}
	kind := messageKind(evt.Message)
	if c.metrics != nil {
		c.metrics.WAIncoming.WithLabelValues(kind).Inc()
	}

	msg := toRewardMessage(evt)
	c.logger.Debug("received message", "user_id", msg.UserID, "type", kind, "group", evt.Info.IsGroup)
	if c.processor == nil {
		return
	}
	go func() {
		if outcome := c.processor.OnMessage(context.Background(), msg); outcome == rewards.OutcomeRewarded {
			c.logger.Info("message reward granted", "user_id", msg.UserID)
		}
	}()
}

// NotifyPurchase tells userID that a purchase was credited. A user id that
// cannot be turned into a JID yields ledger.ErrUnknownUser.
func (c *Client) NotifyPurchase(ctx context.Context, userID string, amount, balance int64) error {
	to, err := UserJID(userID)
	if err != nil {
		return fmt.Errorf("%w: %s", ledger.ErrUnknownUser, userID)
	}
	text := fmt.Sprintf("Purchase confirmed: %s coins credited. Balance: %s coins.",
		ledger.FormatAmount(amount), ledger.FormatAmount(balance))
	return c.SendText(ctx, to, text)
}

// PublishBoard sends the board to the configured ranking chat. It is a no-op
// when no chat is configured.
func (c *Client) PublishBoard(ctx context.Context, board *ranking.Board) error {
	if c.rankingChat.IsEmpty() {
		return nil
	}
	return c.SendText(ctx, c.rankingChat, FormatBoard(board))
}

// SendText sends a text message to the specified JID.
func (c *Client) SendText(ctx context.Context, to types.JID, text string) error {
	message := &waProto.Message{
		Conversation: proto.String(text),
	}
	if _, err := c.client.SendMessage(ctx, to, message); err != nil {
		if c.metrics != nil {
			c.metrics.Errors.WithLabelValues("wa_send").Inc()
		}
		return fmt.Errorf("send text: %w", err)
	}
	if c.metrics != nil {
		c.metrics.WAOutgoing.WithLabelValues("text").Inc()
	}
	return nil
}

// UserJID resolves a user id to a JID. Bare phone numbers map to the default
// user server.
func UserJID(userID string) (types.JID, error) {
	id := strings.TrimSpace(userID)
	if id == "" {
		return types.JID{}, errors.New("empty user id")
	}
	if strings.Contains(id, "@") {
		jid, err := types.ParseJID(id)
		if err != nil {
			return types.JID{}, fmt.Errorf("parse jid: %w", err)
		}
		return jid, nil
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return types.JID{}, fmt.Errorf("invalid user id %q", id)
		}
	}
	return types.NewJID(id, types.DefaultUserServer), nil
}

// FormatBoard renders a ranking board as a chat message.
func FormatBoard(board *ranking.Board) string {
	var b strings.Builder
	b.WriteString("Coin ranking\n")
	if board == nil || len(board.Entries) == 0 {
		b.WriteString("Nobody holds coins yet.")
		return b.String()
	}
	for _, e := range board.Entries {
		fmt.Fprintf(&b, "%d. %s: %s\n", e.Rank, e.UserID, ledger.FormatAmount(e.Balance))
	}
	fmt.Fprintf(&b, "%d holders, %s coins in circulation", board.Aggregate.Participants, ledger.FormatAmount(board.Aggregate.Total))
	return b.String()
}

func toRewardMessage(evt *events.Message) rewards.Message {
	return rewards.Message{
		ID:      string(evt.Info.ID),
		UserID:  evt.Info.Sender.ToNonAD().User,
		Content: messageText(evt.Message),
		Bot:     evt.Info.IsFromMe,
		SentAt:  evt.Info.Timestamp,
	}
}

func messageKind(msg *waProto.Message) string {
	switch {
	case msg.GetConversation() != "":
		return "text"
	case msg.ExtendedTextMessage != nil:
		return "extended_text"
	case msg.ImageMessage != nil:
		return "image"
	case msg.VideoMessage != nil:
		return "video"
	case msg.AudioMessage != nil:
		return "audio"
	default:
		return "other"
	}
}

func messageText(msg *waProto.Message) string {
	switch {
	case msg.GetConversation() != "":
		return msg.GetConversation()
	case msg.ExtendedTextMessage != nil:
		return msg.GetExtendedTextMessage().GetText()
	case msg.ImageMessage != nil:
		return msg.GetImageMessage().GetCaption()
	case msg.VideoMessage != nil:
		return msg.GetVideoMessage().GetCaption()
	default:
		return ""
	}
}

func ensureDir(dir string) error {
	if dir == "." || dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0o755)
	}
	return nil
}
