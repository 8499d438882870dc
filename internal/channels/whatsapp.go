package channels

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/convoflow/convoflow/internal/bus"
	"github.com/convoflow/convoflow/internal/config"
)

const maxMediaBytes = 16 << 20

// WhatsAppChannel is a native WhatsApp client. It receives customer
// messages into the bus, sends orchestrator replies and delivers
// send_message trigger actions.
type WhatsAppChannel struct {
	BaseChannel
	config       config.WhatsAppConfig
	defaultAgent string
	httpClient   *http.Client

	mu        sync.Mutex
	client    *whatsmeow.Client
	container *sqlstore.Container

	// sendFn and uploadFn replace the client in tests.
	sendFn   func(ctx context.Context, to types.JID, msg *waE2E.Message) (string, error)
	uploadFn func(ctx context.Context, data []byte, mt whatsmeow.MediaType) (whatsmeow.UploadResponse, error)
}

// NewWhatsAppChannel creates a WhatsApp channel. Inbound messages are
// addressed to defaultAgent.
func NewWhatsAppChannel(cfg config.WhatsAppConfig, messageBus *bus.MessageBus, defaultAgent string) *WhatsAppChannel {
	return &WhatsAppChannel{
		BaseChannel:  BaseChannel{Bus: messageBus},
		config:       cfg,
		defaultAgent: defaultAgent,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *WhatsAppChannel) Name() string { return "whatsapp" }

func (c *WhatsAppChannel) open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return nil
	}
	dbPath := c.config.StorePath
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return fmt.Errorf("create whatsapp store dir: %w", err)
	}
	container, err := sqlstore.New(ctx, "sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", slogLogger{module: "whatsapp-db"})
	if err != nil {
		return fmt.Errorf("init whatsapp store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		container.Close()
		return fmt.Errorf("load whatsapp device: %w", err)
	}
	c.container = container
	c.client = whatsmeow.NewClient(device, slogLogger{module: "whatsapp"})
	c.client.AddEventHandler(c.eventHandler)
	return nil
}

// Login pairs a new device. Each QR code is written as a PNG to QRPath and
// printed to out until the phone scans one or ctx ends.
func (c *WhatsAppChannel) Login(ctx context.Context, out io.Writer) error {
	if err := c.open(ctx); err != nil {
		return err
	}
	if c.client.Store.ID != nil {
		fmt.Fprintln(out, "WhatsApp: already paired as", c.client.Store.ID.User)
		return nil
	}
	qrChan, err := c.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("open qr channel: %w", err)
	}
	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("connect whatsapp: %w", err)
	}
	for evt := range qrChan {
		switch evt.Event {
		case "code":
			if err := qrcode.WriteFile(evt.Code, qrcode.Medium, 512, c.config.QRPath); err != nil {
				slog.Warn("Failed to write QR code", "path", c.config.QRPath, "error", err)
			} else {
				fmt.Fprintln(out, "WhatsApp login QR code saved to", c.config.QRPath)
			}
			if q, err := qrcode.New(evt.Code, qrcode.Low); err == nil {
				fmt.Fprintln(out, q.ToSmallString(false))
			}
		case "success":
			fmt.Fprintln(out, "WhatsApp: paired")
			return nil
		case "timeout":
			return fmt.Errorf("whatsapp login timed out")
		default:
			if evt.Error != nil {
				return fmt.Errorf("whatsapp login: %w", evt.Error)
			}
		}
	}
	return ctx.Err()
}

// Start connects a paired device and subscribes to outbound replies.
func (c *WhatsAppChannel) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}
	if err := c.open(ctx); err != nil {
		return err
	}
	if c.client.Store.ID == nil {
		return fmt.Errorf("whatsapp device not paired, run `convoflow whatsapp login`")
	}
	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("connect whatsapp: %w", err)
	}
	slog.Info("WhatsApp connected", "jid", c.client.Store.ID.String())
	if c.Bus != nil {
		c.Bus.Subscribe(c.Name(), func(msg *bus.OutboundMessage) {
			go c.handleOutbound(msg)
		})
	}
	return nil
}

func (c *WhatsAppChannel) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		c.client.Disconnect()
	}
	if c.container != nil {
		return c.container.Close()
	}
	return nil
}

func (c *WhatsAppChannel) handleOutbound(msg *bus.OutboundMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.Send(ctx, msg); err != nil {
		slog.Warn("WhatsApp reply failed", "chat", msg.ChatID, "trace", msg.TraceID, "error", err)
	}
}

// Send delivers an orchestrator reply to its chat.
func (c *WhatsAppChannel) Send(ctx context.Context, msg *bus.OutboundMessage) error {
	jid, err := types.ParseJID(msg.ChatID)
	if err != nil {
		return fmt.Errorf("invalid JID: %w", err)
	}
	_, err = c.send(ctx, jid, &waE2E.Message{Conversation: proto.String(msg.Content)})
	return err
}

// SendText sends a text message to a phone number or JID.
func (c *WhatsAppChannel) SendText(ctx context.Context, to, text string) (SendResult, error) {
	jid, err := recipientJID(to)
	if err != nil {
		return SendResult{}, err
	}
	id, err := c.send(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return SendResult{}, err
	}
	return SendResult{MessageID: id, Status: "sent"}, nil
}

// SendMedia downloads mediaURL, uploads it to WhatsApp and sends it. An
// empty mediaType is inferred from the URL's extension.
func (c *WhatsAppChannel) SendMedia(ctx context.Context, to, mediaURL, mediaType, caption string) (SendResult, error) {
	jid, err := recipientJID(to)
	if err != nil {
		return SendResult{}, err
	}
	data, mime, err := c.fetchMedia(ctx, mediaURL)
	if err != nil {
		return SendResult{}, err
	}
	if mediaType == "" {
		mediaType = mediaKind(mime, mediaURL)
	}
	mt := whatsmeowMediaType(mediaType)
	up, err := c.upload(ctx, data, mt)
	if err != nil {
		return SendResult{}, fmt.Errorf("upload media: %w", err)
	}
	id, err := c.send(ctx, jid, mediaMessage(mediaType, mime, path.Base(mediaURL), caption, up))
	if err != nil {
		return SendResult{}, err
	}
	return SendResult{MessageID: id, Status: "sent"}, nil
}

func (c *WhatsAppChannel) send(ctx context.Context, to types.JID, msg *waE2E.Message) (string, error) {
	if c.sendFn != nil {
		return c.sendFn(ctx, to, msg)
	}
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil || !client.IsConnected() {
		return "", ErrNotConnected
	}
	resp, err := client.SendMessage(ctx, to, msg)
	if err != nil {
		return "", fmt.Errorf("whatsapp send: %w", err)
	}
	return resp.ID, nil
}

func (c *WhatsAppChannel) upload(ctx context.Context, data []byte, mt whatsmeow.MediaType) (whatsmeow.UploadResponse, error) {
	if c.uploadFn != nil {
		return c.uploadFn(ctx, data, mt)
	}
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return whatsmeow.UploadResponse{}, ErrNotConnected
	}
	return client.Upload(ctx, data, mt)
}

func (c *WhatsAppChannel) fetchMedia(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("fetch media: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("fetch media: %w", err)
	}
	if len(data) > maxMediaBytes {
		return nil, "", fmt.Errorf("media exceeds %d bytes", maxMediaBytes)
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	return data, mime, nil
}

func (c *WhatsAppChannel) eventHandler(evt any) {
	switch v := evt.(type) {
	case *events.Message:
		if v.Info.IsFromMe || c.Bus == nil {
			return
		}
		content := v.Message.GetConversation()
		if content == "" {
			content = v.Message.GetExtendedTextMessage().GetText()
		}
		meta := map[string]any{bus.MetaKeyMessageID: v.Info.ID}
		switch {
		case v.Message.GetImageMessage() != nil:
			content = firstNonEmpty(v.Message.GetImageMessage().GetCaption(), "[Image Message]")
			meta[bus.MetaKeyMediaType] = "image"
		case v.Message.GetAudioMessage() != nil:
			content = "[Audio Message]"
			meta[bus.MetaKeyMediaType] = "audio"
		case v.Message.GetDocumentMessage() != nil:
			content = fmt.Sprintf("[Document: %s]", firstNonEmpty(v.Message.GetDocumentMessage().GetTitle(), v.Message.GetDocumentMessage().GetFileName()))
			meta[bus.MetaKeyMediaType] = "document"
		}
		if strings.TrimSpace(content) == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := c.Bus.PublishInbound(ctx, &bus.InboundMessage{
			Channel:        c.Name(),
			AgentID:        c.defaultAgent,
			SenderID:       v.Info.Sender.User,
			ChatID:         v.Info.Chat.String(),
			TraceID:        v.Info.ID,
			IdempotencyKey: v.Info.ID,
			Content:        content,
			Metadata:       meta,
			Timestamp:      v.Info.Timestamp,
		})
		if err != nil {
			slog.Warn("Dropped WhatsApp message", "from", v.Info.Sender.User, "error", err)
		}
	case *events.Disconnected:
		slog.Warn("WhatsApp disconnected")
	case *events.LoggedOut:
		slog.Error("WhatsApp session logged out, pair again with `convoflow whatsapp login`")
	}
}

// recipientJID accepts a full JID or a phone number in any formatting.
func recipientJID(to string) (types.JID, error) {
	to = strings.TrimSpace(to)
	if strings.Contains(to, "@") {
		return types.ParseJID(to)
	}
	digits := NormalizePhone(to)
	if len(digits) < 8 || len(digits) > 15 {
		return types.JID{}, fmt.Errorf("invalid phone number %q", to)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}

func mediaKind(mime, url string) string {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return "image"
	case strings.HasPrefix(mime, "video/"):
		return "video"
	case strings.HasPrefix(mime, "audio/"):
		return "audio"
	}
	switch strings.ToLower(path.Ext(url)) {
	case ".jpg", ".jpeg", ".png", ".webp":
		return "image"
	case ".mp4", ".3gp":
		return "video"
	case ".ogg", ".mp3", ".m4a":
		return "audio"
	}
	return "document"
}

func whatsmeowMediaType(kind string) whatsmeow.MediaType {
	switch kind {
	case "image":
		return whatsmeow.MediaImage
	case "video":
		return whatsmeow.MediaVideo
	case "audio":
		return whatsmeow.MediaAudio
	}
	return whatsmeow.MediaDocument
}

func mediaMessage(kind, mime, fileName, caption string, up whatsmeow.UploadResponse) *waE2E.Message {
	switch kind {
	case "image":
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			Mimetype:      proto.String(mime),
			Caption:       proto.String(caption),
		}}
	case "video":
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			Mimetype:      proto.String(mime),
			Caption:       proto.String(caption),
		}}
	case "audio":
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			Mimetype:      proto.String(mime),
		}}
	}
	return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
		URL:           proto.String(up.URL),
		DirectPath:    proto.String(up.DirectPath),
		MediaKey:      up.MediaKey,
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    proto.Uint64(up.FileLength),
		Mimetype:      proto.String(mime),
		FileName:      proto.String(fileName),
		Caption:       proto.String(caption),
	}}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// slogLogger routes whatsmeow's logging through slog.
type slogLogger struct {
	module string
}

func (l slogLogger) Errorf(msg string, args ...any) {
	slog.Error(fmt.Sprintf(msg, args...), "module", l.module)
}
func (l slogLogger) Warnf(msg string, args ...any) {
	slog.Warn(fmt.Sprintf(msg, args...), "module", l.module)
}
func (l slogLogger) Infof(msg string, args ...any) {
	slog.Debug(fmt.Sprintf(msg, args...), "module", l.module)
}
func (l slogLogger) Debugf(string, ...any) {}
func (l slogLogger) Sub(module string) waLog.Logger {
	return slogLogger{module: l.module + "/" + module}
}
