package waclient

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for the credential store

	"github.com/nusatech/whatsapp-agent-gateway/internal/jid"
	"github.com/nusatech/whatsapp-agent-gateway/internal/logger"
)

// MeowFactory builds whatsmeow-backed clients. Each client keeps its
// credentials in its own SQLite file under authDir, so removing the
// directory is all it takes to unlink a device.
type MeowFactory struct {
	authDir    string
	qrTerminal bool
	log        *logger.Logger
}

var osInfoOnce sync.Once

func NewMeowFactory(authDir string, qrTerminal bool, log *logger.Logger) *MeowFactory {
	osInfoOnce.Do(func() {
		// Shown in the phone's linked devices list.
		store.SetOSInfo("Agent Gateway", [3]uint32{1, 0, 0})
	})
	return &MeowFactory{
		authDir:    authDir,
		qrTerminal: qrTerminal,
		log:        log.WithComponent("waclient"),
	}
}

func (f *MeowFactory) New(agentID string, handler Handler) Client {
	return &meowClient{
		agentID:    agentID,
		dir:        SessionDir(f.authDir, agentID),
		handler:    handler,
		qrTerminal: f.qrTerminal,
		log:        f.log,
	}
}

type meowClient struct {
	agentID    string
	dir        string
	handler    Handler
	qrTerminal bool
	log        *logger.Logger

	mu        sync.Mutex
	client    *whatsmeow.Client
	container *sqlstore.Container

	destroyed atomic.Bool
}

func (c *meowClient) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s/store.db?_foreign_keys=on", c.dir)
	container, err := sqlstore.New(ctx, "sqlite3", dsn, waLogBridge{log: c.log, module: "store"})
	if err != nil {
		return fmt.Errorf("open credential store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		container.Close()
		return fmt.Errorf("load device: %w", err)
	}

	cli := whatsmeow.NewClient(device, waLogBridge{log: c.log, module: "client"})
	// The supervisor owns the reconnect policy.
	cli.EnableAutoReconnect = false
	cli.AddEventHandler(c.handleEvent)

	c.mu.Lock()
	c.client = cli
	c.container = container
	c.mu.Unlock()

	if cli.Store.ID == nil {
		qrChan, err := cli.GetQRChannel(ctx)
		if err != nil && !errors.Is(err, whatsmeow.ErrQRStoreContainsID) {
			return fmt.Errorf("open qr channel: %w", err)
		}
		if err == nil {
			go c.pumpQR(qrChan)
		}
	}

	if err := cli.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

// pumpQR forwards pairing codes from the engine to the event handler. The
// channel closes after success, timeout or a hard pairing error.
func (c *meowClient) pumpQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case "code":
			if c.qrTerminal {
				qrterminal.GenerateHalfBlock(item.Code, qrterminal.L, os.Stdout)
			}
			c.emit(Event{Type: EventQR, QRCode: item.Code})
		case "success":
			c.log.Info("QR pairing succeeded", "agent_id", c.agentID)
		case "timeout":
			c.emit(Event{Type: EventDisconnected, Reason: "qr scan timed out"})
		default:
			if item.Error != nil {
				c.emit(Event{Type: EventAuthFailure, Reason: item.Error.Error()})
			}
		}
	}
}

func (c *meowClient) handleEvent(raw interface{}) {
	switch evt := raw.(type) {
	case *events.Connected:
		go c.announcePresence()
		c.emit(Event{Type: EventReady})
	case *events.PairSuccess:
		c.log.Info("device paired", "agent_id", c.agentID, "jid", evt.ID.String())
	case *events.PairError:
		c.emit(Event{Type: EventAuthFailure, Reason: "pairing failed: " + evt.Error.Error()})
	case *events.LoggedOut:
		c.emit(Event{Type: EventDisconnected, Reason: "logged out: " + evt.Reason.String()})
	case *events.StreamReplaced:
		c.emit(Event{Type: EventDisconnected, Reason: "stream replaced by another session"})
	case *events.Disconnected:
		c.emit(Event{Type: EventDisconnected, Reason: "connection lost"})
	case *events.ConnectFailure:
		c.emit(Event{Type: EventDisconnected, Reason: fmt.Sprintf("connect failure: %s", evt.Reason.String())})
	case *events.ClientOutdated:
		c.emit(Event{Type: EventAuthFailure, Reason: "client version outdated"})
	case *events.TemporaryBan:
		c.emit(Event{Type: EventAuthFailure, Reason: evt.String()})
	case *events.Message:
		c.emit(Event{Type: EventMessage, Message: c.translateMessage(evt)})
	}
}

// announcePresence marks the device online so delivery receipts flow.
func (c *meowClient) announcePresence() {
	cli := c.waClient()
	if cli == nil {
		return
	}
	if err := cli.SendPresence(types.PresenceAvailable); err != nil {
		c.log.Warn("failed to announce presence", "agent_id", c.agentID, "error", err)
	}
}

func (c *meowClient) emit(evt Event) {
	if c.destroyed.Load() {
		return
	}
	c.handler(evt)
}

func (c *meowClient) waClient() *whatsmeow.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client
}

func (c *meowClient) SendText(ctx context.Context, to, text, quotedID string) (string, error) {
	cli := c.waClient()
	if cli == nil {
		return "", errors.New("client not initialized")
	}

	target, err := waJID(to)
	if err != nil {
		return "", fmt.Errorf("invalid JID %q: %w", to, err)
	}

	var msg *waE2E.Message
	if quotedID == "" {
		msg = &waE2E.Message{Conversation: proto.String(text)}
	} else {
		msg = &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text: proto.String(text),
			ContextInfo: &waE2E.ContextInfo{
				StanzaID:      proto.String(quotedID),
				Participant:   proto.String(target.String()),
				QuotedMessage: &waE2E.Message{Conversation: proto.String("")},
			},
		}}
	}

	resp, err := cli.SendMessage(ctx, target, msg)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return string(resp.ID), nil
}

func (c *meowClient) SendMedia(ctx context.Context, to string, media MediaPayload) (string, error) {
	cli := c.waClient()
	if cli == nil {
		return "", errors.New("client not initialized")
	}

	target, err := waJID(to)
	if err != nil {
		return "", fmt.Errorf("invalid JID %q: %w", to, err)
	}

	uploaded, err := cli.Upload(ctx, media.Data, uploadTypeFor(media.MimeType))
	if err != nil {
		return "", fmt.Errorf("upload media: %w", err)
	}

	resp, err := cli.SendMessage(ctx, target, buildMediaMessage(media, uploaded))
	if err != nil {
		return "", fmt.Errorf("send media: %w", err)
	}
	return string(resp.ID), nil
}

func (c *meowClient) SendTyping(ctx context.Context, chat string, typing bool) error {
	cli := c.waClient()
	if cli == nil {
		return errors.New("client not initialized")
	}

	target, err := waJID(chat)
	if err != nil {
		return fmt.Errorf("invalid JID %q: %w", chat, err)
	}

	state := types.ChatPresencePaused
	if typing {
		state = types.ChatPresenceComposing
	}
	return cli.SendChatPresence(target, state, types.ChatPresenceMediaText)
}

func (c *meowClient) OwnDigits() string {
	cli := c.waClient()
	if cli == nil || cli.Store.ID == nil {
		return ""
	}
	return cli.Store.ID.User
}

func (c *meowClient) Destroy() error {
	c.destroyed.Store(true)

	c.mu.Lock()
	cli, container := c.client, c.container
	c.client, c.container = nil, nil
	c.mu.Unlock()

	if cli != nil {
		cli.Disconnect()
	}
	if container != nil {
		if err := container.Close(); err != nil {
			return fmt.Errorf("close credential store: %w", err)
		}
	}
	return nil
}

func (c *meowClient) translateMessage(evt *events.Message) *Message {
	info := evt.Info
	msg := &Message{
		ID:            string(info.ID),
		From:          wireJID(info.Chat),
		Sender:        wireJID(info.Sender),
		Body:          extractBody(evt.Message),
		PushName:      info.PushName,
		Type:          messageType(info),
		FromMe:        info.IsFromMe,
		IsStatus:      info.Chat == types.StatusBroadcastJID,
		IsChannel:     info.Chat.Server == types.NewsletterServer,
		MentionedJIDs: mentionedJIDs(evt.Message),
		Timestamp:     info.Timestamp,
	}
	if info.IsGroup {
		msg.ChatName = wireJID(info.Chat)
	} else {
		msg.ChatName = info.PushName
	}
	return msg
}

// messageType maps the engine's classification onto the gateway's message
// types. Plain text messages are "chat"; media keeps the engine's media kind.
func messageType(info types.MessageInfo) string {
	if info.MediaType != "" {
		return info.MediaType
	}
	if info.Type == "text" || info.Type == "" {
		return "chat"
	}
	return info.Type
}

// waJID converts a wire-form identifier into an engine JID.
func waJID(wire string) (types.JID, error) {
	switch {
	case strings.HasSuffix(wire, jid.UserSuffix):
		return types.NewJID(strings.TrimSuffix(wire, jid.UserSuffix), types.DefaultUserServer), nil
	case strings.HasSuffix(wire, jid.GroupSuffix):
		return types.NewJID(strings.TrimSuffix(wire, jid.GroupSuffix), types.GroupServer), nil
	default:
		return types.ParseJID(wire)
	}
}

// wireJID converts an engine JID into wire form.
func wireJID(j types.JID) string {
	switch j.Server {
	case types.DefaultUserServer, types.HiddenUserServer:
		return j.User + jid.UserSuffix
	case types.GroupServer:
		return j.User + jid.GroupSuffix
	default:
		return j.String()
	}
}

func extractBody(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if t := msg.GetConversation(); t != "" {
		return t
	}
	if t := msg.GetExtendedTextMessage().GetText(); t != "" {
		return t
	}
	if t := msg.GetImageMessage().GetCaption(); t != "" {
		return t
	}
	if t := msg.GetVideoMessage().GetCaption(); t != "" {
		return t
	}
	if t := msg.GetDocumentMessage().GetCaption(); t != "" {
		return t
	}
	return ""
}

func mentionedJIDs(msg *waE2E.Message) []string {
	if msg == nil {
		return nil
	}

	var ci *waE2E.ContextInfo
	switch {
	case msg.GetExtendedTextMessage().GetContextInfo() != nil:
		ci = msg.GetExtendedTextMessage().GetContextInfo()
	case msg.GetImageMessage().GetContextInfo() != nil:
		ci = msg.GetImageMessage().GetContextInfo()
	case msg.GetVideoMessage().GetContextInfo() != nil:
		ci = msg.GetVideoMessage().GetContextInfo()
	case msg.GetDocumentMessage().GetContextInfo() != nil:
		ci = msg.GetDocumentMessage().GetContextInfo()
	}
	if ci == nil {
		return nil
	}

	raw := ci.GetMentionedJID()
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if j, err := types.ParseJID(s); err == nil {
			out = append(out, wireJID(j))
		} else {
			out = append(out, s)
		}
	}
	return out
}

func uploadTypeFor(mimeType string) whatsmeow.MediaType {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return whatsmeow.MediaImage
	case strings.HasPrefix(mimeType, "video/"):
		return whatsmeow.MediaVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return whatsmeow.MediaAudio
	default:
		return whatsmeow.MediaDocument
	}
}

func buildMediaMessage(media MediaPayload, up whatsmeow.UploadResponse) *waE2E.Message {
	switch {
	case strings.HasPrefix(media.MimeType, "image/"):
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       proto.String(media.Caption),
			Mimetype:      proto.String(media.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	case strings.HasPrefix(media.MimeType, "video/"):
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       proto.String(media.Caption),
			Mimetype:      proto.String(media.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	case strings.HasPrefix(media.MimeType, "audio/"):
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype:      proto.String(media.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	default:
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Title:         proto.String(media.Filename),
			FileName:      proto.String(media.Filename),
			Caption:       proto.String(media.Caption),
			Mimetype:      proto.String(media.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	}
}

// waLogBridge routes whatsmeow's internal logs through the app logger.
// Engine info lines are demoted to debug; they are connection minutiae.
type waLogBridge struct {
	log    *logger.Logger
	module string
}

func (b waLogBridge) Warnf(msg string, args ...interface{}) {
	b.log.Warn(fmt.Sprintf(msg, args...), "module", b.module)
}

func (b waLogBridge) Errorf(msg string, args ...interface{}) {
	b.log.Error(fmt.Sprintf(msg, args...), "module", b.module)
}

func (b waLogBridge) Infof(msg string, args ...interface{}) {
	b.log.Debug(fmt.Sprintf(msg, args...), "module", b.module)
}

func (b waLogBridge) Debugf(msg string, args ...interface{}) {
	b.log.Debug(fmt.Sprintf(msg, args...), "module", b.module)
}

func (b waLogBridge) Sub(module string) waLog.Logger {
	return waLogBridge{log: b.log, module: b.module + "/" + module}
}
