package whatsapp

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver for whatsmeow sqlstore
	qrcode "github.com/skip2/go-qrcode"
	"github.com/tontinex/relance/internal/domain"
	"github.com/tontinex/relance/internal/repository"
	"github.com/tontinex/relance/internal/ws"
	"github.com/tontinex/relance/pkg/config"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// SessionInstance is one live WhatsApp connection for a referrer.
type SessionInstance struct {
	ReferrerUserID uuid.UUID
	Client         *whatsmeow.Client
	JID            string
	Status         string
	QRCode         string
	mu             sync.RWMutex
}

// SessionPool manages one WhatsApp connection per platform user. All
// sends for a referrer go through the referrer's own number.
type SessionPool struct {
	sessions map[uuid.UUID]*SessionInstance
	store    *sqlstore.Container
	repos    *repository.Repositories
	hub      *ws.Hub
	cfg      *config.Config
	mu       sync.RWMutex
}

// NewSessionPool initializes the whatsmeow credential store on the same
// PostgreSQL database and returns an empty pool.
func NewSessionPool(cfg *config.Config, repos *repository.Repositories, hub *ws.Hub) (*SessionPool, error) {
	dbLog := waLog.Stdout("Database", "WARN", true)
	container, err := sqlstore.New(context.Background(), "pgx", cfg.DatabaseURL, dbLog)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize whatsmeow store: %w", err)
	}

	return &SessionPool{
		sessions: make(map[uuid.UUID]*SessionInstance),
		store:    container,
		repos:    repos,
		hub:      hub,
		cfg:      cfg,
	}, nil
}

// LoadExistingSessions reconnects every session that was connected before
// the last shutdown.
func (p *SessionPool) LoadExistingSessions(ctx context.Context) error {
	sessions, err := p.repos.Session.ListSendable(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	for _, session := range sessions {
		go func(referrerID uuid.UUID) {
			if err := p.Connect(ctx, referrerID); err != nil {
				log.Printf("[SessionPool] Failed to reconnect session for %s: %v", referrerID, err)
			}
		}(session.ReferrerUserID)
	}

	return nil
}

// Connect initializes and connects the WhatsApp client for a referrer.
// Without a stored credential the client enters the QR pairing flow.
func (p *SessionPool) Connect(ctx context.Context, referrerID uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if instance, exists := p.sessions[referrerID]; exists {
		if instance.Client != nil && instance.Client.IsConnected() {
			return nil // Already connected
		}
	}

	session, err := p.repos.Session.GetOrCreate(ctx, referrerID, p.cfg.DailySendCap)
	if err != nil {
		return fmt.Errorf("failed to get session: %w", err)
	}
	if session == nil {
		return fmt.Errorf("session not found for referrer %s", referrerID)
	}

	var waDevice *store.Device
	if session.WhatsAppStatus != domain.SessionStatusExpired {
		// Reuse the credential paired to the persisted JID when one
		// survives. Expired sessions had theirs purged and must pair
		// again.
		waDevice = p.storedDevice(ctx, session)
	}
	if waDevice == nil {
		waDevice = p.store.NewDevice()
	}

	store.DeviceProps.Os = proto.String("Relance")
	store.DeviceProps.RequireFullSync = proto.Bool(false)

	clientLog := waLog.Stdout("Client", "WARN", true)
	client := whatsmeow.NewClient(waDevice, clientLog)
	client.EnableAutoReconnect = true
	client.AutoTrustIdentity = true

	instance := &SessionInstance{
		ReferrerUserID: referrerID,
		Client:         client,
		Status:         domain.SessionStatusDisconnected,
	}
	p.sessions[referrerID] = instance

	client.AddEventHandler(func(evt interface{}) {
		p.handleEvent(context.Background(), instance, evt)
	})

	if client.Store.ID == nil {
		// Fresh pairing: surface QR codes until scanned or timed out.
		instance.Status = domain.SessionStatusQRPending
		_ = p.repos.Session.SetStatus(ctx, referrerID, domain.SessionStatusQRPending)
		p.hub.BroadcastSessionStatus(referrerID, domain.SessionStatusQRPending)

		qrChan, _ := client.GetQRChannel(ctx)
		if err := client.Connect(); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		go p.handleQRChannel(ctx, instance, qrChan)
		return nil
	}

	if err := client.Connect(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	return nil
}

// storedDevice resolves the whatsmeow device paired to a session via the
// JID persisted on the sessions row. Returns nil when the session never
// paired or the device is gone.
func (p *SessionPool) storedDevice(ctx context.Context, session *domain.Session) *store.Device {
	jid, ok := parseStoredJID(session.WhatsAppJID)
	if !ok {
		return nil
	}
	device, err := p.store.GetDevice(ctx, jid)
	if err != nil {
		return nil
	}
	return device
}

// parseStoredJID validates a persisted JID string.
func parseStoredJID(stored *string) (types.JID, bool) {
	if stored == nil || *stored == "" {
		return types.JID{}, false
	}
	jid, err := types.ParseJID(*stored)
	if err != nil || jid.User == "" {
		return types.JID{}, false
	}
	return jid, true
}

// expireQR discards a pending pairing code so it cannot be read through
// the status endpoint past its window. Returns true when a code was
// actually dropped, so the caller broadcasts at most once.
func (i *SessionInstance) expireQR() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.QRCode == "" {
		return false
	}
	i.QRCode = ""
	i.Status = domain.SessionStatusDisconnected
	return true
}

// handleQRChannel streams QR codes to the client until pairing resolves.
func (p *SessionPool) handleQRChannel(ctx context.Context, instance *SessionInstance, qrChan <-chan whatsmeow.QRChannelItem) {
	deadline := time.Now().Add(p.cfg.QRTimeout)
	for evt := range qrChan {
		switch evt.Event {
		case "code":
			if time.Now().After(deadline) {
				if instance.expireQR() {
					_ = p.repos.Session.SetStatus(ctx, instance.ReferrerUserID, domain.SessionStatusDisconnected)
					p.hub.BroadcastSessionStatus(instance.ReferrerUserID, domain.SessionStatusDisconnected)
				}
				continue
			}
			qr, err := qrcode.Encode(evt.Code, qrcode.Medium, 256)
			if err != nil {
				log.Printf("[QR] Failed to generate QR code: %v", err)
				continue
			}
			qrBase64 := "data:image/png;base64," + base64.StdEncoding.EncodeToString(qr)

			instance.mu.Lock()
			instance.QRCode = qrBase64
			instance.Status = domain.SessionStatusQRPending
			instance.mu.Unlock()

			p.hub.BroadcastQRCode(instance.ReferrerUserID, qrBase64)
			log.Printf("[QR] New QR code for referrer %s", instance.ReferrerUserID)

		case "success":
			_ = p.repos.Session.TouchQRScan(ctx, instance.ReferrerUserID)
			log.Printf("[QR] Login successful for referrer %s", instance.ReferrerUserID)

		case "timeout":
			log.Printf("[QR] QR code timeout for referrer %s", instance.ReferrerUserID)
			instance.mu.Lock()
			instance.Status = domain.SessionStatusDisconnected
			instance.QRCode = ""
			instance.mu.Unlock()

			_ = p.repos.Session.SetStatus(ctx, instance.ReferrerUserID, domain.SessionStatusDisconnected)
			p.hub.BroadcastSessionStatus(instance.ReferrerUserID, domain.SessionStatusDisconnected)
		}
	}
}

// handleEvent processes WhatsApp connection lifecycle events
func (p *SessionPool) handleEvent(ctx context.Context, instance *SessionInstance, rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.Connected:
		p.handleConnected(ctx, instance)

	case *events.LoggedOut:
		p.handleLoggedOut(ctx, instance, evt)

	case *events.Disconnected:
		p.handleDisconnected(ctx, instance)
	}
}

func (p *SessionPool) handleConnected(ctx context.Context, instance *SessionInstance) {
	if instance.Client.Store.ID == nil {
		return
	}

	jid := instance.Client.Store.ID.String()

	instance.mu.Lock()
	instance.JID = jid
	instance.Status = domain.SessionStatusConnected
	instance.QRCode = ""
	instance.mu.Unlock()

	_ = p.repos.Session.UpdateJID(ctx, instance.ReferrerUserID, jid)
	_ = p.repos.Session.SetStatus(ctx, instance.ReferrerUserID, domain.SessionStatusConnected)
	_ = p.repos.Session.ResetFailureCount(ctx, instance.ReferrerUserID)
	p.hub.BroadcastSessionStatus(instance.ReferrerUserID, domain.SessionStatusConnected)

	log.Printf("[Session %s] Connected as %s", instance.ReferrerUserID, jid)
}

func (p *SessionPool) handleLoggedOut(ctx context.Context, instance *SessionInstance, evt *events.LoggedOut) {
	instance.mu.Lock()
	instance.Status = domain.SessionStatusExpired
	instance.JID = ""
	instance.QRCode = ""
	instance.mu.Unlock()

	// WhatsApp revoked the pairing remotely: the stored credential is
	// dead, so a fresh QR scan is the only way back.
	_ = p.repos.Session.MarkExpired(ctx, instance.ReferrerUserID)
	p.hub.BroadcastSessionStatus(instance.ReferrerUserID, domain.SessionStatusExpired)

	log.Printf("[Session %s] Logged out: %s", instance.ReferrerUserID, evt.Reason)
}

func (p *SessionPool) handleDisconnected(ctx context.Context, instance *SessionInstance) {
	instance.mu.Lock()
	instance.Status = domain.SessionStatusDisconnected
	instance.mu.Unlock()

	_ = p.repos.Session.SetStatus(ctx, instance.ReferrerUserID, domain.SessionStatusDisconnected)
	p.hub.BroadcastSessionStatus(instance.ReferrerUserID, domain.SessionStatusDisconnected)

	log.Printf("[Session %s] Disconnected", instance.ReferrerUserID)
}

// Connected reports whether the referrer has a live connection.
func (p *SessionPool) Connected(referrerID uuid.UUID) bool {
	p.mu.RLock()
	instance, exists := p.sessions[referrerID]
	p.mu.RUnlock()
	return exists && instance.Client != nil && instance.Client.IsConnected() && instance.Client.Store.ID != nil
}

// CurrentQRCode returns the live QR code for the referrer, if pairing is
// in progress.
func (p *SessionPool) CurrentQRCode(referrerID uuid.UUID) string {
	p.mu.RLock()
	instance, exists := p.sessions[referrerID]
	p.mu.RUnlock()
	if !exists {
		return ""
	}
	instance.mu.RLock()
	defer instance.mu.RUnlock()
	return instance.QRCode
}

// Disconnect closes the referrer's connection. With force set, the stored
// credential is purged so the next connect requires a QR scan; the strike
// counter is reset since the old credential no longer counts.
func (p *SessionPool) Disconnect(ctx context.Context, referrerID uuid.UUID, force bool) error {
	if force {
		if err := p.PurgeCredential(ctx, referrerID); err != nil {
			log.Printf("[Session %s] Failed to purge credential: %v", referrerID, err)
		}
		_ = p.repos.Session.ResetFailures(ctx, referrerID)
	} else {
		p.mu.Lock()
		instance, exists := p.sessions[referrerID]
		if exists {
			delete(p.sessions, referrerID)
		}
		p.mu.Unlock()

		if exists && instance.Client != nil {
			instance.Client.Disconnect()
		}
	}
	if err := p.repos.Session.SetStatus(ctx, referrerID, domain.SessionStatusDisconnected); err != nil {
		return err
	}
	p.hub.BroadcastSessionStatus(referrerID, domain.SessionStatusDisconnected)
	return nil
}

// SendText sends a plain text message from the referrer's number.
func (p *SessionPool) SendText(ctx context.Context, referrerID uuid.UUID, phone, body string) error {
	instance, jid, err := p.sendTarget(referrerID, phone)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	defer cancel()

	msg := &waE2E.Message{Conversation: proto.String(body)}
	if _, err := instance.Client.SendMessage(ctx, jid, msg); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// SendMedia sends an image with a caption. The media is fetched from its
// URL and uploaded through the referrer's connection.
func (p *SessionPool) SendMedia(ctx context.Context, referrerID uuid.UUID, phone, caption, mediaURL string) error {
	instance, jid, err := p.sendTarget(referrerID, phone)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	defer cancel()

	data, mimetype, err := fetchMedia(ctx, mediaURL)
	if err != nil {
		return fmt.Errorf("failed to fetch media: %w", err)
	}

	uploaded, err := instance.Client.Upload(ctx, data, whatsmeow.MediaImage)
	if err != nil {
		return fmt.Errorf("failed to upload media: %w", err)
	}

	msg := &waE2E.Message{
		ImageMessage: &waE2E.ImageMessage{
			Caption:       proto.String(caption),
			Mimetype:      proto.String(mimetype),
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uploaded.FileLength),
		},
	}
	if _, err := instance.Client.SendMessage(ctx, jid, msg); err != nil {
		return fmt.Errorf("failed to send media message: %w", err)
	}
	return nil
}

func (p *SessionPool) sendTarget(referrerID uuid.UUID, phone string) (*SessionInstance, types.JID, error) {
	p.mu.RLock()
	instance, exists := p.sessions[referrerID]
	p.mu.RUnlock()

	if !exists || instance.Client == nil || !instance.Client.IsConnected() {
		return nil, types.JID{}, fmt.Errorf("session not connected for referrer %s", referrerID)
	}

	to := strings.TrimPrefix(phone, "+")
	jid, err := types.ParseJID(to)
	if err != nil || !strings.Contains(to, "@") {
		jid = types.NewJID(to, types.DefaultUserServer)
	}
	return instance, jid, nil
}

func fetchMedia(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("media fetch returned %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	mimetype := resp.Header.Get("Content-Type")
	if mimetype == "" {
		mimetype = "image/jpeg"
	}
	return data, mimetype, nil
}

// PurgeCredential logs the referrer's device out of WhatsApp and deletes
// the stored credential along with the persisted JID mapping. The next
// connect starts a fresh QR pairing.
func (p *SessionPool) PurgeCredential(ctx context.Context, referrerID uuid.UUID) error {
	p.mu.Lock()
	instance, exists := p.sessions[referrerID]
	if exists {
		delete(p.sessions, referrerID)
	}
	p.mu.Unlock()

	if exists && instance.Client != nil {
		if instance.Client.Store.ID != nil {
			if err := instance.Client.Logout(ctx); err != nil {
				log.Printf("[SessionPool] Logout failed for %s, deleting credential directly: %v", referrerID, err)
				if err := instance.Client.Store.Delete(ctx); err != nil {
					return err
				}
			}
		}
		instance.Client.Disconnect()
	} else if session, err := p.repos.Session.GetByReferrer(ctx, referrerID); err == nil && session != nil {
		// No resident client, as after a restart; delete the stored
		// device directly.
		if device := p.storedDevice(ctx, session); device != nil {
			if err := device.Delete(ctx); err != nil {
				return err
			}
		}
	}
	return p.repos.Session.UpdateJID(ctx, referrerID, "")
}

// Shutdown disconnects every live client without touching credentials.
func (p *SessionPool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for referrerID, instance := range p.sessions {
		if instance.Client != nil {
			instance.Client.Disconnect()
		}
		delete(p.sessions, referrerID)
	}
	log.Printf("[SessionPool] All sessions disconnected")
}
