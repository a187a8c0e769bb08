// Package messenger is the client pipeline between the UI and the wire:
// it seals and records outbound messages, hands them to the dispatcher and
// turns inbound traffic from every path into decrypted updates.
package messenger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pm_chat/internal/model"
	"pm_chat/internal/protocol/mesh"
	"pm_chat/internal/protocol/oob"
	"pm_chat/internal/service/crypto"
	"pm_chat/internal/service/dispatch"
	"pm_chat/internal/service/transport"
	"pm_chat/internal/utils/log"
)

const updateBuffer = 64

type (
	Crypto interface {
		SelfID() string
		SealFor(ctx context.Context, peerID string, peerPub, plaintext []byte) (model.Packet, error)
		OpenFrom(ctx context.Context, peerID string, peerPub []byte, p model.Packet) ([]byte, error)
	}

	Store interface {
		SaveMessage(ctx context.Context, m *model.Message) error
		Has(ctx context.Context, messageID string) (bool, error)
		UpdateStatus(ctx context.Context, messageID string, status model.Status) (bool, error)
		Pending(ctx context.Context, senderID string) ([]*model.Message, error)
		Conversation(ctx context.Context, self, peer string, limit int) ([]*model.Message, error)
	}

	KeyDirectory interface {
		PublicKey(ctx context.Context, userID string) ([]byte, error)
	}

	Deliverer interface {
		Deliver(ctx context.Context, m *model.Message, to model.Contact) (dispatch.Route, error)
	}

	UpdateKind int

	// Update is what the UI renders.
	Update struct {
		Kind      UpdateKind
		PeerID    string
		Message   *model.Message
		Plaintext string
		Route     dispatch.Route
		Status    model.Status
		Typing    bool
		Err       error
	}

	Messenger struct {
		crypto   Crypto
		store    Store
		keys     KeyDirectory
		deliver  Deliverer
		now      func() time.Time
		updates  chan Update
		contacts sync.Map // id -> model.Contact
	}
)

const (
	UpdateReceived UpdateKind = iota
	UpdateStatus
	UpdateTyping
	UpdateFailed
	UpdateConnection
)

func New(c Crypto, store Store, keys KeyDirectory, d Deliverer) *Messenger {
	return &Messenger{
		crypto:  c,
		store:   store,
		keys:    keys,
		deliver: d,
		now:     time.Now,
		updates: make(chan Update, updateBuffer),
	}
}

func (m *Messenger) Updates() <-chan Update { return m.updates }

// AddContact records what is known about a peer, e.g. an out-of-band phone
// number.
func (m *Messenger) AddContact(c model.Contact) {
	if prev, ok := m.contacts.Load(c.ID); ok {
		p := prev.(model.Contact)
		if len(c.PublicKey) == 0 {
			c.PublicKey = p.PublicKey
		}
		if c.Phone == "" {
			c.Phone = p.Phone
		}
	}
	m.contacts.Store(c.ID, c)
}

// Contact returns the peer, fetching its public key from the directory if
// it is not cached.
func (m *Messenger) Contact(ctx context.Context, id string) (model.Contact, error) {
	if v, ok := m.contacts.Load(id); ok {
		if c := v.(model.Contact); len(c.PublicKey) > 0 {
			return c, nil
		}
	}
	if m.keys == nil {
		return model.Contact{}, fmt.Errorf("no public key for %s", id)
	}
	pub, err := m.keys.PublicKey(ctx, id)
	if err != nil {
		return model.Contact{}, fmt.Errorf("lookup public key of %s: %w", id, err)
	}
	m.AddContact(model.Contact{ID: id, PublicKey: pub})
	v, _ := m.contacts.Load(id)
	return v.(model.Contact), nil
}

func (m *Messenger) contactByPhone(phone string) (model.Contact, bool) {
	var found model.Contact
	ok := false
	m.contacts.Range(func(_, v any) bool {
		if c := v.(model.Contact); c.Phone == phone {
			found, ok = c, true
			return false
		}
		return true
	})
	return found, ok
}

// Send seals text for recipientID, records it as pending and dispatches it.
// A message that finds no route stays pending and is retried when the
// relay comes back.
func (m *Messenger) Send(ctx context.Context, recipientID, text string) (*model.Message, dispatch.Route, error) {
	to, err := m.Contact(ctx, recipientID)
	if err != nil {
		return nil, dispatch.RouteNone, err
	}

	packet, err := m.crypto.SealFor(ctx, recipientID, to.PublicKey, []byte(text))
	if err != nil {
		return nil, dispatch.RouteNone, fmt.Errorf("seal message: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, dispatch.RouteNone, err
	}
	msg := &model.Message{
		MessageID:   id.String(),
		SenderID:    m.crypto.SelfID(),
		RecipientID: recipientID,
		Ciphertext:  packet.Ciphertext,
		Nonce:       packet.Nonce,
		Timestamp:   m.now().UnixMilli(),
		Status:      model.StatusPending,
	}
	if err := m.store.SaveMessage(ctx, msg); err != nil {
		return nil, dispatch.RouteNone, fmt.Errorf("record outbound message: %w", err)
	}

	route, err := m.dispatch(ctx, msg, to)
	return msg, route, err
}

func (m *Messenger) dispatch(ctx context.Context, msg *model.Message, to model.Contact) (dispatch.Route, error) {
	route, err := m.deliver.Deliver(ctx, msg, to)
	if err != nil {
		log.Warn("message left pending", zap.String("messageId", msg.MessageID), zap.Error(err))
		return route, err
	}
	// socket sends wait for the relay's ack; other paths have none
	if route != dispatch.RouteSocket {
		m.setStatus(ctx, msg.MessageID, msg.RecipientID, model.StatusSent)
	}
	return route, nil
}

// ResendPending re-dispatches stored pending messages with their original
// ciphertext.
func (m *Messenger) ResendPending(ctx context.Context) error {
	pending, err := m.store.Pending(ctx, m.crypto.SelfID())
	if err != nil {
		return err
	}
	var errs []error
	for _, msg := range pending {
		to, err := m.Contact(ctx, msg.RecipientID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := m.dispatch(ctx, msg, to); err != nil {
			errs = append(errs, err)
		}
	}
	if len(pending) > 0 {
		log.Info("resent pending messages", zap.Int("count", len(pending)), zap.Int("failed", len(errs)))
	}
	return errors.Join(errs...)
}

// History returns stored records with peer, oldest first. Bodies stay sealed.
func (m *Messenger) History(ctx context.Context, peerID string, limit int) ([]*model.Message, error) {
	return m.store.Conversation(ctx, m.crypto.SelfID(), peerID, limit)
}

// HandleEvent applies one transport event.
func (m *Messenger) HandleEvent(ctx context.Context, ev transport.Event) {
	switch ev.Kind {
	case transport.EventReady:
		m.emit(ctx, Update{Kind: UpdateConnection, Route: dispatch.RouteSocket})
		if err := m.ResendPending(ctx); err != nil {
			log.Warn("resend pending failed", zap.Error(err))
		}
	case transport.EventFrame:
		m.handleFrame(ctx, ev.Frame)
	}
}

func (m *Messenger) handleFrame(ctx context.Context, f *model.Frame) {
	switch f.Type {
	case model.FrameChatMessage:
		msg := f.ToMessage()
		if msg.RecipientID == "" {
			msg.RecipientID = m.crypto.SelfID()
		}
		to, err := m.Contact(ctx, msg.SenderID)
		if err != nil {
			log.Warn("dropping message from unknown sender", zap.String("sender", msg.SenderID), zap.Error(err))
			return
		}
		m.Receive(ctx, msg, to.PublicKey)

	case model.FrameDeliveryAck:
		if !f.Status.Valid() {
			return
		}
		m.setStatus(ctx, f.MessageID, "", f.Status)

	case model.FrameTyping:
		m.emit(ctx, Update{Kind: UpdateTyping, PeerID: f.SenderID, Typing: f.IsTyping != nil && *f.IsTyping})

	case model.FrameError:
		log.Warn("relay reported error", zap.String("message", f.Message))
	}
}

// ErrKeyMismatch reports a mesh peer presenting a key other than the one
// known for its claimed identity.
var ErrKeyMismatch = errors.New("presented key does not match known key")

// HandleMesh applies a payload reassembled from a mesh peer.
func (m *Messenger) HandleMesh(ctx context.Context, in mesh.Inbound) {
	pub, err := m.meshSenderKey(ctx, in)
	if err != nil {
		log.Warn("dropping mesh payload", zap.String("sender", in.SenderID), zap.String("messageId", in.Payload.MessageID), zap.Error(err))
		m.emit(ctx, Update{Kind: UpdateFailed, PeerID: in.SenderID, Err: err})
		return
	}
	m.Receive(ctx, &model.Message{
		MessageID:   in.Payload.MessageID,
		SenderID:    in.SenderID,
		RecipientID: m.crypto.SelfID(),
		Ciphertext:  in.Payload.Content,
		Nonce:       in.Payload.Nonce,
		Timestamp:   in.Payload.Timestamp,
	}, pub)
}

// meshSenderKey returns the key to open a mesh payload with. Presence records
// are unauthenticated, so they never replace a known key. The presented key
// is adopted only when the directory cannot be reached.
func (m *Messenger) meshSenderKey(ctx context.Context, in mesh.Inbound) ([]byte, error) {
	known, err := m.Contact(ctx, in.SenderID)
	switch {
	case err == nil:
		if !bytes.Equal(known.PublicKey, in.SenderPublicKey) {
			return nil, fmt.Errorf("%w: %s", ErrKeyMismatch, in.SenderID)
		}
		return known.PublicKey, nil
	case errors.Is(err, transport.ErrUnknownUser):
		return nil, err
	}

	if len(in.SenderPublicKey) == 0 {
		return nil, err
	}
	log.Warn("directory unreachable, trusting mesh presence key on first use",
		zap.String("sender", in.SenderID), zap.Error(err))
	m.AddContact(model.Contact{ID: in.SenderID, PublicKey: in.SenderPublicKey})
	return in.SenderPublicKey, nil
}

// HandleText applies an out-of-band text from phone. Texts that do not carry
// the tag are ignored.
func (m *Messenger) HandleText(ctx context.Context, phone, body string) error {
	p, err := oob.Decode(body)
	if err != nil {
		return err
	}
	from, ok := m.contactByPhone(phone)
	if !ok {
		return fmt.Errorf("no contact for %s", phone)
	}
	from, err = m.Contact(ctx, from.ID)
	if err != nil {
		return err
	}
	return m.Receive(ctx, &model.Message{
		// texts carry no id; the nonce is unique per message
		MessageID:   uuid.NewSHA1(uuid.NameSpaceOID, []byte(p.Nonce)).String(),
		SenderID:    from.ID,
		RecipientID: m.crypto.SelfID(),
		Ciphertext:  p.Ciphertext,
		Nonce:       p.Nonce,
		Timestamp:   m.now().UnixMilli(),
	}, from.PublicKey)
}

// Receive decrypts and records an inbound message once. A replayed id is
// ignored before decryption so the receive chain never advances twice.
func (m *Messenger) Receive(ctx context.Context, msg *model.Message, senderPub []byte) error {
	seen, err := m.store.Has(ctx, msg.MessageID)
	if err != nil {
		return err
	}
	if seen {
		log.Debug("duplicate message ignored", zap.String("messageId", msg.MessageID))
		return nil
	}

	plaintext, err := m.crypto.OpenFrom(ctx, msg.SenderID, senderPub, msg.Packet())
	if err != nil {
		if crypto.IsDecryptionError(err) {
			log.Warn("could not decrypt message", zap.String("sender", msg.SenderID), zap.String("messageId", msg.MessageID), zap.Error(err))
		}
		m.emit(ctx, Update{Kind: UpdateFailed, PeerID: msg.SenderID, Message: msg, Err: err})
		return err
	}

	msg.Status = model.StatusDelivered
	if err := m.store.SaveMessage(ctx, msg); err != nil {
		log.Warn("durability warning: received message not recorded", zap.String("messageId", msg.MessageID), zap.Error(err))
	}
	m.emit(ctx, Update{Kind: UpdateReceived, PeerID: msg.SenderID, Message: msg, Plaintext: string(plaintext)})
	return nil
}

func (m *Messenger) setStatus(ctx context.Context, messageID, peerID string, status model.Status) {
	changed, err := m.store.UpdateStatus(ctx, messageID, status)
	if err != nil {
		log.Warn("status update failed", zap.String("messageId", messageID), zap.Error(err))
		return
	}
	if changed {
		m.emit(ctx, Update{Kind: UpdateStatus, PeerID: peerID, Message: &model.Message{MessageID: messageID}, Status: status})
	}
}

// Run consumes transport and mesh events until ctx is done. Either channel
// may be nil.
func (m *Messenger) Run(ctx context.Context, events <-chan transport.Event, meshIn <-chan mesh.Inbound) {
	for events != nil || meshIn != nil {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			m.HandleEvent(ctx, ev)
		case in, ok := <-meshIn:
			if !ok {
				meshIn = nil
				continue
			}
			m.HandleMesh(ctx, in)
		}
	}
}

func (m *Messenger) emit(ctx context.Context, u Update) {
	select {
	case m.updates <- u:
	case <-ctx.Done():
	}
}
