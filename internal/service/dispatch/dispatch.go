// Package dispatch picks the path an outbound message leaves on: the relay
// socket, then a mesh peer, then the out-of-band text channel.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"pm_chat/internal/model"
	"pm_chat/internal/protocol/mesh"
	"pm_chat/internal/protocol/oob"
	"pm_chat/internal/utils/log"
)

var ErrDeliveryFailed = errors.New("delivery failed: no route available")

type Route string

const (
	RouteNone   Route = ""
	RouteSocket Route = "socket"
	RouteMesh   Route = "mesh"
	RouteOOB    Route = "oob"
)

type (
	SocketSender interface {
		SendMessage(recipientID string, p model.Packet, messageID string, timestamp int64) bool
	}

	MeshSender interface {
		Send(ctx context.Context, recipientID string, p mesh.Payload) error
	}

	Dispatcher struct {
		socket SocketSender
		mesh   MeshSender
		text   oob.TextSender
	}
)

// New builds a dispatcher. mesh and text may be nil when those paths are
// not configured.
func New(socket SocketSender, m MeshSender, text oob.TextSender) *Dispatcher {
	return &Dispatcher{socket: socket, mesh: m, text: text}
}

// Deliver tries each path in order and returns the one that accepted m.
// When all are exhausted the error wraps ErrDeliveryFailed.
func (d *Dispatcher) Deliver(ctx context.Context, m *model.Message, to model.Contact) (Route, error) {
	if d.socket != nil && d.socket.SendMessage(m.RecipientID, m.Packet(), m.MessageID, m.Timestamp) {
		return RouteSocket, nil
	}
	log.Debug("socket unavailable, trying mesh", zap.String("messageId", m.MessageID))

	var errs []error
	if d.mesh != nil {
		err := d.mesh.Send(ctx, m.RecipientID, mesh.Payload{
			Content:   m.Ciphertext,
			Nonce:     m.Nonce,
			MessageID: m.MessageID,
			Timestamp: m.Timestamp,
		})
		if err == nil {
			return RouteMesh, nil
		}
		log.Info("mesh path failed", zap.String("messageId", m.MessageID), zap.Error(err))
		errs = append(errs, err)
	}

	if d.text != nil && to.Phone != "" {
		err := d.text.SendText(ctx, to.Phone, oob.Encode(m.Packet()))
		if err == nil {
			return RouteOOB, nil
		}
		log.Info("out-of-band path failed", zap.String("messageId", m.MessageID), zap.Error(err))
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		return RouteNone, ErrDeliveryFailed
	}
	return RouteNone, fmt.Errorf("%w: %w", ErrDeliveryFailed, errors.Join(errs...))
}
