package runtime

import (
	"context"

	"go.uber.org/zap"

	"github.com/chatwire-io/chatwire/internal/gateway"
	"github.com/chatwire-io/chatwire/internal/protocol"
	"github.com/chatwire-io/chatwire/internal/retrystore"
)

// socket returns the live socket or a not_connected error.
func (r *Runtime) socket() (protocol.Socket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateReady || r.sock == nil {
		return nil, gateway.NewError(gateway.KindNotConnected,
			"account is not connected (state: "+string(r.state)+")")
	}
	return r.sock, nil
}

// SendText sends a text message through pacer admission and typing
// simulation. Blocks until the transport acknowledges or the send is
// rejected. The returned frame has already been stored for retries.
func (r *Runtime) SendText(ctx context.Context, number, text string) (*protocol.WireMessage, error) {
	sock, err := r.socket()
	if err != nil {
		return nil, err
	}
	jid := protocol.ToJID(number)

	if err := r.deps.Pacer.Admit(ctx, r.accountID, jid, text); err != nil {
		r.deps.Metrics.SendsRejected.WithLabelValues(string(gateway.KindOf(err))).Inc()
		return nil, err
	}
	if err := r.deps.Pacer.SimulateTyping(ctx, sock, jid, text); err != nil {
		return nil, gateway.WrapError(gateway.KindShutdown, "send cancelled", err)
	}

	frame, err := sock.SendText(ctx, jid, text)
	if err != nil {
		return nil, gateway.WrapError(gateway.KindInternal, "transport send failed", err)
	}

	// The post-send frame, not the input text: the network requests the
	// ciphertext frame on retry.
	r.deps.Frames.Put(r.accountID, retrystore.DirectionOut, number, frame)
	r.deps.Metrics.MessagesSent.WithLabelValues(r.accountID.String()).Inc()
	r.logger.Debug("message sent",
		zap.String("to", number),
		zap.String("message_id", frame.Key.ID),
	)
	return frame, nil
}

// SendMedia sends a media message. Admission hashes the caption and filename
// so a retry loop around the same asset is still caught by the duplicate
// guard; typing simulation runs on the caption.
func (r *Runtime) SendMedia(ctx context.Context, number string, media protocol.Media) (*protocol.WireMessage, error) {
	sock, err := r.socket()
	if err != nil {
		return nil, err
	}
	jid := protocol.ToJID(number)

	body := media.Caption + "\x00" + media.Filename
	if err := r.deps.Pacer.Admit(ctx, r.accountID, jid, body); err != nil {
		r.deps.Metrics.SendsRejected.WithLabelValues(string(gateway.KindOf(err))).Inc()
		return nil, err
	}
	if err := r.deps.Pacer.SimulateTyping(ctx, sock, jid, media.Caption); err != nil {
		return nil, gateway.WrapError(gateway.KindShutdown, "send cancelled", err)
	}

	frame, err := sock.SendMedia(ctx, jid, media)
	if err != nil {
		return nil, gateway.WrapError(gateway.KindInternal, "transport send failed", err)
	}

	r.deps.Frames.Put(r.accountID, retrystore.DirectionOut, number, frame)
	r.deps.Metrics.MessagesSent.WithLabelValues(r.accountID.String()).Inc()
	return frame, nil
}

// Logout invalidates the session on the network side and clears auth state
// everywhere. Used by account deletion.
func (r *Runtime) Logout(ctx context.Context) error {
	r.mu.Lock()
	sock := r.sock
	r.mu.Unlock()

	if sock != nil {
		if err := sock.Logout(ctx); err != nil {
			r.logger.Warn("network-side logout failed", zap.Error(err))
		}
	}
	return r.deps.Auth.Clear(ctx, r.accountID)
}

// SendPresence nudges the account's presence. Used by the supervisor's
// staggered presence refresh.
func (r *Runtime) SendPresence(ctx context.Context, presence protocol.Presence) error {
	sock, err := r.socket()
	if err != nil {
		return err
	}
	return sock.SendPresence(ctx, "", presence)
}
