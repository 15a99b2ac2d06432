package app

import (
	"context"
	"io"

	"heron/internal/domain"
	"heron/internal/services/message"
	"heron/internal/transport"
)

// Deps returns the collaborators a message.Conn needs.
func (w *Wire) Deps() message.Deps {
	return message.Deps{
		Engine:  w.Engine,
		Manager: w.Sessions,
		Codec:   w.Codec,
		Clock:   w.Clock,
		Logger:  w.Log.Named("conn"),
	}
}

// Dial runs the handshake towards peer over conn.
func (w *Wire) Dial(ctx context.Context, conn io.ReadWriteCloser, peer domain.UserID) (*message.Conn, error) {
	return message.Dial(ctx, transport.NewStream(conn, 0), peer, w.Deps())
}

// Accept waits for a handshake on conn. An empty expectedPeer accepts any
// trusted identity.
func (w *Wire) Accept(ctx context.Context, conn io.ReadWriteCloser, expectedPeer domain.UserID) (*message.Conn, error) {
	return message.Accept(ctx, transport.NewStream(conn, 0), expectedPeer, w.Deps())
}

// Self returns the unlocked local identity.
func (w *Wire) Self(ctx context.Context) (domain.LocalIdentity, error) {
	return w.Vault.Identity(ctx)
}
