package modules

import (
	"context"

	"github.com/aukilabs/hagall-bvh/models"
	hwebsocket "github.com/aukilabs/hagall-common/websocket"
)

// Module extends what a connection does with the messages of a joined
// session. A module instance serves a single connection.
type Module interface {
	Name() string

	// Called each time the connection joins a session.
	Init(*models.Session, *models.Participant)

	// Called with every message of the connection once the core handler is
	// done with it, so a module sees the session as the message left it.
	// Returning hwebsocket.ErrModuleMsgSkip tells the message is not for the
	// module. Other errors disconnect the client.
	HandleMsg(context.Context, hwebsocket.ResponseSender, hwebsocket.Msg) error

	// Called when the connection leaves its session, before its entities
	// are removed.
	HandleDisconnect()
}
