package bridge

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/agentdeck/host/internal/diff"
	apperrors "github.com/agentdeck/host/internal/errors"
	"github.com/agentdeck/host/internal/permission"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	// Inbound frames larger than this are protocol abuse, not prompts.
	maxMessageSize = 512 * 1024

	// commandTimeout bounds each forwarded host call so one stuck RPC does
	// not pin the client's read loop forever.
	commandTimeout = 30 * time.Second
)

// client is one connected websocket peer.
type client struct {
	conn   *websocket.Conn
	send   chan Message
	done   chan struct{}
	server *Server

	limiter *rate.Limiter
	once    sync.Once
}

// signalClose shuts the client down exactly once. Only done is closed; the
// send channel stays open so concurrent senders never panic.
func (c *client) signalClose() {
	c.once.Do(func() {
		close(c.done)
	})
}

// writePump drains the send channel onto the websocket and keeps the
// connection alive with periodic pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			data, err := json.Marshal(msg)
			if err != nil {
				log.Printf("bridge: failed to marshal %s frame: %v", msg.Type, err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("bridge: write error: %v", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes client commands until the connection drops.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.signalClose()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure) {
				log.Printf("bridge: read error: %v", err)
			}
			return
		}

		if !c.limiter.Allow() {
			c.nack("", apperrors.New(apperrors.CodeBridgeRateLimited, "too many messages, slow down"))
			continue
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.nack("", apperrors.Wrap(apperrors.CodeRPCInvalidParams, "malformed frame", err))
			continue
		}
		c.handleCommand(msg)
	}
}

// handleCommand forwards one inbound command to the controller and acks the
// outcome. Commands run inline on the read loop; the per-command timeout
// keeps a stuck host call from wedging it permanently.
func (c *client) handleCommand(msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	ctrl := c.server.ctrl
	var err error

	switch msg.Type {
	case CmdPrompt:
		var cmd promptCommand
		if err = json.Unmarshal(msg.Payload, &cmd); err == nil {
			_, err = ctrl.Prompt(ctx, cmd.Text, false)
		}

	case CmdConfirmTool:
		var cmd confirmCommand
		if err = json.Unmarshal(msg.Payload, &cmd); err == nil {
			err = ctrl.ConfirmTool(cmd.ToolCallID, cmd.Confirmed, permission.ConfirmOptions{
				TrustAlways:   cmd.TrustAlways,
				EditedContent: cmd.EditedContent,
			})
		}

	case CmdResolveChange:
		var cmd resolveChangeCommand
		if err = json.Unmarshal(msg.Payload, &cmd); err == nil {
			err = ctrl.ResolveChange(ctx, cmd.SessionID, cmd.Path, cmd.Accept)
		}

	case CmdSwitchSession:
		var cmd sessionRefCommand
		if err = json.Unmarshal(msg.Payload, &cmd); err == nil {
			err = ctrl.SwitchSession(ctx, cmd.SessionID)
		}

	case CmdCancelSession:
		var cmd sessionRefCommand
		if err = json.Unmarshal(msg.Payload, &cmd); err == nil {
			err = ctrl.CancelSession(cmd.SessionID)
		}

	case CmdListSessions:
		c.reply(newMessage(TypeSessionList, summarize(ctrl.Sessions())))
		return

	case CmdListChanges:
		var cmd sessionRefCommand
		if err = json.Unmarshal(msg.Payload, &cmd); err == nil {
			changes := ctrl.PendingChanges(cmd.SessionID)
			summaries := make([]pendingChange, 0, len(changes))
			for _, change := range changes {
				summaries = append(summaries, pendingChange{FileChange: change, Stat: diff.Summarize(change.Diff)})
			}
			c.reply(newMessage(TypePendingChanges, struct {
				SessionID string          `json:"sessionId"`
				Changes   []pendingChange `json:"changes"`
			}{cmd.SessionID, summaries}))
			return
		}

	default:
		c.nack(msg.Type, apperrors.New(apperrors.CodeRPCMethodMissing, "unknown command "+msg.Type))
		return
	}

	if err != nil {
		log.Printf("bridge: command %s failed: %v", msg.Type, err)
		c.nack(msg.Type, err)
		return
	}
	c.ack(msg.Type)
}

func (c *client) ack(command string) {
	c.reply(newMessage(TypeAck, ackPayload{Command: command, OK: true}))
}

func (c *client) nack(command string, err error) {
	c.reply(newMessage(TypeAck, ackPayload{
		Command: command,
		Error:   apperrors.GetMessage(err),
		Code:    apperrors.GetCode(err),
	}))
}

// reply queues a frame for this client only.
func (c *client) reply(msg Message) {
	select {
	case <-c.done:
	case c.send <- msg:
	case <-time.After(writeWait):
		log.Printf("bridge: timeout replying %s to client", msg.Type)
	}
}
