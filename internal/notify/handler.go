package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/chaz8081/ftms-recorder/internal/session"
)

const writeTimeout = 5 * time.Second

// Commander executes client commands.
type Commander interface {
	Connect(role session.Role) error
	Disconnect(role session.Role) error
	Export(reason string) (string, error)
}

// Command is a client request.
type Command struct {
	Command string `json:"command"`
	Role    string `json:"role,omitempty"`
}

// Reply answers a Command.
type Reply struct {
	Event   string `json:"event"`
	Command string `json:"command"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Path    string `json:"path,omitempty"`
}

var errUnknownCommand = errors.New("unknown command")

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// Handler upgrades requests to websockets, streams hub events to the client
// and forwards its commands to cmd.
func (h *Hub) Handler(cmd Commander) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.WithError(err).Debug("[notify] websocket upgrade failed")
			return
		}
		defer conn.Close()

		c := h.subscribe()
		defer h.Unsubscribe(c.id)
		log := h.log.WithFields(logrus.Fields{"client": c.id, "remote": r.RemoteAddr})
		log.Info("[notify] websocket client connected")

		go h.writeLoop(conn, c, log)

		for {
			var in Command
			if err := conn.ReadJSON(&in); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.WithError(err).Debug("[notify] websocket read ended")
				}
				log.Info("[notify] websocket client disconnected")
				return
			}
			reply := execute(cmd, in)
			if !reply.OK {
				log.WithField("command", in.Command).WithField("error", reply.Error).Warn("[notify] command rejected")
			}
			msg, err := json.Marshal(reply)
			if err != nil {
				continue
			}
			h.offer(c, msg)
		}
	})
}

func (h *Hub) writeLoop(conn *websocket.Conn, c *client, log *logrus.Entry) {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.queue:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.WithError(err).Debug("[notify] websocket write failed")
				_ = conn.Close()
				return
			}
		}
	}
}

func execute(cmd Commander, in Command) Reply {
	reply := Reply{Event: "command_result", Command: in.Command}
	var err error
	switch in.Command {
	case "connect", "disconnect":
		var role session.Role
		role, err = session.ParseRole(in.Role)
		if err != nil {
			break
		}
		if in.Command == "connect" {
			err = cmd.Connect(role)
		} else {
			err = cmd.Disconnect(role)
		}
	case "export":
		reply.Path, err = cmd.Export(session.ReasonRequested)
	default:
		err = fmt.Errorf("%w %q", errUnknownCommand, in.Command)
	}
	if err != nil {
		reply.Error = err.Error()
		return reply
	}
	reply.OK = true
	return reply
}
