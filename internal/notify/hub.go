// Package notify fans session events out to websocket clients and accepts
// connect, disconnect and export commands from them.
package notify

import (
	"encoding/json"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/chaz8081/ftms-recorder/internal/session"
)

// HubOptions configures a Hub.
type HubOptions struct {
	// QueueSize is the per-client buffer; events beyond it are dropped.
	QueueSize int `default:"64"`
	Logger    *logrus.Logger
}

type client struct {
	id    uint64
	queue chan []byte
	done  chan struct{}
}

// Hub is a non-blocking event fan-out. It satisfies session.Notifier.
type Hub struct {
	clients   *hashmap.Map[uint64, *client]
	nextID    atomic.Uint64
	dropped   atomic.Uint64
	published atomic.Uint64
	queueSize int
	log       *logrus.Logger
}

var _ session.Notifier = (*Hub)(nil)

// NewHub returns an empty hub.
func NewHub(opts HubOptions) *Hub {
	defaults.SetDefaults(&opts)
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{
		clients:   hashmap.New[uint64, *client](),
		queueSize: opts.QueueSize,
		log:       log,
	}
}

// Publish encodes ev once and offers it to every client. A client whose
// queue is full misses the event.
func (h *Hub) Publish(ev session.Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		h.log.WithError(err).WithField("event", ev.Type).Warn("[notify] unable to encode event")
		return
	}
	h.published.Add(1)
	h.broadcast(msg)
}

func (h *Hub) broadcast(msg []byte) {
	h.clients.Range(func(_ uint64, c *client) bool {
		h.offer(c, msg)
		return true
	})
}

func (h *Hub) offer(c *client, msg []byte) bool {
	select {
	case c.queue <- msg:
		return true
	default:
		h.dropped.Add(1)
		return false
	}
}

// Subscribe registers a client and returns its id and message stream.
// Call Unsubscribe to release it.
func (h *Hub) Subscribe() (uint64, <-chan []byte) {
	c := h.subscribe()
	return c.id, c.queue
}

func (h *Hub) subscribe() *client {
	c := &client{
		id:    h.nextID.Add(1),
		queue: make(chan []byte, h.queueSize),
		done:  make(chan struct{}),
	}
	h.clients.Set(c.id, c)
	h.log.WithField("client", c.id).Debug("[notify] client subscribed")
	return c
}

// Unsubscribe removes a client. Its queue is left open; a concurrent
// Publish may still deliver to it.
func (h *Hub) Unsubscribe(id uint64) {
	if c, ok := h.clients.Get(id); ok {
		h.clients.Del(id)
		close(c.done)
		h.log.WithField("client", id).Debug("[notify] client unsubscribed")
	}
}

// Clients returns the number of registered clients.
func (h *Hub) Clients() int { return h.clients.Len() }

// Dropped returns how many deliveries were skipped because a client was slow.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Published returns how many events were accepted for fan-out.
func (h *Hub) Published() uint64 { return h.published.Load() }
