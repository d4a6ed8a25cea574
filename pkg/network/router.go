package network

import (
	"fmt"
	"sort"
	"sync"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/busybox42/meshnode/pkg/protocol"
)

// unregisteredLabel stands in for every message type without a handler in
// metric labels, so peers cannot mint new series.
const unregisteredLabel = "unregistered"

// Router maps message types to handlers. Registering a type twice replaces
// the earlier handler.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	log      *logrus.Entry
	metrics  *Metrics
}

func NewRouter(log *logrus.Entry, metrics *Metrics) *Router {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Router{
		handlers: make(map[string]Handler),
		log:      log.WithField("component", "router"),
		metrics:  metrics,
	}
}

func (r *Router) Register(messageType string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[messageType]; exists {
		r.log.WithField("message_type", messageType).Debug("Replacing message handler")
	}
	r.handlers[messageType] = handler
}

func (r *Router) HandleFunc(messageType string, fn HandlerFunc) {
	r.Register(messageType, fn)
}

func (r *Router) Lookup(messageType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[messageType]
	return h, ok
}

// metricLabel returns messageType when it has a handler and
// unregisteredLabel otherwise.
func (r *Router) metricLabel(messageType string) string {
	if _, ok := r.Lookup(messageType); ok {
		return messageType
	}
	return unregisteredLabel
}

// Types returns the registered message types in sorted order.
func (r *Router) Types() []string {
	r.mu.RLock()
	types := lo.Keys(r.handlers)
	r.mu.RUnlock()
	sort.Strings(types)
	return types
}

// Dispatch runs the handler registered for msg.MessageType. Unknown types
// and handler failures, panics included, are logged and returned; they
// never affect the connection the message came from.
func (r *Router) Dispatch(msg protocol.Message, conn *Conn) (err error) {
	log := r.log.WithFields(logrus.Fields{
		"message_type": msg.MessageType,
		"sender":       msg.SenderID,
	})
	if conn != nil {
		log = log.WithField("conn", conn.ID)
	}

	handler, ok := r.Lookup(msg.MessageType)
	if !ok {
		log.Warn("No handler for message type, dropping")
		r.metrics.dispatched(unregisteredLabel, "unknown")
		return fmt.Errorf("%w: %q", ErrUnknownMessageType, msg.MessageType)
	}

	defer func() {
		if p := recover(); p != nil {
			err = &HandlerError{MessageType: msg.MessageType, Err: fmt.Errorf("panic: %v", p)}
		}
		if err != nil {
			log.WithError(err).Error("Message handler failed")
			r.metrics.dispatched(msg.MessageType, "error")
			return
		}
		r.metrics.dispatched(msg.MessageType, "ok")
	}()

	if herr := handler.HandleMessage(msg, conn); herr != nil {
		return &HandlerError{MessageType: msg.MessageType, Err: herr}
	}
	return nil
}
