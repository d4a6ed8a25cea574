// Package aggregate combines model updates from peers by federated
// averaging: each node's weights count in proportion to its sample count.
package aggregate

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/busybox42/meshnode/pkg/network"
	"github.com/busybox42/meshnode/pkg/protocol"
)

// MessageType is the message type model updates travel under.
const MessageType = "model_update"

type ModelUpdate struct {
	NodeID       string            `json:"node_id"`
	Weights      map[string]Tensor `json:"weights"`
	SamplesCount int               `json:"samples_count"`
	Timestamp    float64           `json:"timestamp"`
	Signature    *string           `json:"signature,omitempty"`
}

// Envelope is the content of a model_update message.
type Envelope struct {
	NodeID string      `json:"node_id"`
	Update ModelUpdate `json:"update"`
}

type Aggregator struct {
	mu      sync.Mutex
	updates map[string]ModelUpdate
	log     *logrus.Entry
}

func New(logger *logrus.Logger) *Aggregator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Aggregator{
		updates: make(map[string]ModelUpdate),
		log:     logger.WithField("component", "aggregate"),
	}
}

// Add keeps update as the latest from its node.
func (a *Aggregator) Add(update ModelUpdate) error {
	if update.NodeID == "" {
		return errors.New("model update has no node id")
	}
	if update.SamplesCount < 0 {
		return fmt.Errorf("negative samples count %d", update.SamplesCount)
	}
	a.mu.Lock()
	a.updates[update.NodeID] = update
	a.mu.Unlock()
	return nil
}

func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.updates)
}

func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.updates = make(map[string]ModelUpdate)
	a.mu.Unlock()
}

// Aggregate returns the sample-weighted mean of the latest update from each
// node. With no updates, or no samples in total, the result is empty. Every
// update must carry the same weight names and shapes.
func (a *Aggregator) Aggregate() (map[string]Tensor, error) {
	a.mu.Lock()
	updates := lo.Values(a.updates)
	a.mu.Unlock()

	result := map[string]Tensor{}
	total := lo.SumBy(updates, func(u ModelUpdate) int { return u.SamplesCount })
	if total == 0 {
		return result, nil
	}

	sort.Slice(updates, func(i, j int) bool { return updates[i].NodeID < updates[j].NodeID })
	names := lo.Keys(updates[0].Weights)
	sort.Strings(names)

	for i, u := range updates {
		if len(u.Weights) != len(names) || !lo.Every(lo.Keys(u.Weights), names) {
			return nil, fmt.Errorf("%w: node %s has weights %v, want %v",
				ErrShapeMismatch, u.NodeID, lo.Keys(u.Weights), names)
		}
		factor := float64(u.SamplesCount) / float64(total)
		for _, name := range names {
			w := u.Weights[name]
			if i == 0 {
				result[name] = w.scaled(factor)
				continue
			}
			if err := result[name].addScaled(w, factor); err != nil {
				return nil, fmt.Errorf("weight %q from node %s: %w", name, u.NodeID, err)
			}
		}
	}

	a.log.WithFields(logrus.Fields{
		"nodes":   len(updates),
		"samples": total,
	}).Debug("Aggregated model updates")
	return result, nil
}

// HandleMessage accepts model_update messages. The envelope's node_id wins
// over the update's own, and the message sender fills in when both are
// empty.
func (a *Aggregator) HandleMessage(msg protocol.Message, _ *network.Conn) error {
	var env Envelope
	if err := msg.DecodeContent(&env); err != nil {
		return fmt.Errorf("invalid model update: %w", err)
	}
	update := env.Update
	switch {
	case env.NodeID != "":
		update.NodeID = env.NodeID
	case update.NodeID == "":
		update.NodeID = msg.SenderID
	}
	if update.Signature == nil {
		update.Signature = msg.Signature
	}
	if err := a.Add(update); err != nil {
		return err
	}
	a.log.WithFields(logrus.Fields{
		"from":    update.NodeID,
		"samples": update.SamplesCount,
	}).Info("Received model update")
	return nil
}

var _ network.Handler = (*Aggregator)(nil)
