package publish

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/danielpatrickdp/goal-inference/internal/gate"
	"github.com/danielpatrickdp/goal-inference/internal/smc"
)

// #region event
// StepEvent is the message published after every engine step.
type StepEvent struct {
	RunID       string             `json:"run_id"`
	T           int                `json:"t"`
	Marginals   map[string]float64 `json:"marginals"`
	MAP         string             `json:"map"`
	ESS         float64            `json:"ess"`
	LogEvidence float64            `json:"log_evidence"`
	Resampled   bool               `json:"resampled"`
	Accepted    int                `json:"accepted"`
	Proposed    int                `json:"proposed"`
}

// NewStepEvent summarizes a snapshot.
func NewStepEvent(runID string, s smc.Snapshot) StepEvent {
	m := make(map[string]float64, len(s.Marginals))
	for g, p := range s.Marginals {
		m[string(g)] = p
	}
	goal, _ := s.MAP()
	return StepEvent{
		RunID:       runID,
		T:           s.T,
		Marginals:   m,
		MAP:         string(goal),
		ESS:         s.ESS,
		LogEvidence: s.LogEvidence,
		Resampled:   s.Resample.Action == gate.ActionResample,
		Accepted:    s.Accepted,
		Proposed:    s.Proposed,
	}
}

// #endregion event

// #region publisher
// Conn is the part of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Publisher sends step events to a NATS subject.
type Publisher struct {
	conn    Conn
	subject string
	runID   string
}

// New wraps an existing connection.
func New(conn Conn, subject, runID string) *Publisher {
	return &Publisher{conn: conn, subject: subject, runID: runID}
}

// Connect dials a NATS server. An empty url uses nats.DefaultURL.
func Connect(url string) (*nats.Conn, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.Name("sips"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return nc, nil
}

// OnStep implements smc.Callback.
func (p *Publisher) OnStep(s smc.Snapshot) error {
	data, err := json.Marshal(NewStepEvent(p.runID, s))
	if err != nil {
		return fmt.Errorf("encode step event: %w", err)
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", p.subject, err)
	}
	return nil
}

// #endregion publisher

// #region subscriber
// Subscriber is the part of *nats.Conn a watcher needs.
type Subscriber interface {
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// DecodeStepEvent parses one published message.
func DecodeStepEvent(data []byte) (StepEvent, error) {
	var evt StepEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return StepEvent{}, fmt.Errorf("decode step event: %w", err)
	}
	return evt, nil
}

// Subscribe delivers step events from subject to handler until the
// subscription is drained. Messages that do not decode go to onError, which
// may be nil.
func Subscribe(conn Subscriber, subject string, handler func(StepEvent), onError func(error)) (*nats.Subscription, error) {
	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		evt, err := DecodeStepEvent(msg.Data)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		handler(evt)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// #endregion subscriber
