package notify

import (
	"context"
	"encoding/json"
	"strings"

	"codeberg.org/mutker/devchar/internal/errors"
	"codeberg.org/mutker/devchar/internal/sweep"
	"github.com/eclipse/paho.golang/paho"
)

// Ingest subscribes to samples and setpoint confirmations published by a
// remote instrument. Samples on <prefix>/samples are JSON row arrays handed
// to sink; confirmations on <prefix>/applied/<terminal> are Setpoint JSON
// handed to confirm, which may be nil.
func (p *Publisher) Ingest(ctx context.Context, sink func([][]float64) error, confirm func(sweep.Setpoint) error) error {
	errFactory := errors.New()

	samples := p.Topic("samples")
	applied := p.Topic("applied")

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errFactory.New(ErrClosed)
	}
	p.handlers[samples] = func(_ string, payload []byte) {
		var rows [][]float64
		if err := json.Unmarshal(payload, &rows); err != nil {
			p.log.Warn().Err(err).Msg("Discarding malformed sample chunk")
			return
		}
		if err := sink(rows); err != nil {
			p.log.Warn().Err(err).Int("rows", len(rows)).Msg("Sample chunk rejected")
		}
	}
	if confirm != nil {
		p.handlers[applied] = func(_ string, payload []byte) {
			var sp sweep.Setpoint
			if err := json.Unmarshal(payload, &sp); err != nil {
				p.log.Warn().Err(err).Msg("Discarding malformed confirmation")
				return
			}
			if err := confirm(sp); err != nil {
				p.log.Warn().Err(err).Msg("Confirmation rejected")
			}
		}
	}
	p.mu.Unlock()

	subs := []paho.SubscribeOptions{{Topic: samples, QoS: p.cfg.QoS}}
	if confirm != nil {
		subs = append(subs, paho.SubscribeOptions{Topic: applied + "/+", QoS: p.cfg.QoS})
	}
	if _, err := p.client.Subscribe(ctx, &paho.Subscribe{Subscriptions: subs}); err != nil {
		return errFactory.WrapWithData(ErrSubscribe, err, samples)
	}

	p.log.Info().Str("topic", samples).Msg("Ingesting remote samples")
	return nil
}

func (p *Publisher) dispatch(pr paho.PublishReceived) (bool, error) {
	topic := pr.Packet.Topic

	p.mu.Lock()
	handle, ok := p.handlers[topic]
	if !ok {
		if i := strings.LastIndex(topic, "/"); i > 0 {
			handle, ok = p.handlers[topic[:i]]
		}
	}
	p.mu.Unlock()

	if !ok {
		return false, nil
	}
	handle(topic, pr.Packet.Payload)
	return true, nil
}
