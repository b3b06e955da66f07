// Package notify mirrors a sweep onto an MQTT broker. Setpoints go out as
// commands for a remote bias source; results go out as JSON events.
package notify

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"sync"

	"codeberg.org/mutker/devchar/internal/errors"
	"codeberg.org/mutker/devchar/internal/logger"
	"codeberg.org/mutker/devchar/internal/sweep"
	"github.com/eclipse/paho.golang/paho"
	"gonum.org/v1/gonum/floats"
)

// Peak is the strongest bin of one channel's spectrum.
type Peak struct {
	Channel   string  `json:"channel"`
	Frequency float64 `json:"frequency"`
	Power     float64 `json:"power"`
}

// SpectrumEvent is published instead of the full spectrum.
type SpectrumEvent struct {
	sweep.Coordinate
	RunID string  `json:"run_id"`
	Vg    float64 `json:"vg"`
	Vd    float64 `json:"vd"`
	Bins  int     `json:"bins"`
	Peaks []Peak  `json:"peaks"`
}

type CompleteEvent struct {
	RunID     string    `json:"run_id"`
	Channels  []string  `json:"channels"`
	VgValues  []float64 `json:"vg_values"`
	VdValues  []float64 `json:"vd_values"`
	DCPoints  int       `json:"dc_points"`
	PSDPoints int       `json:"psd_points"`
}

type Publisher struct {
	cfg    Config
	log    logger.Logger
	client *paho.Client

	mu       sync.Mutex
	closed   bool
	handlers map[string]func(topic string, payload []byte)
}

// Dial connects to cfg.Broker and returns a ready Publisher.
func Dial(ctx context.Context, cfg Config, log logger.Logger) (*Publisher, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.New("notify")
	}

	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", cfg.Broker)
	if err != nil {
		return nil, errFactory.WrapWithData(ErrConnect, err, cfg.Broker)
	}

	p := &Publisher{
		cfg:      cfg,
		log:      log,
		handlers: make(map[string]func(string, []byte)),
	}

	client := paho.NewClient(paho.ClientConfig{
		ClientID: cfg.ClientID,
		Conn:     conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			p.dispatch,
		},
		OnClientError: func(err error) {
			log.Warn().Err(err).Msg("MQTT client error")
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			log.Warn().Uint8("reason", d.ReasonCode).Msg("MQTT broker disconnected")
		},
	})

	ack, err := client.Connect(ctx, &paho.Connect{
		ClientID:   cfg.ClientID,
		KeepAlive:  cfg.KeepAlive,
		CleanStart: true,
	})
	if err != nil {
		conn.Close()
		return nil, errFactory.WrapWithData(ErrConnect, err, cfg.Broker)
	}
	if ack.ReasonCode != 0 {
		conn.Close()
		return nil, errFactory.WithData(ErrConnect, struct {
			Broker string
			Reason byte
		}{
			Broker: cfg.Broker,
			Reason: ack.ReasonCode,
		})
	}

	log.Info().
		Str("broker", cfg.Broker).
		Str("client_id", cfg.ClientID).
		Str("prefix", cfg.TopicPrefix).
		Msg("Connected to MQTT broker")

	p.client = client
	return p, nil
}

// Topic joins parts under the configured prefix.
func (p *Publisher) Topic(parts ...string) string {
	return strings.Join(append([]string{strings.TrimSuffix(p.cfg.TopicPrefix, "/")}, parts...), "/")
}

// Apply publishes the setpoint as a command for a remote bias source.
func (p *Publisher) Apply(ctx context.Context, sp sweep.Setpoint) error {
	return p.publish(ctx, p.Topic("setpoint", string(sp.Terminal)), sp)
}

func (p *Publisher) RecordDC(ctx context.Context, point sweep.DCPoint) error {
	return p.publish(ctx, p.Topic("dc"), point)
}

func (p *Publisher) RecordPSD(ctx context.Context, point sweep.PSDPoint) error {
	event := SpectrumEvent{
		Coordinate: point.Coordinate,
		RunID:      point.RunID,
		Vg:         point.Vg,
		Vd:         point.Vd,
		Bins:       len(point.Frequencies),
		Peaks:      Peaks(point),
	}
	return p.publish(ctx, p.Topic("psd"), event)
}

func (p *Publisher) SweepComplete(ctx context.Context, summary sweep.Summary) error {
	event := CompleteEvent{
		RunID:     summary.RunID,
		Channels:  summary.Channels,
		VgValues:  summary.VgValues,
		VdValues:  summary.VdValues,
		DCPoints:  len(summary.DC),
		PSDPoints: len(summary.PSD),
	}
	return p.publish(ctx, p.Topic("complete"), event)
}

// Peaks finds the strongest non-DC bin per channel.
func Peaks(point sweep.PSDPoint) []Peak {
	peaks := make([]Peak, 0, len(point.Power))
	for i, power := range point.Power {
		if len(power) < 2 || len(power) != len(point.Frequencies) {
			continue
		}
		idx := floats.MaxIdx(power[1:]) + 1

		name := ""
		if i < len(point.Channels) {
			name = point.Channels[i]
		}
		peaks = append(peaks, Peak{
			Channel:   name,
			Frequency: point.Frequencies[idx],
			Power:     power[idx],
		})
	}
	return peaks
}

func (p *Publisher) publish(ctx context.Context, topic string, v any) error {
	errFactory := errors.New()

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return errFactory.New(ErrClosed)
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return errFactory.Wrap(ErrEncode, err)
	}

	if _, err := p.client.Publish(ctx, &paho.Publish{
		QoS:     p.cfg.QoS,
		Topic:   topic,
		Payload: payload,
		Properties: &paho.PublishProperties{
			ContentType: "application/json",
		},
	}); err != nil {
		return errFactory.WrapWithData(ErrPublish, err, topic)
	}

	p.log.Debug().Str("topic", topic).Int("bytes", len(payload)).Msg("Published")
	return nil
}

// Close disconnects from the broker. It is safe to call more than once.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if err := p.client.Disconnect(&paho.Disconnect{ReasonCode: 0}); err != nil {
		return errors.New().Wrap(errors.ErrShutdownFailed, err)
	}

	p.log.Info().Str("broker", p.cfg.Broker).Msg("Disconnected from MQTT broker")
	return nil
}
