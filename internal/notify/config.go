package notify

import (
	"time"

	"codeberg.org/mutker/devchar/internal/errors"
)

type Config struct {
	Enabled        bool
	Broker         string
	ClientID       string
	TopicPrefix    string
	QoS            byte
	KeepAlive      uint16
	ConnectTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Broker:         "localhost:1883",
		ClientID:       "devchar",
		TopicPrefix:    "devchar",
		QoS:            1,
		KeepAlive:      30,
		ConnectTimeout: 5 * time.Second,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if !c.Enabled {
		return nil
	}
	switch {
	case c.Broker == "":
		return errFactory.WithData(ErrInvalidConfig, "broker address is required")
	case c.TopicPrefix == "":
		return errFactory.WithData(ErrInvalidConfig, "topic prefix is required")
	case c.QoS > 2:
		return errFactory.WithData(ErrInvalidConfig, "qos must be 0, 1 or 2")
	}
	return nil
}
