package broker

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Configuration keys understood by ConfigFromMap.
const (
	KeyHost      = "amqp_host"
	KeyPort      = "amqp_port"
	KeyUser      = "amqp_user"
	KeyPass      = "amqp_pass"
	KeyVhost     = "amqp_vhost"
	KeyPrefix    = "amqp_prefix"
	KeyHeartbeat = "amqp_heartbeat"
	KeyName      = "amqp_connection_name"
)

const defaultHeartbeat = 10 * time.Second

// Config describes how to reach the broker.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Vhost    string
	// Prefix is the default consumer group of the service.
	Prefix string
	// Heartbeat is the AMQP heartbeat interval proposed to the server.
	Heartbeat time.Duration
	// ConnectionName is reported to the broker as the client connection name.
	ConnectionName string
}

// ConfigFromMap builds a Config from a flat key/value map as produced by the
// config package. Host, port, user, password and vhost are required.
func ConfigFromMap(m map[string]string) (Config, error) {
	var err error
	require := func(key string) string {
		v, ok := m[key]
		if !ok || v == "" {
			err = errors.Join(err, fmt.Errorf("missing configuration key %q", key))
		}
		return v
	}

	cfg := Config{
		Host:           require(KeyHost),
		User:           require(KeyUser),
		Password:       require(KeyPass),
		Vhost:          require(KeyVhost),
		Prefix:         m[KeyPrefix],
		Heartbeat:      defaultHeartbeat,
		ConnectionName: m[KeyName],
	}

	if port := require(KeyPort); port != "" {
		p, perr := strconv.Atoi(port)
		if perr != nil || p <= 0 || p > 65535 {
			err = errors.Join(err, fmt.Errorf("invalid %s %q", KeyPort, port))
		}
		cfg.Port = p
	}

	if hb, ok := m[KeyHeartbeat]; ok && hb != "" {
		d, derr := time.ParseDuration(hb)
		if derr != nil {
			err = errors.Join(err, fmt.Errorf("invalid %s %q: %w", KeyHeartbeat, hb, derr))
		}
		cfg.Heartbeat = d
	}

	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// URI returns the AMQP URI of the broker.
func (c Config) URI() amqp.URI {
	return amqp.URI{
		Scheme:   "amqp",
		Host:     c.Host,
		Port:     c.Port,
		Username: c.User,
		Password: c.Password,
		Vhost:    c.Vhost,
	}
}

// Redacted returns the broker URI without the password, for logs.
func (c Config) Redacted() string {
	u := c.URI()
	if u.Password != "" {
		u.Password = "xxxxx"
	}
	return u.String()
}
