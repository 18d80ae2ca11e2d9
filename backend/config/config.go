package config

import (
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/pflag"
)

const envPrefix = "SIGNAL"

var (
	ErrEnv      = errors.New("failed to read environment")
	ErrFlags    = errors.New("failed to parse command line arguments")
	ErrValidate = errors.New("invalid configuration")
)

// Config holds deploy-time settings. Values come from SIGNAL_* environment
// variables and can be overridden by command line flags.
type Config struct {
	APIListenAddr     string        `envconfig:"API_LISTEN_ADDR" default:":8081" validate:"required"`
	WSListenAddr      string        `envconfig:"WS_LISTEN_ADDR" default:":8888"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"debug" validate:"oneof=trace debug info warn error"`
	PrivilegedID      string        `envconfig:"PRIVILEGED_ID" default:"telebot" validate:"required"`
	Capacity          int           `envconfig:"CAPACITY" default:"3" validate:"min=1,max=64"`
	QueueSize         int           `envconfig:"QUEUE_SIZE" default:"64" validate:"min=1"`
	MaxPayloadSize    int64         `envconfig:"MAX_PAYLOAD_SIZE" default:"65536" validate:"min=1"`
	KeepaliveInterval time.Duration `envconfig:"KEEPALIVE_INTERVAL" default:"5s" validate:"min=100ms"`
	RetryInterval     time.Duration `envconfig:"RETRY_INTERVAL" default:"2s" validate:"min=0s"`
	WriteTimeout      time.Duration `envconfig:"WRITE_TIMEOUT" default:"5s" validate:"min=100ms"`
	ReservePrivileged bool          `envconfig:"RESERVE_PRIVILEGED" default:"true"`
	ControlRedirect   bool          `envconfig:"CONTROL_REDIRECT" default:"false"`
}

func Load(args []string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, errors.Join(ErrEnv, err)
	}

	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)
	fs.StringVarP(&cfg.APIListenAddr, "api-listen-addr", "a", cfg.APIListenAddr, "http api listen address")
	fs.StringVarP(&cfg.WSListenAddr, "ws-listen-addr", "w", cfg.WSListenAddr, "websocket signaling listen address, empty to disable")
	fs.StringVarP(&cfg.LogLevel, "log-level", "l", cfg.LogLevel, "log level")
	fs.StringVar(&cfg.PrivilegedID, "privileged-id", cfg.PrivilegedID, "participant id of the controlled device")
	fs.IntVarP(&cfg.Capacity, "capacity", "c", cfg.Capacity, "max participants per session")
	fs.IntVar(&cfg.QueueSize, "queue-size", cfg.QueueSize, "per channel outbound event queue size")
	fs.Int64Var(&cfg.MaxPayloadSize, "max-payload-size", cfg.MaxPayloadSize, "max relayed payload size in bytes")
	fs.DurationVar(&cfg.KeepaliveInterval, "keepalive-interval", cfg.KeepaliveInterval, "presence channel keepalive interval")
	fs.DurationVar(&cfg.RetryInterval, "retry-interval", cfg.RetryInterval, "reconnect interval advertised to event stream clients")
	fs.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "presence channel write timeout")
	fs.BoolVar(&cfg.ReservePrivileged, "reserve-privileged", cfg.ReservePrivileged, "keep the last session slot for the privileged participant")
	fs.BoolVar(&cfg.ControlRedirect, "control-redirect", cfg.ControlRedirect, "route payloads with a control field to the privileged participant")

	if err := fs.Parse(args); err != nil {
		return nil, errors.Join(ErrFlags, err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, errors.Join(ErrValidate, err)
	}
	return &cfg, nil
}
