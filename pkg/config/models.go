package config

import "time"

type Config struct {
	Server    ServerConfig
	Auth      AuthConfig
	Transport TransportConfig
	Heartbeat HeartbeatConfig
	Bus       BusConfig
	Delivery  DeliveryConfig
	Rooms     RoomsConfig
	Log       LogConfig
}

type ServerConfig struct {
	Address         string
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
	// InitialTimeout bounds the wait for the authenticate event; the
	// asynchronous authentication call gets three times this window.
	InitialTimeout time.Duration `mapstructure:"initialTimeout"`
}

type ConnectionLimitConfig struct {
	MaxPerAddr int    `mapstructure:"maxPerAddr"`
	Mode       string `mapstructure:"mode"` // "reject" or "cycle"
}

type TransportConfig struct {
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
	SendBuffer  int           `mapstructure:"sendBuffer"`
}

type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type BusConfig struct {
	Address       string `mapstructure:"address"`
	Password      string `mapstructure:"password"`
	DB            int    `mapstructure:"db"`
	ChannelPrefix string `mapstructure:"channelPrefix"`
}

type DeliveryConfig struct {
	TransformConcurrency int `mapstructure:"transformConcurrency"`
}

type RoomsConfig struct {
	// Defaults are joined by every connection on authentication.
	Defaults []string `mapstructure:"defaults"`
	// AllowAny wires a validator that accepts every sanitized join request.
	// Off by default: with no validator all joins are rejected.
	AllowAny      bool `mapstructure:"allowAny"`
	MaxNameLength int  `mapstructure:"maxNameLength"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}
