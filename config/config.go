package config

import (
	"container/list"
	"crypto/tls"
	"fmt"
	"os"
	"strings"

	"github.com/robfig/config"
)

// StartTLSMode controls whether the client upgrades a plaintext connection
// with STARTTLS.
type StartTLSMode int

const (
	TLSDisabled StartTLSMode = iota
	TLSOptional
	TLSRequired
)

func (m StartTLSMode) String() string {
	switch m {
	case TLSDisabled:
		return "DISABLED"
	case TLSRequired:
		return "REQUIRED"
	default:
		return "OPTIONAL"
	}
}

// LoginMode controls whether the client authenticates after the greeting.
type LoginMode int

const (
	LoginDisabled LoginMode = iota
	LoginNone
	LoginRequired
)

func (m LoginMode) String() string {
	switch m {
	case LoginDisabled:
		return "DISABLED"
	case LoginRequired:
		return "REQUIRED"
	default:
		return "NONE"
	}
}

// MailConfig holds the per-pool SMTP client configuration - not using
// pointers so that copies of the object can be passed around safely.
type MailConfig struct {
	Hostname       string
	Port           int
	StartTLS       StartTLSMode
	Login          LoginMode
	Username       string
	Password       string
	SSL            bool
	EhloHostname   string
	AuthMethods    string
	KeepAlive      bool
	IdleTimeout    int
	MaxPoolSize    int
	TrustAll       bool
	TLSConfig      *tls.Config
	ConnectTimeout int
	CommandTimeout int
}

// DefaultMailConfig returns a MailConfig populated with the documented
// defaults.
func DefaultMailConfig() MailConfig {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}
	return MailConfig{
		Hostname:       "localhost",
		Port:           25,
		StartTLS:       TLSOptional,
		Login:          LoginNone,
		SSL:            false,
		EhloHostname:   hostname,
		AuthMethods:    "",
		KeepAlive:      true,
		IdleTimeout:    300,
		MaxPoolSize:    10,
		TrustAll:       false,
		ConnectTimeout: 60,
		CommandTimeout: 300,
	}
}

// Validate checks the invariants of a MailConfig before a pool is built
// around it.
func (c MailConfig) Validate() error {
	if c.Hostname == "" {
		return fmt.Errorf("Hostname must not be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("Invalid port: %v", c.Port)
	}
	if c.MaxPoolSize < 1 {
		return fmt.Errorf("maxPoolSize must be >= 1, got %v", c.MaxPoolSize)
	}
	if c.Login == LoginRequired && (c.Username == "" || c.Password == "") {
		return fmt.Errorf("Login mode REQUIRED but no credentials configured")
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("idleTimeout must not be negative")
	}
	return nil
}

// AllowedAuthMethods returns the configured mechanism allow-list, split on
// spaces. An empty configuration means every supported mechanism is allowed
// and nil is returned.
func (c MailConfig) AllowedAuthMethods() []string {
	if strings.TrimSpace(c.AuthMethods) == "" {
		return nil
	}
	return strings.Fields(strings.ToUpper(c.AuthMethods))
}

// Addr returns the dial address of the configured server.
func (c MailConfig) Addr() string {
	return fmt.Sprintf("%v:%v", c.Hostname, c.Port)
}

// WebConfig houses the HTTP API configuration.
type WebConfig struct {
	Ip4address  string
	Ip4port     int
	SendTimeout int
}

// DataStoreConfig houses the delivery journal configuration.
type DataStoreConfig struct {
	JournalEnabled bool
	MongoUri       string
	MongoDb        string
	MongoColl      string
}

// EventsConfig houses the delivery event fan-out configuration.
type EventsConfig struct {
	RedisEnabled bool
	RedisHost    string
	RedisPort    int
	RedisChannel string
}

var (
	// Global goconfig object
	Config *config.Config

	// Parsed specific configs
	mailConfig      *MailConfig
	webConfig       *WebConfig
	dataStoreConfig *DataStoreConfig
	eventsConfig    *EventsConfig
)

// GetMailConfig returns a copy of the MailConfig object
func GetMailConfig() MailConfig {
	return *mailConfig
}

// GetWebConfig returns a copy of the WebConfig object
func GetWebConfig() WebConfig {
	return *webConfig
}

// GetDataStoreConfig returns a copy of the DataStoreConfig object
func GetDataStoreConfig() DataStoreConfig {
	return *dataStoreConfig
}

// GetEventsConfig returns a copy of the EventsConfig object
func GetEventsConfig() EventsConfig {
	return *eventsConfig
}

// LoadConfig loads the specified configuration file into mailer.Config
// and performs validations on it.
func LoadConfig(filename string) error {
	var err error
	Config, err = config.ReadDefault(filename)
	if err != nil {
		return err
	}

	messages := list.New()

	// Validate sections
	requireSection(messages, "logging")
	requireSection(messages, "mail")
	requireSection(messages, "web")
	if messages.Len() > 0 {
		fmt.Fprintln(os.Stderr, "Error(s) validating configuration:")
		for e := messages.Front(); e != nil; e = e.Next() {
			fmt.Fprintln(os.Stderr, " -", e.Value.(string))
		}
		return fmt.Errorf("Failed to validate configuration")
	}

	// Validate options
	requireOption(messages, "logging", "level")
	requireOption(messages, "mail", "hostname")
	requireOption(messages, "web", "ip4.address")
	requireOption(messages, "web", "ip4.port")

	// Return error if validations failed
	if messages.Len() > 0 {
		fmt.Fprintln(os.Stderr, "Error(s) validating configuration:")
		for e := messages.Front(); e != nil; e = e.Next() {
			fmt.Fprintln(os.Stderr, " -", e.Value.(string))
		}
		return fmt.Errorf("Failed to validate configuration")
	}

	if err = parseLoggingConfig(); err != nil {
		return err
	}

	if err = parseMailConfig(); err != nil {
		return err
	}

	if err = parseWebConfig(); err != nil {
		return err
	}

	if err = parseDataStoreConfig(); err != nil {
		return err
	}

	if err = parseEventsConfig(); err != nil {
		return err
	}

	return nil
}

// parseLoggingConfig trying to catch config errors early
func parseLoggingConfig() error {
	section := "logging"

	option := "level"
	str, err := Config.String(section, option)
	if err != nil {
		return fmt.Errorf("Failed to parse [%v]%v: '%v'", section, option, err)
	}
	switch strings.ToUpper(str) {
	case "TRACE", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("Invalid value provided for [%v]%v: '%v'", section, option, str)
	}
	return nil
}

// parseMailConfig trying to catch config errors early
func parseMailConfig() error {
	cfg := DefaultMailConfig()
	mailConfig = &cfg
	section := "mail"

	option := "hostname"
	str, err := Config.String(section, option)
	if err != nil {
		return fmt.Errorf("Failed to parse [%v]%v: '%v'", section, option, err)
	}
	mailConfig.Hostname = str

	option = "port"
	if Config.HasOption(section, option) {
		mailConfig.Port, err = Config.Int(section, option)
		if err != nil {
			return fmt.Errorf("Failed to parse [%v]%v: '%v'", section, option, err)
		}
	}

	option = "starttls"
	if Config.HasOption(section, option) {
		str, err = Config.String(section, option)
		if err != nil {
			return fmt.Errorf("Failed to parse [%v]%v: '%v'", section, option, err)
		}
		switch strings.ToUpper(str) {
		case "DISABLED":
			mailConfig.StartTLS = TLSDisabled
		case "OPTIONAL":
			mailConfig.StartTLS = TLSOptional
		case "REQUIRED":
			mailConfig.StartTLS = TLSRequired
		default:
			return fmt.Errorf("Invalid value provided for [%v]%v: '%v'", section, option, str)
		}
	}

	option = "login"
	if Config.HasOption(section, option) {
		str, err = Config.String(section, option)
		if err != nil {
			return fmt.Errorf("Failed to parse [%v]%v: '%v'", section, option, err)
		}
		switch strings.ToUpper(str) {
		case "DISABLED":
			mailConfig.Login = LoginDisabled
		case "NONE":
			mailConfig.Login = LoginNone
		case "REQUIRED":
			mailConfig.Login = LoginRequired
		default:
			return fmt.Errorf("Invalid value provided for [%v]%v: '%v'", section, option, str)
		}
	}

	option = "username"
	if Config.HasOption(section, option) {
		mailConfig.Username, _ = Config.String(section, option)
	}

	option = "password"
	if Config.HasOption(section, option) {
		mailConfig.Password, _ = Config.String(section, option)
	}

	option = "ssl"
	if Config.HasOption(section, option) {
		mailConfig.SSL, err = Config.Bool(section, option)
		if err != nil {
			return fmt.Errorf("Failed to parse [%v]%v: '%v'", section, option, err)
		}
	}

	option = "ehlo.hostname"
	if Config.HasOption(section, option) {
		mailConfig.EhloHostname, _ = Config.String(section, option)
	}

	option = "auth.methods"
	if Config.HasOption(section, option) {
		mailConfig.AuthMethods, _ = Config.String(section, option)
	}

	option = "keep.alive"
	if Config.HasOption(section, option) {
		mailConfig.KeepAlive, err = Config.Bool(section, option)
		if err != nil {
			return fmt.Errorf("Failed to parse [%v]%v: '%v'", section, option, err)
		}
	}

	option = "idle.timeout.seconds"
	if Config.HasOption(section, option) {
		mailConfig.IdleTimeout, err = Config.Int(section, option)
		if err != nil {
			return fmt.Errorf("Failed to parse [%v]%v: '%v'", section, option, err)
		}
	}

	option = "max.pool.size"
	if Config.HasOption(section, option) {
		mailConfig.MaxPoolSize, err = Config.Int(section, option)
		if err != nil {
			return fmt.Errorf("Failed to parse [%v]%v: '%v'", section, option, err)
		}
	}

	option = "trust.all"
	if Config.HasOption(section, option) {
		mailConfig.TrustAll, err = Config.Bool(section, option)
		if err != nil {
			return fmt.Errorf("Failed to parse [%v]%v: '%v'", section, option, err)
		}
	}

	option = "connect.timeout.seconds"
	if Config.HasOption(section, option) {
		mailConfig.ConnectTimeout, err = Config.Int(section, option)
		if err != nil {
			return fmt.Errorf("Failed to parse [%v]%v: '%v'", section, option, err)
		}
	}

	option = "command.timeout.seconds"
	if Config.HasOption(section, option) {
		mailConfig.CommandTimeout, err = Config.Int(section, option)
		if err != nil {
			return fmt.Errorf("Failed to parse [%v]%v: '%v'", section, option, err)
		}
	}

	return mailConfig.Validate()
}

// parseWebConfig trying to catch config errors early
func parseWebConfig() error {
	webConfig = new(WebConfig)
	section := "web"

	option := "ip4.address"
	str, err := Config.String(section, option)
	if err != nil {
		return fmt.Errorf("Failed to parse [%v]%v: '%v'", section, option, err)
	}
	webConfig.Ip4address = str

	option = "ip4.port"
	webConfig.Ip4port, err = Config.Int(section, option)
	if err != nil {
		return fmt.Errorf("Failed to parse [%v]%v: '%v'", section, option, err)
	}

	option = "send.timeout.seconds"
	webConfig.SendTimeout = 120
	if Config.HasOption(section, option) {
		webConfig.SendTimeout, err = Config.Int(section, option)
		if err != nil {
			return fmt.Errorf("Failed to parse [%v]%v: '%v'", section, option, err)
		}
	}

	return nil
}

// parseDataStoreConfig trying to catch config errors early
func parseDataStoreConfig() error {
	dataStoreConfig = new(DataStoreConfig)
	section := "datastore"

	if !Config.HasSection(section) {
		return nil
	}

	option := "journal"
	if Config.HasOption(section, option) {
		flag, err := Config.Bool(section, option)
		if err != nil {
			return fmt.Errorf("Failed to parse [%v]%v: '%v'", section, option, err)
		}
		dataStoreConfig.JournalEnabled = flag
	}

	if !dataStoreConfig.JournalEnabled {
		return nil
	}

	option = "mongo.uri"
	str, err := Config.String(section, option)
	if err != nil {
		return fmt.Errorf("Failed to parse [%v]%v: '%v'", section, option, err)
	}
	dataStoreConfig.MongoUri = str

	option = "mongo.db"
	dataStoreConfig.MongoDb = "mailer"
	if Config.HasOption(section, option) {
		dataStoreConfig.MongoDb, _ = Config.String(section, option)
	}

	option = "mongo.coll"
	dataStoreConfig.MongoColl = "Deliveries"
	if Config.HasOption(section, option) {
		dataStoreConfig.MongoColl, _ = Config.String(section, option)
	}

	return nil
}

// parseEventsConfig trying to catch config errors early
func parseEventsConfig() error {
	eventsConfig = new(EventsConfig)
	section := "events"

	if !Config.HasSection(section) {
		return nil
	}

	option := "redis.enabled"
	if Config.HasOption(section, option) {
		flag, err := Config.Bool(section, option)
		if err != nil {
			return fmt.Errorf("Failed to parse [%v]%v: '%v'", section, option, err)
		}
		eventsConfig.RedisEnabled = flag
	}

	if !eventsConfig.RedisEnabled {
		return nil
	}

	option = "redis.host"
	str, err := Config.String(section, option)
	if err != nil {
		return fmt.Errorf("Failed to parse [%v]%v: '%v'", section, option, err)
	}
	eventsConfig.RedisHost = str

	option = "redis.port"
	eventsConfig.RedisPort = 6379
	if Config.HasOption(section, option) {
		eventsConfig.RedisPort, err = Config.Int(section, option)
		if err != nil {
			return fmt.Errorf("Failed to parse [%v]%v: '%v'", section, option, err)
		}
	}

	option = "redis.channel"
	eventsConfig.RedisChannel = "mailer.deliveries"
	if Config.HasOption(section, option) {
		eventsConfig.RedisChannel, _ = Config.String(section, option)
	}

	return nil
}

func requireSection(messages *list.List, section string) {
	if !Config.HasSection(section) {
		messages.PushBack(fmt.Sprintf("Config section [%v] is required", section))
	}
}

func requireOption(messages *list.List, section string, option string) {
	if !Config.HasOption(section, option) {
		messages.PushBack(fmt.Sprintf("Config option '%v' is required in section [%v]", option, section))
	}
}
