package core

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config contains all of the configuration options available to the server.
type Config struct {
	// Hostname or IP address on which the server will listen for datagrams.
	Hostname string `mapstructure:"hostname"`
	// UDP port for client traffic.
	Port int `mapstructure:"port"`
	// Game identifier clients must present in the challenge handshake.
	GameName string `mapstructure:"game_name"`
	// Wire protocol version required of connecting clients.
	Protocol int `mapstructure:"protocol"`
	// Optional older protocol version still admitted (0 disables).
	LegacyProtocol int `mapstructure:"legacy_protocol"`
	// Full path to file to which logs will be written. Blank will write to stdout.
	LogFilePath string `mapstructure:"log_file_path"`
	// Minimum level of a log required to be written. Options: debug, info, warn, error
	LogLevel string `mapstructure:"log_level"`

	Server struct {
		// Total client slots, including private ones.
		MaxClients int `mapstructure:"max_clients"`
		// Leading slots reserved for clients that present the private password.
		PrivateClients  int    `mapstructure:"private_clients"`
		PrivatePassword string `mapstructure:"private_password"`
		// Seconds a client must wait before reconnecting from the same address.
		ReconnectLimit int `mapstructure:"reconnect_limit"`
		// Maximum concurrent sessions admitted per IP (0 = unlimited).
		ClientsPerIP int `mapstructure:"clients_per_ip"`
		// Admission ping window in milliseconds (0 disables either bound).
		MinPing int `mapstructure:"min_ping"`
		MaxPing int `mapstructure:"max_ping"`
		// Reliable commands allowed per flood window before forwarding is
		// suppressed (0 disables flood protection).
		FloodProtect int `mapstructure:"flood_protect"`
		// Force maximum rate for clients on the local network.
		LANForceRate bool `mapstructure:"lan_force_rate"`
		// Snapshot frames per second offered to clients.
		FPS int `mapstructure:"fps"`
	} `mapstructure:"server"`

	Pure struct {
		// Require content checksum attestation before a session goes active.
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"pure"`

	Voip struct {
		// Relay voice packets between capable clients.
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"voip"`

	Chat struct {
		// Bounds for the chat/radio amplification guard. The dollar weights
		// encode a historical substitution-expansion exploit; they are
		// configuration, not law.
		MaxSayLength    int `mapstructure:"max_say_length"`
		MaxRadioLength  int `mapstructure:"max_radio_length"`
		MaxDollarVars   int `mapstructure:"max_dollar_vars"`
		DollarVarWeight int `mapstructure:"dollar_var_weight"`
	} `mapstructure:"chat"`

	Demo struct {
		// Start a server-side demo for every client that goes active.
		AutoRecord bool `mapstructure:"auto_record"`
	} `mapstructure:"demo"`

	Database struct {
		// Only sqlite is supported; Filename is the database file, or
		// ":memory:" for an ephemeral table.
		Engine   string `mapstructure:"engine"`
		Filename string `mapstructure:"filename"`
	} `mapstructure:"database"`

	Debugging struct {
		// Log every inbound packet at debug level.
		PacketLoggingEnabled bool `mapstructure:"packet_logging_enabled"`
		// Enable database-level query logging.
		DatabaseLoggingEnabled bool `mapstructure:"database_logging_enabled"`
	} `mapstructure:"debugging"`
}

const envVarPrefix = "ARENA"

func setDefaults() {
	viper.SetDefault("game_name", "arena")
	viper.SetDefault("protocol", 71)
	viper.SetDefault("server.max_clients", 32)
	viper.SetDefault("server.reconnect_limit", 3)
	viper.SetDefault("server.flood_protect", 8)
	viper.SetDefault("server.fps", 20)
	viper.SetDefault("chat.max_say_length", 150)
	viper.SetDefault("chat.max_radio_length", 18)
	viper.SetDefault("chat.max_dollar_vars", 4)
	viper.SetDefault("chat.dollar_var_weight", 150)
	viper.SetDefault("database.engine", "sqlite")
	viper.SetDefault("database.filename", "arena.db")
	viper.SetDefault("log_level", "info")
}

// LoadConfig initializes Viper with the contents of the config file under configPath.
func LoadConfig(configPath string) *Config {
	viper.AddConfigPath(configPath)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix(envVarPrefix)
	viper.AutomaticEnv()
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if errors.Is(err, viper.ConfigFileNotFoundError{}) {
			fmt.Printf("error reading config file: no config file in path %s", configPath)
		} else {
			fmt.Printf("error reading config file: %v", err)
		}
		os.Exit(1)
	}

	// This allows us to set nested yaml config options through environment
	// variables. For example, server.max_clients can be set using:
	// <envVarPrefix>_SERVER_MAX_CLIENTS
	for _, k := range viper.AllKeys() {
		envVar := strings.ReplaceAll(strings.ToUpper(k), ".", "_")
		if err := viper.BindEnv(k, envVarPrefix+"_"+envVar); err != nil {
			fmt.Printf("error binding %s to %s", k, envVarPrefix+"_"+envVar)
			os.Exit(1)
		}
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		fmt.Printf("error unmarshaling config object: %v", err)
		os.Exit(1)
	}
	return config
}

// ListenAddress returns the UDP address the frontend should bind.
func (c *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.Hostname, c.Port)
}
