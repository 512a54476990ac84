package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"

	"github.com/minilink-dev/minilink/internal/runtimex"
	"gopkg.in/yaml.v2"
)

// ErrBadConfigFile indicates the configuration file cannot be parsed.
var ErrBadConfigFile = errors.New("minilink: cannot parse config file")

// FileOptions mirrors the YAML configuration file layout. Fields the
// file does not mention keep the values set by other options.
type FileOptions struct {
	// Backend is one of "dtls", "relay" and "punch".
	Backend string `yaml:"backend"`

	// Certificate and Key are PEM files for the DTLS backend.
	Certificate string `yaml:"certificate"`
	Key         string `yaml:"key"`

	// Insecure disables certificate verification when dialing.
	Insecure bool `yaml:"insecure"`

	// Lobby is the rendezvous lobby for the WebRTC backends.
	Lobby string `yaml:"lobby"`

	// MOTD is the message sent to accepted clients.
	MOTD string `yaml:"motd"`

	// Name is the display name announced during the handshake.
	Name string `yaml:"name"`

	// Rendezvous is the signaling server URL.
	Rendezvous string `yaml:"rendezvous"`

	// Server is the host:port for the DTLS backend.
	Server string `yaml:"server"`

	// ServerName is the expected certificate name.
	ServerName string `yaml:"server_name"`

	// Storage is the sqlite database path for the serving side.
	Storage string `yaml:"storage"`

	// STUNServers are the STUN urls for the punch backend.
	STUNServers []string `yaml:"stun_servers"`

	// Token is the stable identity token.
	Token string `yaml:"token"`

	// TURNServers and credentials for the relay backend.
	TURNServers  []string `yaml:"turn_servers"`
	TURNUsername string   `yaml:"turn_username"`
	TURNPassword string   `yaml:"turn_password"`
}

// ReadConfigFile parses the given YAML configuration file.
func ReadConfigFile(path string) (*FileOptions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fileOpts := &FileOptions{}
	if err := yaml.Unmarshal(data, fileOpts); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadConfigFile, err)
	}
	return fileOpts, nil
}

// apply merges the file options into the config.
func (fo *FileOptions) apply(config *Config) error {
	if fo.Backend != "" {
		config.backend = Backend(fo.Backend)
	}
	if fo.Certificate != "" && fo.Key != "" {
		cert, err := tls.LoadX509KeyPair(fo.Certificate, fo.Key)
		if err != nil {
			return err
		}
		config.certificates = append(config.certificates, cert)
	}
	if fo.Insecure {
		config.insecureSkipVerify = true
	}
	if fo.Lobby != "" {
		config.lobby = fo.Lobby
	}
	if fo.MOTD != "" {
		config.motd = fo.MOTD
	}
	if fo.Name != "" {
		config.name = fo.Name
	}
	if fo.Rendezvous != "" {
		config.rendezvousURL = fo.Rendezvous
	}
	if fo.Server != "" {
		config.serverAddress = fo.Server
	}
	if fo.ServerName != "" {
		config.serverName = fo.ServerName
	}
	if fo.Storage != "" {
		config.storagePath = fo.Storage
	}
	if len(fo.STUNServers) > 0 {
		config.stunServers = fo.STUNServers
	}
	if fo.Token != "" {
		config.token = fo.Token
	}
	if len(fo.TURNServers) > 0 {
		config.turnServers = fo.TURNServers
	}
	if fo.TURNUsername != "" {
		config.turnUsername = fo.TURNUsername
	}
	if fo.TURNPassword != "" {
		config.turnPassword = fo.TURNPassword
	}
	return nil
}

// WithConfigFile applies options parsed from the given YAML file.
func WithConfigFile(configPath string) Option {
	return func(config *Config) {
		fileOpts, err := ReadConfigFile(configPath)
		runtimex.PanicOnError(err, "cannot parse config file")
		runtimex.PanicOnError(fileOpts.apply(config), "cannot apply config file")
	}
}
