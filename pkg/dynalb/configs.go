package dynalb

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"os"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// Config represents the load balancer configuration values.
// It is treated as immutable after construction.
type Config struct {
	SeedNodes          []string   `json:"SeedNodes" yaml:"SeedNodes"`
	Port               int        `json:"Port" yaml:"Port"`
	Scheme             string     `json:"Scheme" yaml:"Scheme"` // http or https
	Datacenter         string     `json:"Datacenter,omitempty" yaml:"Datacenter,omitempty"`
	Rack               string     `json:"Rack,omitempty" yaml:"Rack,omitempty"`
	RefreshInterval    uint32     `json:"RefreshInterval" yaml:"RefreshInterval"`       // seconds, 0 means manual refresh only
	ConnectionTimeout  uint32     `json:"ConnectionTimeout" yaml:"ConnectionTimeout"`   // seconds
	MaxPoolConnections uint64     `json:"MaxPoolConnections" yaml:"MaxPoolConnections"` // client-facing connection ceiling
	TLSConfig          *TLSConfig `json:"TLSConfig,omitempty" yaml:"TLSConfig,omitempty"`
}

// TLSConfig represents settings for connecting to HTTPS nodes.
type TLSConfig struct {
	EnableTLS          bool   `json:"EnableTLS" yaml:"EnableTLS"`
	RootCALocation     string `json:"RootCALocation,omitempty" yaml:"RootCALocation,omitempty"`
	CertServerName     string `json:"CertServerName,omitempty" yaml:"CertServerName,omitempty"`
	InsecureSkipVerify bool   `json:"InsecureSkipVerify,omitempty" yaml:"InsecureSkipVerify,omitempty"`
}

const (
	// SchemeHTTP routes requests over plaintext connections.
	SchemeHTTP = "http"

	// SchemeHTTPS routes requests over TLS connections.
	SchemeHTTPS = "https"

	defaultPort               = 8000
	defaultConnectionTimeout  = 5
	defaultMaxPoolConnections = 10
)

// ConvertJSONFileToConfig opens a file.json and converts it to a Config.
func ConvertJSONFileToConfig(fileNamePath string) (*Config, error) {

	byteValue, err := os.ReadFile(fileNamePath)
	if err != nil {
		return nil, err
	}

	config := &Config{}
	var json = jsoniter.ConfigFastest
	err = json.Unmarshal(byteValue, config)
	if err != nil {
		return nil, err
	}

	return config, nil
}

// validate fills defaults and rejects configurations the balancer can't start from.
func (cfg *Config) validate() error {

	if len(cfg.SeedNodes) == 0 {
		return errors.New("config seednodes can't be empty")
	}

	switch cfg.Scheme {
	case "":
		cfg.Scheme = SchemeHTTP
	case SchemeHTTP, SchemeHTTPS:
	default:
		return errors.New("config scheme must be http or https")
	}

	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.ConnectionTimeout == 0 {
		cfg.ConnectionTimeout = defaultConnectionTimeout
	}
	if cfg.MaxPoolConnections == 0 {
		cfg.MaxPoolConnections = defaultMaxPoolConnections
	}

	return nil
}

func (cfg *Config) connectionTimeout() time.Duration {
	return time.Duration(cfg.ConnectionTimeout) * time.Second
}

func (cfg *Config) refreshInterval() time.Duration {
	return time.Duration(cfg.RefreshInterval) * time.Second
}

// normalizeAddress appends the configured port to addresses that carry none.
func (cfg *Config) normalizeAddress(address string) string {

	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}

	return net.JoinHostPort(address, strconv.Itoa(cfg.Port))
}

// buildTLSConfig assembles the tls.Config used for HTTPS node connections.
func (cfg *Config) buildTLSConfig() (*tls.Config, error) {

	if cfg.Scheme != SchemeHTTPS {
		return nil, nil
	}

	tlsConfig := &tls.Config{}
	if cfg.TLSConfig == nil {
		return tlsConfig, nil
	}

	tlsConfig.ServerName = cfg.TLSConfig.CertServerName
	tlsConfig.InsecureSkipVerify = cfg.TLSConfig.InsecureSkipVerify

	if cfg.TLSConfig.RootCALocation != "" {
		pem, err := os.ReadFile(cfg.TLSConfig.RootCALocation)
		if err != nil {
			return nil, err
		}

		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("unable to parse root CA certificates")
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}
