// Package config loads the switchyard TOML configuration file.
//
// The file holds listener, dialer and log settings plus the named
// connectors that --upstream connector://<name> refers to. Command line
// flags that are set explicitly take precedence over file values; that
// merge happens in main.
package config

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/asaskevich/govalidator"
	"github.com/pkg/errors"

	"github.com/die-net/switchyard/internal/logging"
	"github.com/die-net/switchyard/internal/transport"
)

// Duration is a time.Duration written as a string such as "10s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", text)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type SOCKS struct {
	Listen        string   `toml:"listen"`
	Username      string   `toml:"username"`
	Password      string   `toml:"password"`
	AllowCIDRs    []string `toml:"allow_cidrs"`
	ProxyProtocol bool     `toml:"proxy_protocol"`
	DNSServer     string   `toml:"dns_server"`
	IdleTimeout   Duration `toml:"idle_timeout"`
}

type HTTP struct {
	Listen       string   `toml:"listen"`
	IdleTimeout  Duration `toml:"idle_timeout"`
	MaxIdleConns int      `toml:"max_idle_conns"`

	// TLSListen serves the same proxy to clients that speak TLS to it.
	// Without CertFile and KeyFile a self-signed certificate is generated.
	TLSListen string `toml:"tls_listen"`
	CertFile  string `toml:"cert_file"`
	KeyFile   string `toml:"key_file"`
}

type Dialer struct {
	Upstream           string   `toml:"upstream"`
	DialTimeout        Duration `toml:"dial_timeout"`
	NegotiationTimeout Duration `toml:"negotiation_timeout"`
	TCPKeepAlive       string   `toml:"tcp_keepalive"`
	Mark               int      `toml:"so_mark"`
	Interface          string   `toml:"bind_interface"`
}

// File is the decoded configuration file.
type File struct {
	DebugListen string                `toml:"debug_listen"`
	SOCKS       SOCKS                 `toml:"socks"`
	HTTP        HTTP                  `toml:"http"`
	Log         logging.Config        `toml:"log"`
	Dialer      Dialer                `toml:"dialer"`
	Connectors  []transport.Connector `toml:"connectors"`
}

// Load reads and validates the file at path. Certificate files named by
// connectors are read relative to the file's directory.
func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	f, err := Parse(string(b), filepath.Dir(path))
	if err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return f, nil
}

// Parse decodes and validates a configuration document. Relative
// certificate paths are resolved against baseDir.
func Parse(doc, baseDir string) (*File, error) {
	f := &File{}
	md, err := toml.Decode(doc, f)
	if err != nil {
		return nil, errors.Wrap(err, "decode")
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, errors.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}

	if err := f.validate(); err != nil {
		return nil, err
	}
	f.HTTP.CertFile = resolvePath(baseDir, f.HTTP.CertFile)
	f.HTTP.KeyFile = resolvePath(baseDir, f.HTTP.KeyFile)
	for i := range f.Connectors {
		if err := loadCertificate(&f.Connectors[i], baseDir); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Connector returns the connector called name.
func (f *File) Connector(name string) (*transport.Connector, error) {
	for i := range f.Connectors {
		if strings.EqualFold(f.Connectors[i].Name, name) {
			return &f.Connectors[i], nil
		}
	}
	return nil, errors.Errorf("unknown connector %q", name)
}

func (f *File) validate() error {
	for _, l := range []struct{ name, addr string }{
		{"debug_listen", f.DebugListen},
		{"socks.listen", f.SOCKS.Listen},
		{"http.listen", f.HTTP.Listen},
		{"http.tls_listen", f.HTTP.TLSListen},
	} {
		if l.addr == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(l.addr); err != nil {
			return errors.Wrapf(err, "%s", l.name)
		}
	}

	if (f.HTTP.CertFile == "") != (f.HTTP.KeyFile == "") {
		return errors.New("http.cert_file and http.key_file must be set together")
	}

	if f.SOCKS.Password != "" && f.SOCKS.Username == "" {
		return errors.New("socks.password set without socks.username")
	}
	if s := f.SOCKS.DNSServer; s != "" {
		host := s
		if h, _, err := net.SplitHostPort(s); err == nil {
			host = h
		}
		if !govalidator.IsHost(host) {
			return errors.Errorf("socks.dns_server: invalid host %q", s)
		}
	}
	if _, err := logging.ParseLevel(f.Log.Level); err != nil {
		return errors.Wrap(err, "log.level")
	}

	seen := make(map[string]bool)
	for i := range f.Connectors {
		c := &f.Connectors[i]
		if c.Name == "" {
			return errors.Errorf("connectors[%d]: missing name", i)
		}
		key := strings.ToLower(c.Name)
		if seen[key] {
			return errors.Errorf("connector %q defined twice", c.Name)
		}
		seen[key] = true

		if _, err := transport.LookupKind(c.Kind); err != nil {
			return errors.Wrapf(err, "connector %q", c.Name)
		}
		if c.Hostname != "" && !govalidator.IsHost(c.Hostname) {
			return errors.Errorf("connector %q: invalid hostname %q", c.Name, c.Hostname)
		}
		if c.Port < 0 || c.Port > 65535 {
			return errors.Errorf("connector %q: invalid port %d", c.Name, c.Port)
		}
	}
	return nil
}

func loadCertificate(c *transport.Connector, baseDir string) error {
	if c.CertificateFile == "" && c.KeyFile == "" && c.CAFile == "" {
		return nil
	}
	if c.CertificateFile == "" || c.KeyFile == "" {
		return errors.Errorf("connector %q: certificate_file and key_file must be set together", c.Name)
	}

	read := func(field, name string) (string, error) {
		if name == "" {
			return "", nil
		}
		b, err := os.ReadFile(resolvePath(baseDir, name))
		if err != nil {
			return "", errors.Wrapf(err, "connector %q %s", c.Name, field)
		}
		return string(b), nil
	}

	var cert transport.Certificate
	var err error
	if cert.Cert, err = read("certificate_file", c.CertificateFile); err != nil {
		return err
	}
	if cert.Key, err = read("key_file", c.KeyFile); err != nil {
		return err
	}
	if cert.CA, err = read("ca_file", c.CAFile); err != nil {
		return err
	}
	c.Certificate = &cert
	return nil
}

// resolvePath makes a relative file name relative to baseDir.
func resolvePath(baseDir, name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(baseDir, name)
}
