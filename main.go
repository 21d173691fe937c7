package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/switchyard/internal/config"
	"github.com/die-net/switchyard/internal/dialer"
	"github.com/die-net/switchyard/internal/logging"
	"github.com/die-net/switchyard/internal/proxy"
	"github.com/die-net/switchyard/internal/resolver"
	"github.com/die-net/switchyard/internal/sockets"
	"github.com/die-net/switchyard/internal/socks"
	"github.com/die-net/switchyard/internal/transport"
)

const connectorScheme = "connector://"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type options struct {
	httpListen  string
	httpsListen string
	socksListen string
	debugListen string
	upstream    string
	configPath  string
	fingerprint string

	socksUsername string
	socksPassword string
	dnsServer     string
	allowCIDRs    []string
	proxyProtocol bool

	dialTimeout        time.Duration
	negotiationTimeout time.Duration
	idleTimeout        time.Duration
	httpIdleTimeout    time.Duration
	httpMaxIdleConns   int
	tcpKeepAlive       string
	soMark             int
	bindInterface      string

	httpsCertFile string
	httpsKeyFile  string

	logLevel string
	logFile  string
	verbose  bool
}

func newFlagSet(o *options) *pflag.FlagSet {
	fs := pflag.NewFlagSet("switchyard", pflag.ContinueOnError)
	fs.SortFlags = false

	fs.StringVar(&o.httpListen, "http-listen", "", "HTTP proxy listen address (e.g. 127.0.0.1:8080). Empty disables.")
	fs.StringVar(&o.httpsListen, "https-listen", "", "HTTP proxy over TLS listen address (e.g. 127.0.0.1:8443). Empty disables.")
	fs.StringVar(&o.socksListen, "socks-listen", "", "SOCKS4/4a/5 proxy listen address (e.g. 127.0.0.1:1080). Empty disables.")
	fs.StringVar(&o.debugListen, "debug-listen", "", "Debug HTTP listen address exposing /debug/pprof and /metrics (e.g. 127.0.0.1:6060). Empty disables.")
	fs.StringVar(&o.upstream, "upstream", defaultUpstream(), "Upstream forwarding target URL: direct:// | http://[user:pass@]host:port | https://[user:pass@]host:port | socks4://[userid@]host:port | socks4a://[userid@]host:port | socks5://[user:pass@]host:port | connector://<name>")
	fs.StringVar(&o.configPath, "config", "", "TOML configuration file. Flags set on the command line override it.")
	fs.StringVar(&o.fingerprint, "fingerprint-url", "", "With a connector:// upstream, fetch this URL through it at startup and log the egress fingerprint")

	fs.StringVar(&o.socksUsername, "socks-username", "", "Require this SOCKS5 username")
	fs.StringVar(&o.socksPassword, "socks-password", "", "Require this SOCKS5 password")
	fs.StringVar(&o.dnsServer, "dns-server", "", "DNS server (host[:port]) for SOCKS4a lookups. Empty uses the system resolver.")
	fs.StringSliceVar(&o.allowCIDRs, "allow-cidr", nil, "Client networks allowed to connect (repeatable). Empty allows all.")
	fs.BoolVar(&o.proxyProtocol, "proxy-protocol", false, "Require a PROXY protocol header on accepted connections")

	fs.DurationVar(&o.dialTimeout, "dial-timeout", 10*time.Second, "Timeout for outbound DNS lookup and TCP connect")
	fs.DurationVar(&o.negotiationTimeout, "negotiation-timeout", 10*time.Second, "Timeout for protocol negotiation to set up connection")
	fs.DurationVar(&o.idleTimeout, "idle-timeout", 0, "Close relayed connections idle this long. 0 disables.")
	fs.DurationVar(&o.httpIdleTimeout, "http-idle-timeout", 4*time.Minute, "Timeout for idle HTTP proxy connections")
	fs.IntVar(&o.httpMaxIdleConns, "http-max-idle-conns", 100, "Maximum number of idle HTTP proxy connections")
	fs.StringVar(&o.httpsCertFile, "https-cert-file", "", "PEM certificate for --https-listen. Empty generates a self-signed one.")
	fs.StringVar(&o.httpsKeyFile, "https-key-file", "", "PEM key for --https-cert-file")
	fs.StringVar(&o.tcpKeepAlive, "tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
	fs.IntVar(&o.soMark, "so-mark", 0, "SO_MARK for outbound sockets (Linux only). 0 disables.")
	fs.StringVar(&o.bindInterface, "bind-interface", "", "Bind outbound sockets to this network interface (Linux only)")

	fs.StringVar(&o.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&o.logFile, "log-file", "", "Write logs to this file with rotation instead of stderr")
	fs.BoolVar(&o.verbose, "verbose", false, "Enable per-connection error logging")

	if !dialer.SockoptsSupported {
		_ = fs.MarkHidden("so-mark")
		_ = fs.MarkHidden("bind-interface")
	}

	return fs
}

// applyFile fills every option not set on the command line from f.
func (o *options) applyFile(fs *pflag.FlagSet, f *config.File) {
	str := func(name string, dst *string, v string) {
		if v != "" && !fs.Changed(name) {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration, v config.Duration) {
		if v.Duration != 0 && !fs.Changed(name) {
			*dst = v.Duration
		}
	}
	num := func(name string, dst *int, v int) {
		if v != 0 && !fs.Changed(name) {
			*dst = v
		}
	}

	str("http-listen", &o.httpListen, f.HTTP.Listen)
	str("https-listen", &o.httpsListen, f.HTTP.TLSListen)
	str("https-cert-file", &o.httpsCertFile, f.HTTP.CertFile)
	str("https-key-file", &o.httpsKeyFile, f.HTTP.KeyFile)
	str("socks-listen", &o.socksListen, f.SOCKS.Listen)
	str("debug-listen", &o.debugListen, f.DebugListen)
	str("upstream", &o.upstream, f.Dialer.Upstream)

	str("socks-username", &o.socksUsername, f.SOCKS.Username)
	str("socks-password", &o.socksPassword, f.SOCKS.Password)
	str("dns-server", &o.dnsServer, f.SOCKS.DNSServer)
	if len(f.SOCKS.AllowCIDRs) > 0 && !fs.Changed("allow-cidr") {
		o.allowCIDRs = f.SOCKS.AllowCIDRs
	}
	if f.SOCKS.ProxyProtocol && !fs.Changed("proxy-protocol") {
		o.proxyProtocol = true
	}

	dur("dial-timeout", &o.dialTimeout, f.Dialer.DialTimeout)
	dur("negotiation-timeout", &o.negotiationTimeout, f.Dialer.NegotiationTimeout)
	dur("idle-timeout", &o.idleTimeout, f.SOCKS.IdleTimeout)
	dur("http-idle-timeout", &o.httpIdleTimeout, f.HTTP.IdleTimeout)
	num("http-max-idle-conns", &o.httpMaxIdleConns, f.HTTP.MaxIdleConns)
	str("tcp-keepalive", &o.tcpKeepAlive, f.Dialer.TCPKeepAlive)
	num("so-mark", &o.soMark, f.Dialer.Mark)
	str("bind-interface", &o.bindInterface, f.Dialer.Interface)

	str("log-level", &o.logLevel, f.Log.Level)
	str("log-file", &o.logFile, f.Log.File)
}

func run(args []string) error {
	var o options
	fs := newFlagSet(&o)
	if err := fs.Parse(args); err != nil {
		return err
	}

	var file *config.File
	if o.configPath != "" {
		var err error
		file, err = config.Load(o.configPath)
		if err != nil {
			return err
		}
		o.applyFile(fs, file)
	}

	ka, err := parseTCPKeepAlive(o.tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	if o.httpListen == "" && o.httpsListen == "" && o.socksListen == "" {
		return errors.New("no listeners enabled (set at least one of --http-listen, --https-listen, --socks-listen)")
	}
	if (o.httpsCertFile == "") != (o.httpsKeyFile == "") {
		return errors.New("--https-cert-file and --https-key-file must be set together")
	}
	if o.socksPassword != "" && o.socksUsername == "" {
		return errors.New("--socks-password requires --socks-username")
	}

	logCfg := logging.Config{Level: o.logLevel, File: o.logFile}
	if file != nil {
		logCfg.MaxSizeMB = file.Log.MaxSizeMB
		logCfg.MaxBackups = file.Log.MaxBackups
		logCfg.MaxAgeDays = file.Log.MaxAgeDays
		logCfg.Compress = file.Log.Compress
	}
	log, _, logCloser, err := logging.New(logCfg)
	if err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	defer func() {
		_ = log.Sync()
		_ = logCloser.Close()
	}()

	allow, err := proxy.ParseAllowList(o.allowCIDRs)
	if err != nil {
		return fmt.Errorf("invalid --allow-cidr: %w", err)
	}

	reg := sockets.NewRegistry()

	cfg := proxy.Config{
		NegotiationTimeout: o.negotiationTimeout,
		IdleTimeout:        o.idleTimeout,
		HTTPIdleTimeout:    o.httpIdleTimeout,
		HTTPMaxIdleConns:   o.httpMaxIdleConns,
		KeepAlive:          ka,
		ProxyProtocol:      o.proxyProtocol,
		Registry:           reg,
		Auth:               socks.Auth{Username: o.socksUsername, Password: o.socksPassword},
		Allow:              allow,
		Logger:             log,
		Verbose:            o.verbose,
	}
	if o.dnsServer != "" {
		cfg.Resolver = resolver.DNS{Server: o.dnsServer, Timeout: o.dialTimeout}
	}

	dialCfg := dialer.Config{
		DialTimeout:        o.dialTimeout,
		NegotiationTimeout: o.negotiationTimeout,
		KeepAlive:          ka,
		Mark:               o.soMark,
		Interface:          o.bindInterface,
		Registry:           reg,
	}

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	up, err := newUpstream(ctx, o, file, dialCfg, log)
	if err != nil {
		return fmt.Errorf("invalid --upstream: %w", err)
	}
	cfg.Dialer, cfg.Forward = up.dialer, up.forward

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(
		reg,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if o.httpListen != "" {
		ln, err := proxy.Listen(cfg, o.httpListen)
		if err != nil {
			return fmt.Errorf("http listen: %w", err)
		}
		srv := proxy.NewHTTPProxyServer(ctx, cfg)
		metrics.MustRegister(srv)
		context.AfterFunc(ctx, func() {
			_ = srv.Close()
			_ = ln.Close()
		})

		g.Go(func() error {
			if err := srv.Serve(ln); err != nil {
				return fmt.Errorf("http proxy serve: %w", err)
			}
			return nil
		})
		log.Info("http proxy listening", zap.String("addr", ln.Addr().String()))
	}

	if o.httpsListen != "" {
		cert, err := ingressCertificate(o, log)
		if err != nil {
			return err
		}
		ln, err := proxy.Listen(cfg, o.httpsListen)
		if err != nil {
			return fmt.Errorf("https listen: %w", err)
		}
		srv := proxy.NewHTTPSProxyServer(ctx, cfg, cert)
		metrics.MustRegister(srv)
		context.AfterFunc(ctx, func() {
			_ = srv.Close()
			_ = ln.Close()
		})

		g.Go(func() error {
			if err := srv.Serve(ln); err != nil {
				return fmt.Errorf("https proxy serve: %w", err)
			}
			return nil
		})
		log.Info("https proxy listening", zap.String("addr", ln.Addr().String()))
	}

	if o.socksListen != "" {
		srv := proxy.NewSOCKSServer(ctx, cfg, socksHooks(log, o.verbose))
		port, err := srv.Listen(o.socksListen)
		if err != nil {
			return err
		}
		metrics.MustRegister(srv)
		context.AfterFunc(ctx, func() {
			_ = srv.Close()
		})

		g.Go(func() error {
			if err := srv.Serve(); err != nil {
				return fmt.Errorf("socks serve: %w", err)
			}
			return nil
		})
		log.Info("socks proxy listening", zap.String("addr", o.socksListen), zap.Int("port", port))
	}

	if o.debugListen != "" {
		http.Handle("/metrics", promhttp.HandlerFor(metrics, promhttp.HandlerOpts{}))

		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: cfg.KeepAlive}
		debugLn, err := lc.Listen(ctx, "tcp", o.debugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		log.Info("debug listening", zap.String("addr", o.debugListen))
	}

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	log.Info("shutting down", zap.Stringer("sockets", reg))
	reg.CloseAll()
	return err
}

// upstream is where both ingresses send traffic. forward is set only for
// connectors, whose plain HTTP requests go through the transport engine.
type upstream struct {
	dialer  dialer.Dialer
	forward http.RoundTripper
}

// newUpstream builds the outbound dialer. connector://<name> routes through
// the named connector of the config file, with one session for the life of
// the process.
func newUpstream(ctx context.Context, o options, file *config.File, dialCfg dialer.Config, log *zap.Logger) (upstream, error) {
	if len(o.upstream) < len(connectorScheme) || !strings.EqualFold(o.upstream[:len(connectorScheme)], connectorScheme) {
		d, err := dialer.New(dialCfg, o.upstream)
		return upstream{dialer: d}, err
	}

	name := o.upstream[len(connectorScheme):]
	if file == nil {
		return upstream{}, fmt.Errorf("connector %q needs --config", name)
	}
	c, err := file.Connector(name)
	if err != nil {
		return upstream{}, err
	}

	tr, err := transport.NewForKind(c.Kind, transport.Config{Dialer: dialCfg, Logger: log})
	if err != nil {
		return upstream{}, err
	}
	session := uuid.NewString()
	d, err := tr.CompleteProxyConfig(ctx, c, session)
	if err != nil {
		return upstream{}, err
	}

	log.Info("upstream connector",
		zap.String("connector", c.Name),
		zap.String("kind", tr.Kind()),
		zap.String("proxy", d.Address.String()),
		zap.String("session", session),
	)

	timeout := o.dialTimeout + o.negotiationTimeout
	if o.fingerprint != "" {
		checkFingerprint(ctx, tr, d, o.fingerprint, timeout, log)
	}
	return upstream{
		dialer:  tr.Dialer(d, timeout),
		forward: tr.RoundTripper(d, timeout),
	}, nil
}

// checkFingerprint logs what the connector looks like from outside. A
// failed check is logged and does not stop startup.
func checkFingerprint(ctx context.Context, tr *transport.Transport, d *transport.ProxyDescriptor, rawURL string, timeout time.Duration, log *zap.Logger) {
	fp, err := tr.Fingerprint(ctx, d, rawURL, timeout)
	if err != nil {
		log.Warn("fingerprint check failed", zap.String("url", rawURL), zap.Error(err))
		return
	}
	log.Info("upstream fingerprint",
		zap.String("ip", fp.IP),
		zap.String("country", fp.CountryCode),
		zap.String("city", fp.CityName),
		zap.String("asn", fp.ASNName),
	)
}

// ingressCertificate loads the HTTPS ingress certificate, or generates a
// self-signed one for the listen host.
func ingressCertificate(o options, log *zap.Logger) (tls.Certificate, error) {
	if o.httpsCertFile != "" {
		cert, err := tls.LoadX509KeyPair(o.httpsCertFile, o.httpsKeyFile)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("https certificate: %w", err)
		}
		return cert, nil
	}

	hosts := []string{"localhost"}
	if host, _, err := net.SplitHostPort(o.httpsListen); err == nil && host != "" {
		hosts = append(hosts, host)
	}
	cert, err := proxy.SelfSignedCertificate(hosts...)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("https certificate: %w", err)
	}
	log.Warn("https proxy uses a generated self-signed certificate", zap.Strings("hosts", hosts))
	return cert, nil
}

func socksHooks(log *zap.Logger, verbose bool) proxy.Hooks {
	if !verbose {
		return proxy.Hooks{}
	}
	return proxy.Hooks{
		OnConnect: func(st proxy.ConnState, target string) {
			log.Debug("socks connect",
				zap.Stringer("id", st.ID),
				zap.String("version", st.Version),
				zap.String("target", target),
			)
		},
		OnClose: func(st proxy.ConnState) {
			log.Debug("socks close", zap.Stringer("id", st.ID), zap.String("target", st.Target))
		},
	}
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := parsePositiveInt(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}

func defaultUpstream() string {
	if p := os.Getenv("ALL_PROXY"); p != "" {
		return p
	}

	if p := os.Getenv("all_proxy"); p != "" {
		return p
	}

	return "direct://"
}
