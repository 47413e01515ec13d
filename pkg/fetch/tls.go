package fetch

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/fetchpipe/pkg/config"
)

// TLSOptions selects the client TLS behavior.
type TLSOptions struct {
	Method         string // "TLS" negotiates the highest shared version; "TLSv1.x" pins it
	VerifyPeer     bool
	Ciphers        string // ':'-separated suite names, "" or "DEFAULT" for the library list
	CheckHostname  bool
	UseSystemRoots bool
}

var tlsVersions = map[string]uint16{
	"TLSv1.0": tls.VersionTLS10,
	"TLSv1.1": tls.VersionTLS11,
	"TLSv1.2": tls.VersionTLS12,
	"TLSv1.3": tls.VersionTLS13,
}

// BuildTLSConfig turns opts into a client tls.Config. Problems with the
// method or cipher string are logged and the library defaults are used.
func BuildTLSConfig(opts TLSOptions, log *logrus.Entry) *tls.Config {
	cfg := &tls.Config{
		// Best-effort compatibility with servers that still renegotiate
		Renegotiation: tls.RenegotiateFreelyAsClient,
	}

	switch v, ok := tlsVersions[opts.Method]; {
	case ok:
		cfg.MinVersion = v
		cfg.MaxVersion = v
	case opts.Method == "" || opts.Method == config.DefaultTLSMethod:
		// Library defaults for both bounds
	default:
		log.Warnf("Unknown TLS method '%s', falling back to '%s'", opts.Method, config.DefaultTLSMethod)
	}

	suites, err := parseCipherSuites(opts.Ciphers)
	if err != nil {
		log.Warnf("Failed to apply TLS ciphers '%s': %v; using the default cipher list", opts.Ciphers, err)
	} else {
		cfg.CipherSuites = suites
	}

	if opts.UseSystemRoots {
		pool, err := x509.SystemCertPool()
		if err != nil {
			log.Warnf("Failed to load system root certificates: %v", err)
		} else {
			cfg.RootCAs = pool
		}
	}

	switch {
	case !opts.VerifyPeer:
		cfg.InsecureSkipVerify = true
	case !opts.CheckHostname:
		// Go ties hostname checks to chain verification, so do the chain by hand.
		cfg.InsecureSkipVerify = true
		roots := cfg.RootCAs
		cfg.VerifyConnection = func(cs tls.ConnectionState) error {
			return verifyChain(cs, roots)
		}
	}
	return cfg
}

func verifyChain(cs tls.ConnectionState, roots *x509.CertPool) error {
	if len(cs.PeerCertificates) == 0 {
		return errors.New("tls: server presented no certificates")
	}
	intermediates := x509.NewCertPool()
	for _, c := range cs.PeerCertificates[1:] {
		intermediates.AddCert(c)
	}
	_, err := cs.PeerCertificates[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
	})
	return err
}

// parseCipherSuites resolves an OpenSSL-style list into suite IDs. A nil
// result with nil error means "use the library defaults".
func parseCipherSuites(list string) ([]uint16, error) {
	list = strings.TrimSpace(list)
	if list == "" || strings.EqualFold(list, config.DefaultTLSCiphers) {
		return nil, nil
	}
	known := make(map[string]uint16)
	for _, s := range tls.CipherSuites() {
		known[s.Name] = s.ID
	}
	for _, s := range tls.InsecureCipherSuites() {
		known[s.Name] = s.ID
	}

	var ids []uint16
	for _, name := range strings.FieldsFunc(list, func(r rune) bool { return r == ':' || r == ',' }) {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		id, ok := known[name]
		if !ok {
			return nil, errors.New("unknown cipher suite '" + name + "'")
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, errors.New("no cipher suites listed")
	}
	return ids, nil
}

// ContextFactory produces the TLS client configuration for a destination host.
type ContextFactory interface {
	TLSConfig(host string) *tls.Config
}

// ClientContextFactory is the default, non-verifying client context.
type ClientContextFactory struct {
	base *tls.Config
}

// NewClientContextFactory builds the base config once from opts.
func NewClientContextFactory(opts TLSOptions, log *logrus.Entry) *ClientContextFactory {
	return &ClientContextFactory{base: BuildTLSConfig(opts, log)}
}

// TLSConfig returns a copy of the base config with ServerName set to host.
func (f *ClientContextFactory) TLSConfig(host string) *tls.Config {
	c := f.base.Clone()
	if host != "" {
		c.ServerName = host
	}
	return c
}

// BrowserLikeContextFactory verifies peers against the system trust store,
// hostname included, the way a browser would.
type BrowserLikeContextFactory struct {
	ClientContextFactory
}

func NewBrowserLikeContextFactory(method, ciphers string, log *logrus.Entry) *BrowserLikeContextFactory {
	opts := TLSOptions{
		Method:         method,
		Ciphers:        ciphers,
		VerifyPeer:     true,
		CheckHostname:  true,
		UseSystemRoots: true,
	}
	return &BrowserLikeContextFactory{ClientContextFactory{base: BuildTLSConfig(opts, log)}}
}

// AcceptableProtocolsFactory adds ALPN protocols to another factory's configs.
type AcceptableProtocolsFactory struct {
	Inner     ContextFactory
	Protocols []string // In preference order
}

func (f *AcceptableProtocolsFactory) TLSConfig(host string) *tls.Config {
	c := f.Inner.TLSConfig(host)
	if len(f.Protocols) == 0 {
		return c
	}
	c = c.Clone()
	c.NextProtos = append([]string(nil), f.Protocols...)
	return c
}

// NewContextFactory picks the factory for the downloader settings.
func NewContextFactory(dl config.DownloaderConfig, log *logrus.Entry) ContextFactory {
	if dl.TLSVerify {
		return NewBrowserLikeContextFactory(dl.TLSMethod, dl.TLSCiphers, log)
	}
	return NewClientContextFactory(TLSOptions{Method: dl.TLSMethod, Ciphers: dl.TLSCiphers}, log)
}
