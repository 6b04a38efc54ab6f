package server

import (
	"crypto/tls"
	"fmt"
	"net"
)

const defaultNetwork = "tcp"

// TLSListener serves connections over TLS 1.2 or newer with a certificate
// pair read from disk on every Listen call.
type TLSListener struct {
	certFileName       string
	privateKeyFileName string
}

// NewTLSListener creates a TLSListener.
//
// Parameters:
//   - certFileName: path to the PEM encoded certificate chain
//   - privateKeyFileName: path to the PEM encoded private key
func NewTLSListener(certFileName, privateKeyFileName string) *TLSListener {
	return &TLSListener{
		certFileName:       certFileName,
		privateKeyFileName: privateKeyFileName,
	}
}

// Config loads the certificate pair and builds the server TLS configuration.
func (l *TLSListener) Config() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(l.certFileName, l.privateKeyFileName)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"h2", "http/1.1"},
	}, nil
}

func (l *TLSListener) Listen(protocol, addr string) (net.Listener, error) {
	cfg, err := l.Config()
	if err != nil {
		return nil, err
	}

	return tls.Listen(network(protocol), addr, cfg)
}

// PlainListener accepts unencrypted connections. It is meant for local
// development and for endpoints sitting behind a terminating proxy.
type PlainListener struct{}

func NewPlainListener() *PlainListener {
	return &PlainListener{}
}

func (l *PlainListener) Listen(protocol, addr string) (net.Listener, error) {
	return net.Listen(network(protocol), addr)
}

func network(protocol string) string {
	if protocol == "" {
		return defaultNetwork
	}
	return protocol
}
