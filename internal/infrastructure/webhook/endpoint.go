package webhook

import (
	"fmt"
	"net/http"

	"ledgersync/internal/domain/orchestrator"
)

// Endpoint is one institution's ingress: signature check then decode.
type Endpoint struct {
	header   string
	verifier *Verifier
	decoder  *Decoder
}

// EndpointConfig is the per-institution webhook section of the institutions file.
type EndpointConfig struct {
	Secret          string  `toml:"secret"`
	SignatureHeader string  `toml:"signature_header"`
	Mapping         Mapping `toml:"mapping"`
}

func NewEndpoint(cfg EndpointConfig) (*Endpoint, error) {
	verifier, err := NewVerifier(cfg.Secret)
	if err != nil {
		return nil, err
	}
	decoder, err := NewDecoder(cfg.Mapping)
	if err != nil {
		return nil, err
	}
	header := cfg.SignatureHeader
	if header == "" {
		header = DefaultSignatureHeader
	}
	return &Endpoint{header: header, verifier: verifier, decoder: decoder}, nil
}

// Parse verifies the signature over the raw body before looking at its contents.
func (e *Endpoint) Parse(header http.Header, body []byte) (orchestrator.WebhookEvent, error) {
	if err := e.verifier.Verify(body, header.Get(e.header)); err != nil {
		return nil, fmt.Errorf("failed to verify webhook: %w", err)
	}
	return e.decoder.Decode(body)
}
