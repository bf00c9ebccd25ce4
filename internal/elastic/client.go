package elastic

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/SteelMorgan/timeline-indexer/internal/writer"
	"github.com/elastic/go-elasticsearch/v8"
	"github.com/rs/zerolog/log"
)

const (
	DefaultHost = "localhost"
	DefaultPort = 9200
)

// Config holds Elasticsearch connection settings
type Config struct {
	Host           string
	Port           int
	UseTLS         bool
	Username       string
	Password       string
	SkipCertVerify bool   // disables certificate validation
	CACertPath     string // additional CA for TLS, empty = system pool
}

// URL returns the node address built from the config
func (c Config) URL() string {
	host := c.Host
	if host == "" {
		host = DefaultHost
	}
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	scheme := "http"
	if c.UseTLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, host, port)
}

// Client sends bulk create requests to Elasticsearch
type Client struct {
	es  *elasticsearch.Client
	url string
}

var _ writer.BulkSink = (*Client)(nil)

// NewClient creates an Elasticsearch client. It does not contact the cluster.
func NewClient(cfg Config) (*Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil

	if cfg.SkipCertVerify || cfg.CACertPath != "" {
		tlsConfig, err := buildTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}

	url := cfg.URL()
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{url},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: transport,
		// retries are the caller's decision
		DisableRetry: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}

	log.Info().
		Str("url", url).
		Bool("auth", cfg.Username != "").
		Bool("skip_cert_verify", cfg.SkipCertVerify).
		Msg("Elasticsearch client configured")

	return &Client{es: es, url: url}, nil
}

func buildTLSConfig(cfg Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.SkipCertVerify, //nolint:gosec // explicit opt-in
	}

	if cfg.CACertPath != "" {
		caCert, err := os.ReadFile(cfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CACertPath)
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

// BulkCreate sends one bulk request with a create action per entry
func (c *Client) BulkCreate(ctx context.Context, index string, entries []writer.Entry) (*writer.BulkResponse, error) {
	body, err := encodeBulkBody(entries)
	if err != nil {
		return nil, err
	}

	res, err := c.es.Bulk(
		bytes.NewReader(body),
		c.es.Bulk.WithContext(ctx),
		c.es.Bulk.WithIndex(index),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to send bulk request to %s: %w", c.url, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		text, _ := io.ReadAll(res.Body)
		log.Error().
			Int("status", res.StatusCode).
			Str("index", index).
			Str("body", string(text)).
			Msg("Error while sending bulk operation")
		return nil, &writer.TransportError{StatusCode: res.StatusCode, Body: string(text)}
	}

	resp, err := decodeBulkResponse(res.Body)
	if err != nil {
		return nil, err
	}

	if resp.Errors {
		log.Debug().
			Str("index", index).
			Int("items", len(resp.Items)).
			Msg("Bulk response reports item errors")
	}

	return resp, nil
}

type bulkAction struct {
	Create bulkActionMeta `json:"create"`
}

type bulkActionMeta struct {
	ID string `json:"_id"`
}

// encodeBulkBody renders entries as NDJSON: one create action line followed
// by the document line, in entry order
func encodeBulkBody(entries []writer.Entry) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)

	for _, entry := range entries {
		if err := enc.Encode(bulkAction{Create: bulkActionMeta{ID: entry.ID}}); err != nil {
			return nil, fmt.Errorf("failed to encode bulk action: %w", err)
		}
		if err := json.Compact(&buf, entry.Content); err != nil {
			return nil, fmt.Errorf("%w: entry %s: %v", writer.ErrSerialization, entry.ID, err)
		}
		buf.WriteByte('\n')
	}

	return buf.Bytes(), nil
}

type bulkResponse struct {
	Took   int64                       `json:"took"`
	Errors bool                        `json:"errors"`
	Items  []map[string]bulkItemResult `json:"items"`
}

type bulkItemResult struct {
	ID     string         `json:"_id"`
	Status int            `json:"status"`
	Error  *bulkItemError `json:"error,omitempty"`
}

type bulkItemError struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func decodeBulkResponse(r io.Reader) (*writer.BulkResponse, error) {
	var raw bulkResponse
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode bulk response: %w", err)
	}

	resp := &writer.BulkResponse{
		Took:   raw.Took,
		Errors: raw.Errors,
		Items:  make([]writer.BulkItem, 0, len(raw.Items)),
	}
	for _, item := range raw.Items {
		// each item holds exactly one action key, "create" for our requests
		for _, result := range item {
			bi := writer.BulkItem{ID: result.ID, Status: result.Status}
			if result.Error != nil {
				bi.ErrorType = result.Error.Type
				bi.Reason = result.Error.Reason
			}
			resp.Items = append(resp.Items, bi)
		}
	}

	return resp, nil
}
