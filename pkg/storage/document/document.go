// Package document implements the document/search storage backend on
// OpenSearch. Records are indexed with the envelope id as the document id,
// making every write an idempotent replace.
package document

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"

	"github.com/meridianhq/conduit/pkg/config"
	"github.com/meridianhq/conduit/pkg/envelope"
	"github.com/meridianhq/conduit/pkg/errors"
	"github.com/meridianhq/conduit/pkg/storage"
)

// Backend is an OpenSearch implementation of storage.Backend.
type Backend struct {
	client    *opensearch.Client
	index     string
	encrypted bool
}

var _ storage.Backend = (*Backend)(nil)

// New connects to OpenSearch and verifies the cluster responds.
func New(ctx context.Context, cfg config.DocumentConfig) (*Backend, error) {
	httpTransport := &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.Insecure,
		},
	}

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: httpTransport,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create opensearch client")
	}

	info, err := client.Info(client.Info.WithContext(ctx))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to ping opensearch")
	}
	defer info.Body.Close()

	if info.IsError() {
		return nil, errors.New(errors.ErrorTypeConnection,
			fmt.Sprintf("opensearch returned error: %s", info.Status()))
	}

	index := cfg.Index
	if index == "" {
		index = "conduit-records"
	}

	return &Backend{
		client:    client,
		index:     index,
		encrypted: cfg.EncryptedAtRest,
	}, nil
}

// Name implements storage.Backend.
func (b *Backend) Name() string { return storage.BackendDocument }

// EncryptedAtRest implements storage.Backend.
func (b *Backend) EncryptedAtRest() bool { return b.encrypted }

// document is the indexed shape of one record.
type document struct {
	RecordType     string                 `json:"record_type"`
	Classification string                 `json:"classification"`
	Payload        map[string]interface{} `json:"payload"`
}

// Upsert implements storage.Backend. Indexing with an explicit document id
// replaces any existing version of the document.
func (b *Backend) Upsert(ctx context.Context, id string, recordType envelope.RecordType, classification envelope.Classification, payload map[string]interface{}) error {
	body, err := json.Marshal(document{
		RecordType:     string(recordType),
		Classification: classification.String(),
		Payload:        payload,
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to encode document")
	}

	req := opensearchapi.IndexRequest{
		Index:      b.index,
		DocumentID: id,
		Body:       bytes.NewReader(body),
	}

	res, err := req.Do(ctx, b.client)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "opensearch index request failed").
			WithDetail("id", id)
	}
	defer res.Body.Close()

	if res.IsError() {
		// Client-side rejections are data defects; server errors are
		// transient and worth retrying.
		if res.StatusCode >= 400 && res.StatusCode < 500 {
			return errors.New(errors.ErrorTypeData,
				fmt.Sprintf("opensearch rejected document: %s", res.Status())).
				WithDetail("id", id)
		}
		return errors.New(errors.ErrorTypeConnection,
			fmt.Sprintf("opensearch index error: %s", res.Status())).
			WithDetail("id", id)
	}

	return nil
}

// Close implements storage.Backend.
func (b *Backend) Close(ctx context.Context) error { return nil }
