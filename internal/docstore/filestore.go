// Package docstore serves query documents, endpoints, and shared
// transformer source from a YAML file loaded at startup.
package docstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/elbrit-dev/queryflow/internal/domain"
	"github.com/elbrit-dev/queryflow/internal/graphql"
)

type queryDoc struct {
	ID          string         `yaml:"id"`
	Body        string         `yaml:"body"`
	Variables   map[string]any `yaml:"variables"`
	Index       string         `yaml:"index"`
	MonthIndex  string         `yaml:"month_index"`
	Month       bool           `yaml:"month"`
	ClientSave  bool           `yaml:"client_save"`
	Transformer string         `yaml:"transformer"`
	URLKey      string         `yaml:"url_key"`
}

type endpointDoc struct {
	Key      string `yaml:"key"`
	URL      string `yaml:"url"`
	TokenEnv string `yaml:"token_env"`
}

type fileDoc struct {
	Queries         []queryDoc    `yaml:"queries"`
	Endpoints       []endpointDoc `yaml:"endpoints"`
	SharedFunctions string        `yaml:"shared_functions"`
}

type endpointEntry struct {
	url      string
	tokenEnv string
	token    string // static token, used when tokenEnv is empty
}

// FileStore implements domain.DocumentStore, domain.EndpointResolver, and
// domain.SharedFunctionLoader over one parsed document file. Documents are
// validated at load time so a typo fails startup, not the first request.
type FileStore struct {
	docs      map[string]*domain.QueryDocument
	order     []string
	endpoints map[string]endpointEntry
	shared    string
}

var (
	_ domain.DocumentStore        = (*FileStore)(nil)
	_ domain.EndpointResolver     = (*FileStore)(nil)
	_ domain.SharedFunctionLoader = (*FileStore)(nil)
)

// Load reads and parses the document file at path.
func Load(path string) (*FileStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read document file %s: %w", path, err)
	}
	store, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("document file %s: %w", path, err)
	}
	return store, nil
}

// Parse builds a FileStore from YAML. Unknown fields are rejected.
func Parse(data []byte) (*FileStore, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	var doc fileDoc
	if err := decoder.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, domain.ErrValidation("document file is empty")
		}
		return nil, domain.ErrParse("parse yaml: %v", err)
	}

	store := &FileStore{
		docs:      make(map[string]*domain.QueryDocument, len(doc.Queries)),
		endpoints: make(map[string]endpointEntry, len(doc.Endpoints)),
		shared:    doc.SharedFunctions,
	}

	for _, q := range doc.Queries {
		d := &domain.QueryDocument{
			ID:              q.ID,
			Body:            q.Body,
			Variables:       q.Variables,
			Index:           q.Index,
			MonthIndex:      q.MonthIndex,
			Month:           q.Month,
			ClientSave:      q.ClientSave,
			TransformerCode: q.Transformer,
			URLKey:          q.URLKey,
		}
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if err := graphql.Validate(d.Body); err != nil {
			return nil, domain.ErrValidation("query %s: body: %v", d.ID, err)
		}
		if d.Index != "" {
			if err := graphql.Validate(d.Index); err != nil {
				return nil, domain.ErrValidation("query %s: index: %v", d.ID, err)
			}
		}
		if d.MonthIndex != "" {
			if err := graphql.Validate(d.MonthIndex); err != nil {
				return nil, domain.ErrValidation("query %s: month_index: %v", d.ID, err)
			}
		}
		if _, dup := store.docs[d.ID]; dup {
			return nil, domain.ErrValidation("duplicate query id %q", d.ID)
		}
		store.docs[d.ID] = d
		store.order = append(store.order, d.ID)
	}

	for _, e := range doc.Endpoints {
		if e.URL == "" {
			return nil, domain.ErrValidation("endpoint %q: url is required", e.Key)
		}
		if _, dup := store.endpoints[e.Key]; dup {
			return nil, domain.ErrValidation("duplicate endpoint key %q", e.Key)
		}
		store.endpoints[e.Key] = endpointEntry{url: e.URL, tokenEnv: e.TokenEnv}
	}

	return store, nil
}

// LoadQueryDocument returns the document with the given id.
func (s *FileStore) LoadQueryDocument(_ context.Context, id string) (*domain.QueryDocument, error) {
	doc, ok := s.docs[id]
	if !ok {
		return nil, domain.ErrNotFound("query document %s", id)
	}
	return doc, nil
}

// AllQueryDocuments returns every document in file order.
func (s *FileStore) AllQueryDocuments(_ context.Context) ([]domain.QueryDocument, error) {
	out := make([]domain.QueryDocument, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.docs[id])
	}
	return out, nil
}

// SetDefaultEndpoint installs url as the fallback endpoint (key "") unless
// the document file already defines one. Used to honor the environment
// endpoint when the file leaves the default out.
func (s *FileStore) SetDefaultEndpoint(url, token string) {
	if url == "" {
		return
	}
	if _, ok := s.endpoints[""]; ok {
		return
	}
	s.endpoints[""] = endpointEntry{url: url, token: token}
}

// Resolve maps a url key to its endpoint. An unknown or empty key falls
// back to the default endpoint (key ""). File-declared tokens are read
// from the referenced environment variable on every call, never stored
// in the file.
func (s *FileStore) Resolve(_ context.Context, urlKey string) (domain.Endpoint, error) {
	entry, ok := s.endpoints[urlKey]
	if !ok {
		entry, ok = s.endpoints[""]
	}
	if !ok {
		return domain.Endpoint{}, domain.ErrNotFound("no endpoint for url key %q and no default endpoint", urlKey)
	}
	endpoint := domain.Endpoint{URL: entry.url, AuthToken: entry.token}
	if entry.tokenEnv != "" {
		endpoint.AuthToken = os.Getenv(entry.tokenEnv)
	}
	return endpoint, nil
}

// LoadSharedFunctionSource returns the shared transformer helpers.
func (s *FileStore) LoadSharedFunctionSource(_ context.Context) (string, error) {
	return s.shared, nil
}
