package worker

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/elbrit-dev/queryflow/internal/domain"
)

// Documents returns the worker-side view of the document store. While the
// channel runs, calls cross as host-call messages; otherwise they hit the
// registered store directly.
func (c *Channel) Documents() domain.DocumentStore {
	return &documentProxy{ch: c}
}

// Endpoints returns the worker-side view of the endpoint resolver.
func (c *Channel) Endpoints() domain.EndpointResolver {
	return &endpointProxy{ch: c}
}

// SharedFunctions returns the worker-side view of the shared function loader.
func (c *Channel) SharedFunctions() domain.SharedFunctionLoader {
	return &sharedProxy{ch: c}
}

type documentProxy struct{ ch *Channel }

var _ domain.DocumentStore = (*documentProxy)(nil)

func (p *documentProxy) LoadQueryDocument(ctx context.Context, id string) (*domain.QueryDocument, error) {
	if p.ch.running() {
		payload, err := p.ch.callHost(ctx, hostLoadDocument, id)
		if !errors.Is(err, errStopped) {
			if err != nil {
				return nil, err
			}
			var doc domain.QueryDocument
			if err := json.Unmarshal(payload, &doc); err != nil {
				return nil, domain.ErrParse("decode document reply: %v", err)
			}
			return &doc, nil
		}
	}
	docs := p.ch.hostDocs()
	if docs == nil {
		return nil, errNotRegistered
	}
	return docs.LoadQueryDocument(ctx, id)
}

func (p *documentProxy) AllQueryDocuments(ctx context.Context) ([]domain.QueryDocument, error) {
	if p.ch.running() {
		payload, err := p.ch.callHost(ctx, hostAllDocuments, "")
		if !errors.Is(err, errStopped) {
			if err != nil {
				return nil, err
			}
			var all []domain.QueryDocument
			if err := json.Unmarshal(payload, &all); err != nil {
				return nil, domain.ErrParse("decode documents reply: %v", err)
			}
			return all, nil
		}
	}
	docs := p.ch.hostDocs()
	if docs == nil {
		return nil, errNotRegistered
	}
	return docs.AllQueryDocuments(ctx)
}

type endpointProxy struct{ ch *Channel }

var _ domain.EndpointResolver = (*endpointProxy)(nil)

func (p *endpointProxy) Resolve(ctx context.Context, urlKey string) (domain.Endpoint, error) {
	if p.ch.running() {
		payload, err := p.ch.callHost(ctx, hostResolve, urlKey)
		if !errors.Is(err, errStopped) {
			if err != nil {
				return domain.Endpoint{}, err
			}
			var endpoint domain.Endpoint
			if err := json.Unmarshal(payload, &endpoint); err != nil {
				return domain.Endpoint{}, domain.ErrParse("decode endpoint reply: %v", err)
			}
			return endpoint, nil
		}
	}
	endpoints := p.ch.hostEndpoints()
	if endpoints == nil {
		return domain.Endpoint{}, errNotRegistered
	}
	return endpoints.Resolve(ctx, urlKey)
}

type sharedProxy struct{ ch *Channel }

var _ domain.SharedFunctionLoader = (*sharedProxy)(nil)

func (p *sharedProxy) LoadSharedFunctionSource(ctx context.Context) (string, error) {
	if p.ch.running() {
		payload, err := p.ch.callHost(ctx, hostSharedSource, "")
		if !errors.Is(err, errStopped) {
			if err != nil {
				return "", err
			}
			var src string
			if err := json.Unmarshal(payload, &src); err != nil {
				return "", domain.ErrParse("decode shared source reply: %v", err)
			}
			return src, nil
		}
	}
	shared := p.ch.hostShared()
	if shared == nil {
		return "", errNotRegistered
	}
	return shared.LoadSharedFunctionSource(ctx)
}
