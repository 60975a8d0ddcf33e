package domain

import "context"

// DocumentStore loads saved query documents.
// Implemented by docstore.FileStore.
type DocumentStore interface {
	LoadQueryDocument(ctx context.Context, id string) (*QueryDocument, error)
	AllQueryDocuments(ctx context.Context) ([]QueryDocument, error)
}

// EndpointResolver maps a document's URL key to a concrete endpoint.
// An empty or unknown key resolves to the default endpoint.
type EndpointResolver interface {
	Resolve(ctx context.Context, urlKey string) (Endpoint, error)
}

// SharedFunctionLoader returns transformer helper source shared by all
// query documents, prepended to every transformer module.
type SharedFunctionLoader interface {
	LoadSharedFunctionSource(ctx context.Context) (string, error)
}
