package domain

import "errors"

// ErrNotFound is returned when a document path does not exist.
var ErrNotFound = errors.New("document not found")

// ErrUnsupportedFormat is returned when a document is not a readable PDF.
var ErrUnsupportedFormat = errors.New("unsupported document format")

// ErrEmbeddingService is returned when the embedding service fails.
var ErrEmbeddingService = errors.New("embedding service error")

// ErrGenerationService is returned when the language model service fails.
var ErrGenerationService = errors.New("generation service error")

// ErrVectorStore is returned when a vector store add, search, count, delete
// or info call fails.
var ErrVectorStore = errors.New("vector store error")

// ErrUnsupportedOperation is returned when a vector store backend cannot
// perform the requested operation, such as deleting by filter.
var ErrUnsupportedOperation = errors.New("unsupported operation")

// ErrConfiguration is returned for missing or invalid settings.
var ErrConfiguration = errors.New("configuration error")

// ErrRetrieval is returned when the retrieval stage of a query fails.
var ErrRetrieval = errors.New("retrieval failed")

// ErrGeneration is returned when the generation stage of a query fails.
var ErrGeneration = errors.New("generation failed")

// ErrInvalidInput is returned for a request that cannot succeed as given,
// such as a malformed record batch. It is never retried.
var ErrInvalidInput = errors.New("invalid input")
