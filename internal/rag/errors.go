package rag

import "errors"

// Error kinds surfaced by the pipeline. Components wrap the underlying cause
// together with one of these so callers can branch with errors.Is.
var (
	// ErrDocumentRead reports a source that could not be opened or parsed.
	ErrDocumentRead = errors.New("document read error")

	// ErrEmbeddingProvider reports a network, auth, or rate-limit failure
	// from the embedding provider, at index build or query time.
	ErrEmbeddingProvider = errors.New("embedding provider error")

	// ErrChatProvider reports a failure from the chat model provider.
	ErrChatProvider = errors.New("chat provider error")

	// ErrConfiguration reports invalid settings, such as an overlap not
	// smaller than the chunk size or a document set with no text.
	ErrConfiguration = errors.New("configuration error")
)

// Kind returns a short label for the error kind wrapped by err, suitable
// for API responses and metric labels. Unclassified errors are "internal".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrDocumentRead):
		return "document_read"
	case errors.Is(err, ErrEmbeddingProvider):
		return "embedding_provider"
	case errors.Is(err, ErrChatProvider):
		return "chat_provider"
	default:
		return "internal"
	}
}
