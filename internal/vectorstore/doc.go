// Package vectorstore is the similarity index behind the conversation
// archive.
//
// Two providers implement Store:
//   - ChromemStore: embedded chromem-go, persisted to gob files (default)
//   - QdrantStore: external Qdrant over gRPC
//
// Documents from all users share one collection. Isolation is by payload:
// every write is stamped with the user_id from ctx and every query is
// filtered by it. A ctx without an owner fails with ErrMissingOwner.
//
//	ctx = vectorstore.ContextWithOwner(ctx, userID)
//	results, err := store.SearchWithFilters(ctx, query, 15, nil)
package vectorstore
