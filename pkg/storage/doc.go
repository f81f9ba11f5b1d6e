// Package storage is the content store adapter for attachment bytes.
//
// The engine never inspects bytes itself: it hands a reader to a
// ContentStore, keeps the returned pointer and SHA-256, and later asks for
// the bytes back or for their removal on a hard purge.
//
// # Backends
//
// FileSystemStore writes under a root directory, S3Store writes to S3 or an
// S3 compatible service such as MinIO. Both are content addressed:
//
//	<root or prefix>/sha256/ab/cdef0123...
//
// so re-uploading identical bytes yields the same pointer. Callers that
// delete bytes must first make sure no other attachment still references
// the pointer.
//
//	store, err := storage.NewContentStore(ctx, cfg)
//	obj, err := store.Put(ctx, r, "application/pdf")
//	ok, actual, err := storage.VerifyContent(ctx, store, obj.Pointer, obj.SHA256)
//
// Wrap a store with Instrument to export per-operation Prometheus metrics.
package storage
