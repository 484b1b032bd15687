// Package pipeline reconciles a flat batch of practitioner records into the
// normalized directory tables.
//
// # Stages
//
// A run moves through these phases, each finishing for the whole input
// before the next begins:
//
//  1. Ingested: the batch is decoded; malformed records are set aside.
//  2. TaxonomySynced: distinct city and specialty names are inserted if
//     absent, keyed by slug. Existing rows are never updated.
//  3. EntitiesUpserted: practitioners are written in chunks, update on
//     conflict by slug. Chunks run strictly one after another.
//  4. Linked: surrogate ids are resolved and junction rows are inserted
//     if absent, chunk by chunk.
//
// There is no transaction across stages. Every write is idempotent by key,
// so re-running the whole pipeline after a failure converges.
//
// In streaming mode ([Options.Streaming]) the four stages run per chunk
// instead, which bounds memory by the chunk size.
//
// # Run state
//
// Everything accumulated during an execution (taxonomy sets, id maps,
// unresolved references, progress) lives in a [Run]. Nothing is shared
// between runs.
//
// # Errors
//
// Input that is not a JSON array fails with *ingest.ParseError before any
// write. Store failures surface as *[StoreError] and stop the run; chunks
// already committed stay committed. Names that cannot be resolved while
// linking are not errors: they are collected in [Summary.Unresolved].
package pipeline
