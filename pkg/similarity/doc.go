// Package similarity provides a nearest neighbour index over attachment
// embeddings.
//
// Vectors are only compared within one model, and every model has a fixed
// dimension. Queries run against an immutable snapshot so they never wait
// on writers.
package similarity
