// Package session tracks per-session turn state and the last diagram artifact
// produced for each session.
//
// A Store is constructed once by the process entry point and shared by
// reference with every consumer. RegisterTurn is atomic per call: for a key
// that has never been seen, exactly one caller observes a first turn even when
// many calls race. CacheArtifactIfPresent extracts the first draw.io document
// (<mxfile>...</mxfile>, optionally preceded by an XML prolog) from model
// output and stores it, last write wins.
//
// Sessions live only as long as the process. The store is bounded: at most
// MaxSessions entries are kept (least recently used evicted first) and an
// entry expires TTL after its last turn. An evicted session starts over as a
// first turn.
package session
