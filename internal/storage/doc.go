// Package storage implements the vlogkv storage engine.
//
// The engine is split in two tiers. Values of arbitrary size live in an
// append-only value log; a small offset index maps each key to the byte
// position of its latest value. Only the index is rewritten on compaction, so
// compaction cost follows the number of keys rather than the bytes written.
//
// Architecture:
//
//	┌─────────────────────────────────────────────────────────────────┐
//	│                          Engine                                  │
//	├─────────────────────────────────────────────────────────────────┤
//	│  Write Path:  Client → values.bin append → Table.Put(offset)    │
//	│  Read Path:   Client → Table.Get(offset) → values.bin ReadAt    │
//	├─────────────────────────────────────────────────────────────────┤
//	│  FlushLog:    pending buffer → logs.txt, merge into snapshot    │
//	│  Compaction:  snapshot map → db.txt (every 2s, lock released)   │
//	└─────────────────────────────────────────────────────────────────┘
//
// Key components:
//   - Codec: text (de)serialization of one key/value pair
//   - Table: generic index with a pending write buffer, a snapshot map and a
//     background compactor
//   - ValueLog: length-prefixed binary records addressed by offset
//   - Engine: owns one Table and one ValueLog with a defined Open/Close lifecycle
package storage
