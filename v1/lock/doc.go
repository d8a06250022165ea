// Package lock provides a distributed mutex on top of an atomic
// create-if-absent reference store. A record named after the lock key is the
// lock itself: whoever creates it holds the lock, and deleting it releases the
// lock. Holders that vanish without releasing are detected by the creation
// time the store records, and their records are reclaimed once older than
// DefaultTTL.
//
// WithLock wraps acquisition and release around a function so that the lock
// is released on every exit path, including panics and termination signals.
package lock
