// Package mirror keeps a Redis copy of the engine's query surface so that
// other processes can read current presence without talking to this one.
// Records are hashes refreshed on every change and expire when the engine
// stops updating them.
package mirror
