// Package core implements warden's cache-aside layer.
//
// Manager keeps entries in a shared adapter.KV and guards their population
// with a distributed lock, so a missing key costs the data source one
// factory call no matter how many processes ask for it at once. Keys the
// source does not know are cached as negative entries.
//
// Tiered adds a process-local L1 in front of a Manager and can keep the L1
// of several processes consistent over a syncbus.Bus.
package core
