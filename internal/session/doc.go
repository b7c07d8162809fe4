// Package session tracks client sessions and the per-device exclusive
// lock that control operations hold.
//
// A lock has two kinds of holds: an explicit hold taken by acquire and kept
// until release or session teardown, and operation holds taken for the
// duration of one control call. The lock is free once the owner has neither.
// Tearing a session down only removes its explicit hold, so a control call
// that is still running keeps the device until it returns.
package session
