// Package discovery advertises device servers over mDNS and finds them
// from clients.
package discovery
