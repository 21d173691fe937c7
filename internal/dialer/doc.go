// Package dialer provides outbound dialing implementations used by switchyard.
//
// Dialers implement a small interface (DialContext) and are used by proxy
// listeners to establish outbound connections either directly or via an
// upstream proxy (HTTP CONNECT, SOCKS4/4a or SOCKS5). Connect and Handshake
// expose the CONNECT and SOCKS exchanges on an existing socket so they can be
// layered by the transport package.
package dialer
