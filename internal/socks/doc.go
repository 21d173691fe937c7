// Package socks implements the SOCKS4, SOCKS4a and SOCKS5 wire formats used by
// switchyard.
//
// The server side parses client greetings, credentials and CONNECT requests
// and writes the matching replies; every malformed input surfaces as a
// *ProtocolError. The client side performs the handshakes needed to reach a
// target through an upstream SOCKS proxy.
//
// SOCKS5 message types and constants come from github.com/txthinking/socks5.
// SOCKS4 has no library equivalent there and is encoded directly.
package socks
