// Package proxy implements the switchyard listener-side proxy servers.
//
// It contains the SOCKS4/4a/5 server, the HTTP forward proxy (CONNECT and
// non-CONNECT), and the shared connection plumbing: keepalive and PROXY
// protocol listeners, the client allow-list, and bidirectional copy.
package proxy
