// Package sockets tracks every live socket in the process.
//
// A Registry owns each socket it tracks. The Conn wrapper returned by
// Registry.Track removes itself when closed, so the registry never holds a
// dead socket, and CloseAll is the process-wide cancellation primitive used on
// shutdown.
package sockets
