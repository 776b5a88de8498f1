// Package security inspects the server's TLS certificate before the agent
// connects, so an expiring or expired certificate shows up in the logs
// before it breaks the connection.
package security
