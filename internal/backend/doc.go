// Package backend provisions the runtimes that host deployed worker
// bundles. A runtime boots (or locates) a worker instance for a deployment
// and hands out coordinator-protocol connections to its agent.
package backend
