// File: reactor/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package reactor provides the kernel readiness-notification layer of the
// fiber runtime. On Linux it is a thin edge-triggered epoll wrapper; other
// platforms build a stub that fails at construction.
package reactor
