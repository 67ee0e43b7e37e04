// Package backend implements the Backend Supervisor (C3): one Supervisor
// per configured backend, owning its Transport and driving the
// starting/ready/degraded/failed/stopped state machine described in the
// router's design. A single goroutine per Supervisor mutates state; every
// other method either reads under a lock or posts an event, so the state
// machine itself never needs external synchronization.
package backend
