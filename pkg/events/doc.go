// Package events provides an in-memory pub/sub broker used to notify
// internal observers (metrics, logging, CLI status) of interchange lifecycle
// transitions without coupling the state machine to its observers.
package events
