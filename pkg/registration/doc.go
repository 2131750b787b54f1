// Package registration performs the one-shot handshake with the control
// plane (C6): a version compatibility check followed by a registration
// call that yields broker credentials and queue coordinates.
package registration
