// Package timeout implements a single-shot, cancellable countdown.
//
// A Timeout runs one action after a fixed duration unless cancelled first.
// The race between "deadline elapsed" and "cancel requested" is resolved
// exactly once; whichever branch wins runs to completion and the other is
// absorbed as a no-op. Callback failures (errors or panics) are reported once
// via OnError and never prevent the worker from reaching its terminal state.
package timeout
