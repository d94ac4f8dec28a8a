// Package device contains the integration adapters for site hardware: the
// Control ID facial recognition terminals and the Toletus turnstile hub.
//
// Adapters translate domain operations ("block this student", "release the
// turnstile") into relay command envelopes, or into direct HTTP calls when
// the server runs on the same network as the device. The transport choice is
// made here, at the adapter boundary; the relay core never learns what a
// terminal or a turnstile is.
//
// Every adapter error means "the operation may or may not have taken effect
// on the hardware"; callers re-check device state rather than assume.
package device
