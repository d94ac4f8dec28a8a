// Package relay implements the device agent command relay: the mechanism by
// which the centrally hosted server issues commands to NAT-isolated site
// agents and receives correlated, timeout-bounded responses.
//
// # Topology
//
// Site agents (biometric terminals, turnstile hubs behind a gym's router)
// dial out to the server and hold a persistent WebSocket. The server never
// dials in; every command travels over the agent's own connection.
//
// # Components
//
//   - Registry: at most one live Conn per agent ID. Registering a second
//     connection for the same ID supersedes (closes) the first.
//   - Table: maps in-flight request IDs to single-assignment result slots
//     with deadlines. Resolution is exactly-once; stray frames no-op.
//   - Server: terminates agent connections, runs the identification
//     handshake and per-connection read loop, routes outbound envelopes.
//   - Client: the façade device adapters call (SendCommand/IsConnected).
//
// # Wire protocol
//
// JSON frames over the WebSocket, discriminated by "type":
//
//	agent -> server  {"type":"identify","agentId":"gym-42","token":"..."}
//	server -> agent  {"type":"welcome","agentId":"gym-42"}
//	server -> agent  {"type":"command","requestId":"...","action":"checkStatus","data":{...}}
//	agent -> server  {"type":"response","requestId":"...","result":{...}}
//	agent -> server  {"type":"error","requestId":"...","error":"..."}
//
// Unrecognized frame types are logged and dropped for forward compatibility.
//
// # Failure semantics
//
// Every command resolves exactly once with a result or one of:
// ErrAgentNotConnected, ErrTimeout, ErrAgentDisconnected, ErrSuperseded, or a
// *RemoteError. A disconnect promptly fails everything pending against that
// agent; callers never wait out a timeout against a dead channel. The relay
// does not retry: every failure means "the command may or may not have taken
// effect" and callers reconcile at the domain level.
//
// # Liveness
//
// The server pings each agent on a configurable interval and closes
// connections idle past the idle timeout, so dead NAT mappings cannot leave
// an agent registered indefinitely.
package relay
