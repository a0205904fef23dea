// Package sim is the simulation end of a coupling session.
//
// An Engine creates its rank's control channels, advertises the key in the
// handshake file and waits for a module to connect. Once the module's
// ShmInfo arrives the engine attaches the module's arena, opens the object
// channel and announces its ports and commands. The simulation then
// creates objects in Registry, hands them to Publish and closes each batch
// with Complete.
//
// The engine is driven by Poll from the simulation's own loop; Run polls
// until a context ends.
package sim
