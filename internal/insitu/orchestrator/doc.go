/*
Package orchestrator owns the lifecycle of a simulation connection on the
module side.

Connect reads the handshake file, dials the simulation's control channels,
creates the object channel and starts a coupling worker. The worker applies
port and command lists to the Pipeline as they arrive and buffers incoming
objects; OnPrepareCycle hands the buffered objects to the pipeline once per
execution. BeginExecute and EndExecute bracket an execution with Ready
messages, and a peer that does not acknowledge the end in time is treated
as crashed.

No failure at this boundary escapes as a panic: callbacks into the
Pipeline are recovered and peer failures end in a disconnect and a log
entry.
*/
package orchestrator
