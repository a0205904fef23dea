/*
Package coupling runs the background loop of a simulation session.

A Worker owns one goroutine. Each pass it drains the control connection,
handing every decoded message to the session's Handler, then drains the
object channel into a mutex-guarded pending list that the pipeline takes
once per cycle. When a pass finds no work the loop yields a few times and
then sleeps on an exponential curve, reset by the next message.

Stop cancels the loop and joins it. Unless the peer closed the session
first, the worker's last act is to send ConnectionClosed(true). Stats
reports how many workers were started and joined in this process.
*/
package coupling
