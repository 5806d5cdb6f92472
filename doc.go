/*
Package engine compiles signal graphs into a flat chain of steps and runs
the chain in real time.

# Concept

A patch is a set of units connected with signal wires. Every unit has a
number of signal inputs and outputs and a DSP method which appends its
processing routine to the chain. Compilation sorts units topologically,
allocates signal buffers from a pool and reuses them as soon as the last
consumer is scheduled. The result is a list of steps which is executed
once per audio block without any allocations or scheduling decisions.

Patches can contain sub-patches. A sub-patch with a rate control runs
with its own vector size, overlap and resampling, or can be switched off
entirely. Data enters and leaves such a sub-patch through inlets and
outlets which buffer, overlap-add and resample the signal.

# Scheduler

The chain is ticked by the scheduler. It can poll a blocking audio device,
be driven by device callbacks, render to a file as fast as possible or run
on wall clock when no device is available. Timed events are dispatched
before every tick, so they are sample accurate within a block.

	e, err := engine.New(engine.WithCallback(device))
	...
	err = e.AddRoot(patch)
	err = e.SetDSP(true)
	errc, err := e.Start(ctx)
	...
	err = engine.Wait(errc)

Engine methods which change DSP state must be called from clock callbacks
or within Do once the engine is started.
*/
package engine
