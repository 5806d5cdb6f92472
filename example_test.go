package engine_test

import (
	"fmt"

	"pipelined.dev/engine"
	"pipelined.dev/engine/graph"
	"pipelined.dev/engine/log"
	"pipelined.dev/engine/units"
)

// Example:
//
//	Connect oscillator to gain and gain to output bus
//	Compile the patch and run one block
func Example() {
	e, err := engine.New(
		engine.WithLogger(log.Discard()),
		engine.WithChannels(0, 1),
	)
	check(err)
	_, out := e.Buses()

	osc, gain, dac := units.NewOsc(0), units.NewGain(0.5), units.NewDac(out)
	check(e.AddRoot(graph.NewPatch().Add(osc, gain, dac).
		Connect(osc, 0, gain, 0).
		Connect(gain, 0, dac, 0)))
	check(e.SetDSP(true))
	fmt.Println(e.Chain().Ops())

	e.Tick()
	fmt.Printf("%.2f\n", out[0][:4])
	// Output:
	// [scalar perform perform perform]
	// [0.50 0.50 0.50 0.50]
}

// Example:
//
//	Run the inner patch with 4 times bigger blocks
func Example_reblock() {
	e, err := engine.New(engine.WithLogger(log.Discard()))
	check(err)

	rc, err := graph.NewBlock(4*graph.DefaultBlockSize, 1, 1)
	check(err)
	in, out := graph.NewInlet(), graph.NewOutlet()
	gain := units.NewGain(2)
	sub := graph.NewSubpatch(graph.NewPatch().Add(rc, in, gain, out).
		Connect(in, 0, gain, 0).
		Connect(gain, 0, out, 0))
	check(e.AddRoot(graph.NewPatch().Add(sub)))
	check(e.SetDSP(true))

	fmt.Println(rc.Block().Period)
	// Output:
	// 4
}

func check(err error) {
	if err != nil {
		panic(err)
	}
}
