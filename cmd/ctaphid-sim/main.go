// ctaphid-sim is a simulator for the CTAPHID transport and CTAP2 dispatch
// engine: it drives a pipe.Pipe against an in-process usbhid.LoopbackBus,
// either serving a Prometheus metrics endpoint while idling the poll loop
// or running the named end-to-end wire scenarios once and reporting pass/
// fail. There is no real USB bus driver in scope; see usbhid's package doc.
package main

import "github.com/nrehlein/ctaphid/cmd/ctaphid-sim/commands"

func main() {
	commands.Execute()
}
